package model

import "strings"

// flowedWidth is the wrap column used when producing format=flowed
// text (RFC 3676 recommends 72).
const flowedWidth = 72

// FlowedEncode wraps text at flowedWidth columns using trailing-space
// soft line breaks per RFC 3676. Space-stuffing is applied to lines
// starting with a space or "From "; lines starting with ">" are left
// as they are, neither wrapped nor stuffed.
func FlowedEncode(text string) string {
	var out strings.Builder

	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			out.WriteString("\n")
		}
		out.WriteString(flowLine(line))
	}

	return out.String()
}

func flowLine(line string) string {
	// Quoted lines are left intact to preserve the quote depth.
	if strings.HasPrefix(line, ">") {
		return line
	}

	var out strings.Builder
	for len(line) > flowedWidth {
		cut := strings.LastIndex(line[:flowedWidth], " ")
		if cut <= 0 {
			break
		}
		out.WriteString(stuff(line[:cut]))
		// Trailing space marks the soft break.
		out.WriteString(" \n")
		line = line[cut+1:]
	}
	out.WriteString(stuff(line))
	return out.String()
}

func stuff(line string) string {
	if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "From ") {
		return " " + line
	}
	return line
}

// FlowedDecode rejoins soft-broken lines of format=flowed text and
// removes space-stuffing.
func FlowedDecode(text string) string {
	lines := strings.Split(text, "\n")
	var out strings.Builder
	flowing := false

	for _, line := range lines {
		line = strings.TrimSuffix(line, "\r")

		// Remove space-stuffing.
		if strings.HasPrefix(line, " ") {
			line = line[1:]
		}

		soft := strings.HasSuffix(line, " ") && line != "-- "

		if flowing {
			out.WriteString(line)
		} else {
			if out.Len() > 0 {
				out.WriteString("\n")
			}
			out.WriteString(line)
		}

		flowing = soft
	}

	return out.String()
}
