package model

import (
	"bytes"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/jaytaylor/html2text"
)

// Part holds one decoded MIME part of a message body.
type Part struct {
	Index     int    `json:"index"`
	MIMEType  string `json:"mime_type"`
	Filename  string `json:"filename"`
	ContentID string `json:"content_id"`
	Size      int64  `json:"size"`
	Data      []byte `json:"data"`
}

// Body holds the raw RFC 822 payload of a message together with its
// derived plain-text and HTML renderings and decoded part list.
type Body struct {
	Raw          []byte `json:"raw"`
	Text         string `json:"text"`
	HTML         string `json:"html"`
	Parts        []Part `json:"parts"`
	FormatFlowed bool   `json:"format_flowed"`
	HTMLParsed   bool   `json:"html_parsed"`
}

// HasAttachments reports whether any decoded part carries a filename.
func (b *Body) HasAttachments() bool {
	for _, p := range b.Parts {
		if p.Filename != "" {
			return true
		}
	}
	return false
}

// ViewText returns the text to display: the decoded plain-text part
// with format=flowed unwrapping applied, falling back to the HTML
// field (its text rendering when HTML was processed, otherwise the
// raw HTML source).
func (b *Body) ViewText() string {
	if b.Text != "" {
		if b.FormatFlowed {
			return FlowedDecode(b.Text)
		}
		return b.Text
	}
	return b.HTML
}

// ParseBody decodes a raw RFC 822 payload into a Body. When
// processHTML is set and the message has no plain-text part, the HTML
// part is converted to text and the html-parsed bit recorded.
func ParseBody(raw []byte, processHTML bool) Body {
	body := Body{Raw: raw}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// Unparseable payloads are displayed verbatim.
		body.Text = string(raw)
		return body
	}
	defer mr.Close()

	var htmlSrc string
	index := 0

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		data, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, params, _ := h.ContentType()

			switch {
			case strings.HasPrefix(contentType, "text/plain"):
				if body.Text == "" {
					body.Text = string(data)
					body.FormatFlowed =
						strings.EqualFold(params["format"], "flowed")
				}
			case strings.HasPrefix(contentType, "text/html"):
				if htmlSrc == "" {
					htmlSrc = string(data)
				}
			}

			contentID := strings.Trim(h.Get("Content-Id"), "<>")
			body.Parts = append(body.Parts, Part{
				Index:     index,
				MIMEType:  contentType,
				ContentID: contentID,
				Size:      int64(len(data)),
				Data:      data,
			})

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			body.Parts = append(body.Parts, Part{
				Index:    index,
				MIMEType: contentType,
				Filename: filename,
				Size:     int64(len(data)),
				Data:     data,
			})
		}

		index++
	}

	if htmlSrc != "" {
		if body.Text == "" && processHTML {
			text, err := html2text.FromString(
				htmlSrc, html2text.Options{TextOnly: false},
			)
			if err == nil {
				body.HTML = text
				body.HTMLParsed = true
			}
		} else if body.Text == "" {
			body.HTML = htmlSrc
		}
	}

	return body
}
