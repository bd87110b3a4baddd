package smtpmgr

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/nhle/mailterm/internal/model"
)

// Compose holds the fields of a message to assemble.
type Compose struct {
	From            string
	To              []string
	Cc              []string
	Bcc             []string
	Subject         string
	Body            string
	HTMLBody        string
	AttachmentPaths []string
	RefMsgID        string
	RefReferences   string
	FormatFlowed    bool
}

// Recipients returns all delivery addresses (To, Cc and Bcc).
func (c *Compose) Recipients() []string {
	var out []string
	for _, group := range [][]string{c.To, c.Cc, c.Bcc} {
		for _, addr := range group {
			if parsed, err := mail.ParseAddress(addr); err == nil {
				out = append(out, parsed.Address)
			}
		}
	}
	return out
}

// CreateMessage assembles a complete RFC 822 message: a text part
// (format=flowed when asked), an optional HTML alternative, and
// attachments. Bcc is intentionally not written into the header sent
// on the wire; it is carried only for the envelope.
func CreateMessage(c Compose, hostname string) ([]byte, error) {
	var header gomail.Header
	header.SetDate(time.Now())
	header.SetSubject(c.Subject)

	if err := setAddressList(&header, "From", []string{c.From}); err != nil {
		return nil, err
	}
	if err := setAddressList(&header, "To", c.To); err != nil {
		return nil, err
	}
	if err := setAddressList(&header, "Cc", c.Cc); err != nil {
		return nil, err
	}

	header.SetMsgIDList("Message-Id", []string{messageID(hostname)})
	if c.RefMsgID != "" {
		refID := strings.Trim(c.RefMsgID, "<>")
		header.SetMsgIDList("In-Reply-To", []string{refID})

		refs := strings.Fields(c.RefReferences)
		for i := range refs {
			refs[i] = strings.Trim(refs[i], "<>")
		}
		refs = append(refs, refID)
		header.SetMsgIDList("References", refs)
	}

	var buf bytes.Buffer
	mw, err := gomail.CreateWriter(&buf, header)
	if err != nil {
		return nil, fmt.Errorf("creating message writer: %w", err)
	}

	if err := writeTextParts(mw, c); err != nil {
		return nil, err
	}

	for _, path := range c.AttachmentPaths {
		if err := writeAttachment(mw, path); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("closing message writer: %w", err)
	}

	return buf.Bytes(), nil
}

func writeTextParts(mw *gomail.Writer, c Compose) error {
	iw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("creating inline part: %w", err)
	}

	var textHeader gomail.InlineHeader
	params := map[string]string{"charset": "utf-8"}
	body := c.Body
	if c.FormatFlowed {
		params["format"] = "flowed"
		body = model.FlowedEncode(body)
	}
	textHeader.SetContentType("text/plain", params)

	tw, err := iw.CreatePart(textHeader)
	if err != nil {
		return fmt.Errorf("creating text part: %w", err)
	}
	if _, err := io.WriteString(tw, body); err != nil {
		return fmt.Errorf("writing text part: %w", err)
	}
	tw.Close()

	if c.HTMLBody != "" {
		var htmlHeader gomail.InlineHeader
		htmlHeader.SetContentType("text/html", map[string]string{
			"charset": "utf-8",
		})
		hw, err := iw.CreatePart(htmlHeader)
		if err != nil {
			return fmt.Errorf("creating html part: %w", err)
		}
		if _, err := io.WriteString(hw, c.HTMLBody); err != nil {
			return fmt.Errorf("writing html part: %w", err)
		}
		hw.Close()
	}

	return iw.Close()
}

func writeAttachment(mw *gomail.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening attachment %s: %w", path, err)
	}
	defer f.Close()

	name := filepath.Base(path)

	var ah gomail.AttachmentHeader
	ah.SetFilename(name)

	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	ah.SetContentType(contentType, nil)

	aw, err := mw.CreateAttachment(ah)
	if err != nil {
		return fmt.Errorf("creating attachment part: %w", err)
	}
	defer aw.Close()

	if _, err := io.Copy(aw, f); err != nil {
		return fmt.Errorf("writing attachment %s: %w", name, err)
	}

	return nil
}

func setAddressList(header *gomail.Header, key string, raw []string) error {
	joined := strings.TrimSpace(strings.Join(raw, ", "))
	joined = strings.Trim(joined, ", ")
	if joined == "" {
		return nil
	}

	addrs, err := mail.ParseAddressList(joined)
	if err != nil {
		return fmt.Errorf("parsing %s addresses: %w", key, err)
	}

	converted := make([]*gomail.Address, 0, len(addrs))
	for _, a := range addrs {
		converted = append(converted, &gomail.Address{
			Name:    a.Name,
			Address: a.Address,
		})
	}

	header.SetAddressList(key, converted)
	return nil
}

// RecipientsFromMessage recovers the envelope recipients from a
// complete message blob.
func RecipientsFromMessage(blob []byte) []string {
	mr, err := gomail.CreateReader(bytes.NewReader(blob))
	if err != nil {
		return nil
	}
	defer mr.Close()

	var out []string
	for _, key := range []string{"To", "Cc", "Bcc"} {
		addrs, err := mr.Header.AddressList(key)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			out = append(out, a.Address)
		}
	}
	return out
}

func messageID(hostname string) string {
	if hostname == "" {
		hostname = "localhost"
	}
	return fmt.Sprintf("%s@%s", uuid.New().String(), hostname)
}
