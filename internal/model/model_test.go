package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagsBits(t *testing.T) {
	var f Flags

	assert.False(t, f.Seen())

	f |= FlagSeen | FlagFlagged
	assert.True(t, f.Seen())
	assert.True(t, f.Flagged())
	assert.False(t, f.Answered())

	f = f.WithSeen(false)
	assert.False(t, f.Seen())
	assert.True(t, f.Flagged())

	f = f.WithSeen(true)
	assert.True(t, f.Seen())
}

func TestHeaderJSONRoundTrip(t *testing.T) {
	h := Header{
		MessageID:      "<id@x.test>",
		InReplyTo:      "<parent@x.test>",
		References:     "<root@x.test> <parent@x.test>",
		From:           []string{"Alice <alice@x.test>"},
		To:             []string{"bob@x.test"},
		Subject:        "subject line",
		HasAttachments: true,
		Raw:            "Subject: subject line\r\n\r\n",
	}
	h.SetDate(time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC))

	data, err := json.Marshal(h)
	require.NoError(t, err)

	var back Header
	require.NoError(t, json.Unmarshal(data, &back))

	assert.True(t, h.Date.Equal(back.Date))
	back.Date = h.Date
	assert.Equal(t, h, back)
}

func TestHeaderDerivedDateFields(t *testing.T) {
	var h Header
	h.SetDate(time.Date(2024, 3, 1, 12, 30, 15, 0, time.UTC))

	assert.Equal(t, "2024-03-01 12:30:15", h.DateTime)
	assert.Equal(t, "2024-03-01", h.DateOnly())
	assert.NotEmpty(t, h.Timestamp)
}

func TestShortFrom(t *testing.T) {
	h := Header{From: []string{"Alice Smith <alice@x.test>"}}
	assert.Equal(t, "Alice Smith", h.ShortFrom())

	h = Header{From: []string{"bob@x.test"}}
	assert.Equal(t, "bob", h.ShortFrom())

	h = Header{}
	assert.Equal(t, "", h.ShortFrom())
}

func TestNormalizeSubject(t *testing.T) {
	assert.Equal(t, "hello", NormalizeSubject("Re: Hello", true))
	assert.Equal(t, "Hello", NormalizeSubject("Re: Fwd: Hello", false))
	assert.Equal(t, "plain", NormalizeSubject("plain", true))
}

func TestFlowedEncodeWrapsLongLines(t *testing.T) {
	long := "word word word word word word word word word word word " +
		"word word word word word word word"

	encoded := FlowedEncode(long)

	for _, line := range splitLines(encoded) {
		assert.LessOrEqual(t, len(line), flowedWidth+1)
	}

	assert.Equal(t, long, FlowedDecode(encoded))
}

func TestFlowedDecodeJoinsSoftBreaks(t *testing.T) {
	assert.Equal(t, "one two", FlowedDecode("one \ntwo"))
	assert.Equal(t, "one\ntwo", FlowedDecode("one\ntwo"))
}

func TestFlowedSignatureSeparatorIsHard(t *testing.T) {
	decoded := FlowedDecode("-- \nsig")
	assert.Equal(t, "-- \nsig", decoded)
}

func TestFlowedQuotedLinesUntouched(t *testing.T) {
	quoted := "> quoted text that is fairly long but must never be " +
		"rewrapped because quoting"
	assert.Equal(t, quoted, FlowedEncode(quoted))
}

func TestParseBodyPlainText(t *testing.T) {
	raw := []byte("Content-Type: text/plain; charset=utf-8; format=flowed\r\n" +
		"\r\n" +
		"hello \r\nworld")

	body := ParseBody(raw, false)
	assert.True(t, body.FormatFlowed)
	assert.Contains(t, body.Text, "hello")
	assert.Equal(t, "hello world", body.ViewText())
}

func TestParseBodyMultipart(t *testing.T) {
	raw := []byte("MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=BOUNDARY\r\n" +
		"\r\n" +
		"--BOUNDARY\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"the text part\r\n" +
		"--BOUNDARY\r\n" +
		"Content-Type: application/pdf\r\n" +
		"Content-Disposition: attachment; filename=\"doc.pdf\"\r\n" +
		"\r\n" +
		"PDFDATA\r\n" +
		"--BOUNDARY--\r\n")

	body := ParseBody(raw, false)

	assert.Contains(t, body.Text, "the text part")
	require.NotEmpty(t, body.Parts)
	assert.True(t, body.HasAttachments())

	var filenames []string
	for _, p := range body.Parts {
		if p.Filename != "" {
			filenames = append(filenames, p.Filename)
		}
	}
	assert.Equal(t, []string{"doc.pdf"}, filenames)
}

func TestParseBodyHTMLOnly(t *testing.T) {
	raw := []byte("Content-Type: text/html\r\n" +
		"\r\n" +
		"<html><body><p>rendered &amp; ready</p></body></html>\r\n")

	body := ParseBody(raw, true)
	assert.True(t, body.HTMLParsed)
	assert.Contains(t, body.ViewText(), "rendered")
}

func TestParseBodyGarbageFallsBack(t *testing.T) {
	raw := []byte("not a mime message at all")
	body := ParseBody(raw, false)
	assert.Equal(t, "not a mime message at all", body.Text)
}

func TestResponseStatusBits(t *testing.T) {
	s := ResponseStatusGetUidsFailed | ResponseStatusGetBodiesFailed

	assert.True(t, s.Has(ResponseStatusGetUidsFailed))
	assert.False(t, s.Has(ResponseStatusLoginFailed))
	assert.NotEqual(t, ResponseStatusOK, s)
}

func TestRequestEmpty(t *testing.T) {
	assert.True(t, (&Request{Folder: "INBOX"}).Empty())
	assert.False(t, (&Request{GetUids: true}).Empty())
	assert.False(t, (&Request{GetBodies: []uint32{1}}).Empty())
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	return append(lines, s[start:])
}
