package smtpmgr

import (
	"bytes"
	"net/textproto"
	"strings"
	"testing"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailterm/internal/model"
)

func testCompose() Compose {
	return Compose{
		From:    "Alice <alice@x.test>",
		To:      []string{"bob@x.test"},
		Cc:      []string{"carol@x.test"},
		Bcc:     []string{"dave@x.test"},
		Subject: "status update",
		Body:    "hello bob",
	}
}

func TestCreateMessageHeaders(t *testing.T) {
	blob, err := CreateMessage(testCompose(), "x.test")
	require.NoError(t, err)

	mr, err := mail.CreateReader(bytes.NewReader(blob))
	require.NoError(t, err)
	defer mr.Close()

	subject, err := mr.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "status update", subject)

	from, err := mr.Header.AddressList("From")
	require.NoError(t, err)
	require.Len(t, from, 1)
	assert.Equal(t, "alice@x.test", from[0].Address)
	assert.Equal(t, "Alice", from[0].Name)

	// Bcc stays off the wire.
	bcc, _ := mr.Header.AddressList("Bcc")
	assert.Empty(t, bcc)

	msgID, err := mr.Header.MessageID()
	require.NoError(t, err)
	assert.NotEmpty(t, msgID)
}

func TestCreateMessageReplyThreading(t *testing.T) {
	c := testCompose()
	c.RefMsgID = "<parent@x.test>"
	c.RefReferences = "<root@x.test> <parent@x.test>"

	blob, err := CreateMessage(c, "x.test")
	require.NoError(t, err)

	mr, err := mail.CreateReader(bytes.NewReader(blob))
	require.NoError(t, err)
	defer mr.Close()

	inReplyTo, err := mr.Header.MsgIDList("In-Reply-To")
	require.NoError(t, err)
	assert.Equal(t, []string{"parent@x.test"}, inReplyTo)

	refs, err := mr.Header.MsgIDList("References")
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"root@x.test", "parent@x.test", "parent@x.test"}, refs)
}

func TestCreateMessageBodyRoundTrip(t *testing.T) {
	c := testCompose()
	c.HTMLBody = "<p>hello bob</p>"

	blob, err := CreateMessage(c, "x.test")
	require.NoError(t, err)

	body := model.ParseBody(blob, false)
	assert.Contains(t, body.Text, "hello bob")
	assert.Contains(t, body.HTML+body.Text, "hello")
}

func TestCreateMessageFormatFlowed(t *testing.T) {
	c := testCompose()
	c.FormatFlowed = true
	c.Body = "a line that is deliberately long enough to exceed the " +
		"seventy-two column soft limit imposed by format flowed"

	blob, err := CreateMessage(c, "x.test")
	require.NoError(t, err)

	body := model.ParseBody(blob, false)
	assert.True(t, body.FormatFlowed)
	assert.Equal(t, c.Body,
		strings.TrimRight(model.FlowedDecode(body.Text), "\n"))
}

func TestRecipients(t *testing.T) {
	c := testCompose()
	assert.Equal(t,
		[]string{"bob@x.test", "carol@x.test", "dave@x.test"},
		c.Recipients())
}

func TestRecipientsFromMessage(t *testing.T) {
	blob, err := CreateMessage(testCompose(), "x.test")
	require.NoError(t, err)

	// Bcc is not serialised, so only To and Cc are recoverable.
	got := RecipientsFromMessage(blob)
	assert.Equal(t, []string{"bob@x.test", "carol@x.test"}, got)
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, isPermanent(&textproto.Error{Code: 550, Msg: "no such user"}))
	assert.False(t, isPermanent(&textproto.Error{Code: 451, Msg: "try later"}))
	assert.False(t, isPermanent(assert.AnError))
}

func TestXOAuth2Start(t *testing.T) {
	auth := &xoauth2Auth{username: "user@x.test", token: "tok"}

	mech, resp, err := auth.Start(nil)
	require.NoError(t, err)
	assert.Equal(t, "XOAUTH2", mech)
	assert.Equal(t,
		"user=user@x.test\x01auth=Bearer tok\x01\x01", string(resp))
}

func TestCutOAuthToken(t *testing.T) {
	token, ok := cutOAuthToken("oauth2:abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", token)

	_, ok = cutOAuthToken("plain-password")
	assert.False(t, ok)
}
