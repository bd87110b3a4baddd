package imapmgr

import (
	"fmt"

	"github.com/emersion/go-sasl"
)

// xoauth2Client implements the SASL XOAUTH2 mechanism used by Gmail
// and Outlook.
type xoauth2Client struct {
	username string
	token    string
}

func newXOAuth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	resp := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", c.username, c.token)
	return "XOAUTH2", []byte(resp), nil
}

func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	// The server sends a JSON error blob on failure; replying with an
	// empty line makes it finish with a tagged NO.
	return []byte(""), nil
}
