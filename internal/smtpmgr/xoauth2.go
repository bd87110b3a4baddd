package smtpmgr

import (
	"errors"
	"fmt"
	"net/smtp"
	"strings"
)

// cutOAuthToken extracts the access token from an oauth2: prefixed
// credential.
func cutOAuthToken(pass string) (string, bool) {
	return strings.CutPrefix(pass, "oauth2:")
}

// xoauth2Auth implements the SASL XOAUTH2 mechanism for net/smtp.
type xoauth2Auth struct {
	username string
	token    string
}

func (a *xoauth2Auth) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	resp := fmt.Sprintf(
		"user=%s\x01auth=Bearer %s\x01\x01", a.username, a.token)
	return "XOAUTH2", []byte(resp), nil
}

func (a *xoauth2Auth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		// The server pushed an error blob; an empty reply makes it
		// finish with the final rejection.
		if len(fromServer) > 0 {
			return []byte(""), nil
		}
		return nil, errors.New("unexpected XOAUTH2 challenge")
	}
	return nil, nil
}
