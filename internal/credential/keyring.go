// Package credential stores the account password in the system
// keyring when save_pass is enabled.
package credential

import (
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "mailterm"

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailterm/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailterm-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Get retrieves a credential value by key from the system keyring.
func Get(key string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Set stores a credential value by key in the system keyring.
func Set(key string, value string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:  key,
		Data: []byte(value),
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}

// Delete removes a credential by key from the system keyring.
func Delete(key string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Remove(key)
	if err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}

	return nil
}

// passwordKey is the keyring entry holding the account password when
// save_pass is enabled.
const passwordKey = "pass"

// SavedPassword returns the persisted account password, or empty when
// none is stored.
func SavedPassword() string {
	pass, err := Get(passwordKey)
	if err != nil {
		return ""
	}
	return pass
}

// StorePassword persists the account password.
func StorePassword(pass string) error {
	return Set(passwordKey, pass)
}

// ForgetPassword removes the persisted account password.
func ForgetPassword() error {
	return Delete(passwordKey)
}
