package credential

import (
	"encoding/json"
	"fmt"

	"github.com/99designs/keyring"
	"golang.org/x/oauth2"
)

// tokenKey is the keyring entry holding the account's OAuth token JSON.
const tokenKey = "oauth-token"

// openKeyring returns a configured keyring instance for the given service.
func openKeyring(service string) (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: service,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailsync/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailsync-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// LoadToken retrieves the stored OAuth token from the system keyring.
func LoadToken(service string) (*oauth2.Token, error) {
	ring, err := openKeyring(service)
	if err != nil {
		return nil, err
	}

	item, err := ring.Get(tokenKey)
	if err != nil {
		return nil, fmt.Errorf("getting credential %q: %w", tokenKey, err)
	}

	var token oauth2.Token
	if err := json.Unmarshal(item.Data, &token); err != nil {
		return nil, fmt.Errorf("parsing stored token: %w", err)
	}
	return &token, nil
}

// SaveToken stores the OAuth token in the system keyring.
func SaveToken(service string, token *oauth2.Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}

	ring, err := openKeyring(service)
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:  tokenKey,
		Data: data,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", tokenKey, err)
	}

	return nil
}

// DeleteToken removes the stored OAuth token from the system keyring.
func DeleteToken(service string) error {
	ring, err := openKeyring(service)
	if err != nil {
		return err
	}

	err = ring.Remove(tokenKey)
	if err != nil {
		return fmt.Errorf("deleting credential %q: %w", tokenKey, err)
	}

	return nil
}
