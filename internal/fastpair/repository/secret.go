package repository

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "fastpair"
	keyringUser    = "saved-devices"
	secretSize     = 32
)

// LoadSecret returns the repository master secret from the OS keyring,
// generating and storing one on first use.
func LoadSecret() ([]byte, error) {
	stored, err := keyring.Get(keyringService, keyringUser)
	if err == nil {
		secret, err := hex.DecodeString(stored)
		if err != nil || len(secret) != secretSize {
			return nil, errors.New("repository: keyring secret is malformed")
		}
		return secret, nil
	}
	if !errors.Is(err, keyring.ErrNotFound) {
		return nil, fmt.Errorf("repository: reading keyring: %w", err)
	}

	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("repository: generating secret: %w", err)
	}
	if err := keyring.Set(keyringService, keyringUser, hex.EncodeToString(secret)); err != nil {
		return nil, fmt.Errorf("repository: storing secret in keyring: %w", err)
	}
	return secret, nil
}
