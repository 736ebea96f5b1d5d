package fastpair

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// MessageType is the first byte of a decrypted 16-byte Fast Pair block.
type MessageType byte

const (
	MessageKeyBasedPairingRequest  MessageType = 0x00
	MessageKeyBasedPairingResponse MessageType = 0x01
	MessageSeekersPasskey          MessageType = 0x02
	MessageProvidersPasskey        MessageType = 0x03
)

func (m MessageType) String() string {
	switch m {
	case MessageKeyBasedPairingRequest:
		return "KeyBasedPairingRequest"
	case MessageKeyBasedPairingResponse:
		return "KeyBasedPairingResponse"
	case MessageSeekersPasskey:
		return "SeekersPasskey"
	case MessageProvidersPasskey:
		return "ProvidersPasskey"
	default:
		return fmt.Sprintf("MessageType(0x%02x)", byte(m))
	}
}

// DecryptedPasskey is a decrypted passkey block. It is consumed immediately
// and never persisted.
type DecryptedPasskey struct {
	MessageType MessageType
	Passkey     uint32
	Salt        [12]byte
}

// DecryptedResponse is a decrypted key-based pairing response.
type DecryptedResponse struct {
	MessageType MessageType
	Address     [6]byte
	Salt        [9]byte
}

// AccountKeyLen is the size of an account key.
const AccountKeyLen = 16

// AccountKey is the shared secret written to a provider and saved to the
// user's account.
type AccountKey [AccountKeyLen]byte

// NewAccountKey returns a random account key. The first byte is fixed to
// 0x04 as providers require.
func NewAccountKey() (AccountKey, error) {
	var k AccountKey
	if _, err := rand.Read(k[:]); err != nil {
		return k, fmt.Errorf("fastpair: generate account key: %w", err)
	}
	k[0] = 0x04
	return k, nil
}

// ParseAccountKey decodes a hex encoded account key.
func ParseAccountKey(s string) (AccountKey, error) {
	var k AccountKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("fastpair: decode account key: %w", err)
	}
	if len(b) != AccountKeyLen {
		return k, fmt.Errorf("fastpair: account key must be %d bytes, got %d", AccountKeyLen, len(b))
	}
	copy(k[:], b)
	return k, nil
}

func (k AccountKey) String() string { return hex.EncodeToString(k[:]) }

// OptInStatus is whether the user allows account keys to be uploaded to
// their Saved Devices list.
type OptInStatus int

const (
	OptInUnknown OptInStatus = iota
	OptedIn
	OptedOut
)

func (s OptInStatus) String() string {
	switch s {
	case OptedIn:
		return "opted-in"
	case OptedOut:
		return "opted-out"
	default:
		return "unknown"
	}
}

// ParseOptInStatus is the inverse of OptInStatus.String.
func ParseOptInStatus(s string) (OptInStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "opted-in", "opted_in", "in":
		return OptedIn, nil
	case "opted-out", "opted_out", "out":
		return OptedOut, nil
	case "unknown", "":
		return OptInUnknown, nil
	}
	return OptInUnknown, fmt.Errorf("fastpair: unknown opt-in status %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s OptInStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *OptInStatus) UnmarshalText(b []byte) error {
	v, err := ParseOptInStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// SessionInfo describes the signed-in session the pairing runs in.
type SessionInfo struct {
	LoggedIn bool `yaml:"logged_in"`
	Guest    bool `yaml:"guest"`
	Kiosk    bool `yaml:"kiosk"`
	Locked   bool `yaml:"locked"`
}

// AllowsAccountKeys reports whether account keys may be written: only a
// regular, signed-in, unlocked session qualifies.
func (s SessionInfo) AllowsAccountKeys() bool {
	return s.LoggedIn && !s.Guest && !s.Kiosk && !s.Locked
}
