// Package message encodes and decodes the 16-byte Fast Pair blocks exchanged
// over the key-based pairing and passkey characteristics.
package message

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/chaz8081/fastpair/internal/fastpair"
)

// BlockSize is the size of every encrypted Fast Pair block.
const BlockSize = 16

// MaxPasskey is the largest value a 3-byte passkey field can carry.
const MaxPasskey = 0xFFFFFF

// Key-based pairing request flags.
const (
	// FlagInitiateBonding asks the provider to start bonding with the seeker.
	FlagInitiateBonding byte = 0x02
	// FlagRetroactive marks a request that writes a key to an already
	// bonded provider.
	FlagRetroactive byte = 0x10
)

// Request is a decoded key-based pairing request.
type Request struct {
	Flags           byte
	ProviderAddress [6]byte
	Salt            [8]byte
}

// MarshalRequest builds a plaintext key-based pairing request.
//
//	byte 0:     message type (0x00)
//	byte 1:     flags
//	bytes 2-7:  provider BLE address
//	bytes 8-15: random salt
func MarshalRequest(providerAddr [6]byte, flags byte) ([BlockSize]byte, error) {
	var salt [8]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return [BlockSize]byte{}, fmt.Errorf("message: random salt: %w", err)
	}
	return MarshalRequestWithSalt(providerAddr, flags, salt), nil
}

// MarshalRequestWithSalt is MarshalRequest with a caller supplied salt.
func MarshalRequestWithSalt(providerAddr [6]byte, flags byte, salt [8]byte) [BlockSize]byte {
	var b [BlockSize]byte
	b[0] = byte(fastpair.MessageKeyBasedPairingRequest)
	b[1] = flags
	copy(b[2:8], providerAddr[:])
	copy(b[8:], salt[:])
	return b
}

// UnmarshalRequest decodes a plaintext key-based pairing request.
func UnmarshalRequest(data []byte) (*Request, error) {
	if len(data) != BlockSize {
		return nil, fmt.Errorf("message: request must be %d bytes, got %d", BlockSize, len(data))
	}
	if fastpair.MessageType(data[0]) != fastpair.MessageKeyBasedPairingRequest {
		return nil, fmt.Errorf("message: unexpected request type %s", fastpair.MessageType(data[0]))
	}
	req := &Request{Flags: data[1]}
	copy(req.ProviderAddress[:], data[2:8])
	copy(req.Salt[:], data[8:])
	return req, nil
}

// MarshalResponse builds a plaintext key-based pairing response.
//
//	byte 0:     message type (0x01)
//	bytes 1-6:  provider classic address
//	bytes 7-15: random salt
func MarshalResponse(classicAddr [6]byte, salt [9]byte) [BlockSize]byte {
	var b [BlockSize]byte
	b[0] = byte(fastpair.MessageKeyBasedPairingResponse)
	copy(b[1:7], classicAddr[:])
	copy(b[7:], salt[:])
	return b
}

// UnmarshalResponse decodes a plaintext key-based pairing response. The
// message type is returned as-is; callers decide whether it is acceptable.
func UnmarshalResponse(data []byte) (fastpair.DecryptedResponse, error) {
	var resp fastpair.DecryptedResponse
	if len(data) != BlockSize {
		return resp, fmt.Errorf("message: response must be %d bytes, got %d", BlockSize, len(data))
	}
	resp.MessageType = fastpair.MessageType(data[0])
	copy(resp.Address[:], data[1:7])
	copy(resp.Salt[:], data[7:])
	return resp, nil
}

// MarshalPasskey builds a plaintext passkey block.
//
//	byte 0:     message type (0x02 seeker, 0x03 provider)
//	bytes 1-3:  passkey, big endian
//	bytes 4-15: random salt
func MarshalPasskey(t fastpair.MessageType, passkey uint32) ([BlockSize]byte, error) {
	var salt [12]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return [BlockSize]byte{}, fmt.Errorf("message: random salt: %w", err)
	}
	return MarshalPasskeyWithSalt(t, passkey, salt)
}

// MarshalPasskeyWithSalt is MarshalPasskey with a caller supplied salt.
func MarshalPasskeyWithSalt(t fastpair.MessageType, passkey uint32, salt [12]byte) ([BlockSize]byte, error) {
	var b [BlockSize]byte
	if t != fastpair.MessageSeekersPasskey && t != fastpair.MessageProvidersPasskey {
		return b, fmt.Errorf("message: %s is not a passkey type", t)
	}
	if passkey > MaxPasskey {
		return b, fmt.Errorf("message: passkey %d exceeds %d", passkey, MaxPasskey)
	}
	b[0] = byte(t)
	b[1] = byte(passkey >> 16)
	b[2] = byte(passkey >> 8)
	b[3] = byte(passkey)
	copy(b[4:], salt[:])
	return b, nil
}

// ErrNotPasskey is returned when a block does not carry a passkey type.
var ErrNotPasskey = errors.New("message: block is not a passkey block")

// UnmarshalPasskey decodes a plaintext passkey block. Blocks whose type is
// neither seeker nor provider passkey are rejected with ErrNotPasskey.
func UnmarshalPasskey(data []byte) (fastpair.DecryptedPasskey, error) {
	var pk fastpair.DecryptedPasskey
	if len(data) != BlockSize {
		return pk, fmt.Errorf("message: passkey block must be %d bytes, got %d", BlockSize, len(data))
	}
	t := fastpair.MessageType(data[0])
	if t != fastpair.MessageSeekersPasskey && t != fastpair.MessageProvidersPasskey {
		return pk, fmt.Errorf("%w: type %s", ErrNotPasskey, t)
	}
	pk.MessageType = t
	pk.Passkey = uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3])
	copy(pk.Salt[:], data[4:])
	return pk, nil
}
