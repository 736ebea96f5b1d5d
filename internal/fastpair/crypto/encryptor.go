package crypto

import (
	"crypto/ecdh"
	"fmt"

	"github.com/chaz8081/fastpair/internal/fastpair"
	"github.com/chaz8081/fastpair/internal/fastpair/message"
)

// Encryptor encrypts and decrypts Fast Pair blocks under one session key.
// It is created by the handshake and shared with the pairer.
type Encryptor struct {
	key       [KeySize]byte
	publicKey []byte
}

// NewEncryptor wraps an existing session key.
func NewEncryptor(key [KeySize]byte) *Encryptor {
	return &Encryptor{key: key}
}

// NewAccountKeyEncryptor uses an account key as the session key, as done
// for subsequent and retroactive pairing.
func NewAccountKeyEncryptor(k fastpair.AccountKey) *Encryptor {
	return &Encryptor{key: k}
}

// NewAntiSpoofingEncryptor generates an ephemeral key pair and derives the
// session key against the model's anti-spoofing public key. The ephemeral
// public key must be sent alongside the first request.
func NewAntiSpoofingEncryptor(antiSpoofing *ecdh.PublicKey) (*Encryptor, error) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	key, err := SessionKey(priv, antiSpoofing)
	if err != nil {
		return nil, err
	}
	return &Encryptor{key: key, publicKey: RawPublicKey(pub)}, nil
}

// PublicKey returns the seeker's ephemeral public key, or nil when the
// session key did not come from ECDH.
func (e *Encryptor) PublicKey() []byte { return e.publicKey }

// EncryptBytes encrypts one plaintext block.
func (e *Encryptor) EncryptBytes(block [KeySize]byte) ([KeySize]byte, error) {
	return EncryptBlock(e.key, block)
}

// ParseDecryptedResponse decrypts a key-based pairing response notification.
func (e *Encryptor) ParseDecryptedResponse(data []byte) (fastpair.DecryptedResponse, error) {
	plain, err := DecryptBlock(e.key, data)
	if err != nil {
		return fastpair.DecryptedResponse{}, err
	}
	return message.UnmarshalResponse(plain[:])
}

// ParseDecryptedPasskey decrypts a passkey notification. An error means the
// block could not be decrypted into a passkey block of either type.
func (e *Encryptor) ParseDecryptedPasskey(data []byte) (fastpair.DecryptedPasskey, error) {
	plain, err := DecryptBlock(e.key, data)
	if err != nil {
		return fastpair.DecryptedPasskey{}, err
	}
	pk, err := message.UnmarshalPasskey(plain[:])
	if err != nil {
		return fastpair.DecryptedPasskey{}, fmt.Errorf("fastpair/crypto: decrypt passkey: %w", err)
	}
	return pk, nil
}
