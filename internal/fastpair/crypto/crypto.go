// Package crypto provides the cryptographic primitives for Fast Pair:
// ECDH P-256 key exchange, public key (de)serialization, AES-128 block
// encryption keyed by a handshake session key, and HKDF-SHA256 plus
// AES-256-GCM for sealing account keys at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of a Fast Pair AES-128 session key.
const KeySize = 16

// RawPublicKeySize is the size of a public key on the Fast Pair wire:
// x || y without the SEC1 0x04 prefix.
const RawPublicKeySize = 64

// GenerateKeyPair creates a new ECDH P-256 key pair.
func GenerateKeyPair() (*ecdh.PrivateKey, *ecdh.PublicKey, error) {
	curve := ecdh.P256()
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("fastpair/crypto: generate key: %w", err)
	}
	return priv, priv.PublicKey(), nil
}

// RawPublicKey returns the 64-byte x || y form of a P-256 public key.
func RawPublicKey(pub *ecdh.PublicKey) []byte {
	raw := pub.Bytes() // 65 bytes: 0x04 || x(32) || y(32)
	out := make([]byte, RawPublicKeySize)
	copy(out, raw[1:])
	return out
}

// CompressPublicKey returns the 33-byte SEC1 compressed form of a P-256 public key.
func CompressPublicKey(pub *ecdh.PublicKey) []byte {
	raw := pub.Bytes()
	x := raw[1:33]
	y := new(big.Int).SetBytes(raw[33:65])

	compressed := make([]byte, 33)
	if y.Bit(0) == 0 {
		compressed[0] = 0x02
	} else {
		compressed[0] = 0x03
	}
	copy(compressed[1:], x)
	return compressed
}

// ParsePublicKey accepts a P-256 public key in raw (64 bytes), uncompressed
// SEC1 (65 bytes) or compressed SEC1 (33 bytes) form. Anti-spoofing keys
// from model metadata use the raw form.
func ParsePublicKey(data []byte) (*ecdh.PublicKey, error) {
	switch len(data) {
	case RawPublicKeySize:
		uncompressed := make([]byte, 65)
		uncompressed[0] = 0x04
		copy(uncompressed[1:], data)
		return parseUncompressed(uncompressed)
	case 65:
		return parseUncompressed(data)
	case 33:
		return ParseCompressedPublicKey(data)
	default:
		return nil, fmt.Errorf("fastpair/crypto: unsupported public key length %d", len(data))
	}
}

func parseUncompressed(data []byte) (*ecdh.PublicKey, error) {
	pub, err := ecdh.P256().NewPublicKey(data)
	if err != nil {
		return nil, fmt.Errorf("fastpair/crypto: parse public key: %w", err)
	}
	return pub, nil
}

// ParseCompressedPublicKey parses a 33-byte SEC1 compressed P-256 public key.
func ParseCompressedPublicKey(data []byte) (*ecdh.PublicKey, error) {
	if len(data) != 33 {
		return nil, fmt.Errorf("fastpair/crypto: compressed key must be 33 bytes, got %d", len(data))
	}
	if data[0] != 0x02 && data[0] != 0x03 {
		return nil, fmt.Errorf("fastpair/crypto: invalid compression prefix: 0x%02x", data[0])
	}

	x := new(big.Int).SetBytes(data[1:33])
	y := decompressP256(x, data[0] == 0x03)
	if y == nil {
		return nil, errors.New("fastpair/crypto: point decompression failed")
	}

	uncompressed := make([]byte, 65)
	uncompressed[0] = 0x04
	x.FillBytes(uncompressed[1:33])
	y.FillBytes(uncompressed[33:65])
	return parseUncompressed(uncompressed)
}

// decompressP256 recovers the y coordinate from x on the P-256 curve.
func decompressP256(x *big.Int, oddY bool) *big.Int {
	params := elliptic.P256().Params()
	p := params.P

	// y^2 = x^3 - 3x + b (mod p)
	x3 := new(big.Int).Mul(x, x)
	x3.Mul(x3, x)
	x3.Mod(x3, p)

	threeX := new(big.Int).Mul(big.NewInt(3), x)
	threeX.Mod(threeX, p)

	y2 := new(big.Int).Sub(x3, threeX)
	y2.Add(y2, params.B)
	y2.Mod(y2, p)

	// p = 3 mod 4, so sqrt is y2^((p+1)/4)
	exp := new(big.Int).Add(p, big.NewInt(1))
	exp.Rsh(exp, 2)
	y := new(big.Int).Exp(y2, exp, p)

	check := new(big.Int).Mul(y, y)
	check.Mod(check, p)
	if check.Cmp(y2) != 0 {
		return nil
	}

	if oddY != (y.Bit(0) == 1) {
		y.Sub(p, y)
	}
	return y
}

// DeriveSharedSecret performs ECDH and returns the raw shared secret.
func DeriveSharedSecret(priv *ecdh.PrivateKey, peerPub *ecdh.PublicKey) ([]byte, error) {
	secret, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("fastpair/crypto: ECDH: %w", err)
	}
	return secret, nil
}

// SessionKey derives the AES-128 key used for a key-based pairing session:
// the first 16 bytes of SHA-256 over the ECDH shared secret.
func SessionKey(priv *ecdh.PrivateKey, peerPub *ecdh.PublicKey) ([KeySize]byte, error) {
	var key [KeySize]byte
	secret, err := DeriveSharedSecret(priv, peerPub)
	if err != nil {
		return key, err
	}
	sum := sha256.Sum256(secret)
	copy(key[:], sum[:KeySize])
	return key, nil
}

// EncryptBlock encrypts one 16-byte block with AES-128.
func EncryptBlock(key [KeySize]byte, block [KeySize]byte) ([KeySize]byte, error) {
	var out [KeySize]byte
	c, err := aes.NewCipher(key[:])
	if err != nil {
		return out, fmt.Errorf("fastpair/crypto: new cipher: %w", err)
	}
	c.Encrypt(out[:], block[:])
	return out, nil
}

// DecryptBlock decrypts one 16-byte block with AES-128.
func DecryptBlock(key [KeySize]byte, data []byte) ([KeySize]byte, error) {
	var out [KeySize]byte
	if len(data) != KeySize {
		return out, fmt.Errorf("fastpair/crypto: block must be %d bytes, got %d", KeySize, len(data))
	}
	c, err := aes.NewCipher(key[:])
	if err != nil {
		return out, fmt.Errorf("fastpair/crypto: new cipher: %w", err)
	}
	c.Decrypt(out[:], data)
	return out, nil
}

// DeriveStorageKey uses HKDF-SHA256 to derive a 32-byte AES key from a
// master secret. info separates keys used for different stores.
func DeriveStorageKey(secret []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("fastpair/crypto: HKDF: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext with AES-256-GCM and returns nonce || ciphertext || tag.
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("fastpair/crypto: random nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func Open(key, sealed []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("fastpair/crypto: sealed data too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("fastpair/crypto: open: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("fastpair/crypto: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("fastpair/crypto: new GCM: %w", err)
	}
	return aead, nil
}
