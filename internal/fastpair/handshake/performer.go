package handshake

import (
	"context"
	"crypto/ecdh"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chaz8081/fastpair/internal/ble"
	"github.com/chaz8081/fastpair/internal/fastpair"
	"github.com/chaz8081/fastpair/internal/fastpair/crypto"
	"github.com/chaz8081/fastpair/internal/fastpair/gatt"
	"github.com/chaz8081/fastpair/internal/fastpair/message"
)

// Performer runs the handshake for one device. On success it returns the
// connected GATT client and the session encryptor. Errors wrap a
// fastpair.PairFailure.
type Performer interface {
	Perform(ctx context.Context, dev *fastpair.Device) (*gatt.Client, *crypto.Encryptor, error)
}

// ModelKeys maps an upper-case hex model id to its anti-spoofing public key.
type ModelKeys map[string]*ecdh.PublicKey

// ParseModelKeys decodes base64 anti-spoofing public keys keyed by model id.
func ParseModelKeys(encoded map[string]string) (ModelKeys, error) {
	keys := make(ModelKeys, len(encoded))
	for id, b64 := range encoded {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("handshake: model %s: decoding key: %w", id, err)
		}
		pub, err := crypto.ParsePublicKey(raw)
		if err != nil {
			return nil, fmt.Errorf("handshake: model %s: %w", id, err)
		}
		keys[normalizeModelID(id)] = pub
	}
	return keys, nil
}

func normalizeModelID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// KeyBasedPairing performs the GATT key-based pairing handshake.
type KeyBasedPairing struct {
	Adapter ble.Adapter
	Keys    ModelKeys
	Options gatt.Options
	Log     *slog.Logger
}

func (k *KeyBasedPairing) Perform(ctx context.Context, dev *fastpair.Device) (*gatt.Client, *crypto.Encryptor, error) {
	log := k.Log
	if log == nil {
		log = slog.Default()
	}

	providerAddr, err := fastpair.ParseAddress(dev.BLEAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("handshake: %w: %w", fastpair.FailureCreateGattConnection, err)
	}
	enc, err := k.encryptor(dev)
	if err != nil {
		return nil, nil, err
	}

	client := gatt.NewClient(k.Adapter, dev.BLEAddress, k.Options, log)
	if err := client.Connect(ctx); err != nil {
		return nil, nil, err
	}

	flags := message.FlagInitiateBonding
	if dev.Protocol == fastpair.ProtocolRetroactive {
		flags = message.FlagRetroactive
	}
	req, err := message.MarshalRequest(providerAddr, flags)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("handshake: %w: %w", fastpair.FailureDataEncryptorRetrieval, err)
	}

	raw, err := client.WriteRequest(ctx, enc, req)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	resp, err := enc.ParseDecryptedResponse(raw)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("handshake: %w: %w", fastpair.FailureKeyBasedPairingResponseDecryptFailure, err)
	}
	if resp.MessageType != fastpair.MessageKeyBasedPairingResponse {
		_ = client.Close()
		return nil, nil, fmt.Errorf("handshake: response type %s: %w", resp.MessageType, fastpair.FailureIncorrectKeyBasedPairingResponseType)
	}

	dev.SetClassicAddress(fastpair.FormatAddress(resp.Address))
	log.Info("[FastPair] handshake complete", "device", dev)
	return client, enc, nil
}

// encryptor picks the session key: subsequent pairing reuses the account
// key, everything else runs ECDH against the model's anti-spoofing key.
func (k *KeyBasedPairing) encryptor(dev *fastpair.Device) (*crypto.Encryptor, error) {
	if dev.Protocol != fastpair.ProtocolSubsequent {
		pub, ok := k.Keys[normalizeModelID(dev.MetadataID)]
		if !ok {
			return nil, fmt.Errorf("handshake: no anti-spoofing key for model %s: %w", dev.MetadataID, fastpair.FailureDataEncryptorRetrieval)
		}
		enc, err := crypto.NewAntiSpoofingEncryptor(pub)
		if err != nil {
			return nil, fmt.Errorf("handshake: %w: %w", fastpair.FailureDataEncryptorRetrieval, err)
		}
		return enc, nil
	}
	key, ok := dev.AccountKey()
	if !ok {
		return nil, fmt.Errorf("handshake: no account key for %s pairing: %w", dev.Protocol, fastpair.FailureDataEncryptorRetrieval)
	}
	return crypto.NewAccountKeyEncryptor(key), nil
}

var _ Performer = (*KeyBasedPairing)(nil)
