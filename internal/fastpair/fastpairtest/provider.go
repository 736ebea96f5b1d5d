// Package fastpairtest provides an in-memory Fast Pair provider that speaks
// the GATT side of key-based pairing, for use in tests.
package fastpairtest

import (
	"context"
	"crypto/ecdh"
	"errors"
	"fmt"
	"sync"

	"github.com/chaz8081/fastpair/internal/ble"
	"github.com/chaz8081/fastpair/internal/fastpair"
	"github.com/chaz8081/fastpair/internal/fastpair/crypto"
	"github.com/chaz8081/fastpair/internal/fastpair/message"
)

// Provider emulates a Fast Pair provider. It implements ble.Adapter; every
// Connect returns a connection to this provider.
type Provider struct {
	mu sync.Mutex

	// AntiSpoofingKey answers initial pairing requests.
	AntiSpoofingKey *ecdh.PrivateKey
	// AccountKeys answer subsequent and retroactive requests.
	AccountKeys []fastpair.AccountKey
	// ClassicAddress is reported in the key-based pairing response.
	ClassicAddress [6]byte

	// Passkey is the value the provider reports back.
	Passkey uint32
	// PasskeyType overrides the message type of the passkey response.
	PasskeyType fastpair.MessageType
	// ResponseType overrides the message type of the key-based pairing response.
	ResponseType fastpair.MessageType
	// GarblePasskey sends a passkey response that does not decrypt.
	GarblePasskey bool

	ConnectFailures     int
	FailDiscovery       string // characteristic UUID whose discovery fails
	FailRequestWrite    bool
	FailPasskeyWrite    bool
	FailAccountKeyWrite bool
	DropRequestResponse bool
	DropPasskeyResponse bool

	// RequestSeen and PasskeySeen, when set, get a value for every
	// key-based pairing request or seeker passkey the provider accepts.
	RequestSeen chan<- struct{}
	PasskeySeen chan<- struct{}

	sessionKey      *[crypto.KeySize]byte
	connects        int
	conn            *providerConn
	seekerPasskeys  []uint32
	writtenAccounts []fastpair.AccountKey
}

// NewProvider creates a provider with a fresh anti-spoofing key pair.
func NewProvider(classicAddr [6]byte) (*Provider, error) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &Provider{
		AntiSpoofingKey: priv,
		ClassicAddress:  classicAddr,
		PasskeyType:     fastpair.MessageProvidersPasskey,
		ResponseType:    fastpair.MessageKeyBasedPairingResponse,
	}, nil
}

// AntiSpoofingPublicKey returns the raw public key a seeker would get from
// model metadata.
func (p *Provider) AntiSpoofingPublicKey() []byte {
	return crypto.RawPublicKey(p.AntiSpoofingKey.PublicKey())
}

// SeekerPasskeys returns the passkeys the seeker wrote.
func (p *Provider) SeekerPasskeys() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint32(nil), p.seekerPasskeys...)
}

// WrittenAccountKeys returns the decrypted account keys the seeker wrote.
func (p *Provider) WrittenAccountKeys() []fastpair.AccountKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]fastpair.AccountKey(nil), p.writtenAccounts...)
}

// Connects returns how many Connect calls were made.
func (p *Provider) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

// Drop simulates the provider going out of range.
func (p *Provider) Drop() {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn != nil {
		conn.fireDisconnect()
	}
}

func (p *Provider) Enable() error { return nil }

func (p *Provider) Scan(_ context.Context, _ string) ([]ble.Device, error) {
	return []ble.Device{{Name: "Fast Pair Provider", MAC: "00:11:22:33:44:55", RSSI: -40}}, nil
}

func (p *Provider) Connect(ctx context.Context, _ string) (ble.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	if p.connects <= p.ConnectFailures {
		return nil, fmt.Errorf("fastpairtest: connect attempt %d refused", p.connects)
	}
	p.conn = &providerConn{provider: p, chars: make(map[string]*providerChar)}
	return p.conn, nil
}

var _ ble.Adapter = (*Provider)(nil)

func (p *Provider) onRequest(payload []byte, notify func([]byte)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailRequestWrite {
		return errors.New("fastpairtest: request write rejected")
	}
	if len(payload) != message.BlockSize && len(payload) != message.BlockSize+crypto.RawPublicKeySize {
		return fmt.Errorf("fastpairtest: bad request length %d", len(payload))
	}

	key, err := p.resolveKey(payload)
	if err != nil {
		return err
	}
	p.sessionKey = &key
	signal(p.RequestSeen)
	if p.DropRequestResponse {
		return nil
	}

	resp := message.MarshalResponse(p.ClassicAddress, [9]byte{0x5A})
	resp[0] = byte(p.ResponseType)
	encrypted, err := crypto.EncryptBlock(key, resp)
	if err != nil {
		return err
	}
	go notify(encrypted[:])
	return nil
}

func signal(ch chan<- struct{}) {
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// resolveKey finds the session key the seeker used (caller holds mu).
func (p *Provider) resolveKey(payload []byte) ([crypto.KeySize]byte, error) {
	if len(payload) > message.BlockSize {
		seekerPub, err := crypto.ParsePublicKey(payload[message.BlockSize:])
		if err != nil {
			return [crypto.KeySize]byte{}, err
		}
		return crypto.SessionKey(p.AntiSpoofingKey, seekerPub)
	}
	for _, k := range p.AccountKeys {
		plain, err := crypto.DecryptBlock(k, payload)
		if err != nil {
			continue
		}
		if _, err := message.UnmarshalRequest(plain[:]); err == nil {
			return k, nil
		}
	}
	return [crypto.KeySize]byte{}, errors.New("fastpairtest: no account key matches request")
}

func (p *Provider) onPasskey(payload []byte, notify func([]byte)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailPasskeyWrite {
		return errors.New("fastpairtest: passkey write rejected")
	}
	if p.sessionKey == nil {
		return errors.New("fastpairtest: passkey before key-based pairing")
	}
	plain, err := crypto.DecryptBlock(*p.sessionKey, payload)
	if err != nil {
		return err
	}
	pk, err := message.UnmarshalPasskey(plain[:])
	if err != nil || pk.MessageType != fastpair.MessageSeekersPasskey {
		return errors.New("fastpairtest: bad seeker passkey block")
	}
	p.seekerPasskeys = append(p.seekerPasskeys, pk.Passkey)
	signal(p.PasskeySeen)
	if p.DropPasskeyResponse {
		return nil
	}

	var block [message.BlockSize]byte
	if p.GarblePasskey {
		block[0] = 0xEE
	} else {
		block, err = message.MarshalPasskeyWithSalt(fastpair.MessageProvidersPasskey, p.Passkey, [12]byte{0x42})
		if err != nil {
			return err
		}
		block[0] = byte(p.PasskeyType)
	}
	encrypted, err := crypto.EncryptBlock(*p.sessionKey, block)
	if err != nil {
		return err
	}
	go notify(encrypted[:])
	return nil
}

func (p *Provider) onAccountKey(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailAccountKeyWrite {
		return errors.New("fastpairtest: account key write rejected")
	}
	if p.sessionKey == nil {
		return errors.New("fastpairtest: account key before key-based pairing")
	}
	plain, err := crypto.DecryptBlock(*p.sessionKey, payload)
	if err != nil {
		return err
	}
	p.writtenAccounts = append(p.writtenAccounts, fastpair.AccountKey(plain))
	p.AccountKeys = append(p.AccountKeys, fastpair.AccountKey(plain))
	return nil
}

type providerConn struct {
	provider *Provider

	mu           sync.Mutex
	chars        map[string]*providerChar
	disconnectCb func()
	disconnected bool
}

func (c *providerConn) DiscoverCharacteristic(serviceUUID, charUUID string) (ble.Characteristic, error) {
	if serviceUUID != ble.ServiceUUID {
		return nil, fmt.Errorf("fastpairtest: unknown service %q", serviceUUID)
	}
	c.provider.mu.Lock()
	fail := c.provider.FailDiscovery == charUUID
	c.provider.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("fastpairtest: characteristic %s not found", charUUID)
	}
	switch charUUID {
	case ble.KeyBasedPairingCharUUID, ble.PasskeyCharUUID, ble.AccountKeyCharUUID:
	default:
		return nil, fmt.Errorf("fastpairtest: unknown characteristic %q", charUUID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.chars[charUUID]
	if !ok {
		ch = &providerChar{conn: c, uuid: charUUID}
		c.chars[charUUID] = ch
	}
	return ch, nil
}

func (c *providerConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *providerConn) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *providerConn) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.disconnected = true
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type providerChar struct {
	conn *providerConn
	uuid string

	mu       sync.Mutex
	callback func([]byte)
}

func (c *providerChar) Write(data []byte) error {
	c.conn.mu.Lock()
	gone := c.conn.disconnected
	c.conn.mu.Unlock()
	if gone {
		return errors.New("fastpairtest: not connected")
	}

	switch c.uuid {
	case ble.KeyBasedPairingCharUUID:
		return c.conn.provider.onRequest(data, c.notify)
	case ble.PasskeyCharUUID:
		return c.conn.provider.onPasskey(data, c.notify)
	case ble.AccountKeyCharUUID:
		return c.conn.provider.onAccountKey(data)
	}
	return nil
}

func (c *providerChar) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
	return nil
}

func (c *providerChar) notify(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}
