// Package gatt implements the Fast Pair GATT service client: it connects to
// a provider over BLE, discovers the Fast Pair characteristics, and performs
// the encrypted request, passkey and account key writes.
package gatt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/fastpair/internal/ble"
	"github.com/chaz8081/fastpair/internal/fastpair"
	"github.com/chaz8081/fastpair/internal/fastpair/message"
)

// Encryptor is the part of the data encryptor the client needs.
type Encryptor interface {
	EncryptBytes(block [message.BlockSize]byte) ([message.BlockSize]byte, error)
	// PublicKey is appended to the key-based pairing request when non-nil.
	PublicKey() []byte
}

// Options configures the client.
type Options struct {
	ConnectAttempts int           // GATT connection attempts before giving up
	RetryBase       time.Duration // first backoff delay, doubled per attempt
	RetryMax        time.Duration // backoff cap
	ResponseTimeout time.Duration // wait for a notification after a write
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ConnectAttempts: 3,
		RetryBase:       500 * time.Millisecond,
		RetryMax:        4 * time.Second,
		ResponseTimeout: 15 * time.Second,
	}
}

// Client talks to the Fast Pair service of one provider.
type Client struct {
	adapter ble.Adapter
	address string
	opts    Options
	log     *slog.Logger

	mu             sync.Mutex
	conn           ble.Connection
	kbpChar        ble.Characteristic
	passkeyChar    ble.Characteristic
	accountKeyChar ble.Characteristic
	connected      bool
	lost           chan struct{}
	markLost       func()

	kbpResp     chan []byte
	passkeyResp chan []byte
}

// NewClient creates a client for the provider at the given BLE address.
func NewClient(adapter ble.Adapter, address string, opts Options, log *slog.Logger) *Client {
	def := DefaultOptions()
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = def.ConnectAttempts
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = def.RetryBase
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = def.RetryMax
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = def.ResponseTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		adapter:     adapter,
		address:     address,
		opts:        opts,
		log:         log,
		kbpResp:     make(chan []byte, 4),
		passkeyResp: make(chan []byte, 4),
	}
}

// backoffDelay returns the delay before attempt n (0-based), capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt > 30 {
		return max
	}
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

// Connect opens the GATT connection and prepares the key-based pairing and
// passkey characteristics. Failures wrap a fastpair.PairFailure.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.adapter.Enable(); err != nil {
		return fmt.Errorf("gatt: enable adapter: %w: %w", fastpair.FailureCreateGattConnection, err)
	}

	var conn ble.Connection
	var lastErr error
	for attempt := 0; attempt < c.opts.ConnectAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, c.opts.RetryBase, c.opts.RetryMax)
			c.log.Info("[GATT] connect backoff", "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				return fmt.Errorf("gatt: connect to %s: %w: %w", c.address, fastpair.FailureCreateGattConnection, ctx.Err())
			case <-time.After(delay):
			}
		}
		var err error
		conn, err = c.adapter.Connect(ctx, c.address)
		if err == nil {
			break
		}
		lastErr = err
		c.log.Warn("[GATT] connect failed", "address", c.address, "attempt", attempt+1, "error", err)
	}
	if conn == nil {
		return fmt.Errorf("gatt: connect to %s: %w: %w", c.address, fastpair.FailureCreateGattConnection, lastErr)
	}

	kbp, err := conn.DiscoverCharacteristic(ble.ServiceUUID, ble.KeyBasedPairingCharUUID)
	if err != nil {
		_ = conn.Disconnect()
		return fmt.Errorf("gatt: discover key-based pairing characteristic: %w: %w", fastpair.FailureKeyBasedPairingCharacteristicDiscovery, err)
	}
	passkey, err := conn.DiscoverCharacteristic(ble.ServiceUUID, ble.PasskeyCharUUID)
	if err != nil {
		_ = conn.Disconnect()
		return fmt.Errorf("gatt: discover passkey characteristic: %w: %w", fastpair.FailurePasskeyCharacteristicDiscovery, err)
	}
	if err := kbp.Subscribe(func(data []byte) { deliver(c.kbpResp, data) }); err != nil {
		_ = conn.Disconnect()
		return fmt.Errorf("gatt: subscribe key-based pairing: %w: %w", fastpair.FailureKeyBasedPairingCharacteristicNotifySession, err)
	}
	if err := passkey.Subscribe(func(data []byte) { deliver(c.passkeyResp, data) }); err != nil {
		_ = conn.Disconnect()
		return fmt.Errorf("gatt: subscribe passkey: %w: %w", fastpair.FailurePasskeyCharacteristicNotifySession, err)
	}

	lost := make(chan struct{})
	var once sync.Once
	markLost := func() { once.Do(func() { close(lost) }) }
	c.mu.Lock()
	c.conn = conn
	c.kbpChar = kbp
	c.passkeyChar = passkey
	c.connected = true
	c.lost = lost
	c.markLost = markLost
	c.mu.Unlock()

	conn.OnDisconnect(func() {
		c.log.Warn("[GATT] provider disconnected", "address", c.address)
		c.mu.Lock()
		if c.conn == conn {
			c.connected = false
		}
		c.mu.Unlock()
		markLost()
	})

	c.log.Info("[GATT] connected", "address", c.address)
	return nil
}

// deliver hands a notification to a waiter without blocking the BLE stack.
func deliver(ch chan []byte, data []byte) {
	select {
	case ch <- data:
	default:
		slog.Warn("[GATT] dropping unexpected notification", "len", len(data))
	}
}

// IsConnected reports whether the GATT connection is up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// WriteRequest encrypts and writes a key-based pairing request and returns
// the raw encrypted response notification.
func (c *Client) WriteRequest(ctx context.Context, enc Encryptor, request [message.BlockSize]byte) ([]byte, error) {
	char, lost, err := c.characteristic(func() ble.Characteristic { return c.kbpChar })
	if err != nil {
		return nil, fmt.Errorf("gatt: write request: %w: %w", fastpair.FailureKeyBasedPairingCharacteristicWrite, err)
	}

	encrypted, err := enc.EncryptBytes(request)
	if err != nil {
		return nil, fmt.Errorf("gatt: encrypt request: %w: %w", fastpair.FailureDataEncryptorRetrieval, err)
	}
	payload := append([]byte(nil), encrypted[:]...)
	payload = append(payload, enc.PublicKey()...)

	drain(c.kbpResp)
	if err := char.Write(payload); err != nil {
		return nil, fmt.Errorf("gatt: write request: %w: %w", fastpair.FailureKeyBasedPairingCharacteristicWrite, err)
	}
	return c.await(ctx, c.kbpResp, lost, fastpair.FailureKeyBasedPairingResponseTimeout)
}

// WritePasskey encrypts and writes the seeker's passkey and returns the
// provider's raw encrypted passkey notification.
func (c *Client) WritePasskey(ctx context.Context, enc Encryptor, passkey uint32) ([]byte, error) {
	char, lost, err := c.characteristic(func() ble.Characteristic { return c.passkeyChar })
	if err != nil {
		return nil, fmt.Errorf("gatt: write passkey: %w: %w", fastpair.FailurePasskeyPairingCharacteristicWrite, err)
	}

	block, err := message.MarshalPasskey(fastpair.MessageSeekersPasskey, passkey)
	if err != nil {
		return nil, fmt.Errorf("gatt: build passkey: %w: %w", fastpair.FailurePasskeyPairingCharacteristicWrite, err)
	}
	encrypted, err := enc.EncryptBytes(block)
	if err != nil {
		return nil, fmt.Errorf("gatt: encrypt passkey: %w: %w", fastpair.FailureDataEncryptorRetrieval, err)
	}

	drain(c.passkeyResp)
	if err := char.Write(encrypted[:]); err != nil {
		return nil, fmt.Errorf("gatt: write passkey: %w: %w", fastpair.FailurePasskeyPairingCharacteristicWrite, err)
	}
	return c.await(ctx, c.passkeyResp, lost, fastpair.FailurePasskeyResponseTimeout)
}

// WriteAccountKey encrypts and writes an account key. Failures wrap a
// fastpair.AccountKeyFailure.
func (c *Client) WriteAccountKey(ctx context.Context, enc Encryptor, key fastpair.AccountKey) error {
	c.mu.Lock()
	conn, connected, char := c.conn, c.connected, c.accountKeyChar
	c.mu.Unlock()
	if !connected {
		return fmt.Errorf("gatt: write account key: %w", fastpair.AccountKeyFailureBleDeviceLost)
	}
	if char == nil {
		var err error
		char, err = conn.DiscoverCharacteristic(ble.ServiceUUID, ble.AccountKeyCharUUID)
		if err != nil {
			return fmt.Errorf("gatt: discover account key characteristic: %w: %w", fastpair.AccountKeyFailureCharacteristicDiscovery, err)
		}
		c.mu.Lock()
		c.accountKeyChar = char
		c.mu.Unlock()
	}

	encrypted, err := enc.EncryptBytes(key)
	if err != nil {
		return fmt.Errorf("gatt: encrypt account key: %w: %w", fastpair.AccountKeyFailureEncrypt, err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("gatt: write account key: %w: %w", fastpair.AccountKeyFailureGattWrite, err)
	}
	if err := char.Write(encrypted[:]); err != nil {
		return fmt.Errorf("gatt: write account key: %w: %w", fastpair.AccountKeyFailureGattWrite, err)
	}
	c.log.Info("[GATT] account key written", "address", c.address)
	return nil
}

// Close disconnects from the provider. Writes waiting for a response
// return FailurePairingDeviceLost.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	markLost := c.markLost
	c.conn = nil
	c.connected = false
	c.markLost = nil
	c.kbpChar, c.passkeyChar, c.accountKeyChar = nil, nil, nil
	c.mu.Unlock()
	if markLost != nil {
		markLost()
	}
	if conn == nil {
		return nil
	}
	return conn.Disconnect()
}

func (c *Client) characteristic(pick func() ble.Characteristic) (ble.Characteristic, <-chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, nil, fmt.Errorf("gatt: not connected to %s", c.address)
	}
	return pick(), c.lost, nil
}

func (c *Client) await(ctx context.Context, ch <-chan []byte, lost <-chan struct{}, timeoutFailure fastpair.PairFailure) ([]byte, error) {
	timer := time.NewTimer(c.opts.ResponseTimeout)
	defer timer.Stop()
	select {
	case data := <-ch:
		return data, nil
	case <-lost:
		return nil, fmt.Errorf("gatt: waiting for response: %w", fastpair.FailurePairingDeviceLost)
	case <-timer.C:
		return nil, fmt.Errorf("gatt: waiting for response: %w", timeoutFailure)
	case <-ctx.Done():
		return nil, fmt.Errorf("gatt: waiting for response: %w: %w", timeoutFailure, ctx.Err())
	}
}

func drain(ch chan []byte) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
