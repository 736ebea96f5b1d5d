// Package handshake performs Fast Pair key-based pairing and keeps the
// per-device handshake records the pairer works from.
package handshake

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/fastpair/internal/fastpair"
	"github.com/chaz8081/fastpair/internal/fastpair/crypto"
	"github.com/chaz8081/fastpair/internal/fastpair/gatt"
)

// CompletionFunc receives the handshake outcome; err is nil on success and
// otherwise wraps a fastpair.PairFailure.
type CompletionFunc func(dev *fastpair.Device, err error)

// Handshake is the record of one device's handshake.
type Handshake struct {
	device *fastpair.Device
	cancel context.CancelFunc
	erased chan struct{}

	mu        sync.Mutex
	done      bool
	closed    bool
	err       error
	client    *gatt.Client
	encryptor *crypto.Encryptor
	callbacks []CompletionFunc
}

// Device returns the device the handshake belongs to.
func (h *Handshake) Device() *fastpair.Device { return h.device }

// OnComplete registers cb for the outcome. If the handshake has already
// finished, cb runs immediately on the calling goroutine.
func (h *Handshake) OnComplete(cb CompletionFunc) {
	h.mu.Lock()
	if !h.done {
		h.callbacks = append(h.callbacks, cb)
		h.mu.Unlock()
		return
	}
	err := h.err
	h.mu.Unlock()
	cb(h.device, err)
}

// CompletedSuccessfully reports whether the handshake finished without error.
func (h *Handshake) CompletedSuccessfully() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done && h.err == nil
}

// GattClient returns the connected client, nil until a successful completion.
func (h *Handshake) GattClient() *gatt.Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.client
}

// Encryptor returns the session encryptor, nil until a successful completion.
func (h *Handshake) Encryptor() *crypto.Encryptor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.encryptor
}

func (h *Handshake) complete(client *gatt.Client, enc *crypto.Encryptor, err error) {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	if h.closed {
		if client != nil {
			_ = client.Close()
		}
		client, enc = nil, nil
		if err == nil {
			err = fmt.Errorf("handshake: record erased before completion: %w", fastpair.FailureBleDeviceLostMidPair)
		} else {
			err = fmt.Errorf("handshake: record erased before completion: %w: %w", fastpair.FailureBleDeviceLostMidPair, err)
		}
	}
	h.done = true
	h.err = err
	h.client = client
	h.encryptor = enc
	cbs := h.callbacks
	h.callbacks = nil
	h.mu.Unlock()

	for _, cb := range cbs {
		cb(h.device, err)
	}
}

// Erased is closed once the record is erased or replaced.
func (h *Handshake) Erased() <-chan struct{} { return h.erased }

// close stops an in-flight handshake and releases the GATT connection.
func (h *Handshake) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	client := h.client
	h.client = nil
	h.mu.Unlock()

	close(h.erased)
	h.cancel()
	if client != nil {
		_ = client.Close()
	}
}

// Lookup owns the live handshakes, one per device.
type Lookup struct {
	log *slog.Logger

	mu         sync.Mutex
	handshakes map[*fastpair.Device]*Handshake
}

// NewLookup creates an empty registry.
func NewLookup(log *slog.Logger) *Lookup {
	if log == nil {
		log = slog.Default()
	}
	return &Lookup{log: log, handshakes: make(map[*fastpair.Device]*Handshake)}
}

// Create starts a handshake for dev with p, replacing any existing record.
// The handshake runs until it completes, ctx ends, or the record is erased.
func (l *Lookup) Create(ctx context.Context, dev *fastpair.Device, p Performer) *Handshake {
	hctx, cancel := context.WithCancel(ctx)
	h := &Handshake{device: dev, cancel: cancel, erased: make(chan struct{})}

	l.mu.Lock()
	old := l.handshakes[dev]
	l.handshakes[dev] = h
	l.mu.Unlock()
	if old != nil {
		old.close()
	}

	go func() {
		client, enc, err := p.Perform(hctx, dev)
		if err != nil {
			l.log.Warn("[FastPair] handshake failed", "device", dev, "error", err)
		}
		h.complete(client, enc, err)
	}()
	return h
}

// Get returns the live handshake for dev.
func (l *Lookup) Get(dev *fastpair.Device) (*Handshake, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.handshakes[dev]
	return h, ok
}

// Erase drops the handshake for dev and closes its GATT connection.
// It reports whether a record existed.
func (l *Lookup) Erase(dev *fastpair.Device) bool {
	l.mu.Lock()
	h, ok := l.handshakes[dev]
	delete(l.handshakes, dev)
	l.mu.Unlock()
	if ok {
		h.close()
	}
	return ok
}

// Clear erases every handshake.
func (l *Lookup) Clear() {
	l.mu.Lock()
	all := l.handshakes
	l.handshakes = make(map[*fastpair.Device]*Handshake)
	l.mu.Unlock()
	for _, h := range all {
		h.close()
	}
}
