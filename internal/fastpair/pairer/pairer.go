// Package pairer drives one Fast Pair pairing attempt: it waits for the
// handshake, bonds with the device through the OS Bluetooth stack, checks
// the passkey over GATT, and writes the account key.
package pairer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/fastpair/internal/fastpair"
	"github.com/chaz8081/fastpair/internal/fastpair/crypto"
	"github.com/chaz8081/fastpair/internal/fastpair/gatt"
	"github.com/chaz8081/fastpair/internal/fastpair/handshake"
	"github.com/chaz8081/fastpair/internal/metrics"
	"github.com/chaz8081/fastpair/internal/prefs"
	"github.com/chaz8081/fastpair/internal/sequence"
)

// State is the position of a pairing attempt.
type State int

const (
	StateAwaitingHandshake State = iota
	StateConnecting
	StateAwaitingPasskeyConfirmation
	StateWritingPasskey
	StatePaired
	StateWritingAccountKey
	StateComplete
	StateFailed
	StateCancelled
)

var stateNames = map[State]string{
	StateAwaitingHandshake:           "AwaitingHandshake",
	StateConnecting:                  "Connecting",
	StateAwaitingPasskeyConfirmation: "AwaitingPasskeyConfirmation",
	StateWritingPasskey:              "WritingPasskey",
	StatePaired:                      "Paired",
	StateWritingAccountKey:           "WritingAccountKey",
	StateComplete:                    "Complete",
	StateFailed:                      "Failed",
	StateCancelled:                   "Cancelled",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "Unknown"
}

// Features are the flags that change what happens after bonding.
type Features struct {
	// SavedDevices marks the user opted in after a successful account key
	// write, unless StrictOptIn is set.
	SavedDevices bool
	// StrictOptIn only writes account keys for users already opted in.
	StrictOptIn bool
}

// Options configures one attempt.
type Options struct {
	Features Features
	Session  fastpair.SessionInfo
	// Timeout fails the attempt with FailurePairingTimeout. Zero disables it.
	Timeout time.Duration
}

// Callbacks report the outcome. Each runs on the Runner. Exactly one of
// PairFailed, AccountKeyFailure or PairingProcedureComplete ends an
// attempt; Paired may precede the last two.
type Callbacks struct {
	Paired                   func(dev *fastpair.Device)
	PairFailed               func(dev *fastpair.Device, failure fastpair.PairFailure)
	AccountKeyFailure        func(dev *fastpair.Device, failure fastpair.AccountKeyFailure)
	PairingProcedureComplete func(dev *fastpair.Device)
}

// Deps are the collaborators of a Pairer.
type Deps struct {
	Adapter    BluetoothAdapter
	Handshakes *handshake.Lookup
	Repository Repository
	OptIn      prefs.Store
	Metrics    metrics.Recorder
	Runner     sequence.Runner
	Log        *slog.Logger
}

// Pairer runs one pairing attempt. Work happens on Deps.Runner; blocking
// collaborator calls run on their own goroutines and post back.
type Pairer struct {
	dev  *fastpair.Device
	deps Deps
	opts Options
	cb   Callbacks
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	start  time.Time

	mu       sync.Mutex
	gen      uint64
	state    State
	terminal bool
	timer    *time.Timer

	// Only touched on the Runner.
	handshake       *handshake.Handshake
	osDevice        BluetoothDevice
	expectedPasskey uint32
	observing       bool
}

// New starts pairing dev. The handshake for dev must already be in
// deps.Handshakes unless dev is a legacy V1 device.
func New(dev *fastpair.Device, deps Deps, opts Options, cb Callbacks) *Pairer {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.Runner == nil {
		deps.Runner = &sequence.Inline{}
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pairer{
		dev:    dev,
		deps:   deps,
		opts:   opts,
		cb:     cb,
		log:    deps.Log.With("attempt", uuid.NewString()),
		ctx:    ctx,
		cancel: cancel,
		start:  time.Now(),
	}

	gen := p.generation()
	if opts.Timeout > 0 {
		p.mu.Lock()
		p.timer = time.AfterFunc(opts.Timeout, func() {
			p.post(gen, func() { p.fail(fastpair.FailurePairingTimeout) })
		})
		p.mu.Unlock()
	}

	p.post(gen, func() {
		if dev.Version() == fastpair.VersionV1 {
			p.startLegacy()
			return
		}
		h, ok := deps.Handshakes.Get(dev)
		if !ok {
			p.logger().Warn("[FastPair] no handshake for device")
			p.fail(fastpair.FailureBleDeviceLostMidPair)
			return
		}
		p.handshake = h
		p.logger().Info("[FastPair] waiting for handshake", "protocol", dev.Protocol)
		go func() {
			select {
			case <-h.Erased():
				p.post(gen, p.onHandshakeErased)
			case <-p.ctx.Done():
			}
		}()
		h.OnComplete(func(_ *fastpair.Device, err error) {
			p.post(gen, func() { p.onHandshakeComplete(err) })
		})
	})
	return p
}

func (p *Pairer) onHandshakeErased() {
	p.logger().Warn("[FastPair] handshake erased mid pairing", "state", p.State())
	p.failOS(fastpair.FailureBleDeviceLostMidPair)
}

// handshakeLost reports whether the handshake this attempt started with
// has been erased or replaced.
func (p *Pairer) handshakeLost() bool {
	h, ok := p.deps.Handshakes.Get(p.dev)
	return !ok || h != p.handshake
}

// State returns the current state.
func (p *Pairer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Close abandons the attempt. Callbacks that arrive later are dropped and
// no outcome is reported. Bluetooth operations already handed to the OS
// may still finish.
func (p *Pairer) Close() {
	p.mu.Lock()
	p.gen++
	if !p.terminal {
		p.terminal = true
		p.state = StateCancelled
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()

	p.cancel()
	p.deps.Adapter.RemoveObserver(p)
}

// logger tags records with the device as it is now; With would freeze it.
func (p *Pairer) logger() *slog.Logger {
	return p.log.With("device", p.dev)
}

func (p *Pairer) generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen
}

// post schedules task on the Runner unless the attempt has moved on.
func (p *Pairer) post(gen uint64, task func()) {
	p.deps.Runner.Post(func() {
		p.mu.Lock()
		live := gen == p.gen && !p.terminal
		p.mu.Unlock()
		if !live {
			p.logger().Debug("[FastPair] dropping late callback")
			return
		}
		task()
	})
}

func (p *Pairer) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	p.logger().Debug("[FastPair] state", "state", s)
}

// finish marks the attempt terminal; it reports false if it already was.
func (p *Pairer) finish(s State) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminal {
		return false
	}
	p.terminal = true
	p.state = s
	if p.timer != nil {
		p.timer.Stop()
	}
	return true
}

func (p *Pairer) fail(failure fastpair.PairFailure) {
	if !p.finish(StateFailed) {
		return
	}
	p.cancel()
	if p.observing {
		p.deps.Adapter.RemoveObserver(p)
	}
	p.deps.Metrics.RecordBool(histPairingResult, false)
	p.deps.Metrics.RecordEnum(histPairingFailureReason, int(failure))
	p.logger().Error("[FastPair] pairing failed", "failure", failure)
	if p.cb.PairFailed != nil {
		p.cb.PairFailed(p.dev, failure)
	}
}

func (p *Pairer) complete() {
	if !p.finish(StateComplete) {
		return
	}
	p.cancel()
	if p.observing {
		p.deps.Adapter.RemoveObserver(p)
	}
	p.deps.Metrics.RecordBool(histPairingResult, true)
	p.deps.Metrics.RecordTime(histPairingTotalTime, time.Since(p.start))
	p.logger().Info("[FastPair] pairing procedure complete")
	if p.cb.PairingProcedureComplete != nil {
		p.cb.PairingProcedureComplete(p.dev)
	}
}

func (p *Pairer) paired() {
	p.setState(StatePaired)
	p.logger().Info("[FastPair] device paired")
	if p.cb.Paired != nil {
		p.cb.Paired(p.dev)
	}
}

// failOS cancels the OS pairing before failing.
func (p *Pairer) failOS(failure fastpair.PairFailure) {
	if p.osDevice != nil {
		p.osDevice.CancelPairing()
	}
	p.fail(failure)
}

// failureFrom extracts the PairFailure carried by err.
func failureFrom(err error, fallback fastpair.PairFailure) fastpair.PairFailure {
	var f fastpair.PairFailure
	if errors.As(err, &f) {
		return f
	}
	return fallback
}

// legacyAddress is the address the OS pairs a legacy device under.
func (p *Pairer) legacyAddress() string {
	if addr := p.dev.ClassicAddress(); addr != "" {
		return addr
	}
	return p.dev.BLEAddress
}

func (p *Pairer) startLegacy() {
	addr := p.legacyAddress()
	p.observing = true
	p.deps.Adapter.AddObserver(p)
	p.setState(StateAwaitingPasskeyConfirmation)
	if err := p.deps.Adapter.ShowPairingDialog(addr); err != nil {
		p.logger().Error("[FastPair] pairing dialog failed", "error", err)
		p.deps.Metrics.RecordBool(histLegacyPairingResult, false)
		p.fail(fastpair.FailurePairingConnect)
		return
	}
	p.logger().Info("[FastPair] legacy device handed to the system pairing dialog", "address", addr)
}

// DevicePairedChanged completes a legacy pairing once the OS reports the
// device bonded.
func (p *Pairer) DevicePairedChanged(dev BluetoothDevice, paired bool) {
	gen := p.generation()
	p.post(gen, func() {
		if !paired || p.dev.Version() != fastpair.VersionV1 {
			return
		}
		if fastpair.NormalizeAddress(dev.Address()) != p.legacyAddress() {
			return
		}
		p.deps.Metrics.RecordBool(histLegacyPairingResult, true)
		p.paired()
		p.complete()
	})
}

// DevicePairingFailed fails a legacy pairing the OS gave up on.
func (p *Pairer) DevicePairingFailed(address string, err error) {
	gen := p.generation()
	p.post(gen, func() {
		if p.dev.Version() != fastpair.VersionV1 {
			return
		}
		if fastpair.NormalizeAddress(address) != p.legacyAddress() {
			return
		}
		p.logger().Error("[FastPair] legacy pairing failed", "error", err)
		p.deps.Metrics.RecordBool(histLegacyPairingResult, false)
		p.fail(fastpair.FailurePairingConnect)
	})
}

func (p *Pairer) onHandshakeComplete(err error) {
	p.deps.Metrics.RecordBool(histHandshakeResult, err == nil)
	if err != nil {
		p.logger().Warn("[FastPair] handshake failed", "error", err)
		p.fail(failureFrom(err, fastpair.FailureCreateGattConnection))
		return
	}

	if p.dev.Protocol == fastpair.ProtocolRetroactive {
		p.attemptSendAccountKey()
		return
	}

	p.setState(StateConnecting)
	addr := p.dev.ClassicAddress()
	if dev, ok := p.deps.Adapter.GetDevice(addr); ok {
		p.deps.Metrics.RecordBool(histDeviceLookupResult, true)
		p.pair(dev)
		return
	}
	p.deps.Metrics.RecordBool(histDeviceLookupResult, false)

	p.logger().Info("[FastPair] device not known to the adapter, connecting by address", "address", addr)
	gen := p.generation()
	go func() {
		dev, err := p.deps.Adapter.ConnectDevice(p.ctx, addr)
		p.post(gen, func() { p.onConnectDevice(dev, err) })
	}()
}

func (p *Pairer) onConnectDevice(dev BluetoothDevice, err error) {
	p.deps.Metrics.RecordBool(histConnectDeviceResult, err == nil)
	if err != nil {
		p.logger().Error("[FastPair] connect by address failed", "error", err)
		p.fail(fastpair.FailureAddressConnect)
		return
	}
	p.pair(dev)
}

func (p *Pairer) pair(dev BluetoothDevice) {
	p.osDevice = dev
	p.setState(StateAwaitingPasskeyConfirmation)

	gen := p.generation()
	go func() {
		err := dev.Pair(p.ctx, p)
		p.post(gen, func() { p.onPairResult(err) })
	}()
}

// ConfirmPasskey handles the OS request to confirm a pairing passkey.
func (p *Pairer) ConfirmPasskey(dev BluetoothDevice, passkey uint32) {
	gen := p.generation()
	p.post(gen, func() { p.onConfirmPasskey(dev, passkey) })
}

func (p *Pairer) onConfirmPasskey(dev BluetoothDevice, passkey uint32) {
	if p.osDevice == nil || fastpair.NormalizeAddress(dev.Address()) != fastpair.NormalizeAddress(p.osDevice.Address()) {
		p.logger().Warn("[FastPair] passkey request for another device", "address", dev.Address())
		return
	}

	client, enc, ok := p.session()
	if !ok {
		p.logger().Warn("[FastPair] handshake lost before passkey confirmation")
		p.failOS(fastpair.FailureBleDeviceLostMidPair)
		return
	}

	p.setState(StateWritingPasskey)
	p.expectedPasskey = passkey
	gen := p.generation()
	go func() {
		start := time.Now()
		raw, err := client.WritePasskey(p.ctx, enc, passkey)
		elapsed := time.Since(start)
		p.post(gen, func() { p.onPasskeyResponse(enc, raw, elapsed, err) })
	}()
}

// session returns the live handshake's GATT client and encryptor.
func (p *Pairer) session() (*gatt.Client, *crypto.Encryptor, bool) {
	h, ok := p.deps.Handshakes.Get(p.dev)
	if !ok || h != p.handshake {
		return nil, nil, false
	}
	client, enc := h.GattClient(), h.Encryptor()
	if client == nil || enc == nil {
		return nil, nil, false
	}
	return client, enc, true
}

func (p *Pairer) onPasskeyResponse(enc *crypto.Encryptor, raw []byte, elapsed time.Duration, err error) {
	p.deps.Metrics.RecordBool(histPasskeyWriteResult, err == nil)
	p.deps.Metrics.RecordTime(histPasskeyWriteTime, elapsed)
	if err != nil {
		p.logger().Error("[FastPair] passkey exchange failed", "error", err)
		if p.handshakeLost() {
			p.failOS(fastpair.FailureBleDeviceLostMidPair)
			return
		}
		p.failOS(failureFrom(err, fastpair.FailurePasskeyPairingCharacteristicWrite))
		return
	}

	start := time.Now()
	pk, err := enc.ParseDecryptedPasskey(raw)
	p.deps.Metrics.RecordTime(histPasskeyDecryptTime, time.Since(start))
	p.deps.Metrics.RecordBool(histPasskeyDecryptResult, err == nil)
	if err != nil {
		p.logger().Error("[FastPair] passkey response did not decrypt", "error", err)
		p.failOS(fastpair.FailurePasskeyDecryptFailure)
		return
	}
	if pk.MessageType != fastpair.MessageProvidersPasskey {
		p.logger().Error("[FastPair] unexpected passkey response type", "type", pk.MessageType)
		p.failOS(fastpair.FailureIncorrectPasskeyResponseType)
		return
	}
	match := pk.Passkey == p.expectedPasskey
	p.deps.Metrics.RecordBool(histPasskeyMatch, match)
	if !match {
		p.logger().Error("[FastPair] passkey mismatch")
		p.failOS(fastpair.FailurePasskeyMismatch)
		return
	}

	p.logger().Info("[FastPair] passkey confirmed")
	p.osDevice.ConfirmPasskey(p.expectedPasskey)
}

func (p *Pairer) onPairResult(err error) {
	p.deps.Metrics.RecordBool(histPairDeviceResult, err == nil)
	if err != nil {
		p.deps.Metrics.RecordEnum(histPairDeviceErrorReason, int(fastpair.FailurePairingConnect))
		p.logger().Error("[FastPair] OS pairing failed", "error", err)
		p.fail(fastpair.FailurePairingConnect)
		return
	}
	p.paired()
	p.attemptSendAccountKey()
}

func (p *Pairer) attemptSendAccountKey() {
	if p.dev.Protocol == fastpair.ProtocolSubsequent {
		p.saveLocalAssociation()
		return
	}

	client, enc, ok := p.session()
	if !ok {
		p.logger().Warn("[FastPair] handshake lost before account key write")
		p.failOS(fastpair.FailureBleDeviceLostMidPair)
		return
	}
	if !p.opts.Session.AllowsAccountKeys() {
		p.logger().Info("[FastPair] session does not allow account keys, skipping")
		p.complete()
		return
	}
	if p.opts.Features.StrictOptIn && p.deps.OptIn.OptInStatus() != fastpair.OptedIn {
		p.logger().Info("[FastPair] user not opted in to saved devices, skipping account key")
		p.complete()
		return
	}

	key, err := fastpair.NewAccountKey()
	if err != nil {
		p.onAccountKeyFailure(fastpair.AccountKeyFailureEncrypt, err)
		return
	}
	p.setState(StateWritingAccountKey)
	gen := p.generation()
	go func() {
		start := time.Now()
		err := client.WriteAccountKey(p.ctx, enc, key)
		elapsed := time.Since(start)
		p.post(gen, func() { p.onAccountKeyWritten(key, elapsed, err) })
	}()
}

func (p *Pairer) saveLocalAssociation() {
	key, ok := p.dev.AccountKey()
	if !ok {
		p.logger().Warn("[FastPair] subsequent pairing without an account key")
		p.complete()
		return
	}
	gen := p.generation()
	go func() {
		err := p.deps.Repository.WriteLocalAssociation(p.dev, key)
		p.post(gen, func() {
			p.deps.Metrics.RecordBool(histAccountKeyRepository, err == nil)
			if err != nil {
				p.logger().Error("[FastPair] saving local association failed", "error", err)
			}
			p.complete()
		})
	}()
}

func (p *Pairer) onAccountKeyWritten(key fastpair.AccountKey, elapsed time.Duration, err error) {
	p.deps.Metrics.RecordBool(histAccountKeyWriteResult, err == nil)
	p.deps.Metrics.RecordTime(histAccountKeyWriteTime, elapsed)
	if err != nil {
		if p.handshakeLost() {
			p.logger().Error("[FastPair] handshake erased during account key write", "error", err)
			p.fail(fastpair.FailureBleDeviceLostMidPair)
			return
		}
		var f fastpair.AccountKeyFailure
		if !errors.As(err, &f) {
			f = fastpair.AccountKeyFailureGattWrite
		}
		p.onAccountKeyFailure(f, err)
		return
	}

	p.dev.SetAccountKey(key)
	p.logger().Info("[FastPair] account key written")
	gen := p.generation()
	go func() {
		err := p.deps.Repository.WriteAccountAssociation(p.ctx, p.dev, key)
		p.post(gen, func() { p.onAssociationSaved(err) })
	}()
}

func (p *Pairer) onAssociationSaved(err error) {
	p.deps.Metrics.RecordBool(histAccountKeyRepository, err == nil)
	if err != nil {
		p.logger().Error("[FastPair] saving account association failed", "error", err)
	}

	if p.opts.Features.SavedDevices && !p.opts.Features.StrictOptIn {
		err := p.deps.OptIn.SetOptInStatus(fastpair.OptedIn)
		p.deps.Metrics.RecordBool(optInUpdateHistogram(p.dev.Protocol), err == nil)
		if err != nil {
			p.logger().Error("[FastPair] updating opt-in status failed", "error", err)
		}
	}
	p.complete()
}

// onAccountKeyFailure ends the attempt with an account key failure. The
// device stays bonded, so no pair failure is reported.
func (p *Pairer) onAccountKeyFailure(f fastpair.AccountKeyFailure, err error) {
	if !p.finish(StateComplete) {
		return
	}
	p.cancel()
	p.deps.Metrics.RecordEnum(histAccountKeyFailure, int(f))
	p.logger().Error("[FastPair] account key write failed", "failure", f, "error", err)
	if p.cb.AccountKeyFailure != nil {
		p.cb.AccountKeyFailure(p.dev, f)
	}
}

var (
	_ PairingDelegate = (*Pairer)(nil)
	_ AdapterObserver = (*Pairer)(nil)
)
