package pairer

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/chaz8081/fastpair/internal/fastpair"
)

// fakeAdapter stands in for the OS Bluetooth adapter.
type fakeAdapter struct {
	mu         sync.Mutex
	devices    map[string]*fakeDevice
	connectErr error
	dialogErr  error
	connects   []string
	dialogs    []string
	observers  []AdapterObserver
	// newDevice configures devices created by ConnectDevice.
	newDevice func(addr string) *fakeDevice
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{devices: make(map[string]*fakeDevice)}
}

func (a *fakeAdapter) add(d *fakeDevice) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.devices[d.addr] = d
}

func (a *fakeAdapter) GetDevice(address string) (BluetoothDevice, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.devices[address]
	if !ok {
		return nil, false
	}
	return d, true
}

func (a *fakeAdapter) ConnectDevice(_ context.Context, address string) (BluetoothDevice, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connects = append(a.connects, address)
	if a.connectErr != nil {
		return nil, a.connectErr
	}
	var d *fakeDevice
	if a.newDevice != nil {
		d = a.newDevice(address)
	} else {
		d = newFakeDevice(address, 0)
	}
	a.devices[address] = d
	return d, nil
}

func (a *fakeAdapter) ShowPairingDialog(address string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dialogs = append(a.dialogs, address)
	return a.dialogErr
}

func (a *fakeAdapter) AddObserver(o AdapterObserver) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, o)
}

func (a *fakeAdapter) RemoveObserver(o AdapterObserver) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, existing := range a.observers {
		if existing == o {
			a.observers = append(a.observers[:i], a.observers[i+1:]...)
			return
		}
	}
}

func (a *fakeAdapter) observerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.observers)
}

func (a *fakeAdapter) firePairedChanged(d BluetoothDevice, paired bool) {
	a.mu.Lock()
	obs := append([]AdapterObserver(nil), a.observers...)
	a.mu.Unlock()
	for _, o := range obs {
		o.DevicePairedChanged(d, paired)
	}
}

func (a *fakeAdapter) firePairingFailed(address string, err error) {
	a.mu.Lock()
	obs := append([]AdapterObserver(nil), a.observers...)
	a.mu.Unlock()
	for _, o := range obs {
		o.DevicePairingFailed(address, err)
	}
}

func (a *fakeAdapter) dialogCalls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.dialogs...)
}

func (a *fakeAdapter) connectCalls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.connects...)
}

// fakeDevice runs a scripted OS pairing: it asks the delegate to confirm
// passkey and waits for ConfirmPasskey or CancelPairing.
type fakeDevice struct {
	addr    string
	passkey uint32
	pairErr error
	// beforeConfirm runs just before the passkey request goes out.
	beforeConfirm func()

	decision chan bool

	mu        sync.Mutex
	paired    bool
	confirmed []uint32
	cancelled int
}

func newFakeDevice(addr string, passkey uint32) *fakeDevice {
	return &fakeDevice{addr: addr, passkey: passkey, decision: make(chan bool, 1)}
}

func (d *fakeDevice) Address() string { return d.addr }

func (d *fakeDevice) IsPaired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paired
}

func (d *fakeDevice) Pair(ctx context.Context, delegate PairingDelegate) error {
	if d.pairErr != nil {
		return d.pairErr
	}
	if d.beforeConfirm != nil {
		d.beforeConfirm()
	}
	delegate.ConfirmPasskey(d, d.passkey)
	select {
	case ok := <-d.decision:
		if !ok {
			return errors.New("fake: pairing cancelled")
		}
		d.mu.Lock()
		d.paired = true
		d.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *fakeDevice) ConfirmPasskey(passkey uint32) {
	d.mu.Lock()
	d.confirmed = append(d.confirmed, passkey)
	d.mu.Unlock()
	select {
	case d.decision <- passkey == d.passkey:
	default:
	}
}

func (d *fakeDevice) CancelPairing() {
	d.mu.Lock()
	d.cancelled++
	d.mu.Unlock()
	select {
	case d.decision <- false:
	default:
	}
}

func (d *fakeDevice) cancelCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelled
}

// fakeRepository records association writes.
type fakeRepository struct {
	mu        sync.Mutex
	remote    []fastpair.AccountKey
	local     []fastpair.AccountKey
	remoteErr error
}

func (r *fakeRepository) WriteAccountAssociation(_ context.Context, _ *fastpair.Device, key fastpair.AccountKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local = append(r.local, key)
	r.remote = append(r.remote, key)
	return r.remoteErr
}

func (r *fakeRepository) WriteLocalAssociation(_ *fastpair.Device, key fastpair.AccountKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local = append(r.local, key)
	return nil
}

func (r *fakeRepository) counts() (local, remote int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.local), len(r.remote)
}

// outcome collects callback invocations.
type outcome struct {
	mu                sync.Mutex
	paired            int
	failures          []fastpair.PairFailure
	accountKeyFailure []fastpair.AccountKeyFailure
	complete          int
	done              chan struct{}
	doneOnce          sync.Once
}

func newOutcome() *outcome {
	return &outcome{done: make(chan struct{})}
}

func (o *outcome) callbacks() Callbacks {
	return Callbacks{
		Paired: func(*fastpair.Device) {
			o.mu.Lock()
			o.paired++
			o.mu.Unlock()
		},
		PairFailed: func(_ *fastpair.Device, f fastpair.PairFailure) {
			o.mu.Lock()
			o.failures = append(o.failures, f)
			o.mu.Unlock()
			o.finish()
		},
		AccountKeyFailure: func(_ *fastpair.Device, f fastpair.AccountKeyFailure) {
			o.mu.Lock()
			o.accountKeyFailure = append(o.accountKeyFailure, f)
			o.mu.Unlock()
			o.finish()
		},
		PairingProcedureComplete: func(*fastpair.Device) {
			o.mu.Lock()
			o.complete++
			o.mu.Unlock()
			o.finish()
		},
	}
}

func (o *outcome) finish() {
	o.doneOnce.Do(func() { close(o.done) })
}

type snapshot struct {
	paired            int
	failures          []fastpair.PairFailure
	accountKeyFailure []fastpair.AccountKeyFailure
	complete          int
}

func (o *outcome) snapshot() snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return snapshot{
		paired:            o.paired,
		failures:          append([]fastpair.PairFailure(nil), o.failures...),
		accountKeyFailure: append([]fastpair.AccountKeyFailure(nil), o.accountKeyFailure...),
		complete:          o.complete,
	}
}

// syncBuffer is a log sink safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
