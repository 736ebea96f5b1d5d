package handshake

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/chaz8081/fastpair/internal/fastpair"
	"github.com/chaz8081/fastpair/internal/fastpair/crypto"
	"github.com/chaz8081/fastpair/internal/fastpair/fastpairtest"
	"github.com/chaz8081/fastpair/internal/fastpair/gatt"
)

const (
	modelID    = "718c17"
	bleAddress = "5E:3C:11:22:33:44"
)

var classicAddr = [6]byte{0xAA, 0xBB, 0xCC, 0x01, 0x02, 0x03}

func testOptions() gatt.Options {
	return gatt.Options{
		ConnectAttempts: 1,
		RetryBase:       time.Millisecond,
		RetryMax:        time.Millisecond,
		ResponseTimeout: 200 * time.Millisecond,
	}
}

func newProvider(t *testing.T) *fastpairtest.Provider {
	t.Helper()
	p, err := fastpairtest.NewProvider(classicAddr)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	return p
}

func performer(t *testing.T, p *fastpairtest.Provider) *KeyBasedPairing {
	t.Helper()
	keys, err := ParseModelKeys(map[string]string{
		modelID: base64.StdEncoding.EncodeToString(p.AntiSpoofingPublicKey()),
	})
	if err != nil {
		t.Fatalf("ParseModelKeys() error = %v", err)
	}
	return &KeyBasedPairing{Adapter: p, Keys: keys, Options: testOptions()}
}

func wait(t *testing.T, h *Handshake) error {
	t.Helper()
	ch := make(chan error, 1)
	h.OnComplete(func(_ *fastpair.Device, err error) { ch <- err })
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
		return nil
	}
}

func failureOf(t *testing.T, err error) fastpair.PairFailure {
	t.Helper()
	var f fastpair.PairFailure
	if !errors.As(err, &f) {
		t.Fatalf("error %v does not carry a PairFailure", err)
	}
	return f
}

func TestParseModelKeys(t *testing.T) {
	p := newProvider(t)
	keys, err := ParseModelKeys(map[string]string{"abc123": base64.StdEncoding.EncodeToString(p.AntiSpoofingPublicKey())})
	if err != nil {
		t.Fatalf("ParseModelKeys() error = %v", err)
	}
	if _, ok := keys["ABC123"]; !ok {
		t.Errorf("keys = %v, want upper-case model id", keys)
	}

	if _, err := ParseModelKeys(map[string]string{"x": "!!!"}); err == nil {
		t.Error("ParseModelKeys() should reject bad base64")
	}
	if _, err := ParseModelKeys(map[string]string{"x": base64.StdEncoding.EncodeToString([]byte{1, 2, 3})}); err == nil {
		t.Error("ParseModelKeys() should reject a short key")
	}
}

func TestInitialHandshake(t *testing.T) {
	p := newProvider(t)
	lookup := NewLookup(nil)
	dev := fastpair.NewDevice(modelID, bleAddress, fastpair.ProtocolInitial)

	h := lookup.Create(context.Background(), dev, performer(t, p))
	if err := wait(t, h); err != nil {
		t.Fatalf("handshake error = %v", err)
	}
	if !h.CompletedSuccessfully() {
		t.Error("CompletedSuccessfully() = false")
	}
	if got, want := dev.ClassicAddress(), fastpair.FormatAddress(classicAddr); got != want {
		t.Errorf("ClassicAddress() = %q, want %q", got, want)
	}
	if h.GattClient() == nil || !h.GattClient().IsConnected() {
		t.Error("GattClient() should be connected after success")
	}
	if h.Encryptor() == nil || h.Encryptor().PublicKey() == nil {
		t.Error("initial handshake should use an ECDH encryptor")
	}

	// Late registrations fire immediately.
	fired := false
	h.OnComplete(func(*fastpair.Device, error) { fired = true })
	if !fired {
		t.Error("OnComplete() after completion should run the callback")
	}
}

func TestRetroactiveHandshakeUsesAntiSpoofingKey(t *testing.T) {
	p := newProvider(t)
	dev := fastpair.NewDevice(modelID, bleAddress, fastpair.ProtocolRetroactive)

	h := NewLookup(nil).Create(context.Background(), dev, performer(t, p))
	if err := wait(t, h); err != nil {
		t.Fatalf("handshake error = %v", err)
	}
	if h.Encryptor().PublicKey() == nil {
		t.Error("retroactive handshake should send the seeker public key")
	}
}

func TestSubsequentHandshakeUsesAccountKey(t *testing.T) {
	p := newProvider(t)
	key, _ := fastpair.NewAccountKey()
	p.AccountKeys = []fastpair.AccountKey{key}

	dev := fastpair.NewDevice(modelID, bleAddress, fastpair.ProtocolSubsequent)
	dev.SetAccountKey(key)

	h := NewLookup(nil).Create(context.Background(), dev, performer(t, p))
	if err := wait(t, h); err != nil {
		t.Fatalf("handshake error = %v", err)
	}
	if h.Encryptor().PublicKey() != nil {
		t.Error("account key encryptor should not carry a public key")
	}
}

func TestHandshakeFailures(t *testing.T) {
	tests := []struct {
		name     string
		protocol fastpair.Protocol
		setup    func(p *fastpairtest.Provider, k *KeyBasedPairing, dev *fastpair.Device)
		want     fastpair.PairFailure
	}{
		{
			name:     "unknown model",
			protocol: fastpair.ProtocolInitial,
			setup: func(_ *fastpairtest.Provider, k *KeyBasedPairing, _ *fastpair.Device) {
				k.Keys = ModelKeys{}
			},
			want: fastpair.FailureDataEncryptorRetrieval,
		},
		{
			name:     "subsequent without account key",
			protocol: fastpair.ProtocolSubsequent,
			setup:    func(*fastpairtest.Provider, *KeyBasedPairing, *fastpair.Device) {},
			want:     fastpair.FailureDataEncryptorRetrieval,
		},
		{
			name:     "connection refused",
			protocol: fastpair.ProtocolInitial,
			setup: func(p *fastpairtest.Provider, _ *KeyBasedPairing, _ *fastpair.Device) {
				p.ConnectFailures = 1
			},
			want: fastpair.FailureCreateGattConnection,
		},
		{
			name:     "wrong response type",
			protocol: fastpair.ProtocolInitial,
			setup: func(p *fastpairtest.Provider, _ *KeyBasedPairing, _ *fastpair.Device) {
				p.ResponseType = fastpair.MessageSeekersPasskey
			},
			want: fastpair.FailureIncorrectKeyBasedPairingResponseType,
		},
		{
			name:     "no response",
			protocol: fastpair.ProtocolInitial,
			setup: func(p *fastpairtest.Provider, _ *KeyBasedPairing, _ *fastpair.Device) {
				p.DropRequestResponse = true
			},
			want: fastpair.FailureKeyBasedPairingResponseTimeout,
		},
		{
			name:     "unrecognised account key",
			protocol: fastpair.ProtocolSubsequent,
			setup: func(_ *fastpairtest.Provider, _ *KeyBasedPairing, dev *fastpair.Device) {
				key, _ := fastpair.NewAccountKey()
				dev.SetAccountKey(key)
			},
			want: fastpair.FailureKeyBasedPairingCharacteristicWrite,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProvider(t)
			k := performer(t, p)
			dev := fastpair.NewDevice(modelID, bleAddress, tt.protocol)
			tt.setup(p, k, dev)

			h := NewLookup(nil).Create(context.Background(), dev, k)
			err := wait(t, h)
			if got := failureOf(t, err); got != tt.want {
				t.Errorf("failure = %v, want %v", got, tt.want)
			}
			if h.CompletedSuccessfully() {
				t.Error("CompletedSuccessfully() = true after a failure")
			}
			if dev.ClassicAddress() != "" {
				t.Errorf("ClassicAddress() = %q, want empty", dev.ClassicAddress())
			}
		})
	}
}

func TestLookupGetEraseClear(t *testing.T) {
	p := newProvider(t)
	lookup := NewLookup(nil)
	dev := fastpair.NewDevice(modelID, bleAddress, fastpair.ProtocolInitial)
	other := fastpair.NewDevice(modelID, "00:00:00:00:00:01", fastpair.ProtocolInitial)

	h := lookup.Create(context.Background(), dev, performer(t, p))
	if err := wait(t, h); err != nil {
		t.Fatal(err)
	}
	if got, ok := lookup.Get(dev); !ok || got != h {
		t.Errorf("Get() = %v, %v", got, ok)
	}
	if _, ok := lookup.Get(other); ok {
		t.Error("Get() found a handshake for an unknown device")
	}

	client := h.GattClient()
	if !lookup.Erase(dev) {
		t.Error("Erase() = false for a live handshake")
	}
	if client.IsConnected() {
		t.Error("Erase() should close the GATT connection")
	}
	if lookup.Erase(dev) {
		t.Error("second Erase() = true")
	}

	lookup.Create(context.Background(), dev, performer(t, p))
	lookup.Create(context.Background(), other, performer(t, p))
	lookup.Clear()
	if _, ok := lookup.Get(dev); ok {
		t.Error("Get() after Clear() found a handshake")
	}
}

// blockingPerformer waits for release before succeeding.
type blockingPerformer struct {
	release chan struct{}
	client  *gatt.Client
}

func (b *blockingPerformer) Perform(ctx context.Context, _ *fastpair.Device) (*gatt.Client, *crypto.Encryptor, error) {
	<-b.release
	return b.client, crypto.NewEncryptor([crypto.KeySize]byte{}), nil
}

func TestEraseBeforeCompletion(t *testing.T) {
	p := newProvider(t)
	client := gatt.NewClient(p, bleAddress, testOptions(), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	bp := &blockingPerformer{release: make(chan struct{}), client: client}

	lookup := NewLookup(nil)
	dev := fastpair.NewDevice(modelID, bleAddress, fastpair.ProtocolInitial)
	h := lookup.Create(context.Background(), dev, bp)
	lookup.Erase(dev)
	close(bp.release)

	err := wait(t, h)
	if got := failureOf(t, err); got != fastpair.FailureBleDeviceLostMidPair {
		t.Errorf("failure = %v, want BleDeviceLostMidPair", got)
	}
	if client.IsConnected() {
		t.Error("client from an erased handshake should be closed")
	}
}

func TestEraseWhileWaitingForResponse(t *testing.T) {
	p := newProvider(t)
	seen := make(chan struct{}, 1)
	p.RequestSeen = seen
	p.DropRequestResponse = true

	k := performer(t, p)
	k.Options.ResponseTimeout = 5 * time.Second
	lookup := NewLookup(nil)
	dev := fastpair.NewDevice(modelID, bleAddress, fastpair.ProtocolInitial)
	h := lookup.Create(context.Background(), dev, k)

	select {
	case <-seen:
	case <-time.After(2 * time.Second):
		t.Fatal("provider never saw the key-based pairing request")
	}
	lookup.Erase(dev)

	select {
	case <-h.Erased():
	default:
		t.Error("Erased() should be closed after Erase()")
	}
	err := wait(t, h)
	if got := failureOf(t, err); got != fastpair.FailureBleDeviceLostMidPair {
		t.Errorf("failure = %v, want BleDeviceLostMidPair", got)
	}
	if h.GattClient() != nil {
		t.Error("erased handshake should not keep a GATT client")
	}
}

func TestReplacedHandshakeIsErased(t *testing.T) {
	p := newProvider(t)
	lookup := NewLookup(nil)
	t.Cleanup(lookup.Clear)
	dev := fastpair.NewDevice(modelID, bleAddress, fastpair.ProtocolInitial)

	first := lookup.Create(context.Background(), dev, performer(t, p))
	if err := wait(t, first); err != nil {
		t.Fatal(err)
	}
	second := lookup.Create(context.Background(), dev, performer(t, p))
	select {
	case <-first.Erased():
	default:
		t.Error("replaced handshake should be erased")
	}
	select {
	case <-second.Erased():
		t.Error("new handshake should not be erased")
	default:
	}
}
