package bluez

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/chaz8081/fastpair/internal/fastpair/pairer"
)

func TestPaths(t *testing.T) {
	adapter := AdapterPath("hci0")
	if adapter != "/org/bluez/hci0" {
		t.Errorf("AdapterPath() = %q", adapter)
	}
	path := DevicePath(adapter, "aa:bb:cc:dd:ee:ff")
	if path != "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF" {
		t.Errorf("DevicePath() = %q", path)
	}
	addr, ok := AddressFromPath(path)
	if !ok || addr != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("AddressFromPath() = %q, %v", addr, ok)
	}

	for _, bad := range []dbus.ObjectPath{"/org/bluez/hci0", "/org/bluez/hci0/dev_AA_BB", "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_ZZ"} {
		if _, ok := AddressFromPath(bad); ok {
			t.Errorf("AddressFromPath(%q) should fail", bad)
		}
	}
}

func TestFindDevice(t *testing.T) {
	hci0, hci1 := AdapterPath("hci0"), AdapterPath("hci1")
	objects := managedObjects{
		hci0: {adapterIface: {"Address": dbus.MakeVariant("00:00:00:00:00:00")}},
		DevicePath(hci1, "AA:BB:CC:DD:EE:FF"): {deviceIface: {
			"Address": dbus.MakeVariant("AA:BB:CC:DD:EE:FF"),
			"Adapter": dbus.MakeVariant(hci1),
		}},
		DevicePath(hci0, "AA:BB:CC:DD:EE:FF"): {deviceIface: {
			"Address": dbus.MakeVariant("AA:BB:CC:DD:EE:FF"),
			"Adapter": dbus.MakeVariant(hci0),
		}},
	}

	path, ok := findDevice(objects, hci0, "aa:bb:cc:dd:ee:ff")
	if !ok || path != DevicePath(hci0, "AA:BB:CC:DD:EE:FF") {
		t.Errorf("findDevice() = %q, %v", path, ok)
	}
	if _, ok := findDevice(objects, hci0, "11:22:33:44:55:66"); ok {
		t.Error("findDevice() matched an unknown address")
	}
}

func TestPairedChange(t *testing.T) {
	path := DevicePath(AdapterPath("hci0"), "AA:BB:CC:DD:EE:FF")
	tests := []struct {
		name   string
		sig    *dbus.Signal
		paired bool
		ok     bool
	}{
		{
			name:   "paired",
			sig:    &dbus.Signal{Path: path, Name: propertiesIface + ".PropertiesChanged", Body: []interface{}{deviceIface, map[string]dbus.Variant{"Paired": dbus.MakeVariant(true)}, []string{}}},
			paired: true,
			ok:     true,
		},
		{
			name: "other property",
			sig:  &dbus.Signal{Path: path, Name: propertiesIface + ".PropertiesChanged", Body: []interface{}{deviceIface, map[string]dbus.Variant{"RSSI": dbus.MakeVariant(int16(-40))}, []string{}}},
		},
		{
			name: "other interface",
			sig:  &dbus.Signal{Path: path, Name: propertiesIface + ".PropertiesChanged", Body: []interface{}{adapterIface, map[string]dbus.Variant{"Paired": dbus.MakeVariant(true)}, []string{}}},
		},
		{
			name: "other signal",
			sig:  &dbus.Signal{Path: path, Name: "org.freedesktop.DBus.ObjectManager.InterfacesAdded"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotPath, paired, ok := pairedChange(tt.sig)
			if ok != tt.ok || paired != tt.paired {
				t.Errorf("pairedChange() = %v, %v, want %v, %v", paired, ok, tt.paired, tt.ok)
			}
			if ok && gotPath != path {
				t.Errorf("path = %q, want %q", gotPath, path)
			}
		})
	}
}

// delegateFunc adapts a function to pairer.PairingDelegate.
type delegateFunc func(dev pairer.BluetoothDevice, passkey uint32)

func (f delegateFunc) ConfirmPasskey(dev pairer.BluetoothDevice, passkey uint32) { f(dev, passkey) }

func testAgentWithDevice(delegate pairer.PairingDelegate) (*agent, *Device) {
	a := newAgent(slog.Default())
	dev := &Device{path: DevicePath(AdapterPath("hci0"), "AA:BB:CC:DD:EE:FF"), address: "AA:BB:CC:DD:EE:FF"}
	a.setHandler(dev.path, func(passkey uint32) *confirmation {
		c := &confirmation{passkey: passkey, decision: make(chan bool, 1)}
		dev.mu.Lock()
		dev.pending = c
		dev.mu.Unlock()
		delegate.ConfirmPasskey(dev, passkey)
		return c
	})
	return a, dev
}

func TestAgentConfirmsMatchingPasskey(t *testing.T) {
	var got uint32
	a, dev := testAgentWithDevice(delegateFunc(func(d pairer.BluetoothDevice, passkey uint32) {
		got = passkey
		go d.ConfirmPasskey(passkey)
	}))

	if err := a.RequestConfirmation(dev.path, 123456); err != nil {
		t.Errorf("RequestConfirmation() = %v, want nil", err)
	}
	if got != 123456 {
		t.Errorf("delegate saw passkey %d", got)
	}
}

func TestAgentRejectsWrongPasskey(t *testing.T) {
	a, dev := testAgentWithDevice(delegateFunc(func(d pairer.BluetoothDevice, passkey uint32) {
		go d.ConfirmPasskey(passkey + 1)
	}))
	err := a.RequestConfirmation(dev.path, 42)
	if err == nil || err.Name != errRejected {
		t.Errorf("RequestConfirmation() = %v, want %s", err, errRejected)
	}
}

func TestAgentWithoutHandler(t *testing.T) {
	a := newAgent(slog.Default())
	path := DevicePath(AdapterPath("hci0"), "AA:BB:CC:DD:EE:FF")

	if err := a.RequestConfirmation(path, 1); err == nil {
		t.Error("RequestConfirmation() without a handler or prompt should reject")
	}

	var promptAddr string
	a.setPrompt(func(addr string, passkey uint32) bool {
		promptAddr = addr
		return passkey == 7
	})
	if err := a.RequestConfirmation(path, 7); err != nil {
		t.Errorf("RequestConfirmation() = %v, want accepted by prompt", err)
	}
	if promptAddr != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("prompt address = %q", promptAddr)
	}
	if err := a.RequestConfirmation(path, 8); err == nil {
		t.Error("RequestConfirmation() should reject when the prompt declines")
	}
}

func TestAgentHandlerRemoved(t *testing.T) {
	a, dev := testAgentWithDevice(delegateFunc(func(pairer.BluetoothDevice, uint32) {}))
	a.setHandler(dev.path, nil)

	done := make(chan *dbus.Error, 1)
	go func() { done <- a.RequestConfirmation(dev.path, 1) }()
	select {
	case err := <-done:
		if err == nil {
			t.Error("RequestConfirmation() after handler removal should reject")
		}
	case <-time.After(time.Second):
		t.Fatal("RequestConfirmation() blocked without a handler")
	}
}

// recordingObserver collects adapter events.
type recordingObserver struct {
	failed []string
	errs   []error
}

func (r *recordingObserver) DevicePairedChanged(pairer.BluetoothDevice, bool) {}

func (r *recordingObserver) DevicePairingFailed(address string, err error) {
	r.failed = append(r.failed, address)
	r.errs = append(r.errs, err)
}

func TestLegacyPairFailureReachesObservers(t *testing.T) {
	a := &Adapter{log: slog.Default()}
	obs := &recordingObserver{}
	a.AddObserver(obs)

	a.legacyPairDone("aa:bb:cc:01:02:03", nil)
	if len(obs.failed) != 0 {
		t.Fatalf("successful pairing reported as failed: %v", obs.failed)
	}

	rejected := dbus.Error{Name: "org.bluez.Error.AuthenticationRejected"}
	a.legacyPairDone("aa:bb:cc:01:02:03", rejected)
	if len(obs.failed) != 1 || obs.failed[0] != "AA:BB:CC:01:02:03" {
		t.Fatalf("failed = %v, want [AA:BB:CC:01:02:03]", obs.failed)
	}
	var dbusErr dbus.Error
	if !errors.As(obs.errs[0], &dbusErr) || dbusErr.Name != rejected.Name {
		t.Errorf("error = %v, want the BlueZ error wrapped", obs.errs[0])
	}

	a.RemoveObserver(obs)
	a.legacyPairDone("aa:bb:cc:01:02:03", rejected)
	if len(obs.failed) != 1 {
		t.Error("removed observer still notified")
	}
}
