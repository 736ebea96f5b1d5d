package bluez

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/chaz8081/fastpair/internal/fastpair/pairer"
)

// Device is a BlueZ Device1 object.
type Device struct {
	adapter *Adapter
	path    dbus.ObjectPath
	address string

	mu      sync.Mutex
	pending *confirmation
}

func (d *Device) Address() string { return d.address }

// Path returns the D-Bus object path.
func (d *Device) Path() dbus.ObjectPath { return d.path }

func (d *Device) IsPaired() bool {
	v, err := d.adapter.conn.Object(service, d.path).GetProperty(deviceIface + ".Paired")
	if err != nil {
		return false
	}
	paired, _ := v.Value().(bool)
	return paired
}

// Pair calls Device1.Pair. Passkey confirmations for this device are sent
// to delegate until the call returns.
func (d *Device) Pair(ctx context.Context, delegate pairer.PairingDelegate) error {
	d.adapter.agent.setHandler(d.path, func(passkey uint32) *confirmation {
		c := &confirmation{passkey: passkey, decision: make(chan bool, 1)}
		d.mu.Lock()
		d.pending = c
		d.mu.Unlock()
		delegate.ConfirmPasskey(d, passkey)
		return c
	})
	defer d.adapter.agent.setHandler(d.path, nil)

	d.adapter.log.Info("[BlueZ] pairing", "device", d.address)
	call := d.adapter.conn.Object(service, d.path).CallWithContext(ctx, deviceIface+".Pair", 0)
	if call.Err != nil {
		return fmt.Errorf("bluez: pair %s: %w", d.address, call.Err)
	}
	return nil
}

func (d *Device) ConfirmPasskey(passkey uint32) {
	d.decide(func(c *confirmation) bool { return c.passkey == passkey })
}

func (d *Device) CancelPairing() {
	d.decide(func(*confirmation) bool { return false })
	if err := d.adapter.conn.Object(service, d.path).Call(deviceIface+".CancelPairing", 0).Err; err != nil {
		d.adapter.log.Debug("[BlueZ] cancel pairing", "device", d.address, "error", err)
	}
}

func (d *Device) decide(accept func(*confirmation) bool) {
	d.mu.Lock()
	c := d.pending
	d.pending = nil
	d.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case c.decision <- accept(c):
	default:
	}
}

var _ pairer.BluetoothDevice = (*Device)(nil)
