package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter wraps tinygo-org/bluetooth. On macOS device addresses are
// CoreBluetooth UUIDs rather than MAC addresses; the "MAC" strings used
// throughout this package carry whichever form the platform reports.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinyGoConnection // keyed by device address
}

// NewTinyGoAdapter creates a BLE adapter backed by the default system adapter.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinyGoConnection),
	}
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// The adapter-level handler is the only disconnect signal tinygo
	// exposes; route it to the matching connection.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		delete(a.connections, id)
		a.mu.Unlock()
		if ok {
			slog.Debug("[GATT] peripheral disconnected", "address", id)
			conn.fireDisconnect()
		}
	})

	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}

	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err = a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(uuid) {
			return
		}
		mac := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[mac] {
			return
		}
		seen[mac] = true
		devices = append(devices, Device{
			Name: result.LocalName(),
			MAC:  mac,
			RSSI: int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}

func (a *TinyGoAdapter) Connect(ctx context.Context, mac string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(mac)

	// tinygo's Connect blocks with its own timeout; wrap it so ctx
	// cancellation returns immediately.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: connect to %s: %w", mac, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", mac, result.err)
		}
		conn := &tinyGoConnection{device: &result.device}

		a.mu.Lock()
		a.connections[result.device.Address.String()] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// Compile-time checks that the tinygo types implement the ble interfaces.
var (
	_ Adapter        = (*TinyGoAdapter)(nil)
	_ Connection     = (*tinyGoConnection)(nil)
	_ Characteristic = (*tinyGoCharacteristic)(nil)
)

type tinyGoConnection struct {
	device *bluetooth.Device

	mu           sync.Mutex
	services     map[string]bluetooth.DeviceService
	disconnectCb func()
}

func (c *tinyGoConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svc, err := c.service(serviceUUID, svcUUID)
	if err != nil {
		return nil, err
	}

	chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	return &tinyGoCharacteristic{char: &chars[0]}, nil
}

// service discovers a service once per connection.
func (c *tinyGoConnection) service(key string, uuid bluetooth.UUID) (*bluetooth.DeviceService, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if svc, ok := c.services[key]; ok {
		return &svc, nil
	}
	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{uuid})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", key)
	}
	if c.services == nil {
		c.services = make(map[string]bluetooth.DeviceService)
	}
	c.services[key] = svcs[0]
	return &svcs[0], nil
}

func (c *tinyGoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinyGoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinyGoCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

// Write uses write-without-response, the only write tinygo's BlueZ
// backend offers.
func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		// tinygo reuses buf between notifications.
		cp := make([]byte, len(buf))
		copy(cp, buf)
		cb(cp)
	})
}
