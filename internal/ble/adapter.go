// Package ble provides the GATT transport used to talk to Fast Pair
// providers: scanning for the Fast Pair service, connecting by BLE address,
// and writing/subscribing to characteristics.
package ble

import (
	"context"
	"fmt"
	"time"
)

// Fast Pair GATT UUIDs
const (
	ServiceUUID             = "0000fe2c-0000-1000-8000-00805f9b34fb"
	KeyBasedPairingCharUUID = "fe2c1234-8366-4814-8eb0-01de32100bea"
	PasskeyCharUUID         = "fe2c1235-8366-4814-8eb0-01de32100bea"
	AccountKeyCharUUID      = "fe2c1236-8366-4814-8eb0-01de32100bea"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic and waits for the write response.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name string
	MAC  string
	RSSI int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers BLE peripherals advertising the given service UUID.
	// Returns discovered devices until ctx is cancelled or timeout.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// Connect establishes a connection to the device with the given MAC address.
	Connect(ctx context.Context, mac string) (Connection, error)
}

// ScanForProviders scans for devices advertising the Fast Pair service.
func ScanForProviders(adapter Adapter, timeout time.Duration) ([]Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	devices, err := adapter.Scan(ctx, ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}
