package pairer

import (
	"context"

	"github.com/chaz8081/fastpair/internal/fastpair"
)

// BluetoothAdapter is the OS classic Bluetooth stack.
type BluetoothAdapter interface {
	// GetDevice returns the OS device known under a classic address.
	GetDevice(address string) (BluetoothDevice, bool)
	// ConnectDevice creates an OS device for an address it has not seen
	// and connects to it.
	ConnectDevice(ctx context.Context, address string) (BluetoothDevice, error)
	// ShowPairingDialog hands a legacy device to the system pairing UI.
	ShowPairingDialog(address string) error
	AddObserver(o AdapterObserver)
	RemoveObserver(o AdapterObserver)
}

// BluetoothDevice is one OS-level classic device.
type BluetoothDevice interface {
	Address() string
	IsPaired() bool
	// Pair bonds with the device and blocks until bonding ends. Passkey
	// confirmation requests are sent to delegate while it runs.
	Pair(ctx context.Context, delegate PairingDelegate) error
	// ConfirmPasskey accepts the passkey of an in-progress pairing.
	ConfirmPasskey(passkey uint32)
	// CancelPairing rejects an in-progress pairing.
	CancelPairing()
}

// PairingDelegate receives OS pairing requests. Implementations must
// not block.
type PairingDelegate interface {
	ConfirmPasskey(dev BluetoothDevice, passkey uint32)
}

// AdapterObserver receives adapter events.
type AdapterObserver interface {
	DevicePairedChanged(dev BluetoothDevice, paired bool)
	// DevicePairingFailed reports that a pairing started by
	// ShowPairingDialog ended without a bond.
	DevicePairingFailed(address string, err error)
}

// Repository stores account key associations.
type Repository interface {
	WriteAccountAssociation(ctx context.Context, dev *fastpair.Device, key fastpair.AccountKey) error
	WriteLocalAssociation(dev *fastpair.Device, key fastpair.AccountKey) error
}
