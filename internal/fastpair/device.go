// Package fastpair holds the domain types shared by the Fast Pair seeker:
// devices, protocol variants, closed failure enums, passkey values and the
// account opt-in state.
package fastpair

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// Protocol is the Fast Pair flow a device is being paired with.
type Protocol int

const (
	// ProtocolInitial is a first-time pairing with a device in pairing mode.
	ProtocolInitial Protocol = iota
	// ProtocolSubsequent pairs a device already associated with the account.
	ProtocolSubsequent
	// ProtocolRetroactive upgrades a classic pairing to a Fast Pair association.
	ProtocolRetroactive
)

func (p Protocol) String() string {
	switch p {
	case ProtocolInitial:
		return "Initial"
	case ProtocolSubsequent:
		return "Subsequent"
	case ProtocolRetroactive:
		return "Retroactive"
	default:
		return fmt.Sprintf("Protocol(%d)", int(p))
	}
}

// ParseProtocol parses "initial", "subsequent" or "retroactive".
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "initial":
		return ProtocolInitial, nil
	case "subsequent":
		return ProtocolSubsequent, nil
	case "retroactive":
		return ProtocolRetroactive, nil
	}
	return 0, fmt.Errorf("fastpair: unknown protocol %q", s)
}

// Version is the Fast Pair protocol version detected for a device.
type Version int

const (
	VersionUnknown Version = iota
	// VersionV1 devices have no GATT service; pairing falls back to the
	// OS pairing dialog.
	VersionV1
	VersionV2
)

func (v Version) String() string {
	switch v {
	case VersionV1:
		return "v1"
	case VersionV2:
		return "v2"
	default:
		return "unknown"
	}
}

// Device identifies a remote Fast Pair provider for one pairing attempt.
// Fields that change during pairing are guarded so the handshake and the
// pairer can share the same value.
type Device struct {
	MetadataID string
	BLEAddress string
	Protocol   Protocol
	Name       string

	mu          sync.RWMutex
	classicAddr string
	version     Version
	accountKey  *AccountKey
}

// NewDevice creates a device discovered at bleAddress.
func NewDevice(metadataID, bleAddress string, protocol Protocol) *Device {
	return &Device{
		MetadataID: metadataID,
		BLEAddress: NormalizeAddress(bleAddress),
		Protocol:   protocol,
	}
}

// ClassicAddress returns the BR/EDR address, empty until known.
func (d *Device) ClassicAddress() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.classicAddr
}

// SetClassicAddress records the BR/EDR address learned from the provider.
func (d *Device) SetClassicAddress(addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.classicAddr = NormalizeAddress(addr)
}

// Version returns the detected protocol version.
func (d *Device) Version() Version {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

// SetVersion records the detected protocol version.
func (d *Device) SetVersion(v Version) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.version = v
}

// AccountKey returns the account key known for the device, if any.
func (d *Device) AccountKey() (AccountKey, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.accountKey == nil {
		return AccountKey{}, false
	}
	return *d.accountKey, true
}

// SetAccountKey records the account key used for subsequent pairing.
func (d *Device) SetAccountKey(k AccountKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accountKey = &k
}

func (d *Device) String() string {
	return fmt.Sprintf("Device{model=%s ble=%s classic=%s protocol=%s}",
		d.MetadataID, d.BLEAddress, d.ClassicAddress(), d.Protocol)
}

// LogValue renders the device as a group read at log time, so the classic
// address shows up once the handshake learns it.
func (d *Device) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("model", d.MetadataID),
		slog.String("ble", d.BLEAddress),
		slog.String("classic", d.ClassicAddress()),
		slog.String("protocol", d.Protocol.String()),
	)
}

// NormalizeAddress upper-cases a colon separated Bluetooth address.
func NormalizeAddress(addr string) string {
	return strings.ToUpper(strings.TrimSpace(addr))
}

// FormatAddress renders 6 address bytes, most significant first.
func FormatAddress(b [6]byte) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", b[0], b[1], b[2], b[3], b[4], b[5])
}

// ParseAddress parses "AA:BB:CC:DD:EE:FF" into bytes, most significant first.
func ParseAddress(s string) ([6]byte, error) {
	var out [6]byte
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 6 {
		return out, fmt.Errorf("fastpair: invalid address %q", s)
	}
	for i, p := range parts {
		if len(p) != 2 {
			return out, fmt.Errorf("fastpair: invalid address %q", s)
		}
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return out, fmt.Errorf("fastpair: invalid address %q", s)
		}
		out[i] = byte(v)
	}
	return out, nil
}
