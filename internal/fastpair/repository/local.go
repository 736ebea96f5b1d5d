// Package repository persists account key associations: locally in an
// encrypted file and remotely in the user's Saved Devices list.
package repository

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/chaz8081/fastpair/internal/fastpair"
	"github.com/chaz8081/fastpair/internal/fastpair/crypto"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound is returned when no device is saved under an address.
var ErrNotFound = errors.New("repository: device not found")

const storageKeyInfo = "fastpair saved devices v1"

// SavedDevice is one device with the account key written to it.
type SavedDevice struct {
	ClassicAddress string
	BLEAddress     string
	ModelID        string
	Name           string
	AccountKey     fastpair.AccountKey
	SavedAt        time.Time
}

type record struct {
	BLEAddress string    `json:"ble_address,omitempty"`
	ModelID    string    `json:"model_id"`
	Name       string    `json:"name,omitempty"`
	SealedKey  []byte    `json:"sealed_key"`
	SavedAt    time.Time `json:"saved_at"`
}

type file struct {
	Devices map[string]record `json:"devices"`
}

// Local is a JSON file of saved devices keyed by classic address. Account
// keys are sealed with a key derived from a master secret.
type Local struct {
	path string
	key  []byte

	lock sync.RWMutex
}

// NewLocal opens the store at path. The file is created on the first save.
func NewLocal(path string, secret []byte) (*Local, error) {
	key, err := crypto.DeriveStorageKey(secret, storageKeyInfo)
	if err != nil {
		return nil, fmt.Errorf("repository: deriving storage key: %w", err)
	}
	return &Local{path: path, key: key}, nil
}

// Save stores or replaces the entry for d.ClassicAddress.
func (l *Local) Save(d SavedDevice) error {
	addr := fastpair.NormalizeAddress(d.ClassicAddress)
	if addr == "" {
		return errors.New("repository: save: empty classic address")
	}
	sealed, err := crypto.Seal(l.key, d.AccountKey[:])
	if err != nil {
		return fmt.Errorf("repository: sealing account key: %w", err)
	}
	if d.SavedAt.IsZero() {
		d.SavedAt = time.Now()
	}

	l.lock.Lock()
	defer l.lock.Unlock()
	f, err := l.load()
	if err != nil {
		return err
	}
	f.Devices[addr] = record{
		BLEAddress: d.BLEAddress,
		ModelID:    d.ModelID,
		Name:       d.Name,
		SealedKey:  sealed,
		SavedAt:    d.SavedAt.UTC(),
	}
	return l.store(f)
}

// Get returns the device saved under classicAddr.
func (l *Local) Get(classicAddr string) (SavedDevice, error) {
	addr := fastpair.NormalizeAddress(classicAddr)

	l.lock.RLock()
	defer l.lock.RUnlock()
	f, err := l.load()
	if err != nil {
		return SavedDevice{}, err
	}
	r, ok := f.Devices[addr]
	if !ok {
		return SavedDevice{}, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	return l.unseal(addr, r)
}

// List returns every saved device ordered by classic address.
func (l *Local) List() ([]SavedDevice, error) {
	l.lock.RLock()
	defer l.lock.RUnlock()
	f, err := l.load()
	if err != nil {
		return nil, err
	}
	out := make([]SavedDevice, 0, len(f.Devices))
	for addr, r := range f.Devices {
		d, err := l.unseal(addr, r)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClassicAddress < out[j].ClassicAddress })
	return out, nil
}

// Delete removes the device saved under classicAddr.
func (l *Local) Delete(classicAddr string) error {
	addr := fastpair.NormalizeAddress(classicAddr)

	l.lock.Lock()
	defer l.lock.Unlock()
	f, err := l.load()
	if err != nil {
		return err
	}
	if _, ok := f.Devices[addr]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	delete(f.Devices, addr)
	return l.store(f)
}

// Clear removes every saved device.
func (l *Local) Clear() error {
	l.lock.Lock()
	defer l.lock.Unlock()
	err := os.Remove(l.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("repository: clear: %w", err)
	}
	return nil
}

func (l *Local) unseal(addr string, r record) (SavedDevice, error) {
	plain, err := crypto.Open(l.key, r.SealedKey)
	if err != nil {
		return SavedDevice{}, fmt.Errorf("repository: opening account key for %s: %w", addr, err)
	}
	if len(plain) != len(fastpair.AccountKey{}) {
		return SavedDevice{}, fmt.Errorf("repository: account key for %s has %d bytes", addr, len(plain))
	}
	return SavedDevice{
		ClassicAddress: addr,
		BLEAddress:     r.BLEAddress,
		ModelID:        r.ModelID,
		Name:           r.Name,
		AccountKey:     fastpair.AccountKey(plain),
		SavedAt:        r.SavedAt,
	}, nil
}

func (l *Local) load() (*file, error) {
	f := &file{Devices: make(map[string]record)}
	in, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: reading %s: %w", l.path, err)
	}
	if err := json.Unmarshal(in, f); err != nil {
		return nil, fmt.Errorf("repository: parsing %s: %w", l.path, err)
	}
	if f.Devices == nil {
		f.Devices = make(map[string]record)
	}
	return f, nil
}

func (l *Local) store(f *file) error {
	out, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("repository: encoding: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return fmt.Errorf("repository: creating directory: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("repository: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("repository: replacing %s: %w", l.path, err)
	}
	return nil
}
