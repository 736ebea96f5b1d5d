// Package prefs stores per-user Fast Pair preferences.
package prefs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/fastpair/internal/fastpair"
)

// Store reads and writes the Saved Devices opt-in status.
type Store interface {
	OptInStatus() fastpair.OptInStatus
	SetOptInStatus(status fastpair.OptInStatus) error
}

type document struct {
	SavedDevicesOptIn fastpair.OptInStatus `yaml:"saved_devices_opt_in"`
}

// File is a YAML-backed Store.
type File struct {
	path string

	mu  sync.RWMutex
	doc document
}

// Open loads preferences from path. A missing file yields defaults; the
// file is created on the first write.
func Open(path string) (*File, error) {
	f := &File{path: path}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("prefs: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &f.doc); err != nil {
		return nil, fmt.Errorf("prefs: parsing %s: %w", path, err)
	}
	return f, nil
}

func (f *File) OptInStatus() fastpair.OptInStatus {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.doc.SavedDevicesOptIn
}

func (f *File) SetOptInStatus(status fastpair.OptInStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := f.doc
	next.SavedDevicesOptIn = status
	if err := f.write(next); err != nil {
		return err
	}
	f.doc = next
	return nil
}

func (f *File) write(doc document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("prefs: encoding: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("prefs: creating directory: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("prefs: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("prefs: replacing %s: %w", f.path, err)
	}
	return nil
}

// Memory is an in-memory Store.
type Memory struct {
	mu     sync.Mutex
	status fastpair.OptInStatus
	// Err, when set, is returned by SetOptInStatus and the status is left unchanged.
	Err error
}

// NewMemory returns a Store holding status.
func NewMemory(status fastpair.OptInStatus) *Memory {
	return &Memory{status: status}
}

func (m *Memory) OptInStatus() fastpair.OptInStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Memory) SetOptInStatus(status fastpair.OptInStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.status = status
	return nil
}

var (
	_ Store = (*File)(nil)
	_ Store = (*Memory)(nil)
)
