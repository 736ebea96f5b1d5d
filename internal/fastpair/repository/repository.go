package repository

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chaz8081/fastpair/internal/fastpair"
)

// Repository writes account key associations. Remote may be nil, in which
// case associations are only kept locally.
type Repository struct {
	local  *Local
	remote Remote
	log    *slog.Logger
}

// New creates a repository.
func New(local *Local, remote Remote, log *slog.Logger) *Repository {
	if log == nil {
		log = slog.Default()
	}
	return &Repository{local: local, remote: remote, log: log}
}

// Local returns the local store.
func (r *Repository) Local() *Local { return r.local }

// WriteAccountAssociation saves the association locally and uploads it to
// the user's Saved Devices.
func (r *Repository) WriteAccountAssociation(ctx context.Context, dev *fastpair.Device, key fastpair.AccountKey) error {
	d := savedDevice(dev, key)
	if err := r.local.Save(d); err != nil {
		return err
	}
	if r.remote == nil {
		r.log.Debug("[FastPair] no remote repository configured", "device", dev)
		return nil
	}
	if err := r.remote.Upload(ctx, d); err != nil {
		return fmt.Errorf("repository: write association for %s: %w", d.ClassicAddress, err)
	}
	r.log.Info("[FastPair] account key uploaded", "device", dev)
	return nil
}

// WriteLocalAssociation saves the association locally only.
func (r *Repository) WriteLocalAssociation(dev *fastpair.Device, key fastpair.AccountKey) error {
	return r.local.Save(savedDevice(dev, key))
}

func savedDevice(dev *fastpair.Device, key fastpair.AccountKey) SavedDevice {
	return SavedDevice{
		ClassicAddress: dev.ClassicAddress(),
		BLEAddress:     dev.BLEAddress,
		ModelID:        dev.MetadataID,
		Name:           dev.Name,
		AccountKey:     key,
	}
}
