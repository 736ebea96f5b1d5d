// Package models fetches Fast Pair device model metadata (display name and
// anti-spoofing public key) and caches it under the data dir.
package models

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/chaz8081/fastpair/internal/fastpair/crypto"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrUnknownModel is returned when the metadata service has no such model.
var ErrUnknownModel = errors.New("models: unknown model id")

// maxMetadataSize bounds a metadata response body.
const maxMetadataSize = 64 << 10

// Metadata describes one device model.
type Metadata struct {
	ModelID string `json:"model_id"`
	Name    string `json:"name"`
	// AntiSpoofingKey is the base64 raw P-256 public key.
	AntiSpoofingKey string    `json:"anti_spoofing_key"`
	FetchedAt       time.Time `json:"fetched_at"`
}

// validate checks that the anti-spoofing key decodes to a usable key.
func (m Metadata) validate() error {
	if m.ModelID == "" {
		return errors.New("models: metadata has no model id")
	}
	raw, err := base64.StdEncoding.DecodeString(m.AntiSpoofingKey)
	if err != nil {
		return fmt.Errorf("models: %s: decoding anti-spoofing key: %w", m.ModelID, err)
	}
	if _, err := crypto.ParsePublicKey(raw); err != nil {
		return fmt.Errorf("models: %s: %w", m.ModelID, err)
	}
	return nil
}

// Fetcher resolves model ids against a metadata endpoint, consulting the
// cache dir first. Responses are fetched from <endpoint>/<MODEL ID>.
type Fetcher struct {
	endpoint string
	cacheDir string
	client   *http.Client
}

// NewFetcher creates a fetcher. An empty endpoint makes it cache-only.
// A zero timeout means 10s.
func NewFetcher(endpoint, cacheDir string, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Fetcher{
		endpoint: strings.TrimRight(endpoint, "/"),
		cacheDir: cacheDir,
		client:   &http.Client{Timeout: timeout},
	}
}

// Get returns metadata for modelID from the cache, fetching and caching it
// on a miss. A cached copy that no longer parses is fetched again.
func (f *Fetcher) Get(ctx context.Context, modelID string) (Metadata, error) {
	id, err := checkID(modelID)
	if err != nil {
		return Metadata{}, err
	}
	m, cacheErr := f.cached(id)
	if cacheErr == nil {
		return m, nil
	}
	if errors.Is(cacheErr, os.ErrNotExist) {
		return f.Refresh(ctx, id)
	}

	slog.Warn("[Models] discarding unreadable cache entry", "model", id, "error", cacheErr)
	m, err = f.Refresh(ctx, id)
	if err != nil {
		return Metadata{}, errors.Join(cacheErr, err)
	}
	return m, nil
}

// Cached returns metadata for modelID without touching the network.
func (f *Fetcher) Cached(modelID string) (Metadata, error) {
	id, err := checkID(modelID)
	if err != nil {
		return Metadata{}, err
	}
	return f.cached(id)
}

// Refresh fetches modelID from the endpoint and replaces the cached copy.
func (f *Fetcher) Refresh(ctx context.Context, modelID string) (Metadata, error) {
	id, err := checkID(modelID)
	if err != nil {
		return Metadata{}, err
	}
	if f.endpoint == "" {
		return Metadata{}, fmt.Errorf("%w: %s (no metadata endpoint configured)", ErrUnknownModel, id)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint+"/"+url.PathEscape(id), nil)
	if err != nil {
		return Metadata{}, fmt.Errorf("models: building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return Metadata{}, fmt.Errorf("models: fetching %s: %w", id, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Metadata{}, fmt.Errorf("%w: %s", ErrUnknownModel, id)
	case resp.StatusCode != http.StatusOK:
		return Metadata{}, fmt.Errorf("models: fetching %s: HTTP %d", id, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return Metadata{}, fmt.Errorf("models: reading %s: %w", id, err)
	}
	var m Metadata
	if err := json.Unmarshal(body, &m); err != nil {
		return Metadata{}, fmt.Errorf("models: parsing %s: %w", id, err)
	}
	if m.ModelID == "" {
		m.ModelID = id
	}
	m.ModelID = normalizeID(m.ModelID)
	if m.ModelID != id {
		return Metadata{}, fmt.Errorf("models: asked for %s, got %s", id, m.ModelID)
	}
	if err := m.validate(); err != nil {
		return Metadata{}, err
	}
	m.FetchedAt = time.Now().UTC()

	if err := f.store(m); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

// List returns every readable cached model ordered by id.
func (f *Fetcher) List() ([]Metadata, error) {
	entries, err := os.ReadDir(f.cacheDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("models: reading cache: %w", err)
	}

	var out []Metadata
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		m, err := f.cached(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			slog.Warn("[Models] skipping unreadable cache entry", "file", e.Name(), "error", err)
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out, nil
}

// Keys returns the cached anti-spoofing keys keyed by model id, merged
// with extra. Entries in extra win.
func (f *Fetcher) Keys(extra map[string]string) (map[string]string, error) {
	cached, err := f.List()
	if err != nil {
		return nil, err
	}
	keys := make(map[string]string, len(cached)+len(extra))
	for _, m := range cached {
		keys[m.ModelID] = m.AntiSpoofingKey
	}
	for id, k := range extra {
		keys[normalizeID(id)] = k
	}
	return keys, nil
}

func (f *Fetcher) path(id string) string {
	return filepath.Join(f.cacheDir, id+".json")
}

func (f *Fetcher) cached(id string) (Metadata, error) {
	data, err := os.ReadFile(f.path(id))
	if err != nil {
		return Metadata{}, err
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return Metadata{}, fmt.Errorf("models: parsing cached %s: %w", id, err)
	}
	if err := m.validate(); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

// store writes to a temp file first, then renames.
func (f *Fetcher) store(m Metadata) error {
	if err := os.MkdirAll(f.cacheDir, 0755); err != nil {
		return fmt.Errorf("models: creating cache dir: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("models: encoding %s: %w", m.ModelID, err)
	}

	destPath := f.path(m.ModelID)
	tmpPath := destPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("models: writing %s: %w", m.ModelID, err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("models: moving %s: %w", m.ModelID, err)
	}
	return nil
}

// checkID normalizes a model id and rejects anything that is not hex.
func checkID(id string) (string, error) {
	norm := normalizeID(id)
	if _, err := hex.DecodeString(norm); err != nil || norm == "" {
		return "", fmt.Errorf("models: invalid model id %q", id)
	}
	return norm, nil
}

func normalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}
