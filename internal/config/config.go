package config

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/fastpair/internal/fastpair"
)

// Config holds all application configuration.
type Config struct {
	LogLevel string               `yaml:"log_level"`
	DataDir  string               `yaml:"data_dir"`
	Features FeaturesConfig       `yaml:"features"`
	Session  fastpair.SessionInfo `yaml:"session"`
	Pairing  PairingConfig        `yaml:"pairing"`
	Remote   RemoteConfig         `yaml:"remote"`
	Metadata MetadataConfig       `yaml:"metadata"`
	// Models maps a hex model id to its base64 anti-spoofing public key.
	// Entries here take precedence over fetched metadata.
	Models  map[string]string `yaml:"models"`
	BlueZ   BlueZConfig       `yaml:"bluez"`
	Metrics MetricsConfig     `yaml:"metrics"`
}

// FeaturesConfig toggles the saved devices behaviour.
type FeaturesConfig struct {
	SavedDevices            bool `yaml:"saved_devices"`
	SavedDevicesStrictOptIn bool `yaml:"saved_devices_strict_opt_in"`
}

// PairingConfig holds pairing and GATT timing.
type PairingConfig struct {
	Timeout             time.Duration `yaml:"timeout"`
	GattResponseTimeout time.Duration `yaml:"gatt_response_timeout"`
	GattConnectAttempts int           `yaml:"gatt_connect_attempts"`
}

// RemoteConfig points at the account association service. An empty
// endpoint keeps saved devices local.
type RemoteConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// MetadataConfig points at the device model metadata service. An empty
// endpoint limits pairing to models listed under models or already cached.
type MetadataConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// BlueZConfig selects the local adapter.
type BlueZConfig struct {
	Adapter string `yaml:"adapter"`
}

// MetricsConfig enables OTLP metric export.
type MetricsConfig struct {
	OTel     bool          `yaml:"otel"`
	Endpoint string        `yaml:"endpoint"` // host:port of the OTLP collector
	Protocol string        `yaml:"protocol"` // "grpc" or "http"
	Insecure bool          `yaml:"insecure"`
	Interval time.Duration `yaml:"interval"`
}

const defaultHeader = "# fastpair configuration\n# See README for the meaning of each field.\n\n"

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "fastpair")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		LogLevel: "info",
		DataDir:  filepath.Join(home, ".local", "share", "fastpair"),
		Features: FeaturesConfig{
			SavedDevices: true,
		},
		Session: fastpair.SessionInfo{
			LoggedIn: true,
		},
		Pairing: PairingConfig{
			Timeout:             60 * time.Second,
			GattResponseTimeout: 15 * time.Second,
			GattConnectAttempts: 3,
		},
		Remote: RemoteConfig{
			Timeout: 10 * time.Second,
		},
		Metadata: MetadataConfig{
			Timeout: 10 * time.Second,
		},
		Models: map[string]string{},
		BlueZ: BlueZConfig{
			Adapter: "hci0",
		},
		Metrics: MetricsConfig{
			Protocol: "grpc",
			Interval: 30 * time.Second,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in data_dir is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.DataDir = expandTilde(cfg.DataDir)

	return cfg, nil
}

// WriteDefault writes the default config to DefaultConfigPath. It returns
// ("", nil) without touching anything when the file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}

	if c.Pairing.Timeout < 0 {
		return fmt.Errorf("pairing.timeout must not be negative")
	}
	if c.Pairing.GattResponseTimeout <= 0 {
		return fmt.Errorf("pairing.gatt_response_timeout must be > 0")
	}
	if c.Pairing.GattConnectAttempts <= 0 {
		return fmt.Errorf("pairing.gatt_connect_attempts must be > 0")
	}

	if err := validateEndpoint("remote", c.Remote.Endpoint, c.Remote.Timeout); err != nil {
		return err
	}
	if err := validateEndpoint("metadata", c.Metadata.Endpoint, c.Metadata.Timeout); err != nil {
		return err
	}

	for id, key := range c.Models {
		if id == "" {
			return fmt.Errorf("models: empty model id")
		}
		if _, err := base64.StdEncoding.DecodeString(key); err != nil {
			return fmt.Errorf("models.%s: anti-spoofing key is not base64: %w", id, err)
		}
	}

	if c.BlueZ.Adapter == "" {
		return fmt.Errorf("bluez.adapter must not be empty")
	}

	if c.Metrics.OTel {
		if c.Metrics.Endpoint == "" {
			return fmt.Errorf("metrics.endpoint is required when metrics.otel is set")
		}
		switch c.Metrics.Protocol {
		case "grpc", "http":
		default:
			return fmt.Errorf("metrics.protocol must be grpc or http, got %q", c.Metrics.Protocol)
		}
		if c.Metrics.Interval <= 0 {
			return fmt.Errorf("metrics.interval must be > 0")
		}
	}

	return nil
}

func validateEndpoint(section, endpoint string, timeout time.Duration) error {
	if endpoint == "" {
		return nil
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return fmt.Errorf("%s.endpoint must be an http or https URL, got %q", section, endpoint)
	}
	if timeout <= 0 {
		return fmt.Errorf("%s.timeout must be > 0", section)
	}
	return nil
}

// SavedDevicesPath is the encrypted saved device store.
func (c *Config) SavedDevicesPath() string {
	return filepath.Join(c.DataDir, "devices.json")
}

// ModelCacheDir holds fetched device model metadata.
func (c *Config) ModelCacheDir() string {
	return filepath.Join(c.DataDir, "models")
}

// PrefsPath is the user preference file.
func (c *Config) PrefsPath() string {
	return filepath.Join(c.DataDir, "prefs.yaml")
}

// ParseLogLevel maps a log_level value to a slog.Level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
