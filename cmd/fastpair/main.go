package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/chaz8081/fastpair/internal/config"
	"github.com/chaz8081/fastpair/internal/fastpair/repository"
	"github.com/chaz8081/fastpair/internal/prefs"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "fastpair",
		Short:         "Pair Fast Pair Bluetooth accessories from Linux",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: ~/.config/fastpair/config.yaml)")

	root.AddCommand(pairCmd())
	root.AddCommand(scanCmd())
	root.AddCommand(devicesCmd())
	root.AddCommand(optInCmd())
	root.AddCommand(modelsCmd())
	root.AddCommand(initCmd())

	if err := root.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

// setup loads and validates the config and installs the default logger.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("config validation: %w", err)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(log)
	return cfg, log, nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	return config.Default(), nil
}

// openStores opens the saved device store and the preference file under
// the configured data dir.
func openStores(cfg *config.Config, log *slog.Logger) (*repository.Repository, *prefs.File, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating data dir: %w", err)
	}

	secret, err := repository.LoadSecret()
	if err != nil {
		return nil, nil, err
	}
	local, err := repository.NewLocal(cfg.SavedDevicesPath(), secret)
	if err != nil {
		return nil, nil, err
	}
	var remote repository.Remote
	if cfg.Remote.Endpoint != "" {
		remote = repository.NewHTTPRemote(cfg.Remote.Endpoint, cfg.Remote.Timeout)
	}

	store, err := prefs.Open(cfg.PrefsPath())
	if err != nil {
		return nil, nil, err
	}
	return repository.New(local, remote, log), store, nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.WriteDefault()
			if err != nil {
				return err
			}
			if path == "" {
				pterm.Info.Printfln("Config already exists at %s", config.DefaultConfigPath())
				return nil
			}
			pterm.Success.Printfln("Wrote %s", path)
			return nil
		},
	}
}
