package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/chaz8081/fastpair/internal/ble"
	"github.com/chaz8081/fastpair/internal/bluez"
	"github.com/chaz8081/fastpair/internal/config"
	"github.com/chaz8081/fastpair/internal/fastpair"
	"github.com/chaz8081/fastpair/internal/fastpair/gatt"
	"github.com/chaz8081/fastpair/internal/fastpair/handshake"
	"github.com/chaz8081/fastpair/internal/fastpair/pairer"
	"github.com/chaz8081/fastpair/internal/metrics"
	"github.com/chaz8081/fastpair/internal/sequence"
)

type pairFlags struct {
	model    string
	protocol string
	classic  string
	name     string
	v1       bool
}

func pairCmd() *cobra.Command {
	var f pairFlags
	cmd := &cobra.Command{
		Use:   "pair <ble-address>",
		Short: "Pair a Fast Pair provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPair(args[0], f)
		},
	}
	cmd.Flags().StringVar(&f.model, "model", "", "hex model id of the provider")
	cmd.Flags().StringVar(&f.protocol, "protocol", "initial", "initial, subsequent or retroactive")
	cmd.Flags().StringVar(&f.classic, "classic", "", "classic (BR/EDR) address, if already known")
	cmd.Flags().StringVar(&f.name, "name", "", "display name to save with the device")
	cmd.Flags().BoolVar(&f.v1, "v1", false, "provider has no GATT service; use the system pairing dialog")
	return cmd
}

// pairResult is the terminal outcome of one attempt.
type pairResult struct {
	failure    *fastpair.PairFailure
	keyFailure *fastpair.AccountKeyFailure
}

func runPair(bleAddr string, f pairFlags) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	if _, err := fastpair.ParseAddress(bleAddr); err != nil {
		return err
	}
	protocol, err := fastpair.ParseProtocol(f.protocol)
	if err != nil {
		return err
	}
	if f.model == "" && !f.v1 {
		return errors.New("--model is required")
	}

	repo, optIn, err := openStores(cfg, log)
	if err != nil {
		return err
	}

	dev := fastpair.NewDevice(f.model, bleAddr, protocol)
	dev.Name = f.name
	if f.classic != "" {
		dev.SetClassicAddress(f.classic)
	}
	if f.v1 {
		dev.SetVersion(fastpair.VersionV1)
	}
	if protocol == fastpair.ProtocolSubsequent {
		if f.classic == "" {
			return errors.New("--classic is required to find the saved account key")
		}
		saved, err := repo.Local().Get(f.classic)
		if err != nil {
			return err
		}
		dev.SetAccountKey(saved.AccountKey)
		if dev.Name == "" {
			dev.Name = saved.Name
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mem := metrics.NewMemory()
	var recorder metrics.Recorder = mem
	if cfg.Metrics.OTel {
		mp, err := metrics.NewMeterProvider(ctx, metrics.ExportConfig{
			Endpoint: cfg.Metrics.Endpoint,
			Protocol: cfg.Metrics.Protocol,
			Insecure: cfg.Metrics.Insecure,
			Interval: cfg.Metrics.Interval,
		})
		if err != nil {
			return err
		}
		otel.SetMeterProvider(mp)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mp.Shutdown(shutdownCtx); err != nil {
				log.Warn("[FastPair] flushing metrics failed", "error", err)
			}
		}()
		recorder = metrics.Multi{mem, metrics.NewOTel(otel.Meter("fastpair"))}
		log.Info("[FastPair] exporting metrics", "endpoint", cfg.Metrics.Endpoint, "protocol", cfg.Metrics.Protocol)
	}

	osAdapter, err := bluez.Open(ctx, cfg.BlueZ.Adapter, log)
	if err != nil {
		return err
	}
	defer osAdapter.Close()
	osAdapter.SetPrompt(func(address string, passkey uint32) bool {
		ok, err := pterm.DefaultInteractiveConfirm.Show(fmt.Sprintf("Does %s show passkey %06d?", address, passkey))
		return err == nil && ok
	})

	lookup := handshake.NewLookup(log)
	defer lookup.Clear()
	if !f.v1 {
		keys, err := modelKeys(ctx, cfg, dev)
		if err != nil {
			return err
		}
		gattAdapter := ble.NewTinyGoAdapter()
		if err := gattAdapter.Enable(); err != nil {
			return fmt.Errorf("ble: enable adapter: %w", err)
		}
		opts := gatt.DefaultOptions()
		opts.ConnectAttempts = cfg.Pairing.GattConnectAttempts
		opts.ResponseTimeout = cfg.Pairing.GattResponseTimeout
		lookup.Create(ctx, dev, &handshake.KeyBasedPairing{
			Adapter: gattAdapter,
			Keys:    keys,
			Options: opts,
			Log:     log,
		})
	}

	runner := sequence.NewSerial()
	defer runner.Stop()

	results := make(chan pairResult, 1)
	spinner, err := pterm.DefaultSpinner.Start(fmt.Sprintf("Pairing %s (%s)", dev.BLEAddress, protocol))
	if err != nil {
		return err
	}
	start := time.Now()
	p := pairer.New(dev, pairer.Deps{
		Adapter:    osAdapter,
		Handshakes: lookup,
		Repository: repo,
		OptIn:      optIn,
		Metrics:    recorder,
		Runner:     runner,
		Log:        log,
	}, pairer.Options{
		Features: pairer.Features{
			SavedDevices: cfg.Features.SavedDevices,
			StrictOptIn:  cfg.Features.SavedDevicesStrictOptIn,
		},
		Session: cfg.Session,
		Timeout: cfg.Pairing.Timeout,
	}, pairer.Callbacks{
		Paired: func(*fastpair.Device) {
			spinner.UpdateText("Bonded, writing account key")
		},
		PairFailed: func(_ *fastpair.Device, failure fastpair.PairFailure) {
			results <- pairResult{failure: &failure}
		},
		AccountKeyFailure: func(_ *fastpair.Device, failure fastpair.AccountKeyFailure) {
			results <- pairResult{keyFailure: &failure}
		},
		PairingProcedureComplete: func(*fastpair.Device) {
			results <- pairResult{}
		},
	})
	defer p.Close()

	var res pairResult
	select {
	case res = <-results:
	case <-ctx.Done():
		spinner.Warning("Interrupted")
		p.Close()
		printMetrics(mem)
		return ctx.Err()
	}

	elapsed := time.Since(start).Round(time.Millisecond)
	var outcome error
	switch {
	case res.failure != nil:
		spinner.Fail(fmt.Sprintf("Pairing failed: %s (%s)", res.failure.String(), elapsed))
		outcome = fmt.Errorf("pairing failed: %s", res.failure.String())
	case res.keyFailure != nil:
		spinner.Warning(fmt.Sprintf("Bonded, but the account key was not written: %s (%s)", res.keyFailure.String(), elapsed))
	default:
		spinner.Success(fmt.Sprintf("Paired %s in %s", dev, elapsed))
	}
	printMetrics(mem)
	return outcome
}

// modelKeys merges configured and cached anti-spoofing keys. The metadata
// service is only asked when neither has a key for dev's model.
func modelKeys(ctx context.Context, cfg *config.Config, dev *fastpair.Device) (handshake.ModelKeys, error) {
	f := fetcher(cfg)
	merged, err := f.Keys(cfg.Models)
	if err != nil {
		return nil, err
	}

	id := strings.ToUpper(strings.TrimSpace(dev.MetadataID))
	if _, ok := merged[id]; ok {
		if dev.Name == "" {
			if meta, err := f.Cached(id); err == nil {
				dev.Name = meta.Name
			}
		}
		return handshake.ParseModelKeys(merged)
	}

	meta, err := f.Get(ctx, dev.MetadataID)
	if err != nil {
		return nil, err
	}
	if dev.Name == "" {
		dev.Name = meta.Name
	}
	merged[meta.ModelID] = meta.AntiSpoofingKey
	return handshake.ParseModelKeys(merged)
}

func printMetrics(mem *metrics.Memory) {
	samples := mem.Snapshot()
	if len(samples) == 0 {
		return
	}
	rows := pterm.TableData{{"Metric", "Samples"}}
	for _, s := range samples {
		rows = append(rows, []string{s.Name, fmt.Sprintf("%d", s.Count)})
	}
	pterm.Println()
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}
