package main

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/chaz8081/fastpair/internal/ble"
)

func scanCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List nearby devices advertising the Fast Pair service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := setup(); err != nil {
				return err
			}

			spinner, err := pterm.DefaultSpinner.Start(fmt.Sprintf("Scanning for %s", timeout))
			if err != nil {
				return err
			}
			devices, err := ble.ScanForProviders(ble.NewTinyGoAdapter(), timeout)
			if err != nil {
				spinner.Fail(err.Error())
				return err
			}
			spinner.Success(fmt.Sprintf("Found %d provider(s)", len(devices)))
			if len(devices) == 0 {
				return nil
			}

			rows := pterm.TableData{{"Address", "Name", "RSSI"}}
			for _, d := range devices {
				rows = append(rows, []string{d.MAC, d.Name, fmt.Sprintf("%d", d.RSSI)})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to scan")
	return cmd
}
