package main

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Manage saved devices (list, forget, clear)",
	}

	cmd.AddCommand(devicesListCmd())
	cmd.AddCommand(devicesForgetCmd())
	cmd.AddCommand(devicesClearCmd())

	return cmd
}

func devicesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			repo, _, err := openStores(cfg, log)
			if err != nil {
				return err
			}

			devices, err := repo.Local().List()
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				pterm.Info.Println("No saved devices")
				return nil
			}

			rows := pterm.TableData{{"Classic address", "BLE address", "Model", "Name", "Saved"}}
			for _, d := range devices {
				name := d.Name
				if name == "" {
					name = "-"
				}
				rows = append(rows, []string{
					d.ClassicAddress,
					d.BLEAddress,
					d.ModelID,
					name,
					d.SavedAt.Local().Format(time.DateTime),
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
		},
	}
}

func devicesForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <classic-address>",
		Short: "Remove one saved device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			repo, _, err := openStores(cfg, log)
			if err != nil {
				return err
			}
			if err := repo.Local().Delete(args[0]); err != nil {
				return err
			}
			pterm.Success.Printfln("Device %s forgotten", args[0])
			return nil
		},
	}
}

func devicesClearCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every saved device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			if !yes {
				ok, err := pterm.DefaultInteractiveConfirm.Show("Remove every saved device?")
				if err != nil {
					return fmt.Errorf("confirm: %w", err)
				}
				if !ok {
					pterm.Info.Println("Cancelled")
					return nil
				}
			}
			repo, _, err := openStores(cfg, log)
			if err != nil {
				return err
			}
			if err := repo.Local().Clear(); err != nil {
				return err
			}
			pterm.Success.Println("Saved devices cleared")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}
