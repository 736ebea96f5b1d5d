package main

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/chaz8081/fastpair/internal/fastpair"
)

func optInCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "optin",
		Short: "Show or change the Saved Devices opt-in status",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the current opt-in status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			_, store, err := openStores(cfg, log)
			if err != nil {
				return err
			}
			pterm.Info.Printfln("Saved Devices opt-in: %s", store.OptInStatus())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:       "set <opted-in|opted-out|unknown>",
		Short:     "Change the opt-in status",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"opted-in", "opted-out", "unknown"},
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := fastpair.ParseOptInStatus(args[0])
			if err != nil {
				return err
			}
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			_, store, err := openStores(cfg, log)
			if err != nil {
				return err
			}
			if err := store.SetOptInStatus(status); err != nil {
				return err
			}
			pterm.Success.Printfln("Saved Devices opt-in set to %s", status)
			return nil
		},
	})

	return cmd
}
