package main

import (
	"context"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/chaz8081/fastpair/internal/config"
	"github.com/chaz8081/fastpair/internal/models"
)

func modelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Manage cached device model metadata (fetch, list)",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "fetch <model-id>",
		Short: "Fetch metadata for a model and cache it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Metadata.Timeout+time.Second)
			defer cancel()

			m, err := fetcher(cfg).Refresh(ctx, args[0])
			if err != nil {
				return err
			}
			pterm.Success.Printfln("Cached %s (%s)", m.ModelID, m.Name)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List cached models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			list, err := fetcher(cfg).List()
			if err != nil {
				return err
			}
			if len(list) == 0 {
				pterm.Info.Println("No cached models")
				return nil
			}
			rows := pterm.TableData{{"Model", "Name", "Fetched"}}
			for _, m := range list {
				rows = append(rows, []string{m.ModelID, m.Name, m.FetchedAt.Local().Format(time.DateTime)})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
		},
	})

	return cmd
}

func fetcher(cfg *config.Config) *models.Fetcher {
	return models.NewFetcher(cfg.Metadata.Endpoint, cfg.ModelCacheDir(), cfg.Metadata.Timeout)
}
