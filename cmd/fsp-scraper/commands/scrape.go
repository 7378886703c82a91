package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maltedev/fsp-price-scraper/internal/models"
	"github.com/maltedev/fsp-price-scraper/internal/storage"
)

var scrapeInput string

func init() {
	scrapeCmd.Flags().StringVarP(&scrapeInput, "input", "i", "", "UPC list (.json, .txt or .csv); overrides input.path.")
	rootCmd.AddCommand(scrapeCmd)
}

var scrapeCmd = &cobra.Command{
	Use:   "scrape [--input <upc_list.json>]",
	Short: "Resolves every UPC in the input list and appends the prices to the configured outputs.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		if scrapeInput != "" {
			cfg.Input.Path = scrapeInput
		}

		upcs, err := storage.LoadUPCs(cfg.Input.Path)
		if err != nil {
			return err
		}
		logger.Info("upc list loaded", "path", cfg.Input.Path, "count", len(upcs))

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		records, runErr := a.service.RunWithProgress(ctx, upcs, func(done, total int, r *models.PriceRecord) {
			logger.Info("progress", "done", done, "total", total, "upc", r.UPC, "status", r.Status)
		})

		// Partial results of an interrupted run are still written, and an
		// empty list still leaves a header-only CSV.
		if err := storage.Flush(ctx, a.sink, records); err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("failed to write results: %w", err))
		}

		summary := models.Summary(records)
		logger.Info("scrape finished",
			"records", len(records),
			"ok", summary[models.StatusOK],
			"not_found", summary[models.StatusNotFound],
			"errors", summary[models.StatusError],
			"output", cfg.Output.Path)

		return runErr
	},
}
