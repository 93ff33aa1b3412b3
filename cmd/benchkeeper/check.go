package main

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/benchkeeper/pkg/config"
	"github.com/ethpandaops/benchkeeper/pkg/report"
	"github.com/ethpandaops/benchkeeper/pkg/storage"
)

var checkStrict bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Load the store and report its contents and any undecodable entries",
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().BoolVar(&checkStrict, "strict", false,
		"exit non-zero when any entry could not be decoded")
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	return executeCheck(ctx, log, cfg, checkStrict, cmd.OutOrStdout())
}

func executeCheck(
	ctx context.Context,
	log logrus.FieldLogger,
	cfg *config.Config,
	strict bool,
	out io.Writer,
) error {
	backend, err := storage.New(log, &cfg.Store)
	if err != nil {
		return fmt.Errorf("creating store backend: %w", err)
	}

	loaded, err := loadStore(ctx, backend)
	if err != nil {
		return err
	}

	if loaded == nil {
		_, err := fmt.Fprintf(out, "No store at %s\n", backend.Location())

		return err
	}

	for _, d := range loaded.Skipped {
		log.WithFields(logrus.Fields{
			"tool":  d.Tool,
			"index": d.Index,
		}).WithError(d.Err).Warn("Undecodable store entry")
	}

	if _, err := fmt.Fprintf(out, "Store %s (%s)\n", backend.Location(), loaded.Format); err != nil {
		return err
	}

	if err := report.StoreTable(out, loaded); err != nil {
		return err
	}

	if strict && loaded.SkippedCount() > 0 {
		return fmt.Errorf("%d store entries could not be decoded", loaded.SkippedCount())
	}

	return nil
}
