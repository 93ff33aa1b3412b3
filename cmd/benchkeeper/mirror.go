package main

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/benchkeeper/pkg/config"
	"github.com/ethpandaops/benchkeeper/pkg/storage"
)

var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Copy every point of the store into the SQL mirror",
	Long: `Load the store and insert all of its points into the configured mirror
database. Points already mirrored are left alone, so the command can be
re-run at any time to repair a mirror that missed appends.`,
	RunE: runMirror,
}

func init() {
	rootCmd.AddCommand(mirrorCmd)
}

func runMirror(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	return executeMirror(ctx, log, cfg, cmd.OutOrStdout())
}

func executeMirror(ctx context.Context, log logrus.FieldLogger, cfg *config.Config, out io.Writer) error {
	backend, err := storage.New(log, &cfg.Store)
	if err != nil {
		return fmt.Errorf("creating store backend: %w", err)
	}

	loaded, err := loadStore(ctx, backend)
	if err != nil {
		return err
	}

	if loaded == nil {
		_, err := fmt.Fprintf(out, "No store at %s, nothing to mirror\n", backend.Location())

		return err
	}

	mirror, err := openMirror(ctx, log, &cfg.Mirror)
	if err != nil {
		return err
	}

	defer func() {
		if err := mirror.Stop(); err != nil {
			log.WithError(err).Warn("Failed to close mirror")
		}
	}()

	result, err := mirror.Sync(ctx, loaded.Store)
	if err != nil {
		return fmt.Errorf("syncing mirror: %w", err)
	}

	_, err = fmt.Fprintf(out, "Mirrored %d tools: %d points, %d new\n",
		result.Tools, result.Points, result.Inserted)

	return err
}
