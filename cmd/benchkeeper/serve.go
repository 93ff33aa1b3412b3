package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/benchkeeper/pkg/api"
	"github.com/ethpandaops/benchkeeper/pkg/engine"
	"github.com/ethpandaops/benchkeeper/pkg/metrics"
	"github.com/ethpandaops/benchkeeper/pkg/seriesdb"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Long: `Start the benchkeeper API server. It serves the store and its series
read-only, and accepts new runs from holders of a configured token.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	m := metrics.New()

	eng, backend, err := buildEngine(log, cfg, engine.WithMetrics(m))
	if err != nil {
		return err
	}

	var mirror seriesdb.Store

	if cfg.Mirror.Enabled {
		mirror, err = openMirror(ctx, log, &cfg.Mirror)
		if err != nil {
			return err
		}

		defer func() {
			if err := mirror.Stop(); err != nil {
				log.WithError(err).Warn("Failed to close mirror")
			}
		}()
	}

	srv := api.NewServer(log, &cfg.API, api.Options{
		Backend:   backend,
		Appender:  eng,
		Mirror:    mirror,
		Metrics:   m,
		Threshold: float64(cfg.Detection.Threshold),
		RepoURL:   cfg.Store.RepoURL,
	})

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	log.WithField("store", eng.Location()).Info("Serving store")

	// Wait for shutdown signal.
	<-ctx.Done()
	log.Info("Shutting down API server")

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}
