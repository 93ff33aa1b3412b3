package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/benchkeeper/pkg/codec"
	"github.com/ethpandaops/benchkeeper/pkg/config"
	"github.com/ethpandaops/benchkeeper/pkg/engine"
	"github.com/ethpandaops/benchkeeper/pkg/seriesdb"
	"github.com/ethpandaops/benchkeeper/pkg/storage"
)

// buildEngine creates the store backend and an engine configured from cfg.
func buildEngine(
	log logrus.FieldLogger,
	cfg *config.Config,
	extra ...engine.Option,
) (*engine.Engine, storage.Backend, error) {
	backend, err := storage.New(log, &cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("creating store backend: %w", err)
	}

	format, err := codec.ParseFormat(cfg.Store.Format)
	if err != nil {
		return nil, nil, err
	}

	opts := []engine.Option{
		engine.WithThreshold(float64(cfg.Detection.Threshold)),
		engine.WithPolicy(cfg.Detection.Policy()),
		engine.WithRepoURL(cfg.Store.RepoURL),
		engine.WithFormat(format),
		engine.WithAllowLossyRewrite(cfg.Store.AllowLossyRewrite),
	}

	eng, err := engine.New(log, backend, append(opts, extra...)...)
	if err != nil {
		return nil, nil, err
	}

	return eng, backend, nil
}

// openMirror starts the SQL mirror. Callers must Stop it.
func openMirror(ctx context.Context, log logrus.FieldLogger, cfg *config.MirrorConfig) (seriesdb.Store, error) {
	mirror := seriesdb.NewStore(log, &cfg.Database, cfg.Concurrency)
	if err := mirror.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting mirror: %w", err)
	}

	return mirror, nil
}

// loadStore reads and decodes the store. A missing store is reported as
// (nil, nil).
func loadStore(ctx context.Context, backend storage.Backend) (*codec.LoadResult, error) {
	data, err := backend.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading store: %w", err)
	}

	if data == nil {
		return nil, nil
	}

	loaded, err := codec.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", backend.Location(), err)
	}

	return loaded, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
