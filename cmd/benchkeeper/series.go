package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/benchkeeper/pkg/config"
	"github.com/ethpandaops/benchkeeper/pkg/history"
	"github.com/ethpandaops/benchkeeper/pkg/record"
	"github.com/ethpandaops/benchkeeper/pkg/report"
	"github.com/ethpandaops/benchkeeper/pkg/seriesdb"
	"github.com/ethpandaops/benchkeeper/pkg/storage"
)

const (
	sourceStore  = "store"
	sourceMirror = "mirror"
)

type seriesOptions struct {
	Tool   string
	Bench  string
	Source string
}

var seriesOpts seriesOptions

var seriesCmd = &cobra.Command{
	Use:   "series",
	Short: "Print the history of one bench in commit order",
	RunE:  runSeries,
}

func init() {
	rootCmd.AddCommand(seriesCmd)
	seriesCmd.Flags().StringVar(&seriesOpts.Tool, "tool", "", "tool name")
	seriesCmd.Flags().StringVar(&seriesOpts.Bench, "bench", "", "bench name")
	seriesCmd.Flags().StringVar(&seriesOpts.Source, "source", sourceStore,
		"read from the store or the SQL mirror (store, mirror)")

	_ = seriesCmd.MarkFlagRequired("tool")
	_ = seriesCmd.MarkFlagRequired("bench")
}

func runSeries(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	return executeSeries(ctx, log, cfg, seriesOpts, cmd.OutOrStdout())
}

func executeSeries(
	ctx context.Context,
	log logrus.FieldLogger,
	cfg *config.Config,
	opts seriesOptions,
	out io.Writer,
) error {
	var (
		points []history.Point
		err    error
	)

	switch opts.Source {
	case sourceStore, "":
		points, err = storeSeries(ctx, log, cfg, opts.Tool, opts.Bench)
	case sourceMirror:
		points, err = mirrorSeries(ctx, log, cfg, opts.Tool, opts.Bench)
	default:
		return fmt.Errorf("unknown series source %q (expected %s or %s)",
			opts.Source, sourceStore, sourceMirror)
	}

	if err != nil {
		return err
	}

	if len(points) == 0 {
		return fmt.Errorf("no series %s/%s", opts.Tool, opts.Bench)
	}

	return report.SeriesTable(out, points)
}

func storeSeries(
	ctx context.Context,
	log logrus.FieldLogger,
	cfg *config.Config,
	tool, bench string,
) ([]history.Point, error) {
	backend, err := storage.New(log, &cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("creating store backend: %w", err)
	}

	loaded, err := loadStore(ctx, backend)
	if err != nil || loaded == nil {
		return nil, err
	}

	return history.Build(loaded.Store).Lookup(tool, bench), nil
}

func mirrorSeries(
	ctx context.Context,
	log logrus.FieldLogger,
	cfg *config.Config,
	tool, bench string,
) ([]history.Point, error) {
	mirror, err := openMirror(ctx, log, &cfg.Mirror)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := mirror.Stop(); err != nil {
			log.WithError(err).Warn("Failed to close mirror")
		}
	}()

	rows, err := mirror.Series(ctx, tool, bench)
	if err != nil {
		return nil, err
	}

	return pointsFromMirror(rows), nil
}

// pointsFromMirror converts mirrored rows, already in series order, to
// history points.
func pointsFromMirror(rows []seriesdb.Point) []history.Point {
	points := make([]history.Point, 0, len(rows))

	for _, row := range rows {
		points = append(points, history.Point{
			Commit: record.Commit{
				ID:        row.CommitID,
				Message:   row.CommitMessage,
				Timestamp: time.Unix(row.CommitTime, 0).UTC().Format(time.RFC3339),
				URL:       row.CommitURL,
			},
			Value: row.Value,
			Unit:  row.Unit,
			Date:  row.Date,
		})
	}

	return points
}
