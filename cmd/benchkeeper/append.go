package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/benchkeeper/pkg/codec"
	"github.com/ethpandaops/benchkeeper/pkg/config"
	"github.com/ethpandaops/benchkeeper/pkg/record"
	"github.com/ethpandaops/benchkeeper/pkg/regression"
	"github.com/ethpandaops/benchkeeper/pkg/report"
)

// errRegression is returned by append --fail-on-regression.
var errRegression = errors.New("performance regression detected")

type appendOptions struct {
	Tool             string
	File             string
	Threshold        string
	FailOnRegression bool
	MarkdownFile     string
	JSON             bool
}

var appendOpts appendOptions

var appendCmd = &cobra.Command{
	Use:   "append",
	Short: "Append a benchmark run to the store and check it for regressions",
	Long: `Read one tool run as JSON (from --file or stdin), append it to the store
under the store lock, and report how every bench compares to the latest
earlier commit.`,
	RunE: runAppend,
}

func init() {
	rootCmd.AddCommand(appendCmd)
	appendCmd.Flags().StringVar(&appendOpts.Tool, "tool", "",
		"tool name to record the run under (default: the run's own tool field)")
	appendCmd.Flags().StringVarP(&appendOpts.File, "file", "f", "-",
		"run JSON file, or - for stdin")
	appendCmd.Flags().StringVar(&appendOpts.Threshold, "threshold", "",
		`regression threshold as a ratio or percentage, e.g. "0.5" or "50%"`)
	appendCmd.Flags().BoolVar(&appendOpts.FailOnRegression, "fail-on-regression", false,
		"exit non-zero when any bench regressed")
	appendCmd.Flags().StringVar(&appendOpts.MarkdownFile, "markdown", "",
		"write a markdown summary to this file")
	appendCmd.Flags().BoolVar(&appendOpts.JSON, "json", false,
		"print the report as JSON instead of a table")
}

func runAppend(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	return executeAppend(ctx, log, cfg, appendOpts, cmd.InOrStdin(), cmd.OutOrStdout())
}

func executeAppend(
	ctx context.Context,
	log logrus.FieldLogger,
	cfg *config.Config,
	opts appendOptions,
	stdin io.Reader,
	out io.Writer,
) error {
	if opts.Threshold != "" {
		t, err := regression.ParseThreshold(opts.Threshold)
		if err != nil {
			return err
		}

		cfg.Detection.Threshold = config.Threshold(t)
	}

	run, err := readRun(opts.File, stdin)
	if err != nil {
		return err
	}

	eng, _, err := buildEngine(log, cfg)
	if err != nil {
		return err
	}

	rep, err := eng.Append(ctx, opts.Tool, run)
	if err != nil {
		return err
	}

	if cfg.Mirror.Enabled {
		if err := mirrorRun(ctx, log, &cfg.Mirror, rep.Tool, rep.Entry); err != nil {
			log.WithError(err).Warn("Failed to mirror appended run")
		}
	}

	if opts.MarkdownFile != "" {
		md := report.Markdown(rep, report.MarkdownOptions{
			Threshold: float64(cfg.Detection.Threshold),
			RepoURL:   cfg.Store.RepoURL,
		})

		if err := os.WriteFile(opts.MarkdownFile, []byte(md), 0o644); err != nil {
			return fmt.Errorf("writing markdown summary: %w", err)
		}

		log.WithField("output", opts.MarkdownFile).Info("Markdown summary written")
	}

	if opts.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")

		if err := enc.Encode(rep); err != nil {
			return fmt.Errorf("encoding report: %w", err)
		}
	} else if err := report.Table(out, rep.Signals); err != nil {
		return err
	}

	if opts.FailOnRegression && rep.HasRegression() {
		return fmt.Errorf("%w: %d of %d benches regressed",
			errRegression, rep.Summary.Regressed, len(rep.Signals))
	}

	return nil
}

func readRun(path string, stdin io.Reader) (*record.ToolRun, error) {
	if path == "" || path == "-" {
		run, err := codec.DecodeRun(stdin)
		if err != nil {
			return nil, fmt.Errorf("decoding run from stdin: %w", err)
		}

		return run, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening run file: %w", err)
	}

	defer func() { _ = f.Close() }()

	run, err := codec.DecodeRun(f)
	if err != nil {
		return nil, fmt.Errorf("decoding run %s: %w", path, err)
	}

	return run, nil
}

func mirrorRun(
	ctx context.Context,
	log logrus.FieldLogger,
	cfg *config.MirrorConfig,
	tool string,
	run record.ToolRun,
) error {
	mirror, err := openMirror(ctx, log, cfg)
	if err != nil {
		return err
	}

	defer func() {
		if err := mirror.Stop(); err != nil {
			log.WithError(err).Warn("Failed to close mirror")
		}
	}()

	_, err = mirror.SyncRuns(ctx, tool, []record.ToolRun{run})

	return err
}
