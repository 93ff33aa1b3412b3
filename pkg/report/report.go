// Package report renders append results for humans: a markdown body for
// CI comments and a terminal table.
package report

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/ethpandaops/benchkeeper/pkg/engine"
	"github.com/ethpandaops/benchkeeper/pkg/regression"
)

// shortCommitLen is the abbreviated commit length shown in reports.
const shortCommitLen = 7

// MarkdownOptions controls Markdown output.
type MarkdownOptions struct {
	// Threshold is shown in the summary line when positive.
	Threshold float64
	// RepoURL turns commit IDs into links when set.
	RepoURL string
	// MaxRows limits the bench table. Zero means no limit.
	MaxRows int
	// OnlyChanged omits stable benches from the table.
	OnlyChanged bool
}

// Markdown renders r as a markdown document. Regressions are listed first
// so they survive truncation.
func Markdown(r *engine.Report, opts MarkdownOptions) string {
	var sb strings.Builder

	sb.Grow(1024)

	writeHeading(&sb, r, opts)
	writeSummary(&sb, r, opts)

	signals := Ordered(r.Signals)
	if opts.OnlyChanged {
		signals = regression.Filter(signals, regression.Regressed, regression.Improved, regression.NewSeries)
	}

	writeBenchTable(&sb, signals, opts)

	return sb.String()
}

func writeHeading(sb *strings.Builder, r *engine.Report, opts MarkdownOptions) {
	if r.HasRegression() {
		fmt.Fprintf(sb, "# :warning: Performance Regression: %s\n\n", r.Tool)
	} else {
		fmt.Fprintf(sb, "# Benchmark Results: %s\n\n", r.Tool)
	}

	if r.Commit != "" {
		fmt.Fprintf(sb, "Commit %s\n\n", commitRef(r.Commit, opts.RepoURL))
	}
}

func writeSummary(sb *strings.Builder, r *engine.Report, opts MarkdownOptions) {
	s := r.Summary

	fmt.Fprintf(sb, "**%d** regressed, **%d** improved, **%d** stable, **%d** new",
		s.Regressed, s.Improved, s.Stable, s.NewSeries)

	if opts.Threshold > 0 {
		fmt.Fprintf(sb, " (threshold %s%%)", humanize.FtoaWithDigits(roundTo(opts.Threshold*100, 2), 2))
	}

	sb.WriteString(".\n\n")

	if r.Backfill {
		sb.WriteString("> This run was recorded earlier than the previous entry.\n\n")
	}

	if r.Skipped > 0 {
		fmt.Fprintf(sb, "> %d undecodable store entries were dropped.\n\n", r.Skipped)
	}
}

func writeBenchTable(sb *strings.Builder, signals []regression.Signal, opts MarkdownOptions) {
	if len(signals) == 0 {
		return
	}

	shown := signals
	if opts.MaxRows > 0 && len(shown) > opts.MaxRows {
		shown = shown[:opts.MaxRows]
	}

	sb.WriteString("| Benchmark | Baseline | Current | Ratio | Result |\n")
	sb.WriteString("|---|---|---|---|---|\n")

	for _, sig := range shown {
		baseline := "-"
		if sig.Kind != regression.NewSeries {
			baseline = fmt.Sprintf("%s (%s)", formatValue(sig.Baseline, sig.Unit),
				commitRef(sig.BaselineCommit, opts.RepoURL))
		}

		fmt.Fprintf(sb, "| `%s` | %s | %s | %s | %s |\n",
			sig.Bench,
			baseline,
			formatValue(sig.Value, sig.Unit),
			formatRatio(sig),
			resultLabel(sig.Kind))
	}

	if omitted := len(signals) - len(shown); omitted > 0 {
		fmt.Fprintf(sb, "\n_%d more benches not shown._\n", omitted)
	}
}

// Table writes signals as a terminal table with a summary footer.
func Table(w io.Writer, signals []regression.Signal) error {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)

	tbl.AppendHeader(table.Row{"Bench", "Baseline", "Current", "Ratio", "Result"})

	for _, sig := range Ordered(signals) {
		baseline := "-"
		if sig.Kind != regression.NewSeries {
			baseline = formatValue(sig.Baseline, sig.Unit)
		}

		tbl.AppendRow(table.Row{
			sig.Bench,
			baseline,
			formatValue(sig.Value, sig.Unit),
			formatRatio(sig),
			sig.Kind.String(),
		})
	}

	s := regression.Summarize(signals)
	tbl.AppendFooter(table.Row{
		fmt.Sprintf("Total: %d benches", len(signals)),
		"", "", "",
		fmt.Sprintf("%d regressed", s.Regressed),
	})

	if _, err := fmt.Fprintln(w, tbl.Render()); err != nil {
		return fmt.Errorf("writing table: %w", err)
	}

	return nil
}

// kindOrder ranks kinds for display.
var kindOrder = map[regression.Kind]int{
	regression.Regressed: 0,
	regression.Improved:  1,
	regression.NewSeries: 2,
	regression.Stable:    3,
}

// Ordered returns a copy of signals with regressions first, then
// improvements, new series and stable benches. Signals of the same kind
// keep their run order.
func Ordered(signals []regression.Signal) []regression.Signal {
	out := make([]regression.Signal, len(signals))
	copy(out, signals)

	sort.SliceStable(out, func(i, j int) bool {
		return kindOrder[out[i].Kind] < kindOrder[out[j].Kind]
	})

	return out
}

func formatValue(v float64, unit string) string {
	s := humanize.CommafWithDigits(roundTo(v, 3), 3)
	if unit == "" {
		return s
	}

	return s + " " + unit
}

func formatRatio(sig regression.Signal) string {
	if sig.Kind == regression.NewSeries {
		return "-"
	}

	switch {
	case math.IsInf(sig.Ratio, 1):
		return "+inf"
	case math.IsInf(sig.Ratio, -1):
		return "-inf"
	}

	return humanize.FtoaWithDigits(roundTo(sig.Ratio, 2), 2) + "x"
}

// roundTo rounds v half away from zero to digits decimals. The humanize
// helpers truncate extra digits.
func roundTo(v float64, digits int) float64 {
	scale := math.Pow(10, float64(digits))

	r := math.Round(v*scale) / scale
	if math.IsInf(r, 0) || math.IsNaN(r) {
		return v
	}

	return r
}

func resultLabel(k regression.Kind) string {
	switch k {
	case regression.Regressed:
		return ":x: regressed"
	case regression.Improved:
		return ":rocket: improved"
	case regression.NewSeries:
		return ":new: new"
	default:
		return ":white_check_mark: stable"
	}
}

func commitRef(id, repoURL string) string {
	short := shortCommit(id)

	if repoURL == "" {
		return "`" + short + "`"
	}

	return fmt.Sprintf("[`%s`](%s/commit/%s)", short, strings.TrimSuffix(repoURL, "/"), id)
}
