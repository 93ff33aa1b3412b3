package report

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/ethpandaops/benchkeeper/pkg/codec"
	"github.com/ethpandaops/benchkeeper/pkg/history"
)

// StoreTable writes one row per tool of loaded, followed by a table of
// skipped entries when there are any.
func StoreTable(w io.Writer, loaded *codec.LoadResult) error {
	st := loaded.Store
	idx := history.Build(st)

	tools := make([]string, 0, len(st.Entries))
	for tool := range st.Entries {
		tools = append(tools, tool)
	}

	sort.Strings(tools)

	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Tool", "Entries", "Benches", "Latest commit", "Latest run"})

	for _, tool := range tools {
		row := table.Row{tool, len(st.Entries[tool]), len(idx.Benches(tool)), "-", "-"}

		if last, ok := st.Latest(tool); ok {
			row[3] = shortCommit(last.Commit.ID)
			row[4] = humanize.Time(last.RecordedAt())
		}

		tbl.AppendRow(row)
	}

	tbl.AppendFooter(table.Row{
		fmt.Sprintf("Total: %d tools", len(tools)),
		st.Size(),
		"",
		"",
		fmt.Sprintf("%d skipped", loaded.SkippedCount()),
	})

	if _, err := fmt.Fprintln(w, tbl.Render()); err != nil {
		return fmt.Errorf("writing table: %w", err)
	}

	if loaded.SkippedCount() == 0 {
		return nil
	}

	skipped := table.NewWriter()
	skipped.SetStyle(table.StyleLight)
	skipped.AppendHeader(table.Row{"Tool", "Index", "Error"})

	for _, d := range loaded.Skipped {
		index := fmt.Sprint(d.Index)
		if d.Index < 0 {
			index = "all"
		}

		skipped.AppendRow(table.Row{d.Tool, index, d.Err.Error()})
	}

	if _, err := fmt.Fprintln(w, skipped.Render()); err != nil {
		return fmt.Errorf("writing table: %w", err)
	}

	return nil
}

// SeriesTable writes the points of one series in order.
func SeriesTable(w io.Writer, points []history.Point) error {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Commit", "Committed", "Recorded", "Value"})

	for _, p := range points {
		tbl.AppendRow(table.Row{
			shortCommit(p.Commit.ID),
			p.Commit.Timestamp,
			time.UnixMilli(p.Date).UTC().Format(time.RFC3339),
			formatValue(p.Value, p.Unit),
		})
	}

	tbl.AppendFooter(table.Row{fmt.Sprintf("Total: %d points", len(points))})

	if _, err := fmt.Fprintln(w, tbl.Render()); err != nil {
		return fmt.Errorf("writing table: %w", err)
	}

	return nil
}

func shortCommit(id string) string {
	if len(id) > shortCommitLen {
		return id[:shortCommitLen]
	}

	return id
}
