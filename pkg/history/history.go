// Package history builds a read-optimized view of a store: every
// (tool, bench) series in chronological order. The index is derived from
// the store on demand and never persisted.
package history

import (
	"sort"
	"time"

	"github.com/ethpandaops/benchkeeper/pkg/record"
)

// Point is one historical observation of a series.
type Point struct {
	Commit record.Commit
	Value  float64
	Unit   string
	// Date is the ToolRun recording time in epoch millis.
	Date int64

	commitTime time.Time
	seq        int
}

// Index maps series keys to their ordered points.
type Index struct {
	series map[record.SeriesKey][]Point
	tools  map[string][]string
}

// Build indexes every bench of every run in a single pass, then orders each
// series by commit timestamp with ties broken by run date. Equal keys keep
// their append order.
func Build(store *record.Store) *Index {
	idx := &Index{
		series: make(map[record.SeriesKey][]Point, store.BenchCount()),
		tools:  make(map[string][]string, len(store.Entries)),
	}

	seq := 0

	for tool, runs := range store.Entries {
		for i := range runs {
			run := &runs[i]

			// Validated runs always parse; a zero time sorts first otherwise.
			commitTime, _ := run.Commit.Time()

			for _, bench := range run.Benches {
				key := record.SeriesKey{Tool: tool, Bench: bench.Name}
				if _, ok := idx.series[key]; !ok {
					idx.tools[tool] = append(idx.tools[tool], bench.Name)
				}

				idx.series[key] = append(idx.series[key], Point{
					Commit:     run.Commit,
					Value:      bench.Value,
					Unit:       bench.Unit,
					Date:       run.Date,
					commitTime: commitTime,
					seq:        seq,
				})
				seq++
			}
		}
	}

	for key, points := range idx.series {
		sort.SliceStable(points, func(i, j int) bool {
			a, b := points[i], points[j]
			if !a.commitTime.Equal(b.commitTime) {
				return a.commitTime.Before(b.commitTime)
			}

			if a.Date != b.Date {
				return a.Date < b.Date
			}

			return a.seq < b.seq
		})

		idx.series[key] = points
	}

	for tool := range idx.tools {
		sort.Strings(idx.tools[tool])
	}

	return idx
}

// Lookup returns a copy of the ordered series for (tool, bench). An unknown
// series yields an empty slice.
func (idx *Index) Lookup(tool, bench string) []Point {
	points := idx.series[record.SeriesKey{Tool: tool, Bench: bench}]

	out := make([]Point, len(points))
	copy(out, points)

	return out
}

// Baseline returns the latest point of the series whose commit differs from
// excludeCommit. An empty excludeCommit excludes nothing.
func (idx *Index) Baseline(tool, bench, excludeCommit string) (Point, bool) {
	points := idx.series[record.SeriesKey{Tool: tool, Bench: bench}]

	for i := len(points) - 1; i >= 0; i-- {
		if excludeCommit != "" && points[i].Commit.ID == excludeCommit {
			continue
		}

		return points[i], true
	}

	return Point{}, false
}

// Len returns the number of points in a series.
func (idx *Index) Len(tool, bench string) int {
	return len(idx.series[record.SeriesKey{Tool: tool, Bench: bench}])
}

// Tools returns the indexed tool names, sorted.
func (idx *Index) Tools() []string {
	tools := make([]string, 0, len(idx.tools))
	for tool := range idx.tools {
		tools = append(tools, tool)
	}

	sort.Strings(tools)

	return tools
}

// Benches returns the bench names observed under tool, sorted.
func (idx *Index) Benches(tool string) []string {
	names := idx.tools[tool]

	out := make([]string, len(names))
	copy(out, names)

	return out
}
