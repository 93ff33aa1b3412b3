package record

import (
	"time"
)

// Person identifies a commit author or committer. All fields are opaque
// display strings.
type Person struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

// Commit is the identity of a code revision. Two commits are the same when
// their IDs are byte-equal; timestamps and messages are not part of identity.
type Commit struct {
	Author    Person `json:"author"`
	Committer Person `json:"committer"`
	Distinct  bool   `json:"distinct"`
	ID        string `json:"id"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	TreeID    string `json:"tree_id"`
	URL       string `json:"url"`
}

// Same reports whether c and other refer to the same revision.
func (c *Commit) Same(other *Commit) bool {
	if c == nil || other == nil {
		return false
	}

	return c.ID == other.ID
}

// Time parses the commit timestamp. It accepts RFC3339 strings (as written
// by the CI metadata collector) and integer seconds since epoch.
func (c *Commit) Time() (time.Time, error) {
	return parseTimestamp(c.Timestamp)
}

// BenchResult is a single named measurement within a ToolRun.
type BenchResult struct {
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Extra     string    `json:"extra,omitempty"`
	Direction Direction `json:"direction,omitempty"`
}

// ToolRun is one benchmarking tool's result set for one commit.
type ToolRun struct {
	Commit  Commit        `json:"commit"`
	Date    int64         `json:"date"`
	Tool    string        `json:"tool"`
	Benches []BenchResult `json:"benches"`
}

// RecordedAt returns the wall-clock time the run was recorded.
func (r *ToolRun) RecordedAt() time.Time {
	return time.UnixMilli(r.Date).UTC()
}

// Clone returns a deep copy of the run.
func (r *ToolRun) Clone() ToolRun {
	out := *r
	out.Benches = make([]BenchResult, len(r.Benches))
	copy(out.Benches, r.Benches)

	return out
}

// Store is the full persisted benchmark history, grouped by tool.
type Store struct {
	LastUpdate int64                `json:"lastUpdate"`
	RepoURL    string               `json:"repoUrl"`
	Entries    map[string][]ToolRun `json:"entries"`
}

// NewStore returns an empty store for the given project.
func NewStore(repoURL string) *Store {
	return &Store{
		RepoURL: repoURL,
		Entries: make(map[string][]ToolRun, 1),
	}
}

// Size returns the total number of ToolRun entries across all tools.
func (s *Store) Size() int {
	n := 0
	for _, runs := range s.Entries {
		n += len(runs)
	}

	return n
}

// BenchCount returns the total number of BenchResults across all entries.
func (s *Store) BenchCount() int {
	n := 0

	for _, runs := range s.Entries {
		for i := range runs {
			n += len(runs[i].Benches)
		}
	}

	return n
}

// Clone returns a deep copy of the store.
func (s *Store) Clone() *Store {
	out := &Store{
		LastUpdate: s.LastUpdate,
		RepoURL:    s.RepoURL,
		Entries:    make(map[string][]ToolRun, len(s.Entries)),
	}

	for tool, runs := range s.Entries {
		cloned := make([]ToolRun, len(runs))
		for i := range runs {
			cloned[i] = runs[i].Clone()
		}

		out.Entries[tool] = cloned
	}

	return out
}

// Latest returns the most recently appended run for tool, if any.
func (s *Store) Latest(tool string) (*ToolRun, bool) {
	runs := s.Entries[tool]
	if len(runs) == 0 {
		return nil, false
	}

	return &runs[len(runs)-1], true
}

// SeriesKey identifies one benchmark series. The name is compared verbatim,
// parameter suffixes included.
type SeriesKey struct {
	Tool  string
	Bench string
}

func (k SeriesKey) String() string {
	return k.Tool + "/" + k.Bench
}
