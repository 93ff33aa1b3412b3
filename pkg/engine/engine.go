// Package engine appends benchmark runs to a history store. Each Append
// holds the store lock across load, detect, merge and persist, so parallel
// CI jobs writing the same store never lose each other's runs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/benchkeeper/pkg/codec"
	"github.com/ethpandaops/benchkeeper/pkg/history"
	"github.com/ethpandaops/benchkeeper/pkg/record"
	"github.com/ethpandaops/benchkeeper/pkg/regression"
	"github.com/ethpandaops/benchkeeper/pkg/storage"
)

// Recorder receives engine metrics.
type Recorder interface {
	LockWaited(d time.Duration)
	AppendSucceeded(tool string, d time.Duration, summary regression.Summary, storeRuns, storeBytes int)
	AppendFailed(tool, state string)
	EntriesSkipped(n int)
}

// Report is the outcome of a successful Append.
type Report struct {
	Tool       string              `json:"tool"`
	Commit     string              `json:"commit"`
	Location   string              `json:"location"`
	Signals    []regression.Signal `json:"signals"`
	Summary    regression.Summary  `json:"summary"`
	StoreSize  int                 `json:"store_size"`
	BenchCount int                 `json:"bench_count"`
	Skipped    int                 `json:"skipped"`
	Backfill   bool                `json:"backfill"`
	Bytes      int                 `json:"bytes"`
	// Entry is the run as stored, tool name and date filled in.
	Entry record.ToolRun `json:"-"`
}

// HasRegression reports whether any bench regressed.
func (r *Report) HasRegression() bool {
	return r.Summary.Regressed > 0
}

// Engine appends runs to one store.
type Engine struct {
	log        logrus.FieldLogger
	backend    storage.Backend
	threshold  float64
	detector   regression.Detector
	repoURL    string
	format     codec.Format
	now        func() time.Time
	metrics    Recorder
	observer   Observer
	allowLossy bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithThreshold sets the relative regression threshold.
func WithThreshold(t float64) Option {
	return func(e *Engine) { e.threshold = t }
}

// WithPolicy sets the direction policy.
func WithPolicy(p regression.Policy) Option {
	return func(e *Engine) { e.detector = regression.Detector{Policy: p} }
}

// WithRepoURL sets the project identifier written into new stores.
func WithRepoURL(url string) Option {
	return func(e *Engine) { e.repoURL = url }
}

// WithFormat sets the encoding used when the store does not exist yet.
// Existing stores keep the format they were loaded in.
func WithFormat(f codec.Format) Option {
	return func(e *Engine) { e.format = f }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics records engine metrics.
func WithMetrics(r Recorder) Option {
	return func(e *Engine) { e.metrics = r }
}

// WithObserver installs a state transition callback.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithAllowLossyRewrite permits saving a store whose load skipped entries.
// The skipped entries are dropped from the rewritten store.
func WithAllowLossyRewrite(allow bool) Option {
	return func(e *Engine) { e.allowLossy = allow }
}

// New creates an Engine writing to backend.
func New(log logrus.FieldLogger, backend storage.Backend, opts ...Option) (*Engine, error) {
	e := &Engine{
		log:       log.WithField("component", "engine"),
		backend:   backend,
		threshold: regression.DefaultThreshold,
		detector:  regression.Detector{Policy: regression.DefaultPolicy()},
		format:    codec.FormatJS,
		now:       time.Now,
		metrics:   noopRecorder{},
		observer:  func(string, State) {},
	}

	for _, opt := range opts {
		opt(e)
	}

	if err := regression.ValidateThreshold(e.threshold); err != nil {
		return nil, fmt.Errorf("invalid threshold: %w", err)
	}

	return e, nil
}

// Location returns the backend location.
func (e *Engine) Location() string {
	return e.backend.Location()
}

// Append adds run to the store under toolName and reports how each bench
// compares to its history. An empty toolName means run.Tool. The run is
// validated before anything is read, and on any error the stored data is
// left as it was.
func (e *Engine) Append(ctx context.Context, toolName string, run *record.ToolRun) (*Report, error) {
	started := e.now()

	if toolName == "" && run != nil {
		toolName = run.Tool
	}

	log := e.log.WithField("tool", toolName)

	if err := e.checkRun(toolName, run); err != nil {
		return nil, e.fail(log, StateMerging, toolName, err)
	}

	lockStart := time.Now()

	lease, err := e.backend.Locker().Acquire(ctx)
	if err != nil {
		return nil, e.fail(log, StateLoading, toolName, fmt.Errorf("acquiring store lock: %w", err))
	}

	defer func() {
		if err := lease.Release(); err != nil {
			log.WithError(err).Warn("Failed to release store lock")
		}
	}()

	e.metrics.LockWaited(time.Since(lockStart))
	e.transition(log, toolName, StateLoading)

	loaded, err := e.load(ctx, log)
	if err != nil {
		return nil, e.fail(log, StateLoading, toolName, err)
	}

	store := loaded.Store

	// The grouping key wins over the payload's own tool field.
	entry := run.Clone()
	entry.Tool = toolName

	if entry.Date == 0 {
		entry.Date = e.now().UnixMilli()
	}

	e.transition(log, toolName, StateDetecting)

	signals := e.detector.Detect(history.Build(store), &entry, e.threshold)

	e.transition(log, toolName, StateMerging)

	if n := loaded.SkippedCount(); n > 0 && !e.allowLossy {
		return nil, e.fail(log, StateMerging, toolName,
			fmt.Errorf("%w: %d entries could not be decoded: %s",
				ErrLossyRewrite, n, describeSkipped(loaded.Skipped)))
	}

	backfill := e.merge(log, store, toolName, entry)

	e.transition(log, toolName, StatePersisting)

	data, err := codec.Marshal(store, loaded.Format)
	if err != nil {
		return nil, e.fail(log, StatePersisting, toolName, err)
	}

	if err := e.backend.Write(ctx, data); err != nil {
		return nil, e.fail(log, StatePersisting, toolName,
			&IOError{Op: "write", Location: e.backend.Location(), Err: err})
	}

	report := &Report{
		Tool:       toolName,
		Commit:     entry.Commit.ID,
		Location:   e.backend.Location(),
		Signals:    signals,
		Summary:    regression.Summarize(signals),
		StoreSize:  store.Size(),
		BenchCount: store.BenchCount(),
		Skipped:    loaded.SkippedCount(),
		Backfill:   backfill,
		Bytes:      len(data),
		Entry:      entry,
	}

	e.transition(log, toolName, StateDone)
	e.metrics.AppendSucceeded(toolName, e.now().Sub(started), report.Summary, report.StoreSize, report.Bytes)

	log.WithFields(logrus.Fields{
		"commit":     report.Commit,
		"benches":    len(entry.Benches),
		"regressed":  report.Summary.Regressed,
		"improved":   report.Summary.Improved,
		"new_series": report.Summary.NewSeries,
		"entries":    report.StoreSize,
		"size":       units.HumanSize(float64(report.Bytes)),
	}).Info("Appended benchmark run")

	return report, nil
}

// checkRun validates run and its tool name before the store is touched.
func (e *Engine) checkRun(toolName string, run *record.ToolRun) error {
	if run == nil {
		return &record.ValidationError{Tool: toolName, Field: "run", Reason: "is nil"}
	}

	if toolName == "" {
		return &record.ValidationError{Field: "tool", Reason: "is empty"}
	}

	if run.Tool != "" && run.Tool != toolName {
		return &record.ValidationError{
			Tool:   toolName,
			Field:  "tool",
			Reason: fmt.Sprintf("run is for tool %q", run.Tool),
		}
	}

	candidate := *run
	candidate.Tool = toolName

	return candidate.Validate()
}

func (e *Engine) load(ctx context.Context, log logrus.FieldLogger) (*codec.LoadResult, error) {
	data, err := e.backend.Read(ctx)
	if err != nil {
		return nil, &IOError{Op: "read", Location: e.backend.Location(), Err: err}
	}

	if data == nil {
		log.WithField("location", e.backend.Location()).Info("No existing store, starting a new one")

		return &codec.LoadResult{Store: record.NewStore(e.repoURL), Format: e.format}, nil
	}

	loaded, err := codec.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", e.backend.Location(), err)
	}

	for _, d := range loaded.Skipped {
		log.WithFields(logrus.Fields{
			"skipped_tool":  d.Tool,
			"skipped_index": d.Index,
		}).WithError(d.Err).Warn("Skipped undecodable store entry")
	}

	e.metrics.EntriesSkipped(loaded.SkippedCount())

	if loaded.Store.RepoURL == "" {
		loaded.Store.RepoURL = e.repoURL
	} else if e.repoURL != "" && loaded.Store.RepoURL != e.repoURL {
		log.WithFields(logrus.Fields{
			"store_repo":  loaded.Store.RepoURL,
			"engine_repo": e.repoURL,
		}).Warn("Store belongs to a different repository")
	}

	return loaded, nil
}

// merge appends entry to the tool's sequence and stamps lastUpdate. It
// reports whether the entry was recorded earlier than the previous one.
func (e *Engine) merge(log logrus.FieldLogger, store *record.Store, tool string, entry record.ToolRun) bool {
	backfill := false

	if last, ok := store.Latest(tool); ok && entry.Date < last.Date {
		backfill = true

		log.WithFields(logrus.Fields{
			"date":          entry.RecordedAt().Format(time.RFC3339),
			"previous_date": last.RecordedAt().Format(time.RFC3339),
		}).Warn("Appending run recorded before the previous entry")
	}

	if store.Entries == nil {
		store.Entries = make(map[string][]record.ToolRun, 1)
	}

	store.Entries[tool] = append(store.Entries[tool], entry)
	store.LastUpdate = e.now().UnixMilli()

	return backfill
}

func (e *Engine) transition(log logrus.FieldLogger, tool string, state State) {
	log.WithField("state", state.String()).Debug("Append state")
	e.observer(tool, state)
}

func (e *Engine) fail(log logrus.FieldLogger, state State, tool string, err error) error {
	e.metrics.AppendFailed(tool, state.String())
	e.observer(tool, StateFailed)

	appendErr := &AppendError{State: state, Tool: tool, Err: err}

	entry := log.WithError(err).WithField("state", state.String())
	if errors.Is(err, record.ErrValidation) {
		entry.Warn("Rejected benchmark run")
	} else {
		entry.Error("Append failed")
	}

	return appendErr
}

// maxSkippedShown bounds the diagnostics quoted in a lossy-rewrite error.
const maxSkippedShown = 3

// describeSkipped lists where the first undecodable entries are.
func describeSkipped(skipped []codec.EntryDiagnostic) string {
	parts := make([]string, 0, maxSkippedShown+1)

	for i, d := range skipped {
		if i == maxSkippedShown {
			parts = append(parts, fmt.Sprintf("and %d more", len(skipped)-maxSkippedShown))

			break
		}

		parts = append(parts, d.Err.Error())
	}

	return strings.Join(parts, "; ")
}

type noopRecorder struct{}

func (noopRecorder) LockWaited(time.Duration)                                            {}
func (noopRecorder) AppendSucceeded(string, time.Duration, regression.Summary, int, int) {}
func (noopRecorder) AppendFailed(string, string)                                         {}
func (noopRecorder) EntriesSkipped(int)                                                  {}
