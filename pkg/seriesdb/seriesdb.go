// Package seriesdb mirrors a benchmark store into a SQL database so
// dashboards can query series without parsing the store file.
package seriesdb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/ethpandaops/benchkeeper/pkg/config"
	"github.com/ethpandaops/benchkeeper/pkg/record"
)

// insertBatchSize bounds the rows per INSERT statement.
const insertBatchSize = 100

// Store is the SQL mirror of a benchmark store.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Sync mirrors every tool of store, at most concurrency tools at a time.
	Sync(ctx context.Context, store *record.Store) (*SyncResult, error)
	// SyncRuns mirrors runs recorded under tool and returns the number of
	// points that were not present yet.
	SyncRuns(ctx context.Context, tool string, runs []record.ToolRun) (int, error)

	ListTools(ctx context.Context) ([]string, error)
	ListBenches(ctx context.Context, tool string) ([]string, error)
	// Series returns the points of one series ordered by commit time, then
	// recording time.
	Series(ctx context.Context, tool, bench string) ([]Point, error)
}

// SyncResult summarizes a full Sync.
type SyncResult struct {
	Tools    int
	Points   int
	Inserted int
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log         logrus.FieldLogger
	cfg         *config.DatabaseConfig
	concurrency int
	now         func() time.Time
	db          *gorm.DB
}

// NewStore creates a mirror backed by the configured database driver.
// Start must be called before use.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
	concurrency int,
) Store {
	if concurrency <= 0 {
		concurrency = config.DefaultMirrorConcurrency
	}

	return &store{
		log:         log.WithField("component", "seriesdb"),
		cfg:         cfg,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case config.DriverSQLite:
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case config.DriverPostgres:
		dialector = postgres.Open(s.cfg.Postgres.DSN())
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening mirror database: %w", err)
	}

	if s.cfg.Driver == config.DriverSQLite {
		// SQLite allows a single writer, and every ":memory:" connection
		// is a separate database.
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(&Point{}); err != nil {
		return fmt.Errorf("running mirror migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).
		Info("Mirror database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// Sync mirrors every tool in parallel. The first failing tool cancels the
// remaining ones.
func (s *store) Sync(ctx context.Context, st *record.Store) (*SyncResult, error) {
	tools := make([]string, 0, len(st.Entries))
	for tool := range st.Entries {
		tools = append(tools, tool)
	}

	sort.Strings(tools)

	inserted := make([]int, len(tools))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for i, tool := range tools {
		g.Go(func() error {
			n, err := s.SyncRuns(gctx, tool, st.Entries[tool])
			if err != nil {
				return fmt.Errorf("syncing tool %q: %w", tool, err)
			}

			inserted[i] = n

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &SyncResult{
		Tools:  len(tools),
		Points: st.BenchCount(),
	}

	for _, n := range inserted {
		result.Inserted += n
	}

	s.log.WithFields(logrus.Fields{
		"tools":    result.Tools,
		"points":   result.Points,
		"inserted": result.Inserted,
	}).Info("Mirror synced")

	return result, nil
}

// SyncRuns inserts the points of runs in one transaction, skipping points
// that already exist.
func (s *store) SyncRuns(ctx context.Context, tool string, runs []record.ToolRun) (int, error) {
	now := s.now().UTC()

	points := make([]Point, 0, len(runs))
	for i := range runs {
		points = append(points, pointsFromRun(tool, &runs[i], now)...)
	}

	if len(points) == 0 {
		return 0, nil
	}

	var inserted int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var before, after int64

		if err := tx.Model(&Point{}).Where("tool = ?", tool).Count(&before).Error; err != nil {
			return fmt.Errorf("counting points: %w", err)
		}

		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "tool"}, {Name: "bench"}, {Name: "commit_id"}, {Name: "date"},
			},
			DoNothing: true,
		}).CreateInBatches(points, insertBatchSize).Error; err != nil {
			return fmt.Errorf("inserting points: %w", err)
		}

		if err := tx.Model(&Point{}).Where("tool = ?", tool).Count(&after).Error; err != nil {
			return fmt.Errorf("counting points: %w", err)
		}

		inserted = after - before

		return nil
	})
	if err != nil {
		return 0, err
	}

	s.log.WithFields(logrus.Fields{
		"tool":     tool,
		"runs":     len(runs),
		"inserted": inserted,
	}).Debug("Mirrored runs")

	return int(inserted), nil
}

// ListTools returns the mirrored tool names in lexical order.
func (s *store) ListTools(ctx context.Context) ([]string, error) {
	var tools []string
	if err := s.db.WithContext(ctx).
		Model(&Point{}).
		Distinct().
		Order("tool").
		Pluck("tool", &tools).Error; err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}

	return tools, nil
}

// ListBenches returns the bench names of tool in lexical order.
func (s *store) ListBenches(ctx context.Context, tool string) ([]string, error) {
	var benches []string
	if err := s.db.WithContext(ctx).
		Model(&Point{}).
		Where("tool = ?", tool).
		Distinct().
		Order("bench").
		Pluck("bench", &benches).Error; err != nil {
		return nil, fmt.Errorf("listing benches: %w", err)
	}

	return benches, nil
}

// Series returns one series in chronological order.
func (s *store) Series(ctx context.Context, tool, bench string) ([]Point, error) {
	var points []Point
	if err := s.db.WithContext(ctx).
		Where("tool = ? AND bench = ?", tool, bench).
		Order("commit_time ASC, date ASC, id ASC").
		Find(&points).Error; err != nil {
		return nil, fmt.Errorf("listing series: %w", err)
	}

	return points, nil
}
