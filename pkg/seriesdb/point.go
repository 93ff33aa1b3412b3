package seriesdb

import (
	"time"

	"github.com/ethpandaops/benchkeeper/pkg/record"
)

// Point is one bench observation mirrored into the database. A point is
// identified by its series, commit and recording time, so re-syncing the
// same store never duplicates rows.
type Point struct {
	ID       uint   `gorm:"primaryKey"`
	Tool     string `gorm:"not null;uniqueIndex:idx_points_key"`
	Bench    string `gorm:"not null;uniqueIndex:idx_points_key"`
	CommitID string `gorm:"not null;uniqueIndex:idx_points_key"`
	Date     int64  `gorm:"not null;uniqueIndex:idx_points_key"`

	// CommitTime is the commit timestamp in epoch seconds; series are
	// ordered by it.
	CommitTime int64 `gorm:"index"`
	Value      float64
	Unit       string
	Extra      string `gorm:"type:text"`
	Direction  string

	// Denormalized commit fields for dashboards.
	CommitMessage string `gorm:"type:text"`
	CommitURL     string
	Author        string

	SyncedAt time.Time
}

// pointsFromRun flattens run into one Point per bench.
func pointsFromRun(tool string, run *record.ToolRun, now time.Time) []Point {
	var commitTime int64
	if t, err := run.Commit.Time(); err == nil {
		commitTime = t.Unix()
	}

	points := make([]Point, 0, len(run.Benches))

	for _, b := range run.Benches {
		points = append(points, Point{
			Tool:          tool,
			Bench:         b.Name,
			CommitID:      run.Commit.ID,
			Date:          run.Date,
			CommitTime:    commitTime,
			Value:         b.Value,
			Unit:          b.Unit,
			Extra:         b.Extra,
			Direction:     string(b.Direction),
			CommitMessage: run.Commit.Message,
			CommitURL:     run.Commit.URL,
			Author:        run.Commit.Author.Name,
			SyncedAt:      now,
		})
	}

	return points
}
