// Package querymetrics records which cached versions are queried and when,
// and reduces the raw events into one summary per coordinate.
package querymetrics

import (
	"context"
	"time"

	depot "github.com/wolfeidau/artifact-depot"
)

// QueryEvent is a single query against a cached version.
type QueryEvent struct {
	Seq        uint64
	Coordinate depot.Coordinate
	Timestamp  time.Time
}

// VersionQueryMetric is a durable usage summary for one coordinate.
// ID is assigned by the store on insert.
type VersionQueryMetric struct {
	ID            uint64    `json:"id"`
	GroupID       string    `json:"group_id"`
	ArtifactID    string    `json:"artifact_id"`
	VersionID     string    `json:"version_id"`
	QueryCount    int64     `json:"query_count"`
	LastQueryTime time.Time `json:"last_query_time"`
}

// NewMetric creates a metric for c with a single query at t.
func NewMetric(c depot.Coordinate, t time.Time) VersionQueryMetric {
	return VersionQueryMetric{
		GroupID:       c.GroupID,
		ArtifactID:    c.ArtifactID,
		VersionID:     c.VersionID,
		QueryCount:    1,
		LastQueryTime: t,
	}
}

// Coordinate returns the metric's coordinate.
func (m VersionQueryMetric) Coordinate() depot.Coordinate {
	return depot.Coordinate{GroupID: m.GroupID, ArtifactID: m.ArtifactID, VersionID: m.VersionID}
}

// Latest returns the record with the greatest LastQueryTime, breaking ties
// by the lowest ID. ok is false when records is empty.
func Latest(records []VersionQueryMetric) (latest VersionQueryMetric, ok bool) {
	for i, m := range records {
		if i == 0 ||
			m.LastQueryTime.After(latest.LastQueryTime) ||
			(m.LastQueryTime.Equal(latest.LastQueryTime) && m.ID < latest.ID) {
			latest = m
		}
	}
	return latest, len(records) > 0
}

// Merge folds records into a single summary: counts are summed and the latest
// query time wins. The identity (ID and coordinate) is taken from canonical.
func Merge(canonical VersionQueryMetric, records []VersionQueryMetric) VersionQueryMetric {
	merged := canonical
	merged.QueryCount = 0
	for _, m := range records {
		merged.QueryCount += m.QueryCount
		if m.LastQueryTime.After(merged.LastQueryTime) {
			merged.LastQueryTime = m.LastQueryTime
		}
	}
	return merged
}

// Store is the durable home of VersionQueryMetric records.
type Store interface {
	// Get returns every record for the exact coordinate in ID order.
	Get(ctx context.Context, groupID, artifactID, versionID string) ([]VersionQueryMetric, error)
	// Find returns every record under a project.
	Find(ctx context.Context, groupID, artifactID string) ([]VersionQueryMetric, error)
	// FindMetricsBefore returns records whose LastQueryTime is before cutoff.
	FindMetricsBefore(ctx context.Context, cutoff time.Time) ([]VersionQueryMetric, error)
	// GetAllStoredEntitiesCoordinates returns each coordinate with at least one record.
	GetAllStoredEntitiesCoordinates(ctx context.Context) ([]depot.Coordinate, error)
	// Insert appends a record without deduplication and returns it with its ID.
	Insert(ctx context.Context, m VersionQueryMetric) (VersionQueryMetric, error)
	// Consolidate keeps canonical as the only record for its coordinate,
	// folding the counts of the others into it, and returns how many
	// records were deleted.
	Consolidate(ctx context.Context, canonical VersionQueryMetric) (int, error)
	// DeleteMetrics removes every record for c and returns how many were deleted.
	DeleteMetrics(ctx context.Context, c depot.Coordinate) (int, error)
}
