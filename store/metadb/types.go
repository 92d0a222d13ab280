// Package metadb provides bbolt-backed storage for query metrics and
// project version records.
package metadb

import "time"

// Stats summarises the database contents.
type Stats struct {
	MetricRecords     int64            `json:"metric_records"`
	MetricCoordinates int64            `json:"metric_coordinates"`
	Versions          int64            `json:"versions"`
	VersionsByState   map[string]int64 `json:"versions_by_state"`
	OldestQuery       time.Time        `json:"oldest_query,omitempty"`
	NewestQuery       time.Time        `json:"newest_query,omitempty"`
	DBFileSize        int64            `json:"db_file_size"`
}
