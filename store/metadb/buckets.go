package metadb

import (
	"bytes"
	"encoding/binary"
	"time"

	depot "github.com/wolfeidau/artifact-depot"
)

// Bucket names for bbolt storage.
var (
	// Query metric records - id -> VersionQueryMetric JSON
	bucketQueryMetrics = []byte("query_metrics")

	// Coordinate index - group|artifact|version|id -> nil
	bucketMetricsByCoord = []byte("query_metrics_by_coord")

	// Last query time index - timestamp+id -> nil
	bucketMetricsByTime = []byte("query_metrics_by_time")

	// Project/version records - group|artifact|version -> VersionRecord JSON
	bucketVersions = []byte("versions")
)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	// Offset by math.MinInt64 to convert signed to unsigned while preserving order.
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

func encodeID(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

func decodeID(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b[:8])
}

// makeProjectPrefix creates the prefix shared by every version of a project.
// Format: [group][separator][artifact][separator]
func makeProjectPrefix(groupID, artifactID string) []byte {
	result := make([]byte, 0, len(groupID)+1+len(artifactID)+1)
	result = append(result, groupID...)
	result = append(result, 0)
	result = append(result, artifactID...)
	result = append(result, 0)
	return result
}

// makeCoordinateKey creates a compound key for a coordinate.
// Format: [group][separator][artifact][separator][version]
func makeCoordinateKey(c depot.Coordinate) []byte {
	return append(makeProjectPrefix(c.GroupID, c.ArtifactID), c.VersionID...)
}

// parseCoordinateKey extracts the coordinate from a compound key.
func parseCoordinateKey(data []byte) depot.Coordinate {
	parts := bytes.SplitN(data, []byte{0}, 3)
	if len(parts) != 3 {
		return depot.Coordinate{}
	}
	return depot.Coordinate{
		GroupID:    string(parts[0]),
		ArtifactID: string(parts[1]),
		VersionID:  string(parts[2]),
	}
}

// makeCoordinatePrefix creates the prefix for every metric index entry of a coordinate.
// Format: [group][separator][artifact][separator][version][separator]
func makeCoordinatePrefix(c depot.Coordinate) []byte {
	return append(makeCoordinateKey(c), 0)
}

// makeMetricCoordKey creates a key for the coordinate index.
// Format: [group][separator][artifact][separator][version][separator][8-byte id]
func makeMetricCoordKey(c depot.Coordinate, id uint64) []byte {
	return append(makeCoordinatePrefix(c), encodeID(id)...)
}

// parseMetricCoordKey extracts the coordinate and record id from a coordinate index key.
func parseMetricCoordKey(data []byte) (depot.Coordinate, uint64) {
	if len(data) < 9 {
		return depot.Coordinate{}, 0
	}
	return parseCoordinateKey(data[:len(data)-9]), decodeID(data[len(data)-8:])
}

// makeMetricTimeKey creates a key for the last query time index.
// Format: [8-byte timestamp][8-byte id]
func makeMetricTimeKey(t time.Time, id uint64) []byte {
	key := make([]byte, 16)
	copy(key[:8], encodeTimestamp(t))
	copy(key[8:], encodeID(id))
	return key
}

// parseMetricTimeKey extracts the timestamp and record id from a time index key.
func parseMetricTimeKey(data []byte) (time.Time, uint64) {
	if len(data) < 16 {
		return time.Time{}, 0
	}
	return decodeTimestamp(data[:8]), decodeID(data[8:16])
}
