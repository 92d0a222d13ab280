package metadb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	depot "github.com/wolfeidau/artifact-depot"
	"github.com/wolfeidau/artifact-depot/querymetrics"
	"go.etcd.io/bbolt"
)

// Insert appends a query metric record. Duplicates for the same coordinate
// are kept until Consolidate folds them together.
func (b *BoltDB) Insert(_ context.Context, m querymetrics.VersionQueryMetric) (querymetrics.VersionQueryMetric, error) {
	if err := m.Coordinate().Validate(); err != nil {
		return querymetrics.VersionQueryMetric{}, err
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		metrics := tx.Bucket(bucketQueryMetrics)
		if metrics == nil {
			return fmt.Errorf("query_metrics bucket not found")
		}

		id, err := metrics.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating metric id: %w", err)
		}
		m.ID = id

		return putMetric(tx, m)
	})
	if err != nil {
		return querymetrics.VersionQueryMetric{}, err
	}
	return m, nil
}

// Get returns every record for a coordinate in ID order.
func (b *BoltDB) Get(_ context.Context, groupID, artifactID, versionID string) ([]querymetrics.VersionQueryMetric, error) {
	c := depot.Coordinate{GroupID: groupID, ArtifactID: artifactID, VersionID: versionID}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	var records []querymetrics.VersionQueryMetric
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		records, err = b.loadByPrefix(tx, makeCoordinatePrefix(c))
		return err
	})
	return records, err
}

// Find returns every record under a project, grouped by version.
func (b *BoltDB) Find(_ context.Context, groupID, artifactID string) ([]querymetrics.VersionQueryMetric, error) {
	if err := depot.ValidateProject(groupID, artifactID); err != nil {
		return nil, err
	}

	var records []querymetrics.VersionQueryMetric
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		records, err = b.loadByPrefix(tx, makeProjectPrefix(groupID, artifactID))
		return err
	})
	return records, err
}

// FindMetricsBefore returns records last queried strictly before cutoff,
// oldest first.
func (b *BoltDB) FindMetricsBefore(_ context.Context, cutoff time.Time) ([]querymetrics.VersionQueryMetric, error) {
	var records []querymetrics.VersionQueryMetric

	err := b.db.View(func(tx *bbolt.Tx) error {
		index := tx.Bucket(bucketMetricsByTime)
		metrics := tx.Bucket(bucketQueryMetrics)
		if index == nil || metrics == nil {
			return nil
		}

		cursor := index.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			ts, id := parseMetricTimeKey(k)
			if !ts.Before(cutoff) {
				break
			}

			m, ok, err := getMetric(metrics, id)
			if err != nil {
				return err
			}
			if !ok {
				b.logger.Warn("time index references missing metric", "id", id)
				continue
			}
			records = append(records, m)
		}
		return nil
	})
	return records, err
}

// GetAllStoredEntitiesCoordinates returns the distinct coordinates with at
// least one metric record, in key order.
func (b *BoltDB) GetAllStoredEntitiesCoordinates(_ context.Context) ([]depot.Coordinate, error) {
	var coords []depot.Coordinate

	err := b.db.View(func(tx *bbolt.Tx) error {
		index := tx.Bucket(bucketMetricsByCoord)
		if index == nil {
			return nil
		}

		// Index keys for the same coordinate are contiguous.
		cursor := index.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			c, _ := parseMetricCoordKey(k)
			if len(coords) > 0 && coords[len(coords)-1] == c {
				continue
			}
			coords = append(coords, c)
		}
		return nil
	})
	return coords, err
}

// Consolidate folds every record of canonical's coordinate into a single
// record and returns how many records were deleted. The surviving record
// keeps canonical's ID when it still exists; otherwise the latest record in
// the transaction is kept. Its count becomes the sum of all counts and its
// last query time the latest of all. Calling it again deletes nothing.
func (b *BoltDB) Consolidate(_ context.Context, canonical querymetrics.VersionQueryMetric) (int, error) {
	c := canonical.Coordinate()
	if err := c.Validate(); err != nil {
		return 0, err
	}

	deleted := 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		records, err := b.loadByPrefix(tx, makeCoordinatePrefix(c))
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return fmt.Errorf("consolidating %s: %w", c, ErrNotFound)
		}
		if len(records) == 1 {
			return nil
		}

		keep, found := querymetrics.VersionQueryMetric{}, false
		for _, m := range records {
			if m.ID == canonical.ID {
				keep, found = m, true
				break
			}
		}
		if !found {
			keep, _ = querymetrics.Latest(records)
		}

		for _, m := range records {
			if err := deleteMetric(tx, m); err != nil {
				return err
			}
			if m.ID != keep.ID {
				deleted++
			}
		}

		return putMetric(tx, querymetrics.Merge(keep, records))
	})
	if err != nil {
		return 0, err
	}

	if deleted > 0 {
		b.logger.Debug("consolidated metrics", "coordinate", c.String(), "deleted", deleted)
	}
	return deleted, nil
}

// DeleteMetrics removes every record for c.
func (b *BoltDB) DeleteMetrics(_ context.Context, c depot.Coordinate) (int, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}

	deleted := 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		records, err := b.loadByPrefix(tx, makeCoordinatePrefix(c))
		if err != nil {
			return err
		}
		for _, m := range records {
			if err := deleteMetric(tx, m); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// loadByPrefix loads every record whose coordinate index key starts with prefix.
func (b *BoltDB) loadByPrefix(tx *bbolt.Tx, prefix []byte) ([]querymetrics.VersionQueryMetric, error) {
	index := tx.Bucket(bucketMetricsByCoord)
	metrics := tx.Bucket(bucketQueryMetrics)
	if index == nil || metrics == nil {
		return nil, nil
	}

	var records []querymetrics.VersionQueryMetric
	cursor := index.Cursor()
	for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
		_, id := parseMetricCoordKey(k)
		m, ok, err := getMetric(metrics, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			b.logger.Warn("coordinate index references missing metric", "id", id)
			continue
		}
		records = append(records, m)
	}
	return records, nil
}

func getMetric(bucket *bbolt.Bucket, id uint64) (querymetrics.VersionQueryMetric, bool, error) {
	val := bucket.Get(encodeID(id))
	if val == nil {
		return querymetrics.VersionQueryMetric{}, false, nil
	}

	var m querymetrics.VersionQueryMetric
	if err := json.Unmarshal(val, &m); err != nil {
		return querymetrics.VersionQueryMetric{}, false, fmt.Errorf("unmarshaling metric %d: %w", id, err)
	}
	return m, true, nil
}

// putMetric writes a record and both of its index entries.
func putMetric(tx *bbolt.Tx, m querymetrics.VersionQueryMetric) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling metric: %w", err)
	}

	if err := tx.Bucket(bucketQueryMetrics).Put(encodeID(m.ID), data); err != nil {
		return fmt.Errorf("putting metric: %w", err)
	}
	if err := tx.Bucket(bucketMetricsByCoord).Put(makeMetricCoordKey(m.Coordinate(), m.ID), nil); err != nil {
		return fmt.Errorf("putting coordinate index: %w", err)
	}
	if err := tx.Bucket(bucketMetricsByTime).Put(makeMetricTimeKey(m.LastQueryTime, m.ID), nil); err != nil {
		return fmt.Errorf("putting time index: %w", err)
	}
	return nil
}

// deleteMetric removes a record and both of its index entries.
func deleteMetric(tx *bbolt.Tx, m querymetrics.VersionQueryMetric) error {
	if err := tx.Bucket(bucketQueryMetrics).Delete(encodeID(m.ID)); err != nil {
		return fmt.Errorf("deleting metric: %w", err)
	}
	if err := tx.Bucket(bucketMetricsByCoord).Delete(makeMetricCoordKey(m.Coordinate(), m.ID)); err != nil {
		return fmt.Errorf("deleting coordinate index: %w", err)
	}
	if err := tx.Bucket(bucketMetricsByTime).Delete(makeMetricTimeKey(m.LastQueryTime, m.ID)); err != nil {
		return fmt.Errorf("deleting time index: %w", err)
	}
	return nil
}
