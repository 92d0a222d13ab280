package metadb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	depot "github.com/wolfeidau/artifact-depot"
	"go.etcd.io/bbolt"
)

// PutVersion registers a version as active. Registering an existing version
// returns the stored record unchanged. A zero publishedAt means now.
func (b *BoltDB) PutVersion(_ context.Context, c depot.Coordinate, publishedAt time.Time) (*depot.VersionRecord, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	var record *depot.VersionRecord
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketVersions)
		if bucket == nil {
			return fmt.Errorf("versions bucket not found")
		}

		key := makeCoordinateKey(c)
		if val := bucket.Get(key); val != nil {
			var existing depot.VersionRecord
			if err := json.Unmarshal(val, &existing); err != nil {
				return fmt.Errorf("unmarshaling version: %w", err)
			}
			record = &existing
			return nil
		}

		now := b.now()
		if publishedAt.IsZero() {
			publishedAt = now
		}
		record = &depot.VersionRecord{
			GroupID:     c.GroupID,
			ArtifactID:  c.ArtifactID,
			VersionID:   c.VersionID,
			State:       depot.StateActive,
			PublishedAt: publishedAt,
			UpdatedAt:   now,
		}
		return putVersion(bucket, record)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// GetVersion retrieves the record for a coordinate.
func (b *BoltDB) GetVersion(_ context.Context, c depot.Coordinate) (*depot.VersionRecord, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	var record depot.VersionRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketVersions)
		if bucket == nil {
			return ErrNotFound
		}

		val := bucket.Get(makeCoordinateKey(c))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ListVersions returns every version record in key order.
func (b *BoltDB) ListVersions(_ context.Context) ([]*depot.VersionRecord, error) {
	return b.scanVersions(nil)
}

// FindVersions returns every version record of a project.
func (b *BoltDB) FindVersions(_ context.Context, groupID, artifactID string) ([]*depot.VersionRecord, error) {
	if err := depot.ValidateProject(groupID, artifactID); err != nil {
		return nil, err
	}
	return b.scanVersions(makeProjectPrefix(groupID, artifactID))
}

func (b *BoltDB) scanVersions(prefix []byte) ([]*depot.VersionRecord, error) {
	var records []*depot.VersionRecord

	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketVersions)
		if bucket == nil {
			return nil
		}

		cursor := bucket.Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			var record depot.VersionRecord
			if err := json.Unmarshal(v, &record); err != nil {
				b.logger.Warn("skipping corrupt version record", "key", string(k), "error", err)
				continue
			}
			records = append(records, &record)
		}
		return nil
	})
	return records, err
}

// SetState moves a version to a new lifecycle state. It returns the updated
// record and whether the state changed; moving to the current state is a
// no-op. Moving to deleted removes the record.
func (b *BoltDB) SetState(_ context.Context, c depot.Coordinate, state depot.VersionState) (*depot.VersionRecord, bool, error) {
	if err := c.Validate(); err != nil {
		return nil, false, err
	}

	var (
		record  depot.VersionRecord
		changed bool
	)
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketVersions)
		if bucket == nil {
			return ErrNotFound
		}

		key := makeCoordinateKey(c)
		val := bucket.Get(key)
		if val == nil {
			return fmt.Errorf("version %s: %w", c, ErrNotFound)
		}
		if err := json.Unmarshal(val, &record); err != nil {
			return fmt.Errorf("unmarshaling version: %w", err)
		}

		if err := depot.CheckTransition(record.State, state); err != nil {
			return fmt.Errorf("version %s: %w", c, err)
		}
		if record.State == state {
			return nil
		}

		changed = true
		record.State = state
		record.UpdatedAt = b.now()
		if state == depot.StateDeleted {
			return bucket.Delete(key)
		}
		return putVersion(bucket, &record)
	})
	if err != nil {
		return nil, false, err
	}
	return &record, changed, nil
}

// DeleteVersion removes a version record. Deleted is terminal.
func (b *BoltDB) DeleteVersion(ctx context.Context, c depot.Coordinate) error {
	_, _, err := b.SetState(ctx, c, depot.StateDeleted)
	return err
}

func putVersion(bucket *bbolt.Bucket, record *depot.VersionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling version: %w", err)
	}
	if err := bucket.Put(makeCoordinateKey(record.Coordinate()), data); err != nil {
		return fmt.Errorf("putting version: %w", err)
	}
	return nil
}
