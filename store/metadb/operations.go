package metadb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	depot "github.com/wolfeidau/artifact-depot"
	"go.etcd.io/bbolt"
)

// Stats returns summary statistics about the database contents.
func (b *BoltDB) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{VersionsByState: make(map[string]int64)}

	err := b.db.View(func(tx *bbolt.Tx) error {
		if bucket := tx.Bucket(bucketQueryMetrics); bucket != nil {
			stats.MetricRecords = int64(bucket.Stats().KeyN)
		}

		if index := tx.Bucket(bucketMetricsByTime); index != nil {
			cursor := index.Cursor()
			if k, _ := cursor.First(); k != nil {
				stats.OldestQuery, _ = parseMetricTimeKey(k)
			}
			if k, _ := cursor.Last(); k != nil {
				stats.NewestQuery, _ = parseMetricTimeKey(k)
			}
		}

		if index := tx.Bucket(bucketMetricsByCoord); index != nil {
			var last depot.Coordinate
			cursor := index.Cursor()
			for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
				c, _ := parseMetricCoordKey(k)
				if c != last {
					stats.MetricCoordinates++
					last = c
				}
			}
		}

		if bucket := tx.Bucket(bucketVersions); bucket != nil {
			cursor := bucket.Cursor()
			for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
				var record depot.VersionRecord
				if err := json.Unmarshal(v, &record); err != nil {
					continue
				}
				stats.Versions++
				stats.VersionsByState[string(record.State)]++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if fi, err := os.Stat(b.db.Path()); err == nil {
		stats.DBFileSize = fi.Size()
	}

	return stats, nil
}

// Backup writes a consistent zstd-compressed snapshot of the database to w
// and returns the number of uncompressed bytes written.
func (b *BoltDB) Backup(ctx context.Context, w io.Writer) (int64, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, fmt.Errorf("creating zstd encoder: %w", err)
	}

	var n int64
	err = b.db.View(func(tx *bbolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		n, err = tx.WriteTo(enc)
		return err
	})
	if err != nil {
		_ = enc.Close()
		return n, fmt.Errorf("writing snapshot: %w", err)
	}

	if err := enc.Close(); err != nil {
		return n, fmt.Errorf("flushing snapshot: %w", err)
	}

	b.logger.Info("database backup written", "bytes", n)
	return n, nil
}

// Restore decompresses a snapshot produced by Backup into a new database
// file at destPath. The destination must not be open.
func Restore(r io.Reader, destPath string) (int64, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer dec.Close()

	f, err := os.OpenFile(destPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", destPath, err)
	}

	n, err := io.Copy(f, dec)
	if err != nil {
		_ = f.Close()
		return n, fmt.Errorf("restoring snapshot: %w", err)
	}
	return n, f.Close()
}

// CompactDB copies every bucket into a new database file at destPath.
// This reclaims space from deleted entries.
func (b *BoltDB) CompactDB(ctx context.Context, destPath string) error {
	destDB, err := bbolt.Open(destPath, 0o600, &bbolt.Options{
		NoSync: b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening destination database: %w", err)
	}
	defer destDB.Close()

	return b.db.View(func(srcTx *bbolt.Tx) error {
		return destDB.Update(func(destTx *bbolt.Tx) error {
			return srcTx.ForEach(func(name []byte, srcBucket *bbolt.Bucket) error {
				if err := ctx.Err(); err != nil {
					return err
				}

				destBucket, err := destTx.CreateBucketIfNotExists(name)
				if err != nil {
					return fmt.Errorf("creating bucket %s: %w", name, err)
				}
				if err := destBucket.SetSequence(srcBucket.Sequence()); err != nil {
					return fmt.Errorf("copying sequence for %s: %w", name, err)
				}

				return srcBucket.ForEach(func(k, v []byte) error {
					return destBucket.Put(k, v)
				})
			})
		})
	})
}
