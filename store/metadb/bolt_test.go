package metadb

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	depot "github.com/wolfeidau/artifact-depot"
	"github.com/wolfeidau/artifact-depot/querymetrics"
)

func newTestBoltDB(t *testing.T, opts ...BoltDBOption) *BoltDB {
	t.Helper()
	db := NewBoltDB(append([]BoltDBOption{WithNoSync(true)}, opts...)...)
	dbPath := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, db.Open(dbPath))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func coord(g, a, v string) depot.Coordinate {
	return depot.Coordinate{GroupID: g, ArtifactID: a, VersionID: v}
}

func TestBoltDB_OpenClose(t *testing.T) {
	db := NewBoltDB()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	require.NoError(t, db.Open(dbPath))
	require.NotNil(t, db.DB())
	require.NoError(t, db.Close())
	assert.Nil(t, db.DB())

	// Closing twice is harmless.
	require.NoError(t, db.Close())

	// Reopening keeps existing buckets.
	require.NoError(t, db.Open(dbPath))
	require.NoError(t, db.Close())
}

func TestBoltDB_Stats(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	db := newTestBoltDB(t, WithNow(func() time.Time { return now }))

	t.Run("empty database", func(t *testing.T) {
		stats, err := db.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.MetricRecords)
		assert.Zero(t, stats.Versions)
		assert.True(t, stats.OldestQuery.IsZero())
		assert.Positive(t, stats.DBFileSize)
	})

	t.Run("counts records and coordinates", func(t *testing.T) {
		a := coord("org.example", "lib", "1.0.0")
		b := coord("org.example", "lib", "2.0.0")

		_, err := db.Insert(ctx, querymetrics.NewMetric(a, now.Add(-2*time.Hour)))
		require.NoError(t, err)
		_, err = db.Insert(ctx, querymetrics.NewMetric(a, now.Add(-time.Hour)))
		require.NoError(t, err)
		_, err = db.Insert(ctx, querymetrics.NewMetric(b, now))
		require.NoError(t, err)

		_, err = db.PutVersion(ctx, a, time.Time{})
		require.NoError(t, err)
		_, err = db.PutVersion(ctx, b, time.Time{})
		require.NoError(t, err)
		_, _, err = db.SetState(ctx, b, depot.StateEvicted)
		require.NoError(t, err)

		stats, err := db.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), stats.MetricRecords)
		assert.Equal(t, int64(2), stats.MetricCoordinates)
		assert.Equal(t, int64(2), stats.Versions)
		assert.Equal(t, int64(1), stats.VersionsByState["active"])
		assert.Equal(t, int64(1), stats.VersionsByState["evicted"])
		assert.True(t, stats.OldestQuery.Equal(now.Add(-2*time.Hour)))
		assert.True(t, stats.NewestQuery.Equal(now))
	})
}

func TestBoltDB_Backup(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)

	c := coord("org.example", "lib", "1.0.0")
	_, err := db.Insert(ctx, querymetrics.NewMetric(c, time.Now()))
	require.NoError(t, err)
	_, err = db.PutVersion(ctx, c, time.Time{})
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := db.Backup(ctx, &buf)
	require.NoError(t, err)
	assert.Positive(t, n)

	t.Run("snapshot is zstd compressed", func(t *testing.T) {
		dec, err := zstd.NewReader(nil)
		require.NoError(t, err)
		defer dec.Close()

		raw, err := dec.DecodeAll(buf.Bytes(), nil)
		require.NoError(t, err)
		assert.Len(t, raw, int(n))
	})

	t.Run("restore opens with the same contents", func(t *testing.T) {
		dest := filepath.Join(t.TempDir(), "restored.db")
		written, err := Restore(bytes.NewReader(buf.Bytes()), dest)
		require.NoError(t, err)
		assert.Equal(t, n, written)

		restored := NewBoltDB()
		require.NoError(t, restored.Open(dest))
		t.Cleanup(func() { _ = restored.Close() })

		records, err := restored.Get(ctx, c.GroupID, c.ArtifactID, c.VersionID)
		require.NoError(t, err)
		assert.Len(t, records, 1)

		record, err := restored.GetVersion(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, depot.StateActive, record.State)
	})

	t.Run("restore refuses to overwrite", func(t *testing.T) {
		dest := filepath.Join(t.TempDir(), "existing.db")
		_, err := Restore(bytes.NewReader(buf.Bytes()), dest)
		require.NoError(t, err)

		_, err = Restore(bytes.NewReader(buf.Bytes()), dest)
		require.Error(t, err)
	})

	t.Run("canceled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		var out bytes.Buffer
		_, err := db.Backup(cctx, &out)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestBoltDB_CompactDB(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)

	c := coord("org.example", "lib", "1.0.0")
	for range 3 {
		_, err := db.Insert(ctx, querymetrics.NewMetric(c, time.Now()))
		require.NoError(t, err)
	}

	dest := filepath.Join(t.TempDir(), "compact.db")
	require.NoError(t, db.CompactDB(ctx, dest))

	compacted := NewBoltDB()
	require.NoError(t, compacted.Open(dest))
	t.Cleanup(func() { _ = compacted.Close() })

	records, err := compacted.Get(ctx, c.GroupID, c.ArtifactID, c.VersionID)
	require.NoError(t, err)
	assert.Len(t, records, 3)

	// Sequence is preserved so new IDs do not collide.
	m, err := compacted.Insert(ctx, querymetrics.NewMetric(c, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), m.ID)
}

func TestBoltDB_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)

	const numGoroutines = 10
	const numOps = 20

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := range numGoroutines {
		go func(id int) {
			defer wg.Done()
			c := coord("org.example", "lib", string(rune('a'+id))+"-1.0")
			for range numOps {
				_, _ = db.Insert(ctx, querymetrics.NewMetric(c, time.Now()))
				_, _ = db.Get(ctx, c.GroupID, c.ArtifactID, c.VersionID)
				_, _ = db.PutVersion(ctx, c, time.Time{})
			}
		}(i)
	}

	wg.Wait()

	coords, err := db.GetAllStoredEntitiesCoordinates(ctx)
	require.NoError(t, err)
	assert.Len(t, coords, numGoroutines)

	stats, err := db.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(numGoroutines*numOps), stats.MetricRecords)
	assert.Equal(t, int64(numGoroutines), stats.Versions)
}
