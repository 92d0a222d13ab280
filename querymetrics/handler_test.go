package querymetrics

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	depot "github.com/wolfeidau/artifact-depot"
)

// memStore is an in-memory Store with failure injection.
type memStore struct {
	mu      sync.Mutex
	nextID  uint64
	records []VersionQueryMetric

	getErr     map[depot.Coordinate]error
	insertErr  error
	extraCoord []depot.Coordinate
	inserts    int
	gets       int
}

func newMemStore() *memStore {
	return &memStore{getErr: make(map[depot.Coordinate]error)}
}

func (s *memStore) Get(_ context.Context, g, a, v string) ([]VersionQueryMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gets++
	c := depot.Coordinate{GroupID: g, ArtifactID: a, VersionID: v}
	if err := s.getErr[c]; err != nil {
		return nil, err
	}
	var out []VersionQueryMetric
	for _, m := range s.records {
		if m.Coordinate() == c {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) Find(_ context.Context, g, a string) ([]VersionQueryMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []VersionQueryMetric
	for _, m := range s.records {
		if m.GroupID == g && m.ArtifactID == a {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) FindMetricsBefore(_ context.Context, cutoff time.Time) ([]VersionQueryMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []VersionQueryMetric
	for _, m := range s.records {
		if m.LastQueryTime.Before(cutoff) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) GetAllStoredEntitiesCoordinates(_ context.Context) ([]depot.Coordinate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []depot.Coordinate
	for _, m := range s.records {
		if !slices.Contains(out, m.Coordinate()) {
			out = append(out, m.Coordinate())
		}
	}
	return append(out, s.extraCoord...), nil
}

func (s *memStore) Insert(_ context.Context, m VersionQueryMetric) (VersionQueryMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inserts++
	if s.insertErr != nil {
		return VersionQueryMetric{}, s.insertErr
	}
	s.nextID++
	m.ID = s.nextID
	s.records = append(s.records, m)
	return m, nil
}

func (s *memStore) Consolidate(_ context.Context, canonical VersionQueryMetric) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := canonical.Coordinate()
	var matching []VersionQueryMetric
	for _, m := range s.records {
		if m.Coordinate() == c {
			matching = append(matching, m)
		}
	}
	if len(matching) <= 1 {
		return 0, nil
	}

	merged := Merge(canonical, matching)
	s.records = slices.DeleteFunc(s.records, func(m VersionQueryMetric) bool { return m.Coordinate() == c })
	s.records = append(s.records, merged)
	return len(matching) - 1, nil
}

func (s *memStore) DeleteMetrics(_ context.Context, c depot.Coordinate) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := len(s.records)
	s.records = slices.DeleteFunc(s.records, func(m VersionQueryMetric) bool { return m.Coordinate() == c })
	return before - len(s.records), nil
}

func (s *memStore) add(c depot.Coordinate, count int64, t time.Time) VersionQueryMetric {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	m := VersionQueryMetric{
		ID:            s.nextID,
		GroupID:       c.GroupID,
		ArtifactID:    c.ArtifactID,
		VersionID:     c.VersionID,
		QueryCount:    count,
		LastQueryTime: t,
	}
	s.records = append(s.records, m)
	return m
}

func coord(g, a, v string) depot.Coordinate {
	return depot.Coordinate{GroupID: g, ArtifactID: a, VersionID: v}
}

func TestHandler_GetSummary(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := coord("org.example", "lib", "1.0.0")

	t.Run("latest record wins", func(t *testing.T) {
		store := newMemStore()
		store.add(c, 1, base)
		want := store.add(c, 1, base.Add(time.Hour))
		store.add(c, 1, base.Add(30*time.Minute))

		h := NewHandler(store, NewRegistry())
		got, ok, err := h.GetSummary(ctx, c)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want.ID, got.ID)
	})

	t.Run("ties break by lowest id", func(t *testing.T) {
		store := newMemStore()
		first := store.add(c, 1, base)
		store.add(c, 1, base)

		h := NewHandler(store, NewRegistry())
		got, ok, err := h.GetSummary(ctx, c)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, first.ID, got.ID)
	})

	t.Run("absent coordinate", func(t *testing.T) {
		h := NewHandler(newMemStore(), NewRegistry())
		_, ok, err := h.GetSummary(ctx, c)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestHandler_GetSummaryByProjectVersion(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("one summary per coordinate sorted", func(t *testing.T) {
		store := newMemStore()
		store.add(coord("org.example", "lib", "2.0.0"), 1, base)
		store.add(coord("org.example", "lib", "1.0.0"), 1, base)
		store.add(coord("org.example", "lib", "2.0.0"), 1, base.Add(time.Hour))

		h := NewHandler(store, NewRegistry(), WithConcurrency(2))
		summaries, err := h.GetSummaryByProjectVersion(ctx)
		require.NoError(t, err)
		require.Len(t, summaries, 2)
		assert.Equal(t, "1.0.0", summaries[0].VersionID)
		assert.Equal(t, "2.0.0", summaries[1].VersionID)
		assert.True(t, summaries[1].LastQueryTime.Equal(base.Add(time.Hour)))
	})

	t.Run("listed coordinate without records is inconsistent", func(t *testing.T) {
		store := newMemStore()
		store.add(coord("org.example", "lib", "1.0.0"), 1, base)
		store.extraCoord = []depot.Coordinate{coord("org.example", "lib", "9.9.9")}

		h := NewHandler(store, NewRegistry())
		_, err := h.GetSummaryByProjectVersion(ctx)
		require.ErrorIs(t, err, depot.ErrStoreInconsistency)
	})

	t.Run("store failure keeps its cause and stops the sweep", func(t *testing.T) {
		store := newMemStore()
		coords := []depot.Coordinate{
			coord("org.example", "lib", "1.0.0"),
			coord("org.example", "lib", "2.0.0"),
			coord("org.example", "lib", "3.0.0"),
		}
		for _, c := range coords {
			store.add(c, 1, base)
		}
		store.getErr[coords[0]] = fmt.Errorf("%w: upstream down", depot.ErrRepositoryUnavailable)

		h := NewHandler(store, NewRegistry(), WithConcurrency(1))
		summaries, err := h.GetSummaryByProjectVersion(ctx)
		require.ErrorIs(t, err, depot.ErrRepositoryUnavailable)
		assert.Equal(t, depot.KindRepositoryUnavailable, depot.ErrorKind(err))
		assert.Nil(t, summaries)
		assert.Equal(t, 1, store.gets)
	})
}

func TestHandler_FindBefore(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	store := newMemStore()
	store.add(coord("org.example", "lib", "1.0.0"), 1, base)
	store.add(coord("org.example", "lib", "master-SNAPSHOT"), 1, base)
	store.add(coord("org.example", "lib", "2.0.0"), 1, base.Add(48*time.Hour))

	h := NewHandler(store, NewRegistry())
	cutoff := base.Add(24 * time.Hour)

	releases, err := h.FindReleasedVersionMetricsBefore(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, releases, 1)
	assert.Equal(t, "1.0.0", releases[0].VersionID)

	snapshots, err := h.FindSnapshotVersionMetricsBefore(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, "master-SNAPSHOT", snapshots[0].VersionID)

	project, err := h.FindMetricsForProjectCoordinates(ctx, "org.example", "lib")
	require.NoError(t, err)
	assert.Len(t, project, 3)

	_, err = h.FindMetricsForProjectCoordinates(ctx, "", "lib")
	require.ErrorIs(t, err, depot.ErrInvalidArgument)
}

func TestHandler_PersistMetrics(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	t.Run("drains registry in order", func(t *testing.T) {
		store := newMemStore()
		registry := NewRegistry(WithRegistryNow(clock))
		h := NewHandler(store, registry)

		require.NoError(t, h.RecordQuery(ctx, coord("org.example", "lib", "1.0.0")))
		require.NoError(t, h.RecordQuery(ctx, coord("org.example", "lib", "2.0.0")))
		require.NoError(t, h.RecordQuery(ctx, coord("org.example", "lib", "1.0.0")))

		n, err := h.PersistMetrics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.Zero(t, registry.Len())

		records, err := store.Get(ctx, "org.example", "lib", "1.0.0")
		require.NoError(t, err)
		assert.Len(t, records, 2)
		for _, m := range records {
			assert.Equal(t, int64(1), m.QueryCount)
			assert.True(t, m.LastQueryTime.Equal(now))
		}
	})

	t.Run("failed insert leaves event queued", func(t *testing.T) {
		store := newMemStore()
		registry := NewRegistry(WithRegistryNow(clock))
		h := NewHandler(store, registry)

		require.NoError(t, h.RecordQuery(ctx, coord("org.example", "lib", "1.0.0")))
		require.NoError(t, h.RecordQuery(ctx, coord("org.example", "lib", "2.0.0")))

		store.insertErr = errors.New("disk full")
		n, err := h.PersistMetrics(ctx)
		require.Error(t, err)
		assert.Zero(t, n)
		assert.Equal(t, 2, registry.Len())

		store.insertErr = nil
		n, err = h.PersistMetrics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Zero(t, registry.Len())
	})

	t.Run("canceled context stops drain", func(t *testing.T) {
		store := newMemStore()
		registry := NewRegistry()
		h := NewHandler(store, registry)
		require.NoError(t, h.RecordQuery(ctx, coord("org.example", "lib", "1.0.0")))

		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := h.PersistMetrics(cctx)
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, registry.Len())
	})

	t.Run("invalid coordinate rejected", func(t *testing.T) {
		h := NewHandler(newMemStore(), NewRegistry())
		err := h.RecordQuery(ctx, coord("org.example", "", "1.0.0"))
		require.ErrorIs(t, err, depot.ErrInvalidArgument)
	})
}

func TestHandler_ConsolidateMetrics(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("partial failure keeps going", func(t *testing.T) {
		store := newMemStore()
		coords := []depot.Coordinate{
			coord("org.example", "lib", "1.0.0"),
			coord("org.example", "lib", "2.0.0"),
			coord("org.example", "lib", "3.0.0"),
			coord("org.example", "lib", "4.0.0"),
			coord("org.example", "lib", "5.0.0"),
		}
		for _, c := range coords {
			store.add(c, 2, base)
			store.add(c, 3, base.Add(time.Hour))
		}
		store.getErr[coords[1]] = errors.New("read failed")
		store.getErr[coords[3]] = errors.New("read failed")

		h := NewHandler(store, NewRegistry(), WithConcurrency(2))
		resp := h.ConsolidateMetrics(ctx)

		assert.Equal(t, OpConsolidate, resp.Operation)
		assert.Equal(t, 5, resp.Attempted)
		assert.Equal(t, 3, resp.Succeeded)
		assert.Equal(t, 2, resp.Failed)
		assert.Len(t, resp.Errors, 2)

		o, ok := resp.Outcome(coords[1])
		require.True(t, ok)
		assert.Equal(t, "failed:internal", o.String())

		o, ok = resp.Outcome(coords[0])
		require.True(t, ok)
		assert.Equal(t, depot.OutcomeConsolidated, o.Outcome)

		records, err := store.Get(ctx, "org.example", "lib", "1.0.0")
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, int64(5), records[0].QueryCount)
	})

	t.Run("missing summary is inconsistency", func(t *testing.T) {
		store := newMemStore()
		store.add(coord("org.example", "lib", "1.0.0"), 1, base)
		store.extraCoord = []depot.Coordinate{coord("org.example", "lib", "ghost")}

		h := NewHandler(store, NewRegistry())
		resp := h.ConsolidateMetrics(ctx)

		assert.Equal(t, 1, resp.Failed)
		o, ok := resp.Outcome(coord("org.example", "lib", "ghost"))
		require.True(t, ok)
		assert.Equal(t, depot.KindStoreInconsistency, o.Reason)
	})

	t.Run("second run deletes nothing", func(t *testing.T) {
		store := newMemStore()
		store.add(coord("org.example", "lib", "1.0.0"), 1, base)
		store.add(coord("org.example", "lib", "1.0.0"), 1, base)

		h := NewHandler(store, NewRegistry())
		first := h.ConsolidateMetrics(ctx)
		require.False(t, first.HasErrors())

		second := h.ConsolidateMetrics(ctx)
		require.False(t, second.HasErrors())
		o, ok := second.Outcome(coord("org.example", "lib", "1.0.0"))
		require.True(t, ok)
		assert.Equal(t, "deleted 0 records", o.Message)
	})

	t.Run("empty store", func(t *testing.T) {
		h := NewHandler(newMemStore(), NewRegistry())
		resp := h.ConsolidateMetrics(ctx)
		assert.Zero(t, resp.Attempted)
		assert.False(t, resp.HasErrors())
	})
}
