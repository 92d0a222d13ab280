package querymetrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	depot "github.com/wolfeidau/artifact-depot"
)

func TestRegistry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	t.Run("FindFirst peeks the oldest event", func(t *testing.T) {
		r := NewRegistry(WithRegistryNow(clock))

		_, ok := r.FindFirst()
		assert.False(t, ok)

		_, err := r.Record(coord("org.example", "lib", "1.0.0"))
		require.NoError(t, err)
		_, err = r.Record(coord("org.example", "lib", "2.0.0"))
		require.NoError(t, err)

		first, ok := r.FindFirst()
		require.True(t, ok)
		assert.Equal(t, "1.0.0", first.Coordinate.VersionID)
		assert.True(t, first.Timestamp.Equal(now))

		again, ok := r.FindFirst()
		require.True(t, ok)
		assert.Equal(t, first, again)
		assert.Equal(t, 2, r.Len())
	})

	t.Run("Acknowledge removes only the matching head", func(t *testing.T) {
		r := NewRegistry()
		_, err := r.Record(coord("org.example", "lib", "1.0.0"))
		require.NoError(t, err)
		_, err = r.Record(coord("org.example", "lib", "2.0.0"))
		require.NoError(t, err)

		first, _ := r.FindFirst()
		assert.False(t, r.Acknowledge(first.Seq+1))
		assert.True(t, r.Acknowledge(first.Seq))
		assert.False(t, r.Acknowledge(first.Seq))

		next, ok := r.FindFirst()
		require.True(t, ok)
		assert.Equal(t, "2.0.0", next.Coordinate.VersionID)
		assert.True(t, r.Acknowledge(next.Seq))
		assert.Zero(t, r.Len())
	})

	t.Run("full buffer drops events", func(t *testing.T) {
		r := NewRegistry(WithMaxPending(2))
		c := coord("org.example", "lib", "1.0.0")

		for i := range 3 {
			recorded, err := r.Record(c)
			require.NoError(t, err)
			assert.Equal(t, i < 2, recorded)
		}
		assert.Equal(t, 2, r.Len())
		assert.Equal(t, uint64(1), r.Dropped())
	})

	t.Run("invalid coordinate rejected", func(t *testing.T) {
		r := NewRegistry()
		_, err := r.Record(coord("org.example", "lib", "bad version"))
		require.ErrorIs(t, err, depot.ErrInvalidArgument)
		assert.Zero(t, r.Len())
	})

	t.Run("concurrent recording keeps every event", func(t *testing.T) {
		r := NewRegistry()
		c := coord("org.example", "lib", "1.0.0")

		var wg sync.WaitGroup
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range 100 {
					_, _ = r.Record(c)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1000, r.Len())

		// Sequence numbers are strictly increasing from head to tail.
		var last uint64
		for {
			e, ok := r.FindFirst()
			if !ok {
				break
			}
			assert.Greater(t, e.Seq, last)
			last = e.Seq
			require.True(t, r.Acknowledge(e.Seq))
		}
	})
}
