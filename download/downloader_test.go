package download

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroup_Do(t *testing.T) {
	g := New[[]string]()

	versions, shared, err := g.Do(context.Background(), "org.example:lib", func(ctx context.Context) ([]string, error) {
		return []string{"1.0.0", "1.1.0"}, nil
	})

	require.NoError(t, err)
	require.False(t, shared)
	require.Equal(t, []string{"1.0.0", "1.1.0"}, versions)
}

func TestGroup_ConcurrentDeduplication(t *testing.T) {
	g := New[[]string]()

	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	results := make([][]string, 10)
	errs := make([]error, 10)

	for i := range 10 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], _, errs[idx] = g.Do(context.Background(), "org.example:lib", func(ctx context.Context) ([]string, error) {
				calls.Add(1)
				<-release
				return []string{"2.0.0"}, nil
			})
		}(i)
	}

	// Let the callers pile up behind the first fetch.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for i := range 10 {
		require.NoError(t, errs[i])
		require.Equal(t, []string{"2.0.0"}, results[i])
	}
}

func TestGroup_CallerCancelled(t *testing.T) {
	g := New[int]()

	var completed atomic.Bool
	started := make(chan struct{})

	shortCtx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := g.Do(shortCtx, "key", func(ctx context.Context) (int, error) {
			close(started)
			time.Sleep(100 * time.Millisecond)
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			completed.Store(true)
			return 42, nil
		})
		errCh <- err
	}()

	<-started
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	// A second caller joins the fetch that kept running.
	n, shared, err := g.Do(context.Background(), "key", func(ctx context.Context) (int, error) {
		t.Error("fetch already in flight")
		return 0, nil
	})
	require.NoError(t, err)
	require.True(t, shared)
	require.Equal(t, 42, n)
	require.True(t, completed.Load())
}

func TestGroup_ErrorsAreShared(t *testing.T) {
	g := New[[]string]()
	upstreamErr := errors.New("upstream unavailable")
	release := make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range 5 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, _, errs[idx] = g.Do(context.Background(), "key", func(ctx context.Context) ([]string, error) {
				<-release
				return nil, upstreamErr
			})
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range 5 {
		require.ErrorIs(t, errs[i], upstreamErr)
	}
}

func TestGroup_DifferentKeys(t *testing.T) {
	g := New[string]()

	var calls atomic.Int32
	var wg sync.WaitGroup
	for _, key := range []string{"a:b", "a:c", "d:e"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, _, err := g.Do(context.Background(), key, func(ctx context.Context) (string, error) {
				calls.Add(1)
				return key, nil
			})
			assert.NoError(t, err)
			assert.Equal(t, key, got)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(3), calls.Load())
}

func TestGroup_Forget(t *testing.T) {
	g := New[int]()
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _, _ = g.Do(context.Background(), "key", func(ctx context.Context) (int, error) {
			close(started)
			<-release
			return 1, nil
		})
	}()
	<-started

	g.Forget("key")

	n, shared, err := g.Do(context.Background(), "key", func(ctx context.Context) (int, error) {
		return 2, nil
	})
	close(release)

	require.NoError(t, err)
	require.False(t, shared)
	require.Equal(t, 2, n)
}
