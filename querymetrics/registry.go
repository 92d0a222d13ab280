package querymetrics

import (
	"sync"
	"time"

	depot "github.com/wolfeidau/artifact-depot"
)

// Registry buffers query events in memory until the Handler drains them into
// the Store. Unflushed events are lost on crash.
type Registry struct {
	mu         sync.Mutex
	pending    []QueryEvent
	nextSeq    uint64
	maxPending int
	dropped    uint64
	now        func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMaxPending caps the number of buffered events. Events recorded while
// the buffer is full are dropped and counted. Zero means unbounded.
func WithMaxPending(n int) RegistryOption {
	return func(r *Registry) {
		r.maxPending = n
	}
}

// WithRegistryNow sets the clock used to stamp events.
func WithRegistryNow(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends a query event for c stamped with the current time.
// It returns false if the event was dropped because the buffer is full.
func (r *Registry) Record(c depot.Coordinate) (bool, error) {
	if err := c.Validate(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxPending > 0 && len(r.pending) >= r.maxPending {
		r.dropped++
		return false, nil
	}

	r.nextSeq++
	r.pending = append(r.pending, QueryEvent{
		Seq:        r.nextSeq,
		Coordinate: c,
		Timestamp:  r.now(),
	})
	return true, nil
}

// FindFirst returns the oldest pending event without removing it.
func (r *Registry) FindFirst() (QueryEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) == 0 {
		return QueryEvent{}, false
	}
	return r.pending[0], true
}

// Acknowledge removes the oldest pending event if its sequence is seq.
// It reports whether an event was removed.
func (r *Registry) Acknowledge(seq uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) == 0 || r.pending[0].Seq != seq {
		return false
	}
	r.pending[0] = QueryEvent{}
	r.pending = r.pending[1:]
	if len(r.pending) == 0 {
		// Release the backing array once drained.
		r.pending = nil
	}
	return true
}

// Len returns the number of pending events.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Dropped returns how many events were discarded because the buffer was full.
func (r *Registry) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
