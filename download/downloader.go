// Package download coalesces concurrent upstream fetches. When several
// callers ask for the same uncached resource, only one fetch runs and every
// caller receives its result.
package download

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// FetchFunc fetches a resource from upstream. The context it receives is
// detached from the callers so one caller giving up does not cancel the
// fetch for the others.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Group deduplicates concurrent fetches by key.
type Group[T any] struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Group.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger for the group.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a new Group.
func New[T any](opts ...Option) *Group[T] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Group[T]{logger: o.logger}
}

// Do runs fn once per key among concurrent callers and reports whether the
// result was shared. A caller whose ctx ends first gets ctx.Err() while the
// fetch carries on for the rest.
func (g *Group[T]) Do(ctx context.Context, key string, fn FetchFunc[T]) (T, bool, error) {
	ch := g.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	var zero T
	select {
	case res := <-ch:
		if res.Shared {
			g.logger.Debug("shared upstream fetch", "key", key, "error", res.Err)
		}
		if res.Err != nil {
			return zero, res.Shared, res.Err
		}
		return res.Val.(T), res.Shared, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// Forget drops an in-flight key so the next caller starts a fresh fetch.
func (g *Group[T]) Forget(key string) {
	g.group.Forget(key)
}
