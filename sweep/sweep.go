// Package sweep runs a per-coordinate function over a set of coordinates with
// bounded parallelism and aggregates the outcomes into a batch response.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	depot "github.com/wolfeidau/artifact-depot"
	"github.com/wolfeidau/artifact-depot/telemetry"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is the worker limit used when none is configured.
const DefaultConcurrency = 8

// Func evaluates one coordinate. A non-nil error is recorded as a failed
// outcome classified with depot.ErrorKind; the returned outcome is ignored.
type Func func(ctx context.Context, c depot.Coordinate) (depot.CoordinateOutcome, error)

// Options configures a sweep.
type Options struct {
	Operation   string
	Concurrency int
	Logger      *slog.Logger
}

// Run applies fn to every coordinate with at most opts.Concurrency calls in
// flight. Failures never stop the sweep. When ctx is cancelled no further
// coordinates are started; they are counted as abandoned and the response is
// marked cancelled. Outcomes are sorted by coordinate.
func Run(ctx context.Context, coords []depot.Coordinate, opts Options, fn Func) *depot.MetadataEventResponse {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if job := telemetry.JobFromContext(ctx); job != "" {
		opts.Logger = opts.Logger.With("job", job)
	}

	resp := depot.NewResponse(opts.Operation)
	results := make(chan depot.CoordinateOutcome)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for o := range results {
			resp.Add(o)
		}
	}()

	// The group context is never cancelled by workers since they always return nil.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	launched := 0
	for _, c := range coords {
		if gctx.Err() != nil {
			break
		}
		launched++
		g.Go(func() error {
			results <- evaluate(gctx, c, opts, fn)
			return nil
		})
	}
	_ = g.Wait()
	close(results)
	<-done

	if abandoned := len(coords) - launched; abandoned > 0 {
		resp.Abandoned = abandoned
		resp.Cancelled = true
		resp.AddMessage("sweep cancelled: %d of %d coordinates not evaluated", abandoned, len(coords))
	} else if ctx.Err() != nil {
		resp.Cancelled = true
	}

	slices.SortFunc(resp.Outcomes, func(a, b depot.CoordinateOutcome) int {
		return depot.CompareCoordinates(a.Coordinate, b.Coordinate)
	})
	return resp
}

func evaluate(ctx context.Context, c depot.Coordinate, opts Options, fn Func) (out depot.CoordinateOutcome) {
	defer func() {
		if r := recover(); r != nil {
			opts.Logger.Error("sweep function panicked",
				"operation", opts.Operation,
				"coordinate", c.String(),
				"panic", r,
			)
			out = depot.CoordinateOutcome{
				Coordinate: c,
				Outcome:    depot.OutcomeFailed,
				Reason:     depot.KindInternal,
				Message:    fmt.Sprintf("panic: %v", r),
			}
		}
	}()

	if err := ctx.Err(); err != nil {
		return Failed(c, err)
	}

	o, err := fn(ctx, c)
	if err != nil {
		opts.Logger.Error("coordinate failed",
			"operation", opts.Operation,
			"coordinate", c.String(),
			"error", err,
		)
		return Failed(c, err)
	}
	o.Coordinate = c
	return o
}

// Failed builds a failed outcome for c from err.
func Failed(c depot.Coordinate, err error) depot.CoordinateOutcome {
	return depot.CoordinateOutcome{
		Coordinate: c,
		Outcome:    depot.OutcomeFailed,
		Reason:     depot.ErrorKind(err),
		Message:    err.Error(),
	}
}

// Skipped builds a skipped outcome with a message.
func Skipped(c depot.Coordinate, format string, args ...any) depot.CoordinateOutcome {
	return depot.CoordinateOutcome{
		Coordinate: c,
		Outcome:    depot.OutcomeSkipped,
		Message:    fmt.Sprintf(format, args...),
	}
}
