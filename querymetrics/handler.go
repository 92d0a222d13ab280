package querymetrics

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	depot "github.com/wolfeidau/artifact-depot"
	"github.com/wolfeidau/artifact-depot/sweep"
	"github.com/wolfeidau/artifact-depot/telemetry"
	"golang.org/x/sync/errgroup"
)

// Operation names reported in batch responses and telemetry.
const (
	OpConsolidate = "consolidate_metrics"
)

// Handler drains the Registry into the Store and consolidates duplicate
// records. It also computes the derived views used by retention.
type Handler struct {
	store       Store
	registry    *Registry
	logger      *slog.Logger
	concurrency int

	// persistMu serialises drain loops; the registry head is shared.
	persistMu sync.Mutex
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the logger for the handler.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithConcurrency bounds the number of coordinates processed in parallel.
func WithConcurrency(n int) HandlerOption {
	return func(h *Handler) {
		h.concurrency = n
	}
}

// NewHandler creates a handler over store and registry.
func NewHandler(store Store, registry *Registry, opts ...HandlerOption) *Handler {
	h := &Handler{
		store:       store,
		registry:    registry,
		logger:      slog.Default(),
		concurrency: sweep.DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RecordQuery registers a query against c in the registry.
func (h *Handler) RecordQuery(ctx context.Context, c depot.Coordinate) error {
	recorded, err := h.registry.Record(c)
	if err != nil {
		return err
	}
	telemetry.RecordQueryEvent(ctx, recorded)
	if !recorded {
		h.logger.Warn("query registry full, event dropped", "coordinate", c.String())
	}
	return nil
}

// GetSummary returns the record with the latest query time for c, ties broken
// by the lowest record ID. Duplicates may still exist in the store.
func (h *Handler) GetSummary(ctx context.Context, c depot.Coordinate) (VersionQueryMetric, bool, error) {
	records, err := h.store.Get(ctx, c.GroupID, c.ArtifactID, c.VersionID)
	if err != nil {
		return VersionQueryMetric{}, false, fmt.Errorf("getting metrics for %s: %w", c, err)
	}
	latest, ok := Latest(records)
	return latest, ok, nil
}

// GetSummaryByProjectVersion returns one summary per stored coordinate,
// sorted by coordinate. A listed coordinate without records is reported as
// depot.ErrStoreInconsistency.
func (h *Handler) GetSummaryByProjectVersion(ctx context.Context) ([]VersionQueryMetric, error) {
	coords, err := h.store.GetAllStoredEntitiesCoordinates(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing metric coordinates: %w", err)
	}

	// The first failure cancels the remaining lookups.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(h.concurrency, 1))
	summaries := make([]VersionQueryMetric, len(coords))
	for i, c := range coords {
		g.Go(func() error {
			if gctx.Err() != nil {
				return context.Cause(gctx)
			}
			summary, ok, err := h.GetSummary(gctx, c)
			if err != nil {
				return fmt.Errorf("summarizing %s: %w", c, err)
			}
			if !ok {
				return fmt.Errorf("%w: no metrics for listed coordinate %s", depot.ErrStoreInconsistency, c)
			}
			summaries[i] = summary
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slices.SortFunc(summaries, func(a, b VersionQueryMetric) int {
		return depot.CompareCoordinates(a.Coordinate(), b.Coordinate())
	})
	return summaries, nil
}

// FindMetricsForProjectCoordinates returns every record under a project.
func (h *Handler) FindMetricsForProjectCoordinates(ctx context.Context, groupID, artifactID string) ([]VersionQueryMetric, error) {
	if err := depot.ValidateProject(groupID, artifactID); err != nil {
		return nil, err
	}
	return h.store.Find(ctx, groupID, artifactID)
}

// FindReleasedVersionMetricsBefore returns release records last queried before cutoff.
func (h *Handler) FindReleasedVersionMetricsBefore(ctx context.Context, cutoff time.Time) ([]VersionQueryMetric, error) {
	return h.findBefore(ctx, cutoff, false)
}

// FindSnapshotVersionMetricsBefore returns snapshot records last queried before cutoff.
func (h *Handler) FindSnapshotVersionMetricsBefore(ctx context.Context, cutoff time.Time) ([]VersionQueryMetric, error) {
	return h.findBefore(ctx, cutoff, true)
}

func (h *Handler) findBefore(ctx context.Context, cutoff time.Time, snapshots bool) ([]VersionQueryMetric, error) {
	records, err := h.store.FindMetricsBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("finding metrics before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return slices.DeleteFunc(records, func(m VersionQueryMetric) bool {
		return depot.IsSnapshotVersion(m.VersionID) != snapshots
	}), nil
}

// StoredCoordinates returns every coordinate that has metric records.
func (h *Handler) StoredCoordinates(ctx context.Context) ([]depot.Coordinate, error) {
	return h.store.GetAllStoredEntitiesCoordinates(ctx)
}

// DeleteMetrics removes every record for c.
func (h *Handler) DeleteMetrics(ctx context.Context, c depot.Coordinate) (int, error) {
	return h.store.DeleteMetrics(ctx, c)
}

// PersistMetrics drains the registry into the store, one event at a time.
// An event is only removed from the registry after it has been inserted, so a
// failed insert leaves it queued for the next run. Returns the number of
// events persisted.
func (h *Handler) PersistMetrics(ctx context.Context) (int, error) {
	h.persistMu.Lock()
	defer h.persistMu.Unlock()

	persisted := 0
	defer func() {
		telemetry.RecordMetricsPersisted(ctx, persisted, h.registry.Len())
	}()

	for {
		if err := ctx.Err(); err != nil {
			return persisted, err
		}

		event, ok := h.registry.FindFirst()
		if !ok {
			break
		}

		if _, err := h.store.Insert(ctx, NewMetric(event.Coordinate, event.Timestamp)); err != nil {
			h.logger.Error("failed to persist query metric",
				"coordinate", event.Coordinate.String(),
				"pending", h.registry.Len(),
				"error", err,
			)
			return persisted, fmt.Errorf("persisting metric for %s: %w", event.Coordinate, err)
		}
		h.registry.Acknowledge(event.Seq)
		persisted++
	}

	if persisted > 0 {
		h.logger.Info("persisted query metrics", "count", persisted)
	}
	return persisted, nil
}

// ConsolidateMetrics merges duplicate records for every stored coordinate in
// parallel. A failure for one coordinate is logged and recorded; it never
// stops the others.
func (h *Handler) ConsolidateMetrics(ctx context.Context) *depot.MetadataEventResponse {
	start := time.Now()
	h.logger.Info("started consolidating metrics for all project versions")

	coords, err := h.store.GetAllStoredEntitiesCoordinates(ctx)
	if err != nil {
		resp := depot.NewResponse(OpConsolidate)
		resp.AddError(fmt.Errorf("listing metric coordinates: %w", err))
		h.logger.Error("failed to list metric coordinates", "error", err)
		return resp
	}

	resp := sweep.Run(ctx, coords, h.sweepOptions(OpConsolidate), func(ctx context.Context, c depot.Coordinate) (depot.CoordinateOutcome, error) {
		summary, ok, err := h.GetSummary(ctx, c)
		if err != nil {
			return depot.CoordinateOutcome{}, err
		}
		if !ok {
			return depot.CoordinateOutcome{}, fmt.Errorf("%w: no metrics for listed coordinate %s", depot.ErrStoreInconsistency, c)
		}

		deleted, err := h.store.Consolidate(ctx, summary)
		if err != nil {
			return depot.CoordinateOutcome{}, fmt.Errorf("consolidating %s: %w", c, err)
		}
		telemetry.RecordConsolidation(ctx, deleted)
		h.logger.Debug("consolidated metrics", "coordinate", c.String(), "deleted", deleted)

		return depot.CoordinateOutcome{
			Outcome: depot.OutcomeConsolidated,
			Message: fmt.Sprintf("deleted %d records", deleted),
		}, nil
	})

	telemetry.RecordSweep(ctx, resp, time.Since(start))
	h.logger.Info("completed consolidating metrics for all project versions",
		"attempted", resp.Attempted,
		"succeeded", resp.Succeeded,
		"failed", resp.Failed,
		"duration", time.Since(start),
	)
	return resp
}

func (h *Handler) sweepOptions(operation string) sweep.Options {
	return sweep.Options{
		Operation:   operation,
		Concurrency: h.concurrency,
		Logger:      h.logger,
	}
}
