// Package retention applies the depot's eviction and deprecation policies to
// cached versions, using query metrics to decide what is still in use.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	depot "github.com/wolfeidau/artifact-depot"
	"github.com/wolfeidau/artifact-depot/querymetrics"
	"github.com/wolfeidau/artifact-depot/sweep"
	"github.com/wolfeidau/artifact-depot/telemetry"
)

// Operation names reported in batch responses and telemetry.
const (
	OpEvictLeastRecentlyUsed = "evict_least_recently_used"
	OpEvictVersionsNotUsed   = "evict_versions_not_used"
	OpEvictOldestVersions    = "evict_oldest_project_versions"
	OpDeprecate              = "deprecate"
	OpDeprecateNotInRepo     = "deprecate_versions_not_in_repository"
	OpKeepLatest             = "keep_latest"
)

// DefaultUnusedGracePeriod is how long a never-queried version is kept after it was published.
const DefaultUnusedGracePeriod = 7 * 24 * time.Hour

// MetricsSource provides usage summaries for cached versions.
type MetricsSource interface {
	GetSummary(ctx context.Context, c depot.Coordinate) (querymetrics.VersionQueryMetric, bool, error)
	StoredCoordinates(ctx context.Context) ([]depot.Coordinate, error)
	DeleteMetrics(ctx context.Context, c depot.Coordinate) (int, error)
}

// VersionStore holds the lifecycle state of cached versions.
type VersionStore interface {
	GetVersion(ctx context.Context, c depot.Coordinate) (*depot.VersionRecord, error)
	ListVersions(ctx context.Context) ([]*depot.VersionRecord, error)
	FindVersions(ctx context.Context, groupID, artifactID string) ([]*depot.VersionRecord, error)
	SetState(ctx context.Context, c depot.Coordinate, state depot.VersionState) (*depot.VersionRecord, bool, error)
	DeleteVersion(ctx context.Context, c depot.Coordinate) error
}

// ArtifactRepository answers whether the upstream repository still lists a version.
type ArtifactRepository interface {
	FindVersion(ctx context.Context, groupID, artifactID, versionID string) (string, bool, error)
}

// KeepLatestRule keeps the newest Keep release versions of one project.
type KeepLatestRule struct {
	GroupID    string `json:"group_id" yaml:"group_id"`
	ArtifactID string `json:"artifact_id" yaml:"artifact_id"`
	Keep       int    `json:"keep" yaml:"keep"`
}

// Engine evaluates retention policies over the version store.
type Engine struct {
	metrics     MetricsSource
	versions    VersionStore
	repository  ArtifactRepository
	logger      *slog.Logger
	now         func() time.Time
	concurrency int
	gracePeriod time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithConcurrency bounds the number of coordinates evaluated in parallel.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		e.concurrency = n
	}
}

// WithUnusedGracePeriod sets how long a never-queried version survives after publication.
func WithUnusedGracePeriod(d time.Duration) Option {
	return func(e *Engine) {
		e.gracePeriod = d
	}
}

// NewEngine creates a retention engine. repository may be nil when
// DeprecateVersionsNotInRepository is never called.
func NewEngine(metrics MetricsSource, versions VersionStore, repository ArtifactRepository, opts ...Option) *Engine {
	e := &Engine{
		metrics:     metrics,
		versions:    versions,
		repository:  repository,
		logger:      slog.Default(),
		now:         time.Now,
		concurrency: sweep.DefaultConcurrency,
		gracePeriod: DefaultUnusedGracePeriod,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "retention")
	return e
}

// EvictLeastRecentlyUsed evicts every version whose last query is older than
// its TTL. Releases use ttlVersionsDays and snapshots ttlSnapshotsDays. A
// version queried exactly TTL ago is kept.
func (e *Engine) EvictLeastRecentlyUsed(ctx context.Context, ttlVersionsDays, ttlSnapshotsDays int) (*depot.MetadataEventResponse, error) {
	if ttlVersionsDays < 0 || ttlSnapshotsDays < 0 {
		return nil, fmt.Errorf("%w: ttl days must not be negative (versions=%d, snapshots=%d)",
			depot.ErrInvalidArgument, ttlVersionsDays, ttlSnapshotsDays)
	}

	start := time.Now()
	now := e.now()
	e.logger.Info("started evicting least recently used versions",
		"ttl_versions_days", ttlVersionsDays,
		"ttl_snapshots_days", ttlSnapshotsDays,
	)

	coords, err := e.metrics.StoredCoordinates(ctx)
	if err != nil {
		return e.enumerationFailed(ctx, OpEvictLeastRecentlyUsed, start, fmt.Errorf("listing metric coordinates: %w", err)), nil
	}

	resp := sweep.Run(ctx, coords, e.sweepOptions(OpEvictLeastRecentlyUsed), func(ctx context.Context, c depot.Coordinate) (depot.CoordinateOutcome, error) {
		summary, ok, err := e.metrics.GetSummary(ctx, c)
		if err != nil {
			return depot.CoordinateOutcome{}, err
		}
		if !ok {
			return depot.CoordinateOutcome{}, fmt.Errorf("%w: no metrics for listed coordinate %s", depot.ErrStoreInconsistency, c)
		}

		ttlDays := ttlVersionsDays
		if c.IsSnapshot() {
			ttlDays = ttlSnapshotsDays
		}
		// Calendar arithmetic keeps very large TTLs from overflowing a Duration.
		cutoff := now.AddDate(0, 0, -ttlDays)
		age := now.Sub(summary.LastQueryTime)
		if !summary.LastQueryTime.Before(cutoff) {
			return sweep.Skipped(c, "last queried %s ago, within ttl", age.Round(time.Second)), nil
		}

		return e.evictCoordinate(ctx, c, fmt.Sprintf("last queried %s ago", age.Round(time.Second)))
	})

	return e.finish(ctx, resp, start), nil
}

// EvictVersionsNotUsed evicts active versions that were never queried and
// were published at least the grace period ago.
func (e *Engine) EvictVersionsNotUsed(ctx context.Context) (*depot.MetadataEventResponse, error) {
	start := time.Now()
	now := e.now()
	e.logger.Info("started evicting versions not used", "grace_period", e.gracePeriod)

	records, err := e.versions.ListVersions(ctx)
	if err != nil {
		return e.enumerationFailed(ctx, OpEvictVersionsNotUsed, start, fmt.Errorf("listing versions: %w", err)), nil
	}
	active, coords := activeRecords(records)

	resp := sweep.Run(ctx, coords, e.sweepOptions(OpEvictVersionsNotUsed), func(ctx context.Context, c depot.Coordinate) (depot.CoordinateOutcome, error) {
		_, queried, err := e.metrics.GetSummary(ctx, c)
		if err != nil {
			return depot.CoordinateOutcome{}, err
		}
		if queried {
			return sweep.Skipped(c, "version has been queried"), nil
		}

		age := now.Sub(active[c].PublishedAt)
		if age < e.gracePeriod {
			return sweep.Skipped(c, "published %s ago, within grace period of %s",
				age.Round(time.Second), e.gracePeriod), nil
		}

		return e.evictCoordinate(ctx, c, "version never queried")
	})

	return e.finish(ctx, resp, start), nil
}

// EvictOldestProjectVersions keeps the newest keep release versions of a
// project and evicts the older ones. Snapshots are not considered.
func (e *Engine) EvictOldestProjectVersions(ctx context.Context, groupID, artifactID string, keep int) (*depot.MetadataEventResponse, error) {
	if err := depot.ValidateProject(groupID, artifactID); err != nil {
		return nil, err
	}
	if keep < 0 {
		return nil, fmt.Errorf("%w: versions to keep must not be negative, got %d", depot.ErrInvalidArgument, keep)
	}

	start := time.Now()
	records, err := e.versions.FindVersions(ctx, groupID, artifactID)
	if err != nil {
		return e.enumerationFailed(ctx, OpEvictOldestVersions, start,
			fmt.Errorf("listing versions of %s:%s: %w", groupID, artifactID, err)), nil
	}

	releases := make([]string, 0, len(records))
	for _, r := range records {
		if !depot.IsSnapshotVersion(r.VersionID) {
			releases = append(releases, r.VersionID)
		}
	}
	slices.SortFunc(releases, func(a, b string) int {
		return depot.CompareVersions(b, a)
	})

	if keep >= len(releases) {
		resp := depot.NewResponse(OpEvictOldestVersions)
		resp.AddMessage("%s:%s has %d release versions, keeping %d: nothing to evict",
			groupID, artifactID, len(releases), keep)
		return e.finish(ctx, resp, start), nil
	}

	coords := make([]depot.Coordinate, 0, len(releases)-keep)
	for _, v := range releases[keep:] {
		coords = append(coords, depot.Coordinate{GroupID: groupID, ArtifactID: artifactID, VersionID: v})
	}

	e.logger.Info("evicting oldest project versions",
		"group_id", groupID,
		"artifact_id", artifactID,
		"keep", keep,
		"candidates", len(coords),
	)

	resp := sweep.Run(ctx, coords, e.sweepOptions(OpEvictOldestVersions), func(ctx context.Context, c depot.Coordinate) (depot.CoordinateOutcome, error) {
		return e.evictCoordinate(ctx, c, fmt.Sprintf("older than the newest %d versions", keep))
	})
	return e.finish(ctx, resp, start), nil
}

// ApplyKeepLatest runs EvictOldestProjectVersions for each rule and merges the
// results. Every rule is validated before any is applied.
func (e *Engine) ApplyKeepLatest(ctx context.Context, rules []KeepLatestRule) (*depot.MetadataEventResponse, error) {
	for _, rule := range rules {
		if err := depot.ValidateProject(rule.GroupID, rule.ArtifactID); err != nil {
			return nil, err
		}
		if rule.Keep < 0 {
			return nil, fmt.Errorf("%w: rule %s:%s keeps %d versions",
				depot.ErrInvalidArgument, rule.GroupID, rule.ArtifactID, rule.Keep)
		}
	}

	merged := depot.NewResponse(OpKeepLatest)
	for _, rule := range rules {
		if ctx.Err() != nil {
			merged.Cancelled = true
			merged.AddMessage("keep latest cancelled before %s:%s", rule.GroupID, rule.ArtifactID)
			break
		}
		resp, err := e.EvictOldestProjectVersions(ctx, rule.GroupID, rule.ArtifactID, rule.Keep)
		if err != nil {
			return nil, err
		}
		merged.Merge(resp)
	}
	return merged, nil
}

// Evict moves a single version to the evicted state.
func (e *Engine) Evict(ctx context.Context, groupID, artifactID, versionID string) error {
	c, err := depot.NewCoordinate(groupID, artifactID, versionID)
	if err != nil {
		return err
	}
	if _, _, err := e.versions.SetState(ctx, c, depot.StateEvicted); err != nil {
		return fmt.Errorf("evicting %s: %w", c, err)
	}
	e.logger.Info("evicted version", "coordinate", c.String())
	return nil
}

// Delete removes a version record and its metric records.
func (e *Engine) Delete(ctx context.Context, groupID, artifactID, versionID string) error {
	c, err := depot.NewCoordinate(groupID, artifactID, versionID)
	if err != nil {
		return err
	}
	if err := e.versions.DeleteVersion(ctx, c); err != nil {
		return fmt.Errorf("deleting %s: %w", c, err)
	}
	removed, err := e.metrics.DeleteMetrics(ctx, c)
	if err != nil {
		return fmt.Errorf("deleting metrics for %s: %w", c, err)
	}
	e.logger.Info("deleted version", "coordinate", c.String(), "metrics_removed", removed)
	return nil
}

// Deprecate marks a single version as deprecated.
func (e *Engine) Deprecate(ctx context.Context, groupID, artifactID, versionID string) (*depot.MetadataEventResponse, error) {
	c, err := depot.NewCoordinate(groupID, artifactID, versionID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	record, changed, err := e.versions.SetState(ctx, c, depot.StateDeprecated)
	if err != nil {
		return nil, fmt.Errorf("deprecating %s: %w", c, err)
	}

	resp := depot.NewResponse(OpDeprecate)
	if changed {
		resp.Add(depot.CoordinateOutcome{Coordinate: c, Outcome: depot.OutcomeDeprecated})
		e.logger.Info("deprecated version", "coordinate", c.String())
	} else {
		resp.Add(sweep.Skipped(c, "version already %s", record.State))
	}
	return e.finish(ctx, resp, start), nil
}

// DeprecateVersionsNotInRepository deprecates every active version that the
// upstream repository no longer lists. Versions whose lookup fails are
// skipped and retried on the next run.
func (e *Engine) DeprecateVersionsNotInRepository(ctx context.Context) (*depot.MetadataEventResponse, error) {
	if e.repository == nil {
		return nil, fmt.Errorf("%w: no artifact repository configured", depot.ErrInvalidArgument)
	}

	start := time.Now()
	e.logger.Info("started deprecating versions not in repository")

	records, err := e.versions.ListVersions(ctx)
	if err != nil {
		return e.enumerationFailed(ctx, OpDeprecateNotInRepo, start, fmt.Errorf("listing versions: %w", err)), nil
	}
	_, coords := activeRecords(records)

	resp := sweep.Run(ctx, coords, e.sweepOptions(OpDeprecateNotInRepo), func(ctx context.Context, c depot.Coordinate) (depot.CoordinateOutcome, error) {
		_, listed, err := e.repository.FindVersion(ctx, c.GroupID, c.ArtifactID, c.VersionID)
		if err != nil {
			if !errors.Is(err, depot.ErrRepositoryUnavailable) {
				return depot.CoordinateOutcome{}, err
			}
			e.logger.Warn("repository lookup failed, skipping version",
				"coordinate", c.String(),
				"error", err,
			)
			o := sweep.Skipped(c, "repository lookup failed: %v", err)
			o.Reason = depot.KindRepositoryUnavailable
			return o, nil
		}
		if listed {
			return sweep.Skipped(c, "version listed in repository"), nil
		}

		_, changed, err := e.versions.SetState(ctx, c, depot.StateDeprecated)
		if err != nil {
			return depot.CoordinateOutcome{}, err
		}
		if !changed {
			return sweep.Skipped(c, "version already deprecated"), nil
		}
		return depot.CoordinateOutcome{
			Outcome: depot.OutcomeDeprecated,
			Message: "version not listed in repository",
		}, nil
	})

	return e.finish(ctx, resp, start), nil
}

// evictCoordinate evicts an active version. Versions without a record or in
// another state are skipped.
func (e *Engine) evictCoordinate(ctx context.Context, c depot.Coordinate, reason string) (depot.CoordinateOutcome, error) {
	record, err := e.versions.GetVersion(ctx, c)
	if err != nil {
		if errors.Is(err, depot.ErrNotFound) {
			return sweep.Skipped(c, "no version record"), nil
		}
		return depot.CoordinateOutcome{}, err
	}
	if record.State != depot.StateActive {
		return sweep.Skipped(c, "version is %s", record.State), nil
	}

	if _, _, err := e.versions.SetState(ctx, c, depot.StateEvicted); err != nil {
		return depot.CoordinateOutcome{}, err
	}
	e.logger.Debug("evicted version", "coordinate", c.String(), "reason", reason)
	return depot.CoordinateOutcome{Outcome: depot.OutcomeEvicted, Message: reason}, nil
}

func (e *Engine) enumerationFailed(ctx context.Context, operation string, start time.Time, err error) *depot.MetadataEventResponse {
	e.logger.Error("failed to enumerate candidates", "operation", operation, "error", err)
	resp := depot.NewResponse(operation)
	resp.AddError(err)
	return e.finish(ctx, resp, start)
}

func (e *Engine) finish(ctx context.Context, resp *depot.MetadataEventResponse, start time.Time) *depot.MetadataEventResponse {
	duration := time.Since(start)
	telemetry.RecordSweep(ctx, resp, duration)
	e.logger.Info("completed retention operation",
		"operation", resp.Operation,
		"attempted", resp.Attempted,
		"succeeded", resp.Succeeded,
		"skipped", resp.Skipped,
		"failed", resp.Failed,
		"abandoned", resp.Abandoned,
		"duration", duration,
	)
	return resp
}

func (e *Engine) sweepOptions(operation string) sweep.Options {
	return sweep.Options{
		Operation:   operation,
		Concurrency: e.concurrency,
		Logger:      e.logger,
	}
}

func activeRecords(records []*depot.VersionRecord) (map[depot.Coordinate]*depot.VersionRecord, []depot.Coordinate) {
	active := make(map[depot.Coordinate]*depot.VersionRecord, len(records))
	coords := make([]depot.Coordinate, 0, len(records))
	for _, r := range records {
		if r.State != depot.StateActive {
			continue
		}
		c := r.Coordinate()
		active[c] = r
		coords = append(coords, c)
	}
	return active, coords
}
