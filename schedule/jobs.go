package schedule

import (
	"context"
	"fmt"

	depot "github.com/wolfeidau/artifact-depot"
	"github.com/wolfeidau/artifact-depot/config"
	"github.com/wolfeidau/artifact-depot/querymetrics"
	"github.com/wolfeidau/artifact-depot/retention"
)

// DepotJobs builds the maintenance jobs configured in cfg.
func DepotJobs(cfg *config.Config, handler *querymetrics.Handler, engine *retention.Engine) []Job {
	sched := cfg.Schedule
	policy := cfg.Retention

	return []Job{
		{
			Name:     config.JobPersist,
			Schedule: sched.Persist,
			Run: func(ctx context.Context) error {
				_, err := handler.PersistMetrics(ctx)
				return err
			},
		},
		{
			Name:     config.JobConsolidate,
			Schedule: sched.Consolidate,
			Run: func(ctx context.Context) error {
				return ResponseError(handler.ConsolidateMetrics(ctx), nil)
			},
		},
		{
			Name:     config.JobEvictLRU,
			Schedule: sched.EvictLRU,
			Run: func(ctx context.Context) error {
				return ResponseError(engine.EvictLeastRecentlyUsed(ctx, policy.TTLVersionsDays, policy.TTLSnapshotsDays))
			},
		},
		{
			Name:     config.JobEvictUnused,
			Schedule: sched.EvictUnused,
			Run: func(ctx context.Context) error {
				return ResponseError(engine.EvictVersionsNotUsed(ctx))
			},
		},
		{
			Name:     config.JobKeepLatest,
			Schedule: sched.KeepLatest,
			Run: func(ctx context.Context) error {
				return ResponseError(engine.ApplyKeepLatest(ctx, policy.KeepLatest))
			},
		},
		{
			Name:     config.JobDeprecateMissing,
			Schedule: sched.DeprecateMissing,
			Run: func(ctx context.Context) error {
				return ResponseError(engine.DeprecateVersionsNotInRepository(ctx))
			},
		},
	}
}

// ResponseError turns a batch result into a job error so failed runs show
// up in job telemetry. Cancellation wins over partial failures.
func ResponseError(resp *depot.MetadataEventResponse, err error) error {
	switch {
	case err != nil:
		return err
	case resp == nil:
		return nil
	case resp.Cancelled:
		return fmt.Errorf("%s: %w", resp.Operation, context.Canceled)
	case resp.HasErrors():
		return fmt.Errorf("%s: %d of %d coordinates failed, %d errors",
			resp.Operation, resp.Failed, resp.Attempted, len(resp.Errors))
	}
	return nil
}
