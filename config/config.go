// Package config loads the depot's policy file: retention thresholds,
// keep-latest rules, the upstream repository and the maintenance schedule.
package config

import (
	"time"

	"github.com/wolfeidau/artifact-depot/retention"
)

// Config is the root of the policy file.
type Config struct {
	Retention  RetentionConfig  `yaml:"retention"`
	Repository RepositoryConfig `yaml:"repository"`
	Registry   RegistryConfig   `yaml:"registry"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
}

// RetentionConfig holds the eviction thresholds.
type RetentionConfig struct {
	// TTLVersionsDays evicts releases last queried longer ago than this.
	TTLVersionsDays int `yaml:"ttl_versions_days"`

	// TTLSnapshotsDays evicts snapshots last queried longer ago than this.
	TTLSnapshotsDays int `yaml:"ttl_snapshots_days"`

	// UnusedGracePeriod protects never-queried versions after publication.
	UnusedGracePeriod time.Duration `yaml:"unused_grace_period"`

	// Concurrency bounds how many coordinates a sweep evaluates at once.
	Concurrency int `yaml:"concurrency"`

	// KeepLatest lists projects that keep only their newest releases.
	KeepLatest []retention.KeepLatestRule `yaml:"keep_latest"`
}

// RepositoryConfig describes the upstream Maven repository.
type RepositoryConfig struct {
	Name        string        `yaml:"name"`
	URL         string        `yaml:"url"`
	Timeout     time.Duration `yaml:"timeout"`
	MetadataTTL time.Duration `yaml:"metadata_ttl"`
	CacheSize   int           `yaml:"cache_size"`

	// MaxRetries bounds retries of a failed metadata fetch.
	MaxRetries int `yaml:"max_retries"`

	// BreakerFailures is the number of consecutive failed fetches that opens
	// the circuit breaker; BreakerTimeout is how long it stays open.
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

// RegistryConfig bounds the in-memory query event buffer.
type RegistryConfig struct {
	MaxPending int `yaml:"max_pending"`
}

// ScheduleConfig holds cron expressions for the maintenance jobs. An empty
// expression disables the job.
type ScheduleConfig struct {
	Persist          string `yaml:"persist"`
	Consolidate      string `yaml:"consolidate"`
	EvictLRU         string `yaml:"evict_lru"`
	EvictUnused      string `yaml:"evict_unused"`
	KeepLatest       string `yaml:"keep_latest"`
	DeprecateMissing string `yaml:"deprecate_missing"`
}

// Jobs returns the configured expressions keyed by job name, omitting
// disabled jobs.
func (s ScheduleConfig) Jobs() map[string]string {
	jobs := make(map[string]string)
	for name, expr := range map[string]string{
		JobPersist:          s.Persist,
		JobConsolidate:      s.Consolidate,
		JobEvictLRU:         s.EvictLRU,
		JobEvictUnused:      s.EvictUnused,
		JobKeepLatest:       s.KeepLatest,
		JobDeprecateMissing: s.DeprecateMissing,
	} {
		if expr != "" {
			jobs[name] = expr
		}
	}
	return jobs
}

// Job names used by the scheduler and telemetry.
const (
	JobPersist          = "persist"
	JobConsolidate      = "consolidate"
	JobEvictLRU         = "evict_lru"
	JobEvictUnused      = "evict_unused"
	JobKeepLatest       = "keep_latest"
	JobDeprecateMissing = "deprecate_missing"
)
