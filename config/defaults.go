package config

import (
	"github.com/wolfeidau/artifact-depot/repository/maven"
	"github.com/wolfeidau/artifact-depot/retention"
	"github.com/wolfeidau/artifact-depot/sweep"
)

// Default values for configuration fields.
const (
	DefaultTTLVersionsDays   = 365
	DefaultTTLSnapshotsDays  = 30
	DefaultUnusedGracePeriod = retention.DefaultUnusedGracePeriod
	DefaultConcurrency       = sweep.DefaultConcurrency

	DefaultRepositoryName        = "maven"
	DefaultRepositoryURL         = maven.DefaultRepositoryURL
	DefaultRepositoryTimeout     = maven.DefaultTimeout
	DefaultRepositoryMetadataTTL = maven.DefaultMetadataTTL
	DefaultRepositoryCacheSize   = maven.DefaultCacheSize
	DefaultRepositoryMaxRetries  = maven.DefaultMaxRetries
	DefaultBreakerFailures       = maven.DefaultBreakerFailures
	DefaultBreakerTimeout        = maven.DefaultBreakerTimeout

	DefaultRegistryMaxPending = 100000

	DefaultPersistSchedule     = "@every 1m"
	DefaultConsolidateSchedule = "@hourly"
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields. Destructive jobs stay disabled
// unless scheduled explicitly.
func ApplyDefaults(cfg *Config) {
	if cfg.Retention.TTLVersionsDays == 0 {
		cfg.Retention.TTLVersionsDays = DefaultTTLVersionsDays
	}
	if cfg.Retention.TTLSnapshotsDays == 0 {
		cfg.Retention.TTLSnapshotsDays = DefaultTTLSnapshotsDays
	}
	if cfg.Retention.UnusedGracePeriod == 0 {
		cfg.Retention.UnusedGracePeriod = DefaultUnusedGracePeriod
	}
	if cfg.Retention.Concurrency == 0 {
		cfg.Retention.Concurrency = DefaultConcurrency
	}

	if cfg.Repository.Name == "" {
		cfg.Repository.Name = DefaultRepositoryName
	}
	if cfg.Repository.URL == "" {
		cfg.Repository.URL = DefaultRepositoryURL
	}
	if cfg.Repository.Timeout == 0 {
		cfg.Repository.Timeout = DefaultRepositoryTimeout
	}
	if cfg.Repository.MetadataTTL == 0 {
		cfg.Repository.MetadataTTL = DefaultRepositoryMetadataTTL
	}
	if cfg.Repository.CacheSize == 0 {
		cfg.Repository.CacheSize = DefaultRepositoryCacheSize
	}
	if cfg.Repository.MaxRetries == 0 {
		cfg.Repository.MaxRetries = DefaultRepositoryMaxRetries
	}
	if cfg.Repository.BreakerFailures == 0 {
		cfg.Repository.BreakerFailures = DefaultBreakerFailures
	}
	if cfg.Repository.BreakerTimeout == 0 {
		cfg.Repository.BreakerTimeout = DefaultBreakerTimeout
	}

	if cfg.Registry.MaxPending == 0 {
		cfg.Registry.MaxPending = DefaultRegistryMaxPending
	}

	if cfg.Schedule.Persist == "" {
		cfg.Schedule.Persist = DefaultPersistSchedule
	}
	if cfg.Schedule.Consolidate == "" {
		cfg.Schedule.Consolidate = DefaultConsolidateSchedule
	}
}
