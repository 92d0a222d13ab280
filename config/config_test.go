package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/artifact-depot/retention"
)

func TestLoad(t *testing.T) {
	t.Run("valid file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "depot.yaml")
		content := `
retention:
  ttl_versions_days: 90
  ttl_snapshots_days: 7
  unused_grace_period: 72h
  keep_latest:
    - group_id: org.example
      artifact_id: lib
      keep: 3
repository:
  url: https://maven.example.com/releases
  metadata_ttl: 1m
schedule:
  evict_lru: "0 2 * * *"
  deprecate_missing: "@weekly"
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, 90, cfg.Retention.TTLVersionsDays)
		assert.Equal(t, 7, cfg.Retention.TTLSnapshotsDays)
		assert.Equal(t, 72*time.Hour, cfg.Retention.UnusedGracePeriod)
		assert.Equal(t, []retention.KeepLatestRule{
			{GroupID: "org.example", ArtifactID: "lib", Keep: 3},
		}, cfg.Retention.KeepLatest)
		assert.Equal(t, "https://maven.example.com/releases", cfg.Repository.URL)
		assert.Equal(t, time.Minute, cfg.Repository.MetadataTTL)

		// Defaults fill the rest.
		assert.Equal(t, DefaultConcurrency, cfg.Retention.Concurrency)
		assert.Equal(t, DefaultRepositoryTimeout, cfg.Repository.Timeout)
		assert.Equal(t, DefaultPersistSchedule, cfg.Schedule.Persist)
		assert.Equal(t, "0 2 * * *", cfg.Schedule.EvictLRU)
		assert.Empty(t, cfg.Schedule.EvictUnused)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, os.ErrNotExist))
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		_, err := Parse([]byte("retention:\n  ttl_days: 5\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ttl_days")
	})

	t.Run("empty document yields defaults", func(t *testing.T) {
		cfg, err := Parse(nil)
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, DefaultTTLVersionsDays, cfg.Retention.TTLVersionsDays)
	assert.Equal(t, DefaultTTLSnapshotsDays, cfg.Retention.TTLSnapshotsDays)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention.UnusedGracePeriod)
	assert.Equal(t, DefaultRepositoryURL, cfg.Repository.URL)
	assert.Equal(t, DefaultRegistryMaxPending, cfg.Registry.MaxPending)
	assert.Equal(t, DefaultRepositoryMaxRetries, cfg.Repository.MaxRetries)
	assert.Equal(t, DefaultBreakerFailures, cfg.Repository.BreakerFailures)
	require.NoError(t, Validate(cfg))

	jobs := cfg.Schedule.Jobs()
	assert.Equal(t, map[string]string{
		JobPersist:     DefaultPersistSchedule,
		JobConsolidate: DefaultConsolidateSchedule,
	}, jobs)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		fields []string
	}{
		{
			name:   "negative ttls",
			mutate: func(c *Config) { c.Retention.TTLVersionsDays = -1; c.Retention.TTLSnapshotsDays = -2 },
			fields: []string{"retention.ttl_versions_days", "retention.ttl_snapshots_days"},
		},
		{
			name:   "negative grace period",
			mutate: func(c *Config) { c.Retention.UnusedGracePeriod = -time.Hour },
			fields: []string{"retention.unused_grace_period"},
		},
		{
			name: "invalid keep latest rules",
			mutate: func(c *Config) {
				c.Retention.KeepLatest = []retention.KeepLatestRule{
					{GroupID: "", ArtifactID: "lib", Keep: 1},
					{GroupID: "org.example", ArtifactID: "lib", Keep: -1},
					{GroupID: "org.example", ArtifactID: "lib", Keep: 2},
				}
			},
			fields: []string{"retention.keep_latest[0]", "retention.keep_latest[1].keep", "retention.keep_latest[2]"},
		},
		{
			name:   "repository url scheme",
			mutate: func(c *Config) { c.Repository.URL = "ftp://repo.example.com" },
			fields: []string{"repository.url"},
		},
		{
			name:   "repository url host",
			mutate: func(c *Config) { c.Repository.URL = "https://" },
			fields: []string{"repository.url"},
		},
		{
			name: "negative repository resilience",
			mutate: func(c *Config) {
				c.Repository.MaxRetries = -1
				c.Repository.BreakerFailures = -1
				c.Repository.BreakerTimeout = -time.Second
			},
			fields: []string{"repository.max_retries", "repository.breaker_failures", "repository.breaker_timeout"},
		},
		{
			name:   "bad cron expression",
			mutate: func(c *Config) { c.Schedule.EvictLRU = "every night" },
			fields: []string{"schedule.evict_lru"},
		},
		{
			name:   "negative registry size",
			mutate: func(c *Config) { c.Registry.MaxPending = -1 },
			fields: []string{"registry.max_pending"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)

			var verr ValidationError
			require.ErrorAs(t, err, &verr)

			var got []string
			for _, fe := range verr.Errors {
				got = append(got, fe.Field)
			}
			assert.Equal(t, tt.fields, got)
		})
	}
}

func TestValidationError_Error(t *testing.T) {
	single := ValidationError{Errors: []FieldError{{Field: "a", Message: "bad"}}}
	assert.Equal(t, "configuration validation failed: a: bad", single.Error())

	multi := ValidationError{Errors: []FieldError{{Field: "a", Message: "bad"}, {Field: "b", Message: "worse"}}}
	assert.Contains(t, multi.Error(), "2 errors")
	assert.Contains(t, multi.Error(), "b: worse")
}
