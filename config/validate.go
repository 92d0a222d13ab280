package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
	depot "github.com/wolfeidau/artifact-depot"
)

// FieldError is a validation error for one configuration field.
type FieldError struct {
	// Field is the dotted path to the field, e.g. "retention.ttl_versions_days".
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError collects every field error found in a configuration.
type ValidationError struct {
	Errors []FieldError
}

func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d errors:\n", len(e.Errors))
	for _, err := range e.Errors {
		fmt.Fprintf(&sb, "  - %s\n", err.Error())
	}
	return sb.String()
}

// Validate checks cfg and returns a ValidationError listing every problem.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateRetention(&cfg.Retention)...)
	errs = append(errs, validateRepository(&cfg.Repository)...)
	errs = append(errs, validateSchedule(&cfg.Schedule)...)

	if cfg.Registry.MaxPending < 0 {
		errs = append(errs, FieldError{
			Field:   "registry.max_pending",
			Message: "must be non-negative",
		})
	}

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func validateRetention(cfg *RetentionConfig) []FieldError {
	var errs []FieldError

	if cfg.TTLVersionsDays < 0 {
		errs = append(errs, FieldError{Field: "retention.ttl_versions_days", Message: "must be non-negative"})
	}
	if cfg.TTLSnapshotsDays < 0 {
		errs = append(errs, FieldError{Field: "retention.ttl_snapshots_days", Message: "must be non-negative"})
	}
	if cfg.UnusedGracePeriod < 0 {
		errs = append(errs, FieldError{Field: "retention.unused_grace_period", Message: "must be non-negative"})
	}
	if cfg.Concurrency < 1 {
		errs = append(errs, FieldError{Field: "retention.concurrency", Message: "must be at least 1"})
	}

	seen := make(map[string]int)
	for i, rule := range cfg.KeepLatest {
		field := fmt.Sprintf("retention.keep_latest[%d]", i)
		if err := depot.ValidateProject(rule.GroupID, rule.ArtifactID); err != nil {
			errs = append(errs, FieldError{Field: field, Message: err.Error()})
			continue
		}
		if rule.Keep < 0 {
			errs = append(errs, FieldError{Field: field + ".keep", Message: "must be non-negative"})
		}
		key := rule.GroupID + ":" + rule.ArtifactID
		if prev, ok := seen[key]; ok {
			errs = append(errs, FieldError{
				Field:   field,
				Message: fmt.Sprintf("duplicate rule for %s (first at index %d)", key, prev),
			})
			continue
		}
		seen[key] = i
	}

	return errs
}

func validateRepository(cfg *RepositoryConfig) []FieldError {
	var errs []FieldError

	u, err := url.Parse(cfg.URL)
	switch {
	case err != nil:
		errs = append(errs, FieldError{Field: "repository.url", Message: fmt.Sprintf("invalid URL: %v", err)})
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, FieldError{Field: "repository.url", Message: "scheme must be http or https"})
	case u.Host == "":
		errs = append(errs, FieldError{Field: "repository.url", Message: "host is required"})
	}

	if cfg.Timeout < 0 {
		errs = append(errs, FieldError{Field: "repository.timeout", Message: "must be non-negative"})
	}
	if cfg.MetadataTTL < 0 {
		errs = append(errs, FieldError{Field: "repository.metadata_ttl", Message: "must be non-negative"})
	}
	if cfg.CacheSize < 0 {
		errs = append(errs, FieldError{Field: "repository.cache_size", Message: "must be non-negative"})
	}
	if cfg.MaxRetries < 0 {
		errs = append(errs, FieldError{Field: "repository.max_retries", Message: "must be non-negative"})
	}
	if cfg.BreakerFailures < 0 {
		errs = append(errs, FieldError{Field: "repository.breaker_failures", Message: "must be non-negative"})
	}
	if cfg.BreakerTimeout < 0 {
		errs = append(errs, FieldError{Field: "repository.breaker_timeout", Message: "must be non-negative"})
	}

	return errs
}

func validateSchedule(cfg *ScheduleConfig) []FieldError {
	var errs []FieldError

	for _, job := range []struct {
		name string
		expr string
	}{
		{JobPersist, cfg.Persist},
		{JobConsolidate, cfg.Consolidate},
		{JobEvictLRU, cfg.EvictLRU},
		{JobEvictUnused, cfg.EvictUnused},
		{JobKeepLatest, cfg.KeepLatest},
		{JobDeprecateMissing, cfg.DeprecateMissing},
	} {
		if job.expr == "" {
			continue
		}
		if _, err := cron.ParseStandard(job.expr); err != nil {
			errs = append(errs, FieldError{
				Field:   "schedule." + job.name,
				Message: fmt.Sprintf("invalid cron expression %q: %v", job.expr, err),
			})
		}
	}

	return errs
}
