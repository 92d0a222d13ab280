// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// jobKey is the context key for propagating a scheduled job name.
	jobKey contextKey = "job"
)

// CacheResult represents the outcome of a cache lookup.
type CacheResult string

const (
	CacheHit    CacheResult = "hit"
	CacheMiss   CacheResult = "miss"
	CacheBypass CacheResult = "bypass"
	CacheNA     CacheResult = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Operation   string
	CacheResult CacheResult
	Endpoint    string
	Coordinate  string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	return TagsFromContext(r.Context())
}

// TagsFromContext retrieves the request tags from ctx.
func TagsFromContext(ctx context.Context) *RequestTags {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
// Lookups made with a request context report through here.
func SetCacheResult(ctx context.Context, result CacheResult) {
	if tags := TagsFromContext(ctx); tags != nil {
		tags.CacheResult = result
	}
}

// SetOperation sets the operation tag for metrics and logging.
func SetOperation(r *http.Request, operation string) {
	if tags := GetTags(r); tags != nil {
		tags.Operation = operation
	}
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// SetCoordinate records the coordinate a request targets, for logging only.
func SetCoordinate(r *http.Request, coordinate string) {
	if tags := GetTags(r); tags != nil {
		tags.Coordinate = coordinate
	}
}

// JobFromContext retrieves the scheduled job name from a context.
func JobFromContext(ctx context.Context) string {
	if j, ok := ctx.Value(jobKey).(string); ok {
		return j
	}
	return ""
}

// WithJobContext returns a context carrying the scheduled job name.
func WithJobContext(ctx context.Context, job string) context.Context {
	return context.WithValue(ctx, jobKey, job)
}
