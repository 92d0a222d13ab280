package maven

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	expirable "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sony/gobreaker/v2"
	depot "github.com/wolfeidau/artifact-depot"
	"github.com/wolfeidau/artifact-depot/download"
	"github.com/wolfeidau/artifact-depot/telemetry"
)

const (
	// DefaultTimeout is the default timeout for repository requests.
	DefaultTimeout = 30 * time.Second

	// DefaultMetadataTTL is how long a fetched version list is reused.
	DefaultMetadataTTL = 5 * time.Minute

	// DefaultCacheSize is the number of projects whose version lists are cached.
	DefaultCacheSize = 1024

	// DefaultMaxRetries is how many times a failed metadata fetch is retried.
	DefaultMaxRetries = 2

	// DefaultRetryInterval is the first delay between retries.
	DefaultRetryInterval = 250 * time.Millisecond

	// DefaultBreakerFailures is how many consecutive failed fetches open the
	// circuit breaker.
	DefaultBreakerFailures = 5

	// DefaultBreakerTimeout is how long the breaker stays open before a
	// trial request is let through.
	DefaultBreakerTimeout = 30 * time.Second

	maxRetryInterval = 5 * time.Second

	// maxErrorBody bounds how much of an error response is kept for messages.
	maxErrorBody = 512
)

// Repository looks up published versions in a Maven repository.
type Repository struct {
	name     string
	baseURL  string
	client   *http.Client
	username string
	password string
	token    string
	ttl      time.Duration
	size     int
	cache    *expirable.LRU[string, []string]
	fetches  *download.Group[[]string]
	logger   *slog.Logger

	maxRetries      int
	retryInterval   time.Duration
	breakerFailures int
	breakerTimeout  time.Duration
	breaker         *gobreaker.CircuitBreaker[*MavenMetadata]
}

// Option configures a Repository.
type Option func(*Repository)

// WithRepositoryURL sets the repository URL.
func WithRepositoryURL(url string) Option {
	return func(r *Repository) {
		r.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithName sets the repository name reported in telemetry.
func WithName(name string) Option {
	return func(r *Repository) {
		r.name = name
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Repository) {
		r.client = client
	}
}

// WithBasicAuth authenticates requests with a username and password.
func WithBasicAuth(username, password string) Option {
	return func(r *Repository) {
		r.username = username
		r.password = password
	}
}

// WithBearerToken authenticates requests with a bearer token.
func WithBearerToken(token string) Option {
	return func(r *Repository) {
		r.token = token
	}
}

// WithMetadataTTL sets how long version lists are cached. Zero disables caching.
func WithMetadataTTL(ttl time.Duration) Option {
	return func(r *Repository) {
		r.ttl = ttl
	}
}

// WithCacheSize sets how many projects are kept in the version list cache.
func WithCacheSize(n int) Option {
	return func(r *Repository) {
		r.size = n
	}
}

// WithRetry sets how many times a failed fetch is retried and the first
// delay between attempts. Delays grow exponentially. Zero retries disables
// retrying.
func WithRetry(maxRetries int, interval time.Duration) Option {
	return func(r *Repository) {
		r.maxRetries = maxRetries
		r.retryInterval = interval
	}
}

// WithCircuitBreaker opens the breaker after failures consecutive failed
// fetches and keeps it open for timeout. Zero failures disables the breaker.
func WithCircuitBreaker(failures int, timeout time.Duration) Option {
	return func(r *Repository) {
		r.breakerFailures = failures
		r.breakerTimeout = timeout
	}
}

// WithLogger sets the logger for the repository.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Repository) {
		r.logger = logger
	}
}

// NewRepository creates a repository client.
func NewRepository(opts ...Option) *Repository {
	r := &Repository{
		name:    "maven",
		baseURL: DefaultRepositoryURL,
		ttl:     DefaultMetadataTTL,
		size:    DefaultCacheSize,
		logger:  slog.Default(),

		maxRetries:      DefaultMaxRetries,
		retryInterval:   DefaultRetryInterval,
		breakerFailures: DefaultBreakerFailures,
		breakerTimeout:  DefaultBreakerTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		r.client = &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, r.name),
		}
	}
	if r.ttl > 0 {
		if r.size <= 0 {
			r.size = DefaultCacheSize
		}
		r.cache = expirable.NewLRU[string, []string](r.size, nil, r.ttl)
	}
	if r.breakerFailures > 0 {
		r.breaker = r.newBreaker()
	}
	r.fetches = download.New[[]string](download.WithLogger(r.logger))
	return r
}

func (r *Repository) newBreaker() *gobreaker.CircuitBreaker[*MavenMetadata] {
	threshold := uint32(r.breakerFailures)
	return gobreaker.NewCircuitBreaker[*MavenMetadata](gobreaker.Settings{
		Name:        r.name,
		MaxRequests: 1,
		Timeout:     r.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Unknown projects and cancelled callers say nothing about upstream health.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, depot.ErrNotFound) ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("repository circuit breaker state changed",
				"repository", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}

// FindVersions returns every version the repository lists for a project.
// An unknown project returns depot.ErrNotFound; any other failure wraps
// depot.ErrRepositoryUnavailable.
func (r *Repository) FindVersions(ctx context.Context, groupID, artifactID string) ([]string, error) {
	if err := depot.ValidateProject(groupID, artifactID); err != nil {
		return nil, err
	}

	key := projectKey(groupID, artifactID)
	if r.cache != nil {
		if versions, ok := r.cache.Get(key); ok {
			telemetry.RecordMetadataCache(ctx, telemetry.CacheHit)
			telemetry.SetCacheResult(ctx, telemetry.CacheHit)
			return slices.Clone(versions), nil
		}
		telemetry.RecordMetadataCache(ctx, telemetry.CacheMiss)
		telemetry.SetCacheResult(ctx, telemetry.CacheMiss)
	}

	versions, _, err := r.fetches.Do(ctx, key, func(ctx context.Context) ([]string, error) {
		meta, err := r.FetchMetadata(ctx, groupID, artifactID)
		if err != nil {
			return nil, err
		}
		versions := meta.VersionList()
		if r.cache != nil {
			r.cache.Add(key, versions)
		}
		return versions, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(versions), nil
}

// FindVersion reports whether the repository lists versionID for the project.
// An unknown project is reported as not found rather than an error.
func (r *Repository) FindVersion(ctx context.Context, groupID, artifactID, versionID string) (string, bool, error) {
	c := depot.Coordinate{GroupID: groupID, ArtifactID: artifactID, VersionID: versionID}
	if err := c.Validate(); err != nil {
		return "", false, err
	}

	versions, err := r.FindVersions(ctx, groupID, artifactID)
	if err != nil {
		if depot.ErrorKind(err) == depot.KindNotFound {
			return "", false, nil
		}
		return "", false, err
	}

	if slices.Contains(versions, versionID) {
		return versionID, true, nil
	}
	return "", false, nil
}

// Invalidate drops the cached version list for a project.
func (r *Repository) Invalidate(groupID, artifactID string) {
	if r.cache != nil {
		r.cache.Remove(projectKey(groupID, artifactID))
	}
}

// projectKey is unambiguous because validated identifiers never contain ':'.
func projectKey(groupID, artifactID string) string {
	return groupID + ":" + artifactID
}

// FetchMetadata fetches and decodes maven-metadata.xml for a project,
// bypassing the cache. Transient failures are retried with exponential
// backoff; while the circuit breaker is open calls fail immediately with
// depot.ErrRepositoryUnavailable.
func (r *Repository) FetchMetadata(ctx context.Context, groupID, artifactID string) (*MavenMetadata, error) {
	if r.breaker == nil {
		return r.fetchWithRetry(ctx, groupID, artifactID)
	}

	meta, err := r.breaker.Execute(func() (*MavenMetadata, error) {
		return r.fetchWithRetry(ctx, groupID, artifactID)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s: %w", depot.ErrRepositoryUnavailable, r.name, err)
	}
	return meta, err
}

// BreakerState reports the circuit breaker state, or "disabled".
func (r *Repository) BreakerState() string {
	if r.breaker == nil {
		return "disabled"
	}
	return r.breaker.State().String()
}

func (r *Repository) fetchWithRetry(ctx context.Context, groupID, artifactID string) (*MavenMetadata, error) {
	if r.maxRetries <= 0 {
		return r.fetch(ctx, groupID, artifactID)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.retryInterval
	bo.MaxInterval = maxRetryInterval
	bo.MaxElapsedTime = 0

	var meta *MavenMetadata
	op := func() error {
		var err error
		meta, err = r.fetch(ctx, groupID, artifactID)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		r.logger.Warn("retrying repository request",
			"group_id", groupID,
			"artifact_id", artifactID,
			"retry_in", next.String(),
			"error", err,
		)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(r.maxRetries)), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return meta, nil
}

// retryable reports whether a fetch error may succeed on a later attempt.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= http.StatusInternalServerError
	}
	var te *transportError
	return errors.As(err, &te)
}

// statusError records an unexpected HTTP status from the repository.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("repository returned %d: %s", e.code, e.body)
}

// transportError records a failed round trip to the repository.
type transportError struct {
	url string
	err error
}

func (e *transportError) Error() string {
	return fmt.Sprintf("fetching %s: %v", e.url, e.err)
}

func (e *transportError) Unwrap() error { return e.err }

func (r *Repository) fetch(ctx context.Context, groupID, artifactID string) (*MavenMetadata, error) {
	url := r.MetadataURL(groupID, artifactID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("fetching %s: %w", url, ctxErr)
		}
		return nil, fmt.Errorf("%w: %w", depot.ErrRepositoryUnavailable, &transportError{url: url, err: err})
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("project %s:%s: %w", groupID, artifactID, depot.ErrNotFound)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		r.logger.Warn("repository returned unexpected status",
			"url", url,
			"status", resp.StatusCode,
		)
		return nil, fmt.Errorf("%w: %w", depot.ErrRepositoryUnavailable,
			&statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))})
	}

	var meta MavenMetadata
	if err := xml.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("%w: decoding metadata from %s: %w", depot.ErrRepositoryUnavailable, url, err)
	}

	r.logger.Debug("fetched maven metadata",
		"group_id", groupID,
		"artifact_id", artifactID,
		"versions", len(meta.Versioning.Versions.Version),
	)
	return &meta, nil
}

// MetadataURL returns the full URL for a project's maven-metadata.xml.
func (r *Repository) MetadataURL(groupID, artifactID string) string {
	return r.baseURL + "/" + groupIDToPath(groupID) + "/" + artifactID + "/maven-metadata.xml"
}

func (r *Repository) authorize(req *http.Request) {
	switch {
	case r.token != "":
		req.Header.Set("Authorization", "Bearer "+r.token)
	case r.username != "":
		req.SetBasicAuth(r.username, r.password)
	}
}
