// Package server provides the HTTP API for the artifact depot.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	depot "github.com/wolfeidau/artifact-depot"
	"github.com/wolfeidau/artifact-depot/querymetrics"
	"github.com/wolfeidau/artifact-depot/retention"
	"github.com/wolfeidau/artifact-depot/schedule"
	"github.com/wolfeidau/artifact-depot/store/metadb"
	"github.com/wolfeidau/artifact-depot/telemetry"
)

// VersionStore registers and looks up cached versions.
type VersionStore interface {
	PutVersion(ctx context.Context, c depot.Coordinate, publishedAt time.Time) (*depot.VersionRecord, error)
	GetVersion(ctx context.Context, c depot.Coordinate) (*depot.VersionRecord, error)
	FindVersions(ctx context.Context, groupID, artifactID string) ([]*depot.VersionRecord, error)
}

// StatsProvider reports database statistics.
type StatsProvider interface {
	Stats(ctx context.Context) (*metadb.Stats, error)
}

// Repository answers version lookups against the upstream artifact repository.
type Repository interface {
	FindVersions(ctx context.Context, groupID, artifactID string) ([]string, error)
	FindVersion(ctx context.Context, groupID, artifactID, versionID string) (string, bool, error)
}

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken enables Bearer authentication on every route except
	// /health and /metrics when set.
	AuthToken string

	// ReadToken is an optional Bearer token limited to GET requests.
	ReadToken string

	// TTLVersionsDays and TTLSnapshotsDays are used by the LRU purge route
	// when the request does not override them.
	TTLVersionsDays  int
	TTLSnapshotsDays int

	// Logger for the server
	Logger *slog.Logger
}

// Components are the depot services exposed over HTTP.
type Components struct {
	Metrics    *querymetrics.Handler
	Versions   VersionStore
	Retention  *retention.Engine
	Repository Repository
	Stats      StatsProvider

	// Scheduler is optional; it is started and stopped with the server.
	Scheduler *schedule.Scheduler
}

// Server is the HTTP server for the artifact depot.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	metrics    *querymetrics.Handler
	versions   VersionStore
	retention  *retention.Engine
	repository Repository
	stats      StatsProvider
	scheduler  *schedule.Scheduler
}

// New creates a new server with the given configuration.
func New(cfg Config, c Components) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if c.Metrics == nil || c.Versions == nil || c.Retention == nil {
		return nil, fmt.Errorf("server requires metrics, versions and retention components")
	}

	s := &Server{
		config:     cfg,
		logger:     cfg.Logger,
		metrics:    c.Metrics,
		versions:   c.Versions,
		retention:  c.Retention,
		repository: c.Repository,
		stats:      c.Stats,
		scheduler:  c.Scheduler,
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // Purge sweeps can run long
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.loggingMiddleware(s.authMiddleware(mux))
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleStats reports database statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeJSON(w, http.StatusOK, map[string]string{"error": "stats not enabled"})
		return
	}

	stats, err := s.stats.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set operation, coordinate, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			// Request identification
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			// Response details
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			// Timing
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			// Client info
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		// Add handler-set tags
		if tags.Operation != "" {
			attrs = append(attrs, "operation", tags.Operation)
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Coordinate != "" {
			attrs = append(attrs, "coordinate", tags.Coordinate)
		}
		if tags.CacheResult != telemetry.CacheBypass {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the scheduler, if any, and then the HTTP server.
func (s *Server) Start(ctx context.Context) error {
	if s.scheduler != nil {
		s.logger.Info("starting scheduler", "jobs", s.scheduler.Jobs())
		if err := s.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
	}

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server and flushes pending query
// events to the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if s.scheduler != nil {
		s.scheduler.Stop()
	}

	err := s.httpServer.Shutdown(ctx)

	if n, perr := s.metrics.PersistMetrics(ctx); perr != nil {
		s.logger.Error("failed to flush query metrics", "persisted", n, "error", perr)
	} else if n > 0 {
		s.logger.Info("flushed query metrics", "persisted", n)
	}

	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
