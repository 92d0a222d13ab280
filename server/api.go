package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	depot "github.com/wolfeidau/artifact-depot"
	"github.com/wolfeidau/artifact-depot/telemetry"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 64 << 10

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Query metrics
	s.handle(mux, "POST /api/queries/{groupId}/{artifactId}/{versionId}", "record_query", s.handleRecordQuery)
	s.handle(mux, "GET /api/metrics", "list_summaries", s.handleListSummaries)
	s.handle(mux, "GET /api/metrics/before", "metrics_before", s.handleMetricsBefore)
	s.handle(mux, "GET /api/metrics/{groupId}/{artifactId}", "project_metrics", s.handleProjectMetrics)
	s.handle(mux, "GET /api/metrics/{groupId}/{artifactId}/{versionId}", "version_summary", s.handleVersionSummary)
	s.handle(mux, "POST /api/metrics/persist", "persist_metrics", s.handlePersist)
	s.handle(mux, "POST /api/metrics/consolidate", "consolidate_metrics", s.handleConsolidate)

	// Version records
	s.handle(mux, "PUT /api/versions/{groupId}/{artifactId}/{versionId}", "register_version", s.handleRegisterVersion)
	s.handle(mux, "GET /api/versions/{groupId}/{artifactId}", "list_versions", s.handleListVersions)
	s.handle(mux, "GET /api/versions/{groupId}/{artifactId}/{versionId}", "get_version", s.handleGetVersion)
	s.handle(mux, "DELETE /api/versions/{groupId}/{artifactId}/{versionId}", "delete_version", s.handleDeleteVersion)
	s.handle(mux, "POST /api/versions/{groupId}/{artifactId}/{versionId}/evict", "evict_version", s.handleEvictVersion)
	s.handle(mux, "POST /api/versions/{groupId}/{artifactId}/{versionId}/deprecate", "deprecate_version", s.handleDeprecateVersion)

	// Retention sweeps
	s.handle(mux, "POST /api/purge/lru", "purge_lru", s.handlePurgeLRU)
	s.handle(mux, "POST /api/purge/unused", "purge_unused", s.handlePurgeUnused)
	s.handle(mux, "POST /api/purge/oldest/{groupId}/{artifactId}", "purge_oldest", s.handlePurgeOldest)
	s.handle(mux, "POST /api/purge/deprecated", "purge_deprecated", s.handlePurgeDeprecated)

	// Upstream repository lookups
	s.handle(mux, "GET /api/repository/versions/{groupId}/{artifactId}", "repository_versions", s.handleRepositoryVersions)
	s.handle(mux, "GET /api/repository/versions/{groupId}/{artifactId}/{versionId}", "repository_version", s.handleRepositoryVersion)
}

// handle registers fn under pattern and tags requests with operation.
func (s *Server) handle(mux *http.ServeMux, pattern, operation string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		telemetry.SetOperation(r, operation)
		telemetry.SetEndpoint(r, pattern)
		fn(w, r)
	})
}

func (s *Server) handleRecordQuery(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinate(w, r)
	if !ok {
		return
	}
	if err := s.metrics.RecordQuery(r.Context(), c); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleListSummaries(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.metrics.GetSummaryByProjectVersion(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleMetricsBefore(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	cutoff, err := time.Parse(time.RFC3339, q.Get("date"))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: date must be RFC3339: %v", depot.ErrInvalidArgument, err))
		return
	}

	find := s.metrics.FindReleasedVersionMetricsBefore
	switch q.Get("kind") {
	case "", "release":
	case "snapshot":
		find = s.metrics.FindSnapshotVersionMetricsBefore
	default:
		s.writeError(w, r, fmt.Errorf("%w: kind must be release or snapshot", depot.ErrInvalidArgument))
		return
	}

	records, err := find(r.Context(), cutoff)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleProjectMetrics(w http.ResponseWriter, r *http.Request) {
	records, err := s.metrics.FindMetricsForProjectCoordinates(r.Context(), r.PathValue("groupId"), r.PathValue("artifactId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleVersionSummary(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinate(w, r)
	if !ok {
		return
	}
	summary, found, err := s.metrics.GetSummary(r.Context(), c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !found {
		s.writeError(w, r, fmt.Errorf("metrics for %s: %w", c, depot.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handlePersist(w http.ResponseWriter, r *http.Request) {
	n, err := s.metrics.PersistMetrics(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"persisted": n})
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.ConsolidateMetrics(r.Context()))
}

type registerVersionRequest struct {
	PublishedAt time.Time `json:"published_at"`
}

func (s *Server) handleRegisterVersion(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinate(w, r)
	if !ok {
		return
	}

	var req registerVersionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, fmt.Errorf("%w: decoding request body: %v", depot.ErrInvalidArgument, err))
		return
	}

	record, err := s.versions.PutVersion(r.Context(), c, req.PublishedAt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	groupID, artifactID := r.PathValue("groupId"), r.PathValue("artifactId")
	if err := depot.ValidateProject(groupID, artifactID); err != nil {
		s.writeError(w, r, err)
		return
	}
	records, err := s.versions.FindVersions(r.Context(), groupID, artifactID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []*depot.VersionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinate(w, r)
	if !ok {
		return
	}
	record, err := s.versions.GetVersion(r.Context(), c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleDeleteVersion(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinate(w, r)
	if !ok {
		return
	}
	if err := s.retention.Delete(r.Context(), c.GroupID, c.ArtifactID, c.VersionID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvictVersion(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinate(w, r)
	if !ok {
		return
	}
	if err := s.retention.Evict(r.Context(), c.GroupID, c.ArtifactID, c.VersionID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeprecateVersion(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinate(w, r)
	if !ok {
		return
	}
	resp, err := s.retention.Deprecate(r.Context(), c.GroupID, c.ArtifactID, c.VersionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePurgeLRU(w http.ResponseWriter, r *http.Request) {
	versions, err := intParam(r, "versions", s.config.TTLVersionsDays)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	snapshots, err := intParam(r, "snapshots", s.config.TTLSnapshotsDays)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp, err := s.retention.EvictLeastRecentlyUsed(r.Context(), versions, snapshots)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePurgeUnused(w http.ResponseWriter, r *http.Request) {
	resp, err := s.retention.EvictVersionsNotUsed(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePurgeOldest(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("keep") == "" {
		s.writeError(w, r, fmt.Errorf("%w: keep is required", depot.ErrInvalidArgument))
		return
	}
	keep, err := intParam(r, "keep", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp, err := s.retention.EvictOldestProjectVersions(r.Context(), r.PathValue("groupId"), r.PathValue("artifactId"), keep)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePurgeDeprecated(w http.ResponseWriter, r *http.Request) {
	resp, err := s.retention.DeprecateVersionsNotInRepository(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRepositoryVersions(w http.ResponseWriter, r *http.Request) {
	if s.repository == nil {
		s.writeError(w, r, fmt.Errorf("%w: no artifact repository configured", depot.ErrRepositoryUnavailable))
		return
	}
	versions, err := s.repository.FindVersions(r.Context(), r.PathValue("groupId"), r.PathValue("artifactId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

type repositoryVersionResponse struct {
	Version string `json:"version"`
}

func (s *Server) handleRepositoryVersion(w http.ResponseWriter, r *http.Request) {
	if s.repository == nil {
		s.writeError(w, r, fmt.Errorf("%w: no artifact repository configured", depot.ErrRepositoryUnavailable))
		return
	}
	c, ok := s.coordinate(w, r)
	if !ok {
		return
	}
	version, found, err := s.repository.FindVersion(r.Context(), c.GroupID, c.ArtifactID, c.VersionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !found {
		s.writeError(w, r, fmt.Errorf("version %s in repository: %w", c, depot.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, repositoryVersionResponse{Version: version})
}

// coordinate reads and validates the coordinate path values, writing a 400
// response when they are invalid.
func (s *Server) coordinate(w http.ResponseWriter, r *http.Request) (depot.Coordinate, bool) {
	c, err := depot.NewCoordinate(r.PathValue("groupId"), r.PathValue("artifactId"), r.PathValue("versionId"))
	if err != nil {
		s.writeError(w, r, err)
		return depot.Coordinate{}, false
	}
	telemetry.SetCoordinate(r, c.String())
	return c, true
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", depot.ErrInvalidArgument, name)
	}
	return n, nil
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch depot.ErrorKind(err) {
	case depot.KindInvalidArgument:
		return http.StatusBadRequest
	case depot.KindNotFound:
		return http.StatusNotFound
	case depot.KindInvalidTransition:
		return http.StatusConflict
	case depot.KindRepositoryUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  depot.ErrorKind(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
