package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// authMiddleware validates Bearer tokens. AuthToken grants every route;
// ReadToken grants GET requests only. With no tokens configured the
// middleware is a no-op. Exact paths /health and /metrics are exempt.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" && s.config.ReadToken == "" {
		return next
	}

	adminToken := []byte(s.config.AuthToken)
	readToken := []byte(s.config.ReadToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			errorResponse(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		provided := []byte(strings.TrimPrefix(auth, "Bearer "))

		switch {
		case tokenMatches(provided, adminToken):
			next.ServeHTTP(w, r)
		case tokenMatches(provided, readToken):
			if r.Method != http.MethodGet && r.Method != http.MethodHead {
				errorResponse(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		default:
			errorResponse(w, http.StatusUnauthorized, "unauthorized")
		}
	})
}

func tokenMatches(provided, expected []byte) bool {
	return len(expected) > 0 && subtle.ConstantTimeCompare(provided, expected) == 1
}

func errorResponse(w http.ResponseWriter, status int, msg string) {
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg}) //nolint:errcheck
}
