package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mattjoyce/callbackd/internal/queue"
)

// handleHealthz handles GET /healthz. It fails when the store is unreachable.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.stats.Stats(r.Context()); err != nil {
		s.logger.Error("store health check failed", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Workers:       s.config.Workers,
	})
}

// handleStats handles GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.stats.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to read queue stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read queue stats")
		return
	}

	respondJSON(w, http.StatusOK, StatsResponse{
		Pending:   counts[queue.StatusPending],
		Handling:  counts[queue.StatusHandling],
		Delivered: counts[queue.StatusDelivered],
		Failed:    counts[queue.StatusFailed],
	})
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
