package server

import (
	"net/http"
	"strings"

	"github.com/contentops/autopilot/dashboard"
	"github.com/contentops/autopilot/logger"
	"github.com/contentops/autopilot/pulse/schedule"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string              `json:"status"`
	Overview *dashboard.Overview `json:"overview,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// HandleRun handles GET /api/runs/{id}
func (s *Server) HandleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	runID := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	if runID == "" || strings.Contains(runID, "/") {
		writeError(w, http.StatusBadRequest, "Missing run ID")
		return
	}

	run, err := s.dash.GetRun(r.Context(), runID)
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to get run", nil)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// HandleSuccessRate handles GET /api/stats/success-rate?since&until&platform&job_id
func (s *Server) HandleSuccessRate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	since, err := parseTimeQueryParam(r, "since")
	if err != nil {
		writeServiceError(w, s.logger, err, "invalid query", nil)
		return
	}
	until, err := parseTimeQueryParam(r, "until")
	if err != nil {
		writeServiceError(w, s.logger, err, "invalid query", nil)
		return
	}
	q := r.URL.Query()
	rate, err := s.dash.SuccessRate(r.Context(), schedule.RateFilter{
		Since:    since,
		Until:    until,
		Platform: schedule.Platform(q.Get("platform")),
		JobID:    q.Get("job_id"),
	})
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to compute success rate", nil)
		return
	}
	writeJSON(w, http.StatusOK, rate)
}

// HandleHealth reports scheduler health. The store being unreachable is the
// only unhealthy condition.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	overview, err := s.dash.Overview(r.Context())
	if err != nil {
		s.logger.Warnw("Health check failed", logger.FieldError, err)
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Overview: overview})
}
