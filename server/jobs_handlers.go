package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/contentops/autopilot/logger"
	"github.com/contentops/autopilot/pulse/schedule"
	"github.com/contentops/autopilot/pulse/trigger"
)

// JobPatch is the body of PATCH /api/jobs/{id}. Nil fields keep their
// current value.
type JobPatch struct {
	Name    *string         `json:"name,omitempty"`
	Trigger *trigger.Spec   `json:"trigger,omitempty"`
	Params  schedule.Params `json:"params,omitempty"`
	Enabled *bool           `json:"enabled,omitempty"`
}

// ListJobsResponse is the body of GET /api/jobs.
type ListJobsResponse struct {
	Jobs  any `json:"jobs"`
	Count int `json:"count"`
}

// HandleJobs handles requests to /api/jobs
// GET: List jobs (?platform=, ?state=, ?enabled=)
// POST: Create or update a job from a definition
func (s *Server) HandleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListJobs(w, r)
	case http.MethodPost:
		s.handleCreateJob(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// HandleJob handles requests to /api/jobs/{id}[/enable|/disable|/runs]
func (s *Server) HandleJob(w http.ResponseWriter, r *http.Request) {
	pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/")
	if len(pathParts) == 0 || pathParts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing job ID")
		return
	}
	jobID := pathParts[0]

	if len(pathParts) > 1 {
		action := pathParts[1]
		if len(pathParts) > 2 {
			writeError(w, http.StatusNotFound, "Unknown job resource")
			return
		}
		switch action {
		case "enable", "disable":
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
				return
			}
			s.handleToggleJob(w, r, jobID, action == "enable")
		case "runs":
			if r.Method != http.MethodGet {
				writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
				return
			}
			s.handleListJobRuns(w, r, jobID)
		default:
			writeError(w, http.StatusNotFound, "Unknown job resource")
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGetJob(w, r, jobID)
	case http.MethodPatch:
		s.handlePatchJob(w, r, jobID)
	case http.MethodDelete:
		s.handleDeleteJob(w, r, jobID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := schedule.JobFilter{
		Platform: schedule.Platform(q.Get("platform")),
		State:    q.Get("state"),
	}
	if raw := q.Get("enabled"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "enabled must be true or false")
			return
		}
		filter.Enabled = &enabled
	}

	jobs, err := s.dash.ListJobs(r.Context(), filter)
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to list jobs", nil)
		return
	}
	writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: jobs, Count: len(jobs)})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var def schedule.Definition
	if !readJSON(w, r, &def) {
		return
	}
	job, err := s.registry.Register(r.Context(), def)
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to register job", job)
		return
	}

	logger.AddPulseSymbol(s.logger).Infow("Job registered via API",
		logger.FieldJobID, job.ID,
		logger.FieldPlatform, job.Platform,
		logger.FieldState, job.State)

	status := http.StatusCreated
	if !job.CreatedAt.Equal(job.UpdatedAt) {
		status = http.StatusOK
	}
	writeJSON(w, status, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := s.dash.GetJob(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to get job", nil)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handlePatchJob(w http.ResponseWriter, r *http.Request, jobID string) {
	var patch JobPatch
	if !readJSON(w, r, &patch) {
		return
	}

	job, err := s.registry.Get(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to get job", nil)
		return
	}

	def := schedule.Definition{
		ID:       job.ID,
		Name:     job.Name,
		Platform: job.Platform,
		Trigger:  job.Trigger,
		Params:   job.Params,
		Enabled:  patch.Enabled,
	}
	if patch.Name != nil {
		def.Name = *patch.Name
	}
	if patch.Trigger != nil {
		def.Trigger = *patch.Trigger
	}
	if patch.Params != nil {
		def.Params = patch.Params
	}

	updated, err := s.registry.Register(r.Context(), def)
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to update job", updated)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if err := s.registry.Delete(r.Context(), jobID); err != nil {
		writeServiceError(w, s.logger, err, "failed to delete job", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleJob(w http.ResponseWriter, r *http.Request, jobID string, enable bool) {
	var (
		job *schedule.Job
		err error
	)
	if enable {
		job, err = s.registry.Enable(r.Context(), jobID)
	} else {
		job, err = s.registry.Disable(r.Context(), jobID)
	}
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to change job state", nil)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobRuns(w http.ResponseWriter, r *http.Request, jobID string) {
	limit := parseIntQueryParam(r, "limit", defaultRunLimit, 1, maxRunLimit)
	offset := parseIntQueryParam(r, "offset", 0, 0, 1000000)
	status := schedule.RunStatus(r.URL.Query().Get("status"))

	page, err := s.dash.ListRuns(r.Context(), jobID, status, limit, offset)
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to list runs", nil)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
