package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/contentops/autopilot/errors"
	"github.com/contentops/autopilot/logger"
	"github.com/contentops/autopilot/pulse/schedule"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	// Job is set when a definition was stored despite failing validation
	Job *schedule.Job `json:"job,omitempty"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return errors.Wrap(err, "failed to encode JSON")
	}
	return nil
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.IsNotFoundError(err):
		return http.StatusNotFound
	case errors.IsConflictError(err):
		return http.StatusConflict
	case errors.IsInvalidRequestError(err), errors.KindOf(err) == errors.KindConfiguration:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError replies with the status matching err. Server faults are
// logged; client mistakes are not.
func writeServiceError(w http.ResponseWriter, log *zap.SugaredLogger, err error, context string, job *schedule.Job) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Job: job}
	if kind := errors.KindOf(err); kind != errors.KindUnknown {
		resp.Kind = string(kind)
	}
	if status == http.StatusInternalServerError {
		log.Errorw(context, logger.FieldError, err)
		resp.Error = context
	}
	writeJSON(w, status, resp)
}

// readJSON reads and decodes a JSON request body
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// parseIntQueryParam parses an integer query parameter, clamping it to
// [min, max]. Missing or malformed values yield defaultValue.
func parseIntQueryParam(r *http.Request, name string, defaultValue, min, max int) int {
	valueStr := r.URL.Query().Get(name)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// parseTimeQueryParam parses an RFC3339 query parameter. Missing yields the
// zero time.
func parseTimeQueryParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.NewInvalidRequestError("%s: want RFC3339, got %q", name, raw)
	}
	return t, nil
}
