package logger

import (
	"go.uber.org/zap"
)

// Standard field names for structured logging.
// Use these constants instead of raw strings to keep log queries stable.
const (
	// Identity
	FieldJobID     = "job_id"
	FieldRunID     = "run_id"
	FieldRequestID = "request_id"

	// Pipeline
	FieldStage     = "stage"
	FieldAttempt   = "attempt"
	FieldPlatform  = "platform"
	FieldErrorKind = "error_kind"
	FieldResult    = "result"

	// Components
	FieldComponent = "component"

	// HTTP
	FieldMethod = "method"
	FieldPath   = "path"

	// Timing
	FieldDurationMS   = "duration_ms"
	FieldScheduledFor = "scheduled_for"
	FieldNextRunAt    = "next_run_at"

	// Errors
	FieldError = "error"

	// Counts
	FieldCount = "count"

	// Status
	FieldStatus = "status"
	FieldState  = "state"

	// Files and network
	FieldFile    = "file"
	FieldAddress = "address"

	// Segment symbol (꩜, ✿, ❀, ⊔)
	FieldSymbol = "symbol"
)

// RunLogger returns a child logger tagged with a run and its job.
func RunLogger(parent *zap.SugaredLogger, runID, jobID string) *zap.SugaredLogger {
	return parent.With(FieldRunID, runID, FieldJobID, jobID)
}
