package schedule

import (
	"encoding/json"
	"time"

	"github.com/contentops/autopilot/errors"
)

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunRetrying  RunStatus = "retrying"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunRunning, RunRetrying, RunSucceeded, RunFailed:
		return true
	}
	return false
}

// transitions lists the statuses reachable from each non-terminal status.
// Writes that keep the status unchanged record stage progress.
var transitions = map[RunStatus][]RunStatus{
	RunPending:  {RunPending, RunRunning, RunFailed},
	RunRunning:  {RunRunning, RunRetrying, RunSucceeded, RunFailed},
	RunRetrying: {RunRetrying, RunRunning, RunFailed},
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to RunStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ResultDraft is recorded when the publish stage is skipped.
const ResultDraft = "draft"

// RunError describes why a run failed.
type RunError struct {
	Stage   string      `json:"stage"`
	Kind    errors.Kind `json:"kind"`
	Message string      `json:"message"`
}

// Run is one execution of a job's pipeline. Platform and Params are a
// snapshot taken at dispatch, so history survives later edits to the job.
type Run struct {
	ID              string                     `json:"id"`
	JobID           string                     `json:"job_id"`
	Platform        Platform                   `json:"platform"`
	Params          Params                     `json:"params"`
	Status          RunStatus                  `json:"status"`
	ScheduledFor    time.Time                  `json:"scheduled_for"`
	StartedAt       *time.Time                 `json:"started_at,omitempty"`
	FinishedAt      *time.Time                 `json:"finished_at,omitempty"`
	CurrentStage    string                     `json:"current_stage,omitempty"`
	StagesCompleted []string                   `json:"stages_completed"`
	StageAttempts   map[string]int             `json:"stage_attempts"`
	Attempt         int                        `json:"attempt"`
	Outputs         map[string]json.RawMessage `json:"outputs,omitempty"`
	Result          string                     `json:"result,omitempty"`
	Error           *RunError                  `json:"error,omitempty"`
	CreatedAt       time.Time                  `json:"created_at"`
	UpdatedAt       time.Time                  `json:"updated_at"`
}

// NewRun builds the pending run for job, due at scheduledFor.
func NewRun(id string, job *Job, scheduledFor time.Time, now time.Time) *Run {
	return &Run{
		ID:              id,
		JobID:           job.ID,
		Platform:        job.Platform,
		Params:          job.Params.Clone(),
		Status:          RunPending,
		ScheduledFor:    scheduledFor,
		StagesCompleted: []string{},
		StageAttempts:   map[string]int{},
		Outputs:         map[string]json.RawMessage{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Duration is the wall time between start and finish, zero while running.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// Clone returns a deep copy safe to hand to observers.
func (r *Run) Clone() *Run {
	c := *r
	c.Params = r.Params.Clone()
	c.StagesCompleted = append([]string(nil), r.StagesCompleted...)
	c.StageAttempts = make(map[string]int, len(r.StageAttempts))
	for k, v := range r.StageAttempts {
		c.StageAttempts[k] = v
	}
	c.Outputs = make(map[string]json.RawMessage, len(r.Outputs))
	for k, v := range r.Outputs {
		c.Outputs[k] = append(json.RawMessage(nil), v...)
	}
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	JobID  string
	Status RunStatus
	Limit  int
	Offset int
}

// RateFilter narrows SuccessRate. Empty fields match everything.
type RateFilter struct {
	Since    time.Time
	Until    time.Time
	Platform Platform
	JobID    string
}

// SuccessRate aggregates terminal runs finished inside a window.
type SuccessRate struct {
	Since     time.Time `json:"since"`
	Until     time.Time `json:"until"`
	Platform  Platform  `json:"platform,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Total     int       `json:"total"`
	Rate      float64   `json:"rate"` // 0..1; 0 when Total is 0
}
