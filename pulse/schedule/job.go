// Package schedule owns job definitions, the run store and the scheduler
// loop that dispatches due jobs to the pipeline executor.
package schedule

import (
	"time"

	"github.com/contentops/autopilot/pulse/trigger"
)

// Platform is the publishing target of a job.
type Platform string

const (
	PlatformBlog   Platform = "blog"
	PlatformSocial Platform = "social"
)

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	return p == PlatformBlog || p == PlatformSocial
}

// Job is a registered automation task bound to one platform.
type Job struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Platform    Platform     `json:"platform"`
	State       string       `json:"state"`
	Trigger     trigger.Spec `json:"trigger"`
	Params      Params       `json:"params"`
	NextRunAt   *time.Time   `json:"next_run_at,omitempty"` // nil when paused, completed or misconfigured
	LastRunAt   *time.Time   `json:"last_run_at,omitempty"`
	LastRunID   string       `json:"last_run_id,omitempty"`
	ConfigError string       `json:"config_error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Enabled reports whether the job is eligible for dispatch.
func (j *Job) Enabled() bool {
	return j.State == StateActive
}

// State constants for scheduled jobs
const (
	StateActive      = "active"       // Job is running on schedule
	StatePaused      = "paused"       // Job is disabled by an operator
	StateCompleted   = "completed"    // Run-once job has fired
	StateConfigError = "config_error" // Trigger or params failed validation
	StateDeleted     = "deleted"      // Soft delete; runs keep referencing it
)

// Definition is the caller-supplied description of a job. An empty ID
// creates a new job; a known ID updates it in place.
type Definition struct {
	ID       string       `json:"id,omitempty" toml:"id,omitempty" yaml:"id,omitempty"`
	Name     string       `json:"name" toml:"name" yaml:"name"`
	Platform Platform     `json:"platform" toml:"platform" yaml:"platform"`
	Trigger  trigger.Spec `json:"trigger" toml:"trigger" yaml:"trigger"`
	Params   Params       `json:"params,omitempty" toml:"params,omitempty" yaml:"params,omitempty"`
	Enabled  *bool        `json:"enabled,omitempty" toml:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// JobFilter narrows ListJobs. Zero values match everything except deleted jobs.
type JobFilter struct {
	Platform Platform
	State    string
	Enabled  *bool
}
