// Package dashboard is the read-only query side of the scheduler: job
// listings with their latest run, run detail and success-rate windows.
// Nothing here can create, change or trigger a job or run.
package dashboard

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/contentops/autopilot/errors"
	"github.com/contentops/autopilot/pulse/schedule"
)

const (
	DefaultRunLimit = 20
	MaxRunLimit     = 200
	DefaultWindow   = 7 * 24 * time.Hour
)

// JobReader is the read half of the job store.
type JobReader interface {
	GetJob(ctx context.Context, id string) (*schedule.Job, error)
	ListJobs(ctx context.Context, filter schedule.JobFilter) ([]*schedule.Job, error)
	CountJobsByState(ctx context.Context) (map[string]int, error)
}

// RunReader is the read half of the run store.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*schedule.Run, error)
	LastRun(ctx context.Context, jobID string) (*schedule.Run, error)
	ListRuns(ctx context.Context, filter schedule.RunFilter) ([]*schedule.Run, int, error)
	CountActive(ctx context.Context) (int, error)
	SuccessRate(ctx context.Context, filter schedule.RateFilter) (*schedule.SuccessRate, error)
}

// LoopStats reports scheduler loop health.
type LoopStats interface {
	GetStats() schedule.TickerStats
}

// JobSummary is a job with its most recent run status and its all-time
// outcome counts.
type JobSummary struct {
	*schedule.Job
	Enabled       bool               `json:"enabled"`
	LastRunStatus schedule.RunStatus `json:"last_run_status,omitempty"`
	SuccessCount  int                `json:"success_count"`
	ErrorCount    int                `json:"error_count"`
	SuccessRate   float64            `json:"success_rate"` // 0..1; 0 before the first finished run
}

// RunPage is one page of a job's runs.
type RunPage struct {
	Runs   []*schedule.Run `json:"runs"`
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
	// HasMore is true when runs exist past this page
	HasMore bool `json:"has_more"`
}

// Memory is host memory in bytes.
type Memory struct {
	Total     uint64 `json:"total"`
	Available uint64 `json:"available"`
}

// Overview is the operator's one-glance status.
type Overview struct {
	EnabledJobs     int                   `json:"enabled_jobs"`
	ConfigErrorJobs int                   `json:"config_error_jobs"`
	JobsByState     map[string]int        `json:"jobs_by_state"`
	InFlightRuns    int                   `json:"in_flight_runs"`
	Loop            *schedule.TickerStats `json:"loop,omitempty"`
	Memory          *Memory               `json:"memory,omitempty"`
	GeneratedAt     time.Time             `json:"generated_at"`
}

// Dashboard aggregates the job and run stores.
type Dashboard struct {
	jobs   JobReader
	runs   RunReader
	loop   LoopStats
	memory func(ctx context.Context) (*Memory, error)
	now    func() time.Time
}

// New creates a dashboard. loop may be nil when no scheduler runs in-process.
func New(jobs JobReader, runs RunReader, loop LoopStats) *Dashboard {
	return &Dashboard{
		jobs:   jobs,
		runs:   runs,
		loop:   loop,
		memory: hostMemory,
		now:    time.Now,
	}
}

func hostMemory(ctx context.Context) (*Memory, error) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get memory stats")
	}
	return &Memory{Total: v.Total, Available: v.Available}, nil
}

// ListJobs returns matching jobs with their latest run status.
func (d *Dashboard) ListJobs(ctx context.Context, filter schedule.JobFilter) ([]JobSummary, error) {
	jobs, err := d.jobs.ListJobs(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]JobSummary, 0, len(jobs))
	for _, job := range jobs {
		s, err := d.summarize(ctx, job)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// GetJob returns one job with its latest run status. Deleted jobs are not
// found here, though their runs stay listable.
func (d *Dashboard) GetJob(ctx context.Context, id string) (*JobSummary, error) {
	job, err := d.jobs.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.State == schedule.StateDeleted {
		return nil, errors.NewNotFoundError("scheduled job %s", id)
	}
	s, err := d.summarize(ctx, job)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (d *Dashboard) summarize(ctx context.Context, job *schedule.Job) (JobSummary, error) {
	s := JobSummary{Job: job, Enabled: job.Enabled()}
	last, err := d.runs.LastRun(ctx, job.ID)
	if err != nil {
		return s, errors.Wrapf(err, "last run of %s", job.ID)
	}
	if last != nil {
		s.LastRunStatus = last.Status
	}
	rate, err := d.runs.SuccessRate(ctx, schedule.RateFilter{JobID: job.ID})
	if err != nil {
		return s, errors.Wrapf(err, "run counts of %s", job.ID)
	}
	s.SuccessCount, s.ErrorCount, s.SuccessRate = rate.Succeeded, rate.Failed, rate.Rate
	return s, nil
}

// GetRun returns a run's full record.
func (d *Dashboard) GetRun(ctx context.Context, id string) (*schedule.Run, error) {
	return d.runs.GetRun(ctx, id)
}

// ListRuns pages through a job's runs, most recent first.
func (d *Dashboard) ListRuns(ctx context.Context, jobID string, status schedule.RunStatus, limit, offset int) (*RunPage, error) {
	if _, err := d.jobs.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	if status != "" && !status.Valid() {
		return nil, errors.NewInvalidRequestError("unknown run status %q", status)
	}
	if limit <= 0 {
		limit = DefaultRunLimit
	}
	if limit > MaxRunLimit {
		limit = MaxRunLimit
	}
	if offset < 0 {
		offset = 0
	}

	runs, total, err := d.runs.ListRuns(ctx, schedule.RunFilter{JobID: jobID, Status: status, Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []*schedule.Run{}
	}
	return &RunPage{
		Runs:    runs,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+len(runs) < total,
	}, nil
}

// SuccessRate aggregates terminal runs in [Since, Until), optionally for one
// platform or job. A zero Until means now; a zero Since means DefaultWindow
// before Until. Runs of a deleted job still count.
func (d *Dashboard) SuccessRate(ctx context.Context, filter schedule.RateFilter) (*schedule.SuccessRate, error) {
	if filter.Until.IsZero() {
		filter.Until = d.now()
	}
	if filter.Since.IsZero() {
		filter.Since = filter.Until.Add(-DefaultWindow)
	}
	if !filter.Since.Before(filter.Until) {
		return nil, errors.NewInvalidRequestError("window start %s is not before end %s",
			filter.Since.Format(time.RFC3339), filter.Until.Format(time.RFC3339))
	}
	if filter.Platform != "" && !filter.Platform.Valid() {
		return nil, errors.NewInvalidRequestError("unknown platform %q", filter.Platform)
	}
	if filter.JobID != "" {
		if _, err := d.jobs.GetJob(ctx, filter.JobID); err != nil {
			return nil, err
		}
	}
	return d.runs.SuccessRate(ctx, filter)
}

// Overview summarizes scheduler health. Host memory is best effort.
func (d *Dashboard) Overview(ctx context.Context) (*Overview, error) {
	counts, err := d.jobs.CountJobsByState(ctx)
	if err != nil {
		return nil, err
	}
	active, err := d.runs.CountActive(ctx)
	if err != nil {
		return nil, err
	}

	o := &Overview{
		EnabledJobs:     counts[schedule.StateActive],
		ConfigErrorJobs: counts[schedule.StateConfigError],
		JobsByState:     counts,
		InFlightRuns:    active,
		GeneratedAt:     d.now().UTC(),
	}
	if d.loop != nil {
		stats := d.loop.GetStats()
		o.Loop = &stats
	}
	if m, err := d.memory(ctx); err == nil {
		o.Memory = m
	}
	return o, nil
}
