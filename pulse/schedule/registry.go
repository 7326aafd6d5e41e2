package schedule

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/contentops/autopilot/errors"
	"github.com/contentops/autopilot/logger"
	"github.com/contentops/autopilot/pulse/trigger"
	"github.com/teranos/vanity-id"
)

// dueBatchSize caps how many jobs a single tick dispatches.
const dueBatchSize = 100

// Registry owns the set of job definitions for one scheduler instance. It
// parses each trigger once and caches the result; the ticker never re-parses.
type Registry struct {
	store      *Store
	defaultLoc *time.Location
	now        func() time.Time
	log        *zap.SugaredLogger

	mu       sync.RWMutex
	triggers map[string]trigger.Trigger
}

// NewRegistry creates a registry. Triggers without a timezone use defaultLoc.
func NewRegistry(store *Store, defaultLoc *time.Location, log *zap.SugaredLogger) *Registry {
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}
	return &Registry{
		store:      store,
		defaultLoc: defaultLoc,
		now:        time.Now,
		log:        log,
		triggers:   make(map[string]trigger.Trigger),
	}
}

// SetClock replaces the time source. Tests only.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Store returns the backing job store.
func (r *Registry) Store() *Store {
	return r.store
}

// Register creates or updates a job from def. Registering an existing ID is
// an update. A definition with a bad trigger or bad parameters is still
// stored, in the config_error state so operators can see it, and the
// configuration error is returned alongside the job.
func (r *Registry) Register(ctx context.Context, def Definition) (*Job, error) {
	now := r.now()

	if strings.TrimSpace(def.Name) == "" {
		return nil, errors.NewConfigurationError("job name is required")
	}
	if !def.Platform.Valid() {
		return nil, errors.NewConfigurationError("unknown platform %q", def.Platform)
	}

	var job *Job
	isNew := def.ID == ""
	if !isNew {
		existing, err := r.store.GetJob(ctx, def.ID)
		switch {
		case errors.IsNotFoundError(err):
			isNew = true
		case err != nil:
			return nil, err
		case existing.State == StateDeleted:
			return nil, errors.NewConflictError("job %s was deleted", def.ID)
		default:
			job = existing
		}
	}
	if isNew {
		jobID := def.ID
		if jobID == "" {
			var err error
			jobID, err = id.GenerateJobASID(string(def.Platform), def.Name, "autopilot")
			if err != nil {
				return nil, errors.Wrap(err, "failed to generate job id")
			}
		}
		job = &Job{ID: jobID, CreatedAt: now}
	}

	prevState := job.State
	job.Name = def.Name
	job.Platform = def.Platform
	job.Trigger = def.Trigger
	job.UpdatedAt = now

	trig, params, cfgErr := r.validate(def, now)
	if cfgErr != nil {
		job.Params = def.Params
		job.State = StateConfigError
		job.ConfigError = cfgErr.Error()
		job.NextRunAt = nil
		r.forget(job.ID)
	} else {
		job.Params = params
		job.ConfigError = ""
		enabled := prevState == "" || prevState == StateActive || prevState == StateConfigError || prevState == StateCompleted
		if def.Enabled != nil {
			enabled = *def.Enabled
		}
		if enabled {
			next, _ := trig.Next(now)
			job.State = StateActive
			job.NextRunAt = &next
		} else {
			job.State = StatePaused
			job.NextRunAt = nil
		}
		r.remember(job.ID, trig)
	}

	var err error
	if isNew {
		err = r.store.CreateJob(ctx, job)
	} else {
		err = r.store.UpdateJob(ctx, job)
	}
	if err != nil {
		return nil, err
	}

	r.log.Infow("Job registered",
		logger.FieldJobID, job.ID,
		logger.FieldPlatform, job.Platform,
		logger.FieldState, job.State,
		"trigger", job.Trigger.String(),
		"created", isNew,
	)
	if cfgErr != nil {
		return job, cfgErr
	}
	return job, nil
}

func (r *Registry) validate(def Definition, now time.Time) (trigger.Trigger, Params, error) {
	trig, err := trigger.Parse(def.Trigger, r.defaultLoc)
	if err != nil {
		return nil, nil, err
	}
	if _, ok := trig.Next(now); !ok {
		return nil, nil, errors.NewConfigurationError("trigger %s has no future run", def.Trigger.String())
	}
	params, err := ValidateParams(def.Platform, def.Params)
	if err != nil {
		return nil, nil, err
	}
	return trig, params, nil
}

// Get returns a job by ID. Deleted jobs are reported as not found.
func (r *Registry) Get(ctx context.Context, jobID string) (*Job, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State == StateDeleted {
		return nil, errors.NewNotFoundError("scheduled job %s", jobID)
	}
	return job, nil
}

// List returns jobs matching filter.
func (r *Registry) List(ctx context.Context, filter JobFilter) ([]*Job, error) {
	return r.store.ListJobs(ctx, filter)
}

// Enable makes a paused job eligible for dispatch again, computing its next
// run from now.
func (r *Registry) Enable(ctx context.Context, jobID string) (*Job, error) {
	job, err := r.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch job.State {
	case StateActive:
		return job, nil
	case StateConfigError:
		return nil, errors.NewConfigurationError("job %s has a configuration error: %s", jobID, job.ConfigError)
	case StateCompleted:
		return nil, errors.NewConflictError("run-once job %s has already fired", jobID)
	}

	trig, err := r.Trigger(job)
	if err != nil {
		return nil, err
	}
	next, ok := trig.Next(r.now())
	if !ok {
		return nil, errors.NewConflictError("job %s has no future run", jobID)
	}
	if err := r.store.UpdateJobState(ctx, jobID, StateActive, &next, ""); err != nil {
		return nil, err
	}
	r.log.Infow("Job enabled", logger.FieldJobID, jobID, logger.FieldNextRunAt, next)
	return r.Get(ctx, jobID)
}

// Disable stops future dispatch. A run already in flight is left alone.
func (r *Registry) Disable(ctx context.Context, jobID string) (*Job, error) {
	job, err := r.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State != StateActive {
		return job, nil
	}
	if err := r.store.UpdateJobState(ctx, jobID, StatePaused, nil, ""); err != nil {
		return nil, err
	}
	r.log.Infow("Job disabled", logger.FieldJobID, jobID)
	return r.Get(ctx, jobID)
}

// Delete soft-deletes a job. Its runs keep their parameter snapshots.
func (r *Registry) Delete(ctx context.Context, jobID string) error {
	job, err := r.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if err := r.store.UpdateJobState(ctx, jobID, StateDeleted, nil, job.ConfigError); err != nil {
		return err
	}
	r.forget(jobID)
	r.log.Infow("Job deleted", logger.FieldJobID, jobID)
	return nil
}

// Due returns active jobs whose next run is at or before now.
func (r *Registry) Due(ctx context.Context, now time.Time) ([]*Job, error) {
	return r.store.ListJobsDue(ctx, now, dueBatchSize)
}

// Trigger returns the parsed trigger for job, parsing and caching it on
// first use (jobs loaded from the database after a restart).
func (r *Registry) Trigger(job *Job) (trigger.Trigger, error) {
	r.mu.RLock()
	trig, ok := r.triggers[job.ID]
	r.mu.RUnlock()
	if ok {
		return trig, nil
	}

	trig, err := trigger.Parse(job.Trigger, r.defaultLoc)
	if err != nil {
		return nil, err
	}
	r.remember(job.ID, trig)
	return trig, nil
}

// Advance computes the scheduling state a job takes when dispatched at now:
// the next run is measured from now, not from the missed instant.
func (r *Registry) Advance(job *Job, now time.Time) (JobAdvance, error) {
	trig, err := r.Trigger(job)
	if err != nil {
		return JobAdvance{}, err
	}
	adv := JobAdvance{DueAt: job.NextRunAt, LastRunAt: now, State: StateActive}
	if next, ok := trig.Next(now); ok && trig.Kind() != trigger.KindOnce {
		adv.NextRunAt = &next
	} else {
		adv.State = StateCompleted
	}
	return adv, nil
}

// Reschedule recomputes next_run_at for every active job from now. Called
// on startup: fires missed while the process was down are dropped, and a
// run-once job whose instant passed becomes completed. Jobs whose stored
// trigger no longer parses move to config_error.
func (r *Registry) Reschedule(ctx context.Context, now time.Time) (int, error) {
	jobs, err := r.store.ListJobs(ctx, JobFilter{State: StateActive})
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, job := range jobs {
		trig, err := r.Trigger(job)
		if err != nil {
			r.log.Warnw("Job trigger invalid on reschedule", logger.FieldJobID, job.ID, logger.FieldError, err)
			if err := r.store.UpdateJobState(ctx, job.ID, StateConfigError, nil, err.Error()); err != nil {
				return changed, err
			}
			changed++
			continue
		}

		state := StateActive
		var nextPtr *time.Time
		if next, ok := trig.Next(now); ok {
			nextPtr = &next
		} else {
			state = StateCompleted
		}
		if job.NextRunAt != nil && nextPtr != nil && job.NextRunAt.Equal(*nextPtr) {
			continue
		}
		if err := r.store.UpdateJobState(ctx, job.ID, state, nextPtr, ""); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

func (r *Registry) remember(jobID string, trig trigger.Trigger) {
	r.mu.Lock()
	r.triggers[jobID] = trig
	r.mu.Unlock()
}

func (r *Registry) forget(jobID string) {
	r.mu.Lock()
	delete(r.triggers, jobID)
	r.mu.Unlock()
}
