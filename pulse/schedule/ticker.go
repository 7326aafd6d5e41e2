package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/contentops/autopilot/errors"
	"github.com/contentops/autopilot/logger"
	"github.com/teranos/vanity-id"
)

// Dispatcher runs one pipeline to a terminal state. Implementations must
// contain every fault. A run still stored as non-terminal after Execute
// returns is failed by the ticker.
type Dispatcher interface {
	Execute(ctx context.Context, run *Run) *Run
}

// RunObserver is notified after each persisted change to a run.
// This avoids a dependency from schedule on the server package.
type RunObserver interface {
	RunUpdated(run *Run)
}

// Ticker is the scheduler loop. Each tick it asks the registry for due jobs
// and dispatches those without an in-flight run.
type Ticker struct {
	registry   *Registry
	runs       *RunStore
	dispatcher Dispatcher
	observers  []RunObserver

	interval     time.Duration
	drainTimeout time.Duration
	now          func() time.Time

	ctx        context.Context // loop lifetime
	cancel     context.CancelFunc
	execCtx    context.Context // in-flight runs; outlives the loop by the drain timeout
	execCancel context.CancelFunc
	wg         sync.WaitGroup
	inflightWG sync.WaitGroup
	inFlight   atomic.Int64

	logger   *zap.SugaredLogger
	pulseLog *zap.SugaredLogger // Logger with Pulse symbol pre-attached

	mu              sync.Mutex
	started         bool
	lastTickAt      time.Time
	ticksSinceStart int64
	dispatched      int64
	lastNextJob     string // last logged "next job" line, to avoid repeating it
}

// TickerConfig contains configuration for the scheduler loop
type TickerConfig struct {
	Interval     time.Duration // How often to check for due jobs
	DrainTimeout time.Duration // How long Stop waits for in-flight runs
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Interval:     30 * time.Second,
		DrainTimeout: 30 * time.Second,
	}
}

// NewTicker creates a new scheduler loop
func NewTicker(registry *Registry, runs *RunStore, dispatcher Dispatcher, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	return NewTickerWithContext(context.Background(), registry, runs, dispatcher, cfg, log)
}

// NewTickerWithContext creates a ticker with a parent context
func NewTickerWithContext(ctx context.Context, registry *Registry, runs *RunStore, dispatcher Dispatcher, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickerConfig().Interval
	}
	tickerCtx, cancel := context.WithCancel(ctx)
	execCtx, execCancel := context.WithCancel(context.WithoutCancel(ctx))

	return &Ticker{
		registry:     registry,
		runs:         runs,
		dispatcher:   dispatcher,
		interval:     cfg.Interval,
		drainTimeout: cfg.DrainTimeout,
		now:          time.Now,
		ctx:          tickerCtx,
		cancel:       cancel,
		execCtx:      execCtx,
		execCancel:   execCancel,
		logger:       log,
		pulseLog:     logger.AddPulseSymbol(log),
	}
}

// SetClock replaces the time source. Tests only.
func (t *Ticker) SetClock(now func() time.Time) {
	t.now = now
}

// AddObserver registers an observer for dispatch events. Call before Start.
func (t *Ticker) AddObserver(o RunObserver) {
	t.observers = append(t.observers, o)
}

// Start recovers state left by a previous process and begins the loop.
// Runs that were in flight when the process died are marked failed, and
// every active job's next run is recomputed from now.
func (t *Ticker) Start() error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return errors.New("ticker already started")
	}
	t.started = true
	t.mu.Unlock()

	now := t.now()
	recovered, err := t.runs.RecoverInterrupted(t.ctx, now)
	if err != nil {
		return errors.Wrap(err, "failed to recover interrupted runs")
	}
	rescheduled, err := t.registry.Reschedule(t.ctx, now)
	if err != nil {
		return errors.Wrap(err, "failed to reschedule jobs")
	}

	t.wg.Add(1)
	go t.run()

	logger.AddPulseOpenSymbol(t.logger).Infow("Scheduler started",
		"interval", t.interval,
		"recovered_runs", recovered,
		"rescheduled_jobs", rescheduled,
	)
	return nil
}

// Stop halts the loop, then waits up to the drain timeout for in-flight
// runs before cancelling them.
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()

	done := make(chan struct{})
	go func() {
		t.inflightWG.Wait()
		close(done)
	}()

	if t.drainTimeout > 0 {
		select {
		case <-done:
		case <-time.After(t.drainTimeout):
			t.pulseLog.Warnw("Drain timeout reached, cancelling in-flight runs",
				"in_flight", t.inFlight.Load(),
				"drain_timeout", t.drainTimeout)
			t.execCancel()
			<-done
		}
	} else {
		t.execCancel()
		<-done
	}
	t.execCancel()

	logger.AddPulseCloseSymbol(t.logger).Infow("Scheduler stopped")
}

// Wait blocks until every dispatched run has returned.
func (t *Ticker) Wait() {
	t.inflightWG.Wait()
}

// run is the main ticker loop
func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if err := t.Tick(t.now()); err != nil && t.ctx.Err() == nil {
				// Don't spam logs - log errors at warn level
				t.pulseLog.Warnw("Tick error", logger.FieldError, err, "tick", t.ticksSinceStart)
			}
		}
	}
}

// Tick evaluates due jobs once at now. It never blocks on a run.
func (t *Ticker) Tick(now time.Time) error {
	t.mu.Lock()
	t.lastTickAt = now
	t.ticksSinceStart++
	t.mu.Unlock()

	jobs, err := t.registry.Due(t.ctx, now)
	if err != nil {
		return errors.Wrap(err, "failed to list due jobs")
	}

	for _, job := range jobs {
		if t.ctx.Err() != nil {
			return t.ctx.Err()
		}
		if err := t.dispatchJob(job, now); err != nil {
			t.pulseLog.Errorw("Failed to dispatch job",
				logger.FieldJobID, job.ID,
				logger.FieldError, err)
			// Continue with other jobs even if one fails
		}
	}

	t.logNextJob(now)
	return nil
}

// dispatchJob creates the run, advances the job and hands the run to the
// dispatcher. A job with a run still in flight is skipped and keeps its
// next_run_at, so it is picked up on the first tick after the run ends.
func (t *Ticker) dispatchJob(job *Job, now time.Time) error {
	busy, err := t.runs.HasActiveRun(t.ctx, job.ID)
	if err != nil {
		return err
	}
	if busy {
		t.pulseLog.Debugw("Skipping job with run in flight", logger.FieldJobID, job.ID)
		return nil
	}

	adv, err := t.registry.Advance(job, now)
	if err != nil {
		// Stored trigger no longer parses
		if stateErr := t.registry.store.UpdateJobState(t.ctx, job.ID, StateConfigError, nil, err.Error()); stateErr != nil {
			return stateErr
		}
		return err
	}

	scheduledFor := now
	if job.NextRunAt != nil {
		scheduledFor = *job.NextRunAt
	}
	run := NewRun(id.GenerateExecutionID(), job, scheduledFor, now)

	if err := t.runs.Dispatch(t.ctx, run, adv); err != nil {
		if errors.IsConflictError(err) {
			// Lost a race with another tick or the job changed state
			t.pulseLog.Debugw("Dispatch skipped", logger.FieldJobID, job.ID, logger.FieldError, err)
			return nil
		}
		return err
	}

	t.mu.Lock()
	t.dispatched++
	t.mu.Unlock()

	fields := []interface{}{
		logger.FieldJobID, job.ID,
		logger.FieldRunID, run.ID,
		logger.FieldPlatform, job.Platform,
		logger.FieldScheduledFor, scheduledFor.Format(time.RFC3339),
	}
	if adv.NextRunAt != nil {
		fields = append(fields, logger.FieldNextRunAt, adv.NextRunAt.Format(time.RFC3339))
	} else {
		fields = append(fields, logger.FieldState, adv.State)
	}
	t.pulseLog.Infow("Dispatching run", fields...)

	for _, o := range t.observers {
		o.RunUpdated(run.Clone())
	}

	t.inflightWG.Add(1)
	t.inFlight.Add(1)
	go t.execute(run)
	return nil
}

func (t *Ticker) execute(run *Run) {
	defer t.inflightWG.Done()
	defer t.inFlight.Add(-1)
	defer t.settle(run)
	defer func() {
		// The dispatcher contains stage faults; this guards the loop against
		// a broken dispatcher.
		if r := recover(); r != nil {
			t.pulseLog.Errorw("Dispatcher panicked",
				logger.FieldRunID, run.ID,
				logger.FieldJobID, run.JobID,
				"panic", r)
		}
	}()
	t.dispatcher.Execute(t.execCtx, run)
}

// settle makes sure the stored run is terminal once the dispatcher is done
// with it. A run left non-terminal would hold the job's single-flight slot
// until the next restart.
func (t *Ticker) settle(run *Run) {
	ctx := context.WithoutCancel(t.execCtx)
	stored, err := t.runs.GetRun(ctx, run.ID)
	if err == nil && stored.Status.Terminal() {
		return
	}

	changed, ferr := t.runs.ForceFail(ctx, run.ID, t.now(), "run ended without recording a final status")
	if ferr != nil {
		t.pulseLog.Errorw("Failed to release unfinished run",
			logger.FieldRunID, run.ID,
			logger.FieldJobID, run.JobID,
			logger.FieldError, ferr)
		return
	}
	if !changed {
		return
	}
	t.pulseLog.Warnw("Run released as failed",
		logger.FieldRunID, run.ID,
		logger.FieldJobID, run.JobID,
		logger.FieldErrorKind, errors.KindInternal)

	if failed, err := t.runs.GetRun(ctx, run.ID); err == nil {
		for _, o := range t.observers {
			o.RunUpdated(failed.Clone())
		}
	}
}

// logNextJob logs the soonest upcoming run when it changes.
func (t *Ticker) logNextJob(now time.Time) {
	next, err := t.registry.store.GetNextScheduledJob(t.ctx)
	if err != nil {
		t.pulseLog.Warnw("Failed to get next scheduled job", logger.FieldError, err)
		return
	}

	line := ""
	if next != nil && next.NextRunAt != nil {
		line = next.ID + "@" + next.NextRunAt.Format(time.RFC3339)
	}

	t.mu.Lock()
	changed := line != t.lastNextJob
	t.lastNextJob = line
	t.mu.Unlock()
	if !changed {
		return
	}

	if line == "" {
		t.pulseLog.Infow("No scheduled runs", "in_flight", t.inFlight.Load())
		return
	}
	until := next.NextRunAt.Sub(now)
	if until < 0 {
		until = 0
	}
	t.pulseLog.Infow("Next scheduled run",
		logger.FieldJobID, next.ID,
		"name", next.Name,
		"in", until.Round(time.Second),
		"in_flight", t.inFlight.Load())
}

// TickerStats is a snapshot of loop health.
type TickerStats struct {
	LastTickAt      time.Time     `json:"last_tick_at"`
	TicksSinceStart int64         `json:"ticks_since_start"`
	Dispatched      int64         `json:"dispatched"`
	InFlight        int64         `json:"in_flight"`
	Interval        time.Duration `json:"interval"`
}

// GetStats returns ticker statistics
func (t *Ticker) GetStats() TickerStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return TickerStats{
		LastTickAt:      t.lastTickAt,
		TicksSinceStart: t.ticksSinceStart,
		Dispatched:      t.dispatched,
		InFlight:        t.inFlight.Load(),
		Interval:        t.interval,
	}
}
