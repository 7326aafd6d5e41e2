package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/contentops/autopilot/errors"
	"github.com/contentops/autopilot/logger"
	"github.com/contentops/autopilot/pulse/schedule"
)

// Terminal writes are retried with doubling delays before giving up.
const (
	finalWriteAttempts = 5
	finalWriteBackoff  = 100 * time.Millisecond
)

// abandonGrace is how long a timed-out stage may take to return.
const abandonGrace = 50 * time.Millisecond

// RunWriter persists run progress. *schedule.RunStore implements it.
type RunWriter interface {
	UpdateRun(ctx context.Context, run *schedule.Run) error
}

// Executor drives one run through its stages to a terminal status. It
// implements schedule.Dispatcher.
type Executor struct {
	runs      RunWriter
	stages    []Stage
	observers []schedule.RunObserver
	log       *zap.SugaredLogger

	mu     sync.RWMutex
	policy Policy

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor running stages in order.
func NewExecutor(runs RunWriter, stages []Stage, policy Policy, log *zap.SugaredLogger) *Executor {
	return &Executor{
		runs:   runs,
		stages: stages,
		log:    logger.AddPulseSymbol(log),
		policy: policy.normalize(),
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// SetClock replaces the time source. Tests only.
func (e *Executor) SetClock(now func() time.Time) { e.now = now }

// SetSleep replaces the backoff sleep. Tests only.
func (e *Executor) SetSleep(sleep func(ctx context.Context, d time.Duration) error) { e.sleep = sleep }

// AddObserver registers an observer notified after every persisted change.
// Call before the first Execute.
func (e *Executor) AddObserver(o schedule.RunObserver) {
	e.observers = append(e.observers, o)
}

// Policy returns the current retry and timeout policy.
func (e *Executor) Policy() Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// SetPolicy replaces the policy. Runs already executing keep the policy
// they started with.
func (e *Executor) SetPolicy(p Policy) {
	p = p.normalize()
	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()
	e.log.Infow("Executor policy updated",
		"max_attempts", p.MaxAttempts,
		"backoff_base", p.BackoffBase,
		"backoff_max", p.BackoffMax,
		"stage_timeout", p.StageTimeout)
}

// Execute runs the pipeline for run and returns it in a terminal status.
// Collaborator faults, including panics, are classified and recorded; they
// never escape. Cancelling ctx fails the run as interrupted.
func (e *Executor) Execute(ctx context.Context, run *schedule.Run) *schedule.Run {
	policy := e.Policy()
	log := logger.RunLogger(e.log, run.ID, run.JobID)
	if run.Outputs == nil {
		run.Outputs = map[string]json.RawMessage{}
	}
	if run.StageAttempts == nil {
		run.StageAttempts = map[string]int{}
	}

	started := e.now()
	run.Status = schedule.RunRunning
	run.StartedAt = &started
	e.persist(ctx, run, log)
	log.Infow("Run started", logger.FieldPlatform, run.Platform)

	for _, stage := range e.stages {
		name := stage.Name()
		in := Input{
			RunID:    run.ID,
			JobID:    run.JobID,
			Platform: run.Platform,
			Params:   run.Params,
			Outputs:  cloneOutputs(run.Outputs),
		}
		if sk, ok := stage.(Skipper); ok {
			if result, skip := sk.Skip(in); skip {
				run.Result = result
				log.Infow("Stage skipped", logger.FieldStage, name, logger.FieldResult, result)
				continue
			}
		}

		res := e.runStage(ctx, stage, in, run, policy, log)
		if res.Outcome != Success {
			return e.fail(ctx, run, name, res.Err, log)
		}

		if res.Output != nil {
			raw, err := json.Marshal(res.Output)
			if err != nil {
				return e.fail(ctx, run, name, errors.NewInternalError("encode %s output: %v", name, err), log)
			}
			run.Outputs[name] = raw
		}
		if res.Ref != "" {
			run.Result = res.Ref
		}
		run.StagesCompleted = append(run.StagesCompleted, name)
		e.persist(ctx, run, log)
	}

	finished := e.now()
	run.Status = schedule.RunSucceeded
	run.FinishedAt = &finished
	e.persist(ctx, run, log)
	log.Infow("Run succeeded",
		logger.FieldResult, run.Result,
		logger.FieldDurationMS, run.Duration().Milliseconds())
	return run
}

// runStage invokes one stage until it succeeds, fails terminally or runs
// out of attempts. The returned result is Success or Terminal.
func (e *Executor) runStage(ctx context.Context, stage Stage, in Input, run *schedule.Run, policy Policy, log *zap.SugaredLogger) Result {
	name := stage.Name()
	for attempt := 1; ; attempt++ {
		run.Status = schedule.RunRunning
		run.CurrentStage = name
		run.Attempt = attempt
		run.StageAttempts[name] = attempt
		e.persist(ctx, run, log)

		in.Attempt = attempt
		started := e.now()
		res := e.invoke(ctx, stage, in, policy.StageTimeout)
		fields := []interface{}{
			logger.FieldStage, name,
			logger.FieldAttempt, attempt,
			logger.FieldDurationMS, e.now().Sub(started).Milliseconds(),
		}

		switch res.Outcome {
		case Success:
			log.Debugw("Stage succeeded", fields...)
			return res
		case Terminal:
			return res
		}

		if attempt >= policy.MaxAttempts {
			log.Warnw("Stage failed, retries exhausted", append(fields, logger.FieldError, res.Err)...)
			return TerminalFailure(res.Err)
		}
		if ctx.Err() != nil {
			return TerminalFailure(interrupted(name, ctx.Err()))
		}

		delay := policy.Backoff(attempt)
		run.Status = schedule.RunRetrying
		e.persist(ctx, run, log)
		log.Infow("Stage failed, retrying",
			append(fields, logger.FieldErrorKind, errors.KindOf(res.Err), logger.FieldError, res.Err, "backoff", delay)...)

		if err := e.sleep(ctx, delay); err != nil {
			return TerminalFailure(interrupted(name, err))
		}
	}
}

// invoke runs a single attempt under the stage timeout. A stage that
// ignores its context is abandoned shortly after the timeout fires.
func (e *Executor) invoke(ctx context.Context, stage Stage, in Input, timeout time.Duration) Result {
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- TerminalFailure(errors.NewInternalError("stage %s panicked: %v", stage.Name(), r))
			}
		}()
		done <- stage.Run(stageCtx, in)
	}()

	select {
	case res := <-done:
		return e.attemptResult(ctx, stageCtx, stage.Name(), res, timeout)
	case <-stageCtx.Done():
	}

	// A stage that honours cancellation gets to report its own outcome
	grace := time.NewTimer(abandonGrace)
	defer grace.Stop()
	select {
	case res := <-done:
		return e.attemptResult(ctx, stageCtx, stage.Name(), res, timeout)
	case <-grace.C:
	}
	if ctx.Err() != nil {
		return TerminalFailure(interrupted(stage.Name(), ctx.Err()))
	}
	return TransientFailure(errors.NewTimeoutError("stage %s exceeded %s", stage.Name(), timeout))
}

// attemptResult normalises what a stage returned. Only a transient failure
// or a bare deadline error becomes a timeout once the stage deadline has
// passed; a stage's own terminal verdict stands.
func (e *Executor) attemptResult(ctx, stageCtx context.Context, name StageName, res Result, timeout time.Duration) Result {
	if res.Outcome == Success {
		return res
	}
	if res.Err == nil {
		res.Err = errors.NewInternalError("stage %s failed without an error", name)
	}
	if ctx.Err() != nil {
		return TerminalFailure(interrupted(name, ctx.Err()))
	}
	if !errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		return res
	}
	if res.Outcome == Transient || errors.Is(res.Err, context.DeadlineExceeded) {
		return TransientFailure(errors.NewTimeoutError("stage %s exceeded %s: %v", name, timeout, res.Err))
	}
	return res
}

func (e *Executor) fail(ctx context.Context, run *schedule.Run, stage StageName, err error, log *zap.SugaredLogger) *schedule.Run {
	kind := errors.KindOf(err)
	finished := e.now()
	run.Status = schedule.RunFailed
	run.FinishedAt = &finished
	run.Error = &schedule.RunError{Stage: stage, Kind: kind, Message: err.Error()}
	e.persist(ctx, run, log)

	fields := []interface{}{
		logger.FieldStage, stage,
		logger.FieldAttempt, run.Attempt,
		logger.FieldErrorKind, kind,
		logger.FieldError, err.Error(),
		"stages_completed", run.StagesCompleted,
	}
	if kind == errors.KindAuth {
		// Every future run of this job fails the same way until credentials change
		log.Errorw("Run failed: credentials rejected", fields...)
	} else {
		log.Warnw("Run failed", fields...)
	}
	return run
}

// persist writes run and notifies observers. Writes use a context detached
// from cancellation so an interrupted run still records its final state.
// A failed progress write is logged and the run carries on; the terminal
// write is retried.
func (e *Executor) persist(ctx context.Context, run *schedule.Run, log *zap.SugaredLogger) {
	ctx = context.WithoutCancel(ctx)
	attempts := 1
	if run.Status.Terminal() {
		attempts = finalWriteAttempts
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		run.UpdatedAt = e.now()
		if err = e.runs.UpdateRun(ctx, run); err == nil {
			break
		}
		// The row is already terminal; a retry cannot change it
		if errors.IsConflictError(err) || attempt == attempts {
			break
		}
		log.Warnw("Failed to record final run status, retrying",
			logger.FieldStatus, run.Status,
			logger.FieldAttempt, attempt,
			logger.FieldError, err)
		if serr := e.sleep(ctx, finalWriteBackoff<<(attempt-1)); serr != nil {
			break
		}
	}
	if err != nil {
		log.Errorw("Failed to persist run",
			logger.FieldStatus, run.Status,
			logger.FieldError, err)
		return
	}
	for _, o := range e.observers {
		o.RunUpdated(run.Clone())
	}
}

// cloneOutputs gives each stage its own view, since a stage abandoned on
// timeout may still be reading it.
func cloneOutputs(in map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func interrupted(stage StageName, cause error) error {
	return errors.NewInternalError("interrupted during %s: %v", stage, cause)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
