package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/contentops/autopilot/db"
	"github.com/contentops/autopilot/errors"
)

// RunStore handles persistence of pipeline runs
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a new run store
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// JobAdvance is the scheduling state written to a job when one of its runs
// is dispatched.
type JobAdvance struct {
	// DueAt is the next_run_at the job had when it was selected. Dispatch
	// fails if another tick has advanced the job since.
	DueAt     *time.Time
	LastRunAt time.Time
	NextRunAt *time.Time
	State     string
}

const runColumns = `
	id, job_id, platform, params, status,
	scheduled_for, started_at, finished_at,
	current_stage, stages_completed, stage_attempts, attempt,
	outputs, result, error_stage, error_kind, error_message,
	created_at, updated_at`

var activeStatuses = []interface{}{string(RunPending), string(RunRunning), string(RunRetrying)}

// Dispatch inserts a pending run and advances its job in one transaction.
// It fails with ErrConflict when the job already has a non-terminal run, is
// no longer active, or was advanced by someone else.
func (s *RunStore) Dispatch(ctx context.Context, run *Run, adv JobAdvance) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin dispatch")
	}
	defer tx.Rollback()

	var state string
	var nextRunAt sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT state, next_run_at FROM scheduled_jobs WHERE id = ?`, run.JobID).Scan(&state, &nextRunAt)
	if err == sql.ErrNoRows {
		return errors.NewNotFoundError("scheduled job %s", run.JobID)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to read job %s", run.JobID)
	}
	if state != StateActive {
		return errors.NewConflictError("job %s is %s", run.JobID, state)
	}
	if adv.DueAt != nil && nextRunAt.String != formatTime(*adv.DueAt) {
		return errors.NewConflictError("job %s was already advanced", run.JobID)
	}

	if err := insertRun(ctx, tx, run); err != nil {
		if db.IsUniqueViolation(err) {
			return errors.NewConflictError("job %s already has a run in flight", run.JobID)
		}
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE scheduled_jobs
		SET last_run_at = ?, last_run_id = ?, next_run_at = ?, state = ?, updated_at = ?
		WHERE id = ?`,
		formatTime(adv.LastRunAt),
		run.ID,
		nullableTime(adv.NextRunAt),
		adv.State,
		formatTime(run.CreatedAt),
		run.JobID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to advance job %s", run.JobID)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit dispatch")
	}
	return nil
}

// CreateRun inserts a run on its own. Dispatch is the path used by the ticker.
func (s *RunStore) CreateRun(ctx context.Context, run *Run) error {
	err := insertRun(ctx, s.db, run)
	if db.IsUniqueViolation(err) {
		return errors.NewConflictError("job %s already has a run in flight", run.JobID)
	}
	return err
}

// UpdateRun persists the mutable fields of run. Status may only move
// forward and terminal runs are immutable; violations return ErrConflict.
func (s *RunStore) UpdateRun(ctx context.Context, run *Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin run update")
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM pipeline_runs WHERE id = ?`, run.ID).Scan(&current)
	if err == sql.ErrNoRows {
		return errors.NewNotFoundError("run %s", run.ID)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to read run %s", run.ID)
	}

	from := RunStatus(current)
	if from.Terminal() {
		return errors.NewConflictError("run %s is already %s", run.ID, from)
	}
	if !CanTransition(from, run.Status) {
		return errors.NewConflictError("run %s cannot move from %s to %s", run.ID, from, run.Status)
	}

	blobs, err := encodeRunBlobs(run)
	if err != nil {
		return err
	}
	var errStage, errKind, errMsg interface{}
	if run.Error != nil {
		errStage, errKind, errMsg = run.Error.Stage, string(run.Error.Kind), run.Error.Message
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE pipeline_runs
		SET status = ?, started_at = ?, finished_at = ?,
		    current_stage = ?, stages_completed = ?, stage_attempts = ?, attempt = ?,
		    outputs = ?, result = ?, error_stage = ?, error_kind = ?, error_message = ?,
		    updated_at = ?
		WHERE id = ?`,
		string(run.Status),
		nullableTime(run.StartedAt),
		nullableTime(run.FinishedAt),
		nullableString(run.CurrentStage),
		blobs.stages,
		blobs.attempts,
		run.Attempt,
		blobs.outputs,
		nullableString(run.Result),
		errStage,
		errKind,
		errMsg,
		formatTime(run.UpdatedAt),
		run.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update run %s", run.ID)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "failed to commit run %s", run.ID)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *RunStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("run %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get run %s", id)
	}
	return run, nil
}

// LastRun returns the most recently scheduled run of a job, or nil when the
// job has never run.
func (s *RunStore) LastRun(ctx context.Context, jobID string) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE job_id = ? ORDER BY scheduled_for DESC, created_at DESC LIMIT 1`, jobID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get last run of job %s", jobID)
	}
	return run, nil
}

// ListRuns returns runs most recent first with the total count matching the
// filter. An empty JobID lists runs across all jobs.
func (s *RunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, int, error) {
	baseQuery := ` FROM pipeline_runs WHERE 1 = 1`
	var args []interface{}
	if filter.JobID != "" {
		baseQuery += ` AND job_id = ?`
		args = append(args, filter.JobID)
	}
	if filter.Status != "" {
		baseQuery += ` AND status = ?`
		args = append(args, string(filter.Status))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*)`+baseQuery, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count runs")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + runColumns + baseQuery + ` ORDER BY scheduled_for DESC, created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan run")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "error iterating runs")
	}
	return runs, total, nil
}

// HasActiveRun reports whether job has a pending, running or retrying run.
func (s *RunStore) HasActiveRun(ctx context.Context, jobID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM pipeline_runs WHERE job_id = ? AND status IN (?, ?, ?))`,
		append([]interface{}{jobID}, activeStatuses...)...,
	).Scan(&exists)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check in-flight runs for job %s", jobID)
	}
	return exists, nil
}

// CountActive returns the number of non-terminal runs across all jobs.
func (s *RunStore) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pipeline_runs WHERE status IN (?, ?, ?)`, activeStatuses...,
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count in-flight runs")
	}
	return n, nil
}

// SuccessRate aggregates terminal runs matching filter. Zero bounds leave
// that side of the window open.
func (s *RunStore) SuccessRate(ctx context.Context, filter RateFilter) (*SuccessRate, error) {
	query := `
		SELECT
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM pipeline_runs
		WHERE status IN (?, ?)`
	args := []interface{}{string(RunSucceeded), string(RunFailed), string(RunSucceeded), string(RunFailed)}
	if !filter.Since.IsZero() {
		query += ` AND finished_at >= ?`
		args = append(args, formatTime(filter.Since))
	}
	if !filter.Until.IsZero() {
		query += ` AND finished_at < ?`
		args = append(args, formatTime(filter.Until))
	}
	if filter.Platform != "" {
		query += ` AND platform = ?`
		args = append(args, string(filter.Platform))
	}
	if filter.JobID != "" {
		query += ` AND job_id = ?`
		args = append(args, filter.JobID)
	}

	rate := &SuccessRate{Since: filter.Since, Until: filter.Until, Platform: filter.Platform, JobID: filter.JobID}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&rate.Succeeded, &rate.Failed); err != nil {
		return nil, errors.Wrap(err, "failed to aggregate success rate")
	}
	rate.Total = rate.Succeeded + rate.Failed
	if rate.Total > 0 {
		rate.Rate = float64(rate.Succeeded) / float64(rate.Total)
	}
	return rate, nil
}

// RecoverInterrupted fails every non-terminal run. It is called on startup,
// before the ticker dispatches anything, so any such run belongs to a
// process that died. Returns the number of runs recovered.
func (s *RunStore) RecoverInterrupted(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_runs
		SET status = ?, finished_at = ?,
		    error_stage = COALESCE(current_stage, ''), error_kind = ?, error_message = ?,
		    updated_at = ?
		WHERE status IN (?, ?, ?)`,
		append([]interface{}{
			string(RunFailed),
			formatTime(now),
			string(errors.KindInternal),
			"interrupted: process stopped before the run finished",
			formatTime(now),
		}, activeStatuses...)...,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to recover interrupted runs")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(n), nil
}

// ForceFail fails one run if it is still non-terminal, recording kind
// internal and message. Reports whether the row changed.
func (s *RunStore) ForceFail(ctx context.Context, runID string, now time.Time, message string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_runs
		SET status = ?, finished_at = ?,
		    error_stage = COALESCE(current_stage, ''), error_kind = ?, error_message = ?,
		    updated_at = ?
		WHERE id = ? AND status IN (?, ?, ?)`,
		append([]interface{}{
			string(RunFailed),
			formatTime(now),
			string(errors.KindInternal),
			message,
			formatTime(now),
			runID,
		}, activeStatuses...)...,
	)
	if err != nil {
		return false, errors.Wrapf(err, "failed to force-fail run %s", runID)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return n > 0, nil
}

// CleanupOldRuns deletes terminal runs finished more than retentionDays ago.
// Returns the number of runs deleted.
func (s *RunStore) CleanupOldRuns(ctx context.Context, now time.Time, retentionDays int) (int, error) {
	cutoff := now.AddDate(0, 0, -retentionDays)
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM pipeline_runs WHERE status IN (?, ?) AND finished_at < ?`,
		string(RunSucceeded), string(RunFailed), formatTime(cutoff),
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old runs")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(n), nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertRun(ctx context.Context, ex execer, run *Run) error {
	blobs, err := encodeRunBlobs(run)
	if err != nil {
		return err
	}
	paramsJSON, err := json.Marshal(nonNilParams(run.Params))
	if err != nil {
		return errors.Wrapf(err, "failed to encode params for run %s", run.ID)
	}

	_, err = ex.ExecContext(ctx, `INSERT INTO pipeline_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, ?, ?)`,
		run.ID,
		run.JobID,
		string(run.Platform),
		string(paramsJSON),
		string(run.Status),
		formatTime(run.ScheduledFor),
		nullableTime(run.StartedAt),
		nullableTime(run.FinishedAt),
		nullableString(run.CurrentStage),
		blobs.stages,
		blobs.attempts,
		run.Attempt,
		blobs.outputs,
		nullableString(run.Result),
		formatTime(run.CreatedAt),
		formatTime(run.UpdatedAt),
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return err
		}
		return errors.Wrapf(err, "failed to create run %s", run.ID)
	}
	return nil
}

type runBlobs struct {
	stages, attempts, outputs string
}

func encodeRunBlobs(run *Run) (runBlobs, error) {
	stages := run.StagesCompleted
	if stages == nil {
		stages = []string{}
	}
	attempts := run.StageAttempts
	if attempts == nil {
		attempts = map[string]int{}
	}
	outputs := run.Outputs
	if outputs == nil {
		outputs = map[string]json.RawMessage{}
	}

	var b runBlobs
	var err error
	if b.stages, err = marshalString(stages); err != nil {
		return runBlobs{}, errors.Wrapf(err, "failed to encode stages for run %s", run.ID)
	}
	if b.attempts, err = marshalString(attempts); err != nil {
		return runBlobs{}, errors.Wrapf(err, "failed to encode attempts for run %s", run.ID)
	}
	if b.outputs, err = marshalString(outputs); err != nil {
		return runBlobs{}, errors.Wrapf(err, "failed to encode outputs for run %s", run.ID)
	}
	return b, nil
}

func marshalString(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	return string(raw), err
}

func nonNilParams(p Params) Params {
	if p == nil {
		return Params{}
	}
	return p
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var platform, paramsJSON, status, scheduledFor, stagesJSON, attemptsJSON, outputsJSON, createdAt, updatedAt string
	var startedAt, finishedAt, currentStage, result, errStage, errKind, errMsg sql.NullString

	err := row.Scan(
		&run.ID,
		&run.JobID,
		&platform,
		&paramsJSON,
		&status,
		&scheduledFor,
		&startedAt,
		&finishedAt,
		&currentStage,
		&stagesJSON,
		&attemptsJSON,
		&run.Attempt,
		&outputsJSON,
		&result,
		&errStage,
		&errKind,
		&errMsg,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Platform = Platform(platform)
	run.Status = RunStatus(status)
	run.CurrentStage = currentStage.String
	run.Result = result.String
	if errKind.Valid || errMsg.Valid {
		run.Error = &RunError{Stage: errStage.String, Kind: errors.Kind(errKind.String), Message: errMsg.String}
	}

	for _, blob := range []struct {
		raw  string
		dst  interface{}
		name string
	}{
		{paramsJSON, &run.Params, "params"},
		{stagesJSON, &run.StagesCompleted, "stages_completed"},
		{attemptsJSON, &run.StageAttempts, "stage_attempts"},
		{outputsJSON, &run.Outputs, "outputs"},
	} {
		if err := json.Unmarshal([]byte(blob.raw), blob.dst); err != nil {
			return nil, errors.Wrapf(err, "failed to decode %s for run %s", blob.name, run.ID)
		}
	}

	if run.ScheduledFor, err = parseTime(scheduledFor); err != nil {
		return nil, errors.Wrapf(err, "failed to parse scheduled_for for run %s", run.ID)
	}
	if run.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse started_at for run %s", run.ID)
	}
	if run.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse finished_at for run %s", run.ID)
	}
	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for run %s", run.ID)
	}
	if run.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for run %s", run.ID)
	}
	return &run, nil
}
