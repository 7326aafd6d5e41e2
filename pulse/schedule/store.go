package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/contentops/autopilot/errors"
)

// Store handles persistence of scheduled jobs
type Store struct {
	db *sql.DB
}

// NewStore creates a new schedule store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for stores sharing a transaction.
func (s *Store) DB() *sql.DB {
	return s.db
}

const jobColumns = `
	id, name, platform, state, trigger_spec, params,
	next_run_at, last_run_at, last_run_id, config_error,
	created_at, updated_at`

// CreateJob inserts a new scheduled job
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	triggerJSON, paramsJSON, err := encodeJobBlobs(job)
	if err != nil {
		return err
	}

	query := `INSERT INTO scheduled_jobs (` + jobColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		job.ID,
		job.Name,
		string(job.Platform),
		job.State,
		triggerJSON,
		paramsJSON,
		nullableTime(job.NextRunAt),
		nullableTime(job.LastRunAt),
		nullableString(job.LastRunID),
		nullableString(job.ConfigError),
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create scheduled job %s", job.ID)
	}
	return nil
}

// UpdateJob rewrites the definition, state and next_run_at of an existing
// job. last_run_at and last_run_id belong to the dispatch path and are left alone.
func (s *Store) UpdateJob(ctx context.Context, job *Job) error {
	triggerJSON, paramsJSON, err := encodeJobBlobs(job)
	if err != nil {
		return err
	}

	query := `
		UPDATE scheduled_jobs
		SET name = ?, platform = ?, state = ?, trigger_spec = ?, params = ?,
		    next_run_at = ?, config_error = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		job.Name,
		string(job.Platform),
		job.State,
		triggerJSON,
		paramsJSON,
		nullableTime(job.NextRunAt),
		nullableString(job.ConfigError),
		formatTime(job.UpdatedAt),
		job.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update scheduled job %s", job.ID)
	}
	return requireOneRow(result, "scheduled job", job.ID)
}

// GetJob retrieves a scheduled job by ID, including soft-deleted ones.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs WHERE id = ?`
	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("scheduled job %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get scheduled job %s", id)
	}
	return job, nil
}

// ListJobs returns jobs matching filter, newest first. Deleted jobs are
// excluded unless the filter asks for them by state.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs WHERE 1 = 1`
	var args []interface{}

	switch {
	case filter.State != "":
		query += ` AND state = ?`
		args = append(args, filter.State)
	case filter.Enabled != nil && *filter.Enabled:
		query += ` AND state = ?`
		args = append(args, StateActive)
	case filter.Enabled != nil:
		query += ` AND state NOT IN (?, ?)`
		args = append(args, StateActive, StateDeleted)
	default:
		query += ` AND state != ?`
		args = append(args, StateDeleted)
	}
	if filter.Platform != "" {
		query += ` AND platform = ?`
		args = append(args, string(filter.Platform))
	}
	query += ` ORDER BY created_at DESC, id LIMIT 1000`

	return s.queryJobs(ctx, query, args...)
}

// ListJobsDue returns active jobs whose next_run_at is at or before now.
// Results are ordered by next_run_at ASC (oldest due jobs first).
func (s *Store) ListJobsDue(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM scheduled_jobs
		WHERE state = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC
		LIMIT ?`
	return s.queryJobs(ctx, query, StateActive, formatTime(now), limit)
}

// GetNextScheduledJob returns the soonest active job, or nil when none is scheduled.
func (s *Store) GetNextScheduledJob(ctx context.Context) (*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM scheduled_jobs
		WHERE state = ? AND next_run_at IS NOT NULL
		ORDER BY next_run_at ASC
		LIMIT 1`
	job, err := scanJob(s.db.QueryRowContext(ctx, query, StateActive))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get next scheduled job")
	}
	return job, nil
}

// UpdateJobState sets state, next_run_at and the configuration error message.
func (s *Store) UpdateJobState(ctx context.Context, jobID, state string, nextRunAt *time.Time, configErr string) error {
	query := `
		UPDATE scheduled_jobs
		SET state = ?, next_run_at = ?, config_error = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		state,
		nullableTime(nextRunAt),
		nullableString(configErr),
		formatTime(time.Now()),
		jobID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update state of scheduled job %s", jobID)
	}
	return requireOneRow(result, "scheduled job", jobID)
}

// CountJobsByState returns the number of jobs per state, deleted excluded.
func (s *Store) CountJobsByState(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM scheduled_jobs WHERE state != ? GROUP BY state`, StateDeleted)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count scheduled jobs")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list scheduled jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan scheduled job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating scheduled jobs")
	}
	return jobs, nil
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var platform, triggerJSON, paramsJSON, createdAt, updatedAt string
	var nextRunAt, lastRunAt, lastRunID, configErr sql.NullString

	err := row.Scan(
		&job.ID,
		&job.Name,
		&platform,
		&job.State,
		&triggerJSON,
		&paramsJSON,
		&nextRunAt,
		&lastRunAt,
		&lastRunID,
		&configErr,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Platform = Platform(platform)
	job.LastRunID = lastRunID.String
	job.ConfigError = configErr.String

	if err := json.Unmarshal([]byte(triggerJSON), &job.Trigger); err != nil {
		return nil, errors.Wrapf(err, "failed to decode trigger for job %s", job.ID)
	}
	if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
		return nil, errors.Wrapf(err, "failed to decode params for job %s", job.ID)
	}

	// Parse timestamps (an error here indicates data corruption or schema mismatch)
	if job.NextRunAt, err = parseNullTime(nextRunAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse next_run_at for job %s", job.ID)
	}
	if job.LastRunAt, err = parseNullTime(lastRunAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse last_run_at for job %s", job.ID)
	}
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for job %s", job.ID)
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for job %s", job.ID)
	}
	return &job, nil
}

func encodeJobBlobs(job *Job) (string, string, error) {
	triggerJSON, err := json.Marshal(job.Trigger)
	if err != nil {
		return "", "", errors.Wrapf(err, "failed to encode trigger for job %s", job.ID)
	}
	params := job.Params
	if params == nil {
		params = Params{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return "", "", errors.Wrapf(err, "failed to encode params for job %s", job.ID)
	}
	return string(triggerJSON), string(paramsJSON), nil
}

func requireOneRow(result sql.Result, what, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("%s %s", what, id)
	}
	return nil
}
