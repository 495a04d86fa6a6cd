package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"appserver/internal/types"
)

// pgUniqueViolation is the PostgreSQL error code for unique_violation.
const pgUniqueViolation = "23505"

// TimerRepository provides data access for the scheduler_jobs table, the
// durable registry behind the Timer Store. Job rows move through
// pending -> running -> (deleted | failed); the version column increases on
// every reschedule so an in-flight execution can detect that it has been
// superseded.
type TimerRepository struct {
	db DBTX
}

// NewTimerRepository creates a new TimerRepository backed by the given
// database connection (pool or transaction).
func NewTimerRepository(db DBTX) *TimerRepository {
	return &TimerRepository{db: db}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *TimerRepository) WithTx(tx pgx.Tx) *TimerRepository {
	return &TimerRepository{db: tx}
}

// Insert registers a new job row. A unique-violation on job_name is mapped
// to ErrCodeConflictJobExists so the facade can surface AlreadyScheduled.
func (r *TimerRepository) Insert(ctx context.Context, job *types.ScheduledJob) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal job payload", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO scheduler_jobs
		 (job_name, trigger_name, fire_at, payload, subject_id, message_type, status)
		 VALUES ($1, $2, $3, $4, $5, $6, 'pending')`,
		job.JobName,
		job.TriggerName,
		job.FireAt,
		payload,
		job.SubjectID,
		string(job.MessageType),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return types.NewAppError(types.ErrCodeConflictJobExists,
				"job already exists: "+job.JobName, err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert scheduled job", err)
	}
	return nil
}

// InsertIfAbsent registers a job row unless the identity already exists.
// Returns whether a row was inserted. Used by the batch path, which skips
// already-scheduled messages instead of failing the whole batch.
func (r *TimerRepository) InsertIfAbsent(ctx context.Context, job *types.ScheduledJob) (bool, error) {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal job payload", err)
	}

	tag, err := r.db.Exec(ctx,
		`INSERT INTO scheduler_jobs
		 (job_name, trigger_name, fire_at, payload, subject_id, message_type, status)
		 VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		 ON CONFLICT (job_name) DO NOTHING`,
		job.JobName,
		job.TriggerName,
		job.FireAt,
		payload,
		job.SubjectID,
		string(job.MessageType),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to insert scheduled job", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateTrigger atomically replaces the fire time and payload of an existing
// job with a bumped version. The single UPDATE guarantees an in-flight
// execution never observes half-old/half-new data, and the version bump makes
// the in-flight claim stale so its settlement cannot delete the rescheduled
// row. A row whose execution is in flight keeps its 'running' status and
// lease: flipping it back to pending would let the next poll claim it while
// the superseded execution is still inside the transmitters, breaking the
// one-execution-per-identity guarantee. The superseded settlement hands the
// row back instead (see CompleteClaimed/FailClaimed).
func (r *TimerRepository) UpdateTrigger(ctx context.Context, jobName string, fireAt time.Time, p types.JobPayload) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal job payload", err)
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE scheduler_jobs
		 SET fire_at = $2, payload = $3,
		     version = version + 1, last_error = NULL,
		     status    = CASE WHEN status = 'running' THEN 'running' ELSE 'pending' END,
		     locked_by = CASE WHEN status = 'running' THEN locked_by ELSE NULL END,
		     locked_at = CASE WHEN status = 'running' THEN locked_at ELSE NULL END,
		     updated_at = NOW()
		 WHERE job_name = $1`,
		jobName,
		fireAt,
		payload,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update scheduled job", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundJob, "scheduled job not found: "+jobName, nil)
	}
	return nil
}

// Delete removes a job row. Absent rows are not an error (cancel is
// idempotent).
func (r *TimerRepository) Delete(ctx context.Context, jobName string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM scheduler_jobs WHERE job_name = $1`, jobName)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete scheduled job", err)
	}
	return nil
}

// DeleteForSubject removes every pending job belonging to a subject and
// message kind. Used by the invalid-target cascade. An empty messageType
// deletes across both kinds.
func (r *TimerRepository) DeleteForSubject(ctx context.Context, subjectID string, messageType types.MessageType) (int64, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	if messageType == "" {
		tag, err = r.db.Exec(ctx,
			`DELETE FROM scheduler_jobs WHERE subject_id = $1`, subjectID)
	} else {
		tag, err = r.db.Exec(ctx,
			`DELETE FROM scheduler_jobs WHERE subject_id = $1 AND message_type = $2`,
			subjectID, string(messageType))
	}
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete subject jobs", err)
	}
	return tag.RowsAffected(), nil
}

// Exists reports whether a job row with the given name is present.
func (r *TimerRepository) Exists(ctx context.Context, jobName string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM scheduler_jobs WHERE job_name = $1)`,
		jobName,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check job existence", err)
	}
	return exists, nil
}

// Get returns a job row by name, or a not-found error.
func (r *TimerRepository) Get(ctx context.Context, jobName string) (*types.ScheduledJob, error) {
	row := r.db.QueryRow(ctx,
		`SELECT job_name, trigger_name, fire_at, payload, subject_id, message_type,
		        status, version, COALESCE(last_error, '')
		 FROM scheduler_jobs WHERE job_name = $1`,
		jobName,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundJob, "scheduled job not found: "+jobName, nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load scheduled job", err)
	}
	return job, nil
}

// ClaimDue atomically claims up to limit due jobs for the given worker,
// flipping them pending -> running. FOR UPDATE SKIP LOCKED keeps concurrent
// dispatchers from claiming the same row, which is what enforces at most one
// in-flight execution per job identity.
func (r *TimerRepository) ClaimDue(ctx context.Context, workerID string, now time.Time, limit int) ([]*types.ScheduledJob, error) {
	rows, err := r.db.Query(ctx,
		`UPDATE scheduler_jobs
		 SET status = 'running', locked_by = $1, locked_at = $2, updated_at = NOW()
		 WHERE job_name IN (
		     SELECT job_name FROM scheduler_jobs
		     WHERE status = 'pending' AND fire_at <= $2
		     ORDER BY fire_at
		     LIMIT $3
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING job_name, trigger_name, fire_at, payload, subject_id, message_type,
		           status, version, COALESCE(last_error, '')`,
		workerID,
		now,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to claim due jobs", err)
	}
	defer rows.Close()

	var jobs []*types.ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan claimed job", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating claimed jobs", err)
	}
	return jobs, nil
}

// CompleteClaimed removes a job after a successful execution. The version
// predicate makes this a no-op when a reschedule superseded the claim while
// it was in flight; the superseded row is then handed back to pending so the
// rescheduled trigger fires.
func (r *TimerRepository) CompleteClaimed(ctx context.Context, jobName string, version int64) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM scheduler_jobs WHERE job_name = $1 AND version = $2 AND status = 'running'`,
		jobName,
		version,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to complete job", err)
	}
	if tag.RowsAffected() == 0 {
		return r.releaseSuperseded(ctx, jobName, version)
	}
	return nil
}

// FailClaimed marks a job failed with the execution error. Failed rows are
// retained so operators can inspect them; they are never re-claimed. When a
// reschedule superseded the claim the failure belongs to the old trigger, so
// the row is handed back to pending instead of being marked failed.
func (r *TimerRepository) FailClaimed(ctx context.Context, jobName string, version int64, execErr error) error {
	msg := ""
	if execErr != nil {
		msg = execErr.Error()
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE scheduler_jobs
		 SET status = 'failed', last_error = $3, updated_at = NOW()
		 WHERE job_name = $1 AND version = $2 AND status = 'running'`,
		jobName,
		version,
		msg,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark job failed", err)
	}
	if tag.RowsAffected() == 0 {
		return r.releaseSuperseded(ctx, jobName, version)
	}
	return nil
}

// releaseSuperseded returns a claim to pending after a reschedule bumped its
// version mid-flight. Until this runs the row stays 'running' under the old
// lease, invisible to ClaimDue, so the identity never executes concurrently.
// A row cancelled mid-flight matches nothing here and stays gone.
func (r *TimerRepository) releaseSuperseded(ctx context.Context, jobName string, version int64) error {
	_, err := r.db.Exec(ctx,
		`UPDATE scheduler_jobs
		 SET status = 'pending', locked_by = NULL, locked_at = NULL, updated_at = NOW()
		 WHERE job_name = $1 AND status = 'running' AND version <> $2`,
		jobName,
		version,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release superseded job", err)
	}
	return nil
}

// ReleaseStale returns running jobs whose lock is older than the cutoff to
// pending. Run at startup so executions orphaned by a crash fire again
// (misfire policy: fire now).
func (r *TimerRepository) ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE scheduler_jobs
		 SET status = 'pending', locked_by = NULL, locked_at = NULL, updated_at = NOW()
		 WHERE status = 'running' AND locked_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to release stale jobs", err)
	}
	return tag.RowsAffected(), nil
}

// scanJob reads one scheduler_jobs row. Works for both pgx.Row and pgx.Rows.
func scanJob(row pgx.Row) (*types.ScheduledJob, error) {
	var (
		job     types.ScheduledJob
		payload []byte
		mt      string
		status  string
	)
	if err := row.Scan(
		&job.JobName,
		&job.TriggerName,
		&job.FireAt,
		&payload,
		&job.SubjectID,
		&mt,
		&status,
		&job.Version,
		&job.LastError,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &job.Payload); err != nil {
		return nil, err
	}
	job.MessageType = types.MessageType(mt)
	job.Status = types.JobStatus(status)
	return &job, nil
}
