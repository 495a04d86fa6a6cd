package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"appserver/internal/db"
	"appserver/internal/types"
)

// TimerStore is the durable registry of (job, trigger) pairs and the single
// source of truth for "when does message X fire next". All mutation of
// scheduled state goes through it.
type TimerStore interface {
	// Schedule registers a new job. Fails with a conflict_job_already_exists
	// AppError when the identity is already present.
	Schedule(ctx context.Context, job *types.ScheduledJob) error

	// ScheduleBatch registers many jobs in a single transaction
	// (all-or-nothing: a storage error rolls back every insertion of the
	// call). Identities that already exist are skipped, not errors; the
	// returned names cover newly registered jobs only.
	ScheduleBatch(ctx context.Context, jobs []*types.ScheduledJob) ([]string, error)

	// Reschedule atomically replaces fire time and payload of an existing
	// job. Fails with a not_found_scheduled_job AppError when absent. An
	// execution already in flight is not interrupted; the new trigger fires
	// after it settles.
	Reschedule(ctx context.Context, jobName string, fireAt time.Time, payload types.JobPayload) error

	// Cancel removes a job. Idempotent: absent jobs are not an error. A job
	// whose execution is already in flight is not interrupted; cancellation
	// only prevents future fires.
	Cancel(ctx context.Context, jobName string) error

	// CancelBatch cancels many jobs in one transaction.
	CancelBatch(ctx context.Context, jobNames []string) error

	// CancelForSubject removes every job of the given kind for a subject;
	// empty kind removes across both kinds. Returns the number removed.
	CancelForSubject(ctx context.Context, subjectID string, mt types.MessageType) (int64, error)

	// Exists reports whether the job identity is currently registered.
	Exists(ctx context.Context, jobName string) (bool, error)
}

// JobHandler is the unit the dispatch loop invokes when a job fires.
// Implemented by the message job executor.
type JobHandler interface {
	Execute(ctx context.Context, job *types.ScheduledJob) error
}

// JobHandlerFunc adapts a function to the JobHandler interface.
type JobHandlerFunc func(ctx context.Context, job *types.ScheduledJob) error

func (f JobHandlerFunc) Execute(ctx context.Context, job *types.ScheduledJob) error {
	return f(ctx, job)
}

// PostgresTimerStoreConfig holds the configuration for creating a
// PostgresTimerStore.
type PostgresTimerStoreConfig struct {
	Pool    db.TxStarter
	Handler JobHandler
	Logger  *slog.Logger
	Clock   types.Clock

	// PollInterval is how often the dispatch loop looks for due jobs.
	PollInterval time.Duration
	// ClaimLimit caps the jobs claimed per poll.
	ClaimLimit int
	// MaxConcurrent bounds the worker goroutines executing fired jobs.
	MaxConcurrent int
	// ClaimLease is how long a claim may stay 'running' before a restart
	// reclaims it as orphaned.
	ClaimLease time.Duration
}

// PostgresTimerStore is the production TimerStore. Registry mutations are
// single SQL statements against scheduler_jobs, making the row the
// serialization point: two mutations of the same identity apply in issue
// order, and a reschedule racing an in-flight fire either lands before the
// claim or supersedes it via the version counter, never partially.
//
// The dispatch side is a polling loop: each tick atomically claims due rows
// (pending -> running, FOR UPDATE SKIP LOCKED) and executes each on its own
// worker. A claimed row stays 'running' until its execution settles, even
// across a reschedule, which is what guarantees at most one concurrently
// executing invocation per job identity. Jobs that were due while the
// process was down are claimed on the first tick after restart (misfire
// policy: fire now).
type PostgresTimerStore struct {
	pool    db.TxStarter
	repo    *db.TimerRepository
	handler JobHandler
	logger  *slog.Logger
	clock   types.Clock

	workerID      string
	pollInterval  time.Duration
	claimLimit    int
	maxConcurrent int
	claimLease    time.Duration
}

// Compile-time assertion that PostgresTimerStore implements TimerStore.
var _ TimerStore = (*PostgresTimerStore)(nil)

// NewPostgresTimerStore creates a PostgresTimerStore with the given
// configuration, applying defaults for any zero tuning value.
func NewPostgresTimerStore(cfg PostgresTimerStoreConfig) *PostgresTimerStore {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ClaimLimit <= 0 {
		cfg.ClaimLimit = 100
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 5 * time.Minute
	}

	return &PostgresTimerStore{
		pool:          cfg.Pool,
		repo:          db.NewTimerRepository(cfg.Pool),
		handler:       cfg.Handler,
		logger:        logger,
		clock:         clock,
		workerID:      "dispatcher-" + uuid.New().String(),
		pollInterval:  cfg.PollInterval,
		claimLimit:    cfg.ClaimLimit,
		maxConcurrent: cfg.MaxConcurrent,
		claimLease:    cfg.ClaimLease,
	}
}

// Schedule implements TimerStore.
func (s *PostgresTimerStore) Schedule(ctx context.Context, job *types.ScheduledJob) error {
	return s.repo.Insert(ctx, job)
}

// ScheduleBatch implements TimerStore.
func (s *PostgresTimerStore) ScheduleBatch(ctx context.Context, jobs []*types.ScheduledJob) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to begin batch transaction", err)
	}
	defer tx.Rollback(ctx)

	repo := s.repo.WithTx(tx)
	var scheduled []string
	for _, job := range jobs {
		inserted, err := repo.InsertIfAbsent(ctx, job)
		if err != nil {
			return nil, err
		}
		if inserted {
			scheduled = append(scheduled, job.JobName)
		} else {
			s.logger.Info("job already scheduled, skipping", "job_name", job.JobName)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to commit batch transaction", err)
	}
	return scheduled, nil
}

// Reschedule implements TimerStore.
func (s *PostgresTimerStore) Reschedule(ctx context.Context, jobName string, fireAt time.Time, payload types.JobPayload) error {
	return s.repo.UpdateTrigger(ctx, jobName, fireAt, payload)
}

// Cancel implements TimerStore.
func (s *PostgresTimerStore) Cancel(ctx context.Context, jobName string) error {
	return s.repo.Delete(ctx, jobName)
}

// CancelBatch implements TimerStore.
func (s *PostgresTimerStore) CancelBatch(ctx context.Context, jobNames []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to begin batch transaction", err)
	}
	defer tx.Rollback(ctx)

	repo := s.repo.WithTx(tx)
	for _, name := range jobNames {
		if err := repo.Delete(ctx, name); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to commit batch transaction", err)
	}
	return nil
}

// CancelForSubject implements TimerStore.
func (s *PostgresTimerStore) CancelForSubject(ctx context.Context, subjectID string, mt types.MessageType) (int64, error) {
	return s.repo.DeleteForSubject(ctx, subjectID, mt)
}

// Exists implements TimerStore.
func (s *PostgresTimerStore) Exists(ctx context.Context, jobName string) (bool, error) {
	return s.repo.Exists(ctx, jobName)
}

// Run drives the dispatch loop until ctx is cancelled. It first reclaims
// executions orphaned by a previous crash, then polls for due jobs. Run
// blocks; callers start it on its own goroutine.
func (s *PostgresTimerStore) Run(ctx context.Context) error {
	released, err := s.repo.ReleaseStale(ctx, s.clock.Now().Add(-s.claimLease))
	if err != nil {
		return err
	}
	if released > 0 {
		s.logger.Warn("reclaimed orphaned job executions", "count", released)
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.logger.Info("timer store dispatch loop started",
		"worker_id", s.workerID,
		"poll_interval", s.pollInterval.String(),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("timer store dispatch loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.dispatchDue(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("dispatch cycle failed", "error", err)
			}
		}
	}
}

// dispatchDue claims every due job (up to the claim limit) and executes
// them on a bounded worker group. One job's failure never affects another:
// each worker records its own outcome and always returns nil to the group.
func (s *PostgresTimerStore) dispatchDue(ctx context.Context) error {
	jobs, err := s.repo.ClaimDue(ctx, s.workerID, s.clock.Now(), s.claimLimit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrent)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			s.fire(gctx, job)
			return nil
		})
	}
	return g.Wait()
}

// fire runs one claimed job through the handler and settles the row:
// deleted on success, marked failed on a fatal execution error. Both
// settlement paths are version-guarded, so a reschedule that raced the
// execution wins: settlement releases the superseded row back to pending
// and it fires again at its new time.
func (s *PostgresTimerStore) fire(ctx context.Context, job *types.ScheduledJob) {
	s.logger.Info("firing scheduled job",
		"job_name", job.JobName,
		"fire_at", job.FireAt.Format(time.RFC3339),
	)

	if execErr := s.handler.Execute(ctx, job); execErr != nil {
		s.logger.Error("job execution failed",
			"job_name", job.JobName,
			"error", execErr,
		)
		if err := s.repo.FailClaimed(ctx, job.JobName, job.Version, execErr); err != nil {
			s.logger.Error("failed to mark job failed", "job_name", job.JobName, "error", err)
		}
		return
	}

	if err := s.repo.CompleteClaimed(ctx, job.JobName, job.Version); err != nil {
		s.logger.Error("failed to complete job", "job_name", job.JobName, "error", err)
	}
}
