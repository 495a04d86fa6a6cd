package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appserver/internal/types"
)

// fakePool is a scripted TxStarter. Exec and Query responses are driven by
// the SQL text, which is enough for the single-statement store operations.
type fakePool struct {
	mu        sync.Mutex
	execCalls []execCall
	execFn    func(sql string, args []any) (pgconn.CommandTag, error)
	queryFn   func(sql string, args []any) (pgx.Rows, error)
}

type execCall struct {
	sql  string
	args []any
}

func (p *fakePool) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	p.mu.Lock()
	p.execCalls = append(p.execCalls, execCall{sql: sql, args: arguments})
	p.mu.Unlock()
	if p.execFn != nil {
		return p.execFn(sql, arguments)
	}
	return pgconn.NewCommandTag("UPDATE 0"), nil
}

func (p *fakePool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if p.queryFn != nil {
		return p.queryFn(sql, args)
	}
	return claimedRows(), nil
}

func (p *fakePool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	panic("QueryRow not scripted in this test")
}

func (p *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	return nil, errors.New("transactions not scripted in this test")
}

func (p *fakePool) calls(substr string) []execCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []execCall
	for _, c := range p.execCalls {
		if strings.Contains(c.sql, substr) {
			out = append(out, c)
		}
	}
	return out
}

// claimedRows builds a pgx.Rows over scheduler_jobs tuples.
func claimedRows(jobs ...*types.ScheduledJob) pgx.Rows {
	return &fakeRows{jobs: jobs, idx: -1}
}

type fakeRows struct {
	jobs []*types.ScheduledJob
	idx  int
}

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx < len(r.jobs)
}

func (r *fakeRows) Scan(dest ...any) error {
	job := r.jobs[r.idx]
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return err
	}
	*dest[0].(*string) = job.JobName
	*dest[1].(*string) = job.TriggerName
	*dest[2].(*time.Time) = job.FireAt
	*dest[3].(*[]byte) = payload
	*dest[4].(*string) = job.SubjectID
	*dest[5].(*string) = string(job.MessageType)
	*dest[6].(*string) = string(job.Status)
	*dest[7].(*int64) = job.Version
	*dest[8].(*string) = job.LastError
	return nil
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

// recordingHandler captures fired jobs and returns a scripted error.
type recordingHandler struct {
	mu    sync.Mutex
	fired []string
	err   error
}

func (h *recordingHandler) Execute(ctx context.Context, job *types.ScheduledJob) error {
	h.mu.Lock()
	h.fired = append(h.fired, job.JobName)
	h.mu.Unlock()
	return h.err
}

func (h *recordingHandler) firedJobs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.fired...)
}

func newTestStore(pool *fakePool, handler JobHandler) *PostgresTimerStore {
	return NewPostgresTimerStore(PostgresTimerStoreConfig{
		Pool:         pool,
		Handler:      handler,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		PollInterval: 5 * time.Millisecond,
	})
}

func claimedJob(name string, version int64) *types.ScheduledJob {
	return &types.ScheduledJob{
		JobName:     name,
		TriggerName: strings.Replace(name, "jobdetail", "trigger", 1),
		FireAt:      time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC),
		SubjectID:   "sub-1",
		MessageType: types.MessageTypeNotification,
		Status:      types.JobStatusRunning,
		Version:     version,
		Payload: types.JobPayload{
			MessageType: types.MessageTypeNotification,
			ProjectID:   "radar",
			SubjectID:   "sub-1",
			MessageID:   1,
		},
	}
}

func TestDispatchDue_FiresAndCompletesClaimedJobs(t *testing.T) {
	handler := &recordingHandler{}
	pool := &fakePool{
		queryFn: func(sql string, args []any) (pgx.Rows, error) {
			return claimedRows(
				claimedJob("notification-jobdetail-sub-1-1", 1),
				claimedJob("notification-jobdetail-sub-1-2", 1),
			), nil
		},
		execFn: func(sql string, args []any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("DELETE 1"), nil
		},
	}
	store := newTestStore(pool, handler)

	require.NoError(t, store.dispatchDue(context.Background()))

	assert.ElementsMatch(t,
		[]string{"notification-jobdetail-sub-1-1", "notification-jobdetail-sub-1-2"},
		handler.firedJobs(),
	)
	// Successful executions delete the claimed rows.
	assert.Len(t, pool.calls("DELETE FROM scheduler_jobs"), 2)
}

func TestDispatchDue_FatalExecutionMarksRowFailed(t *testing.T) {
	handler := &recordingHandler{err: errors.New("transmitter reported fatal")}
	pool := &fakePool{
		queryFn: func(sql string, args []any) (pgx.Rows, error) {
			return claimedRows(claimedJob("notification-jobdetail-sub-1-1", 4)), nil
		},
		execFn: func(sql string, args []any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}
	store := newTestStore(pool, handler)

	require.NoError(t, store.dispatchDue(context.Background()))

	failed := pool.calls("SET status = 'failed'")
	require.Len(t, failed, 1)
	// Settlement carries the claimed version so a racing reschedule wins.
	assert.Contains(t, failed[0].args, int64(4))
	assert.Empty(t, pool.calls("DELETE FROM scheduler_jobs"))
}

func TestDispatchDue_MidFlightRescheduleHandsRowBack(t *testing.T) {
	handler := &recordingHandler{}
	pool := &fakePool{
		queryFn: func(sql string, args []any) (pgx.Rows, error) {
			return claimedRows(claimedJob("notification-jobdetail-sub-1-1", 1)), nil
		},
		execFn: func(sql string, args []any) (pgconn.CommandTag, error) {
			// A reschedule bumped the version while the execution was in
			// flight, so the version-guarded delete misses.
			if strings.Contains(sql, "DELETE FROM scheduler_jobs") {
				return pgconn.NewCommandTag("DELETE 0"), nil
			}
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}
	store := newTestStore(pool, handler)

	require.NoError(t, store.dispatchDue(context.Background()))

	// The identity fired exactly once this cycle; the superseded row is
	// released so the rescheduled trigger fires on a later poll.
	assert.Equal(t, []string{"notification-jobdetail-sub-1-1"}, handler.firedJobs())
	require.Len(t, pool.calls("SET status = 'pending'"), 1)
	assert.Contains(t, pool.calls("SET status = 'pending'")[0].sql, "version <> $2")
}

func TestDispatchDue_OneFailureDoesNotBlockOthers(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	handler := JobHandlerFunc(func(ctx context.Context, job *types.ScheduledJob) error {
		mu.Lock()
		calls++
		mu.Unlock()
		if job.JobName == "notification-jobdetail-sub-1-1" {
			return errors.New("boom")
		}
		return nil
	})
	pool := &fakePool{
		queryFn: func(sql string, args []any) (pgx.Rows, error) {
			return claimedRows(
				claimedJob("notification-jobdetail-sub-1-1", 1),
				claimedJob("notification-jobdetail-sub-1-2", 1),
			), nil
		},
		execFn: func(sql string, args []any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}
	store := newTestStore(pool, handler)

	require.NoError(t, store.dispatchDue(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
}

func TestDispatchDue_NoDueJobsIsQuiet(t *testing.T) {
	handler := &recordingHandler{}
	pool := &fakePool{}
	store := newTestStore(pool, handler)

	require.NoError(t, store.dispatchDue(context.Background()))
	assert.Empty(t, handler.firedJobs())
}

func TestRun_ReclaimsOrphansThenStopsOnCancel(t *testing.T) {
	handler := &recordingHandler{}
	pool := &fakePool{
		execFn: func(sql string, args []any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 2"), nil
		},
	}
	store := newTestStore(pool, handler)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- store.Run(ctx) }()

	time.Sleep(25 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}

	// The startup reclaim ran before any poll.
	assert.NotEmpty(t, pool.calls("status = 'pending', locked_by = NULL"))
}

// memoryRegistry is a stateful scheduler_jobs double. Unlike fakePool it
// holds rows across calls, so a second store instance over the same registry
// sees what the first one scheduled.
type memoryRegistry struct {
	mu   sync.Mutex
	rows map[string]*types.ScheduledJob
}

func newMemoryRegistry() *memoryRegistry {
	return &memoryRegistry{rows: make(map[string]*types.ScheduledJob)}
}

func (m *memoryRegistry) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case strings.Contains(sql, "INSERT INTO scheduler_jobs"):
		job := &types.ScheduledJob{
			JobName:     args[0].(string),
			TriggerName: args[1].(string),
			FireAt:      args[2].(time.Time),
			SubjectID:   args[4].(string),
			MessageType: types.MessageType(args[5].(string)),
			Status:      types.JobStatusPending,
			Version:     1,
		}
		if err := json.Unmarshal(args[3].([]byte), &job.Payload); err != nil {
			return pgconn.CommandTag{}, err
		}
		m.rows[job.JobName] = job
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case strings.Contains(sql, "DELETE FROM scheduler_jobs"):
		name := args[0].(string)
		if job, ok := m.rows[name]; ok && job.Version == args[1].(int64) {
			delete(m.rows, name)
			return pgconn.NewCommandTag("DELETE 1"), nil
		}
		return pgconn.NewCommandTag("DELETE 0"), nil
	case strings.Contains(sql, "status = 'running' AND locked_at"):
		// Startup reclaim; nothing is leased in these tests.
		return pgconn.NewCommandTag("UPDATE 0"), nil
	default:
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}
}

// Query serves the claim: due pending rows flip to running and are returned.
func (m *memoryRegistry) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := args[1].(time.Time)
	var claimed []*types.ScheduledJob
	for _, job := range m.rows {
		if job.Status == types.JobStatusPending && !job.FireAt.After(now) {
			job.Status = types.JobStatusRunning
			claimed = append(claimed, job)
		}
	}
	return claimedRows(claimed...), nil
}

func (m *memoryRegistry) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	panic("QueryRow not scripted in this test")
}

func (m *memoryRegistry) Begin(ctx context.Context) (pgx.Tx, error) {
	return nil, errors.New("transactions not scripted in this test")
}

func TestTimerStore_ScheduledJobsSurviveRestart(t *testing.T) {
	registry := newMemoryRegistry()
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	fireAt := now.Add(-time.Minute)

	first := NewPostgresTimerStore(PostgresTimerStoreConfig{
		Pool:    registry,
		Handler: &recordingHandler{},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:   fixedClock{t: now},
	})
	job := claimedJob("notification-jobdetail-sub-1-1", 0)
	job.Status = types.JobStatusPending
	job.FireAt = fireAt
	require.NoError(t, first.Schedule(context.Background(), job))

	// The first store goes away without firing anything; a fresh instance
	// over the surviving registry picks the job up on its first cycle.
	var (
		mu    sync.Mutex
		fired []*types.ScheduledJob
	)
	second := NewPostgresTimerStore(PostgresTimerStoreConfig{
		Pool: registry,
		Handler: JobHandlerFunc(func(ctx context.Context, job *types.ScheduledJob) error {
			mu.Lock()
			fired = append(fired, job)
			mu.Unlock()
			return nil
		}),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:  fixedClock{t: now},
	})
	require.NoError(t, second.dispatchDue(context.Background()))

	mu.Lock()
	require.Len(t, fired, 1)
	assert.Equal(t, "notification-jobdetail-sub-1-1", fired[0].JobName)
	// The claimed row carried the originally scheduled fire time.
	assert.Equal(t, fireAt, fired[0].FireAt)
	mu.Unlock()

	// The successful execution settled the row.
	registry.mu.Lock()
	defer registry.mu.Unlock()
	assert.Empty(t, registry.rows)
}

func TestSchedule_DelegatesToRegistry(t *testing.T) {
	pool := &fakePool{
		execFn: func(sql string, args []any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		},
	}
	store := newTestStore(pool, &recordingHandler{})

	job := claimedJob("notification-jobdetail-sub-1-1", 0)
	require.NoError(t, store.Schedule(context.Background(), job))
	require.Len(t, pool.calls("INSERT INTO scheduler_jobs"), 1)
}

func TestCancel_IsIdempotent(t *testing.T) {
	pool := &fakePool{
		execFn: func(sql string, args []any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("DELETE 0"), nil
		},
	}
	store := newTestStore(pool, &recordingHandler{})

	require.NoError(t, store.Cancel(context.Background(), "notification-jobdetail-sub-1-99"))
	require.NoError(t, store.Cancel(context.Background(), "notification-jobdetail-sub-1-99"))
}
