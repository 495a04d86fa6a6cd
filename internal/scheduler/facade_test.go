package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appserver/internal/types"
)

type fakeTimerStore struct {
	scheduled   []*types.ScheduledJob
	rescheduled []string
	cancelled   []string
	batchNames  [][]string
	existing    map[string]bool

	scheduleErr   error
	rescheduleErr error
}

func (f *fakeTimerStore) Schedule(ctx context.Context, job *types.ScheduledJob) error {
	if f.scheduleErr != nil {
		return f.scheduleErr
	}
	f.scheduled = append(f.scheduled, job)
	return nil
}

func (f *fakeTimerStore) ScheduleBatch(ctx context.Context, jobs []*types.ScheduledJob) ([]string, error) {
	if f.scheduleErr != nil {
		return nil, f.scheduleErr
	}
	var inserted []string
	for _, job := range jobs {
		if f.existing[job.JobName] {
			continue
		}
		f.scheduled = append(f.scheduled, job)
		inserted = append(inserted, job.JobName)
	}
	return inserted, nil
}

func (f *fakeTimerStore) Reschedule(ctx context.Context, jobName string, fireAt time.Time, payload types.JobPayload) error {
	if f.rescheduleErr != nil {
		return f.rescheduleErr
	}
	f.rescheduled = append(f.rescheduled, jobName)
	return nil
}

func (f *fakeTimerStore) Cancel(ctx context.Context, jobName string) error {
	f.cancelled = append(f.cancelled, jobName)
	return nil
}

func (f *fakeTimerStore) CancelBatch(ctx context.Context, jobNames []string) error {
	f.batchNames = append(f.batchNames, jobNames)
	return nil
}

func (f *fakeTimerStore) CancelForSubject(ctx context.Context, subjectID string, mt types.MessageType) (int64, error) {
	return 0, nil
}

func (f *fakeTimerStore) Exists(ctx context.Context, jobName string) (bool, error) {
	for _, j := range f.scheduled {
		if j.JobName == jobName {
			return true, nil
		}
	}
	return false, nil
}

type facadeFixture struct {
	store  *fakeTimerStore
	fanout *fakeFanout
	bus    *fakeBus
	now    time.Time
}

func newFacadeFixture() *facadeFixture {
	return &facadeFixture{
		store:  &fakeTimerStore{},
		fanout: &fakeFanout{},
		bus:    &fakeBus{},
		now:    time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func (f *facadeFixture) config() FacadeConfig {
	return FacadeConfig{
		Store:  f.store,
		Fanout: f.fanout,
		Bus:    f.bus,
		Clock:  fixedClock{t: f.now},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func fixtureNotification(id int64) *types.Notification {
	return &types.Notification{
		MessageBase: types.MessageBase{
			ID:            id,
			ProjectID:     "radar",
			SubjectID:     "sub-1",
			ScheduledTime: time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC),
		},
		Title: "Reminder",
	}
}

func TestNotificationScheduler_Schedule(t *testing.T) {
	f := newFacadeFixture()
	s := NewNotificationScheduler(f.config())

	require.NoError(t, s.Schedule(context.Background(), fixtureNotification(1)))

	require.Len(t, f.store.scheduled, 1)
	assert.Equal(t, "notification-jobdetail-sub-1-1", f.store.scheduled[0].JobName)
	require.Len(t, f.bus.events, 1)
	assert.Equal(t, types.MessageStateScheduled, f.bus.events[0].State)
}

func TestNotificationScheduler_ScheduleDuplicateConflicts(t *testing.T) {
	f := newFacadeFixture()
	f.store.scheduleErr = types.NewAppError(types.ErrCodeConflictJobExists, "row exists", nil)
	s := NewNotificationScheduler(f.config())

	err := s.Schedule(context.Background(), fixtureNotification(1))
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeConflictAlreadyScheduled, appErr.Code)
	assert.Empty(t, f.bus.events)
}

func TestNotificationScheduler_ScheduleBatch(t *testing.T) {
	f := newFacadeFixture()
	s := NewNotificationScheduler(f.config())

	ns := []*types.Notification{fixtureNotification(1), fixtureNotification(2), fixtureNotification(3)}
	scheduled, err := s.ScheduleBatch(context.Background(), ns)
	require.NoError(t, err)

	assert.Equal(t, 3, scheduled)
	assert.Len(t, f.store.scheduled, 3)
	assert.Len(t, f.bus.events, 3)
}

func TestNotificationScheduler_ScheduleBatchSkippedMessageEmitsNoEvent(t *testing.T) {
	f := newFacadeFixture()
	f.store.existing = map[string]bool{"notification-jobdetail-sub-1-2": true}
	s := NewNotificationScheduler(f.config())

	ns := []*types.Notification{fixtureNotification(1), fixtureNotification(2), fixtureNotification(3)}
	scheduled, err := s.ScheduleBatch(context.Background(), ns)
	require.NoError(t, err)

	// The already-scheduled message underwent no state transition, so only
	// the two inserted messages produce events.
	assert.Equal(t, 2, scheduled)
	require.Len(t, f.bus.events, 2)
	ids := []int64{f.bus.events[0].MessageID, f.bus.events[1].MessageID}
	assert.ElementsMatch(t, []int64{1, 3}, ids)
}

func TestNotificationScheduler_ScheduleBatchStorageErrorEmitsNoEvents(t *testing.T) {
	f := newFacadeFixture()
	f.store.scheduleErr = errors.New("tx rollback")
	s := NewNotificationScheduler(f.config())

	_, err := s.ScheduleBatch(context.Background(), []*types.Notification{fixtureNotification(1)})
	require.Error(t, err)
	assert.Empty(t, f.bus.events)
}

func TestNotificationScheduler_UpdateScheduled(t *testing.T) {
	f := newFacadeFixture()
	s := NewNotificationScheduler(f.config())

	n := fixtureNotification(5)
	require.NoError(t, s.UpdateScheduled(context.Background(), n))

	require.Len(t, f.store.rescheduled, 1)
	assert.Equal(t, "notification-jobdetail-sub-1-5", f.store.rescheduled[0])
	require.Len(t, f.bus.events, 1)
	assert.Equal(t, types.MessageStateUpdated, f.bus.events[0].State)
}

func TestNotificationScheduler_UpdateScheduledMissingJob(t *testing.T) {
	f := newFacadeFixture()
	f.store.rescheduleErr = types.NewAppError(types.ErrCodeNotFoundJob, "no row", nil)
	s := NewNotificationScheduler(f.config())

	err := s.UpdateScheduled(context.Background(), fixtureNotification(5))
	require.Error(t, err)
	assert.True(t, types.IsNotFound(err))
	assert.Empty(t, f.bus.events)
}

func TestNotificationScheduler_DeleteScheduled(t *testing.T) {
	f := newFacadeFixture()
	s := NewNotificationScheduler(f.config())

	require.NoError(t, s.DeleteScheduled(context.Background(), fixtureNotification(5)))

	require.Len(t, f.store.cancelled, 1)
	assert.Equal(t, "notification-jobdetail-sub-1-5", f.store.cancelled[0])
	require.Len(t, f.bus.events, 1)
	assert.Equal(t, types.MessageStateCancelled, f.bus.events[0].State)
}

func TestNotificationScheduler_SendNowBypassesStore(t *testing.T) {
	f := newFacadeFixture()
	f.fanout.outcomes = []types.DeliveryOutcome{{Transmitter: "fcm"}}
	s := NewNotificationScheduler(f.config())

	require.NoError(t, s.SendNow(context.Background(), fixtureNotification(9)))

	assert.Empty(t, f.store.scheduled)
	assert.Equal(t, 1, f.fanout.notificationCalls)
	require.Len(t, f.bus.events, 1)
	assert.Equal(t, types.MessageStateDelivered, f.bus.events[0].State)
}

func TestNotificationScheduler_SendNowFatalOutcome(t *testing.T) {
	f := newFacadeFixture()
	f.fanout.outcomes = []types.DeliveryOutcome{
		{Transmitter: "fcm", Err: types.NewTransmitError(types.TransmitFatal, "fcm", "bad message", nil)},
	}
	s := NewNotificationScheduler(f.config())

	err := s.SendNow(context.Background(), fixtureNotification(9))
	require.Error(t, err)
	require.Len(t, f.bus.events, 1)
	assert.Equal(t, types.MessageStateFailed, f.bus.events[0].State)
}

func TestDataMessageScheduler_UsesDataKind(t *testing.T) {
	f := newFacadeFixture()
	s := NewDataMessageScheduler(f.config())

	d := &types.DataMessage{
		MessageBase: types.MessageBase{
			ID:            3,
			ProjectID:     "radar",
			SubjectID:     "sub-1",
			ScheduledTime: time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC),
		},
		DataMap: map[string]string{"action": "sync"},
	}
	require.NoError(t, s.Schedule(context.Background(), d))

	require.Len(t, f.store.scheduled, 1)
	assert.Equal(t, "data-jobdetail-sub-1-3", f.store.scheduled[0].JobName)
	assert.Equal(t, types.MessageTypeData, f.bus.events[0].MessageType)
}

func TestDataMessageScheduler_DeleteScheduledBatch(t *testing.T) {
	f := newFacadeFixture()
	s := NewDataMessageScheduler(f.config())

	ds := []*types.DataMessage{
		{MessageBase: types.MessageBase{ID: 1, ProjectID: "radar", SubjectID: "sub-1"}},
		{MessageBase: types.MessageBase{ID: 2, ProjectID: "radar", SubjectID: "sub-1"}},
	}
	require.NoError(t, s.DeleteScheduledBatch(context.Background(), ds))

	require.Len(t, f.store.batchNames, 1)
	assert.Equal(t, []string{"data-jobdetail-sub-1-1", "data-jobdetail-sub-1-2"}, f.store.batchNames[0])
	assert.Len(t, f.bus.events, 2)
}
