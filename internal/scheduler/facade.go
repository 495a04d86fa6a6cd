package scheduler

import (
	"context"
	"log/slog"

	"appserver/internal/types"
)

// messageScheduler is the kind-agnostic core behind both facades. It
// translates message entities into Timer Store operations and emits state
// events. Ordering per message identity comes from the Timer Store itself:
// every mutation is a single statement against one row, so two calls
// against the same identity apply in issue order and can never interleave
// partially with a concurrent fire.
type messageScheduler struct {
	store  TimerStore
	fanout DeliveryFanout
	bus    EventPublisher
	clock  types.Clock
	logger *slog.Logger
}

// Schedule registers a delivery job for the message. A message has at most
// one outstanding job: scheduling an identity that is still pending fails
// with conflict_message_already_scheduled, directing the caller to
// UpdateScheduled instead.
func (s *messageScheduler) Schedule(ctx context.Context, m types.Message) error {
	job := JobForMessage(m)

	if err := s.store.Schedule(ctx, job); err != nil {
		if types.IsDuplicateJob(err) {
			return types.NewAppError(types.ErrCodeConflictAlreadyScheduled,
				"message already scheduled, use update: "+job.JobName, err)
		}
		return err
	}

	s.logger.Info("message scheduled",
		"job_name", job.JobName,
		"fire_at", job.FireAt,
	)
	s.publish(m, types.MessageStateScheduled, nil)
	return nil
}

// ScheduleBatch registers jobs for many messages in one Timer Store
// transaction. Already-scheduled messages are skipped; a storage error
// rolls back the entire batch. Events are emitted only after the batch
// commits, and only for the messages the batch actually registered: a
// skipped message undergoes no state transition.
func (s *messageScheduler) ScheduleBatch(ctx context.Context, ms []types.Message) (int, error) {
	jobs := make([]*types.ScheduledJob, 0, len(ms))
	for _, m := range ms {
		jobs = append(jobs, JobForMessage(m))
	}

	scheduled, err := s.store.ScheduleBatch(ctx, jobs)
	if err != nil {
		return 0, err
	}

	s.logger.Info("scheduled message batch", "requested", len(ms), "scheduled", len(scheduled))
	inserted := make(map[string]struct{}, len(scheduled))
	for _, name := range scheduled {
		inserted[name] = struct{}{}
	}
	for i, m := range ms {
		if _, ok := inserted[jobs[i].JobName]; ok {
			s.publish(m, types.MessageStateScheduled, nil)
		}
	}
	return len(scheduled), nil
}

// UpdateScheduled re-derives the job identity and replaces its trigger time
// and payload in place. Fails with not_found_scheduled_job when nothing is
// scheduled for the message; the caller must Schedule first.
func (s *messageScheduler) UpdateScheduled(ctx context.Context, m types.Message) error {
	job := JobForMessage(m)

	if err := s.store.Reschedule(ctx, job.JobName, job.FireAt, job.Payload); err != nil {
		return err
	}

	s.logger.Info("scheduled message updated",
		"job_name", job.JobName,
		"fire_at", job.FireAt,
	)
	s.publish(m, types.MessageStateUpdated, nil)
	return nil
}

// DeleteScheduled cancels the message's pending job. Idempotent.
func (s *messageScheduler) DeleteScheduled(ctx context.Context, m types.Message) error {
	job := JobForMessage(m)

	if err := s.store.Cancel(ctx, job.JobName); err != nil {
		return err
	}

	s.logger.Info("scheduled message deleted", "job_name", job.JobName)
	s.publish(m, types.MessageStateCancelled, nil)
	return nil
}

// DeleteScheduledBatch cancels jobs for many messages in one transaction.
func (s *messageScheduler) DeleteScheduledBatch(ctx context.Context, ms []types.Message) error {
	names := make([]string, 0, len(ms))
	for _, m := range ms {
		names = append(names, JobName(m.Type(), m.Subject(), m.MessageID()))
	}

	if err := s.store.CancelBatch(ctx, names); err != nil {
		return err
	}

	for _, m := range ms {
		s.publish(m, types.MessageStateCancelled, nil)
	}
	return nil
}

func (s *messageScheduler) publish(m types.Message, state types.MessageState, info map[string]string) {
	s.bus.Publish(types.MessageStateEvent{
		MessageType: m.Type(),
		ProjectID:   m.Project(),
		SubjectID:   m.Subject(),
		MessageID:   m.MessageID(),
		State:       state,
		Info:        info,
		Time:        s.clock.Now(),
	})
}

// sendNowOutcome settles an immediate send: publish the matching event and
// surface a fatal outcome as an error to the caller.
func (s *messageScheduler) sendNowOutcome(m types.Message, outcomes []types.DeliveryOutcome) error {
	sum := types.Summarize(outcomes)
	if sum.FatalFailures > 0 {
		s.publish(m, types.MessageStateFailed, nil)
		return types.NewAppError(types.ErrCodeTransmitFCM, "immediate send failed", nil)
	}
	s.publish(m, types.MessageStateDelivered, nil)
	return nil
}

// NotificationScheduler is the public scheduling API for notifications.
type NotificationScheduler struct {
	core messageScheduler
}

// DataMessageScheduler is the public scheduling API for data messages.
// Identical contract shape to NotificationScheduler; only the message kind
// differs.
type DataMessageScheduler struct {
	core messageScheduler
}

// FacadeConfig holds the shared dependencies of both scheduler facades.
type FacadeConfig struct {
	Store  TimerStore
	Fanout DeliveryFanout
	Bus    EventPublisher
	Clock  types.Clock
	Logger *slog.Logger
}

func newCore(cfg FacadeConfig) messageScheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	return messageScheduler{
		store:  cfg.Store,
		fanout: cfg.Fanout,
		bus:    cfg.Bus,
		clock:  clock,
		logger: logger,
	}
}

// NewNotificationScheduler creates the notification facade.
func NewNotificationScheduler(cfg FacadeConfig) *NotificationScheduler {
	return &NotificationScheduler{core: newCore(cfg)}
}

// NewDataMessageScheduler creates the data-message facade.
func NewDataMessageScheduler(cfg FacadeConfig) *DataMessageScheduler {
	return &DataMessageScheduler{core: newCore(cfg)}
}

// Schedule registers a delivery job for the notification.
func (s *NotificationScheduler) Schedule(ctx context.Context, n *types.Notification) error {
	return s.core.Schedule(ctx, n)
}

// ScheduleBatch registers jobs for many notifications; see
// messageScheduler.ScheduleBatch for the batch policy.
func (s *NotificationScheduler) ScheduleBatch(ctx context.Context, ns []*types.Notification) (int, error) {
	return s.core.ScheduleBatch(ctx, asMessages(ns))
}

// UpdateScheduled replaces the pending job's fire time and payload.
func (s *NotificationScheduler) UpdateScheduled(ctx context.Context, n *types.Notification) error {
	return s.core.UpdateScheduled(ctx, n)
}

// DeleteScheduled cancels the notification's pending job. Idempotent.
func (s *NotificationScheduler) DeleteScheduled(ctx context.Context, n *types.Notification) error {
	return s.core.DeleteScheduled(ctx, n)
}

// DeleteScheduledBatch cancels jobs for many notifications.
func (s *NotificationScheduler) DeleteScheduledBatch(ctx context.Context, ns []*types.Notification) error {
	return s.core.DeleteScheduledBatch(ctx, asMessages(ns))
}

// SendNow bypasses the Timer Store and runs the fan-out synchronously.
// Any job scheduled for the same notification is left untouched.
func (s *NotificationScheduler) SendNow(ctx context.Context, n *types.Notification) error {
	return s.core.sendNowOutcome(n, s.core.fanout.DeliverNotification(ctx, n))
}

// Schedule registers a delivery job for the data message.
func (s *DataMessageScheduler) Schedule(ctx context.Context, d *types.DataMessage) error {
	return s.core.Schedule(ctx, d)
}

// ScheduleBatch registers jobs for many data messages.
func (s *DataMessageScheduler) ScheduleBatch(ctx context.Context, ds []*types.DataMessage) (int, error) {
	return s.core.ScheduleBatch(ctx, asMessages(ds))
}

// UpdateScheduled replaces the pending job's fire time and payload.
func (s *DataMessageScheduler) UpdateScheduled(ctx context.Context, d *types.DataMessage) error {
	return s.core.UpdateScheduled(ctx, d)
}

// DeleteScheduled cancels the data message's pending job. Idempotent.
func (s *DataMessageScheduler) DeleteScheduled(ctx context.Context, d *types.DataMessage) error {
	return s.core.DeleteScheduled(ctx, d)
}

// DeleteScheduledBatch cancels jobs for many data messages.
func (s *DataMessageScheduler) DeleteScheduledBatch(ctx context.Context, ds []*types.DataMessage) error {
	return s.core.DeleteScheduledBatch(ctx, asMessages(ds))
}

// SendNow bypasses the Timer Store and runs the fan-out synchronously.
func (s *DataMessageScheduler) SendNow(ctx context.Context, d *types.DataMessage) error {
	return s.core.sendNowOutcome(d, s.core.fanout.DeliverDataMessage(ctx, d))
}

// asMessages widens a concrete message slice to the Message interface.
func asMessages[M types.Message](in []M) []types.Message {
	out := make([]types.Message, len(in))
	for i, m := range in {
		out[i] = m
	}
	return out
}
