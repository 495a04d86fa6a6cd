package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"appserver/internal/types"
)

// MessageStore is the subset of the message repository the executor needs:
// re-resolution at fire time, delivery-state bookkeeping, and the pending
// purge used by the invalid-target cascade.
type MessageStore interface {
	GetNotification(ctx context.Context, projectID, subjectID string, messageID int64) (*types.Notification, error)
	GetDataMessage(ctx context.Context, projectID, subjectID string, messageID int64) (*types.DataMessage, error)
	SetDeliveryState(ctx context.Context, mt types.MessageType, messageID int64, state types.DeliveryState) error
	DeletePendingForSubject(ctx context.Context, mt types.MessageType, projectID, subjectID string) (int64, error)
}

// UserStore is the subset of the user repository the cascade needs.
type UserStore interface {
	ClearFCMToken(ctx context.Context, projectID, subjectID string) error
}

// DeliveryFanout dispatches a resolved message to every registered
// transmitter of the matching kind. Implemented in notifications/core.
type DeliveryFanout interface {
	DeliverNotification(ctx context.Context, n *types.Notification) []types.DeliveryOutcome
	DeliverDataMessage(ctx context.Context, d *types.DataMessage) []types.DeliveryOutcome
}

// EventPublisher is the producer side of the state event bus.
type EventPublisher interface {
	Publish(ev types.MessageStateEvent)
}

// JobCanceller is the slice of the Timer Store the cascade needs to purge a
// subject's pending jobs.
type JobCanceller interface {
	CancelForSubject(ctx context.Context, subjectID string, mt types.MessageType) (int64, error)
}

// Executor is the unit invoked by the Timer Store at fire time. It
// re-resolves the current message entity from the payload reference, since
// the facade may have updated title or body after the job was scheduled,
// then routes it through the fan-out and settles the outcome.
type Executor struct {
	messages MessageStore
	users    UserStore
	fanout   DeliveryFanout
	jobs     JobCanceller
	bus      EventPublisher
	clock    types.Clock
	logger   *slog.Logger
}

// ExecutorConfig holds the configuration for creating an Executor.
type ExecutorConfig struct {
	Messages MessageStore
	Users    UserStore
	Fanout   DeliveryFanout
	Jobs     JobCanceller
	Bus      EventPublisher
	Clock    types.Clock
	Logger   *slog.Logger
}

// NewExecutor creates an Executor with the given configuration.
func NewExecutor(cfg ExecutorConfig) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Executor{
		messages: cfg.Messages,
		users:    cfg.Users,
		fanout:   cfg.Fanout,
		jobs:     cfg.Jobs,
		bus:      cfg.Bus,
		clock:    clock,
		logger:   logger,
	}
}

// Compile-time assertion that Executor implements JobHandler.
var _ JobHandler = (*Executor)(nil)

// Execute implements JobHandler. Returns a non-nil error only when the
// fan-out produced at least one fatal outcome; a missing entity (deleted
// after scheduling) and an expired message are both quiet no-ops.
func (e *Executor) Execute(ctx context.Context, job *types.ScheduledJob) error {
	p := job.Payload

	switch p.MessageType {
	case types.MessageTypeNotification:
		n, err := e.messages.GetNotification(ctx, p.ProjectID, p.SubjectID, p.MessageID)
		if err != nil {
			return e.handleLookupError(job, err)
		}
		if e.expired(&n.MessageBase, job) {
			return nil
		}
		return e.settle(ctx, job, &n.MessageBase, e.fanout.DeliverNotification(ctx, n))

	case types.MessageTypeData:
		d, err := e.messages.GetDataMessage(ctx, p.ProjectID, p.SubjectID, p.MessageID)
		if err != nil {
			return e.handleLookupError(job, err)
		}
		if e.expired(&d.MessageBase, job) {
			return nil
		}
		return e.settle(ctx, job, &d.MessageBase, e.fanout.DeliverDataMessage(ctx, d))

	default:
		return fmt.Errorf("unknown message type in job payload: %q", p.MessageType)
	}
}

// handleLookupError treats a vanished message as a concurrent cancellation;
// anything else (storage failure) fails the job.
func (e *Executor) handleLookupError(job *types.ScheduledJob, err error) error {
	if types.IsNotFound(err) {
		e.logger.Info("message deleted before fire time, treating as cancelled",
			"job_name", job.JobName,
		)
		return nil
	}
	return err
}

// expired reports whether the message is past scheduled time plus TTL.
// Expired messages are a silent no-op: logged, no state event, no error.
func (e *Executor) expired(m *types.MessageBase, job *types.ScheduledJob) bool {
	now := e.clock.Now()
	if !m.Expired(now) {
		return false
	}
	e.logger.Info("message expired, skipping delivery",
		"job_name", job.JobName,
		"scheduled_time", m.ScheduledTime.Format(time.RFC3339),
		"ttl", m.TTL().String(),
	)
	return true
}

// settle applies the fan-out result: the invalid-target cascade if any
// transmitter reported a permanently dead token, then delivery-state
// bookkeeping and the state event. The returned error is what flips the
// Timer Store's job row to failed.
func (e *Executor) settle(ctx context.Context, job *types.ScheduledJob, m *types.MessageBase, outcomes []types.DeliveryOutcome) error {
	p := job.Payload
	sum := types.Summarize(outcomes)

	if sum.InvalidTarget {
		e.cascadeInvalidTarget(ctx, p.ProjectID, p.SubjectID)
	}

	if sum.FatalFailures > 0 {
		if err := e.messages.SetDeliveryState(ctx, p.MessageType, p.MessageID, types.DeliveryStateFailed); err != nil {
			e.logger.Error("failed to record delivery failure", "job_name", job.JobName, "error", err)
		}
		e.publish(p, types.MessageStateFailed, map[string]string{
			"fatal_failures": fmt.Sprintf("%d", sum.FatalFailures),
			"attempted":      fmt.Sprintf("%d", sum.Attempted),
		})
		return fmt.Errorf("delivery failed: %d of %d transmitters reported fatal errors",
			sum.FatalFailures, sum.Attempted)
	}

	if err := e.messages.SetDeliveryState(ctx, p.MessageType, p.MessageID, types.DeliveryStateDelivered); err != nil {
		e.logger.Error("failed to record delivery success", "job_name", job.JobName, "error", err)
	}
	e.publish(p, types.MessageStateDelivered, nil)
	return nil
}

// cascadeInvalidTarget purges the subject's pending jobs and messages across
// both kinds and clears the stored device token. The cascade is logged and
// audited, never surfaced as a user-facing error.
func (e *Executor) cascadeInvalidTarget(ctx context.Context, projectID, subjectID string) {
	e.logger.Warn("device token permanently invalid, purging subject's pending deliveries",
		"project_id", projectID,
		"subject_id", subjectID,
	)

	if removed, err := e.jobs.CancelForSubject(ctx, subjectID, ""); err != nil {
		e.logger.Error("failed to cancel subject jobs", "subject_id", subjectID, "error", err)
	} else if removed > 0 {
		e.logger.Info("cancelled pending jobs for subject", "subject_id", subjectID, "count", removed)
	}

	for _, mt := range []types.MessageType{types.MessageTypeNotification, types.MessageTypeData} {
		if _, err := e.messages.DeletePendingForSubject(ctx, mt, projectID, subjectID); err != nil {
			e.logger.Error("failed to delete pending messages",
				"subject_id", subjectID, "message_type", string(mt), "error", err)
		}
	}

	if err := e.users.ClearFCMToken(ctx, projectID, subjectID); err != nil {
		e.logger.Error("failed to clear fcm token", "subject_id", subjectID, "error", err)
	}
}

func (e *Executor) publish(p types.JobPayload, state types.MessageState, info map[string]string) {
	e.bus.Publish(types.MessageStateEvent{
		MessageType: p.MessageType,
		ProjectID:   p.ProjectID,
		SubjectID:   p.SubjectID,
		MessageID:   p.MessageID,
		State:       state,
		Info:        info,
		Time:        e.clock.Now(),
	})
}
