// Package scheduler implements the durable message-delivery scheduler: the
// Timer Store (a PostgreSQL-backed job/trigger registry with a polling
// dispatch loop), the job executor invoked at fire time, and the facades the
// rest of the system schedules messages through.
package scheduler

import (
	"fmt"

	"appserver/internal/types"
)

// Job and trigger names are derived deterministically from the message
// identity, so re-deriving them from a message always yields the same
// strings. Update and delete are therefore plain lookups; no side index is
// needed. The formats are relied on externally and must not change:
//
//	<kind>-jobdetail-<subjectId>-<messageId>
//	<kind>-trigger-<subjectId>-<messageId>

// JobName returns the job identity for a message.
func JobName(mt types.MessageType, subjectID string, messageID int64) string {
	return fmt.Sprintf("%s-jobdetail-%s-%d", mt.KindPrefix(), subjectID, messageID)
}

// TriggerName returns the trigger identity for a message.
func TriggerName(mt types.MessageType, subjectID string, messageID int64) string {
	return fmt.Sprintf("%s-trigger-%s-%d", mt.KindPrefix(), subjectID, messageID)
}

// JobForMessage builds the Timer Store row for a message: identity, fire
// instant, and the payload the executor will use to re-resolve the entity.
func JobForMessage(m types.Message) *types.ScheduledJob {
	return &types.ScheduledJob{
		JobName:     JobName(m.Type(), m.Subject(), m.MessageID()),
		TriggerName: TriggerName(m.Type(), m.Subject(), m.MessageID()),
		FireAt:      m.FireAt(),
		SubjectID:   m.Subject(),
		MessageType: m.Type(),
		Payload: types.JobPayload{
			MessageType: m.Type(),
			ProjectID:   m.Project(),
			SubjectID:   m.Subject(),
			MessageID:   m.MessageID(),
		},
	}
}
