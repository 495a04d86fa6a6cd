// Package types defines the domain model shared by every component of the
// appserver: messages, subjects, scheduling payloads, the error taxonomy,
// and state-change events. It has no dependencies on other internal packages
// so any layer can import it.
package types

import (
	"time"
)

// MessageType discriminates the two schedulable message kinds. The string
// values cross the Timer Store boundary inside job payloads and must not
// change.
type MessageType string

const (
	MessageTypeNotification MessageType = "NOTIFICATION"
	MessageTypeData         MessageType = "DATA"
)

// KindPrefix returns the lowercase prefix used in job and trigger names
// ("notification" or "data").
func (t MessageType) KindPrefix() string {
	switch t {
	case MessageTypeNotification:
		return "notification"
	case MessageTypeData:
		return "data"
	default:
		return "unknown"
	}
}

// DeliveryState tracks whether a delivery for a message has been attempted
// and how it ended.
type DeliveryState string

const (
	DeliveryStatePending   DeliveryState = "pending"
	DeliveryStateDelivered DeliveryState = "delivered"
	DeliveryStateFailed    DeliveryState = "failed"
)

// DefaultTTL is applied when a message carries no explicit time-to-live.
// Four weeks, matching the FCM maximum.
const DefaultTTL = 2_419_200 * time.Second

// User is a study participant: the recipient of notifications and data
// messages. Subject IDs are unique within a project.
type User struct {
	ID        int64
	ProjectID string
	SubjectID string
	FCMToken  string
	Email     string
	Language  string
	Timezone  string
}

// Message is the common capability of anything the scheduler can register:
// an identity within (project, subject), a fire instant, and a TTL.
// Implemented by Notification and DataMessage.
type Message interface {
	MessageID() int64
	Project() string
	Subject() string
	Type() MessageType
	FireAt() time.Time
	TTL() time.Duration
}

// MessageBase holds the fields shared by both message kinds.
type MessageBase struct {
	ID             int64
	ProjectID      string
	SubjectID      string
	SourceID       string
	ScheduledTime  time.Time
	TTLSeconds     int
	FCMMessageID   string
	FCMTopic       string
	FCMCondition   string
	Priority       string
	MutableContent bool
	State          DeliveryState
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MessageID implements Message.
func (m *MessageBase) MessageID() int64 { return m.ID }

// Project implements Message.
func (m *MessageBase) Project() string { return m.ProjectID }

// Subject implements Message.
func (m *MessageBase) Subject() string { return m.SubjectID }

// FireAt implements Message.
func (m *MessageBase) FireAt() time.Time { return m.ScheduledTime }

// TTL returns the message time-to-live, falling back to DefaultTTL when the
// entity carries none.
func (m *MessageBase) TTL() time.Duration {
	if m.TTLSeconds <= 0 {
		return DefaultTTL
	}
	return time.Duration(m.TTLSeconds) * time.Second
}

// Expired reports whether now is past the scheduled time plus TTL. Expired
// messages are treated as no-ops by the job executor.
func (m *MessageBase) Expired(now time.Time) bool {
	return now.After(m.ScheduledTime.Add(m.TTL()))
}

// Notification is a user-visible push notification, optionally mirrored to
// email. Title and body fall back to defaults at transmission time if empty.
type Notification struct {
	MessageBase

	Title       string
	Body        string
	Sound       string
	Badge       string
	ClickAction string
	Subtitle    string
	IconName    string
	Tag         string
	Color       string

	BodyLocKey   string
	BodyLocArgs  string
	TitleLocKey  string
	TitleLocArgs string

	AndroidChannelID string

	EmailEnabled bool
	EmailTitle   string
	EmailBody    string

	AdditionalData map[string]string
}

// Type implements Message.
func (n *Notification) Type() MessageType { return MessageTypeNotification }

// DataMessage is a silent downstream message carrying an opaque key-value
// payload for the study app.
type DataMessage struct {
	MessageBase

	DataMap map[string]string
}

// Type implements Message.
func (d *DataMessage) Type() MessageType { return MessageTypeData }

// JobPayload is the job-data document stored with a scheduled job. These
// exact JSON field names cross the Timer Store boundary and are relied on
// for interoperability; do not rename them.
type JobPayload struct {
	MessageType MessageType `json:"messageType"`
	ProjectID   string      `json:"projectId"`
	SubjectID   string      `json:"subjectId"`
	MessageID   int64       `json:"messageId"`
}

// ScheduledJob is one row of the Timer Store's durable registry.
type ScheduledJob struct {
	JobName     string
	TriggerName string
	FireAt      time.Time
	Payload     JobPayload
	SubjectID   string
	MessageType MessageType
	Status      JobStatus
	Version     int64
	LastError   string
}

// JobStatus is the lifecycle state of a scheduled job row.
type JobStatus string

const (
	// JobStatusPending means the job is waiting for its fire time.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning means a dispatcher worker has claimed the job and an
	// execution is in flight. A running job is never claimed again.
	JobStatusRunning JobStatus = "running"
	// JobStatusFailed means the last execution reported a fatal outcome.
	// Failed rows are retained for operational inspection.
	JobStatusFailed JobStatus = "failed"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }
