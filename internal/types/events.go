package types

import (
	"strconv"
	"time"
)

// MessageState is the lifecycle state announced by a state event.
type MessageState string

const (
	MessageStateScheduled MessageState = "SCHEDULED"
	MessageStateUpdated   MessageState = "UPDATED"
	MessageStateDelivered MessageState = "DELIVERED"
	MessageStateFailed    MessageState = "FAILED"
	MessageStateCancelled MessageState = "CANCELLED"
)

// MessageStateEvent is an immutable record of one state transition observed
// by the core. Events are published to the state event bus and persisted by
// the audit listener; the core never reads them back.
type MessageStateEvent struct {
	MessageType MessageType       `json:"messageType"`
	ProjectID   string            `json:"projectId"`
	SubjectID   string            `json:"subjectId"`
	MessageID   int64             `json:"messageId"`
	State       MessageState      `json:"state"`
	Info        map[string]string `json:"info,omitempty"`
	Time        time.Time         `json:"time"`
}

// EntityKey identifies the message the event belongs to. Events sharing a
// key are delivered to listeners in publication order.
func (e MessageStateEvent) EntityKey() string {
	return string(e.MessageType) + "/" + e.SubjectID + "/" + strconv.FormatInt(e.MessageID, 10)
}
