package events

import (
	"context"
	"log/slog"

	"appserver/internal/types"
)

// EventSink is the subset of the state event repository the audit listener
// needs.
type EventSink interface {
	Insert(ctx context.Context, ev types.MessageStateEvent) error
}

// AuditListener persists every state event to the audit trail. A failed
// insert is logged and the event is lost; the audit trail is best-effort
// and must never stall the bus.
type AuditListener struct {
	sink   EventSink
	logger *slog.Logger
}

// NewAuditListener creates an audit listener over the given sink.
func NewAuditListener(sink EventSink, logger *slog.Logger) *AuditListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditListener{sink: sink, logger: logger}
}

// OnEvent implements Listener.
func (a *AuditListener) OnEvent(ctx context.Context, ev types.MessageStateEvent) {
	if err := a.sink.Insert(ctx, ev); err != nil {
		a.logger.Error("failed to persist state event",
			"entity", ev.EntityKey(),
			"state", string(ev.State),
			"error", err,
		)
	}
}

var _ Listener = (*AuditListener)(nil)
