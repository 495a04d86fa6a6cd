package db

import (
	"context"
	"encoding/json"

	"appserver/internal/types"
)

// StateEventRepository persists message state-change events. It is the audit
// sink behind the state event bus; the core publishes and forgets, this
// repository is only touched by the bus's persisting listener.
type StateEventRepository struct {
	db DBTX
}

// NewStateEventRepository creates a new StateEventRepository backed by the
// given database connection (pool or transaction).
func NewStateEventRepository(db DBTX) *StateEventRepository {
	return &StateEventRepository{db: db}
}

// Insert appends one state event to the audit trail.
func (r *StateEventRepository) Insert(ctx context.Context, ev types.MessageStateEvent) error {
	info, err := json.Marshal(ev.Info)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal event info", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO message_state_events
		 (message_type, project_id, subject_id, message_id, state, info, time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(ev.MessageType),
		ev.ProjectID,
		ev.SubjectID,
		ev.MessageID,
		string(ev.State),
		info,
		ev.Time,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert state event", err)
	}
	return nil
}
