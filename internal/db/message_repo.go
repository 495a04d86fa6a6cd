package db

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"appserver/internal/types"
)

// notificationColumns is the scan order shared by all notification queries.
const notificationColumns = `
	id, project_id, subject_id, COALESCE(source_id, ''), scheduled_time,
	ttl_seconds, COALESCE(fcm_message_id, ''), COALESCE(fcm_topic, ''),
	COALESCE(fcm_condition, ''), COALESCE(priority, ''), mutable_content,
	delivery_state,
	COALESCE(title, ''), COALESCE(body, ''), COALESCE(sound, ''),
	COALESCE(badge, ''), COALESCE(click_action, ''), COALESCE(subtitle, ''),
	COALESCE(icon_name, ''), COALESCE(tag, ''), COALESCE(color, ''),
	COALESCE(body_loc_key, ''), COALESCE(body_loc_args, ''),
	COALESCE(title_loc_key, ''), COALESCE(title_loc_args, ''),
	COALESCE(android_channel_id, ''),
	email_enabled, COALESCE(email_title, ''), COALESCE(email_body, ''),
	additional_data, created_at, updated_at`

// MessageRepository provides data access for the notifications and
// data_messages tables. The job executor uses it to re-resolve a message at
// fire time; the cascade path uses it to purge a subject's pending messages.
type MessageRepository struct {
	db DBTX
}

// NewMessageRepository creates a new MessageRepository backed by the given
// database connection (pool or transaction).
func NewMessageRepository(db DBTX) *MessageRepository {
	return &MessageRepository{db: db}
}

// GetNotification loads a notification by (project, subject, id).
func (r *MessageRepository) GetNotification(ctx context.Context, projectID, subjectID string, messageID int64) (*types.Notification, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+notificationColumns+`
		 FROM notifications
		 WHERE project_id = $1 AND subject_id = $2 AND id = $3`,
		projectID, subjectID, messageID,
	)
	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundNotification, "notification not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load notification", err)
	}
	return n, nil
}

// GetDataMessage loads a data message by (project, subject, id).
func (r *MessageRepository) GetDataMessage(ctx context.Context, projectID, subjectID string, messageID int64) (*types.DataMessage, error) {
	var (
		d       types.DataMessage
		dataMap []byte
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, project_id, subject_id, COALESCE(source_id, ''), scheduled_time,
		        ttl_seconds, COALESCE(fcm_message_id, ''), COALESCE(fcm_topic, ''),
		        COALESCE(fcm_condition, ''), COALESCE(priority, ''), mutable_content,
		        delivery_state, data_map, created_at, updated_at
		 FROM data_messages
		 WHERE project_id = $1 AND subject_id = $2 AND id = $3`,
		projectID, subjectID, messageID,
	).Scan(
		&d.ID, &d.ProjectID, &d.SubjectID, &d.SourceID, &d.ScheduledTime,
		&d.TTLSeconds, &d.FCMMessageID, &d.FCMTopic,
		&d.FCMCondition, &d.Priority, &d.MutableContent,
		&d.State, &dataMap, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundDataMessage, "data message not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load data message", err)
	}
	if len(dataMap) > 0 {
		if err := json.Unmarshal(dataMap, &d.DataMap); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "corrupt data_map payload", err)
		}
	}
	return &d, nil
}

// CreateNotification inserts a notification row and returns its generated ID.
func (r *MessageRepository) CreateNotification(ctx context.Context, n *types.Notification) (int64, error) {
	extra, err := json.Marshal(n.AdditionalData)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal additional data", err)
	}

	var id int64
	err = r.db.QueryRow(ctx,
		`INSERT INTO notifications
		 (project_id, subject_id, source_id, scheduled_time, ttl_seconds,
		  fcm_message_id, fcm_topic, fcm_condition, priority, mutable_content,
		  title, body, sound, badge, click_action, subtitle, icon_name, tag, color,
		  body_loc_key, body_loc_args, title_loc_key, title_loc_args,
		  android_channel_id, email_enabled, email_title, email_body, additional_data)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,
		         $20,$21,$22,$23,$24,$25,$26,$27,$28)
		 RETURNING id`,
		n.ProjectID, n.SubjectID, n.SourceID, n.ScheduledTime, n.TTLSeconds,
		n.FCMMessageID, n.FCMTopic, n.FCMCondition, n.Priority, n.MutableContent,
		n.Title, n.Body, n.Sound, n.Badge, n.ClickAction, n.Subtitle, n.IconName, n.Tag, n.Color,
		n.BodyLocKey, n.BodyLocArgs, n.TitleLocKey, n.TitleLocArgs,
		n.AndroidChannelID, n.EmailEnabled, n.EmailTitle, n.EmailBody, extra,
	).Scan(&id)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to create notification", err)
	}
	return id, nil
}

// CreateDataMessage inserts a data message row and returns its generated ID.
func (r *MessageRepository) CreateDataMessage(ctx context.Context, d *types.DataMessage) (int64, error) {
	dataMap, err := json.Marshal(d.DataMap)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal data map", err)
	}

	var id int64
	err = r.db.QueryRow(ctx,
		`INSERT INTO data_messages
		 (project_id, subject_id, source_id, scheduled_time, ttl_seconds,
		  fcm_message_id, fcm_topic, fcm_condition, priority, mutable_content, data_map)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 RETURNING id`,
		d.ProjectID, d.SubjectID, d.SourceID, d.ScheduledTime, d.TTLSeconds,
		d.FCMMessageID, d.FCMTopic, d.FCMCondition, d.Priority, d.MutableContent, dataMap,
	).Scan(&id)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to create data message", err)
	}
	return id, nil
}

// UpdateNotification replaces the mutable fields of an existing notification.
func (r *MessageRepository) UpdateNotification(ctx context.Context, n *types.Notification) error {
	extra, err := json.Marshal(n.AdditionalData)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal additional data", err)
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE notifications
		 SET scheduled_time = $4, ttl_seconds = $5, title = $6, body = $7,
		     sound = $8, email_enabled = $9, email_title = $10, email_body = $11,
		     additional_data = $12, updated_at = NOW()
		 WHERE project_id = $1 AND subject_id = $2 AND id = $3`,
		n.ProjectID, n.SubjectID, n.ID,
		n.ScheduledTime, n.TTLSeconds, n.Title, n.Body,
		n.Sound, n.EmailEnabled, n.EmailTitle, n.EmailBody, extra,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update notification", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundNotification, "notification not found", nil)
	}
	return nil
}

// SetDeliveryState records the outcome of a delivery attempt on the message
// row itself.
func (r *MessageRepository) SetDeliveryState(ctx context.Context, mt types.MessageType, messageID int64, state types.DeliveryState) error {
	table := "notifications"
	if mt == types.MessageTypeData {
		table = "data_messages"
	}
	_, err := r.db.Exec(ctx,
		`UPDATE `+table+` SET delivery_state = $2, updated_at = NOW() WHERE id = $1`,
		messageID,
		string(state),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set delivery state", err)
	}
	return nil
}

// DeletePendingForSubject removes all undelivered messages of one kind for a
// subject. Part of the invalid-target cascade.
func (r *MessageRepository) DeletePendingForSubject(ctx context.Context, mt types.MessageType, projectID, subjectID string) (int64, error) {
	table := "notifications"
	if mt == types.MessageTypeData {
		table = "data_messages"
	}
	tag, err := r.db.Exec(ctx,
		`DELETE FROM `+table+`
		 WHERE project_id = $1 AND subject_id = $2 AND delivery_state = 'pending'`,
		projectID,
		subjectID,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete pending messages", err)
	}
	return tag.RowsAffected(), nil
}

func scanNotification(row pgx.Row) (*types.Notification, error) {
	var (
		n     types.Notification
		extra []byte
	)
	if err := row.Scan(
		&n.ID, &n.ProjectID, &n.SubjectID, &n.SourceID, &n.ScheduledTime,
		&n.TTLSeconds, &n.FCMMessageID, &n.FCMTopic,
		&n.FCMCondition, &n.Priority, &n.MutableContent,
		&n.State,
		&n.Title, &n.Body, &n.Sound,
		&n.Badge, &n.ClickAction, &n.Subtitle,
		&n.IconName, &n.Tag, &n.Color,
		&n.BodyLocKey, &n.BodyLocArgs,
		&n.TitleLocKey, &n.TitleLocArgs,
		&n.AndroidChannelID,
		&n.EmailEnabled, &n.EmailTitle, &n.EmailBody,
		&extra, &n.CreatedAt, &n.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &n.AdditionalData); err != nil {
			return nil, err
		}
	}
	return &n, nil
}
