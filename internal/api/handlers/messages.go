// Package handlers contains the HTTP handler implementations for the
// appserver messaging API: scheduling, updating, cancelling, and
// immediately sending notifications and data messages, plus subject
// registration.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"appserver/internal/core"
	"appserver/internal/types"
)

// maxBatchSize caps the number of messages accepted in one batch request.
const maxBatchSize = 500

// NotificationScheduling is the slice of the notification facade the
// handlers use.
type NotificationScheduling interface {
	Schedule(ctx context.Context, n *types.Notification) error
	ScheduleBatch(ctx context.Context, ns []*types.Notification) (int, error)
	UpdateScheduled(ctx context.Context, n *types.Notification) error
	DeleteScheduled(ctx context.Context, n *types.Notification) error
	SendNow(ctx context.Context, n *types.Notification) error
}

// DataMessageScheduling is the slice of the data-message facade the
// handlers use.
type DataMessageScheduling interface {
	Schedule(ctx context.Context, d *types.DataMessage) error
	ScheduleBatch(ctx context.Context, ds []*types.DataMessage) (int, error)
	DeleteScheduled(ctx context.Context, d *types.DataMessage) error
}

// MessageStore is the slice of the message repository the handlers use.
type MessageStore interface {
	CreateNotification(ctx context.Context, n *types.Notification) (int64, error)
	CreateDataMessage(ctx context.Context, d *types.DataMessage) (int64, error)
	GetNotification(ctx context.Context, projectID, subjectID string, messageID int64) (*types.Notification, error)
	GetDataMessage(ctx context.Context, projectID, subjectID string, messageID int64) (*types.DataMessage, error)
	UpdateNotification(ctx context.Context, n *types.Notification) error
}

// MessageHandler serves the messaging endpoints.
type MessageHandler struct {
	notifications NotificationScheduling
	dataMessages  DataMessageScheduling
	store         MessageStore
	validate      *validator.Validate
	logger        *slog.Logger
}

// MessageHandlerConfig holds the configuration for creating a
// MessageHandler.
type MessageHandlerConfig struct {
	Notifications NotificationScheduling
	DataMessages  DataMessageScheduling
	Store         MessageStore
	Logger        *slog.Logger
}

// NewMessageHandler creates a MessageHandler.
func NewMessageHandler(cfg MessageHandlerConfig) *MessageHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageHandler{
		notifications: cfg.Notifications,
		dataMessages:  cfg.DataMessages,
		store:         cfg.Store,
		validate:      validator.New(),
		logger:        logger,
	}
}

// RegisterRoutes mounts the messaging routes on the v1 router.
func (h *MessageHandler) RegisterRoutes(r chi.Router) {
	r.Route("/projects/{projectID}/users/{subjectID}/messaging", func(r chi.Router) {
		r.Post("/notifications", h.CreateNotification)
		r.Post("/notifications/batch", h.CreateNotificationBatch)
		r.Put("/notifications/{messageID}", h.UpdateNotification)
		r.Delete("/notifications/{messageID}", h.DeleteNotification)
		r.Post("/notifications/{messageID}/send", h.SendNotificationNow)

		r.Post("/data", h.CreateDataMessage)
		r.Post("/data/batch", h.CreateDataMessageBatch)
		r.Delete("/data/{messageID}", h.DeleteDataMessage)
	})
}

// notificationRequest is the create/update DTO for notifications.
type notificationRequest struct {
	Title            string            `json:"title"`
	Body             string            `json:"body"`
	Sound            string            `json:"sound"`
	Badge            string            `json:"badge"`
	ClickAction      string            `json:"clickAction"`
	Subtitle         string            `json:"subtitle"`
	IconName         string            `json:"iconName"`
	Tag              string            `json:"tag"`
	Color            string            `json:"color"`
	BodyLocKey       string            `json:"bodyLocKey"`
	BodyLocArgs      string            `json:"bodyLocArgs"`
	TitleLocKey      string            `json:"titleLocKey"`
	TitleLocArgs     string            `json:"titleLocArgs"`
	AndroidChannelID string            `json:"androidChannelId"`
	Priority         string            `json:"priority" validate:"omitempty,oneof=HIGH NORMAL"`
	MutableContent   bool              `json:"mutableContent"`
	SourceID         string            `json:"sourceId"`
	FCMTopic         string            `json:"fcmTopic"`
	FCMCondition     string            `json:"fcmCondition"`
	ScheduledTime    time.Time         `json:"scheduledTime" validate:"required"`
	TTLSeconds       int               `json:"ttlSeconds" validate:"min=0"`
	EmailEnabled     bool              `json:"emailEnabled"`
	EmailTitle       string            `json:"emailTitle"`
	EmailBody        string            `json:"emailBody"`
	AdditionalData   map[string]string `json:"additionalData"`
}

// dataMessageRequest is the create DTO for data messages.
type dataMessageRequest struct {
	SourceID      string            `json:"sourceId"`
	FCMTopic      string            `json:"fcmTopic"`
	FCMCondition  string            `json:"fcmCondition"`
	Priority      string            `json:"priority" validate:"omitempty,oneof=HIGH NORMAL"`
	ScheduledTime time.Time         `json:"scheduledTime" validate:"required"`
	TTLSeconds    int               `json:"ttlSeconds" validate:"min=0"`
	DataMap       map[string]string `json:"dataMap"`
}

type createResponse struct {
	ID int64 `json:"id"`
}

type batchResponse struct {
	Scheduled int `json:"scheduled"`
	Total     int `json:"total"`
}

func (req *notificationRequest) toNotification(projectID, subjectID string) *types.Notification {
	return &types.Notification{
		MessageBase: types.MessageBase{
			ProjectID:      projectID,
			SubjectID:      subjectID,
			SourceID:       req.SourceID,
			ScheduledTime:  req.ScheduledTime,
			TTLSeconds:     req.TTLSeconds,
			FCMTopic:       req.FCMTopic,
			FCMCondition:   req.FCMCondition,
			Priority:       req.Priority,
			MutableContent: req.MutableContent,
			State:          types.DeliveryStatePending,
		},
		Title:            req.Title,
		Body:             req.Body,
		Sound:            req.Sound,
		Badge:            req.Badge,
		ClickAction:      req.ClickAction,
		Subtitle:         req.Subtitle,
		IconName:         req.IconName,
		Tag:              req.Tag,
		Color:            req.Color,
		BodyLocKey:       req.BodyLocKey,
		BodyLocArgs:      req.BodyLocArgs,
		TitleLocKey:      req.TitleLocKey,
		TitleLocArgs:     req.TitleLocArgs,
		AndroidChannelID: req.AndroidChannelID,
		EmailEnabled:     req.EmailEnabled,
		EmailTitle:       req.EmailTitle,
		EmailBody:        req.EmailBody,
		AdditionalData:   req.AdditionalData,
	}
}

func (req *dataMessageRequest) toDataMessage(projectID, subjectID string) *types.DataMessage {
	return &types.DataMessage{
		MessageBase: types.MessageBase{
			ProjectID:     projectID,
			SubjectID:     subjectID,
			SourceID:      req.SourceID,
			ScheduledTime: req.ScheduledTime,
			TTLSeconds:    req.TTLSeconds,
			FCMTopic:      req.FCMTopic,
			FCMCondition:  req.FCMCondition,
			Priority:      req.Priority,
			State:         types.DeliveryStatePending,
		},
		DataMap: req.DataMap,
	}
}

// pathIdentity extracts the project and subject path parameters.
func pathIdentity(r *http.Request) (projectID, subjectID string) {
	return chi.URLParam(r, "projectID"), chi.URLParam(r, "subjectID")
}

// pathMessageID parses the messageID path parameter.
func pathMessageID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "messageID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, types.NewAppError(types.ErrCodeValidationInvalidParam,
			"message id must be a positive integer", err)
	}
	return id, nil
}

// validateRequest runs struct validation and wraps failures as 400s.
func (h *MessageHandler) validateRequest(req any) error {
	if err := h.validate.Struct(req); err != nil {
		return types.NewAppError(types.ErrCodeValidationMissingField,
			"request validation failed: "+err.Error(), err)
	}
	return nil
}

// CreateNotification persists a notification and schedules its delivery.
func (h *MessageHandler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	projectID, subjectID := pathIdentity(r)

	var req notificationRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validateRequest(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	n := req.toNotification(projectID, subjectID)
	id, err := h.store.CreateNotification(r.Context(), n)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	n.ID = id

	if err := h.notifications.Schedule(r.Context(), n); err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: createResponse{ID: id}})
}

// CreateNotificationBatch persists and schedules many notifications in one
// request. Already-scheduled entries are skipped, not errors.
func (h *MessageHandler) CreateNotificationBatch(w http.ResponseWriter, r *http.Request) {
	projectID, subjectID := pathIdentity(r)

	var reqs []notificationRequest
	if err := core.DecodeJSON(w, r, &reqs); err != nil {
		core.Error(w, r, err)
		return
	}
	if len(reqs) > maxBatchSize {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationBatchSize,
			"batch exceeds maximum size", nil))
		return
	}

	ns := make([]*types.Notification, 0, len(reqs))
	for i := range reqs {
		if err := h.validateRequest(&reqs[i]); err != nil {
			core.Error(w, r, err)
			return
		}
		n := reqs[i].toNotification(projectID, subjectID)
		id, err := h.store.CreateNotification(r.Context(), n)
		if err != nil {
			core.Error(w, r, err)
			return
		}
		n.ID = id
		ns = append(ns, n)
	}

	scheduled, err := h.notifications.ScheduleBatch(r.Context(), ns)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, core.APIResponse{
		Data: batchResponse{Scheduled: scheduled, Total: len(ns)},
	})
}

// UpdateNotification replaces a scheduled notification's content and fire
// time. A pending execution of the old version is superseded.
func (h *MessageHandler) UpdateNotification(w http.ResponseWriter, r *http.Request) {
	projectID, subjectID := pathIdentity(r)
	messageID, err := pathMessageID(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	var req notificationRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validateRequest(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	// The entity must exist before its job can be rescheduled.
	if _, err := h.store.GetNotification(r.Context(), projectID, subjectID, messageID); err != nil {
		core.Error(w, r, err)
		return
	}

	n := req.toNotification(projectID, subjectID)
	n.ID = messageID
	if err := h.store.UpdateNotification(r.Context(), n); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.notifications.UpdateScheduled(r.Context(), n); err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: createResponse{ID: messageID}})
}

// DeleteNotification cancels a scheduled notification. Idempotent: deleting
// an unscheduled message succeeds.
func (h *MessageHandler) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	projectID, subjectID := pathIdentity(r)
	messageID, err := pathMessageID(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	n, err := h.store.GetNotification(r.Context(), projectID, subjectID, messageID)
	if err != nil {
		if types.IsNotFound(err) {
			// Nothing scheduled: the delete is already satisfied.
			w.WriteHeader(http.StatusNoContent)
			return
		}
		core.Error(w, r, err)
		return
	}

	if err := h.notifications.DeleteScheduled(r.Context(), n); err != nil {
		core.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SendNotificationNow runs the delivery fan-out for an existing
// notification immediately, leaving any scheduled job untouched.
func (h *MessageHandler) SendNotificationNow(w http.ResponseWriter, r *http.Request) {
	projectID, subjectID := pathIdentity(r)
	messageID, err := pathMessageID(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	n, err := h.store.GetNotification(r.Context(), projectID, subjectID, messageID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.notifications.SendNow(r.Context(), n); err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: createResponse{ID: messageID}})
}

// CreateDataMessage persists a data message and schedules its delivery.
func (h *MessageHandler) CreateDataMessage(w http.ResponseWriter, r *http.Request) {
	projectID, subjectID := pathIdentity(r)

	var req dataMessageRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validateRequest(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	d := req.toDataMessage(projectID, subjectID)
	id, err := h.store.CreateDataMessage(r.Context(), d)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	d.ID = id

	if err := h.dataMessages.Schedule(r.Context(), d); err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: createResponse{ID: id}})
}

// CreateDataMessageBatch persists and schedules many data messages.
func (h *MessageHandler) CreateDataMessageBatch(w http.ResponseWriter, r *http.Request) {
	projectID, subjectID := pathIdentity(r)

	var reqs []dataMessageRequest
	if err := core.DecodeJSON(w, r, &reqs); err != nil {
		core.Error(w, r, err)
		return
	}
	if len(reqs) > maxBatchSize {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationBatchSize,
			"batch exceeds maximum size", nil))
		return
	}

	ds := make([]*types.DataMessage, 0, len(reqs))
	for i := range reqs {
		if err := h.validateRequest(&reqs[i]); err != nil {
			core.Error(w, r, err)
			return
		}
		d := reqs[i].toDataMessage(projectID, subjectID)
		id, err := h.store.CreateDataMessage(r.Context(), d)
		if err != nil {
			core.Error(w, r, err)
			return
		}
		d.ID = id
		ds = append(ds, d)
	}

	scheduled, err := h.dataMessages.ScheduleBatch(r.Context(), ds)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, core.APIResponse{
		Data: batchResponse{Scheduled: scheduled, Total: len(ds)},
	})
}

// DeleteDataMessage cancels a scheduled data message. Idempotent.
func (h *MessageHandler) DeleteDataMessage(w http.ResponseWriter, r *http.Request) {
	projectID, subjectID := pathIdentity(r)
	messageID, err := pathMessageID(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	d, err := h.store.GetDataMessage(r.Context(), projectID, subjectID, messageID)
	if err != nil {
		if types.IsNotFound(err) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		core.Error(w, r, err)
		return
	}

	if err := h.dataMessages.DeleteScheduled(r.Context(), d); err != nil {
		core.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
