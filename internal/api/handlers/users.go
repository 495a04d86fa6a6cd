package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"appserver/internal/core"
	"appserver/internal/types"
)

// UserStore is the slice of the user repository the handler uses.
type UserStore interface {
	Get(ctx context.Context, projectID, subjectID string) (*types.User, error)
	Upsert(ctx context.Context, u *types.User) error
}

// UserHandler serves subject registration: the study app posts its FCM
// token (and optional contact details) so deliveries can reach the device.
type UserHandler struct {
	users    UserStore
	validate *validator.Validate
	logger   *slog.Logger
}

// NewUserHandler creates a UserHandler.
func NewUserHandler(users UserStore, logger *slog.Logger) *UserHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserHandler{
		users:    users,
		validate: validator.New(),
		logger:   logger,
	}
}

// RegisterRoutes mounts the user routes on the v1 router.
func (h *UserHandler) RegisterRoutes(r chi.Router) {
	r.Route("/projects/{projectID}/users/{subjectID}", func(r chi.Router) {
		r.Put("/", h.UpsertUser)
		r.Get("/", h.GetUser)
	})
}

// userRequest is the registration DTO.
type userRequest struct {
	FCMToken string `json:"fcmToken" validate:"required"`
	Email    string `json:"email" validate:"omitempty,email"`
	Language string `json:"language"`
	Timezone string `json:"timezone"`
}

// userResponse mirrors the stored user without exposing the raw token.
type userResponse struct {
	ProjectID   string `json:"projectId"`
	SubjectID   string `json:"subjectId"`
	HasFCMToken bool   `json:"hasFcmToken"`
	Email       string `json:"email,omitempty"`
	Language    string `json:"language,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
}

// UpsertUser registers or refreshes the subject's delivery identity.
func (h *UserHandler) UpsertUser(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	subjectID := chi.URLParam(r, "subjectID")

	var req userRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		code := types.ErrCodeValidationMissingField
		if req.Email != "" {
			code = types.ErrCodeValidationInvalidEmail
		}
		core.Error(w, r, types.NewAppError(code, "request validation failed: "+err.Error(), err))
		return
	}

	u := &types.User{
		ProjectID: projectID,
		SubjectID: subjectID,
		FCMToken:  req.FCMToken,
		Email:     req.Email,
		Language:  req.Language,
		Timezone:  req.Timezone,
	}
	if err := h.users.Upsert(r.Context(), u); err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: toUserResponse(u)})
}

// GetUser returns the subject's registration state.
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	subjectID := chi.URLParam(r, "subjectID")

	u, err := h.users.Get(r.Context(), projectID, subjectID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: toUserResponse(u)})
}

func toUserResponse(u *types.User) userResponse {
	return userResponse{
		ProjectID:   u.ProjectID,
		SubjectID:   u.SubjectID,
		HasFCMToken: u.FCMToken != "",
		Email:       u.Email,
		Language:    u.Language,
		Timezone:    u.Timezone,
	}
}
