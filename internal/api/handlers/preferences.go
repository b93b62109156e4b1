package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"kickoff/internal/core"
	"kickoff/internal/types"
)

// PreferenceService reads and writes notification preferences.
type PreferenceService interface {
	Get(ctx context.Context, userID string) (types.NotificationPreference, error)
	Update(ctx context.Context, p types.NotificationPreference) (types.NotificationPreference, error)
}

// PreferenceHandler serves a user's notification settings. Validation is
// synchronous: an invalid update is rejected with 400 and nothing is stored.
type PreferenceHandler struct {
	service PreferenceService
	logger  *slog.Logger
}

// NewPreferenceHandler creates a PreferenceHandler.
func NewPreferenceHandler(svc PreferenceService, logger *slog.Logger) *PreferenceHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PreferenceHandler{service: svc, logger: logger}
}

// RegisterRoutes mounts the preference endpoints.
func (h *PreferenceHandler) RegisterRoutes(r chi.Router) {
	r.Get("/users/{userID}/preferences", h.Get)
	r.Put("/users/{userID}/preferences", h.Put)
}

// Get handles GET /v1/users/{userID}/preferences. A user without stored
// settings receives the defaults.
func (h *PreferenceHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	p, err := h.service.Get(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: p})
}

// Put handles PUT /v1/users/{userID}/preferences. The body replaces the
// whole preference; the path decides whose it is.
func (h *PreferenceHandler) Put(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	var p types.NotificationPreference
	if err := core.DecodeJSON(w, r, &p); err != nil {
		core.Error(w, r, err)
		return
	}
	if p.UserID != "" && p.UserID != userID {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationPreferences, "user_id does not match the path", nil))
		return
	}
	p.UserID = userID

	saved, err := h.service.Update(r.Context(), p)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "notification preferences updated", "user_id", userID)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: saved})
}

func userIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "userID")
	if id == "" || len(id) > 64 {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "user id is invalid", nil))
		return "", false
	}
	return id, true
}
