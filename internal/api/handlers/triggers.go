// Package handlers contains the internal notifier API handlers. The web app
// calls the trigger endpoints after the business operation has committed;
// triggers are accepted with 202 and run detached so a notification failure
// can never fail the caller.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"kickoff/internal/core"
	"kickoff/internal/notifications/service"
	"kickoff/internal/types"
)

// TriggerService is the notification surface behind the trigger endpoints.
type TriggerService interface {
	Async(name string, fn func(ctx context.Context) error)
	ScheduleMatchReminders(ctx context.Context, matchID string) (service.ScheduleResult, error)
	NotifyMatchUpdate(ctx context.Context, matchID string, kind types.ChangeKind) error
	NotifyPlayerChange(ctx context.Context, ev service.PlayerChangeEvent) error
	NotifyMatchCancellation(ctx context.Context, matchID, reason string) error
	NotifyNewMatch(ctx context.Context, matchID string) error
}

// QueueReader lists a match's queue entries.
type QueueReader interface {
	ListByMatch(ctx context.Context, matchID string, limit int) ([]*types.QueueEntry, error)
}

// TriggerHandler maps the trigger endpoints onto the notification service.
type TriggerHandler struct {
	service   TriggerService
	queue     QueueReader
	validator *core.Validator
	logger    *slog.Logger
}

// NewTriggerHandler creates a TriggerHandler.
func NewTriggerHandler(svc TriggerService, queue QueueReader, val *core.Validator, logger *slog.Logger) *TriggerHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if val == nil {
		val = core.NewValidator()
	}
	return &TriggerHandler{service: svc, queue: queue, validator: val, logger: logger}
}

// RegisterRoutes mounts the match endpoints.
func (h *TriggerHandler) RegisterRoutes(r chi.Router) {
	r.Route("/matches/{matchID}", func(r chi.Router) {
		r.Post("/reminders", h.ScheduleReminders)
		r.Post("/updates", h.MatchUpdate)
		r.Post("/players", h.PlayerChange)
		r.Post("/cancellation", h.Cancellation)
		r.Post("/announcement", h.NewMatch)
		r.Get("/notifications", h.ListNotifications)
	})
}

type acceptedResponse struct {
	Status  string `json:"status"`
	Trigger string `json:"trigger"`
	MatchID string `json:"match_id"`
}

type updateRequest struct {
	Change types.ChangeKind `json:"change" validate:"required,oneof=time location court capacity general"`
}

type playerRequest struct {
	PlayerID   string             `json:"player_id" validate:"required,max=64"`
	PlayerName string             `json:"player_name" validate:"max=100"`
	Change     types.PlayerChange `json:"change" validate:"required,oneof=joined left"`
}

type cancellationRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// ScheduleReminders handles POST /v1/matches/{matchID}/reminders.
func (h *TriggerHandler) ScheduleReminders(w http.ResponseWriter, r *http.Request) {
	matchID, ok := h.matchID(w, r)
	if !ok {
		return
	}
	h.accept(w, r, "schedule_match_reminders", matchID, func(ctx context.Context) error {
		_, err := h.service.ScheduleMatchReminders(ctx, matchID)
		return err
	})
}

// MatchUpdate handles POST /v1/matches/{matchID}/updates.
func (h *TriggerHandler) MatchUpdate(w http.ResponseWriter, r *http.Request) {
	matchID, ok := h.matchID(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.accept(w, r, "notify_match_update", matchID, func(ctx context.Context) error {
		return h.service.NotifyMatchUpdate(ctx, matchID, req.Change)
	})
}

// PlayerChange handles POST /v1/matches/{matchID}/players.
func (h *TriggerHandler) PlayerChange(w http.ResponseWriter, r *http.Request) {
	matchID, ok := h.matchID(w, r)
	if !ok {
		return
	}
	var req playerRequest
	if !h.decode(w, r, &req) {
		return
	}
	ev := service.PlayerChangeEvent{
		MatchID:    matchID,
		PlayerID:   req.PlayerID,
		PlayerName: req.PlayerName,
		Change:     req.Change,
	}
	h.accept(w, r, "notify_player_change", matchID, func(ctx context.Context) error {
		return h.service.NotifyPlayerChange(ctx, ev)
	})
}

// Cancellation handles POST /v1/matches/{matchID}/cancellation. The body
// with a reason is optional.
func (h *TriggerHandler) Cancellation(w http.ResponseWriter, r *http.Request) {
	matchID, ok := h.matchID(w, r)
	if !ok {
		return
	}
	var req cancellationRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	h.accept(w, r, "notify_match_cancellation", matchID, func(ctx context.Context) error {
		return h.service.NotifyMatchCancellation(ctx, matchID, req.Reason)
	})
}

// NewMatch handles POST /v1/matches/{matchID}/announcement.
func (h *TriggerHandler) NewMatch(w http.ResponseWriter, r *http.Request) {
	matchID, ok := h.matchID(w, r)
	if !ok {
		return
	}
	h.accept(w, r, "notify_new_match", matchID, func(ctx context.Context) error {
		return h.service.NotifyNewMatch(ctx, matchID)
	})
}

// ListNotifications handles GET /v1/matches/{matchID}/notifications.
func (h *TriggerHandler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	matchID, ok := h.matchID(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "limit must be between 1 and 1000", nil))
			return
		}
		limit = n
	}
	entries, err := h.queue.ListByMatch(r.Context(), matchID, limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if entries == nil {
		entries = []*types.QueueEntry{}
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: entries})
}

func (h *TriggerHandler) matchID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "matchID")
	if id == "" || len(id) > 64 {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "match id is invalid", nil))
		return "", false
	}
	return id, true
}

func (h *TriggerHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := core.DecodeJSON(w, r, dst); err != nil {
		core.Error(w, r, err)
		return false
	}
	if err := h.validator.ValidateStruct(dst); err != nil {
		core.Error(w, r, err)
		return false
	}
	return true
}

func (h *TriggerHandler) accept(w http.ResponseWriter, r *http.Request, trigger, matchID string, fn func(ctx context.Context) error) {
	h.service.Async(trigger, fn)
	h.logger.InfoContext(r.Context(), "notification trigger accepted",
		"trigger", trigger,
		"match_id", matchID,
		"request_id", types.GetRequestID(r.Context()),
	)
	core.JSON(w, r, http.StatusAccepted, core.APIResponse{Data: acceptedResponse{
		Status:  "accepted",
		Trigger: trigger,
		MatchID: matchID,
	}})
}
