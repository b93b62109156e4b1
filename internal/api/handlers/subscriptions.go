package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"kickoff/internal/core"
	"kickoff/internal/types"
)

// SubscriptionStore persists push subscriptions.
type SubscriptionStore interface {
	Subscribe(ctx context.Context, t *types.DeliveryTarget) error
	Unsubscribe(ctx context.Context, recipientID, endpoint string, at time.Time) error
}

// EndpointChecker rejects Web Push endpoints that are not real push services.
type EndpointChecker interface {
	ValidateWebPush(ctx context.Context, endpoint string) error
}

// SubscriptionHandler registers and removes a user's push subscriptions for
// the deployment's transport.
type SubscriptionHandler struct {
	store     SubscriptionStore
	endpoints EndpointChecker
	transport types.Transport
	validator *core.Validator
	clock     types.Clock
	logger    *slog.Logger
}

// NewSubscriptionHandler creates a SubscriptionHandler.
func NewSubscriptionHandler(store SubscriptionStore, endpoints EndpointChecker, transport types.Transport, clock types.Clock, logger *slog.Logger) *SubscriptionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &SubscriptionHandler{
		store:     store,
		endpoints: endpoints,
		transport: transport,
		validator: core.NewValidator(),
		clock:     clock,
		logger:    logger,
	}
}

// RegisterRoutes mounts the subscription endpoints.
func (h *SubscriptionHandler) RegisterRoutes(r chi.Router) {
	r.Post("/users/{userID}/push-subscriptions", h.Subscribe)
	r.Delete("/users/{userID}/push-subscriptions", h.Unsubscribe)
}

// subscribeRequest follows the browser PushSubscription JSON shape. For FCM
// deployments Endpoint carries the registration token and Keys is unused.
type subscribeRequest struct {
	Endpoint string `json:"endpoint" validate:"required,max=2048"`
	Keys     struct {
		P256DH string `json:"p256dh" validate:"max=256"`
		Auth   string `json:"auth" validate:"max=256"`
	} `json:"keys"`
	ExpirationTime *int64 `json:"expirationTime,omitempty"`
	UserAgent      string `json:"user_agent" validate:"max=512"`
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint" validate:"required,max=2048"`
}

// Subscribe handles POST /v1/users/{userID}/push-subscriptions.
func (h *SubscriptionHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	var req subscribeRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.Error(w, r, err)
		return
	}
	if h.transport == types.TransportWebPush {
		if req.Keys.P256DH == "" || req.Keys.Auth == "" {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationSubscription, "web push subscriptions need p256dh and auth keys", nil))
			return
		}
		if err := h.endpoints.ValidateWebPush(r.Context(), req.Endpoint); err != nil {
			core.Error(w, r, err)
			return
		}
	}

	target := &types.DeliveryTarget{
		RecipientID: userID,
		Transport:   h.transport,
		Endpoint:    req.Endpoint,
		P256DH:      req.Keys.P256DH,
		Auth:        types.SecretString(req.Keys.Auth),
		UserAgent:   req.UserAgent,
		CreatedAt:   h.clock.Now(),
	}
	if err := h.store.Subscribe(r.Context(), target); err != nil {
		core.Error(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "push subscription registered",
		"user_id", userID, "target_id", target.ID, "transport", string(h.transport))
	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: target})
}

// Unsubscribe handles DELETE /v1/users/{userID}/push-subscriptions.
func (h *SubscriptionHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	var req unsubscribeRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.store.Unsubscribe(r.Context(), userID, req.Endpoint, h.clock.Now()); err != nil {
		core.Error(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "push subscription removed", "user_id", userID)
	w.WriteHeader(http.StatusNoContent)
}
