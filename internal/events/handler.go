// Package events consumes match lifecycle events from RabbitMQ and maps them
// onto the notification triggers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"kickoff/internal/notifications/service"
	"kickoff/internal/types"
)

// Routing keys published by the web app on the match exchange.
const (
	KeyMatchCreated       = "match.created"
	KeyMatchUpdated       = "match.updated"
	KeyMatchCancelled     = "match.cancelled"
	KeyPlayerJoined       = "match.player_joined"
	KeyPlayerLeft         = "match.player_left"
	KeyRemindersRequested = "match.reminders_requested"
)

// BindingKey subscribes the queue to every match event.
const BindingKey = "match.#"

// ErrMalformed marks a message that can never be handled. Such messages are
// dead-lettered instead of requeued.
var ErrMalformed = errors.New("malformed match event")

// Triggers is the notification surface events are mapped onto.
type Triggers interface {
	ScheduleMatchReminders(ctx context.Context, matchID string) (service.ScheduleResult, error)
	NotifyMatchUpdate(ctx context.Context, matchID string, kind types.ChangeKind) error
	NotifyPlayerChange(ctx context.Context, ev service.PlayerChangeEvent) error
	NotifyMatchCancellation(ctx context.Context, matchID, reason string) error
	NotifyNewMatch(ctx context.Context, matchID string) error
}

// MatchEvent is the JSON body of every match event.
type MatchEvent struct {
	MatchID    string           `json:"match_id" validate:"required,max=64"`
	Change     types.ChangeKind `json:"change,omitempty"`
	PlayerID   string           `json:"player_id,omitempty" validate:"required_if=Player true"`
	PlayerName string           `json:"player_name,omitempty"`
	Reason     string           `json:"reason,omitempty" validate:"max=500"`

	// Player is set from the routing key, never from the payload.
	Player bool `json:"-"`
}

var eventValidator = validator.New()

// Handler dispatches decoded events to the triggers.
type Handler struct {
	triggers Triggers
}

// NewHandler creates a Handler.
func NewHandler(t Triggers) *Handler {
	return &Handler{triggers: t}
}

// Handle decodes body and runs the trigger named by routingKey. Decoding and
// validation failures wrap ErrMalformed.
func (h *Handler) Handle(ctx context.Context, routingKey string, body []byte) error {
	var ev MatchEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, routingKey, err)
	}
	ev.Player = routingKey == KeyPlayerJoined || routingKey == KeyPlayerLeft
	if err := eventValidator.Struct(ev); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, routingKey, err)
	}

	switch routingKey {
	case KeyMatchCreated:
		// Reminders are planned even when the announcement fails.
		notifyErr := h.triggers.NotifyNewMatch(ctx, ev.MatchID)
		_, scheduleErr := h.triggers.ScheduleMatchReminders(ctx, ev.MatchID)
		return errors.Join(notifyErr, scheduleErr)
	case KeyRemindersRequested:
		_, err := h.triggers.ScheduleMatchReminders(ctx, ev.MatchID)
		return err
	case KeyMatchUpdated:
		return h.triggers.NotifyMatchUpdate(ctx, ev.MatchID, ev.Change)
	case KeyMatchCancelled:
		return h.triggers.NotifyMatchCancellation(ctx, ev.MatchID, ev.Reason)
	case KeyPlayerJoined, KeyPlayerLeft:
		change := types.PlayerJoined
		if routingKey == KeyPlayerLeft {
			change = types.PlayerLeft
		}
		err := h.triggers.NotifyPlayerChange(ctx, service.PlayerChangeEvent{
			MatchID:    ev.MatchID,
			PlayerID:   ev.PlayerID,
			PlayerName: ev.PlayerName,
			Change:     change,
		})
		if change == types.PlayerLeft {
			return err
		}
		// The new player needs their own reminders whether or not the
		// roster notice went out.
		_, scheduleErr := h.triggers.ScheduleMatchReminders(ctx, ev.MatchID)
		return errors.Join(err, scheduleErr)
	default:
		return fmt.Errorf("%w: unknown routing key %q", ErrMalformed, routingKey)
	}
}
