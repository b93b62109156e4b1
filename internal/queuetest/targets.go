package queuetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"kickoff/internal/types"
)

// Targets is an in-memory delivery target registry.
type Targets struct {
	mu      sync.Mutex
	targets map[string]*types.DeliveryTarget
}

// NewTargets creates a registry seeded with targets.
func NewTargets(targets ...*types.DeliveryTarget) *Targets {
	t := &Targets{targets: map[string]*types.DeliveryTarget{}}
	for _, target := range targets {
		c := *target
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		t.targets[c.ID] = &c
	}
	return t
}

// Subscribe mirrors TargetRepository.Subscribe: an existing endpoint is
// reactivated and reassigned.
func (t *Targets) Subscribe(_ context.Context, target *types.DeliveryTarget) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, cur := range t.targets {
		if cur.Endpoint == target.Endpoint {
			cur.RecipientID = target.RecipientID
			cur.Transport = target.Transport
			cur.P256DH, cur.Auth, cur.UserAgent = target.P256DH, target.Auth, target.UserAgent
			cur.Active = true
			cur.DeactivatedAt, cur.DeactivationReason = nil, ""
			target.ID, target.CreatedAt, target.Active = cur.ID, cur.CreatedAt, true
			return nil
		}
	}
	if target.ID == "" {
		target.ID = uuid.NewString()
	}
	target.Active = true
	c := *target
	t.targets[c.ID] = &c
	return nil
}

// Unsubscribe mirrors TargetRepository.Unsubscribe.
func (t *Targets) Unsubscribe(_ context.Context, recipientID, endpoint string, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, cur := range t.targets {
		if cur.RecipientID == recipientID && cur.Endpoint == endpoint && cur.Active {
			deactivate(cur, types.ReasonUnsubscribed, at)
			return nil
		}
	}
	return types.NewAppError(types.ErrCodeNotFoundTarget, "push subscription not found", nil)
}

// ListActiveByRecipient mirrors TargetRepository.ListActiveByRecipient.
func (t *Targets) ListActiveByRecipient(_ context.Context, recipientID string, transport types.Transport) ([]*types.DeliveryTarget, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*types.DeliveryTarget
	for _, cur := range t.targets {
		if cur.RecipientID == recipientID && cur.Transport == transport && cur.Active {
			c := *cur
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Deactivate mirrors TargetRepository.Deactivate.
func (t *Targets) Deactivate(_ context.Context, id, reason string, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.targets[id]; ok && cur.Active {
		deactivate(cur, reason, at)
	}
	return nil
}

// TouchLastUsed mirrors TargetRepository.TouchLastUsed.
func (t *Targets) TouchLastUsed(_ context.Context, id string, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.targets[id]; ok {
		used := at
		cur.LastUsed = &used
	}
	return nil
}

// Get returns a snapshot of one target.
func (t *Targets) Get(id string) (*types.DeliveryTarget, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.targets[id]
	if !ok {
		return nil, false
	}
	c := *cur
	return &c, true
}

func deactivate(target *types.DeliveryTarget, reason string, at time.Time) {
	deactivatedAt := at
	target.Active = false
	target.DeactivatedAt = &deactivatedAt
	target.DeactivationReason = reason
}
