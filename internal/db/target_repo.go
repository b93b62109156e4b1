package db

import (
	"context"
	"time"

	"kickoff/internal/types"
)

// TargetRepository manages push subscriptions (delivery targets). Targets are
// deactivated, never deleted, so the history of dead endpoints is kept.
type TargetRepository struct {
	db DBTX
}

// NewTargetRepository creates a TargetRepository.
func NewTargetRepository(db DBTX) *TargetRepository {
	return &TargetRepository{db: db}
}

// Subscribe registers t. Re-subscribing a known endpoint reactivates it and
// refreshes its keys and owner.
func (r *TargetRepository) Subscribe(ctx context.Context, t *types.DeliveryTarget) error {
	row := r.db.QueryRow(ctx,
		`INSERT INTO push_subscriptions
		 (id, recipient_id, transport, endpoint, p256dh, auth, user_agent, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8)
		 ON CONFLICT (endpoint) DO UPDATE SET
		   recipient_id = EXCLUDED.recipient_id,
		   transport = EXCLUDED.transport,
		   p256dh = EXCLUDED.p256dh,
		   auth = EXCLUDED.auth,
		   user_agent = EXCLUDED.user_agent,
		   active = TRUE,
		   deactivated_at = NULL,
		   deactivation_reason = NULL
		 RETURNING id, created_at`,
		t.ID,
		t.RecipientID,
		string(t.Transport),
		t.Endpoint,
		nilIfEmpty(t.P256DH),
		nilIfEmpty(t.Auth.Unmask()),
		nilIfEmpty(t.UserAgent),
		t.CreatedAt,
	)
	if err := row.Scan(&t.ID, &t.CreatedAt); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save push subscription", err)
	}
	t.Active = true
	t.DeactivatedAt = nil
	t.DeactivationReason = ""
	return nil
}

// Unsubscribe deactivates the recipient's subscription for endpoint.
func (r *TargetRepository) Unsubscribe(ctx context.Context, recipientID, endpoint string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE push_subscriptions
		 SET active = FALSE, deactivated_at = $3, deactivation_reason = $4
		 WHERE recipient_id = $1 AND endpoint = $2 AND active`,
		recipientID, endpoint, at, types.ReasonUnsubscribed,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to unsubscribe", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundTarget, "no active subscription for endpoint", nil)
	}
	return nil
}

// ListActiveByRecipient returns the recipient's active targets of one
// transport, oldest first.
func (r *TargetRepository) ListActiveByRecipient(ctx context.Context, recipientID string, transport types.Transport) ([]*types.DeliveryTarget, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, recipient_id, transport, endpoint, p256dh, auth, user_agent,
		        active, last_used, created_at
		 FROM push_subscriptions
		 WHERE recipient_id = $1 AND transport = $2 AND active
		 ORDER BY created_at ASC`,
		recipientID, string(transport),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list push subscriptions", err)
	}
	defer rows.Close()

	var targets []*types.DeliveryTarget
	for rows.Next() {
		var (
			t                   types.DeliveryTarget
			transportName       string
			p256dh, auth, agent *string
		)
		if err := rows.Scan(&t.ID, &t.RecipientID, &transportName, &t.Endpoint, &p256dh, &auth, &agent,
			&t.Active, &t.LastUsed, &t.CreatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan push subscription", err)
		}
		t.Transport = types.Transport(transportName)
		t.P256DH = derefString(p256dh)
		t.Auth = types.SecretString(derefString(auth))
		t.UserAgent = derefString(agent)
		targets = append(targets, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating push subscriptions", err)
	}
	return targets, nil
}

// Deactivate marks a target inactive after the transport reported it gone.
// Deactivating an already inactive target is a no-op.
func (r *TargetRepository) Deactivate(ctx context.Context, id, reason string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE push_subscriptions
		 SET active = FALSE, deactivated_at = $3, deactivation_reason = $2
		 WHERE id = $1 AND active`,
		id, reason, at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to deactivate push subscription", err)
	}
	return nil
}

// TouchLastUsed records a successful delivery to the target.
func (r *TargetRepository) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE push_subscriptions SET last_used = $2 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update push subscription last_used", err)
	}
	return nil
}
