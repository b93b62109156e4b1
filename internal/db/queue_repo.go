package db

import (
	"context"
	"fmt"
	"sort"
	"time"

	"kickoff/internal/types"
)

// UpsertResult reports what Upsert did with an entry.
type UpsertResult int

const (
	// UpsertInserted means a new pending row was created.
	UpsertInserted UpsertResult = iota
	// UpsertRefreshed means a pending row with the same dedup key was updated
	// in place (new schedule or content).
	UpsertRefreshed
	// UpsertTerminal means the dedup key was already sent or cancelled with
	// its match, so nothing was written.
	UpsertTerminal
)

// FailureOutcome is the entry state after RecordFailure.
type FailureOutcome struct {
	RetryCount int
	Terminal   bool
}

// QueueRepository is the durable notification queue. Every state transition
// is a conditional UPDATE so concurrent processors and cancellations cannot
// overwrite each other.
type QueueRepository struct {
	db DBTX
}

// NewQueueRepository creates a QueueRepository.
func NewQueueRepository(db DBTX) *QueueRepository {
	return &QueueRepository{db: db}
}

const queueColumns = `id, recipient_id, match_id, type, title, body, image_url, tag,
	actions, data, dedup_key, scheduled_for, next_attempt_at, sent_at, failed_at,
	failure_reason, retry_count, max_retries, priority, claimed_by, claim_expires_at, created_at`

// claimedColumns is queueColumns qualified for the UPDATE ... FROM in ClaimDue.
const claimedColumns = `q.id, q.recipient_id, q.match_id, q.type, q.title, q.body, q.image_url, q.tag,
	q.actions, q.data, q.dedup_key, q.scheduled_for, q.next_attempt_at, q.sent_at, q.failed_at,
	q.failure_reason, q.retry_count, q.max_retries, q.priority, q.claimed_by, q.claim_expires_at, q.created_at`

// Upsert inserts e or, when a pending row with the same dedup key exists,
// refreshes its schedule and content. A key that was already sent or
// cancelled with its match is never scheduled again. A key retired for any
// other reason gets a fresh pending row, so a player who rejoins or a match
// moved back to its old time is reminded again.
func (r *QueueRepository) Upsert(ctx context.Context, e *types.QueueEntry) (UpsertResult, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO notification_queue
		 (id, recipient_id, match_id, type, title, body, image_url, tag, actions, data,
		  dedup_key, scheduled_for, next_attempt_at, failure_reason, retry_count,
		  max_retries, priority, created_at)
		 SELECT $1::uuid, $2::text, $3::text, $4::text, $5::text, $6::text, $7::text, $8::text,
		        $9::jsonb, $10::jsonb, $11::text, $12::timestamptz, $13::timestamptz, $14::text,
		        $15::integer, $16::integer, $17::smallint, $18::timestamptz
		 WHERE NOT EXISTS (
		   SELECT 1 FROM notification_queue done
		   WHERE done.dedup_key = $11::text
		     AND (done.sent_at IS NOT NULL OR done.failure_reason = '` + types.ReasonCancelled + `')
		 )
		 ON CONFLICT (dedup_key) WHERE sent_at IS NULL AND failed_at IS NULL DO UPDATE SET
		   title = EXCLUDED.title,
		   body = EXCLUDED.body,
		   image_url = EXCLUDED.image_url,
		   tag = EXCLUDED.tag,
		   actions = EXCLUDED.actions,
		   data = EXCLUDED.data,
		   scheduled_for = EXCLUDED.scheduled_for,
		   priority = EXCLUDED.priority
		 RETURNING id, created_at, (xmax = 0) AS inserted`,
		e.ID,
		e.RecipientID,
		nilIfEmpty(e.MatchID),
		string(e.Type),
		e.Title,
		e.Body,
		nilIfEmpty(e.ImageURL),
		nilIfEmpty(e.Tag),
		e.Actions,
		e.Data,
		e.DedupKey,
		e.ScheduledFor,
		e.NextAttemptAt,
		nilIfEmpty(e.FailureReason),
		e.RetryCount,
		e.MaxRetries,
		e.Priority.Rank(),
		e.CreatedAt,
	)

	var inserted bool
	if err := row.Scan(&e.ID, &e.CreatedAt, &inserted); err != nil {
		if isNoRows(err) {
			return UpsertTerminal, nil
		}
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert queue entry", err)
	}
	if inserted {
		return UpsertInserted, nil
	}
	return UpsertRefreshed, nil
}

// ClaimDue atomically claims up to limit due entries for claimToken until
// leaseUntil. Rows locked by another claimer are skipped, and rows under a
// live claim are not eligible, so two processors never hold the same entry.
// The result is ordered priority DESC, scheduled_for ASC.
func (r *QueueRepository) ClaimDue(ctx context.Context, now time.Time, limit int, claimToken string, leaseUntil time.Time) ([]*types.QueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx,
		`WITH due AS (
		   SELECT id FROM notification_queue
		   WHERE sent_at IS NULL
		     AND failed_at IS NULL
		     AND scheduled_for <= $1
		     AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		     AND retry_count < max_retries
		     AND (claim_expires_at IS NULL OR claim_expires_at <= $1)
		   ORDER BY priority DESC, scheduled_for ASC
		   LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 UPDATE notification_queue q
		 SET claimed_by = $3, claim_expires_at = $4
		 FROM due
		 WHERE q.id = due.id
		 RETURNING `+claimedColumns,
		now, limit, claimToken, leaseUntil,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to claim due queue entries", err)
	}
	defer rows.Close()

	var entries []*types.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan queue entry", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating claimed entries", err)
	}

	// UPDATE ... RETURNING does not preserve the CTE order.
	sort.SliceStable(entries, func(i, j int) bool {
		pi, pj := entries[i].Priority.Rank(), entries[j].Priority.Rank()
		if pi != pj {
			return pi > pj
		}
		return entries[i].ScheduledFor.Before(entries[j].ScheduledFor)
	})
	return entries, nil
}

// MarkSent records a successful delivery. It returns false when the entry is
// no longer held by claimToken or is already terminal.
func (r *QueueRepository) MarkSent(ctx context.Context, id, claimToken string, sentAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE notification_queue
		 SET sent_at = $3, next_attempt_at = NULL, claimed_by = NULL, claim_expires_at = NULL
		 WHERE id = $1 AND claimed_by = $2 AND sent_at IS NULL AND failed_at IS NULL`,
		id, claimToken, sentAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark queue entry sent", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordFailure counts one failed attempt. When the incremented retry count
// reaches max_retries the entry becomes terminal with failed_at = at;
// otherwise it stays pending until nextAttempt (nil means the next poll).
// applied is false when the claim was lost or the entry is already terminal.
func (r *QueueRepository) RecordFailure(ctx context.Context, id, claimToken, reason string, at time.Time, nextAttempt *time.Time) (FailureOutcome, bool, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE notification_queue
		 SET retry_count = retry_count + 1,
		     failure_reason = $3,
		     failed_at = CASE WHEN retry_count + 1 >= max_retries THEN $4::timestamptz ELSE NULL END,
		     next_attempt_at = CASE WHEN retry_count + 1 >= max_retries THEN NULL ELSE $5::timestamptz END,
		     claimed_by = NULL,
		     claim_expires_at = NULL
		 WHERE id = $1 AND claimed_by = $2 AND sent_at IS NULL AND failed_at IS NULL
		 RETURNING retry_count, failed_at IS NOT NULL`,
		id, claimToken, reason, at, nextAttempt,
	)

	var out FailureOutcome
	if err := row.Scan(&out.RetryCount, &out.Terminal); err != nil {
		if isNoRows(err) {
			return FailureOutcome{}, false, nil
		}
		return FailureOutcome{}, false, types.NewAppError(types.ErrCodeInternalDB, "failed to record queue entry failure", err)
	}
	return out, true, nil
}

// CancelPendingByMatch marks every pending entry of a match as failed with
// reason, regardless of recipient. Entries of the excluded types are kept.
// Sent and already-failed entries are untouched.
func (r *QueueRepository) CancelPendingByMatch(ctx context.Context, matchID, reason string, at time.Time, exclude ...types.NotificationType) (int64, error) {
	excluded := make([]string, 0, len(exclude))
	for _, t := range exclude {
		excluded = append(excluded, string(t))
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE notification_queue
		 SET failed_at = $3, failure_reason = $2, claimed_by = NULL, claim_expires_at = NULL
		 WHERE match_id = $1
		   AND sent_at IS NULL AND failed_at IS NULL
		   AND NOT (type = ANY($4))`,
		matchID, reason, at, excluded,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to cancel pending entries for match", err)
	}
	return tag.RowsAffected(), nil
}

// CancelPendingForRecipient retires one recipient's pending entries of type t
// for a match.
func (r *QueueRepository) CancelPendingForRecipient(ctx context.Context, matchID, recipientID string, t types.NotificationType, reason string, at time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE notification_queue
		 SET failed_at = $5, failure_reason = $4, claimed_by = NULL, claim_expires_at = NULL
		 WHERE match_id = $1 AND recipient_id = $2 AND type = $3
		   AND sent_at IS NULL AND failed_at IS NULL`,
		matchID, recipientID, string(t), reason, at,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to cancel pending entries for recipient", err)
	}
	return tag.RowsAffected(), nil
}

// RetireByDedupKeys fails the pending entries with the given natural keys.
func (r *QueueRepository) RetireByDedupKeys(ctx context.Context, keys []string, reason string, at time.Time) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE notification_queue
		 SET failed_at = $3, failure_reason = $2, claimed_by = NULL, claim_expires_at = NULL
		 WHERE dedup_key = ANY($1) AND sent_at IS NULL AND failed_at IS NULL`,
		keys, reason, at,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to retire queue entries", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteSentBefore removes up to limit entries sent before cutoff and
// returns how many were deleted. Pending and failed entries are kept.
func (r *QueueRepository) DeleteSentBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM notification_queue
		 WHERE id IN (
		   SELECT id FROM notification_queue
		   WHERE sent_at IS NOT NULL AND sent_at < $1
		   LIMIT $2
		 )`,
		cutoff, limit,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete sent queue entries", err)
	}
	return tag.RowsAffected(), nil
}

// ListByMatch returns every entry of a match, newest schedule last. It backs
// the operator endpoint that explains what happened to a match's
// notifications.
func (r *QueueRepository) ListByMatch(ctx context.Context, matchID string, limit int) ([]*types.QueueEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+queueColumns+`
		 FROM notification_queue
		 WHERE match_id = $1
		 ORDER BY scheduled_for ASC, id ASC
		 LIMIT $2`,
		matchID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list queue entries", err)
	}
	defer rows.Close()

	var entries []*types.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan queue entry", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating queue entries", err)
	}
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueEntry(row rowScanner) (*types.QueueEntry, error) {
	var (
		e                                     types.QueueEntry
		matchID, imageURL, tag, reason, claim *string
		typ                                   string
		priority                              int
	)
	err := row.Scan(
		&e.ID,
		&e.RecipientID,
		&matchID,
		&typ,
		&e.Title,
		&e.Body,
		&imageURL,
		&tag,
		&e.Actions,
		&e.Data,
		&e.DedupKey,
		&e.ScheduledFor,
		&e.NextAttemptAt,
		&e.SentAt,
		&e.FailedAt,
		&reason,
		&e.RetryCount,
		&e.MaxRetries,
		&priority,
		&claim,
		&e.ClaimExpiresAt,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.MatchID = derefString(matchID)
	e.Type = types.NotificationType(typ)
	e.ImageURL = derefString(imageURL)
	e.Tag = derefString(tag)
	e.FailureReason = derefString(reason)
	e.ClaimedBy = derefString(claim)
	e.Priority = types.PriorityFromRank(priority)
	return &e, nil
}

// String implements fmt.Stringer for logging.
func (u UpsertResult) String() string {
	switch u {
	case UpsertInserted:
		return "inserted"
	case UpsertRefreshed:
		return "refreshed"
	case UpsertTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("UpsertResult(%d)", int(u))
	}
}
