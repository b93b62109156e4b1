// Package queuetest provides in-memory queue and delivery target stores with
// the same claim and conditional-update semantics as the PostgreSQL
// repositories. Tests across the scheduler, service and API packages share it.
package queuetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"kickoff/internal/db"
	"kickoff/internal/types"
)

// Queue is an in-memory notification queue.
type Queue struct {
	mu      sync.Mutex
	entries map[string]*types.QueueEntry
	byKey   map[string]string

	// Err, when set, is returned by every method.
	Err error
}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{
		entries: map[string]*types.QueueEntry{},
		byKey:   map[string]string{},
	}
}

func clone(e *types.QueueEntry) *types.QueueEntry {
	c := *e
	c.Actions = append(types.ActionList(nil), e.Actions...)
	if e.Data != nil {
		c.Data = make(types.NotificationData, len(e.Data))
		for k, v := range e.Data {
			c.Data[k] = v
		}
	}
	return &c
}

func pending(e *types.QueueEntry) bool {
	return e.SentAt == nil && e.FailedAt == nil
}

// Upsert mirrors QueueRepository.Upsert.
func (q *Queue) Upsert(_ context.Context, e *types.QueueEntry) (db.UpsertResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return 0, q.Err
	}
	if id, ok := q.byKey[e.DedupKey]; ok && pending(q.entries[id]) {
		cur := q.entries[id]
		cur.Title, cur.Body, cur.ImageURL, cur.Tag = e.Title, e.Body, e.ImageURL, e.Tag
		cur.Actions, cur.Data = e.Actions, e.Data
		cur.ScheduledFor = e.ScheduledFor
		cur.Priority = e.Priority
		e.ID, e.CreatedAt = cur.ID, cur.CreatedAt
		return db.UpsertRefreshed, nil
	}
	if q.final(e.DedupKey) {
		return db.UpsertTerminal, nil
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	q.entries[e.ID] = clone(e)
	q.byKey[e.DedupKey] = e.ID
	return db.UpsertInserted, nil
}

// final reports whether key was already sent or cancelled with its match.
func (q *Queue) final(key string) bool {
	for _, e := range q.entries {
		if e.DedupKey == key && (e.SentAt != nil || e.FailureReason == types.ReasonCancelled) {
			return true
		}
	}
	return false
}

// ClaimDue mirrors QueueRepository.ClaimDue.
func (q *Queue) ClaimDue(_ context.Context, now time.Time, limit int, claimToken string, leaseUntil time.Time) ([]*types.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return nil, q.Err
	}
	if limit <= 0 {
		limit = 100
	}
	var due []*types.QueueEntry
	for _, e := range q.entries {
		if !e.Due(now) {
			continue
		}
		if e.ClaimedBy != "" && e.ClaimExpiresAt != nil && e.ClaimExpiresAt.After(now) {
			continue
		}
		due = append(due, e)
	}
	sortClaimOrder(due)
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]*types.QueueEntry, 0, len(due))
	for _, e := range due {
		lease := leaseUntil
		e.ClaimedBy = claimToken
		e.ClaimExpiresAt = &lease
		out = append(out, clone(e))
	}
	return out, nil
}

func sortClaimOrder(entries []*types.QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if ri, rj := entries[i].Priority.Rank(), entries[j].Priority.Rank(); ri != rj {
			return ri > rj
		}
		if !entries[i].ScheduledFor.Equal(entries[j].ScheduledFor) {
			return entries[i].ScheduledFor.Before(entries[j].ScheduledFor)
		}
		return entries[i].ID < entries[j].ID
	})
}

func (q *Queue) held(id, claimToken string) (*types.QueueEntry, bool) {
	e, ok := q.entries[id]
	if !ok || e.ClaimedBy != claimToken || !pending(e) {
		return nil, false
	}
	return e, true
}

// MarkSent mirrors QueueRepository.MarkSent.
func (q *Queue) MarkSent(_ context.Context, id, claimToken string, sentAt time.Time) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return false, q.Err
	}
	e, ok := q.held(id, claimToken)
	if !ok {
		return false, nil
	}
	at := sentAt
	e.SentAt = &at
	e.NextAttemptAt = nil
	e.ClaimedBy, e.ClaimExpiresAt = "", nil
	return true, nil
}

// RecordFailure mirrors QueueRepository.RecordFailure.
func (q *Queue) RecordFailure(_ context.Context, id, claimToken, reason string, at time.Time, nextAttempt *time.Time) (db.FailureOutcome, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return db.FailureOutcome{}, false, q.Err
	}
	e, ok := q.held(id, claimToken)
	if !ok {
		return db.FailureOutcome{}, false, nil
	}
	e.RetryCount++
	e.FailureReason = reason
	e.ClaimedBy, e.ClaimExpiresAt = "", nil
	if e.RetryCount >= e.MaxRetries {
		failedAt := at
		e.FailedAt = &failedAt
		e.NextAttemptAt = nil
	} else {
		e.NextAttemptAt = nextAttempt
	}
	return db.FailureOutcome{RetryCount: e.RetryCount, Terminal: e.FailedAt != nil}, true, nil
}

func (q *Queue) fail(e *types.QueueEntry, reason string, at time.Time) {
	failedAt := at
	e.FailedAt = &failedAt
	e.FailureReason = reason
	e.ClaimedBy, e.ClaimExpiresAt = "", nil
}

// CancelPendingByMatch mirrors QueueRepository.CancelPendingByMatch.
func (q *Queue) CancelPendingByMatch(_ context.Context, matchID, reason string, at time.Time, exclude ...types.NotificationType) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return 0, q.Err
	}
	var n int64
	for _, e := range q.entries {
		if e.MatchID != matchID || !pending(e) || excluded(e.Type, exclude) {
			continue
		}
		q.fail(e, reason, at)
		n++
	}
	return n, nil
}

func excluded(t types.NotificationType, exclude []types.NotificationType) bool {
	for _, x := range exclude {
		if x == t {
			return true
		}
	}
	return false
}

// CancelPendingForRecipient mirrors QueueRepository.CancelPendingForRecipient.
func (q *Queue) CancelPendingForRecipient(_ context.Context, matchID, recipientID string, t types.NotificationType, reason string, at time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return 0, q.Err
	}
	var n int64
	for _, e := range q.entries {
		if e.MatchID == matchID && e.RecipientID == recipientID && e.Type == t && pending(e) {
			q.fail(e, reason, at)
			n++
		}
	}
	return n, nil
}

// RetireByDedupKeys mirrors QueueRepository.RetireByDedupKeys.
func (q *Queue) RetireByDedupKeys(_ context.Context, keys []string, reason string, at time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return 0, q.Err
	}
	var n int64
	for _, k := range keys {
		id, ok := q.byKey[k]
		if !ok {
			continue
		}
		if e := q.entries[id]; pending(e) {
			q.fail(e, reason, at)
			n++
		}
	}
	return n, nil
}

// DeleteSentBefore mirrors QueueRepository.DeleteSentBefore.
func (q *Queue) DeleteSentBefore(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return 0, q.Err
	}
	var n int64
	for id, e := range q.entries {
		if int(n) >= limit {
			break
		}
		if e.SentAt != nil && e.SentAt.Before(cutoff) {
			delete(q.entries, id)
			if q.byKey[e.DedupKey] == id {
				delete(q.byKey, e.DedupKey)
			}
			n++
		}
	}
	return n, nil
}

// ListByMatch mirrors QueueRepository.ListByMatch.
func (q *Queue) ListByMatch(_ context.Context, matchID string, limit int) ([]*types.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return nil, q.Err
	}
	if limit <= 0 {
		limit = 200
	}
	var out []*types.QueueEntry
	for _, e := range q.entries {
		if e.MatchID == matchID {
			out = append(out, clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledFor.Equal(out[j].ScheduledFor) {
			return out[i].ScheduledFor.Before(out[j].ScheduledFor)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// All returns a snapshot of every entry ordered by dedup key, oldest first
// within a key.
func (q *Queue) All() []*types.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*types.QueueEntry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, clone(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DedupKey != out[j].DedupKey {
			return out[i].DedupKey < out[j].DedupKey
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return !pending(out[i]) && pending(out[j])
	})
	return out
}

// ByKey returns a snapshot of the newest entry with dedup key k.
func (q *Queue) ByKey(k string) (*types.QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.byKey[k]
	if !ok {
		return nil, false
	}
	return clone(q.entries[id]), true
}

// Put stores e as-is, bypassing upsert rules. Tests use it to seed state.
func (q *Queue) Put(e *types.QueueEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	q.entries[e.ID] = clone(e)
	q.byKey[e.DedupKey] = e.ID
}
