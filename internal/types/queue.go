package types

import (
	"fmt"
	"strconv"
	"time"
)

// Keys that every NotificationData blob carries for correlation.
const (
	DataKeyMatchID     = "match_id"
	DataKeyType        = "type"
	DataKeyOffsetHours = "offset_hours"
	DataKeyURL         = "url"
)

// QueueEntry is the durable record of one notification to one recipient.
//
// An entry is pending until exactly one of SentAt or FailedAt is set. Terminal
// entries are never modified again; the retention sweep eventually deletes
// sent ones.
type QueueEntry struct {
	ID          string           `json:"id"`
	RecipientID string           `json:"recipient_id"`
	MatchID     string           `json:"match_id,omitempty"`
	Type        NotificationType `json:"type"`

	Title    string           `json:"title"`
	Body     string           `json:"body"`
	ImageURL string           `json:"image_url,omitempty"`
	Tag      string           `json:"tag,omitempty"`
	Actions  ActionList       `json:"actions,omitempty"`
	Data     NotificationData `json:"data,omitempty"`

	// DedupKey is the natural key that makes scheduling idempotent.
	DedupKey string `json:"dedup_key"`

	ScheduledFor  time.Time  `json:"scheduled_for"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	Priority      Priority   `json:"priority"`

	ClaimedBy      string     `json:"-"`
	ClaimExpiresAt *time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

// State derives the lifecycle state from the terminal timestamps.
func (e *QueueEntry) State() EntryState {
	switch {
	case e.SentAt != nil:
		return EntrySent
	case e.FailedAt != nil:
		return EntryFailed
	default:
		return EntryPending
	}
}

// Due reports whether a pending entry may be attempted at now.
func (e *QueueEntry) Due(now time.Time) bool {
	if e.State() != EntryPending || e.RetryCount >= e.MaxRetries {
		return false
	}
	if e.ScheduledFor.After(now) {
		return false
	}
	return e.NextAttemptAt == nil || !e.NextAttemptAt.After(now)
}

// Notification returns the rendered payload stored on the entry.
func (e *QueueEntry) Notification() Notification {
	return Notification{
		Type:     e.Type,
		Title:    e.Title,
		Body:     e.Body,
		ImageURL: e.ImageURL,
		Tag:      e.Tag,
		Actions:  e.Actions,
		Data:     e.Data,
		Priority: e.Priority,
	}
}

// FormatOffset renders an offset in hours for keys and data ("24", "0.5").
func FormatOffset(hours float64) string {
	return strconv.FormatFloat(hours, 'f', -1, 64)
}

// ReminderDedupKey is the natural key of one reminder for one recipient.
func ReminderDedupKey(matchID, recipientID string, offsetHours float64) string {
	return fmt.Sprintf("%s:%s:%s:%sh", NotificationMatchReminder, matchID, recipientID, FormatOffset(offsetHours))
}

// RetryDedupKey keys an immediate send that was handed to the queue after a
// failed first attempt. The event ID distinguishes separate triggers of the
// same type for the same match.
func RetryDedupKey(t NotificationType, matchID, recipientID, eventID string) string {
	return fmt.Sprintf("%s:%s:%s:%s", t, matchID, recipientID, eventID)
}
