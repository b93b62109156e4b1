// Package scheduler decides when queued notifications fire and drives the
// queue: the reminder planner, the Queue Processor with its ticker loop, and
// the retention sweep.
package scheduler

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"kickoff/internal/notifications/builder"
	"kickoff/internal/notifications/core"
	"kickoff/internal/types"
)

// ErrMalformedOffset marks a recipient whose reminder offsets are unusable.
var ErrMalformedOffset = errors.New("scheduler: malformed reminder offset")

// Recipient is one user with preferences already resolved for this trigger.
type Recipient struct {
	ID         string
	Preference types.NotificationPreference
}

// SkippedRecipient records a recipient the planner could not schedule.
type SkippedRecipient struct {
	RecipientID string
	Err         error
}

// RejectedOffset is a reminder the planner dropped.
type RejectedOffset struct {
	RecipientID string
	OffsetHours float64
	DedupKey    string
	// Reason is "past" or "quiet_hours".
	Reason string
}

// ReminderPlan is the outcome of planning one match.
type ReminderPlan struct {
	// Entries are the reminders to upsert.
	Entries []*types.QueueEntry
	// Rejected lists offsets that did not produce an entry. Their dedup keys
	// are retired so a rescheduled match cannot keep a stale reminder.
	Rejected []RejectedOffset
	// OptedOut lists recipients with reminders switched off.
	OptedOut []string
	// Skipped lists recipients with unusable preferences.
	Skipped []SkippedRecipient
}

// RetiredKeys returns the dedup keys of every rejected offset.
func (p *ReminderPlan) RetiredKeys() []string {
	keys := make([]string, 0, len(p.Rejected))
	for _, r := range p.Rejected {
		keys = append(keys, r.DedupKey)
	}
	return keys
}

// Planner computes reminder entries. It performs no I/O.
type Planner struct {
	builder    *builder.Builder
	clock      types.Clock
	maxRetries int
	newID      func() string
}

// NewPlanner creates a Planner. maxRetries is stamped on every entry.
func NewPlanner(b *builder.Builder, clock types.Clock, maxRetries int) *Planner {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Planner{builder: b, clock: clock, maxRetries: maxRetries, newID: uuid.NewString}
}

// Plan computes one entry per recipient and opted-in offset.
//
// The candidate time is the match start minus the offset. Candidates at or
// before now are rejected, as are candidates whose hour in the recipient's
// timezone falls inside their quiet window. A recipient with an unknown
// timezone or a malformed offset is skipped entirely.
func (p *Planner) Plan(nc *types.NotificationContext, recipients []Recipient) ReminderPlan {
	now := p.clock.Now()
	var plan ReminderPlan

	for _, r := range recipients {
		pref := r.Preference
		if !pref.MatchReminders {
			plan.OptedOut = append(plan.OptedOut, r.ID)
			continue
		}
		loc, err := pref.Location(nc.Facility)
		if err != nil {
			plan.Skipped = append(plan.Skipped, SkippedRecipient{RecipientID: r.ID, Err: err})
			continue
		}
		if err := checkOffsets(pref.ReminderOffsets); err != nil {
			plan.Skipped = append(plan.Skipped, SkippedRecipient{RecipientID: r.ID, Err: err})
			continue
		}

		for _, offset := range pref.ReminderOffsets {
			key := types.ReminderDedupKey(nc.Match.ID, r.ID, offset)
			candidate := nc.StartsAt.Add(-time.Duration(offset * float64(time.Hour)))

			if !candidate.After(now) {
				plan.Rejected = append(plan.Rejected, RejectedOffset{r.ID, offset, key, "past"})
				continue
			}
			if core.InQuietHours(candidate, loc, pref.QuietHoursStart, pref.QuietHoursEnd) {
				plan.Rejected = append(plan.Rejected, RejectedOffset{r.ID, offset, key, "quiet_hours"})
				continue
			}
			plan.Entries = append(plan.Entries, p.entry(nc, r.ID, pref.Locale, offset, key, candidate, now))
		}
	}
	return plan
}

func (p *Planner) entry(nc *types.NotificationContext, recipientID, locale string, offset float64, key string, at, now time.Time) *types.QueueEntry {
	n := p.builder.MatchReminder(nc, offset, locale)
	return &types.QueueEntry{
		ID:           p.newID(),
		RecipientID:  recipientID,
		MatchID:      nc.Match.ID,
		Type:         n.Type,
		Title:        n.Title,
		Body:         n.Body,
		ImageURL:     n.ImageURL,
		Tag:          n.Tag,
		Actions:      n.Actions,
		Data:         n.Data,
		DedupKey:     key,
		ScheduledFor: at.UTC(),
		MaxRetries:   p.maxRetries,
		Priority:     n.Priority,
		CreatedAt:    now,
	}
}

func checkOffsets(offsets []float64) error {
	seen := make(map[float64]bool, len(offsets))
	for _, h := range offsets {
		if math.IsNaN(h) || math.IsInf(h, 0) || h <= 0 || h > types.MaxReminderOffsetHours {
			return fmt.Errorf("%w: %v", ErrMalformedOffset, h)
		}
		if seen[h] {
			return fmt.Errorf("%w: duplicate %v", ErrMalformedOffset, h)
		}
		seen[h] = true
	}
	return nil
}
