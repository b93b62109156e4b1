// Package service implements the five notification triggers. Each trigger
// assembles one NotificationContext, evaluates preferences once per
// recipient, and either plans reminders into the queue or sends immediately
// through the provider, handing transient failures to the queue.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"kickoff/internal/db"
	"kickoff/internal/notifications/builder"
	"kickoff/internal/notifications/core"
	"kickoff/internal/scheduler"
	"kickoff/internal/types"
)

// MatchDirectory is the read-only view of the web app's match data.
type MatchDirectory interface {
	GetMatch(ctx context.Context, matchID string) (*types.MatchSnapshot, error)
	ListRecipients(ctx context.Context, matchID string) ([]string, error)
}

// PreferenceSource resolves user preferences.
type PreferenceSource interface {
	GetMany(ctx context.Context, userIDs []string) (map[string]types.NotificationPreference, error)
	ListNewMatchSubscribers(ctx context.Context) ([]types.NotificationPreference, error)
}

// Queue is the slice of the queue repository the triggers write to.
type Queue interface {
	Upsert(ctx context.Context, e *types.QueueEntry) (db.UpsertResult, error)
	CancelPendingByMatch(ctx context.Context, matchID, reason string, at time.Time, exclude ...types.NotificationType) (int64, error)
	CancelPendingForRecipient(ctx context.Context, matchID, recipientID string, t types.NotificationType, reason string, at time.Time) (int64, error)
	RetireByDedupKeys(ctx context.Context, keys []string, reason string, at time.Time) (int64, error)
}

// Config wires a Service.
type Config struct {
	Matches     MatchDirectory
	Preferences PreferenceSource
	Queue       Queue
	Provider    core.Provider
	Builder     *builder.Builder
	Facility    *time.Location
	Clock       types.Clock
	Logger      *slog.Logger

	// MaxRetries is stamped on every queued entry.
	MaxRetries int
	// Retry computes the first backoff for immediate sends handed to the
	// queue.
	Retry core.RetryPolicy
	// AsyncTimeout bounds each fire-and-forget trigger.
	AsyncTimeout time.Duration
}

// Service implements the notification triggers.
type Service struct {
	matches  MatchDirectory
	prefs    PreferenceSource
	queue    Queue
	provider core.Provider
	builder  *builder.Builder
	planner  *scheduler.Planner
	facility *time.Location
	clock    types.Clock
	logger   *slog.Logger

	maxRetries   int
	retry        core.RetryPolicy
	asyncTimeout time.Duration
	newID        func() string

	inflight sync.WaitGroup
}

// New creates a Service.
func New(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = types.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Facility == nil {
		cfg.Facility = time.UTC
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = core.DefaultRetryPolicy.MaxAttempts
	}
	if cfg.AsyncTimeout <= 0 {
		cfg.AsyncTimeout = 30 * time.Second
	}
	return &Service{
		matches:      cfg.Matches,
		prefs:        cfg.Preferences,
		queue:        cfg.Queue,
		provider:     cfg.Provider,
		builder:      cfg.Builder,
		planner:      scheduler.NewPlanner(cfg.Builder, cfg.Clock, cfg.MaxRetries),
		facility:     cfg.Facility,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		maxRetries:   cfg.MaxRetries,
		retry:        cfg.Retry,
		asyncTimeout: cfg.AsyncTimeout,
		newID:        uuid.NewString,
	}
}

// ScheduleResult summarizes a ScheduleMatchReminders call.
type ScheduleResult struct {
	Inserted  int
	Refreshed int
	// Terminal counts planned entries whose key was already sent or
	// cancelled with the match.
	Terminal int
	Retired  int64
	OptedOut int
	Skipped  int
}

// ScheduleMatchReminders plans reminders for every current signup of the
// match. Re-running it after a time change refreshes pending reminders and
// retires those that no longer fit.
func (s *Service) ScheduleMatchReminders(ctx context.Context, matchID string) (ScheduleResult, error) {
	var res ScheduleResult
	nc, err := s.loadContext(ctx, matchID)
	if err != nil {
		return res, err
	}
	ids, err := s.matches.ListRecipients(ctx, matchID)
	if err != nil {
		return res, fmt.Errorf("ScheduleMatchReminders: recipients: %w", err)
	}
	prefs, err := s.prefs.GetMany(ctx, ids)
	if err != nil {
		return res, fmt.Errorf("ScheduleMatchReminders: preferences: %w", err)
	}

	recipients := make([]scheduler.Recipient, 0, len(ids))
	for _, id := range ids {
		recipients = append(recipients, scheduler.Recipient{ID: id, Preference: preferenceFor(prefs, id)})
	}
	plan := s.planner.Plan(nc, recipients)

	var errs []error
	for _, e := range plan.Entries {
		outcome, err := s.queue.Upsert(ctx, e)
		if err != nil {
			errs = append(errs, fmt.Errorf("upsert %s: %w", e.DedupKey, err))
			continue
		}
		switch outcome {
		case db.UpsertInserted:
			res.Inserted++
		case db.UpsertRefreshed:
			res.Refreshed++
		case db.UpsertTerminal:
			res.Terminal++
		}
	}

	now := s.clock.Now()
	if keys := plan.RetiredKeys(); len(keys) > 0 {
		n, err := s.queue.RetireByDedupKeys(ctx, keys, types.ReasonRescheduled, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("retire rejected reminders: %w", err))
		}
		res.Retired += n
	}
	for _, id := range plan.OptedOut {
		n, err := s.queue.CancelPendingForRecipient(ctx, matchID, id, types.NotificationMatchReminder, types.ReasonOptedOut, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("retire opted-out reminders for %s: %w", id, err))
		}
		res.Retired += n
	}
	for _, sk := range plan.Skipped {
		s.logger.WarnContext(ctx, "skipping reminders for recipient",
			"match_id", matchID, "recipient_id", sk.RecipientID, "error", sk.Err)
	}
	res.OptedOut = len(plan.OptedOut)
	res.Skipped = len(plan.Skipped)

	s.logger.InfoContext(ctx, "match reminders scheduled",
		"match_id", matchID,
		"inserted", res.Inserted,
		"refreshed", res.Refreshed,
		"retired", res.Retired,
		"skipped", res.Skipped,
	)
	if len(errs) > 0 {
		return res, fmt.Errorf("ScheduleMatchReminders: %w", errors.Join(errs...))
	}
	return res, nil
}

// NotifyMatchUpdate tells signed-up players about a changed match detail. A
// time change also reschedules reminders, even when some of the update
// notices could not be delivered or queued.
func (s *Service) NotifyMatchUpdate(ctx context.Context, matchID string, kind types.ChangeKind) error {
	if !kind.Valid() {
		kind = types.ChangeGeneral
	}
	nc, err := s.loadContext(ctx, matchID)
	if err != nil {
		return err
	}
	ids, err := s.matches.ListRecipients(ctx, matchID)
	if err != nil {
		return fmt.Errorf("NotifyMatchUpdate: recipients: %w", err)
	}
	var errs []error
	err = s.sendToOptedIn(ctx, nc, ids, types.NotificationMatchUpdate, func(locale string) types.Notification {
		return s.builder.MatchUpdate(nc, kind, locale)
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("NotifyMatchUpdate: %w", err))
	}
	if kind == types.ChangeTime {
		if _, err := s.ScheduleMatchReminders(ctx, matchID); err != nil {
			errs = append(errs, fmt.Errorf("NotifyMatchUpdate: reschedule: %w", err))
		}
	}
	return errors.Join(errs...)
}

// PlayerChangeEvent describes a roster change.
type PlayerChangeEvent struct {
	MatchID    string
	PlayerID   string
	PlayerName string
	Change     types.PlayerChange
}

// NotifyPlayerChange tells the roster and organizer that a player joined or
// left. The player is never notified about themselves, and a leaving
// player's pending reminders are retired.
func (s *Service) NotifyPlayerChange(ctx context.Context, ev PlayerChangeEvent) error {
	if !ev.Change.Valid() {
		return types.NewAppError(types.ErrCodeValidationTrigger, fmt.Sprintf("unknown player change %q", ev.Change), nil)
	}
	nc, err := s.loadContext(ctx, ev.MatchID)
	if err != nil {
		return err
	}
	signups, err := s.matches.ListRecipients(ctx, ev.MatchID)
	if err != nil {
		return fmt.Errorf("NotifyPlayerChange: recipients: %w", err)
	}
	ids := uniqueExcluding(append(signups, nc.Match.OrganizerID), ev.PlayerID)

	if ev.Change == types.PlayerLeft && ev.PlayerID != "" {
		if _, err := s.queue.CancelPendingForRecipient(ctx, ev.MatchID, ev.PlayerID,
			types.NotificationMatchReminder, types.ReasonPlayerLeft, s.clock.Now()); err != nil {
			return fmt.Errorf("NotifyPlayerChange: retire reminders: %w", err)
		}
	}

	kind := types.NotificationPlayerJoined
	if ev.Change == types.PlayerLeft {
		kind = types.NotificationPlayerLeft
	}
	err = s.sendToOptedIn(ctx, nc, ids, kind, func(locale string) types.Notification {
		return s.builder.PlayerChange(nc, ev.Change, ev.PlayerName, locale)
	})
	if err != nil {
		return fmt.Errorf("NotifyPlayerChange: %w", err)
	}
	return nil
}

// NotifyMatchCancellation fails every pending entry of the match and tells
// the players. Recipients are captured before anything is cancelled.
func (s *Service) NotifyMatchCancellation(ctx context.Context, matchID, reason string) error {
	nc, err := s.loadContext(ctx, matchID)
	if err != nil {
		return err
	}
	ids, err := s.matches.ListRecipients(ctx, matchID)
	if err != nil {
		return fmt.Errorf("NotifyMatchCancellation: recipients: %w", err)
	}

	// Cancellation notices queued by an earlier attempt are kept.
	n, err := s.queue.CancelPendingByMatch(ctx, matchID, types.ReasonCancelled, s.clock.Now(), types.NotificationMatchCancelled)
	if err != nil {
		return fmt.Errorf("NotifyMatchCancellation: cancel pending: %w", err)
	}
	s.logger.InfoContext(ctx, "cancelled pending notifications", "match_id", matchID, "count", n)

	err = s.sendToOptedIn(ctx, nc, ids, types.NotificationMatchCancelled, func(locale string) types.Notification {
		return s.builder.MatchCancelled(nc, reason, locale)
	})
	if err != nil {
		return fmt.Errorf("NotifyMatchCancellation: %w", err)
	}
	return nil
}

// NotifyNewMatch announces a match to new-match subscribers whose location
// filter accepts it. The organizer is excluded.
func (s *Service) NotifyNewMatch(ctx context.Context, matchID string) error {
	nc, err := s.loadContext(ctx, matchID)
	if err != nil {
		return err
	}
	subs, err := s.prefs.ListNewMatchSubscribers(ctx)
	if err != nil {
		return fmt.Errorf("NotifyNewMatch: subscribers: %w", err)
	}

	var targets []recipientPref
	for _, p := range subs {
		if p.UserID == nc.Match.OrganizerID || !p.Allows(types.NotificationNewMatch) {
			continue
		}
		if !p.WantsMatchAt(nc.Match.Location, nc.Match.Latitude, nc.Match.Longitude) {
			continue
		}
		targets = append(targets, recipientPref{id: p.UserID, pref: p})
	}
	if err := s.send(ctx, nc, targets, func(locale string) types.Notification {
		return s.builder.NewMatch(nc, locale)
	}); err != nil {
		return fmt.Errorf("NotifyNewMatch: %w", err)
	}
	return nil
}

func (s *Service) loadContext(ctx context.Context, matchID string) (*types.NotificationContext, error) {
	m, err := s.matches.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	return types.NewNotificationContext(*m, s.facility)
}

type recipientPref struct {
	id   string
	pref types.NotificationPreference
}

func (s *Service) sendToOptedIn(ctx context.Context, nc *types.NotificationContext, ids []string, kind types.NotificationType, render func(locale string) types.Notification) error {
	prefs, err := s.prefs.GetMany(ctx, ids)
	if err != nil {
		return fmt.Errorf("preferences: %w", err)
	}
	targets := make([]recipientPref, 0, len(ids))
	for _, id := range ids {
		p := preferenceFor(prefs, id)
		if p.Allows(kind) {
			targets = append(targets, recipientPref{id: id, pref: p})
		}
	}
	return s.send(ctx, nc, targets, render)
}

// send delivers immediately. Transient failures become pending queue entries
// that have already used one attempt.
func (s *Service) send(ctx context.Context, nc *types.NotificationContext, targets []recipientPref, render func(locale string) types.Notification) error {
	if len(targets) == 0 {
		return nil
	}
	rendered := map[string]types.Notification{}
	reqs := make([]core.SendRequest, len(targets))
	for i, t := range targets {
		locale := t.pref.Locale
		n, ok := rendered[locale]
		if !ok {
			n = render(locale)
			rendered[locale] = n
		}
		reqs[i] = core.SendRequest{RecipientID: t.id, Notification: n}
	}

	results := s.provider.SendBulk(ctx, reqs)
	eventID := s.newID()
	var delivered, requeued, noTarget int
	var errs []error
	for i, res := range results {
		switch {
		case res.Success && res.DeliveredCount > 0:
			delivered++
		case res.Success:
			noTarget++
		case allPermanent(res.Error):
			// Every target was deactivated; a retry would find none.
		default:
			if err := s.requeue(ctx, nc, reqs[i], eventID, failureReason(res.Error)); err != nil {
				errs = append(errs, err)
				continue
			}
			requeued++
		}
	}
	s.logger.InfoContext(ctx, "immediate notifications sent",
		"match_id", nc.Match.ID,
		"recipients", len(reqs),
		"delivered", delivered,
		"requeued", requeued,
		"no_target", noTarget,
	)
	return errors.Join(errs...)
}

func (s *Service) requeue(ctx context.Context, nc *types.NotificationContext, req core.SendRequest, eventID, reason string) error {
	now := s.clock.Now()
	n := req.Notification
	var next *time.Time
	if delay := core.CalculateNextRetry(s.retry, 0); delay > 0 {
		at := now.Add(delay)
		next = &at
	}
	entry := &types.QueueEntry{
		ID:            s.newID(),
		RecipientID:   req.RecipientID,
		MatchID:       nc.Match.ID,
		Type:          n.Type,
		Title:         n.Title,
		Body:          n.Body,
		ImageURL:      n.ImageURL,
		Tag:           n.Tag,
		Actions:       n.Actions,
		Data:          n.Data,
		DedupKey:      types.RetryDedupKey(n.Type, nc.Match.ID, req.RecipientID, eventID),
		ScheduledFor:  now,
		NextAttemptAt: next,
		FailureReason: reason,
		RetryCount:    1,
		MaxRetries:    s.maxRetries,
		Priority:      n.Priority,
		CreatedAt:     now,
	}
	if _, err := s.queue.Upsert(ctx, entry); err != nil {
		return fmt.Errorf("requeue %s for %s: %w", n.Type, req.RecipientID, err)
	}
	return nil
}

func preferenceFor(prefs map[string]types.NotificationPreference, id string) types.NotificationPreference {
	if p, ok := prefs[id]; ok {
		return p
	}
	return types.DefaultNotificationPreference(id)
}

func uniqueExcluding(ids []string, exclude string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || id == exclude || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// allPermanent reports whether every error joined into err is a permanent
// target error. Such recipients have no live target left to retry.
func allPermanent(err error) bool {
	if err == nil {
		return false
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs := joined.Unwrap()
		if len(errs) == 0 {
			return false
		}
		for _, e := range errs {
			if !allPermanent(e) {
				return false
			}
		}
		return true
	}
	var te *core.TargetError
	return errors.As(err, &te) && te.Permanent
}

func failureReason(err error) string {
	var te *core.TargetError
	if errors.As(err, &te) && te.Reason != "" {
		return te.Reason
	}
	if err != nil {
		return "delivery_failed: " + err.Error()
	}
	return "delivery_failed"
}
