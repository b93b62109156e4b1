package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kickoff/internal/db"
	"kickoff/internal/notifications/builder"
	"kickoff/internal/notifications/core"
	"kickoff/internal/queuetest"
	"kickoff/internal/types"
)

var testNow = time.Date(2025, 6, 29, 12, 0, 0, 0, time.UTC)

type fakeMatches struct {
	match   types.MatchSnapshot
	signups []string
	err     error
}

func (m *fakeMatches) GetMatch(_ context.Context, matchID string) (*types.MatchSnapshot, error) {
	if m.err != nil {
		return nil, m.err
	}
	if matchID != m.match.ID {
		return nil, types.NewAppError(types.ErrCodeNotFoundMatch, "match not found", nil)
	}
	c := m.match
	return &c, nil
}

func (m *fakeMatches) ListRecipients(context.Context, string) ([]string, error) {
	return append([]string(nil), m.signups...), nil
}

type fakePrefs struct {
	prefs map[string]types.NotificationPreference
	calls int
}

func (p *fakePrefs) GetMany(_ context.Context, ids []string) (map[string]types.NotificationPreference, error) {
	p.calls++
	out := map[string]types.NotificationPreference{}
	for _, id := range ids {
		if pref, ok := p.prefs[id]; ok {
			out[id] = pref
		} else {
			out[id] = types.DefaultNotificationPreference(id)
		}
	}
	return out, nil
}

func (p *fakePrefs) ListNewMatchSubscribers(context.Context) ([]types.NotificationPreference, error) {
	var out []types.NotificationPreference
	for _, pref := range p.prefs {
		if pref.NewMatches {
			out = append(out, pref)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// endpointTransport fails endpoints listed in errs and records deliveries.
type endpointTransport struct {
	mu        sync.Mutex
	errs      map[string]error
	delivered map[string][]types.Notification
}

func newEndpointTransport() *endpointTransport {
	return &endpointTransport{errs: map[string]error{}, delivered: map[string][]types.Notification{}}
}

func (t *endpointTransport) Name() types.Transport { return types.TransportWebPush }

func (t *endpointTransport) Deliver(_ context.Context, target *types.DeliveryTarget, n *types.Notification) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.errs[target.Endpoint]; err != nil {
		return err
	}
	t.delivered[target.RecipientID] = append(t.delivered[target.RecipientID], *n)
	return nil
}

func (t *endpointTransport) count(recipient string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.delivered[recipient])
}

func target(recipient string) *types.DeliveryTarget {
	return &types.DeliveryTarget{
		ID:          "t-" + recipient,
		RecipientID: recipient,
		Transport:   types.TransportWebPush,
		Endpoint:    "https://push.test/" + recipient,
		Active:      true,
	}
}

type harness struct {
	svc       *Service
	queue     *queuetest.Queue
	targets   *queuetest.Targets
	transport *endpointTransport
	matches   *fakeMatches
	prefs     *fakePrefs
}

func newHarness(t *testing.T, signups ...string) *harness {
	t.Helper()
	h := &harness{
		queue:     queuetest.NewQueue(),
		transport: newEndpointTransport(),
		matches: &fakeMatches{
			match: types.MatchSnapshot{
				ID: "m1", Date: "2025-07-01", Time: "18:00",
				Location: "Sportpark Noord", Capacity: 10, Headcount: len(signups),
				OrganizerID: "org", OrganizerName: "Sanne",
			},
			signups: signups,
		},
		prefs: &fakePrefs{prefs: map[string]types.NotificationPreference{}},
	}
	var seeded []*types.DeliveryTarget
	for _, id := range append(signups, "org", "sub1", "sub2") {
		seeded = append(seeded, target(id))
	}
	h.targets = queuetest.NewTargets(seeded...)
	provider := core.NewTargetProvider(h.transport, h.targets, core.WithClock(types.FixedClock{T: testNow}))
	h.svc = New(Config{
		Matches:     h.matches,
		Preferences: h.prefs,
		Queue:       h.queue,
		Provider:    provider,
		Builder:     builder.New("https://kickoff.test", ""),
		Facility:    time.UTC,
		Clock:       types.FixedClock{T: testNow},
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		MaxRetries:  3,
		Retry:       core.DefaultRetryPolicy,
	})
	return h
}

func TestScheduleMatchReminders(t *testing.T) {
	h := newHarness(t, "u1", "u2")
	h.prefs.prefs["u2"] = func() types.NotificationPreference {
		p := types.DefaultNotificationPreference("u2")
		p.MatchReminders = false
		return p
	}()

	res, err := h.svc.ScheduleMatchReminders(context.Background(), "m1")
	require.NoError(t, err)

	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 1, res.OptedOut)
	assert.Equal(t, 1, h.prefs.calls, "preferences are loaded once per trigger")
	assert.Len(t, h.queue.All(), 3)

	res, err = h.svc.ScheduleMatchReminders(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 3, res.Refreshed)
	assert.Len(t, h.queue.All(), 3)
}

func TestScheduleMatchReminders_OptOutRetiresPending(t *testing.T) {
	h := newHarness(t, "u1")
	_, err := h.svc.ScheduleMatchReminders(context.Background(), "m1")
	require.NoError(t, err)

	p := types.DefaultNotificationPreference("u1")
	p.MatchReminders = false
	h.prefs.prefs["u1"] = p

	res, err := h.svc.ScheduleMatchReminders(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Retired)
	for _, e := range h.queue.All() {
		assert.Equal(t, types.EntryFailed, e.State())
		assert.Equal(t, types.ReasonOptedOut, e.FailureReason)
	}
}

func TestScheduleMatchReminders_OptInAgainRestoresReminders(t *testing.T) {
	h := newHarness(t, "u1")
	_, err := h.svc.ScheduleMatchReminders(context.Background(), "m1")
	require.NoError(t, err)

	p := types.DefaultNotificationPreference("u1")
	p.MatchReminders = false
	h.prefs.prefs["u1"] = p
	_, err = h.svc.ScheduleMatchReminders(context.Background(), "m1")
	require.NoError(t, err)

	delete(h.prefs.prefs, "u1")
	res, err := h.svc.ScheduleMatchReminders(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 0, res.Terminal)

	var pending int
	for _, e := range h.queue.All() {
		if e.State() == types.EntryPending {
			pending++
		}
	}
	assert.Equal(t, 3, pending)
	assert.Len(t, h.queue.All(), 6)
}

func TestScheduleMatchReminders_CancelledMatchStaysCancelled(t *testing.T) {
	h := newHarness(t, "u1")
	_, err := h.svc.ScheduleMatchReminders(context.Background(), "m1")
	require.NoError(t, err)
	require.NoError(t, h.svc.NotifyMatchCancellation(context.Background(), "m1", "Pitch flooded"))

	res, err := h.svc.ScheduleMatchReminders(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 3, res.Terminal)
	for _, e := range h.queue.All() {
		assert.NotEqual(t, types.EntryPending, e.State())
	}
}

func TestScheduleMatchReminders_SentReminderIsNotRepeated(t *testing.T) {
	h := newHarness(t, "u1")
	sentAt := testNow.Add(-time.Hour)
	h.queue.Put(&types.QueueEntry{
		RecipientID: "u1", MatchID: "m1", Type: types.NotificationMatchReminder,
		DedupKey: "match_reminder:m1:u1:24h", ScheduledFor: sentAt, SentAt: &sentAt, MaxRetries: 3,
	})

	res, err := h.svc.ScheduleMatchReminders(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 1, res.Terminal)
	day, ok := h.queue.ByKey("match_reminder:m1:u1:24h")
	require.True(t, ok)
	assert.Equal(t, types.EntrySent, day.State())
}

func TestScheduleMatchReminders_UnknownMatch(t *testing.T) {
	h := newHarness(t, "u1")
	_, err := h.svc.ScheduleMatchReminders(context.Background(), "nope")

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeNotFoundMatch, appErr.Code)
}

func TestNotifyMatchUpdate_TimeChangeReschedules(t *testing.T) {
	h := newHarness(t, "u1")
	_, err := h.svc.ScheduleMatchReminders(context.Background(), "m1")
	require.NoError(t, err)

	// Kickoff moves to 11:00 on June 30: the 24h reminder would be in the past.
	h.matches.match.Date, h.matches.match.Time = "2025-06-30", "11:00"
	require.NoError(t, h.svc.NotifyMatchUpdate(context.Background(), "m1", types.ChangeTime))

	assert.Equal(t, 1, h.transport.count("u1"))
	day, ok := h.queue.ByKey("match_reminder:m1:u1:24h")
	require.True(t, ok)
	assert.Equal(t, types.EntryFailed, day.State())
	assert.Equal(t, types.ReasonRescheduled, day.FailureReason)

	two, ok := h.queue.ByKey("match_reminder:m1:u1:2h")
	require.True(t, ok)
	assert.Equal(t, types.EntryPending, two.State())
	assert.Equal(t, time.Date(2025, 6, 30, 9, 0, 0, 0, time.UTC), two.ScheduledFor)
}

// upsertFailingQueue fails Upsert for dedup keys starting with prefix.
type upsertFailingQueue struct {
	*queuetest.Queue
	prefix string
	err    error
}

func (q *upsertFailingQueue) Upsert(ctx context.Context, e *types.QueueEntry) (db.UpsertResult, error) {
	if strings.HasPrefix(e.DedupKey, q.prefix) {
		return 0, q.err
	}
	return q.Queue.Upsert(ctx, e)
}

func TestNotifyMatchUpdate_TimeChangeReschedulesWhenNoticeFails(t *testing.T) {
	h := newHarness(t, "u1")
	_, err := h.svc.ScheduleMatchReminders(context.Background(), "m1")
	require.NoError(t, err)

	requeueErr := errors.New("db down")
	h.svc.queue = &upsertFailingQueue{Queue: h.queue, prefix: string(types.NotificationMatchUpdate) + ":", err: requeueErr}
	h.transport.errs["https://push.test/u1"] = &core.TargetError{Reason: "upstream_unavailable", StatusCode: 503}

	h.matches.match.Date, h.matches.match.Time = "2025-06-30", "11:00"
	err = h.svc.NotifyMatchUpdate(context.Background(), "m1", types.ChangeTime)
	require.ErrorIs(t, err, requeueErr)

	day, ok := h.queue.ByKey("match_reminder:m1:u1:24h")
	require.True(t, ok)
	assert.Equal(t, types.EntryFailed, day.State())
	assert.Equal(t, types.ReasonRescheduled, day.FailureReason)

	two, ok := h.queue.ByKey("match_reminder:m1:u1:2h")
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 6, 30, 9, 0, 0, 0, time.UTC), two.ScheduledFor)
}

func TestNotifyMatchUpdate_TimeMovedBackRestoresReminder(t *testing.T) {
	h := newHarness(t, "u1")
	_, err := h.svc.ScheduleMatchReminders(context.Background(), "m1")
	require.NoError(t, err)

	h.matches.match.Date, h.matches.match.Time = "2025-06-30", "11:00"
	require.NoError(t, h.svc.NotifyMatchUpdate(context.Background(), "m1", types.ChangeTime))
	day, ok := h.queue.ByKey("match_reminder:m1:u1:24h")
	require.True(t, ok)
	require.Equal(t, types.EntryFailed, day.State())
	retiredID := day.ID

	h.matches.match.Date, h.matches.match.Time = "2025-07-01", "18:00"
	require.NoError(t, h.svc.NotifyMatchUpdate(context.Background(), "m1", types.ChangeTime))

	day, ok = h.queue.ByKey("match_reminder:m1:u1:24h")
	require.True(t, ok)
	assert.Equal(t, types.EntryPending, day.State())
	assert.NotEqual(t, retiredID, day.ID, "the retired row stays as history")
	assert.Equal(t, time.Date(2025, 6, 30, 18, 0, 0, 0, time.UTC), day.ScheduledFor)
}

func TestNotifyMatchUpdate_RespectsToggle(t *testing.T) {
	h := newHarness(t, "u1", "u2")
	p := types.DefaultNotificationPreference("u2")
	p.MatchUpdates = false
	h.prefs.prefs["u2"] = p

	require.NoError(t, h.svc.NotifyMatchUpdate(context.Background(), "m1", types.ChangeCourt))
	assert.Equal(t, 1, h.transport.count("u1"))
	assert.Equal(t, 0, h.transport.count("u2"))
	assert.Empty(t, h.queue.All(), "no reminders for a non-time change")
}

func TestNotifyPlayerChange(t *testing.T) {
	h := newHarness(t, "u1", "u2", "leaver")
	for _, id := range []string{"u1", "u2", "org", "leaver"} {
		p := types.DefaultNotificationPreference(id)
		p.PlayerChanges = true
		h.prefs.prefs[id] = p
	}
	_, err := h.svc.ScheduleMatchReminders(context.Background(), "m1")
	require.NoError(t, err)

	err = h.svc.NotifyPlayerChange(context.Background(), PlayerChangeEvent{
		MatchID: "m1", PlayerID: "leaver", PlayerName: "Daan", Change: types.PlayerLeft,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, h.transport.count("u1"))
	assert.Equal(t, 1, h.transport.count("org"), "organizer is included")
	assert.Equal(t, 0, h.transport.count("leaver"), "the player is never told about themselves")

	for _, e := range h.queue.All() {
		if e.RecipientID == "leaver" {
			assert.Equal(t, types.ReasonPlayerLeft, e.FailureReason)
		} else {
			assert.Equal(t, types.EntryPending, e.State())
		}
	}
}

func TestNotifyPlayerChange_RejoinRestoresReminders(t *testing.T) {
	h := newHarness(t, "u1", "u2")
	_, err := h.svc.ScheduleMatchReminders(context.Background(), "m1")
	require.NoError(t, err)

	h.matches.signups = []string{"u2"}
	require.NoError(t, h.svc.NotifyPlayerChange(context.Background(), PlayerChangeEvent{
		MatchID: "m1", PlayerID: "u1", Change: types.PlayerLeft,
	}))
	day, ok := h.queue.ByKey("match_reminder:m1:u1:24h")
	require.True(t, ok)
	require.Equal(t, types.ReasonPlayerLeft, day.FailureReason)

	h.matches.signups = []string{"u1", "u2"}
	require.NoError(t, h.svc.NotifyPlayerChange(context.Background(), PlayerChangeEvent{
		MatchID: "m1", PlayerID: "u1", Change: types.PlayerJoined,
	}))
	res, err := h.svc.ScheduleMatchReminders(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 3, res.Refreshed)

	var pending int
	for _, e := range h.queue.All() {
		if e.RecipientID == "u1" && e.State() == types.EntryPending {
			pending++
		}
	}
	assert.Equal(t, 3, pending)
	day, ok = h.queue.ByKey("match_reminder:m1:u1:24h")
	require.True(t, ok)
	assert.Equal(t, types.EntryPending, day.State())
}

func TestNotifyPlayerChange_InvalidChange(t *testing.T) {
	h := newHarness(t, "u1")
	err := h.svc.NotifyPlayerChange(context.Background(), PlayerChangeEvent{MatchID: "m1", Change: "swapped"})
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationTrigger, appErr.Code)
}

func TestNotifyMatchCancellation(t *testing.T) {
	h := newHarness(t, "u1", "u2")
	_, err := h.svc.ScheduleMatchReminders(context.Background(), "m1")
	require.NoError(t, err)

	sentAt := testNow.Add(-time.Hour)
	h.queue.Put(&types.QueueEntry{
		ID: "sent", RecipientID: "u1", MatchID: "m1", Type: types.NotificationMatchUpdate,
		DedupKey: "already-sent", ScheduledFor: sentAt, SentAt: &sentAt, MaxRetries: 3,
	})

	require.NoError(t, h.svc.NotifyMatchCancellation(context.Background(), "m1", "Pitch flooded"))

	for _, e := range h.queue.All() {
		if e.ID == "sent" {
			assert.Equal(t, types.EntrySent, e.State(), "sent entries are untouched")
			continue
		}
		assert.Equal(t, types.EntryFailed, e.State())
		assert.Equal(t, types.ReasonCancelled, e.FailureReason)
	}
	assert.Equal(t, 1, h.transport.count("u1"))
	assert.Equal(t, 1, h.transport.count("u2"))
}

func TestNotifyNewMatch_FiltersSubscribers(t *testing.T) {
	h := newHarness(t)
	lat, lon := 52.37, 4.89
	near := types.DefaultNotificationPreference("sub1")
	near.NewMatches = true
	far := types.DefaultNotificationPreference("sub2")
	far.NewMatches = true
	far.PreferredLocations = []string{"Elsewhere"}
	organizer := types.DefaultNotificationPreference("org")
	organizer.NewMatches = true
	h.prefs.prefs = map[string]types.NotificationPreference{"sub1": near, "sub2": far, "org": organizer}
	h.matches.match.Latitude, h.matches.match.Longitude = &lat, &lon

	require.NoError(t, h.svc.NotifyNewMatch(context.Background(), "m1"))

	assert.Equal(t, 1, h.transport.count("sub1"))
	assert.Equal(t, 0, h.transport.count("sub2"))
	assert.Equal(t, 0, h.transport.count("org"))
}

func TestImmediateSend_TransientFailureIsQueued(t *testing.T) {
	h := newHarness(t, "u1")
	h.transport.errs["https://push.test/u1"] = &core.TargetError{Reason: "upstream_unavailable", StatusCode: 503}

	require.NoError(t, h.svc.NotifyMatchUpdate(context.Background(), "m1", types.ChangeCourt))

	all := h.queue.All()
	require.Len(t, all, 1)
	e := all[0]
	assert.Equal(t, types.NotificationMatchUpdate, e.Type)
	assert.Equal(t, 1, e.RetryCount)
	assert.Equal(t, 3, e.MaxRetries)
	assert.Equal(t, "upstream_unavailable", e.FailureReason)
	require.NotNil(t, e.NextAttemptAt)
	assert.Equal(t, testNow.Add(30*time.Second), *e.NextAttemptAt)
	assert.Equal(t, types.EntryPending, e.State())
}

func TestImmediateSend_PermanentFailureDeactivatesAndExcludes(t *testing.T) {
	h := newHarness(t, "u1")
	h.transport.errs["https://push.test/u1"] = &core.TargetError{Permanent: true, Reason: "expired", StatusCode: 410}

	require.NoError(t, h.svc.NotifyMatchUpdate(context.Background(), "m1", types.ChangeCourt))
	assert.Empty(t, h.queue.All(), "nothing to retry once the only target is gone")
	tgt, ok := h.targets.Get("t-u1")
	require.True(t, ok)
	assert.False(t, tgt.Active)
	assert.Equal(t, "expired", tgt.DeactivationReason)

	// The deactivated target is not tried again.
	delete(h.transport.errs, "https://push.test/u1")
	require.NoError(t, h.svc.NotifyMatchUpdate(context.Background(), "m1", types.ChangeCourt))
	assert.Equal(t, 0, h.transport.count("u1"))
	assert.Empty(t, h.queue.All(), "no_active_targets results are dropped")
}

func TestImmediateSend_QueueErrorSurfaces(t *testing.T) {
	h := newHarness(t, "u1")
	h.transport.errs["https://push.test/u1"] = errors.New("timeout")
	h.queue.Err = errors.New("db down")

	err := h.svc.NotifyMatchUpdate(context.Background(), "m1", types.ChangeCourt)
	assert.Error(t, err)
}

func TestAsync_LogsErrorsAndDrains(t *testing.T) {
	h := newHarness(t, "u1")
	var ran sync.WaitGroup
	ran.Add(2)
	h.svc.Async("failing", func(context.Context) error {
		defer ran.Done()
		return errors.New("boom")
	})
	h.svc.Async("panicking", func(context.Context) error {
		defer ran.Done()
		panic("kaboom")
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.svc.Drain(ctx))
	ran.Wait()
}

func TestAsync_RunsTrigger(t *testing.T) {
	h := newHarness(t, "u1")

	var got error
	h.svc.Async("update", func(ctx context.Context) error {
		got = ctx.Err()
		return h.svc.NotifyMatchUpdate(ctx, "m1", types.ChangeCourt)
	})
	require.NoError(t, h.svc.Drain(context.Background()))
	assert.NoError(t, got)
	assert.Equal(t, 1, h.transport.count("u1"))
}

func TestAllPermanent(t *testing.T) {
	perm := &core.TargetError{Permanent: true}
	trans := &core.TargetError{}
	assert.False(t, allPermanent(nil))
	assert.True(t, allPermanent(perm))
	assert.True(t, allPermanent(errors.Join(perm, perm)))
	assert.False(t, allPermanent(errors.Join(perm, trans)))
	assert.False(t, allPermanent(errors.New("x")))
}
