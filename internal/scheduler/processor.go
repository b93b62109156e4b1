package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"kickoff/internal/db"
	"kickoff/internal/notifications/core"
	"kickoff/internal/types"
)

// maxReasonLength bounds the failure reason persisted on an entry.
const maxReasonLength = 500

// QueueStore is the slice of the queue repository the processor drives.
type QueueStore interface {
	ClaimDue(ctx context.Context, now time.Time, limit int, claimToken string, leaseUntil time.Time) ([]*types.QueueEntry, error)
	MarkSent(ctx context.Context, id, claimToken string, sentAt time.Time) (bool, error)
	RecordFailure(ctx context.Context, id, claimToken, reason string, at time.Time, nextAttempt *time.Time) (db.FailureOutcome, bool, error)
}

// ProcessorConfig wires a Processor.
type ProcessorConfig struct {
	Queue    QueueStore
	Provider core.Provider
	// Transport labels delivery metrics.
	Transport types.Transport
	Metrics   core.NotificationMetrics
	Clock     types.Clock
	Logger    *slog.Logger

	BatchSize   int
	Concurrency int
	SendTimeout time.Duration
	ClaimLease  time.Duration
	Retry       core.RetryPolicy

	// Retention, when set, runs after a batch once RetentionInterval has
	// elapsed since the previous sweep.
	Retention         *RetentionSweeper
	RetentionInterval time.Duration
}

// BatchStats summarizes one ProcessBatch call.
type BatchStats struct {
	Claimed  int
	Sent     int
	Retrying int
	Failed   int
	Stale    int
	Swept    int64
}

// Processor claims due queue entries and dispatches them through the
// provider.
type Processor struct {
	cfg ProcessorConfig

	mu        sync.Mutex
	lastSweep time.Time
}

// NewProcessor creates a Processor, filling unset tuning with defaults.
func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = types.RealClock{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = core.NopMetrics{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 5 * time.Minute
	}
	return &Processor{cfg: cfg}
}

// ProcessBatch runs one poll: claim, dispatch, record, and maybe sweep.
func (p *Processor) ProcessBatch(ctx context.Context) (BatchStats, error) {
	var stats BatchStats
	now := p.cfg.Clock.Now()
	token := uuid.NewString()

	entries, err := p.cfg.Queue.ClaimDue(ctx, now, p.cfg.BatchSize, token, now.Add(p.cfg.ClaimLease))
	if err != nil {
		return stats, fmt.Errorf("ProcessBatch: claim: %w", err)
	}
	stats.Claimed = len(entries)

	if len(entries) > 0 {
		p.cfg.Logger.InfoContext(ctx, "claimed queue batch", "count", len(entries), "claim", token)
	}
	for _, e := range entries {
		p.cfg.Metrics.RecordQueueLag(ctx, now.Sub(e.ScheduledFor))
	}

	outcomes := make([]outcome, len(entries))
	g := new(errgroup.Group)
	g.SetLimit(p.cfg.Concurrency)
	for i, e := range entries {
		g.Go(func() error {
			outcomes[i] = p.process(ctx, e, token)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		switch o {
		case outcomeSent:
			stats.Sent++
		case outcomeRetrying:
			stats.Retrying++
		case outcomeFailed:
			stats.Failed++
		case outcomeStale:
			stats.Stale++
		}
	}

	stats.Swept = p.maybeSweep(ctx)
	return stats, nil
}

type outcome int

const (
	outcomeSent outcome = iota + 1
	outcomeRetrying
	outcomeFailed
	outcomeStale
	outcomeError
)

func (p *Processor) process(ctx context.Context, e *types.QueueEntry, token string) (out outcome) {
	log := p.cfg.Logger.With("entry_id", e.ID, "recipient_id", e.RecipientID, "type", string(e.Type))
	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(ctx, "panic while dispatching queue entry", "panic", r)
			out = p.fail(ctx, log, e, token, fmt.Errorf("panic: %v", r))
		}
	}()

	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	defer cancel()
	start := time.Now()
	res := p.cfg.Provider.Send(sendCtx, core.SendRequest{
		RecipientID:  e.RecipientID,
		Notification: e.Notification(),
		EntryID:      e.ID,
	})
	p.cfg.Metrics.RecordLatency(ctx, p.cfg.Transport, time.Since(start))

	switch {
	case res.Success && res.DeliveredCount > 0:
		ok, err := p.cfg.Queue.MarkSent(ctx, e.ID, token, p.cfg.Clock.Now())
		if err != nil {
			log.ErrorContext(ctx, "failed to mark queue entry sent", "error", err)
			return outcomeError
		}
		if !ok {
			return p.stale(ctx, log, "mark_sent")
		}
		p.cfg.Metrics.RecordDelivery(ctx, p.cfg.Transport, e.Type, core.MetricSuccess)
		return outcomeSent
	case res.Success:
		return p.fail(ctx, log, e, token, core.ErrNoActiveTargets)
	default:
		return p.fail(ctx, log, e, token, res.Error)
	}
}

// fail records one failed attempt and exactly one delivery metric for it. An
// attempt that found no active target counts as no_target until it exhausts
// the entry's retries.
func (p *Processor) fail(ctx context.Context, log *slog.Logger, e *types.QueueEntry, token string, cause error) outcome {
	reason := failureReason(cause)
	now := p.cfg.Clock.Now()
	var next *time.Time
	if delay := core.CalculateNextRetry(p.cfg.Retry, e.RetryCount); delay > 0 {
		at := now.Add(delay)
		next = &at
	}

	res, applied, err := p.cfg.Queue.RecordFailure(ctx, e.ID, token, reason, now, next)
	if err != nil {
		log.ErrorContext(ctx, "failed to record queue entry failure", "error", err, "reason", reason)
		return outcomeError
	}
	if !applied {
		return p.stale(ctx, log, "record_failure")
	}
	if res.Terminal {
		log.WarnContext(ctx, "queue entry failed permanently", "reason", reason, "retry_count", res.RetryCount)
		p.cfg.Metrics.RecordDelivery(ctx, p.cfg.Transport, e.Type, core.MetricFailed)
		return outcomeFailed
	}
	log.InfoContext(ctx, "queue entry will be retried", "reason", reason, "retry_count", res.RetryCount, "next_attempt_at", next)
	result := core.MetricRetrying
	if errors.Is(cause, core.ErrNoActiveTargets) {
		result = core.MetricNoTarget
	}
	p.cfg.Metrics.RecordDelivery(ctx, p.cfg.Transport, e.Type, result)
	return outcomeRetrying
}

// stale handles a conditional update that matched no row: the claim lapsed
// or the entry was cancelled while in flight. It is never retried.
func (p *Processor) stale(ctx context.Context, log *slog.Logger, op string) outcome {
	log.WarnContext(ctx, "queue entry changed while in flight, update skipped", "op", op)
	p.cfg.Metrics.RecordStaleUpdate(ctx)
	return outcomeStale
}

func (p *Processor) maybeSweep(ctx context.Context) int64 {
	if p.cfg.Retention == nil || p.cfg.RetentionInterval <= 0 {
		return 0
	}
	now := p.cfg.Clock.Now()
	p.mu.Lock()
	due := p.lastSweep.IsZero() || now.Sub(p.lastSweep) >= p.cfg.RetentionInterval
	if due {
		p.lastSweep = now
	}
	p.mu.Unlock()
	if !due {
		return 0
	}
	deleted, err := p.cfg.Retention.Sweep(ctx, now)
	if err != nil {
		p.cfg.Logger.ErrorContext(ctx, "retention sweep failed", "error", err, "deleted", deleted)
	}
	return deleted
}

// failureReason reduces a provider error to the reason stored on the entry.
func failureReason(err error) string {
	if err == nil {
		return "delivery_failed"
	}
	if errors.Is(err, core.ErrNoActiveTargets) {
		return types.ReasonNoActiveTargets
	}
	var te *core.TargetError
	reason := err.Error()
	if errors.As(err, &te) && te.Reason != "" {
		reason = te.Reason + ": " + reason
	}
	if len(reason) > maxReasonLength {
		reason = reason[:maxReasonLength]
	}
	return reason
}
