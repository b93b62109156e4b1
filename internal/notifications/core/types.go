// Package core provides the delivery infrastructure shared by every push
// transport: the Provider contract, per-recipient target fan-out with target
// deactivation, the quiet-hour rule, retry backoff, and delivery metrics.
package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kickoff/internal/types"
)

// SendRequest is one notification addressed to one recipient. The provider
// resolves the recipient's delivery targets at send time.
type SendRequest struct {
	RecipientID  string
	Notification types.Notification
	// EntryID correlates the request with a queue entry in logs. Empty for
	// immediate sends.
	EntryID string
}

// SendResult reports the outcome of one SendRequest.
//
// Success is true when at least one target delivered or when no target
// failed. A recipient without active targets yields Success=true with
// DeliveredCount=0; callers decide what that means.
type SendResult struct {
	Success        bool
	DeliveredCount int
	FailedCount    int
	Deactivated    int
	Error          error
}

// Provider delivers notifications to recipients. Implementations are safe for
// concurrent use and are constructed once at startup.
type Provider interface {
	Send(ctx context.Context, req SendRequest) SendResult
	// SendBulk sends every request independently with bounded parallelism.
	// The result slice is index-aligned with reqs.
	SendBulk(ctx context.Context, reqs []SendRequest) []SendResult
}

// Transport delivers one payload to one target. It classifies failures by
// returning a *TargetError.
type Transport interface {
	Name() types.Transport
	Deliver(ctx context.Context, target *types.DeliveryTarget, n *types.Notification) error
}

// TargetStore is the slice of the subscription registry the provider needs.
type TargetStore interface {
	ListActiveByRecipient(ctx context.Context, recipientID string, transport types.Transport) ([]*types.DeliveryTarget, error)
	Deactivate(ctx context.Context, id, reason string, at time.Time) error
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

// ErrNoActiveTargets marks a send that found nothing to deliver to.
var ErrNoActiveTargets = errors.New(types.ReasonNoActiveTargets)

// TargetError is a classified transport failure.
type TargetError struct {
	// Permanent means the target itself is gone and must be deactivated.
	Permanent bool
	// StatusCode is the upstream HTTP status when there was one.
	StatusCode int
	// Reason is the short deactivation or failure reason persisted with the
	// target or entry.
	Reason string
	Err    error
}

func (e *TargetError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	msg := fmt.Sprintf("%s target error", kind)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status=%d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TargetError) Unwrap() error { return e.Err }

// IsPermanent reports whether err carries a permanent TargetError.
func IsPermanent(err error) bool {
	var te *TargetError
	return errors.As(err, &te) && te.Permanent
}

// MetricResult categorizes a delivery outcome for metrics reporting.
type MetricResult string

const (
	MetricSuccess  MetricResult = "success"
	MetricRetrying MetricResult = "retrying"
	MetricFailed   MetricResult = "failed"
	MetricNoTarget MetricResult = "no_target"
)

// NotificationMetrics abstracts the telemetry backend.
type NotificationMetrics interface {
	RecordDelivery(ctx context.Context, transport types.Transport, kind types.NotificationType, result MetricResult)
	RecordLatency(ctx context.Context, transport types.Transport, duration time.Duration)
	RecordQueueLag(ctx context.Context, lag time.Duration)
	RecordTargetDeactivated(ctx context.Context, transport types.Transport)
	// RecordStaleUpdate counts conditional queue updates that matched no row.
	RecordStaleUpdate(ctx context.Context)
}

// RetryPolicy defines the exponential backoff between queue retries.
type RetryPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy is used when configuration does not override it.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:   3,
	BaseDelay:     30 * time.Second,
	MaxDelay:      15 * time.Minute,
	BackoffFactor: 2.0,
}

// CalculateNextRetry computes the delay before the next retry attempt using
// exponential backoff: delay = min(BaseDelay * BackoffFactor^attempt, MaxDelay).
// A zero BaseDelay disables backoff.
func CalculateNextRetry(policy RetryPolicy, attempt int) time.Duration {
	if policy.BaseDelay <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(policy.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= policy.BackoffFactor
		if policy.MaxDelay > 0 && delay > float64(policy.MaxDelay) {
			break
		}
	}

	d := time.Duration(delay)
	if policy.MaxDelay > 0 && d > policy.MaxDelay {
		d = policy.MaxDelay
	}
	if d < 0 {
		// Guard against overflow
		d = policy.MaxDelay
	}

	return d
}
