package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"

	"kickoff/internal/types"
)

// Compile-time assertion that TargetProvider implements Provider.
var _ Provider = (*TargetProvider)(nil)

const (
	defaultTargetFanout    = 4
	defaultBulkConcurrency = 16
)

// TargetProvider implements Provider on top of a single Transport. For each
// request it resolves the recipient's active targets, delivers to each of
// them independently, deactivates targets the transport reports as gone, and
// folds the per-target outcomes into one SendResult.
type TargetProvider struct {
	transport       Transport
	targets         TargetStore
	breaker         *gobreaker.CircuitBreaker[struct{}]
	fanout          int
	bulkConcurrency int
	clock           types.Clock
	logger          types.Logger
	metrics         NotificationMetrics
}

// TargetProviderOption is a functional option for configuring a TargetProvider.
type TargetProviderOption func(*TargetProvider)

// WithFanout bounds concurrent deliveries to one recipient's targets.
func WithFanout(n int) TargetProviderOption {
	return func(p *TargetProvider) {
		if n > 0 {
			p.fanout = n
		}
	}
}

// WithBulkConcurrency bounds concurrent recipients in SendBulk.
func WithBulkConcurrency(n int) TargetProviderOption {
	return func(p *TargetProvider) {
		if n > 0 {
			p.bulkConcurrency = n
		}
	}
}

// WithClock overrides the clock used for last_used and deactivation stamps.
func WithClock(c types.Clock) TargetProviderOption {
	return func(p *TargetProvider) { p.clock = c }
}

// WithLogger sets the provider logger.
func WithLogger(l types.Logger) TargetProviderOption {
	return func(p *TargetProvider) { p.logger = l }
}

// WithMetrics sets the metrics sink for target deactivations.
func WithMetrics(m NotificationMetrics) TargetProviderOption {
	return func(p *TargetProvider) { p.metrics = m }
}

// WithBreaker replaces the default transport circuit breaker.
func WithBreaker(cb *gobreaker.CircuitBreaker[struct{}]) TargetProviderOption {
	return func(p *TargetProvider) { p.breaker = cb }
}

// NewTransportBreaker builds the breaker that guards a transport. Permanent
// target errors describe one dead endpoint, not an unhealthy upstream, so
// they count as successes.
func NewTransportBreaker(name string) *gobreaker.CircuitBreaker[struct{}] {
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err)
		},
	})
}

// NewTargetProvider creates a TargetProvider delivering through transport.
func NewTargetProvider(transport Transport, targets TargetStore, opts ...TargetProviderOption) *TargetProvider {
	p := &TargetProvider{
		transport:       transport,
		targets:         targets,
		fanout:          defaultTargetFanout,
		bulkConcurrency: defaultBulkConcurrency,
		clock:           types.RealClock{},
		logger:          types.NopLogger{},
		metrics:         NopMetrics{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.breaker == nil {
		p.breaker = NewTransportBreaker("push-" + string(transport.Name()))
	}
	return p
}

// Transport returns the name of the transport this provider delivers through.
func (p *TargetProvider) Transport() types.Transport {
	return p.transport.Name()
}

// Send delivers req to every active target of the recipient.
func (p *TargetProvider) Send(ctx context.Context, req SendRequest) SendResult {
	transport := p.transport.Name()
	targets, err := p.targets.ListActiveByRecipient(ctx, req.RecipientID, transport)
	if err != nil {
		return SendResult{Error: fmt.Errorf("Send: list targets: %w", err)}
	}
	if len(targets) == 0 {
		return SendResult{Success: true}
	}

	errs := make([]error, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.fanout)
	for i, target := range targets {
		g.Go(func() error {
			errs[i] = p.deliver(gctx, target, &req.Notification)
			return nil
		})
	}
	_ = g.Wait()

	var res SendResult
	var failures []error
	for i, target := range targets {
		err := errs[i]
		if err == nil {
			res.DeliveredCount++
			if touchErr := p.targets.TouchLastUsed(ctx, target.ID, p.clock.Now()); touchErr != nil {
				p.logger.Warn("failed to touch delivery target",
					"target_id", target.ID,
					"error", touchErr.Error(),
				)
			}
			continue
		}

		res.FailedCount++
		failures = append(failures, err)

		var te *TargetError
		if errors.As(err, &te) && te.Permanent {
			p.deactivate(ctx, target, te)
			res.Deactivated++
		} else {
			p.logger.Warn("push delivery failed",
				"transport", string(transport),
				"target_id", target.ID,
				"recipient_id", req.RecipientID,
				"entry_id", req.EntryID,
				"error", err.Error(),
			)
		}
	}

	res.Success = res.DeliveredCount > 0 || res.FailedCount == 0
	if !res.Success {
		res.Error = errors.Join(failures...)
	}
	return res
}

// SendBulk sends every request independently. One failing request never
// affects the others.
func (p *TargetProvider) SendBulk(ctx context.Context, reqs []SendRequest) []SendResult {
	results := make([]SendResult, len(reqs))
	var g errgroup.Group
	g.SetLimit(p.bulkConcurrency)
	for i, req := range reqs {
		g.Go(func() error {
			results[i] = p.Send(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (p *TargetProvider) deliver(ctx context.Context, target *types.DeliveryTarget, n *types.Notification) error {
	_, err := p.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, p.transport.Deliver(ctx, target, n)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &TargetError{Reason: "circuit_open", Err: err}
	}
	return err
}

func (p *TargetProvider) deactivate(ctx context.Context, target *types.DeliveryTarget, te *TargetError) {
	reason := te.Reason
	if reason == "" {
		reason = "gone"
	}
	if err := p.targets.Deactivate(ctx, target.ID, reason, p.clock.Now()); err != nil {
		p.logger.Error("failed to deactivate delivery target",
			"target_id", target.ID,
			"reason", reason,
			"error", err.Error(),
		)
		return
	}
	p.metrics.RecordTargetDeactivated(ctx, p.transport.Name())
	p.logger.Info("delivery target deactivated",
		"transport", string(p.transport.Name()),
		"target_id", target.ID,
		"recipient_id", target.RecipientID,
		"reason", reason,
		"status_code", te.StatusCode,
	)
}
