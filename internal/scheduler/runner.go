package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Batcher is one poll of work.
type Batcher interface {
	ProcessBatch(ctx context.Context) (BatchStats, error)
}

// Runner drives a Batcher on a fixed interval. A tick that arrives while a
// batch is still running is skipped, so batches never overlap.
type Runner struct {
	batcher  Batcher
	interval time.Duration
	logger   *slog.Logger

	running atomic.Bool
	wg      sync.WaitGroup
	skipped atomic.Int64
}

// NewRunner creates a Runner.
func NewRunner(b Batcher, interval time.Duration, logger *slog.Logger) *Runner {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{batcher: b, interval: interval, logger: logger}
}

// Run polls immediately and then on every tick until ctx is cancelled. On
// cancellation it stops ticking and waits for the in-flight batch, which runs
// on a context detached from ctx so shutdown does not abort half-recorded
// deliveries. Per-entry send timeouts bound the wait.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("queue processor stopping, draining in-flight batch")
			r.wg.Wait()
			r.logger.Info("queue processor stopped")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		r.skipped.Add(1)
		r.logger.Warn("previous queue batch still running, skipping tick")
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.running.Store(false)

		batchCtx := context.WithoutCancel(ctx)
		stats, err := r.batcher.ProcessBatch(batchCtx)
		if err != nil {
			r.logger.ErrorContext(batchCtx, "queue batch failed", "error", err)
			return
		}
		if stats.Claimed > 0 || stats.Swept > 0 {
			r.logger.InfoContext(batchCtx, "queue batch complete",
				"claimed", stats.Claimed,
				"sent", stats.Sent,
				"retrying", stats.Retrying,
				"failed", stats.Failed,
				"stale", stats.Stale,
				"swept", stats.Swept,
			)
		}
	}()
}

// Skipped reports how many ticks were skipped because a batch was running.
func (r *Runner) Skipped() int64 {
	return r.skipped.Load()
}
