package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetentionChunk bounds each DELETE issued by the sweep.
const DefaultRetentionChunk = 1000

// SentDeleter removes sent entries older than a cutoff.
type SentDeleter interface {
	DeleteSentBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// RetentionSweeper deletes sent queue entries past the retention horizon.
// Pending and failed entries are never deleted.
type RetentionSweeper struct {
	queue     SentDeleter
	retention time.Duration
	chunk     int
	logger    *slog.Logger
}

// NewRetentionSweeper creates a sweeper. retention defaults to 30 days.
func NewRetentionSweeper(queue SentDeleter, retention time.Duration, chunk int, logger *slog.Logger) *RetentionSweeper {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	if chunk <= 0 {
		chunk = DefaultRetentionChunk
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionSweeper{queue: queue, retention: retention, chunk: chunk, logger: logger}
}

// Sweep deletes in chunks until a chunk comes back short or ctx ends. It
// returns the total deleted, which is accurate even when an error stops it.
func (s *RetentionSweeper) Sweep(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-s.retention)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.queue.DeleteSentBefore(ctx, cutoff, s.chunk)
		total += n
		if err != nil {
			return total, fmt.Errorf("Sweep: %w", err)
		}
		if n < int64(s.chunk) {
			break
		}
	}
	if total > 0 {
		s.logger.InfoContext(ctx, "retention sweep complete",
			"deleted", total,
			"cutoff", cutoff.Format(time.RFC3339),
		)
	}
	return total, nil
}
