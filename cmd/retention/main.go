// Package main is the entrypoint for the queue retention Lambda.
//
// An EventBridge schedule invokes it hourly when QUEUE_INLINE_RETENTION is
// off. Each invocation takes a per-hour job lock and deletes sent queue
// entries older than QUEUE_RETENTION.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/google/uuid"

	"kickoff/internal/config"
	"kickoff/internal/db"
	"kickoff/internal/scheduler"
)

const (
	lockTTL    = 15 * time.Minute
	lockPrefix = "queue_retention"
)

// Payload is the EventBridge input. ReferenceTime replays a sweep as of a
// fixed instant.
type Payload struct {
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}

// Sweeper deletes expired sent entries.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int64, error)
}

// JobLocker guards against overlapping invocations.
type JobLocker interface {
	Acquire(ctx context.Context, lockID, workerID string, now time.Time, ttl time.Duration) (bool, error)
	Release(ctx context.Context, lockID, workerID string) error
}

// Handler holds the Lambda dependencies. They are built once per cold start.
type Handler struct {
	Sweeper  Sweeper
	Locks    JobLocker
	WorkerID string
	Logger   *slog.Logger
	Now      func() time.Time
}

// Handle runs one retention sweep.
func (h *Handler) Handle(ctx context.Context, payload Payload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now().UTC()
	if h.Now != nil {
		now = h.Now().UTC()
	}
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}

	lockID := fmt.Sprintf("%s:%s", lockPrefix, now.Truncate(time.Hour).Format("2006-01-02T15"))
	logger.InfoContext(ctx, "retention handler invoked",
		"reference_time", now.Format(time.RFC3339),
		"lock_id", lockID,
		"worker_id", h.WorkerID,
	)

	acquired, err := h.Locks.Acquire(ctx, lockID, h.WorkerID, now, lockTTL)
	if err != nil {
		return "", fmt.Errorf("acquiring job lock %s: %w", lockID, err)
	}
	if !acquired {
		logger.InfoContext(ctx, "job lock held by another worker", "lock_id", lockID)
		return fmt.Sprintf("skipped: lock %s held by another worker", lockID), nil
	}
	defer func() {
		if err := h.Locks.Release(context.WithoutCancel(ctx), lockID, h.WorkerID); err != nil {
			logger.WarnContext(ctx, "failed to release job lock", "lock_id", lockID, "error", err)
		}
	}()

	deleted, err := h.Sweeper.Sweep(ctx, now)
	if err != nil {
		logger.ErrorContext(ctx, "retention sweep failed",
			"error", err,
			"deleted_before_error", deleted,
		)
		return "", fmt.Errorf("retention sweep: %w", err)
	}

	result := fmt.Sprintf("retention complete: %d entries deleted", deleted)
	logger.InfoContext(ctx, result, "deleted", deleted)
	return result, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("retention Lambda initializing (cold start)")

	cfg, err := config.LoadJobConfig(config.ProviderFor(os.Getenv("APP_ENV"), os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL")))
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	pool, err := db.NewPool(context.Background(), cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	handler := &Handler{
		Sweeper:  scheduler.NewRetentionSweeper(db.NewQueueRepository(pool), cfg.Queue.RetentionPeriod, 0, logger),
		Locks:    db.NewJobLockRepository(pool),
		WorkerID: uuid.NewString(),
		Logger:   logger,
	}
	logger.Info("retention Lambda initialized", "worker_id", handler.WorkerID)

	lambda.Start(handler.Handle)
}
