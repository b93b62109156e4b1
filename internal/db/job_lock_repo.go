package db

import (
	"context"
	"time"

	"kickoff/internal/types"
)

// JobLockRepository hands out time-boxed locks from the job_locks table so a
// scheduled job runs once per window even when invocations overlap.
type JobLockRepository struct {
	db DBTX
}

// NewJobLockRepository creates a JobLockRepository.
func NewJobLockRepository(db DBTX) *JobLockRepository {
	return &JobLockRepository{db: db}
}

// Acquire takes lockID for workerID until now+ttl. It returns false when
// another worker holds an unexpired lock. An expired lock is reclaimed in the
// same statement.
func (r *JobLockRepository) Acquire(ctx context.Context, lockID, workerID string, now time.Time, ttl time.Duration) (bool, error) {
	// expires_at is computed here; Go duration strings are not PG intervals.
	tag, err := r.db.Exec(ctx,
		`INSERT INTO job_locks (id, worker_id, locked_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		   SET worker_id = EXCLUDED.worker_id,
		       locked_at = EXCLUDED.locked_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE job_locks.expires_at < $3`,
		lockID, workerID, now, now.Add(ttl),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to acquire job lock", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Release drops a lock held by workerID so the next run need not wait for
// expiry.
func (r *JobLockRepository) Release(ctx context.Context, lockID, workerID string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM job_locks WHERE id = $1 AND worker_id = $2`,
		lockID, workerID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release job lock", err)
	}
	return nil
}
