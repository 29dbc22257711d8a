package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement-engine/internal/core/ports"
	"settlement-engine/pkg/apperror"
	"settlement-engine/pkg/backoff"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// Postgres error codes treated as transient lock contention.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

// RetryPolicy bounds the transparent retry of transactions that hit a StorageConflict.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is used when the configuration leaves retries unset.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 20 * time.Millisecond, MaxDelay: 500 * time.Millisecond}
}

// run executes fn, re-running it from scratch while it fails with StorageConflict.
// fn must open its own transaction so every attempt reloads fresh state.
func (p RetryPolicy) run(ctx context.Context, op string, metrics ports.MetricsRecorder, log zerolog.Logger, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !apperror.HasCode(err, apperror.CodeStorageConflict) {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		metrics.ObserveConflictRetry(op)
		log.Warn().Err(err).Str("operation", op).Int("attempt", attempt+1).Msg("storage conflict, retrying")

		if sleepErr := backoff.SleepWithContext(ctx, backoff.ExponentialWithJitter(p.BaseDelay, p.MaxDelay, attempt)); sleepErr != nil {
			return err
		}
	}
	return err
}

// isConflict reports whether err is transient lock contention.
func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return true
		}
	}
	return false
}

// storageError wraps a repository failure as StorageConflict or InternalError.
func storageError(op string, err error) error {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return err
	}
	wrapped := fmt.Errorf("%s: %w", op, err)
	if isConflict(err) {
		return apperror.ErrStorageConflict(wrapped)
	}
	return apperror.InternalError(wrapped)
}
