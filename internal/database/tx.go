package database

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"time"
)

const (
	maxTxAttempts = 3
	baseBackoff   = 50 * time.Millisecond
)

// WithTx runs fn inside a transaction, rolling back if fn fails and
// committing otherwise.
func WithTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// WithTxRetry runs fn like WithTx but re-attempts serialization aborts,
// deadlocks, and lock timeouts with exponential backoff and jitter. fn must
// be safe to run more than once.
func WithTxRetry(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	backoff := baseBackoff
	var lastErr error

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := WithTx(ctx, db, fn)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err

		jitter := time.Duration(rand.Int63n(int64(backoff / 2)))
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}

	return fmt.Errorf("transaction retries exhausted: %w", lastErr)
}
