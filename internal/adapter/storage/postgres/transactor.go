package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Transactor implements ports.DBTransactor using pgxpool.Pool.
type Transactor struct {
	pool        Pool
	lockTimeout time.Duration
}

// NewTransactor creates a new Transactor wrapping the connection pool.
// A positive lockTimeout bounds every row lock taken inside the transaction;
// a lock wait that exceeds it fails with SQLSTATE 55P03.
func NewTransactor(pool Pool, lockTimeout time.Duration) *Transactor {
	return &Transactor{pool: pool, lockTimeout: lockTimeout}
}

// Begin starts a new database transaction.
func (t *Transactor) Begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	if t.lockTimeout <= 0 {
		return tx, nil
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", t.lockTimeout.Milliseconds())); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("set lock timeout: %w", err)
	}
	return tx, nil
}
