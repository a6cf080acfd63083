// Package storage provides the PostgreSQL storage layer for Shugo.
//
// It manages connection pooling via pgxpool and implements the store
// interfaces of every governance service. Mutations that must be audited
// take the audit entry as an argument and write it in the same transaction.
// Methods that derive the entry's before or after state take a pointer and
// fill it in, so callers publish exactly the row that committed.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Transactions that fail with a serialization failure or deadlock are
// retried whole, up to txMaxAttempts times in total.
const (
	txMaxAttempts = 4
	txBaseDelay   = 10 * time.Millisecond
)

// DB wraps a pgxpool.Pool.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a new DB with a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close(_ context.Context) {
	db.pool.Close()
}

// withTx runs fn inside a transaction, re-running the whole transaction on
// serialization failures and deadlocks. The mutation and the audit entry it
// carries commit or roll back together on every attempt, and the entry keeps
// its ID across attempts, so a retried mutation still logs exactly one row.
func (db *DB) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return retryTx(ctx, db.logger, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit tx: %w", err)
		}
		return nil
	})
}

// retryTx calls attempt until it succeeds, fails with a non-transient error,
// or txMaxAttempts is reached.
func retryTx(ctx context.Context, logger *slog.Logger, attempt func() error) error {
	var err error
	for n := 1; n <= txMaxAttempts; n++ {
		if err = attempt(); err == nil || !transient(err) {
			return err
		}
		if n == txMaxAttempts {
			break
		}
		wait := txBackoff(n, rand.Int64N)
		logger.Debug("storage: transaction conflict, retrying", "attempt", n, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("storage: gave up after %d attempts: %w", txMaxAttempts, err)
}

// txBackoff is the wait after failed attempt n: txBaseDelay doubled per
// attempt plus up to the same amount again of jitter.
func txBackoff(n int, jitter func(int64) int64) time.Duration {
	d := txBaseDelay << (n - 1)
	return d + time.Duration(jitter(int64(d)))
}
