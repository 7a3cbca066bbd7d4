// Package store provides the data access layer over pgxpool. All queue
// mutations are single-row conditional UPDATEs guarded by a status predicate,
// so cross-process coordination relies only on Postgres row locking.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the central data access object for the job queue and the
// worker heartbeat registry.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pgxpool for callers that need direct access
// (connectivity checks, test fixtures).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping verifies database connectivity. Used as the startup smoke test
// before the worker loop begins polling.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// IsTransient reports whether err looks like a recoverable infrastructure
// failure: connection loss, serialization failure, lock timeout, resource
// exhaustion. Transient errors drive the poll-cycle backoff; everything
// else is surfaced to the caller unchanged.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
			"57P03", // cannot_connect_now
			"53300", // too_many_connections
			"08000", "08003", "08006": // connection exceptions
			return true
		}
		return false
	}
	// pgconn returns a plain error (not *PgError) when the connection itself
	// is gone; pgx.ErrTxClosed shows up when a tx dies mid-flight.
	if errors.Is(err, pgx.ErrTxClosed) {
		return true
	}
	var connErr *pgconn.ConnectError
	return errors.As(err, &connErr) || pgconn.Timeout(err)
}
