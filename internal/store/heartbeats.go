package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// HealthStatus is the coarse liveness state of one worker process, reported
// through the worker_heartbeats table for external monitors.
type HealthStatus string

const (
	HealthStarting HealthStatus = "starting"
	HealthRunning  HealthStatus = "running"
	HealthDegraded HealthStatus = "degraded"
	HealthStopped  HealthStatus = "stopped"
)

// WorkerHealth is one row of the worker_heartbeats registry.
type WorkerHealth struct {
	WorkerID   string
	WorkerType string
	Hostname   string
	Status     HealthStatus
	StartedAt  time.Time
	LastSeenAt time.Time
}

const upsertHeartbeatSQL = `
INSERT INTO worker_heartbeats (worker_id, worker_type, hostname, status)
VALUES ($1, $2, $3, $4)
ON CONFLICT (worker_id)
DO UPDATE SET status = excluded.status, last_seen_at = now()`

// UpsertWorkerHealth records the worker's current state and refreshes its
// last_seen_at stamp. One row per worker_id; restarts reuse the row.
func (s *Store) UpsertWorkerHealth(ctx context.Context, workerID, workerType, hostname string, status HealthStatus) error {
	if _, err := s.pool.Exec(ctx, upsertHeartbeatSQL, workerID, workerType, hostname, status); err != nil {
		return fmt.Errorf("upsert worker health %q: %w", workerID, err)
	}
	return nil
}

// GetWorkerHealth returns the health row for workerID, or nil when the
// worker has never reported.
func (s *Store) GetWorkerHealth(ctx context.Context, workerID string) (*WorkerHealth, error) {
	var h WorkerHealth
	err := s.pool.QueryRow(ctx, `
		SELECT worker_id, worker_type, hostname, status, started_at, last_seen_at
		FROM worker_heartbeats WHERE worker_id = $1`, workerID).
		Scan(&h.WorkerID, &h.WorkerType, &h.Hostname, &h.Status, &h.StartedAt, &h.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get worker health %q: %w", workerID, err)
	}
	return &h, nil
}

// ListWorkerHealth returns all registered workers ordered by most recently
// seen. Operator tooling and the health endpoint use this.
func (s *Store) ListWorkerHealth(ctx context.Context) ([]WorkerHealth, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT worker_id, worker_type, hostname, status, started_at, last_seen_at
		FROM worker_heartbeats ORDER BY last_seen_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list worker health: %w", err)
	}
	defer rows.Close()

	var result []WorkerHealth
	for rows.Next() {
		var h WorkerHealth
		if err := rows.Scan(&h.WorkerID, &h.WorkerType, &h.Hostname, &h.Status, &h.StartedAt, &h.LastSeenAt); err != nil {
			return nil, fmt.Errorf("list worker health: scan: %w", err)
		}
		result = append(result, h)
	}
	return result, rows.Err()
}
