package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// JobStatus is the lifecycle state of a job row. Transitions are monotonic:
// pending → processing → completed|failed. processing → processing is only
// reachable via stale takeover, and failed → pending only via ResetFailedJob.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Job is one unit of work in the ingest_jobs table. The payload carries a
// kind tag plus an opaque JSON body; both are meaningful only to the handler
// registered for that kind.
type Job struct {
	ID             uuid.UUID
	IdempotencyKey string
	Kind           string
	Payload        json.RawMessage
	Status         JobStatus
	RecordCount    *int32
	ErrorMessage   *string
	ErrorType      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// ClaimResult describes the outcome of a TryClaim attempt.
type ClaimResult int

const (
	// Claimed: the pending → processing transition succeeded.
	Claimed ClaimResult = iota
	// StaleTakeover: an abandoned processing row was reclaimed because its
	// lease (updated_at) exceeded the stale threshold.
	StaleTakeover
	// AlreadyRunning: another worker holds a live processing lease.
	AlreadyRunning
	// AlreadyCompleted: terminal; the caller must not reprocess.
	AlreadyCompleted
	// AlreadyFailed: terminal; requeue requires an explicit ResetFailedJob.
	AlreadyFailed
	// NotFound: no row exists for the key. CreateOrGet precedes every claim
	// attempt, so this does not occur on the normal path.
	NotFound
)

// String returns the result name for logs.
func (r ClaimResult) String() string {
	switch r {
	case Claimed:
		return "claimed"
	case StaleTakeover:
		return "stale_takeover"
	case AlreadyRunning:
		return "already_running"
	case AlreadyCompleted:
		return "already_completed"
	case AlreadyFailed:
		return "already_failed"
	case NotFound:
		return "not_found"
	}
	return "unknown"
}

const jobColumns = `id, idempotency_key, kind, payload, status, record_count,
	error_message, error_type, created_at, updated_at, started_at, completed_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.IdempotencyKey, &j.Kind, &j.Payload, &j.Status,
		&j.RecordCount, &j.ErrorMessage, &j.ErrorType,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// createOrGetSQL upserts on the idempotency_key unique constraint. The
// conflict arm assigns idempotency_key to itself so RETURNING yields the
// existing row; status and payload are never touched on resubmission.
const createOrGetSQL = `
INSERT INTO ingest_jobs (idempotency_key, kind, payload)
VALUES ($1, $2, $3)
ON CONFLICT (idempotency_key)
DO UPDATE SET idempotency_key = excluded.idempotency_key
RETURNING ` + jobColumns

// CreateOrGet inserts a pending job for key, or returns the existing row
// unchanged when the key has been seen before. Safe under concurrent calls
// with the same key: the unique constraint resolves the race, not a
// read-then-write.
func (s *Store) CreateOrGet(ctx context.Context, key, kind string, payload json.RawMessage) (*Job, error) {
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	job, err := scanJob(s.pool.QueryRow(ctx, createOrGetSQL, key, kind, payload))
	if err != nil {
		return nil, fmt.Errorf("create or get job %q: %w", key, err)
	}
	return job, nil
}

const claimPendingSQL = `
UPDATE ingest_jobs
SET status = 'processing', started_at = now(), updated_at = now()
WHERE idempotency_key = $1 AND status = 'pending'
RETURNING ` + jobColumns

const claimStaleSQL = `
UPDATE ingest_jobs
SET status = 'processing', started_at = now(), updated_at = now()
WHERE idempotency_key = $1
  AND status = 'processing'
  AND updated_at < now() - ($2 * interval '1 second')
RETURNING ` + jobColumns

// TryClaim attempts to claim the job for key. The pending claim and the
// stale takeover are each a single conditional UPDATE, so two workers racing
// on the same row cannot both observe success: the row lock serializes them
// and the status/updated_at predicate fails for the loser.
func (s *Store) TryClaim(ctx context.Context, key string, staleThreshold time.Duration) (ClaimResult, *Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, claimPendingSQL, key))
	if err == nil {
		return Claimed, job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, fmt.Errorf("claim job %q: %w", key, err)
	}

	job, err = scanJob(s.pool.QueryRow(ctx, claimStaleSQL, key, staleThreshold.Seconds()))
	if err == nil {
		return StaleTakeover, job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, fmt.Errorf("stale claim job %q: %w", key, err)
	}

	// Neither claim succeeded; report why.
	existing, err := s.GetJob(ctx, key)
	if err != nil {
		return 0, nil, err
	}
	if existing == nil {
		return NotFound, nil, nil
	}
	switch existing.Status {
	case StatusProcessing:
		return AlreadyRunning, existing, nil
	case StatusCompleted:
		return AlreadyCompleted, existing, nil
	case StatusFailed:
		return AlreadyFailed, existing, nil
	}
	// A pending row that we failed to claim means another worker took it
	// between our two statements and it is now processing.
	return AlreadyRunning, existing, nil
}

const claimNextPendingSQL = `
UPDATE ingest_jobs
SET status = 'processing', started_at = now(), updated_at = now()
WHERE id = (
    SELECT id FROM ingest_jobs
    WHERE status = 'pending'
    ORDER BY created_at
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
RETURNING ` + jobColumns

const claimNextStaleSQL = `
UPDATE ingest_jobs
SET status = 'processing', started_at = now(), updated_at = now()
WHERE id = (
    SELECT id FROM ingest_jobs
    WHERE status = 'processing'
      AND updated_at < now() - ($1 * interval '1 second')
    ORDER BY updated_at
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
RETURNING ` + jobColumns

// ClaimNext claims the oldest pending job, or failing that the most
// overdue stale processing job, using FOR UPDATE SKIP LOCKED so concurrent
// workers never block on or double-claim the same row. Returns (nil, false,
// nil) when nothing is claimable. stale reports whether the claim was a
// takeover of an abandoned lease.
func (s *Store) ClaimNext(ctx context.Context, staleThreshold time.Duration) (job *Job, stale bool, err error) {
	job, err = scanJob(s.pool.QueryRow(ctx, claimNextPendingSQL))
	if err == nil {
		return job, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("claim next job: %w", err)
	}

	job, err = scanJob(s.pool.QueryRow(ctx, claimNextStaleSQL, staleThreshold.Seconds()))
	if err == nil {
		return job, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("claim next stale job: %w", err)
	}
	return nil, false, nil
}

const markCompletedSQL = `
UPDATE ingest_jobs
SET status = 'completed', record_count = $2,
    completed_at = now(), updated_at = now()
WHERE id = $1 AND status = 'processing'`

// MarkCompleted records a successful run. Guarded by status='processing' so
// a late completion after a stale takeover cannot clobber the new owner's
// terminal write.
func (s *Store) MarkCompleted(ctx context.Context, id uuid.UUID, recordCount int) error {
	if _, err := s.pool.Exec(ctx, markCompletedSQL, id, recordCount); err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

const markFailedSQL = `
UPDATE ingest_jobs
SET status = 'failed', error_message = $2, error_type = $3,
    completed_at = now(), updated_at = now()
WHERE id = $1 AND status = 'processing'`

// MarkFailed records a permanent handler failure. Failed jobs are terminal
// and are never retried automatically; ResetFailedJob requeues them.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, errMsg, errType string) error {
	if _, err := s.pool.Exec(ctx, markFailedSQL, id, errMsg, errType); err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return nil
}

const touchSQL = `
UPDATE ingest_jobs
SET updated_at = now()
WHERE id = $1 AND status = 'processing'`

// Touch refreshes the claim lease. The status predicate makes a heartbeat
// issued after the claim was lost (stale takeover, terminal write) a silent
// no-op rather than a corruption.
func (s *Store) Touch(ctx context.Context, id uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, touchSQL, id); err != nil {
		return fmt.Errorf("touch job %s: %w", id, err)
	}
	return nil
}

const resetFailedSQL = `
UPDATE ingest_jobs
SET status = 'pending', record_count = NULL, error_message = NULL,
    error_type = NULL, started_at = NULL, completed_at = NULL,
    updated_at = now()
WHERE idempotency_key = $1 AND status = 'failed'`

// ResetFailedJob requeues a terminally-failed job, clearing all result
// fields. Returns false when the key does not exist or is not failed.
// This is the only failed → pending path.
func (s *Store) ResetFailedJob(ctx context.Context, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx, resetFailedSQL, key)
	if err != nil {
		return false, fmt.Errorf("reset failed job %q: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetJob returns the job for key, or nil when no row exists.
func (s *Store) GetJob(ctx context.Context, key string) (*Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM ingest_jobs WHERE idempotency_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %q: %w", key, err)
	}
	return job, nil
}

// ListJobsFilter narrows ListJobs results. Zero values mean "no filter".
type ListJobsFilter struct {
	Status JobStatus
	Kind   string
	Limit  int
}

// ListJobs returns jobs newest-first, optionally filtered by status and
// kind. Operator tooling only; the worker loop never lists.
func (s *Store) ListJobs(ctx context.Context, f ListJobsFilter) ([]Job, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	psql := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	sb := psql.
		Select(jobColumns).
		From("ingest_jobs").
		OrderBy("created_at DESC, id DESC").
		Limit(uint64(f.Limit)) //nolint:gosec // G115: limit validated above

	if f.Status != "" {
		sb = sb.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.Kind != "" {
		sb = sb.Where(sq.Eq{"kind": f.Kind})
	}

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("list jobs: build query: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var result []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: scan: %w", err)
		}
		result = append(result, *j)
	}
	return result, rows.Err()
}
