package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mccabetrow/dragonfly-civil-sub002/internal/store"
)

// ErrDatabaseUnavailable is returned by Run when the startup connectivity
// check stays broken past the configured retry ceiling. main maps it to a
// dedicated exit code so operators can distinguish it from a generic crash.
var ErrDatabaseUnavailable = errors.New("database unavailable after startup retries")

// JobStore is the store surface the loop depends on. *store.Store satisfies
// it; tests substitute an in-memory fake.
type JobStore interface {
	Ping(ctx context.Context) error
	CreateOrGet(ctx context.Context, key, kind string, payload json.RawMessage) (*store.Job, error)
	TryClaim(ctx context.Context, key string, staleThreshold time.Duration) (store.ClaimResult, *store.Job, error)
	ClaimNext(ctx context.Context, staleThreshold time.Duration) (*store.Job, bool, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, recordCount int) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg, errType string) error
	Touch(ctx context.Context, id uuid.UUID) error
}

// Config holds the loop's tuning parameters, typically sourced from
// config.Config. Zero durations fall back to the documented defaults.
type Config struct {
	WorkerID           string
	WorkerType         string
	Hostname           string
	PollInterval       time.Duration
	HeartbeatInterval  time.Duration
	StaleThreshold     time.Duration
	CrashLoopThreshold int
	StartupAttempts    int
	Backoff            BackoffConfig
}

func (c *Config) applyDefaults() {
	if c.WorkerID == "" {
		c.WorkerID = uuid.New().String()
	}
	if c.WorkerType == "" {
		c.WorkerType = "ingest"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 5 * time.Minute
	}
	if c.CrashLoopThreshold <= 0 {
		c.CrashLoopThreshold = 10
	}
	if c.StartupAttempts <= 0 {
		c.StartupAttempts = 10
	}
}

// Loop is the single-job-at-a-time worker state machine. One Loop runs per
// process; horizontal scale means more processes against the same table,
// coordinated only by the store's atomic claim operations.
type Loop struct {
	st       JobStore
	registry *Registry
	health   *HealthReporter
	backoff  *BackoffState
	metrics  *Collector
	cfg      Config
	log      *slog.Logger

	// isTransient classifies infrastructure errors. Overridable in tests;
	// defaults to store.IsTransient.
	isTransient func(error) bool
}

// New creates a Loop. All dependencies are injected; there is no package
// state.
func New(st JobStore, hs HealthStore, registry *Registry, metrics *Collector, cfg Config) *Loop {
	cfg.applyDefaults()
	return &Loop{
		st:       st,
		registry: registry,
		health: NewHealthReporter(
			hs, cfg.WorkerID, cfg.WorkerType, cfg.Hostname, cfg.HeartbeatInterval,
		),
		backoff:     NewBackoffState(cfg.Backoff),
		metrics:     metrics,
		cfg:         cfg,
		log:         slog.Default().With("worker_id", cfg.WorkerID),
		isTransient: store.IsTransient,
	}
}

// Health returns the loop's health reporter, for the health endpoint.
func (l *Loop) Health() *HealthReporter { return l.health }

// Run executes the worker state machine until ctx is cancelled. A claimed
// job in flight when the signal arrives runs to completion; no new claims
// are attempted afterwards. Returns ErrDatabaseUnavailable when the startup
// connectivity check exhausts its retry ceiling.
func (l *Loop) Run(ctx context.Context) error {
	l.health.Transition(ctx, store.HealthStarting)
	defer l.reportStopped()

	if err := l.waitForDatabase(ctx); err != nil {
		return err
	}
	l.log.Info("worker started",
		"kinds", l.registry.Kinds(),
		"poll_interval", l.cfg.PollInterval,
		"stale_threshold", l.cfg.StaleThreshold,
	)

	for {
		if ctx.Err() != nil {
			l.log.Info("worker stopping")
			return nil
		}

		claimed, err := l.pollOnce(ctx)
		switch {
		case err != nil && l.isTransient(err):
			delay := l.backoff.RecordFailure()
			l.metrics.recordBackoff(l.backoff.ConsecutiveFailures(), delay)
			l.log.Warn("transient failure, backing off",
				"delay", delay,
				"consecutive_failures", l.backoff.ConsecutiveFailures(),
				"error", err,
			)
			if l.backoff.IsInCrashLoop(l.cfg.CrashLoopThreshold) {
				l.health.Transition(ctx, store.HealthDegraded)
			}
			if !l.sleep(ctx, delay) {
				return nil
			}
		case err != nil:
			// Non-transient store errors are not the handler's fault and not
			// retryable; log and keep polling at the normal cadence.
			l.log.Error("poll cycle error", "error", err)
			if !l.sleep(ctx, l.cfg.PollInterval) {
				return nil
			}
		case claimed:
			// Claim again immediately; drain the backlog without sleeping.
		default:
			if !l.sleep(ctx, l.cfg.PollInterval) {
				return nil
			}
		}
	}
}

// waitForDatabase runs the startup smoke test, retrying with backoff up to
// the configured ceiling.
func (l *Loop) waitForDatabase(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := l.st.Ping(ctx)
		if err == nil {
			l.backoff.RecordSuccess()
			return nil
		}
		if attempt >= l.cfg.StartupAttempts {
			l.log.Error("database unreachable, giving up",
				"attempts", attempt, "error", err)
			return fmt.Errorf("%w: %v", ErrDatabaseUnavailable, err)
		}
		delay := l.backoff.RecordFailure()
		l.log.Warn("database not ready, retrying",
			"attempt", attempt, "delay", delay, "error", err)
		if !l.sleep(ctx, delay) {
			return nil
		}
	}
}

// pollOnce performs one claim attempt and, when a job is claimed, processes
// it to a terminal state. The returned error is the transient-classifiable
// infrastructure failure, if any; handler failures are recorded on the job
// row and never returned.
func (l *Loop) pollOnce(ctx context.Context) (claimed bool, err error) {
	job, stale, err := l.st.ClaimNext(ctx, l.cfg.StaleThreshold)
	if err != nil {
		return false, err
	}

	// The poll round-trip succeeded: clear any backoff streak and report
	// running (also recovers from degraded).
	l.backoff.RecordSuccess()
	l.metrics.recordRecovered()
	if l.health.Status() != store.HealthRunning {
		l.health.Transition(ctx, store.HealthRunning)
	}
	l.health.Beat(ctx)

	if job == nil {
		return false, nil
	}
	return true, l.process(ctx, job, stale)
}

// process dispatches one claimed job to its handler and writes the terminal
// state. The heartbeat and the handler run on a context detached from the
// shutdown signal: an in-flight job always finishes.
func (l *Loop) process(ctx context.Context, job *store.Job, stale bool) error {
	l.metrics.recordClaim(stale)
	l.log.Info("job claimed",
		"job_id", job.ID, "key", job.IdempotencyKey,
		"kind", job.Kind, "stale_takeover", stale,
	)

	jobCtx := context.WithoutCancel(ctx)
	hb := startJobHeartbeat(jobCtx, l.st, job.ID, l.cfg.HeartbeatInterval, l.log)

	start := time.Now()
	count, handlerErr := l.invoke(jobCtx, job)
	elapsed := time.Since(start)

	// Stop the heartbeat before the terminal write so no beat can race it.
	hb.stop()

	if handlerErr != nil {
		l.metrics.recordFailed(elapsed)
		l.log.Warn("job failed",
			"job_id", job.ID, "key", job.IdempotencyKey,
			"duration", elapsed, "error", handlerErr,
		)
		if err := l.st.MarkFailed(jobCtx, job.ID, handlerErr.Error(), errorType(handlerErr)); err != nil {
			// Row stays processing; stale takeover will reclaim it.
			return err
		}
		return nil
	}

	l.metrics.recordCompleted(elapsed)
	l.log.Info("job completed",
		"job_id", job.ID, "key", job.IdempotencyKey,
		"record_count", count, "duration", elapsed,
	)
	if err := l.st.MarkCompleted(jobCtx, job.ID, count); err != nil {
		return err
	}
	return nil
}

// invoke resolves and runs the handler, converting panics into errors so a
// misbehaving handler cannot crash the loop.
func (l *Loop) invoke(ctx context.Context, job *store.Job) (count int, err error) {
	h, rerr := l.registry.Resolve(job.Kind)
	if rerr != nil {
		return 0, rerr
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, job.IdempotencyKey, job.Payload)
}

// OnceStatus is the outcome class of ProcessOnce.
type OnceStatus string

const (
	OnceCompleted OnceStatus = "completed"
	OnceFailed    OnceStatus = "failed"
	OnceSkipped   OnceStatus = "skipped"
)

// OnceResult is the result of a single-shot ProcessOnce invocation.
type OnceResult struct {
	Status      OnceStatus
	RecordCount int
	// Reason explains a skip: already_running, already_completed,
	// already_failed, or not_found.
	Reason string
	// Err is the handler failure when Status is failed.
	Err error
}

// ProcessOnce submits one job and processes it synchronously in this
// process: the cron/manual entrypoint. Duplicate submissions of a
// completed key are reported as skipped, not errors; the caller decides
// whether that counts as success.
func (l *Loop) ProcessOnce(ctx context.Context, key, kind string, payload json.RawMessage) (OnceResult, error) {
	if _, err := l.st.CreateOrGet(ctx, key, kind, payload); err != nil {
		return OnceResult{}, err
	}

	result, job, err := l.st.TryClaim(ctx, key, l.cfg.StaleThreshold)
	if err != nil {
		return OnceResult{}, err
	}

	switch result {
	case store.Claimed, store.StaleTakeover:
		// fall through to processing below
	case store.AlreadyRunning:
		return OnceResult{Status: OnceSkipped, Reason: "already_running"}, nil
	case store.AlreadyCompleted:
		return OnceResult{Status: OnceSkipped, Reason: "already_completed"}, nil
	case store.AlreadyFailed:
		return OnceResult{Status: OnceSkipped, Reason: "already_failed"}, nil
	case store.NotFound:
		// CreateOrGet precedes the claim, so the row should exist; nothing to
		// run if it does not.
		l.log.Warn("claim found no row after submit", "key", key)
		return OnceResult{Status: OnceSkipped, Reason: "not_found"}, nil
	}

	if job == nil {
		return OnceResult{Status: OnceSkipped, Reason: "not_found"}, nil
	}

	hb := startJobHeartbeat(ctx, l.st, job.ID, l.cfg.HeartbeatInterval, l.log)
	count, handlerErr := l.invoke(ctx, job)
	hb.stop()

	if handlerErr != nil {
		if err := l.st.MarkFailed(ctx, job.ID, handlerErr.Error(), errorType(handlerErr)); err != nil {
			return OnceResult{}, err
		}
		return OnceResult{Status: OnceFailed, Err: handlerErr}, nil
	}
	if err := l.st.MarkCompleted(ctx, job.ID, count); err != nil {
		return OnceResult{}, err
	}
	return OnceResult{Status: OnceCompleted, RecordCount: count}, nil
}

// reportStopped writes the terminal health state on a fresh context, since
// the loop's own context is already cancelled during shutdown.
func (l *Loop) reportStopped() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l.health.Transition(ctx, store.HealthStopped)
}

// sleep waits for d or until ctx is cancelled, reporting false on
// cancellation. Uses an explicit timer so cancellation does not leak it.
func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// errorType names the root cause's Go type for the error_type column,
// e.g. "worker.validationError" or "errors.errorString".
func errorType(err error) string {
	root := err
	for {
		u := errors.Unwrap(root)
		if u == nil {
			break
		}
		root = u
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", root), "*")
}
