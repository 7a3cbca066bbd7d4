package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mccabetrow/dragonfly-civil-sub002/internal/store"
)

// jobToucher is the single store operation the per-job heartbeat needs.
type jobToucher interface {
	Touch(ctx context.Context, id uuid.UUID) error
}

// jobHeartbeat keeps one claimed job's lease fresh. It runs as a goroutine
// started on claim and must be stopped before the job's terminal state is
// written. Touch is guarded by status='processing' on the database side,
// so a late beat is harmless, but the goroutine itself must not leak.
type jobHeartbeat struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// startJobHeartbeat begins touching jobID every interval until stop is
// called. Touch errors are logged and skipped; a missed beat only matters
// if enough of them accumulate to cross the stale threshold, which the
// 5x margin between interval and threshold absorbs.
func startJobHeartbeat(ctx context.Context, st jobToucher, jobID uuid.UUID, interval time.Duration, log *slog.Logger) *jobHeartbeat {
	ctx, cancel := context.WithCancel(ctx)
	hb := &jobHeartbeat{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(hb.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := st.Touch(ctx, jobID); err != nil {
					log.Warn("heartbeat touch failed", "job_id", jobID, "error", err)
				}
			}
		}
	}()

	return hb
}

// stop cancels the heartbeat and waits for the goroutine to exit.
func (hb *jobHeartbeat) stop() {
	hb.cancel()
	<-hb.done
}

// HealthStore is the store surface the HealthReporter needs.
type HealthStore interface {
	UpsertWorkerHealth(ctx context.Context, workerID, workerType, hostname string, status store.HealthStatus) error
}

// HealthReporter publishes worker-level liveness to the worker_heartbeats
// table: starting → running → degraded → stopped. Degraded is entered when
// the backoff state crosses the crash-loop threshold and cleared on the
// next successful cycle.
type HealthReporter struct {
	st         HealthStore
	workerID   string
	workerType string
	hostname   string
	log        *slog.Logger

	status    store.HealthStatus
	lastBeat  time.Time
	beatEvery time.Duration
}

// NewHealthReporter creates a reporter for one worker process. It does not
// write anything until Transition or Beat is called.
func NewHealthReporter(st HealthStore, workerID, workerType, hostname string, beatEvery time.Duration) *HealthReporter {
	return &HealthReporter{
		st:         st,
		workerID:   workerID,
		workerType: workerType,
		hostname:   hostname,
		beatEvery:  beatEvery,
		log:        slog.Default(),
	}
}

// Status returns the last reported status.
func (r *HealthReporter) Status() store.HealthStatus { return r.status }

// Transition reports a new status immediately. Reporting failures are
// logged, not propagated; liveness reporting must never take down the
// loop it reports on.
func (r *HealthReporter) Transition(ctx context.Context, status store.HealthStatus) {
	if r.status == status {
		return
	}
	prev := r.status
	r.status = status
	r.lastBeat = time.Now()
	if err := r.st.UpsertWorkerHealth(ctx, r.workerID, r.workerType, r.hostname, status); err != nil {
		r.log.Warn("worker health transition not recorded",
			"worker_id", r.workerID, "from", prev, "to", status, "error", err)
		return
	}
	r.log.Info("worker health", "worker_id", r.workerID, "status", status)
}

// Beat refreshes last_seen_at for the current status, throttled to at most
// one write per beatEvery. Called from the poll loop on every cycle.
func (r *HealthReporter) Beat(ctx context.Context) {
	if r.status == "" || time.Since(r.lastBeat) < r.beatEvery {
		return
	}
	r.lastBeat = time.Now()
	if err := r.st.UpsertWorkerHealth(ctx, r.workerID, r.workerType, r.hostname, r.status); err != nil {
		r.log.Warn("worker health beat failed", "worker_id", r.workerID, "error", err)
	}
}
