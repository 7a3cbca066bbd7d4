package worker

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffConfig holds the exponential backoff tuning knobs.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the symmetric jitter fraction applied to each computed
	// delay (0.1 = ±10%). Keeps concurrent workers from retrying in
	// lockstep against a struggling database.
	Jitter float64
}

// DefaultBackoffConfig matches the documented defaults: 1s initial, 60s cap,
// doubling, ±10% jitter.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    time.Second,
		Max:        60 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

// BackoffState tracks consecutive transient failures for one worker process
// and computes the jittered, bounded delay before the next poll attempt.
// Not safe for concurrent use; the worker loop owns it exclusively.
type BackoffState struct {
	cfg BackoffConfig

	currentDelay        time.Duration
	consecutiveFailures int
	totalFailures       int
	lastFailureAt       time.Time

	rng *rand.Rand
	now func() time.Time
}

// NewBackoffState creates a BackoffState with its own seeded PRNG for
// jitter. Zero-value cfg fields fall back to the defaults.
func NewBackoffState(cfg BackoffConfig) *BackoffState {
	def := DefaultBackoffConfig()
	if cfg.Initial <= 0 {
		cfg.Initial = def.Initial
	}
	if cfg.Max <= 0 {
		cfg.Max = def.Max
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = def.Jitter
	}
	return &BackoffState{
		cfg:          cfg,
		currentDelay: cfg.Initial,
		//nolint:gosec // G404: backoff jitter is not security-sensitive
		rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		now: time.Now,
	}
}

// RecordFailure registers one transient failure and returns the delay to
// sleep before retrying. The base delay grows exponentially with each
// consecutive failure and is capped at cfg.Max; jitter is applied after the
// cap, and the result never falls below cfg.Initial.
func (b *BackoffState) RecordFailure() time.Duration {
	b.consecutiveFailures++
	b.totalFailures++
	b.lastFailureAt = b.now()

	base := float64(b.cfg.Initial) *
		math.Pow(b.cfg.Multiplier, float64(b.consecutiveFailures-1))
	if base > float64(b.cfg.Max) {
		base = float64(b.cfg.Max)
	}

	// Symmetric jitter in [1-j, 1+j].
	factor := 1 + b.cfg.Jitter*(2*b.rng.Float64()-1)
	delay := time.Duration(base * factor)
	if delay < b.cfg.Initial {
		delay = b.cfg.Initial
	}

	b.currentDelay = delay
	return delay
}

// RecordSuccess clears the consecutive-failure streak and resets the delay
// to the initial value. The lifetime total is preserved as a diagnostic
// counter.
func (b *BackoffState) RecordSuccess() {
	b.consecutiveFailures = 0
	b.currentDelay = b.cfg.Initial
}

// IsInCrashLoop reports whether the worker has failed threshold or more
// times in a row and should be flagged degraded.
func (b *BackoffState) IsInCrashLoop(threshold int) bool {
	return b.consecutiveFailures >= threshold
}

// Reset clears all state including the lifetime failure counter.
func (b *BackoffState) Reset() {
	b.consecutiveFailures = 0
	b.totalFailures = 0
	b.currentDelay = b.cfg.Initial
	b.lastFailureAt = time.Time{}
}

// ConsecutiveFailures returns the current failure streak length.
func (b *BackoffState) ConsecutiveFailures() int { return b.consecutiveFailures }

// TotalFailures returns the lifetime transient-failure count.
func (b *BackoffState) TotalFailures() int { return b.totalFailures }

// CurrentDelay returns the most recently computed delay.
func (b *BackoffState) CurrentDelay() time.Duration { return b.currentDelay }

// TimeSinceLastFailure returns the elapsed time since the last recorded
// failure, or false when no failure has ever been recorded.
func (b *BackoffState) TimeSinceLastFailure() (time.Duration, bool) {
	if b.lastFailureAt.IsZero() {
		return 0, false
	}
	return b.now().Sub(b.lastFailureAt), true
}
