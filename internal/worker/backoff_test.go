package worker

import (
	"math/rand/v2"
	"testing"
	"time"
)

func newTestBackoff(cfg BackoffConfig) *BackoffState {
	b := NewBackoffState(cfg)
	// Deterministic jitter for assertions.
	b.rng = rand.New(rand.NewPCG(1, 2))
	return b
}

func TestBackoff_GrowthAndCap(t *testing.T) {
	t.Parallel()
	cfg := DefaultBackoffConfig()
	b := newTestBackoff(cfg)

	jitterMargin := time.Duration(float64(cfg.Max) * cfg.Jitter)
	var prevBase float64
	for i := 1; i <= 20; i++ {
		delay := b.RecordFailure()
		if delay < cfg.Initial {
			t.Fatalf("failure %d: delay %s below initial %s", i, delay, cfg.Initial)
		}
		if delay > cfg.Max+jitterMargin {
			t.Fatalf("failure %d: delay %s above max+jitter %s", i, delay, cfg.Max+jitterMargin)
		}
		// Ignoring jitter, the base doubles until the cap.
		base := float64(cfg.Initial) * pow(cfg.Multiplier, i-1)
		if base > float64(cfg.Max) {
			base = float64(cfg.Max)
		}
		if base < prevBase {
			t.Fatalf("failure %d: base delay decreased", i)
		}
		prevBase = base
	}
	if got := b.TotalFailures(); got != 20 {
		t.Errorf("TotalFailures = %d, want 20", got)
	}
}

func pow(x float64, n int) float64 {
	r := 1.0
	for i := 0; i < n; i++ {
		r *= x
	}
	return r
}

func TestBackoff_JitterStaysWithinFraction(t *testing.T) {
	t.Parallel()
	cfg := BackoffConfig{
		Initial:    10 * time.Second,
		Max:        10 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
	b := newTestBackoff(cfg)

	// With initial == max the base is pinned at 10s; every jittered delay
	// must land in [10s, 11s] (the low side clamps to initial).
	for i := 0; i < 1000; i++ {
		delay := b.RecordFailure()
		if delay < 10*time.Second || delay > 11*time.Second {
			t.Fatalf("iteration %d: delay %s outside [10s, 11s]", i, delay)
		}
	}
}

func TestBackoff_SuccessResetsStreakNotTotal(t *testing.T) {
	t.Parallel()
	b := newTestBackoff(DefaultBackoffConfig())

	for i := 0; i < 7; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()

	if got := b.ConsecutiveFailures(); got != 0 {
		t.Errorf("ConsecutiveFailures after success = %d, want 0", got)
	}
	if got := b.CurrentDelay(); got != time.Second {
		t.Errorf("CurrentDelay after success = %s, want 1s", got)
	}
	if got := b.TotalFailures(); got != 7 {
		t.Errorf("TotalFailures after success = %d, want 7", got)
	}

	// The next failure starts from the initial delay again.
	delay := b.RecordFailure()
	if delay > time.Duration(float64(time.Second)*1.1) {
		t.Errorf("first delay after reset = %s, want ~1s", delay)
	}
}

func TestBackoff_CrashLoopThreshold(t *testing.T) {
	t.Parallel()
	b := newTestBackoff(DefaultBackoffConfig())

	for i := 1; i <= 9; i++ {
		b.RecordFailure()
		if b.IsInCrashLoop(10) {
			t.Fatalf("in crash loop after %d failures, want >= 10", i)
		}
	}
	b.RecordFailure()
	if !b.IsInCrashLoop(10) {
		t.Error("not in crash loop after 10 failures")
	}
	b.RecordFailure()
	if !b.IsInCrashLoop(10) {
		t.Error("crash loop cleared without a success")
	}
	b.RecordSuccess()
	if b.IsInCrashLoop(10) {
		t.Error("still in crash loop after success")
	}
}

func TestBackoff_FullReset(t *testing.T) {
	t.Parallel()
	b := newTestBackoff(DefaultBackoffConfig())

	b.RecordFailure()
	b.RecordFailure()
	b.Reset()

	if b.TotalFailures() != 0 || b.ConsecutiveFailures() != 0 {
		t.Errorf("Reset left counters: total=%d consecutive=%d",
			b.TotalFailures(), b.ConsecutiveFailures())
	}
	if _, ok := b.TimeSinceLastFailure(); ok {
		t.Error("TimeSinceLastFailure reports a value after Reset")
	}
}

func TestBackoff_TimeSinceLastFailure(t *testing.T) {
	t.Parallel()
	b := newTestBackoff(DefaultBackoffConfig())

	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }

	if _, ok := b.TimeSinceLastFailure(); ok {
		t.Fatal("TimeSinceLastFailure reports a value before any failure")
	}

	b.RecordFailure()
	now = now.Add(42 * time.Second)

	elapsed, ok := b.TimeSinceLastFailure()
	if !ok {
		t.Fatal("TimeSinceLastFailure not set after failure")
	}
	if elapsed != 42*time.Second {
		t.Errorf("TimeSinceLastFailure = %s, want 42s", elapsed)
	}
}
