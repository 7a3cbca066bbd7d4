// Integration tests for the job queue store. Each test runs against a real
// Postgres testcontainer via testutil.NewTestDB.
package store_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mccabetrow/dragonfly-civil-sub002/internal/store"
	"github.com/mccabetrow/dragonfly-civil-sub002/internal/testutil"
)

func TestCreateOrGet_Idempotent(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	first, err := s.CreateOrGet(ctx, "batch-001", "csv_import", json.RawMessage(`{"file":"a.csv"}`))
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	if first.Status != store.StatusPending {
		t.Errorf("status = %s, want pending", first.Status)
	}

	// Resubmission with a different payload returns the original row
	// unchanged: no duplicate, and the original payload wins.
	second, err := s.CreateOrGet(ctx, "batch-001", "csv_import", json.RawMessage(`{"file":"b.csv"}`))
	if err != nil {
		t.Fatalf("CreateOrGet (dup): %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("duplicate created a new row: %s != %s", second.ID, first.ID)
	}
	var got struct{ File string }
	if err := json.Unmarshal(second.Payload, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got.File != "a.csv" {
		t.Errorf("payload overwritten: got %q, want a.csv", got.File)
	}

	var count int
	if err := s.Pool.QueryRow(ctx,
		"SELECT count(*) FROM ingest_jobs WHERE idempotency_key = 'batch-001'").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("row count = %d, want 1", count)
	}
}

func TestCreateOrGet_ConcurrentSameKey(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateOrGet(ctx, "race-001", "csv_import", nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent CreateOrGet: %v", err)
		}
	}

	var count int
	if err := s.Pool.QueryRow(ctx,
		"SELECT count(*) FROM ingest_jobs WHERE idempotency_key = 'race-001'").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("row count = %d, want 1", count)
	}
}

func TestTryClaim_Lifecycle(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	threshold := 5 * time.Minute

	if _, err := s.CreateOrGet(ctx, "claim-001", "csv_import", nil); err != nil {
		t.Fatal(err)
	}

	result, job, err := s.TryClaim(ctx, "claim-001", threshold)
	if err != nil {
		t.Fatalf("TryClaim: %v", err)
	}
	if result != store.Claimed {
		t.Fatalf("result = %s, want claimed", result)
	}
	if job.StartedAt == nil {
		t.Error("started_at not stamped on claim")
	}

	// Second claim while processing and fresh: already running.
	result, _, err = s.TryClaim(ctx, "claim-001", threshold)
	if err != nil {
		t.Fatalf("TryClaim (second): %v", err)
	}
	if result != store.AlreadyRunning {
		t.Errorf("result = %s, want already_running", result)
	}

	if err := s.MarkCompleted(ctx, job.ID, 42); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	result, done, err := s.TryClaim(ctx, "claim-001", threshold)
	if err != nil {
		t.Fatalf("TryClaim (completed): %v", err)
	}
	if result != store.AlreadyCompleted {
		t.Errorf("result = %s, want already_completed", result)
	}
	if done.RecordCount == nil || *done.RecordCount != 42 {
		t.Errorf("record count = %v, want 42", done.RecordCount)
	}
	if done.CompletedAt == nil {
		t.Error("completed_at not stamped")
	}
}

func TestTryClaim_MissingKeyIsNotFound(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)

	result, job, err := s.TryClaim(context.Background(), "ghost", time.Minute)
	if err != nil {
		t.Fatalf("TryClaim: %v", err)
	}
	if result != store.NotFound || job != nil {
		t.Errorf("result = %s job = %v, want not_found with nil job", result, job)
	}
}

func TestTryClaim_AtMostOneWinner(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	if _, err := s.CreateOrGet(ctx, "race-claim", "csv_import", nil); err != nil {
		t.Fatal(err)
	}

	const n = 16
	var wg sync.WaitGroup
	results := make(chan store.ClaimResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, _, err := s.TryClaim(ctx, "race-claim", 5*time.Minute)
			if err != nil {
				t.Errorf("TryClaim: %v", err)
				return
			}
			results <- result
		}()
	}
	wg.Wait()
	close(results)

	var winners, losers int
	for r := range results {
		switch r {
		case store.Claimed, store.StaleTakeover:
			winners++
		case store.AlreadyRunning:
			losers++
		default:
			t.Errorf("unexpected result %s", r)
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
	if losers != n-1 {
		t.Errorf("losers = %d, want %d", losers, n-1)
	}
}

func TestStaleTakeover_Boundary(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	threshold := 10 * time.Second

	if _, err := s.CreateOrGet(ctx, "stale-001", "csv_import", nil); err != nil {
		t.Fatal(err)
	}
	result, job, err := s.TryClaim(ctx, "stale-001", threshold)
	if err != nil || result != store.Claimed {
		t.Fatalf("initial claim: result=%v err=%v", result, err)
	}

	// Lease refreshed moments ago: not reclaimable.
	result, _, err = s.TryClaim(ctx, "stale-001", threshold)
	if err != nil {
		t.Fatal(err)
	}
	if result != store.AlreadyRunning {
		t.Errorf("fresh lease result = %s, want already_running", result)
	}

	// Age the lease past the threshold, as if the claimant died without
	// heartbeating.
	if _, err := s.Pool.Exec(ctx,
		"UPDATE ingest_jobs SET updated_at = now() - interval '11 seconds' WHERE id = $1",
		job.ID); err != nil {
		t.Fatal(err)
	}

	result, taken, err := s.TryClaim(ctx, "stale-001", threshold)
	if err != nil {
		t.Fatal(err)
	}
	if result != store.StaleTakeover {
		t.Fatalf("aged lease result = %s, want stale_takeover", result)
	}
	if taken.Status != store.StatusProcessing {
		t.Errorf("status after takeover = %s, want processing", taken.Status)
	}
}

func TestTouch_RefreshesOnlyProcessing(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	if _, err := s.CreateOrGet(ctx, "touch-001", "csv_import", nil); err != nil {
		t.Fatal(err)
	}
	_, job, err := s.TryClaim(ctx, "touch-001", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	before := job.UpdatedAt
	time.Sleep(20 * time.Millisecond)
	if err := s.Touch(ctx, job.ID); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	refreshed, err := s.GetJob(ctx, "touch-001")
	if err != nil {
		t.Fatal(err)
	}
	if !refreshed.UpdatedAt.After(before) {
		t.Error("Touch did not advance updated_at")
	}

	// After the terminal write, a late heartbeat is a silent no-op.
	if err := s.MarkCompleted(ctx, job.ID, 1); err != nil {
		t.Fatal(err)
	}
	terminal, _ := s.GetJob(ctx, "touch-001")
	if err := s.Touch(ctx, job.ID); err != nil {
		t.Fatalf("Touch after completion: %v", err)
	}
	after, _ := s.GetJob(ctx, "touch-001")
	if !after.UpdatedAt.Equal(terminal.UpdatedAt) {
		t.Error("Touch mutated a completed job")
	}
	if after.Status != store.StatusCompleted {
		t.Errorf("status = %s, want completed", after.Status)
	}
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	if _, err := s.CreateOrGet(ctx, "term-001", "csv_import", nil); err != nil {
		t.Fatal(err)
	}
	_, job, err := s.TryClaim(ctx, "term-001", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MarkFailed(ctx, job.ID, "bad row", "ValueError"); err != nil {
		t.Fatal(err)
	}

	// Even with a zero stale threshold a failed job is not claimable.
	result, _, err := s.TryClaim(ctx, "term-001", 0)
	if err != nil {
		t.Fatal(err)
	}
	if result != store.AlreadyFailed {
		t.Errorf("claim on failed job = %s, want already_failed", result)
	}

	// MarkCompleted against a failed row is a guarded no-op.
	if err := s.MarkCompleted(ctx, job.ID, 99); err != nil {
		t.Fatal(err)
	}
	j, _ := s.GetJob(ctx, "term-001")
	if j.Status != store.StatusFailed {
		t.Errorf("status = %s, want failed", j.Status)
	}
	if j.ErrorMessage == nil || *j.ErrorMessage != "bad row" {
		t.Errorf("error message = %v, want bad row", j.ErrorMessage)
	}
	if j.ErrorType == nil || *j.ErrorType != "ValueError" {
		t.Errorf("error type = %v, want ValueError", j.ErrorType)
	}
}

func TestResetFailedJob(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	if _, err := s.CreateOrGet(ctx, "reset-001", "csv_import", nil); err != nil {
		t.Fatal(err)
	}
	_, job, err := s.TryClaim(ctx, "reset-001", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MarkFailed(ctx, job.ID, "bad row", "ValueError"); err != nil {
		t.Fatal(err)
	}

	ok, err := s.ResetFailedJob(ctx, "reset-001")
	if err != nil {
		t.Fatalf("ResetFailedJob: %v", err)
	}
	if !ok {
		t.Fatal("ResetFailedJob returned false for a failed job")
	}

	j, _ := s.GetJob(ctx, "reset-001")
	if j.Status != store.StatusPending {
		t.Errorf("status after reset = %s, want pending", j.Status)
	}
	if j.ErrorMessage != nil || j.ErrorType != nil || j.RecordCount != nil {
		t.Error("result fields not cleared on reset")
	}
	if j.StartedAt != nil || j.CompletedAt != nil {
		t.Error("timestamps not cleared on reset")
	}

	// Claimable again after reset.
	result, _, err := s.TryClaim(ctx, "reset-001", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if result != store.Claimed {
		t.Errorf("claim after reset = %s, want claimed", result)
	}

	// Reset only applies to failed jobs.
	ok, err = s.ResetFailedJob(ctx, "reset-001")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("ResetFailedJob succeeded on a processing job")
	}
	if ok, _ := s.ResetFailedJob(ctx, "no-such-key"); ok {
		t.Error("ResetFailedJob succeeded on a missing key")
	}
}

func TestClaimNext_OldestPendingFirst(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	for _, key := range []string{"next-a", "next-b", "next-c"} {
		if _, err := s.CreateOrGet(ctx, key, "csv_import", nil); err != nil {
			t.Fatal(err)
		}
		// created_at has microsecond resolution; spread the rows out.
		time.Sleep(5 * time.Millisecond)
	}

	var order []string
	for {
		job, stale, err := s.ClaimNext(ctx, time.Minute)
		if err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if job == nil {
			break
		}
		if stale {
			t.Errorf("unexpected stale takeover for %s", job.IdempotencyKey)
		}
		order = append(order, job.IdempotencyKey)
	}

	want := []string{"next-a", "next-b", "next-c"}
	if len(order) != len(want) {
		t.Fatalf("claimed %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("claim order %v, want %v", order, want)
		}
	}
}

func TestClaimNext_ReclaimsStaleProcessing(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	if _, err := s.CreateOrGet(ctx, "next-stale", "csv_import", nil); err != nil {
		t.Fatal(err)
	}
	job, _, err := s.ClaimNext(ctx, time.Minute)
	if err != nil || job == nil {
		t.Fatalf("initial ClaimNext: job=%v err=%v", job, err)
	}

	// Nothing pending, lease fresh: nothing claimable.
	j2, _, err := s.ClaimNext(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if j2 != nil {
		t.Fatalf("claimed %s with a fresh lease", j2.IdempotencyKey)
	}

	if _, err := s.Pool.Exec(ctx,
		"UPDATE ingest_jobs SET updated_at = now() - interval '2 minutes' WHERE id = $1",
		job.ID); err != nil {
		t.Fatal(err)
	}

	j3, stale, err := s.ClaimNext(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if j3 == nil || !stale {
		t.Fatalf("stale reclaim: job=%v stale=%v, want job with stale=true", j3, stale)
	}
	if j3.ID != job.ID {
		t.Errorf("reclaimed %s, want %s", j3.ID, job.ID)
	}
}

func TestListJobs_Filters(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	if _, err := s.CreateOrGet(ctx, "list-a", "csv_import", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateOrGet(ctx, "list-b", "scoring", nil); err != nil {
		t.Fatal(err)
	}
	_, job, err := s.TryClaim(ctx, "list-a", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MarkCompleted(ctx, job.ID, 3); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListJobs(ctx, store.ListJobsFilter{})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("unfiltered count = %d, want 2", len(all))
	}

	completed, err := s.ListJobs(ctx, store.ListJobsFilter{Status: store.StatusCompleted})
	if err != nil {
		t.Fatal(err)
	}
	if len(completed) != 1 || completed[0].IdempotencyKey != "list-a" {
		t.Errorf("completed filter = %v, want just list-a", completed)
	}

	scoring, err := s.ListJobs(ctx, store.ListJobsFilter{Kind: "scoring"})
	if err != nil {
		t.Fatal(err)
	}
	if len(scoring) != 1 || scoring[0].IdempotencyKey != "list-b" {
		t.Errorf("kind filter = %v, want just list-b", scoring)
	}
}
