package health_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mccabetrow/dragonfly-civil-sub002/internal/health"
	"github.com/mccabetrow/dragonfly-civil-sub002/internal/store"
	"github.com/mccabetrow/dragonfly-civil-sub002/internal/testutil"
)

type healthzBody struct {
	Status  string `json:"status"`
	Workers []struct {
		WorkerID string `json:"worker_id"`
		Status   string `json:"status"`
	} `json:"workers"`
}

func getHealthz(t *testing.T, handler http.Handler) (int, healthzBody) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var body healthzBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode healthz body: %v", err)
	}
	return rec.Code, body
}

func TestHealthz_ReportsWorkers(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	if err := s.UpsertWorkerHealth(ctx, "w-1", "ingest", "host-a", store.HealthRunning); err != nil {
		t.Fatal(err)
	}

	srv := health.NewServer(s.Store, ":0")
	code, body := getHealthz(t, srv.Handler())

	if code != http.StatusOK {
		t.Errorf("status code = %d, want 200", code)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if len(body.Workers) != 1 || body.Workers[0].WorkerID != "w-1" {
		t.Errorf("workers = %+v, want just w-1", body.Workers)
	}
}

func TestHealthz_DegradedWorkerIs503(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	if err := s.UpsertWorkerHealth(ctx, "w-ok", "ingest", "host-a", store.HealthRunning); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertWorkerHealth(ctx, "w-bad", "ingest", "host-b", store.HealthDegraded); err != nil {
		t.Fatal(err)
	}

	srv := health.NewServer(s.Store, ":0")
	code, body := getHealthz(t, srv.Handler())

	if code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want 503", code)
	}
	if body.Status != "degraded" {
		t.Errorf("status = %q, want degraded", body.Status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)

	srv := health.NewServer(s.Store, ":0")
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("metrics status code = %d, want 200", rec.Code)
	}
}
