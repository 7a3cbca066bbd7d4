// Package health exposes the worker's liveness and metrics over HTTP for
// external monitors: GET /healthz returns the registered workers' health
// rows, GET /metrics serves Prometheus metrics.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mccabetrow/dragonfly-civil-sub002/internal/store"
)

// Server is the monitoring HTTP listener that runs alongside the worker
// loop.
type Server struct {
	st   *store.Store
	addr string
}

// NewServer creates a Server listening on addr once Run is called.
func NewServer(st *store.Store, addr string) *Server {
	return &Server{st: st, addr: addr}
}

// Handler builds the router. Exposed separately so tests can drive it with
// httptest.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.healthzHandler)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

type healthzResponse struct {
	Status  string             `json:"status"`
	Workers []workerHealthJSON `json:"workers"`
}

type workerHealthJSON struct {
	WorkerID   string    `json:"worker_id"`
	WorkerType string    `json:"worker_type"`
	Hostname   string    `json:"hostname"`
	Status     string    `json:"status"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// healthzHandler reports overall status "ok" unless any worker is degraded
// (503) so load-balancer checks and alerting can key off the status code.
func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	workers, err := s.st.ListWorkerHealth(r.Context())
	if err != nil {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}

	resp := healthzResponse{Status: "ok"}
	code := http.StatusOK
	for _, h := range workers {
		resp.Workers = append(resp.Workers, workerHealthJSON{
			WorkerID:   h.WorkerID,
			WorkerType: h.WorkerType,
			Hostname:   h.Hostname,
			Status:     string(h.Status),
			LastSeenAt: h.LastSeenAt,
		})
		if h.Status == store.HealthDegraded {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp) //nolint:errcheck
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("health server started", "addr", s.addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
