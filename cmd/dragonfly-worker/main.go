// Command dragonfly-worker is the job engine binary for the Dragonfly Civil
// collections platform.
//
// Subcommands:
//
//	worker    run the polling worker loop and health server until signalled
//	run-once  submit one job and process it synchronously (cron/manual use)
//	enqueue   submit a job for the worker fleet to pick up
//	status    look up a job by idempotency key
//	reset     requeue a terminally-failed job
//	list      list recent jobs, optionally filtered by status/kind
//	migrate   run pending database migrations and exit
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	// Embeds the IANA timezone database so time.LoadLocation works inside
	// distroless containers with no /usr/share/zoneinfo.
	_ "time/tzdata"

	// Sets GOMEMLIMIT from the cgroup memory limit so the GC triggers
	// before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/mccabetrow/dragonfly-civil-sub002/internal/config"
	"github.com/mccabetrow/dragonfly-civil-sub002/internal/health"
	"github.com/mccabetrow/dragonfly-civil-sub002/internal/store"
	"github.com/mccabetrow/dragonfly-civil-sub002/internal/worker"
	"github.com/mccabetrow/dragonfly-civil-sub002/migrations"
)

// exitDatabaseUnavailable is the process exit code when the database stays
// unreachable past the startup retry ceiling (EX_UNAVAILABLE). Distinct
// from the generic failure code so operator alerting can tell them apart.
const exitDatabaseUnavailable = 69

func main() {
	root := &cobra.Command{
		Use:   "dragonfly-worker",
		Short: "Dragonfly Civil judgment ingest job engine",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		workerCmd(),
		runOnceCmd(),
		enqueueCmd(),
		statusCmd(),
		resetCmd(),
		listCmd(),
		migrateCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		if errors.Is(err, worker.ErrDatabaseUnavailable) {
			os.Exit(exitDatabaseUnavailable)
		}
		os.Exit(1)
	}
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the worker loop and health server",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st := store.New(db)
	loop := newLoop(st, cfg)

	// Health server runs alongside the loop; its lifetime is tied to the
	// same signal context.
	healthSrv := health.NewServer(st, cfg.HealthListenAddr)
	healthErr := make(chan error, 1)
	go func() {
		healthErr <- healthSrv.Run(ctx)
	}()

	if err := loop.Run(ctx); err != nil {
		return err
	}
	stop()
	if err := <-healthErr; err != nil {
		return fmt.Errorf("health server: %w", err)
	}
	slog.Info("worker stopped")
	return nil
}

// ── run-once ──────────────────────────────────────────────────────────────────

func runOnceCmd() *cobra.Command {
	var key, kind, payload string
	cmd := &cobra.Command{
		Use:   "run-once",
		Short: "Submit one job and process it synchronously",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd.Context(), key, kind, payload)
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "idempotency key (required)")
	cmd.Flags().StringVar(&kind, "kind", "noop", "job kind")
	cmd.Flags().StringVar(&payload, "payload", "{}", "JSON payload")
	_ = cmd.MarkFlagRequired("key") //nolint:errcheck
	return cmd
}

func runOnce(ctx context.Context, key, kind, payload string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	db, err := newPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	loop := newLoop(store.New(db), cfg)
	result, err := loop.ProcessOnce(ctx, key, kind, json.RawMessage(payload))
	if err != nil {
		return err
	}

	switch result.Status {
	case worker.OnceCompleted:
		slog.Info("job completed", "key", key, "record_count", result.RecordCount)
		return nil
	case worker.OnceSkipped:
		slog.Info("job skipped", "key", key, "reason", result.Reason)
		return nil
	default:
		return fmt.Errorf("job failed: %w", result.Err)
	}
}

// ── enqueue ───────────────────────────────────────────────────────────────────

func enqueueCmd() *cobra.Command {
	var key, kind, payload string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Submit a job for the worker fleet to pick up",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				job, err := st.CreateOrGet(ctx, key, kind, json.RawMessage(payload))
				if err != nil {
					return err
				}
				slog.Info("job submitted",
					"job_id", job.ID, "key", job.IdempotencyKey, "status", job.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "idempotency key (required)")
	cmd.Flags().StringVar(&kind, "kind", "noop", "job kind")
	cmd.Flags().StringVar(&payload, "payload", "{}", "JSON payload")
	_ = cmd.MarkFlagRequired("key") //nolint:errcheck
	return cmd
}

// ── status ────────────────────────────────────────────────────────────────────

func statusCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Look up a job by idempotency key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				job, err := st.GetJob(ctx, key)
				if err != nil {
					return err
				}
				if job == nil {
					return fmt.Errorf("no job for key %q", key)
				}
				printJob(*job)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "idempotency key (required)")
	_ = cmd.MarkFlagRequired("key") //nolint:errcheck
	return cmd
}

// ── reset ─────────────────────────────────────────────────────────────────────

func resetCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Requeue a terminally-failed job",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				ok, err := st.ResetFailedJob(ctx, key)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("job %q not found or not failed", key)
				}
				slog.Info("job requeued", "key", key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "idempotency key (required)")
	_ = cmd.MarkFlagRequired("key") //nolint:errcheck
	return cmd
}

// ── list ──────────────────────────────────────────────────────────────────────

func listCmd() *cobra.Command {
	var status, kind string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				jobs, err := st.ListJobs(ctx, store.ListJobsFilter{
					Status: store.JobStatus(status),
					Kind:   kind,
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				for _, j := range jobs {
					printJob(j)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func printJob(j store.Job) {
	attrs := []any{
		"job_id", j.ID, "key", j.IdempotencyKey, "kind", j.Kind,
		"status", j.Status, "created_at", j.CreatedAt,
	}
	if j.RecordCount != nil {
		attrs = append(attrs, "record_count", *j.RecordCount)
	}
	if j.ErrorMessage != nil {
		attrs = append(attrs, "error", *j.ErrorMessage, "error_type", *j.ErrorType)
	}
	slog.Info("job", attrs...)
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.Info("running migrations")

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the
	// same driver is used project-wide. Simple protocol lets a migration
	// file carry multiple statements.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{MultiStatementEnabled: true})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newLoop wires the worker loop from config: handler registry, metrics,
// health reporter identity.
func newLoop(st *store.Store, cfg *config.Config) *worker.Loop {
	hostname, _ := os.Hostname() //nolint:errcheck

	registry := worker.NewRegistry()
	registry.Register("noop", noopHandler)
	registry.Register("judgment_import", judgmentImportHandler)

	return worker.New(st, st, registry, worker.NewCollector(prometheus.DefaultRegisterer), worker.Config{
		WorkerType:         cfg.WorkerType,
		Hostname:           hostname,
		PollInterval:       cfg.PollInterval,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		StaleThreshold:     cfg.StaleThreshold,
		CrashLoopThreshold: cfg.CrashLoopThreshold,
		StartupAttempts:    cfg.DBConnectAttempts,
		Backoff: worker.BackoffConfig{
			Initial:    cfg.BackoffInitial,
			Max:        cfg.BackoffMax,
			Multiplier: cfg.BackoffMultiplier,
			Jitter:     cfg.BackoffJitter,
		},
	})
}

// noopHandler acknowledges a job without doing work. Used for smoke tests
// of the queue path in new environments.
func noopHandler(_ context.Context, key string, payload json.RawMessage) (int, error) {
	slog.Info("noop job processed", "key", key, "payload_len", len(payload))
	return 0, nil
}

// judgmentImportHandler is a stub for the judgment intake pipeline. The
// platform's intake service registers the real handler; the stub keeps the
// kind claimable in isolated deployments.
func judgmentImportHandler(_ context.Context, key string, payload json.RawMessage) (int, error) {
	slog.Info("judgment import job received, intake pipeline not wired",
		"key", key, "payload_len", len(payload))
	return 0, nil
}

// withStore loads config, opens a pool, and runs fn with a Store. Shared by
// the one-shot operator subcommands.
func withStore(ctx context.Context, fn func(context.Context, *store.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	db, err := newPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	return fn(ctx, store.New(db))
}

// newPool creates and validates a pgxpool. Retries with linear backoff to
// handle the compose startup race where Postgres is not immediately ready;
// exhausting the attempts maps to the dedicated unavailable exit code.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Per-query statement timeout prevents runaway queries from holding
	// connections indefinitely.
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= cfg.DBConnectAttempts; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) to avoid leaking the timer if ctx
		// is cancelled before it fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("%w: %v", worker.ErrDatabaseUnavailable, connErr)
	}

	return db, nil
}

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
