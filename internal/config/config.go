// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"10"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	// DBConnectAttempts bounds the startup connectivity retry loop. When the
	// database is still unreachable after this many attempts the process exits
	// with the dedicated "database unavailable" status code.
	DBConnectAttempts int `env:"DB_CONNECT_ATTEMPTS" envDefault:"10"`

	// ── Worker ───────────────────────────────────────────────────────────────────
	WorkerType         string        `env:"WORKER_TYPE"          envDefault:"ingest"`
	PollInterval       time.Duration `env:"POLL_INTERVAL"        envDefault:"3s"`
	HeartbeatInterval  time.Duration `env:"HEARTBEAT_INTERVAL"   envDefault:"30s"`
	StaleThreshold     time.Duration `env:"STALE_THRESHOLD"      envDefault:"5m"`
	CrashLoopThreshold int           `env:"CRASH_LOOP_THRESHOLD" envDefault:"10"`

	// ── Backoff ──────────────────────────────────────────────────────────────────
	BackoffInitial    time.Duration `env:"BACKOFF_INITIAL"    envDefault:"1s"`
	BackoffMax        time.Duration `env:"BACKOFF_MAX"        envDefault:"60s"`
	BackoffMultiplier float64       `env:"BACKOFF_MULTIPLIER" envDefault:"2.0"`
	BackoffJitter     float64       `env:"BACKOFF_JITTER"     envDefault:"0.1"`

	// ── Health / metrics ─────────────────────────────────────────────────────────
	HealthListenAddr string `env:"HEALTH_LISTEN_ADDR" envDefault:":9090"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	AppEnv    string `env:"APP_ENV"    envDefault:"development"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing or any value is invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate rejects tuning combinations that would break the lease protocol.
func (c *Config) validate() error {
	if c.StaleThreshold < 5*c.HeartbeatInterval {
		return fmt.Errorf(
			"STALE_THRESHOLD (%s) must be at least 5x HEARTBEAT_INTERVAL (%s)",
			c.StaleThreshold, c.HeartbeatInterval,
		)
	}
	if c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf(
			"invalid backoff bounds: initial=%s max=%s",
			c.BackoffInitial, c.BackoffMax,
		)
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("BACKOFF_MULTIPLIER must be >= 1, got %g", c.BackoffMultiplier)
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		return fmt.Errorf("BACKOFF_JITTER must be in [0, 1), got %g", c.BackoffJitter)
	}
	return nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
