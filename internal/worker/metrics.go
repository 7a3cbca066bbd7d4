package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the engine's Prometheus metrics. Scraped through the
// health server's /metrics endpoint.
type Collector struct {
	jobsClaimed    prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsFailed     prometheus.Counter
	staleTakeovers prometheus.Counter
	transientFails prometheus.Counter

	jobDuration prometheus.Histogram

	consecutiveFailures prometheus.Gauge
	backoffDelaySeconds prometheus.Gauge
	jobInFlight         prometheus.Gauge
}

// NewCollector creates and registers the engine metrics on reg. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry
// to avoid duplicate-registration panics.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_jobs_claimed_total",
			Help: "Total number of jobs claimed by this worker",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_jobs_failed_total",
			Help: "Total number of jobs marked failed",
		}),
		staleTakeovers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_jobs_stale_takeovers_total",
			Help: "Total number of abandoned processing jobs reclaimed",
		}),
		transientFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_worker_transient_errors_total",
			Help: "Total number of transient infrastructure failures",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_job_duration_seconds",
			Help:    "Handler execution time in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		consecutiveFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_worker_consecutive_failures",
			Help: "Current transient-failure streak length",
		}),
		backoffDelaySeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_worker_backoff_delay_seconds",
			Help: "Most recently computed backoff delay",
		}),
		jobInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_worker_job_in_flight",
			Help: "1 while a claimed job is being processed, else 0",
		}),
	}

	reg.MustRegister(
		c.jobsClaimed, c.jobsCompleted, c.jobsFailed,
		c.staleTakeovers, c.transientFails, c.jobDuration,
		c.consecutiveFailures, c.backoffDelaySeconds, c.jobInFlight,
	)
	return c
}

func (c *Collector) recordClaim(stale bool) {
	c.jobsClaimed.Inc()
	if stale {
		c.staleTakeovers.Inc()
	}
	c.jobInFlight.Set(1)
}

func (c *Collector) recordCompleted(d time.Duration) {
	c.jobsCompleted.Inc()
	c.jobDuration.Observe(d.Seconds())
	c.jobInFlight.Set(0)
}

func (c *Collector) recordFailed(d time.Duration) {
	c.jobsFailed.Inc()
	c.jobDuration.Observe(d.Seconds())
	c.jobInFlight.Set(0)
}

func (c *Collector) recordBackoff(streak int, delay time.Duration) {
	c.transientFails.Inc()
	c.consecutiveFailures.Set(float64(streak))
	c.backoffDelaySeconds.Set(delay.Seconds())
}

func (c *Collector) recordRecovered() {
	c.consecutiveFailures.Set(0)
	c.backoffDelaySeconds.Set(0)
}
