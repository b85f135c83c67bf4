package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs       *prometheus.CounterVec
	failures   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	drift      prometheus.Gauge
	deliveries *prometheus.CounterVec
	purged     prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// SetDrift records how many accounts the last integrity run flagged.
func (m *Metrics) SetDrift(accounts int) {
	if m == nil {
		return
	}
	m.drift.Set(float64(accounts))
}

// AddDeliveries counts broadcast deliveries by outcome.
func (m *Metrics) AddDeliveries(delivered, failed int) {
	if m == nil {
		return
	}
	if delivered > 0 {
		m.deliveries.WithLabelValues("delivered").Add(float64(delivered))
	}
	if failed > 0 {
		m.deliveries.WithLabelValues("failed").Add(float64(failed))
	}
}

// AddPurged counts idempotency keys removed by cleanup.
func (m *Metrics) AddPurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.purged.Add(float64(n))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "caja_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "caja_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "caja_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	drift := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "caja_ledger_drift_accounts",
		Help: "Accounts whose balance disagreed with the ledger on the last integrity run.",
	})
	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "caja_notification_deliveries_total",
		Help: "Broadcast notification deliveries by outcome.",
	}, []string{"outcome"})
	purged := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "caja_idempotency_keys_purged_total",
		Help: "Idempotency keys removed by the cleanup job.",
	})
	registerer.MustRegister(runs, failures, duration, drift, deliveries, purged)
	return &Metrics{runs: runs, failures: failures, duration: duration, drift: drift, deliveries: deliveries, purged: purged}
}
