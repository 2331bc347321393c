package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for HostForge.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Step metrics
	stepsExecuted *prometheus.CounterVec
	probeDuration *prometheus.HistogramVec
	applyDuration *prometheus.HistogramVec

	// Rollback metrics
	rollbacks *prometheus.CounterVec

	// Error metrics
	errorsByKind *prometheus.CounterVec

	// Lock metrics
	lockContention prometheus.Counter

	// System metrics
	activeRun prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
// When disabled, every recording method is a no-op.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of plan runs started",
			},
			[]string{"policy", "dry_run"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of plan runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of plan run execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of steps executed",
			},
			[]string{"kind", "outcome"},
		),
		probeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_probe_duration_seconds",
				Help:      "Duration of state probes in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		applyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_apply_duration_seconds",
				Help:      "Duration of step apply operations in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),

		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Total number of rollback actions",
			},
			[]string{"kind", "status"},
		),

		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors by error kind",
			},
			[]string{"kind"},
		),

		lockContention: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_contention_total",
				Help:      "Total number of runs refused because another run held the lock",
			},
		),

		activeRun: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_run",
				Help:      "Whether a run is currently executing (0 or 1)",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.stepsExecuted,
		m.probeDuration,
		m.applyDuration,
		m.rollbacks,
		m.errorsByKind,
		m.lockContention,
		m.activeRun,
	)

	return m, nil
}

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(policy string, dryRun bool) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(policy, fmt.Sprintf("%t", dryRun)).Inc()
	m.activeRun.Set(1)
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRun.Set(0)
}

// RecordStep records a step execution with its outcome.
func (m *Metrics) RecordStep(kind, outcome string) {
	if m.stepsExecuted == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(kind, outcome).Inc()
}

// RecordProbe records the duration of a state probe.
func (m *Metrics) RecordProbe(kind string, duration time.Duration) {
	if m.probeDuration == nil {
		return
	}
	m.probeDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordApply records the duration of a step apply.
func (m *Metrics) RecordApply(kind string, duration time.Duration) {
	if m.applyDuration == nil {
		return
	}
	m.applyDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordRollback records a rollback action and whether it succeeded.
func (m *Metrics) RecordRollback(kind string, ok bool) {
	if m.rollbacks == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.rollbacks.WithLabelValues(kind, status).Inc()
}

// RecordError records an error by its taxonomy kind.
func (m *Metrics) RecordError(errorKind string) {
	if m.errorsByKind == nil {
		return
	}
	m.errorsByKind.WithLabelValues(errorKind).Inc()
}

// RecordLockContention records a run refused due to the run lock.
func (m *Metrics) RecordLockContention() {
	if m.lockContention == nil {
		return
	}
	m.lockContention.Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
