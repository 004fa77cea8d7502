// Package metrics provides Prometheus instrumentation for the durable
// engine. All methods are nil-safe so instrumentation stays optional.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exports engine counters and histograms.
type Metrics struct {
	registry *prometheus.Registry

	executionsStarted   *prometheus.CounterVec
	executionsCompleted *prometheus.CounterVec
	attemptDuration     *prometheus.HistogramVec
	attemptsInFlight    prometheus.Gauge
	retriesScheduled    prometheus.Counter
	timersFired         *prometheus.CounterVec
	signalsDelivered    prometheus.Counter
	schedulesFired      prometheus.Counter
	auditDropped        prometheus.Counter
	pollErrors          prometheus.Counter
}

// Config configures the exporter.
type Config struct {
	// Registry to use (if nil, creates a new one).
	Registry *prometheus.Registry

	// Buckets for the attempt duration histogram (in seconds).
	DurationBuckets []float64
}

// DefaultConfig returns default metrics configuration.
func DefaultConfig() Config {
	return Config{
		DurationBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}
}

// New creates a metrics exporter and registers all collectors.
func New(cfg Config) *Metrics {
	if len(cfg.DurationBuckets) == 0 {
		cfg.DurationBuckets = DefaultConfig().DurationBuckets
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: registry,
		executionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "durable_executions_started_total",
			Help: "Executions started, by task.",
		}, []string{"task"}),
		executionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "durable_executions_finished_total",
			Help: "Executions reaching a terminal state, by task and status.",
		}, []string{"task", "status"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "durable_attempt_duration_seconds",
			Help:    "Wall-clock duration of one workflow attempt.",
			Buckets: cfg.DurationBuckets,
		}, []string{"task"}),
		attemptsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "durable_attempts_in_flight",
			Help: "Attempts currently executing on this worker.",
		}),
		retriesScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "durable_retries_scheduled_total",
			Help: "Retry timers armed after failed attempts.",
		}),
		timersFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "durable_timers_fired_total",
			Help: "Timers handled by the polling loop, by type.",
		}, []string{"type"}),
		signalsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "durable_signals_delivered_total",
			Help: "External signals delivered to waiting slots.",
		}),
		schedulesFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "durable_schedules_fired_total",
			Help: "Schedule fires that created an execution.",
		}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "durable_audit_entries_dropped_total",
			Help: "Audit entries dropped because the emission channel was full.",
		}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "durable_poll_errors_total",
			Help: "Errors swallowed by the polling loop.",
		}),
	}
	registry.MustRegister(
		m.executionsStarted,
		m.executionsCompleted,
		m.attemptDuration,
		m.attemptsInFlight,
		m.retriesScheduled,
		m.timersFired,
		m.signalsDelivered,
		m.schedulesFired,
		m.auditDropped,
		m.pollErrors,
	)
	return m
}

// Handler returns an HTTP handler for the exporter's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ExecutionStarted(task string) {
	if m != nil {
		m.executionsStarted.WithLabelValues(task).Inc()
	}
}

func (m *Metrics) ExecutionFinished(task, status string) {
	if m != nil {
		m.executionsCompleted.WithLabelValues(task, status).Inc()
	}
}

func (m *Metrics) ObserveAttempt(task string, seconds float64) {
	if m != nil {
		m.attemptDuration.WithLabelValues(task).Observe(seconds)
	}
}

func (m *Metrics) AttemptStarted() {
	if m != nil {
		m.attemptsInFlight.Inc()
	}
}

func (m *Metrics) AttemptDone() {
	if m != nil {
		m.attemptsInFlight.Dec()
	}
}

func (m *Metrics) RetryScheduled() {
	if m != nil {
		m.retriesScheduled.Inc()
	}
}

func (m *Metrics) TimerFired(timerType string) {
	if m != nil {
		m.timersFired.WithLabelValues(timerType).Inc()
	}
}

func (m *Metrics) SignalDelivered() {
	if m != nil {
		m.signalsDelivered.Inc()
	}
}

func (m *Metrics) ScheduleFired() {
	if m != nil {
		m.schedulesFired.Inc()
	}
}

func (m *Metrics) AuditDropped() {
	if m != nil {
		m.auditDropped.Inc()
	}
}

func (m *Metrics) PollError() {
	if m != nil {
		m.pollErrors.Inc()
	}
}
