package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the execution service.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	RejectionsTotal   *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
	EscapeSignals     *prometheus.CounterVec
	ContainerdLatency *prometheus.HistogramVec
	RequestsInFlight  prometheus.Gauge
	CodeSizeBytes     prometheus.Histogram
	OutputSizeBytes   prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pyexec",
				Name:      "executions_total",
				Help:      "Total number of executions by terminal status.",
			},
			[]string{"status"},
		),

		ExecutionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "pyexec",
				Name:      "execution_duration_seconds",
				Help:      "Duration of sandbox executions in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),

		RejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pyexec",
				Name:      "rejections_total",
				Help:      "Submissions rejected before execution, by category.",
			},
			[]string{"category"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "pyexec",
				Name:      "active_executions",
				Help:      "Number of currently running sandbox executions.",
			},
		),

		EscapeSignals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pyexec",
				Name:      "escape_signals_total",
				Help:      "Suspicious signals observed in execution output.",
			},
			[]string{"pattern"},
		),

		ContainerdLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "pyexec",
				Name:      "containerd_operation_duration_seconds",
				Help:      "Duration of containerd API operations.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"operation"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "pyexec",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "pyexec",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "pyexec",
				Name:      "output_size_bytes",
				Help:      "Size of execution output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.RejectionsTotal,
		m.ActiveExecutions,
		m.EscapeSignals,
		m.ContainerdLatency,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordExecution records metrics for a completed execution.
func (m *Metrics) RecordExecution(status string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(status).Inc()
	m.ExecutionDuration.Observe(durationSec)
}

// RecordRejection records a pre-execution rejection by category.
func (m *Metrics) RecordRejection(category string) {
	m.RejectionsTotal.WithLabelValues(category).Inc()
}

// ObserveContainerd records the duration of one containerd operation.
func (m *Metrics) ObserveContainerd(operation string, seconds float64) {
	m.ContainerdLatency.WithLabelValues(operation).Observe(seconds)
}

// RecordEscapeSignal records a suspicious pattern seen in output.
func (m *Metrics) RecordEscapeSignal(pattern string) {
	m.EscapeSignals.WithLabelValues(pattern).Inc()
}
