// Package observability provides Prometheus metrics, OpenTelemetry tracing,
// structured logging setup, and health checks.
// All components are optional and nil-safe — when disabled, record methods
// skip with a single nil check per operation.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Discovery metrics.
	DiscoveryScansTotal   prometheus.Counter
	DiscoveryScanDuration prometheus.Histogram
	InstancesDiscovered   prometheus.Gauge

	// Dispatcher metrics.
	DispatcherCallsTotal   *prometheus.CounterVec
	DispatcherCallDuration *prometheus.HistogramVec

	// Script execution metrics.
	ScriptExecutionsTotal   *prometheus.CounterVec
	ScriptExecutionDuration prometheus.Histogram

	// System metrics.
	ActiveExecutions prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		DiscoveryScansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "archicad_mcp",
			Subsystem: "discovery",
			Name:      "scans_total",
			Help:      "Total discovery scans performed.",
		}),

		DiscoveryScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "archicad_mcp",
			Subsystem: "discovery",
			Name:      "scan_duration_seconds",
			Help:      "Discovery scan duration in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),

		InstancesDiscovered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "archicad_mcp",
			Subsystem: "discovery",
			Name:      "instances",
			Help:      "Instances found by the most recent scan.",
		}),

		DispatcherCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archicad_mcp",
			Subsystem: "dispatcher",
			Name:      "calls_total",
			Help:      "Total remote command calls.",
		}, []string{"dialect", "status"}),

		DispatcherCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "archicad_mcp",
			Subsystem: "dispatcher",
			Name:      "call_duration_seconds",
			Help:      "Remote command call duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"dialect"}),

		ScriptExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archicad_mcp",
			Subsystem: "script",
			Name:      "executions_total",
			Help:      "Total script executions by outcome.",
		}, []string{"status"}),

		ScriptExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "archicad_mcp",
			Subsystem: "script",
			Name:      "execution_duration_seconds",
			Help:      "Script execution duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}),

		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "archicad_mcp",
			Subsystem: "script",
			Name:      "active_executions",
			Help:      "Script executions currently running.",
		}),
	}

	reg.MustRegister(
		m.DiscoveryScansTotal,
		m.DiscoveryScanDuration,
		m.InstancesDiscovered,
		m.DispatcherCallsTotal,
		m.DispatcherCallDuration,
		m.ScriptExecutionsTotal,
		m.ScriptExecutionDuration,
		m.ActiveExecutions,
	)

	return m
}

// RecordDiscoveryScan records one completed scan. Nil-safe.
func (m *MetricsCollector) RecordDiscoveryScan(found int, duration time.Duration) {
	if m == nil {
		return
	}
	m.DiscoveryScansTotal.Inc()
	m.DiscoveryScanDuration.Observe(duration.Seconds())
	m.InstancesDiscovered.Set(float64(found))
}

// RecordDispatcherCall records one remote command call. Nil-safe.
func (m *MetricsCollector) RecordDispatcherCall(dialect, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DispatcherCallsTotal.WithLabelValues(dialect, status).Inc()
	m.DispatcherCallDuration.WithLabelValues(dialect).Observe(duration.Seconds())
}

// RecordScriptExecution records one finished script invocation. Nil-safe.
func (m *MetricsCollector) RecordScriptExecution(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ScriptExecutionsTotal.WithLabelValues(status).Inc()
	m.ScriptExecutionDuration.Observe(duration.Seconds())
}

// ExecutionStarted marks a script invocation in flight. Nil-safe.
func (m *MetricsCollector) ExecutionStarted() {
	if m == nil {
		return
	}
	m.ActiveExecutions.Inc()
}

// ExecutionFinished marks a script invocation done. Nil-safe.
func (m *MetricsCollector) ExecutionFinished() {
	if m == nil {
		return
	}
	m.ActiveExecutions.Dec()
}
