package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the runtime's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	// Script lifecycle
	ScriptsActive  prometheus.Gauge
	ScriptRuns     *prometheus.CounterVec
	ScriptDuration *prometheus.HistogramVec
	ScriptRetries  prometheus.Counter

	// Capabilities
	CapabilityCalls  *prometheus.CounterVec
	GrantsDropped    prometheus.Counter
	SnapshotEntries  *prometheus.GaugeVec
	SnapshotDuration prometheus.Histogram

	// Transport
	RequestsTotal   *prometheus.CounterVec
	RequestDuration prometheus.Histogram

	// Value store
	ValueWrites  *prometheus.CounterVec
	ValueUpdates *prometheus.CounterVec

	// Debug server
	HTTPRequests *prometheus.CounterVec
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.NewRegistry())
}

// NewMetricsWith registers all collectors on reg.
func NewMetricsWith(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,

		ScriptsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "gmsandbox_scripts_active",
			Help: "Scripts with a built context that have not been stopped",
		}),
		ScriptRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gmsandbox_script_runs_total",
				Help: "Script executions by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		ScriptDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gmsandbox_script_exec_seconds",
				Help:    "Synchronous script body execution time",
				Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
			},
			[]string{"mode"},
		),
		ScriptRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "gmsandbox_script_retries_total",
			Help: "Background script re-invocations scheduled by RetryError",
		}),

		CapabilityCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gmsandbox_capability_calls_total",
				Help: "Capability invocations by name",
			},
			[]string{"capability"},
		),
		GrantsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "gmsandbox_grants_dropped_total",
			Help: "Granted names with no registered capability",
		}),
		SnapshotEntries: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gmsandbox_snapshot_entries",
				Help: "Global snapshot entries by kind",
			},
			[]string{"kind"},
		),
		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gmsandbox_snapshot_build_seconds",
			Help:    "Time spent building the global snapshot",
			Buckets: prometheus.DefBuckets,
		}),

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gmsandbox_xhr_requests_total",
				Help: "GM_xmlhttpRequest calls by method and result",
			},
			[]string{"method", "result"},
		),
		RequestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gmsandbox_xhr_request_seconds",
			Help:    "GM_xmlhttpRequest round-trip time",
			Buckets: prometheus.DefBuckets,
		}),

		ValueWrites: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gmsandbox_value_writes_total",
				Help: "Value store writes by operation",
			},
			[]string{"op"},
		),
		ValueUpdates: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gmsandbox_value_updates_total",
				Help: "Value change notifications delivered to listeners",
			},
			[]string{"remote"},
		),

		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gmsandbox_debug_http_requests_total",
				Help: "Debug server requests",
			},
			[]string{"method", "path", "status"},
		),
	}
}

// RecordCapabilityCall counts one capability invocation.
func (m *Metrics) RecordCapabilityCall(name string) {
	if m == nil {
		return
	}
	m.CapabilityCalls.WithLabelValues(name).Inc()
}

// RecordGrantDropped counts a grant that matched no capability.
func (m *Metrics) RecordGrantDropped() {
	if m == nil {
		return
	}
	m.GrantsDropped.Inc()
}

// RecordRun records one execution outcome.
func (m *Metrics) RecordRun(mode, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ScriptRuns.WithLabelValues(mode, outcome).Inc()
	m.ScriptDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// RecordRetry counts a rescheduled background run.
func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.ScriptRetries.Inc()
}

// ScriptStarted increments the active script gauge.
func (m *Metrics) ScriptStarted() {
	if m == nil {
		return
	}
	m.ScriptsActive.Inc()
}

// ScriptStopped decrements the active script gauge.
func (m *Metrics) ScriptStopped() {
	if m == nil {
		return
	}
	m.ScriptsActive.Dec()
}

// RecordSnapshot records snapshot composition and build time.
func (m *Metrics) RecordSnapshot(counts map[string]int, d time.Duration) {
	if m == nil {
		return
	}
	for kind, n := range counts {
		m.SnapshotEntries.WithLabelValues(kind).Set(float64(n))
	}
	m.SnapshotDuration.Observe(d.Seconds())
}

// RecordRequest records one transport round trip.
func (m *Metrics) RecordRequest(method, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, result).Inc()
	m.RequestDuration.Observe(d.Seconds())
}

// RecordValueWrite counts a write to the value store.
func (m *Metrics) RecordValueWrite(op string) {
	if m == nil {
		return
	}
	m.ValueWrites.WithLabelValues(op).Inc()
}

// RecordValueUpdate counts a value change notification.
func (m *Metrics) RecordValueUpdate(remote bool) {
	if m == nil {
		return
	}
	label := "false"
	if remote {
		label = "true"
	}
	m.ValueUpdates.WithLabelValues(label).Inc()
}
