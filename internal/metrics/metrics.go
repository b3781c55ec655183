// Package metrics defines the server's Prometheus instrumentation. All
// collectors live on one registry owned by the Metrics struct so tests can
// construct isolated instances.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Execution outcome labels.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeTimeout   = "timeout"
	OutcomeKilled    = "killed"
)

// Metrics bundles every collector the server exports.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	ConnectionsDenied *prometheus.CounterVec

	MessagesReceived *prometheus.CounterVec
	FramesSent       prometheus.Counter
	FramesDropped    prometheus.Counter
	RateLimited      prometheus.Counter

	ProjectsActive    prometheus.Gauge
	ExecutionsActive  prometheus.Gauge
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram

	LogAppendErrors prometheus.Counter
	SegmentsRemoved prometheus.Counter

	MemoryRSSBytes prometheus.Gauge
	Goroutines     prometheus.Gauge
}

// New builds the full collector set on a fresh registry, including the
// standard Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "codedock_connections_active",
			Help: "Currently open WebSocket connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codedock_connections_total",
			Help: "Total accepted WebSocket connections.",
		}),
		ConnectionsDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codedock_connections_denied_total",
			Help: "Connections refused at admission, by reason.",
		}, []string{"reason"}),

		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codedock_messages_received_total",
			Help: "Inbound client messages, by type.",
		}, []string{"type"}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codedock_frames_sent_total",
			Help: "Outbound frames enqueued to connections.",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codedock_frames_dropped_total",
			Help: "Broadcast frames dropped because a connection's send queue was full.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codedock_messages_rate_limited_total",
			Help: "Inbound messages rejected by the per-connection rate limit.",
		}),

		ProjectsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "codedock_projects",
			Help: "Registered projects.",
		}),
		ExecutionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "codedock_executions_active",
			Help: "Agent CLI processes currently running.",
		}),
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codedock_executions_total",
			Help: "Finished executions, by outcome.",
		}, []string{"outcome"}),
		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "codedock_execution_duration_seconds",
			Help:    "Wall-clock duration of finished executions.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),

		LogAppendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codedock_log_append_errors_total",
			Help: "Failed message log appends.",
		}),
		SegmentsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codedock_log_segments_removed_total",
			Help: "Log segments deleted by retention.",
		}),

		MemoryRSSBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "codedock_memory_rss_bytes",
			Help: "Resident set size as sampled by the resource governor.",
		}),
		Goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "codedock_goroutines",
			Help: "Goroutine count as sampled by the resource governor.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ConnectionsActive,
		m.ConnectionsTotal,
		m.ConnectionsDenied,
		m.MessagesReceived,
		m.FramesSent,
		m.FramesDropped,
		m.RateLimited,
		m.ProjectsActive,
		m.ExecutionsActive,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.LogAppendErrors,
		m.SegmentsRemoved,
		m.MemoryRSSBytes,
		m.Goroutines,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
