// Package metrics exposes Prometheus instrumentation for the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"net/http"
)

// Metrics holds every collector the server updates. One instance per
// process, constructed at startup and injected where needed.
type Metrics struct {
	registry *prometheus.Registry

	ActiveWorkers   prometheus.Gauge
	BufferFlushes   prometheus.Counter
	BufferBytes     prometheus.Counter
	JobResults      *prometheus.CounterVec
	WSConnections   prometheus.Gauge
	WebhooksIngress *prometheus.CounterVec
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentconsole_active_workers",
			Help: "Number of workers with an attached PTY.",
		}),
		BufferFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentconsole_buffer_flushes_total",
			Help: "Output buffer flushes to disk.",
		}),
		BufferBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentconsole_buffer_bytes_total",
			Help: "Output bytes persisted to worker buffers.",
		}),
		JobResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentconsole_job_results_total",
			Help: "Job outcomes by type and resulting status.",
		}, []string{"type", "status"}),
		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentconsole_websocket_connections",
			Help: "Currently connected websocket clients.",
		}),
		WebhooksIngress: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentconsole_webhooks_received_total",
			Help: "Inbound webhook deliveries by provider.",
		}, []string{"provider"}),
	}
	reg.MustRegister(
		m.ActiveWorkers,
		m.BufferFlushes,
		m.BufferBytes,
		m.JobResults,
		m.WSConnections,
		m.WebhooksIngress,
	)
	return m
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
