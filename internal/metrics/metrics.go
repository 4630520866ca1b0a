// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the gateway records.
type Metrics struct {
	registry *prometheus.Registry

	JobsProcessed  *prometheus.CounterVec
	MessagesSent   *prometheus.CounterVec
	InboundEvents  *prometheus.CounterVec
	QueueDepth     *prometheus.GaugeVec
	DispatchTime   prometheus.Histogram
	ActiveAdapters prometheus.Gauge
}

// New creates and registers all gateway collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatekit",
			Subsystem: "queue",
			Name:      "jobs_processed_total",
			Help:      "Message jobs processed, by final outcome.",
		}, []string{"outcome"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatekit",
			Subsystem: "dispatch",
			Name:      "messages_sent_total",
			Help:      "Per-target delivery results, by platform and status.",
		}, []string{"platform", "status"}),
		InboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatekit",
			Subsystem: "webhook",
			Name:      "inbound_events_total",
			Help:      "Inbound webhook events ingested, by platform and type.",
		}, []string{"platform", "type"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gatekit",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current queue depth per state.",
		}, []string{"state"}),
		DispatchTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gatekit",
			Subsystem: "dispatch",
			Name:      "job_duration_seconds",
			Help:      "Wall time spent dispatching one job.",
			Buckets:   prometheus.DefBuckets,
		}),
		ActiveAdapters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatekit",
			Subsystem: "platform",
			Name:      "active_adapters",
			Help:      "Live platform adapter connections.",
		}),
	}

	reg.MustRegister(
		m.JobsProcessed,
		m.MessagesSent,
		m.InboundEvents,
		m.QueueDepth,
		m.DispatchTime,
		m.ActiveAdapters,
	)
	return m
}

// Registry returns the backing registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
