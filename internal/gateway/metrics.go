package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the gateway's Prometheus instruments. A fresh set is
// created per Server so tests never fight over the default registerer.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsActive  prometheus.Gauge
	MessagesIngested   prometheus.Counter
	ExecutionsActive   prometheus.GaugeFunc
	HeartbeatEvictions prometheus.Counter
	EventsDelivered    prometheus.Counter
}

// NewMetrics builds and registers the gateway instruments. activeExecutions
// is sampled lazily on scrape.
func NewMetrics(activeExecutions func() float64) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parley_ws_connections_active",
			Help: "Currently open WebSocket connections.",
		}),
		MessagesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_messages_ingested_total",
			Help: "User messages accepted for execution.",
		}),
		ExecutionsActive: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "parley_executions_active",
			Help: "Executions currently in flight.",
		}, activeExecutions),
		HeartbeatEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_heartbeat_evictions_total",
			Help: "Connections evicted after missing heartbeats.",
		}),
		EventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_stream_events_delivered_total",
			Help: "Lifecycle event deliveries to WebSocket subscribers.",
		}),
	}

	reg.MustRegister(
		m.ConnectionsActive,
		m.MessagesIngested,
		m.ExecutionsActive,
		m.HeartbeatEvictions,
		m.EventsDelivered,
	)
	return m
}
