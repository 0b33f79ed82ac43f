// Package metrics exposes the coordinator's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the coordinator's collectors. One instance per process,
// registered against its own registry so tests can construct as many as
// they like without duplicate-registration panics.
type Metrics struct {
	Registry *prometheus.Registry

	EventsInbound   *prometheus.CounterVec
	EventsDelivered prometheus.Counter
	EventsDropped   *prometheus.CounterVec
	Duplicates      prometheus.Counter
	ActiveSessions  prometheus.Gauge
	Connections     prometheus.Gauge
}

// New constructs and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		EventsInbound: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_events_inbound_total",
			Help: "Inbound signaling events received, by type.",
		}, []string{"type"}),
		EventsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_events_delivered_total",
			Help: "Outbound events handed to the transport.",
		}),
		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_events_dropped_total",
			Help: "Outbound events dropped, by reason (offline, buffer_full).",
		}, []string{"reason"}),
		Duplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_duplicate_events_total",
			Help: "Inbound events suppressed by the idempotency guard.",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_active_sessions",
			Help: "Sessions currently in a non-terminal status.",
		}),
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_connected_clients",
			Help: "Open websocket connections.",
		}),
	}
}
