// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	ActiveConnections prometheus.Gauge
	ConnectedUsers    prometheus.Gauge
	PublishedEvents   *prometheus.CounterVec
	AuthFailures      prometheus.Counter
	ForcedDisconnects prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_active_connections",
			Help: "Currently open websocket connections.",
		}),
		ConnectedUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_connected_users",
			Help: "Distinct users with at least one open connection.",
		}),
		PublishedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_published_events_total",
			Help: "Events published into rooms, by event name.",
		}, []string{"event"}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_auth_failures_total",
			Help: "Connections rejected at authentication.",
		}),
		ForcedDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_forced_disconnects_total",
			Help: "Administrative force-disconnect actions.",
		}),
	}
	reg.MustRegister(
		m.ActiveConnections,
		m.ConnectedUsers,
		m.PublishedEvents,
		m.AuthFailures,
		m.ForcedDisconnects,
	)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
