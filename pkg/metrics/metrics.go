// Package metrics holds the Prometheus collectors of the maintenance gate.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "maintenance_gate"

// Metrics bundles every collector on a private registry
type Metrics struct {
	registry *prometheus.Registry

	// MaintenanceMode is 1 while the resolved flag is on
	MaintenanceMode prometheus.Gauge
	// ShuttingDown is 1 once the drain sequence started
	ShuttingDown prometheus.Gauge
	// ReadinessChecks counts /ready answers by result (ready, not_ready, shutting_down)
	ReadinessChecks *prometheus.CounterVec
	// BlockedRequests counts requests answered with the maintenance page
	BlockedRequests prometheus.Counter
	// SourceErrors counts failed reads per flag source
	SourceErrors *prometheus.CounterVec
	// Toggles counts admin writes of the flag by target value
	Toggles *prometheus.CounterVec

	// Session and drain metrics keep the names dashboards already use
	ActiveSessions         prometheus.Gauge
	DrainNotificationsSent prometheus.Counter
	GracefulLogouts        prometheus.Counter
	ForcedLogouts          prometheus.Counter
	TotalLogins            prometheus.Counter
	EventSubscribers       prometheus.Gauge
}

// New creates the collectors and registers them with a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		MaintenanceMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "maintenance_mode",
			Help:      "Whether maintenance mode is currently resolved as on (1) or off (0)",
		}),
		ShuttingDown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shutting_down",
			Help:      "Whether the pod is draining before shutdown",
		}),
		ReadinessChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readiness_checks_total",
			Help:      "Readiness probe answers by result",
		}, []string{"result"}),
		BlockedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocked_requests_total",
			Help:      "Requests answered with 503 by the maintenance gate",
		}),
		SourceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_errors_total",
			Help:      "Failed maintenance flag reads by source",
		}, []string{"source"}),
		Toggles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "toggles_total",
			Help:      "Maintenance flag writes from the admin surface by target state",
		}, []string{"enabled"}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_sessions_total",
			Help: "Current number of active user sessions",
		}),
		DrainNotificationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drain_notifications_sent_total",
			Help: "Total drain notifications sent to users",
		}),
		GracefulLogouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graceful_logouts_total",
			Help: "Total graceful logouts after notification",
		}),
		ForcedLogouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forced_logouts_total",
			Help: "Total forced logouts after timeout",
		}),
		TotalLogins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "total_logins",
			Help: "Total logins since startup",
		}),
		EventSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_subscribers",
			Help:      "Connected Server-Sent Events clients",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.MaintenanceMode,
		m.ShuttingDown,
		m.ReadinessChecks,
		m.BlockedRequests,
		m.SourceErrors,
		m.Toggles,
		m.ActiveSessions,
		m.DrainNotificationsSent,
		m.GracefulLogouts,
		m.ForcedLogouts,
		m.TotalLogins,
		m.EventSubscribers,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetBool sets a 0/1 gauge
func SetBool(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
		return
	}
	g.Set(0)
}
