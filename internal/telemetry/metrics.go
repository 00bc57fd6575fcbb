package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/energizer-project/srcquery/internal/events"
)

const metricsNamespace = "srcquery"

// FleetSource reports the current fleet counters.
type FleetSource interface {
	Heartbeat() events.HeartbeatPayload
}

// Metrics exposes fleet state and bus activity as Prometheus metrics.
type Metrics struct {
	registry *prometheus.Registry
	eventBus *events.EventBus

	statusChanges   *prometheus.CounterVec
	pollPing        prometheus.Histogram
	rconCommands    prometheus.Counter
	rconDisconnects prometheus.Counter
	passwordChanges prometheus.Counter
	latencyAlerts   *prometheus.CounterVec
}

// NewMetrics creates the metrics on a private registry. The fleet gauges
// are read from fleet on every scrape.
func NewMetrics(eventBus *events.EventBus, fleet FleetSource) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		eventBus: eventBus,

		statusChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "status_changes_total",
			Help:      "Server status transitions by new status",
		}, []string{"status"}),

		pollPing: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "poll_ping_seconds",
			Help:      "Round trip of successful server polls",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		rconCommands: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rcon_commands_total",
			Help:      "RCON commands executed",
		}),

		rconDisconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rcon_disconnects_total",
			Help:      "RCON sessions lost",
		}),

		passwordChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rcon_password_changes_total",
			Help:      "Reconnects refused with the cached RCON password",
		}),

		latencyAlerts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "latency_alerts_total",
			Help:      "Latency alerts by level",
		}, []string{"level"}),
	}

	gauge := func(name, help string, value func(events.HeartbeatPayload) int) {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(value(fleet.Heartbeat())) })
	}
	gauge("servers", "Monitored servers", func(h events.HeartbeatPayload) int { return h.Servers })
	gauge("servers_online", "Servers answering queries", func(h events.HeartbeatPayload) int { return h.Online })
	gauge("rcon_sessions", "Authenticated RCON sessions", func(h events.HeartbeatPayload) int { return h.RCONSessions })
	gauge("sockets", "Open shared UDP sockets", func(h events.HeartbeatPayload) int { return h.Sockets })

	return m
}

var metricEvents = []events.EventType{
	events.EventServerStatus,
	events.EventRCONCommand,
	events.EventRCONDisconnected,
	events.EventRCONPasswordChanged,
	events.EventLatencyAlert,
}

// Subscribe starts counting bus events.
func (m *Metrics) Subscribe() {
	for _, t := range metricEvents {
		m.eventBus.Subscribe(t, "metrics", m.onEvent)
	}
}

// Unsubscribe stops counting bus events.
func (m *Metrics) Unsubscribe() {
	for _, t := range metricEvents {
		m.eventBus.Unsubscribe(t, "metrics")
	}
}

func (m *Metrics) onEvent(_ context.Context, event events.Event) error {
	switch p := event.Payload.(type) {
	case events.ServerStatusPayload:
		if p.Status != p.Previous {
			m.statusChanges.WithLabelValues(p.Status.String()).Inc()
		}
		if p.Error == "" && p.Ping > 0 {
			m.pollPing.Observe(p.Ping.Seconds())
		}
	case events.RCONCommandPayload:
		m.rconCommands.Inc()
	case events.RCONDisconnectedPayload:
		m.rconDisconnects.Inc()
	case events.RCONPasswordChangedPayload:
		m.passwordChanges.Inc()
	case events.LatencyAlertPayload:
		m.latencyAlerts.WithLabelValues(p.Level).Inc()
	}
	return nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
