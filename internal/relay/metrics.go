package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is component J: the relay's Prometheus surface, grounded on the
// pack's gravitational-teleport (which instruments its own proxy/session
// layer with prometheus/client_golang). It makes the §9 back-pressure
// policy and the bus's connectedness observable rather than merely logged.
type Metrics struct {
	Registry *prometheus.Registry

	clientsAdmitted       prometheus.Counter
	clientsActive         prometheus.Gauge
	subscriptionsActive   prometheus.Gauge
	terminalsActive       prometheus.Gauge
	busConnected          prometheus.Gauge
	busReconnects         prometheus.Counter
	slowClientDrops       prometheus.Counter
	slowClientDisconnects prometheus.Counter
}

// NewMetrics builds and registers every relay metric on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		clientsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_clients_admitted_total",
			Help: "Total client connections successfully admitted.",
		}),
		clientsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_clients_active",
			Help: "Currently connected, admitted clients.",
		}),
		subscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_subscriptions_active",
			Help: "Distinct bus subject patterns with a live upstream subscription.",
		}),
		terminalsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_terminals_active",
			Help: "Currently open shell proxies across all clients.",
		}),
		busConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_bus_connected",
			Help: "1 if the bus connection is currently up, else 0.",
		}),
		busReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_bus_reconnects_total",
			Help: "Total successful bus reconnects after a disconnect.",
		}),
		slowClientDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_slow_client_drops_total",
			Help: "Outbound messages dropped because a client's send queue was full.",
		}),
		slowClientDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_slow_client_disconnects_total",
			Help: "Clients disconnected for exceeding the consecutive-drop limit.",
		}),
	}

	reg.MustRegister(
		m.clientsAdmitted,
		m.clientsActive,
		m.subscriptionsActive,
		m.terminalsActive,
		m.busConnected,
		m.busReconnects,
		m.slowClientDrops,
		m.slowClientDisconnects,
	)
	return m
}
