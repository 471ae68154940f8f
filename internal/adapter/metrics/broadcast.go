package metrics

import "github.com/prometheus/client_golang/prometheus"

// BroadcastMetrics holds Prometheus metrics for live connections and event fanout.
type BroadcastMetrics struct {
	ActiveConnections  prometheus.Gauge
	ActiveScopes       prometheus.Gauge
	EventsEmitted      *prometheus.CounterVec
	FramesDelivered    prometheus.Counter
	SlowClientsEvicted prometheus.Counter
	RelayMessages      *prometheus.CounterVec
	ConnectionsDenied  *prometheus.CounterVec
	PingFailures       prometheus.Counter
}

// NewBroadcastMetrics creates and registers broadcast metrics on the given registry.
func NewBroadcastMetrics(reg prometheus.Registerer) *BroadcastMetrics {
	m := &BroadcastMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of live connections registered on this instance.",
		}),
		ActiveScopes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "active_scopes",
			Help:      "Number of scopes with at least one joined connection.",
		}),
		EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "events_emitted_total",
			Help:      "Total number of events emitted, by scope kind.",
		}, []string{"kind"}),
		FramesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "frames_delivered_total",
			Help:      "Total number of frames queued to connections.",
		}),
		SlowClientsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "slow_clients_evicted_total",
			Help:      "Total number of connections dropped because their send buffer was full.",
		}),
		RelayMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "relay_messages_total",
			Help:      "Total number of cross-instance relay messages, by direction and result.",
		}, []string{"direction", "result"}),
		ConnectionsDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections_denied_total",
			Help:      "Total number of rejected connection attempts, by reason.",
		}, []string{"reason"}),
		PingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "ping_failures_total",
			Help:      "Total number of failed keepalive pings.",
		}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.ActiveScopes,
		m.EventsEmitted,
		m.FramesDelivered,
		m.SlowClientsEvicted,
		m.RelayMessages,
		m.ConnectionsDenied,
		m.PingFailures,
	)
	return m
}
