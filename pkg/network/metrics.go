package network

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "inc",
		Subsystem: "server",
		Name:      "connections_accepted_total",
		Help:      "Connections accepted and admitted by the server.",
	})

	metricConnectionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "inc",
		Subsystem: "server",
		Name:      "connections_rejected_total",
		Help:      "Connections closed at accept time for exceeding the configured maximum.",
	})

	metricActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "inc",
		Subsystem: "server",
		Name:      "active_connections",
		Help:      "Currently admitted connections.",
	})

	metricMessagesDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inc",
		Subsystem: "server",
		Name:      "messages_dispatched_total",
		Help:      "Inbound messages routed by type.",
	}, []string{"type"})

	metricEventsBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "inc",
		Subsystem: "server",
		Name:      "events_broadcast_total",
		Help:      "Events passed to BroadcastEvent.",
	})
)
