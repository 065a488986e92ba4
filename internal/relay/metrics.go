package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricOpenConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_open_connections",
		Help: "Number of relay sockets currently open.",
	})
	metricConnectionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_connections_opened_total",
		Help: "Total relay sockets successfully opened.",
	})
	metricReconnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_reconnect_attempts_total",
		Help: "Reconnect attempts scheduled, by endpoint.",
	}, []string{"endpoint"})
	metricPermanentFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_permanent_failures_total",
		Help: "Connections that exhausted their retry budget.",
	})
	metricFramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_frames_received_total",
		Help: "Inbound frames read from relay sockets, by endpoint.",
	}, []string{"endpoint"})
	metricFramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_frames_sent_total",
		Help: "Outbound frames written to relay sockets.",
	})
	metricSendRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_send_rejections_total",
		Help: "Sends refused because the socket was not open.",
	})
)
