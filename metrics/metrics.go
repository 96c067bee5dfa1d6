package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connections_active",
		Help: "The current number of active WebSocket connections.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_connections_total",
		Help: "The total number of WebSocket connections accepted.",
	})
	FramesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_frames_received_total",
		Help: "The total number of frames received from clients.",
	})
	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_frames_sent_total",
		Help: "The total number of frames sent to clients.",
	})
	MailboxDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_mailbox_dropped_total",
		Help: "The total number of frames dropped because a connection mailbox was full.",
	})

	// Broker metrics
	BrokerMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_broker_published_total",
		Help: "The total number of commands and events published to the event bus.",
	}, []string{"broker_type", "topic"})
	BrokerMessagesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_broker_consumed_total",
		Help: "The total number of events consumed from the event bus.",
	}, []string{"broker_type", "topic"})
	BrokerPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_broker_publish_failures_total",
		Help: "The total number of failed publishes to the event bus.",
	}, []string{"broker_type", "topic"})

	// Auth metrics
	AuthSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_auth_success_total",
		Help: "The total number of successful authentications.",
	})
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_auth_failures_total",
		Help: "The total number of failed authentications.",
	}, []string{"reason"})

	// Liveness and reconnection metrics
	HeartbeatTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_heartbeat_timeouts_total",
		Help: "The total number of connections closed for missing heartbeats.",
	})
	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_reconnect_attempts_total",
		Help: "The total number of rejoin_room attempts.",
	})
	ReconnectSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_reconnect_success_total",
		Help: "The total number of successful room rejoins.",
	})

	// Room metrics
	RoomsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_rooms_created_total",
		Help: "The total number of rooms created through this instance.",
	})
)

// StartServer starts the HTTP server for Prometheus metrics. A metrics
// listener that cannot come up leaves the gateway serving without metrics
// rather than taking it down.
func StartServer(port int, path string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	log.Info("starting metrics server", zap.String("addr", addr), zap.String("path", path))

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
}
