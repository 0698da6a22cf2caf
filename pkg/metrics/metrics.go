// Package metrics 提供 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 会话指标
var (
	LobbySessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lobby_sessions_active",
		Help: "Number of live sessions",
	})

	LobbySessionCloseReason = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lobby_session_close_total",
		Help: "Session close count by reason",
	}, []string{"reason"})

	LobbyMessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lobby_messages_received_total",
		Help: "Total frames decoded from clients",
	}, []string{"msg_type"})

	LobbyFrameErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lobby_frame_errors_total",
		Help: "Frames rejected by the read loop",
	}, []string{"kind"}) // malformed, too_large, params

	LobbyHandlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lobby_handler_errors_total",
		Help: "Handler failures by message type",
	}, []string{"msg_type"})

	LobbyHandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lobby_handler_duration_seconds",
		Help:    "Handler processing duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"msg_type"})

	LobbyBytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lobby_bytes_sent_total",
		Help: "Total bytes written to clients",
	})

	LobbyAuthResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lobby_auth_results_total",
		Help: "Authentication attempts by method and result",
	}, []string{"method", "result"})
)

// 房间指标
var (
	LobbyRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lobby_rooms_active",
		Help: "Number of rooms in the registry",
	})

	LobbyRoomsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lobby_rooms_swept_total",
		Help: "Empty rooms evicted by the sweeper",
	})

	LobbyBroadcastFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lobby_broadcast_failures_total",
		Help: "Per-seat delivery failures during room broadcasts",
	})

	LobbyMatchesReady = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lobby_matches_ready_total",
		Help: "Rooms where every seat became ready",
	})
)
