package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway hub metrics
var (
	// ActiveConnections tracks authenticated connections currently registered
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_connections",
			Help: "Authenticated connections currently registered with the hub",
		},
	)

	// ActiveChannels tracks channels with at least one member
	ActiveChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_channels",
			Help: "Channels with at least one member",
		},
	)

	// MessagesBroadcastTotal counts fan-out messages by scope (channel/global)
	MessagesBroadcastTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_messages_broadcast_total",
			Help: "Messages fanned out by scope",
		},
		[]string{"scope"},
	)

	// MessagesDeliveredTotal counts per-recipient deliveries
	MessagesDeliveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_messages_delivered_total",
			Help: "Per-recipient message deliveries",
		},
	)

	// SlowClientDropsTotal counts messages dropped because a recipient's send buffer was full
	SlowClientDropsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_slow_client_drops_total",
			Help: "Messages dropped due to a full per-connection send buffer",
		},
	)

	// HubCommandChannelDepth tracks the hub command queue depth
	HubCommandChannelDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_hub_command_channel_depth",
			Help: "Current depth of the hub command channel",
		},
	)

	// HubPanicsTotal counts recovered hub panics
	HubPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_hub_panics_total",
			Help: "Panics recovered in the hub goroutine",
		},
	)

	// HubStopTimeoutsTotal counts forced hub shutdowns
	HubStopTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_hub_stop_timeouts_total",
			Help: "Hub shutdowns that exceeded the graceful stop timeout",
		},
	)
)

// Handshake and liveness metrics
var (
	// HandshakeFailuresTotal counts failed handshakes by close code
	HandshakeFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_handshake_failures_total",
			Help: "Failed authentication handshakes by close code",
		},
		[]string{"code"},
	)

	// HandshakesTotal counts successful handshakes
	HandshakesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_handshakes_total",
			Help: "Successful authentication handshakes",
		},
	)

	// HeartbeatEvictionsTotal counts connections closed by the sweep
	HeartbeatEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_heartbeat_evictions_total",
			Help: "Connections force-closed by the heartbeat sweep",
		},
	)

	// MalformedFramesTotal counts post-auth frames that failed to parse
	MalformedFramesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_malformed_frames_total",
			Help: "Post-auth frames rejected as malformed",
		},
	)

	// UnknownFramesTotal counts post-auth frames with an unrecognized type
	UnknownFramesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_unknown_frames_total",
			Help: "Post-auth frames ignored due to an unrecognized type",
		},
	)
)

// HTTP edge metrics
var (
	// ConnectionsRejectedTotal counts upgrades rejected at the edge by reason
	ConnectionsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_connections_rejected_total",
			Help: "WebSocket upgrades rejected before the handshake by reason",
		},
		[]string{"reason"},
	)

	// WriteDuration tracks per-message transport write latency in seconds
	WriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_write_duration_seconds",
			Help:    "Transport write duration in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)
)
