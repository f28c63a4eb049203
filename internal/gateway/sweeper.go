package gateway

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/mfriedel/channelgate/internal/metrics"
	"github.com/mfriedel/channelgate/internal/protocol"
)

// handleSweep scans every registered connection and force-closes those
// that stopped pinging. This is the only mechanism that catches half-open
// sockets whose peer died without a close frame. Eviction runs the
// identical teardown path as a client-initiated close.
func (h *Hub) handleSweep() {
	var stale []uuid.UUID
	for id, cn := range h.conns {
		if h.clock.Since(cn.lastHeartbeat) > h.heartbeatTimeout {
			stale = append(stale, id)
		}
	}

	for _, id := range stale {
		cn := h.conns[id]
		slog.Info("Evicting connection: heartbeat timeout",
			"connection_id", id.String(),
			"user_id", cn.identity.UserID,
			"last_heartbeat", cn.lastHeartbeat,
		)
		metrics.HeartbeatEvictionsTotal.Inc()
		h.handleDisconnect(id, protocol.HeartbeatTimeoutError())
	}
}
