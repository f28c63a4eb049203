package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mfriedel/channelgate/internal/identity"
	"github.com/mfriedel/channelgate/internal/metrics"
	"github.com/mfriedel/channelgate/internal/protocol"
)

const (
	commandTimeout  = 5 * time.Second
	stopTimeout     = 10 * time.Second
	commandCapacity = 256
)

const (
	// Default liveness parameters. Clients must ping at least once per
	// interval; the sweep evicts anyone silent past the timeout.
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 60 * time.Second
)

// BroadcastOptions filter the recipients of a channel broadcast.
type BroadcastOptions struct {
	// ExcludeUserID skips every connection authenticated as this user.
	ExcludeUserID string
	// IncludeUserIDs, when non-empty, restricts delivery to connections
	// authenticated as one of these users.
	IncludeUserIDs []string
}

type channelMembers map[uuid.UUID]*conn

// conn is the hub-owned state of one authenticated connection. Only the
// hub goroutine touches it after registration.
type conn struct {
	id            uuid.UUID
	identity      identity.Identity
	writer        *connWriter
	channels      map[string]struct{}
	lastHeartbeat time.Time
}

// hubCmd is the command interface of the Hub actor.
type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type registerCmd struct {
	baseHubCmd
	transport    Transport
	identity     identity.Identity
	replyChannel chan registerReply
}

type registerReply struct {
	connID uuid.UUID
	err    error
}

type disconnectCmd struct {
	baseHubCmd
	connID uuid.UUID
}

type subscribeCmd struct {
	baseHubCmd
	connID    uuid.UUID
	channelID string
}

type unsubscribeCmd struct {
	baseHubCmd
	connID    uuid.UUID
	channelID string
}

type clientBroadcastCmd struct {
	baseHubCmd
	connID    uuid.UUID
	channelID string
	event     string
	payload   json.RawMessage
}

type broadcastCmd struct {
	baseHubCmd
	channelID string
	event     string
	payload   json.RawMessage
	opts      BroadcastOptions
}

type presenceCmd struct {
	baseHubCmd
	connID    uuid.UUID
	channelID string
}

type heartbeatCmd struct {
	baseHubCmd
	connID uuid.UUID
}

type rawSendCmd struct {
	baseHubCmd
	connID uuid.UUID
	data   []byte
}

type membersCmd struct {
	baseHubCmd
	channelID    string
	replyChannel chan []protocol.Member
}

type connectionCountCmd struct {
	baseHubCmd
	replyChannel chan int
}

type stopCmd struct {
	baseHubCmd
}

// Hub owns the connection registry and the channel index. All mutation
// flows through its command channel and is applied by a single goroutine,
// so handler code never sees the raw maps.
type Hub struct {
	cmdCh             chan hubCmd
	clock             clockwork.Clock
	conns             map[uuid.UUID]*conn
	channels          map[string]channelMembers
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	done              chan struct{}
	stopTimeout       time.Duration
}

// Options tune the hub's liveness sweep. Zero values fall back to the
// defaults.
type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// NewHub creates a hub and starts its actor goroutine.
func NewHub(clock clockwork.Clock, opts Options) *Hub {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}

	h := &Hub{
		cmdCh:             make(chan hubCmd, commandCapacity),
		clock:             clock,
		conns:             make(map[uuid.UUID]*conn),
		channels:          make(map[string]channelMembers),
		heartbeatInterval: opts.HeartbeatInterval,
		heartbeatTimeout:  opts.HeartbeatTimeout,
		done:              make(chan struct{}),
		stopTimeout:       stopTimeout,
	}
	go h.run()
	return h
}

// --- Public API ---

// Register inserts an authenticated connection into the registry and
// emits the authenticated frame. Returns the hub-assigned connection id.
func (h *Hub) Register(transport Transport, ident identity.Identity) (uuid.UUID, error) {
	replyCh := make(chan registerReply, 1)
	h.cmdCh <- registerCmd{transport: transport, identity: ident, replyChannel: replyCh}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return reply.connID, reply.err
	case <-timer.Chan():
		return uuid.Nil, fmt.Errorf("register command timed out after %v", commandTimeout)
	}
}

// Disconnect runs the full teardown for a connection: removal from every
// channel (emitting user:left to each), then removal from the registry.
// Idempotent across all close triggers.
func (h *Hub) Disconnect(connID uuid.UUID) {
	h.cmdCh <- disconnectCmd{connID: connID}
}

// Subscribe adds the connection to a channel, creating the channel lazily.
func (h *Hub) Subscribe(connID uuid.UUID, channelID string) {
	h.cmdCh <- subscribeCmd{connID: connID, channelID: channelID}
}

// Unsubscribe removes the connection from a channel, deleting the channel
// when its last member leaves.
func (h *Hub) Unsubscribe(connID uuid.UUID, channelID string) {
	h.cmdCh <- unsubscribeCmd{connID: connID, channelID: channelID}
}

// BroadcastFrom fans a client-published event out to the channel,
// excluding every connection of the publishing user (self-exclusion).
func (h *Hub) BroadcastFrom(connID uuid.UUID, channelID, event string, payload json.RawMessage) {
	h.cmdCh <- clientBroadcastCmd{connID: connID, channelID: channelID, event: event, payload: payload}
}

// Broadcast fans an event out to a channel with explicit recipient
// filters. Delivery is best-effort per recipient.
func (h *Hub) Broadcast(channelID, event string, payload json.RawMessage, opts BroadcastOptions) {
	h.cmdCh <- broadcastCmd{channelID: channelID, event: event, payload: payload, opts: opts}
}

// Announce delivers an event to every authenticated connection regardless
// of channel membership (process-wide announcement).
func (h *Hub) Announce(event string, payload json.RawMessage) {
	h.cmdCh <- broadcastCmd{event: event, payload: payload}
}

// Presence sends the requesting connection a roster snapshot computed
// live from the channel index.
func (h *Hub) Presence(connID uuid.UUID, channelID string) {
	h.cmdCh <- presenceCmd{connID: connID, channelID: channelID}
}

// Heartbeat refreshes the connection's liveness timestamp and answers
// with a pong frame.
func (h *Hub) Heartbeat(connID uuid.UUID) {
	h.cmdCh <- heartbeatCmd{connID: connID}
}

// Members returns the current roster of a channel. Returns nil if the
// command times out.
func (h *Hub) Members(channelID string) []protocol.Member {
	replyCh := make(chan []protocol.Member, 1)
	h.cmdCh <- membersCmd{channelID: channelID, replyChannel: replyCh}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case members := <-replyCh:
		return members
	case <-timer.Chan():
		slog.Warn("Members timed out", "timeout", commandTimeout)
		return nil
	}
}

// ConnectionCount returns the number of registered connections. Returns
// -1 if the command times out.
func (h *Hub) ConnectionCount() int {
	replyCh := make(chan int, 1)
	h.cmdCh <- connectionCountCmd{replyChannel: replyCh}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case count := <-replyCh:
		return count
	case <-timer.Chan():
		slog.Warn("ConnectionCount timed out", "timeout", commandTimeout)
		return -1
	}
}

// Stop shuts the hub down, closing every client connection. Blocks until
// the actor goroutine has exited or the stop timeout is reached.
func (h *Hub) Stop() {
	h.cmdCh <- stopCmd{}

	timeout := h.clock.NewTimer(h.stopTimeout)
	defer timeout.Stop()

	select {
	case <-h.done:
		slog.Info("Hub stopped gracefully")
	case <-timeout.Chan():
		slog.Warn("Hub stop timeout exceeded, forcing exit", "timeout", h.stopTimeout)
		metrics.HubStopTimeoutsTotal.Inc()
		close(h.done)
		slog.Error("Hub goroutine may have leaked", "active_connections", len(h.conns))
	}
}

// --- Actor loop ---

func (h *Hub) run() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Hub panic recovered", "panic", r)
			metrics.HubPanicsTotal.Inc()
			h.closeAllConnections("hub panic")
		}
	}()

	sweepTicker := h.clock.NewTicker(h.heartbeatInterval)
	defer sweepTicker.Stop()
	defer close(h.done)

	// Sample command channel depth every second
	depthTicker := h.clock.NewTicker(1 * time.Second)
	defer depthTicker.Stop()

	for {
		select {
		case <-depthTicker.Chan():
			depth := len(h.cmdCh)
			metrics.HubCommandChannelDepth.Set(float64(depth))
			if depth > commandCapacity*4/5 {
				slog.Warn("Hub command channel near capacity", "depth", depth, "capacity", cap(h.cmdCh))
			}

		case cmd := <-h.cmdCh:
			switch c := cmd.(type) {
			case registerCmd:
				h.handleRegister(c)
			case disconnectCmd:
				h.handleDisconnect(c.connID, nil)
			case subscribeCmd:
				h.handleSubscribe(c)
			case unsubscribeCmd:
				h.handleUnsubscribe(c)
			case clientBroadcastCmd:
				h.handleClientBroadcast(c)
			case broadcastCmd:
				h.handleBroadcast(c)
			case presenceCmd:
				h.handlePresence(c)
			case heartbeatCmd:
				h.handleHeartbeat(c)
			case rawSendCmd:
				if cn, exists := h.conns[c.connID]; exists {
					cn.writer.trySend(c.data)
				}
			case membersCmd:
				c.replyChannel <- h.roster(c.channelID)
			case connectionCountCmd:
				c.replyChannel <- len(h.conns)
			case stopCmd:
				h.handleStop()
				return
			default:
				slog.Warn("Hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}

		case <-sweepTicker.Chan():
			h.handleSweep()
		}
	}
}

func (h *Hub) handleRegister(c registerCmd) {
	cn := &conn{
		id:            uuid.New(),
		identity:      c.identity,
		writer:        newConnWriter(c.transport, h.clock),
		channels:      make(map[string]struct{}),
		lastHeartbeat: h.clock.Now(),
	}
	h.conns[cn.id] = cn

	metrics.ActiveConnections.Set(float64(len(h.conns)))
	metrics.HandshakesTotal.Inc()

	frame, err := protocol.Authenticated(c.identity.UserID)
	if err != nil {
		slog.Error("Failed to marshal authenticated frame", "error", err)
	} else {
		cn.writer.trySend(frame)
	}

	slog.Debug("Connection registered",
		"connection_id", cn.id.String(),
		"user_id", c.identity.UserID,
		"total_connections", len(h.conns),
	)
	c.replyChannel <- registerReply{connID: cn.id}
}

// handleDisconnect tears a connection down exactly once, whichever of the
// three triggers fired it (client close, read error, heartbeat eviction).
func (h *Hub) handleDisconnect(connID uuid.UUID, closeErr *protocol.CloseError) {
	cn, exists := h.conns[connID]
	if !exists {
		return
	}

	for channelID := range cn.channels {
		h.removeFromChannel(cn, channelID)
	}

	delete(h.conns, connID)
	metrics.ActiveConnections.Set(float64(len(h.conns)))

	if closeErr != nil {
		cn.writer.stopWithClose(closeErr)
	} else {
		cn.writer.stop()
	}

	slog.Debug("Connection removed",
		"connection_id", connID.String(),
		"user_id", cn.identity.UserID,
		"remaining_connections", len(h.conns),
	)
}

// removeFromChannel drops the connection from one channel, emitting
// user:left to the remaining members and garbage-collecting the channel
// when it empties.
func (h *Hub) removeFromChannel(cn *conn, channelID string) {
	members, exists := h.channels[channelID]
	if !exists {
		return
	}
	if _, member := members[cn.id]; !member {
		return
	}

	delete(members, cn.id)
	delete(cn.channels, channelID)

	if len(members) == 0 {
		delete(h.channels, channelID)
		metrics.ActiveChannels.Set(float64(len(h.channels)))
		return
	}

	h.emitMembershipEvent(members, channelID, protocol.EventUserLeft, cn)
}

func (h *Hub) handleSubscribe(c subscribeCmd) {
	cn, exists := h.conns[c.connID]
	if !exists {
		return
	}

	members, exists := h.channels[c.channelID]
	if !exists {
		members = make(channelMembers)
		h.channels[c.channelID] = members
		metrics.ActiveChannels.Set(float64(len(h.channels)))
	}

	_, already := members[cn.id]
	if !already {
		members[cn.id] = cn
		cn.channels[c.channelID] = struct{}{}
	}

	frame, err := protocol.Subscribed(c.channelID)
	if err != nil {
		slog.Error("Failed to marshal subscribed frame", "error", err)
	} else {
		cn.writer.trySend(frame)
	}

	// Re-subscribing is a set no-op: joined is only announced once.
	if already {
		return
	}

	h.emitMembershipEvent(members, c.channelID, protocol.EventUserJoined, cn)

	slog.Debug("Subscribed to channel",
		"connection_id", cn.id.String(),
		"user_id", cn.identity.UserID,
		"channel_id", c.channelID,
		"members", len(members),
	)
}

func (h *Hub) handleUnsubscribe(c unsubscribeCmd) {
	cn, exists := h.conns[c.connID]
	if !exists {
		return
	}

	h.removeFromChannel(cn, c.channelID)

	frame, err := protocol.Unsubscribed(c.channelID)
	if err != nil {
		slog.Error("Failed to marshal unsubscribed frame", "error", err)
		return
	}
	cn.writer.trySend(frame)
}

// emitMembershipEvent fans a user:joined/user:left event out to the
// channel, excluding the affected connection itself.
func (h *Hub) emitMembershipEvent(members channelMembers, channelID, event string, subject *conn) {
	payload, err := json.Marshal(struct {
		UserID    string `json:"userId"`
		Timestamp int64  `json:"timestamp"`
	}{
		UserID:    subject.identity.UserID,
		Timestamp: h.clock.Now().UnixMilli(),
	})
	if err != nil {
		slog.Error("Failed to marshal membership payload", "error", err)
		return
	}

	frame, err := protocol.Message(channelID, event, payload, h.clock.Now().UnixMilli())
	if err != nil {
		slog.Error("Failed to marshal membership frame", "error", err)
		return
	}

	for _, member := range members {
		if member.id == subject.id {
			continue
		}
		if member.writer.trySend(frame) {
			metrics.MessagesDeliveredTotal.Inc()
		}
	}
}

func (h *Hub) handleClientBroadcast(c clientBroadcastCmd) {
	cn, exists := h.conns[c.connID]
	if !exists {
		return
	}

	// The exposed publish helper defaults to self-exclusion: the sender's
	// own connections never receive the message back.
	h.handleBroadcast(broadcastCmd{
		channelID: c.channelID,
		event:     c.event,
		payload:   c.payload,
		opts:      BroadcastOptions{ExcludeUserID: cn.identity.UserID},
	})
}

func (h *Hub) handleBroadcast(c broadcastCmd) {
	frame, err := protocol.Message(c.channelID, c.event, c.payload, h.clock.Now().UnixMilli())
	if err != nil {
		slog.Error("Failed to marshal message frame", "error", err)
		return
	}

	var include map[string]struct{}
	if len(c.opts.IncludeUserIDs) > 0 {
		include = make(map[string]struct{}, len(c.opts.IncludeUserIDs))
		for _, id := range c.opts.IncludeUserIDs {
			include[id] = struct{}{}
		}
	}

	deliver := func(cn *conn) {
		if c.opts.ExcludeUserID != "" && cn.identity.UserID == c.opts.ExcludeUserID {
			return
		}
		if include != nil {
			if _, ok := include[cn.identity.UserID]; !ok {
				return
			}
		}
		if cn.writer.trySend(frame) {
			metrics.MessagesDeliveredTotal.Inc()
		}
	}

	if c.channelID == "" {
		for _, cn := range h.conns {
			deliver(cn)
		}
		metrics.MessagesBroadcastTotal.WithLabelValues("global").Inc()
		return
	}

	members, exists := h.channels[c.channelID]
	if !exists {
		return
	}
	for _, cn := range members {
		deliver(cn)
	}
	metrics.MessagesBroadcastTotal.WithLabelValues("channel").Inc()
}

func (h *Hub) handlePresence(c presenceCmd) {
	cn, exists := h.conns[c.connID]
	if !exists {
		return
	}

	frame, err := protocol.Presence(c.channelID, h.roster(c.channelID))
	if err != nil {
		slog.Error("Failed to marshal presence frame", "error", err)
		return
	}
	cn.writer.trySend(frame)
}

// roster derives the member list live from the channel index; it is never
// cached server-side.
func (h *Hub) roster(channelID string) []protocol.Member {
	members := h.channels[channelID]
	roster := make([]protocol.Member, 0, len(members))
	for _, cn := range members {
		roster = append(roster, protocol.Member{
			UserID:   cn.identity.UserID,
			TenantID: cn.identity.TenantID,
		})
	}
	return roster
}

func (h *Hub) handleHeartbeat(c heartbeatCmd) {
	cn, exists := h.conns[c.connID]
	if !exists {
		return
	}

	// lastHeartbeat moves forward only on ping frames from this connection.
	cn.lastHeartbeat = h.clock.Now()

	frame, err := protocol.Pong(h.clock.Now().UnixMilli())
	if err != nil {
		slog.Error("Failed to marshal pong frame", "error", err)
		return
	}
	cn.writer.trySend(frame)
}

// SendError delivers a non-fatal error frame to one connection.
func (h *Hub) SendError(connID uuid.UUID, message string) {
	frame, err := protocol.ErrorFrame(message)
	if err != nil {
		slog.Error("Failed to marshal error frame", "error", err)
		return
	}
	h.cmdCh <- rawSendCmd{connID: connID, data: frame}
}

func (h *Hub) handleStop() {
	total := len(h.conns)
	slog.Info("Hub shutting down", "connections", total, "channels", len(h.channels))
	h.closeAllConnections("server shutting down")
	slog.Info("Hub shutdown complete", "disconnected_connections", total)
}

func (h *Hub) closeAllConnections(reason string) {
	for id, cn := range h.conns {
		cn.writer.stopWithClose(&protocol.CloseError{Code: websocketNormalClosure, Reason: reason})
		delete(h.conns, id)
	}
	for channelID := range h.channels {
		delete(h.channels, channelID)
	}
	metrics.ActiveConnections.Set(0)
	metrics.ActiveChannels.Set(0)
}

// Normal closure (1000), mirrored so the hub does not import the
// websocket package.
const websocketNormalClosure = 1000
