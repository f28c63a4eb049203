package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mfriedel/channelgate/internal/protocol"
)

// State is the position of the client in its connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected // transport open, handshake not yet acknowledged
	StateAuthenticated
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "invalid"
	}
}

const (
	// reconnect backoff grows linearly with the attempt counter, capped
	// at five times the base delay. Not exponential.
	maxBackoffFactor = 5

	DefaultHeartbeatInterval    = 25 * time.Second
	DefaultPresenceSyncInterval = 30 * time.Second
	DefaultReconnectDelay       = time.Second
	DefaultMaxReconnectAttempts = 5
)

var (
	ErrAlreadyConnected = errors.New("client already connected")
	ErrNotConnected     = errors.New("client not authenticated")
)

// Options configure a Client. URL and Token are required.
type Options struct {
	URL   string
	Token string

	// Reconnect enables automatic reconnection after an unintentional
	// close. Disconnect always suppresses it.
	Reconnect            bool
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration

	HeartbeatInterval    time.Duration
	PresenceSyncInterval time.Duration

	// OnConnect fires after the authenticated ack. Subscriptions do not
	// survive a reconnect; re-issue them here.
	OnConnect func()
	// OnDisconnect fires when an established connection is lost,
	// intentionally or not.
	OnDisconnect func()

	Dialer Dialer
	Clock  clockwork.Clock
}

// Client is the gateway's client-side connection state machine.
type Client struct {
	opts  Options
	clock clockwork.Clock
	dial  Dialer

	mu                sync.Mutex
	state             State
	transport         Transport
	generation        int
	connDone          chan struct{}
	reconnectAttempts int
	suppressReconnect bool
	reconnectTimer    clockwork.Timer
	lastPong          time.Time

	handlers *handlerRegistry
	roster   *roster
}

func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("URL is required")
	}
	if opts.Token == "" {
		return nil, errors.New("Token is required")
	}
	if opts.Dialer == nil {
		opts.Dialer = NewWSDialer()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.PresenceSyncInterval <= 0 {
		opts.PresenceSyncInterval = DefaultPresenceSyncInterval
	}

	return &Client{
		opts:     opts,
		clock:    opts.Clock,
		dial:     opts.Dialer,
		handlers: newHandlerRegistry(),
		roster:   newRoster(),
	}, nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectAttempts returns the current retry counter.
func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectAttempts
}

// LastPong returns the time of the most recent pong, zero if none.
func (c *Client) LastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

// Connect opens the transport and sends the token as the first frame,
// unprompted. The handshake completes asynchronously; OnConnect fires on
// the authenticated ack.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected, StateAuthenticated:
		c.mu.Unlock()
		return ErrAlreadyConnected
	default:
	}
	c.suppressReconnect = false
	c.state = StateConnecting
	gen := c.generation
	c.mu.Unlock()

	transport, err := c.dial(ctx, c.opts.URL)
	if err != nil {
		c.handleClose(gen)
		return fmt.Errorf("dial gateway: %w", err)
	}

	auth, err := protocol.AuthFrame(c.opts.Token)
	if err != nil {
		_ = transport.Close()
		c.handleClose(gen)
		return fmt.Errorf("build auth frame: %w", err)
	}

	c.mu.Lock()
	if gen != c.generation || c.suppressReconnect {
		c.mu.Unlock()
		_ = transport.Close()
		return ErrNotConnected
	}
	c.transport = transport
	c.state = StateConnected
	c.connDone = make(chan struct{})
	c.mu.Unlock()

	if err := transport.Write(auth); err != nil {
		_ = transport.Close()
		c.handleClose(gen)
		return fmt.Errorf("send auth frame: %w", err)
	}

	go c.readLoop(transport, gen)
	return nil
}

// Disconnect closes the connection, cancels every pending timer, and
// unconditionally suppresses further reconnect attempts.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.suppressReconnect = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	transport := c.transport
	if transport == nil {
		// Nothing in flight (disconnected or waiting on a backoff timer).
		c.state = StateDisconnected
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	// The read loop observes the close and finishes the teardown.
	_ = transport.Close()
}

// Subscribe joins a channel. Requires an authenticated connection.
func (c *Client) Subscribe(channelID string) error {
	frame, err := protocol.SubscribeFrame(channelID)
	if err != nil {
		return err
	}
	return c.send(frame)
}

// Unsubscribe leaves a channel.
func (c *Client) Unsubscribe(channelID string) error {
	frame, err := protocol.UnsubscribeFrame(channelID)
	if err != nil {
		return err
	}
	return c.send(frame)
}

// Publish broadcasts an application event to a channel. The gateway
// excludes the publisher's own connections from delivery.
func (c *Client) Publish(channelID, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	frame, err := protocol.BroadcastFrame(channelID, event, raw)
	if err != nil {
		return err
	}
	return c.send(frame)
}

// UpdatePresence relays custom status metadata to a channel as an
// ordinary broadcast; the gateway neither validates nor stores it.
func (c *Client) UpdatePresence(channelID string, status any) error {
	return c.Publish(channelID, protocol.EventPresenceUpdated, status)
}

// RequestPresence asks the gateway for a full roster snapshot of the
// channel; the reply refreshes the local cache.
func (c *Client) RequestPresence(channelID string) error {
	frame, err := protocol.PresenceRequestFrame(channelID)
	if err != nil {
		return err
	}
	return c.send(frame)
}

// Handle registers an observer for application messages on a channel and
// returns its cancellation handle.
func (c *Client) Handle(channelID string, h MessageHandler) func() {
	return c.handlers.add(channelID, h)
}

// Roster returns the cached (approximate) presence roster of a channel.
func (c *Client) Roster(channelID string) []protocol.Member {
	return c.roster.members(channelID)
}

func (c *Client) send(data []byte) error {
	c.mu.Lock()
	transport, state := c.transport, c.state
	c.mu.Unlock()

	if state != StateAuthenticated || transport == nil {
		return ErrNotConnected
	}
	return transport.Write(data)
}

// --- Lifecycle internals ---

func (c *Client) readLoop(transport Transport, gen int) {
	for {
		data, err := transport.Read()
		if err != nil {
			c.handleClose(gen)
			return
		}

		frame, err := protocol.ParseServerFrame(data)
		if err != nil {
			slog.Debug("Dropping malformed server frame", "error", err)
			continue
		}

		c.handleFrame(transport, gen, frame)
	}
}

func (c *Client) handleFrame(transport Transport, gen int, frame protocol.ServerFrame) {
	switch frame.Kind {
	case protocol.ServerAuthenticated:
		c.handleAuthenticated(transport, gen)

	case protocol.ServerError:
		c.mu.Lock()
		unauthenticated := c.state == StateConnected && gen == c.generation
		c.mu.Unlock()
		if unauthenticated {
			// A pre-auth error is fatal, and the attempt counter is not
			// reset: this attempt never counted as connected.
			_ = transport.Close()
			return
		}
		slog.Warn("Gateway error", "message", frame.ErrorMessage)

	case protocol.ServerSubscribed:
		c.roster.track(frame.ChannelID)

	case protocol.ServerUnsubscribed:
		c.roster.forget(frame.ChannelID)

	case protocol.ServerMessage:
		c.roster.applyEvent(frame.ChannelID, frame.Event, frame.Payload)
		c.handlers.dispatch(frame.ChannelID, frame.Event, frame.Payload)

	case protocol.ServerPresence:
		c.roster.replace(frame.ChannelID, frame.Members)

	case protocol.ServerPong:
		c.mu.Lock()
		c.lastPong = c.clock.Now()
		c.mu.Unlock()

	case protocol.ServerUnknown:
		// Forward-compatible no-op.
	}
}

func (c *Client) handleAuthenticated(transport Transport, gen int) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.state = StateAuthenticated
	c.reconnectAttempts = 0
	done := c.connDone
	c.mu.Unlock()

	go c.heartbeatLoop(transport, done)
	go c.presenceSyncLoop(transport, done)

	if c.opts.OnConnect != nil {
		c.opts.OnConnect()
	}
}

// handleClose finishes the teardown of one connection exactly once and
// decides between a scheduled retry and terminal disconnection.
func (c *Client) handleClose(gen int) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.generation++

	wasEstablished := c.state == StateConnected || c.state == StateAuthenticated
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}
	if c.transport != nil {
		_ = c.transport.Close()
		c.transport = nil
	}
	c.roster.reset()

	retry := c.opts.Reconnect &&
		!c.suppressReconnect &&
		c.reconnectAttempts < c.opts.MaxReconnectAttempts

	if !retry {
		c.state = StateDisconnected
		c.mu.Unlock()
		if wasEstablished && c.opts.OnDisconnect != nil {
			c.opts.OnDisconnect()
		}
		return
	}

	factor := c.reconnectAttempts + 1
	if factor > maxBackoffFactor {
		factor = maxBackoffFactor
	}
	delay := c.opts.ReconnectDelay * time.Duration(factor)
	c.reconnectAttempts++
	c.state = StateReconnecting
	c.reconnectTimer = c.clock.AfterFunc(delay, func() {
		if err := c.Connect(context.Background()); err != nil &&
			!errors.Is(err, ErrAlreadyConnected) && !errors.Is(err, ErrNotConnected) {
			slog.Debug("Reconnect attempt failed", "error", err)
		}
	})
	attempts := c.reconnectAttempts
	c.mu.Unlock()

	slog.Info("Scheduling reconnect", "attempt", attempts, "delay", delay)
	if wasEstablished && c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect()
	}
}

func (c *Client) heartbeatLoop(transport Transport, done chan struct{}) {
	ticker := c.clock.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	ping, err := protocol.PingFrame()
	if err != nil {
		return
	}

	for {
		select {
		case <-done:
			return
		case <-ticker.Chan():
			if err := transport.Write(ping); err != nil {
				_ = transport.Close()
				return
			}
		}
	}
}

func (c *Client) presenceSyncLoop(transport Transport, done chan struct{}) {
	ticker := c.clock.NewTicker(c.opts.PresenceSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.Chan():
			for _, channelID := range c.roster.tracked() {
				frame, err := protocol.PresenceRequestFrame(channelID)
				if err != nil {
					continue
				}
				if err := transport.Write(frame); err != nil {
					_ = transport.Close()
					return
				}
			}
		}
	}
}
