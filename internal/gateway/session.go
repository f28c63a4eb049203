package gateway

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mfriedel/channelgate/internal/identity"
	"github.com/mfriedel/channelgate/internal/metrics"
	"github.com/mfriedel/channelgate/internal/platform/correlation"
	"github.com/mfriedel/channelgate/internal/protocol"
)

// DefaultAuthTimeout bounds how long a fresh connection may wait before
// its first (auth) frame.
const DefaultAuthTimeout = 10 * time.Second

// Session drives one transport through the gateway's lifecycle: the
// one-shot authentication handshake, then the sequential post-auth frame
// loop. Each session runs on its own goroutine; all shared state is
// reached through hub commands.
type Session struct {
	hub         *Hub
	verifier    identity.Verifier
	clock       clockwork.Clock
	authTimeout time.Duration
	handlers    map[protocol.Kind]func(uuid.UUID, protocol.ClientFrame)
}

func NewSession(hub *Hub, verifier identity.Verifier, clock clockwork.Clock, authTimeout time.Duration) *Session {
	if authTimeout <= 0 {
		authTimeout = DefaultAuthTimeout
	}
	s := &Session{
		hub:         hub,
		verifier:    verifier,
		clock:       clock,
		authTimeout: authTimeout,
	}
	s.handlers = map[protocol.Kind]func(uuid.UUID, protocol.ClientFrame){
		protocol.KindSubscribe: func(id uuid.UUID, f protocol.ClientFrame) {
			hub.Subscribe(id, f.ChannelID)
		},
		protocol.KindUnsubscribe: func(id uuid.UUID, f protocol.ClientFrame) {
			hub.Unsubscribe(id, f.ChannelID)
		},
		protocol.KindBroadcast: func(id uuid.UUID, f protocol.ClientFrame) {
			hub.BroadcastFrom(id, f.ChannelID, f.Event, f.Payload)
		},
		protocol.KindPresence: func(id uuid.UUID, f protocol.ClientFrame) {
			hub.Presence(id, f.ChannelID)
		},
		protocol.KindPing: func(id uuid.UUID, _ protocol.ClientFrame) {
			hub.Heartbeat(id)
		},
	}
	return s
}

// Serve blocks until the transport closes. It owns all reads from the
// transport, so per-connection processing is strictly sequential.
func (s *Session) Serve(ctx context.Context, transport Transport) {
	ctx = correlation.WithID(ctx, correlation.NewID())

	ident, ok := s.authenticate(ctx, transport)
	if !ok {
		return
	}

	connID, err := s.hub.Register(transport, *ident)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to register connection", "error", err)
		_ = transport.Close()
		return
	}

	logger := slog.With("connection_id", connID.String(), "user_id", ident.UserID)
	logger.InfoContext(ctx, "Connection authenticated")

	s.readLoop(ctx, transport, connID)

	s.hub.Disconnect(connID)
	logger.InfoContext(ctx, "Connection closed")
}

type readResult struct {
	data []byte
	err  error
}

// authenticate waits for exactly one control frame carrying the bearer
// token. No channel frame is processed while unauthenticated: nothing
// else is read from the transport until the handshake completes.
func (s *Session) authenticate(ctx context.Context, transport Transport) (*identity.Identity, bool) {
	readCh := make(chan readResult, 1)
	go func() {
		data, err := transport.Read()
		readCh <- readResult{data: data, err: err}
	}()

	timer := s.clock.NewTimer(s.authTimeout)
	defer timer.Stop()

	var first readResult
	select {
	case <-timer.Chan():
		s.failHandshake(ctx, transport, protocol.AuthTimeoutError())
		return nil, false
	case <-ctx.Done():
		_ = transport.Close()
		return nil, false
	case first = <-readCh:
	}

	if first.err != nil {
		_ = transport.Close()
		return nil, false
	}

	token, err := protocol.ParseAuthFrame(first.data)
	if err != nil {
		s.failHandshake(ctx, transport, protocol.InvalidAuthFrameError())
		return nil, false
	}

	// Verifier errors and nil identities are indistinguishable from an
	// explicit rejection: all close 4003.
	ident, err := s.verifier.VerifyToken(ctx, token)
	if err != nil || ident == nil {
		if err != nil {
			slog.DebugContext(ctx, "Token verification failed", "error", err)
		}
		s.failHandshake(ctx, transport, protocol.AuthFailedError())
		return nil, false
	}

	return ident, true
}

func (s *Session) failHandshake(ctx context.Context, transport Transport, closeErr *protocol.CloseError) {
	metrics.HandshakeFailuresTotal.WithLabelValues(strconv.Itoa(closeErr.Code)).Inc()
	slog.InfoContext(ctx, "Handshake failed", "close_code", closeErr.Code, "reason", closeErr.Reason)
	_ = transport.CloseWithCode(closeErr.Code, closeErr.Reason)
}

func (s *Session) readLoop(ctx context.Context, transport Transport, connID uuid.UUID) {
	for {
		data, err := transport.Read()
		if err != nil {
			return
		}

		frame, err := protocol.ParseClientFrame(data)
		if err != nil {
			// Post-auth garbage is non-fatal.
			metrics.MalformedFramesTotal.Inc()
			s.hub.SendError(connID, "Invalid message format")
			continue
		}

		s.dispatch(ctx, connID, frame)
	}
}

func (s *Session) dispatch(ctx context.Context, connID uuid.UUID, frame protocol.ClientFrame) {
	handler, known := s.handlers[frame.Kind]
	if !known {
		// Unknown types are a forward-compatible no-op.
		metrics.UnknownFramesTotal.Inc()
		slog.DebugContext(ctx, "Ignoring unknown frame type", "connection_id", connID.String())
		return
	}

	// An empty channel id would alias the process-wide announcement scope.
	if frame.Kind != protocol.KindPing && frame.ChannelID == "" {
		s.hub.SendError(connID, "Missing channelId")
		return
	}

	handler(connID, frame)
}
