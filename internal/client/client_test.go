package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfriedel/channelgate/internal/protocol"
)

// scriptedTransport feeds server frames to the client and records what
// the client writes.
type scriptedTransport struct {
	inbox  chan []byte
	writes chan []byte
	done   chan struct{}
	once   sync.Once
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{
		inbox:  make(chan []byte, 16),
		writes: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

func (st *scriptedTransport) Read() ([]byte, error) {
	select {
	case msg := <-st.inbox:
		return msg, nil
	case <-st.done:
		return nil, errors.New("transport closed")
	}
}

func (st *scriptedTransport) Write(data []byte) error {
	select {
	case <-st.done:
		return errors.New("transport closed")
	case st.writes <- data:
		return nil
	}
}

func (st *scriptedTransport) Close() error {
	st.once.Do(func() { close(st.done) })
	return nil
}

func (st *scriptedTransport) serverSends(data []byte) {
	st.inbox <- data
}

// mustBuild unwraps a protocol builder result for use inline in tests.
func mustBuild(data []byte, err error) []byte {
	if err != nil {
		panic(err)
	}
	return data
}

func expectClientFrame(t *testing.T, st *scriptedTransport, want protocol.Kind) protocol.ClientFrame {
	t.Helper()
	select {
	case data := <-st.writes:
		frame, err := protocol.ParseClientFrame(data)
		require.NoError(t, err)
		require.Equal(t, want, frame.Kind, "unexpected frame: %s", data)
		return frame
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for client frame kind %v", want)
		return protocol.ClientFrame{}
	}
}

// expectAuthFrame consumes the implicit first frame of a connection.
func expectAuthFrame(t *testing.T, st *scriptedTransport, wantToken string) {
	t.Helper()
	select {
	case data := <-st.writes:
		token, err := protocol.ParseAuthFrame(data)
		require.NoError(t, err)
		assert.Equal(t, wantToken, token)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for auth frame")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 400; i++ {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

// connectAuthenticated dials through a scripted transport and completes
// the handshake.
func connectAuthenticated(t *testing.T, opts Options) (*Client, *scriptedTransport) {
	t.Helper()

	st := newScriptedTransport()
	opts.URL = "ws://gateway.test/ws"
	opts.Token = "tok-1"
	opts.Dialer = func(context.Context, string) (Transport, error) { return st, nil }

	authed := make(chan struct{}, 4)
	userOnConnect := opts.OnConnect
	opts.OnConnect = func() {
		if userOnConnect != nil {
			userOnConnect()
		}
		authed <- struct{}{}
	}

	c, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)

	expectAuthFrame(t, st, "tok-1")
	st.serverSends(mustBuild(protocol.Authenticated("alice")))

	select {
	case <-authed:
	case <-time.After(time.Second):
		t.Fatal("handshake did not complete")
	}
	require.Equal(t, StateAuthenticated, c.State())

	return c, st
}

func TestClient_ConnectSendsTokenFirst(t *testing.T) {
	c, _ := connectAuthenticated(t, Options{})
	assert.Equal(t, 0, c.ReconnectAttempts())
}

func TestClient_ConnectTwiceFails(t *testing.T) {
	c, _ := connectAuthenticated(t, Options{})
	assert.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyConnected)
}

func TestClient_OpsRequireAuthentication(t *testing.T) {
	c, err := New(Options{
		URL:    "ws://gateway.test/ws",
		Token:  "tok-1",
		Dialer: func(context.Context, string) (Transport, error) { return newScriptedTransport(), nil },
	})
	require.NoError(t, err)

	assert.ErrorIs(t, c.Subscribe("room-1"), ErrNotConnected)
	assert.ErrorIs(t, c.Publish("room-1", "ev", nil), ErrNotConnected)
	assert.ErrorIs(t, c.RequestPresence("room-1"), ErrNotConnected)
}

func TestClient_SubscribePublishPresence(t *testing.T) {
	c, st := connectAuthenticated(t, Options{})

	require.NoError(t, c.Subscribe("room-1"))
	frame := expectClientFrame(t, st, protocol.KindSubscribe)
	assert.Equal(t, "room-1", frame.ChannelID)

	require.NoError(t, c.Publish("room-1", "cursor:moved", map[string]int{"x": 4}))
	frame = expectClientFrame(t, st, protocol.KindBroadcast)
	assert.Equal(t, "cursor:moved", frame.Event)
	assert.JSONEq(t, `{"x":4}`, string(frame.Payload))

	require.NoError(t, c.RequestPresence("room-1"))
	expectClientFrame(t, st, protocol.KindPresence)

	require.NoError(t, c.Unsubscribe("room-1"))
	expectClientFrame(t, st, protocol.KindUnsubscribe)
}

func TestClient_LinearReconnectBackoff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var dials atomic.Int32
	dialer := func(context.Context, string) (Transport, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}

	c, err := New(Options{
		URL:                  "ws://gateway.test/ws",
		Token:                "tok-1",
		Reconnect:            true,
		MaxReconnectAttempts: 3,
		ReconnectDelay:       time.Second,
		Dialer:               dialer,
		Clock:                clock,
	})
	require.NoError(t, err)

	assert.Error(t, c.Connect(context.Background()))
	assert.Equal(t, int32(1), dials.Load())
	waitFor(t, func() bool { return c.State() == StateReconnecting })
	assert.Equal(t, 1, c.ReconnectAttempts())

	// Attempt 1 fires after 1×delay, not earlier.
	clock.BlockUntil(1)
	clock.Advance(500 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), dials.Load())
	clock.Advance(500 * time.Millisecond)
	waitFor(t, func() bool { return dials.Load() == 2 })

	// Attempt 2 after 2×delay, attempt 3 after 3×delay: linear, not
	// exponential.
	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)
	waitFor(t, func() bool { return dials.Load() == 3 })

	clock.BlockUntil(1)
	clock.Advance(3 * time.Second)
	waitFor(t, func() bool { return dials.Load() == 4 })

	// Budget exhausted: terminal disconnect, no further timers.
	waitFor(t, func() bool { return c.State() == StateDisconnected })
	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(4), dials.Load())
}

func TestClient_AttemptCounterResetsOnAuthenticated(t *testing.T) {
	var dials atomic.Int32
	st := newScriptedTransport()
	dialer := func(context.Context, string) (Transport, error) {
		if dials.Add(1) == 1 {
			return nil, errors.New("connection refused")
		}
		return st, nil
	}

	authed := make(chan struct{}, 1)
	c, err := New(Options{
		URL:                  "ws://gateway.test/ws",
		Token:                "tok-1",
		Reconnect:            true,
		MaxReconnectAttempts: 5,
		ReconnectDelay:       10 * time.Millisecond,
		Dialer:               dialer,
		OnConnect:            func() { authed <- struct{}{} },
	})
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)

	assert.Error(t, c.Connect(context.Background()))
	assert.Equal(t, 1, c.ReconnectAttempts())

	// The scheduled retry succeeds and completes the handshake.
	expectAuthFrame(t, st, "tok-1")
	st.serverSends(mustBuild(protocol.Authenticated("alice")))

	select {
	case <-authed:
	case <-time.After(time.Second):
		t.Fatal("reconnect did not authenticate")
	}

	// Only a successful handshake resets the counter.
	assert.Equal(t, 0, c.ReconnectAttempts())
	assert.Equal(t, StateAuthenticated, c.State())
}

func TestClient_DisconnectSuppressesReconnect(t *testing.T) {
	var dials atomic.Int32
	var disconnected atomic.Int32

	st := newScriptedTransport()

	authed := make(chan struct{}, 1)
	c, err := New(Options{
		URL:       "ws://gateway.test/ws",
		Token:     "tok-1",
		Reconnect: true,
		Dialer: func(context.Context, string) (Transport, error) {
			dials.Add(1)
			return st, nil
		},
		OnConnect:    func() { authed <- struct{}{} },
		OnDisconnect: func() { disconnected.Add(1) },
	})
	require.NoError(t, err)

	require.NoError(t, c.Connect(context.Background()))
	expectAuthFrame(t, st, "tok-1")
	st.serverSends(mustBuild(protocol.Authenticated("alice")))
	<-authed

	c.Disconnect()

	waitFor(t, func() bool { return c.State() == StateDisconnected })
	waitFor(t, func() bool { return disconnected.Load() == 1 })

	// No reconnect follows an intentional close.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), dials.Load())
}

func TestClient_ReconnectsAfterConnectionLoss(t *testing.T) {
	var dials atomic.Int32
	transports := []*scriptedTransport{newScriptedTransport(), newScriptedTransport()}

	authed := make(chan struct{}, 2)
	c, err := New(Options{
		URL:                  "ws://gateway.test/ws",
		Token:                "tok-1",
		Reconnect:            true,
		MaxReconnectAttempts: 5,
		ReconnectDelay:       10 * time.Millisecond,
		Dialer: func(context.Context, string) (Transport, error) {
			n := dials.Add(1)
			if int(n) > len(transports) {
				return nil, errors.New("no more transports")
			}
			return transports[n-1], nil
		},
		OnConnect: func() { authed <- struct{}{} },
	})
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)

	require.NoError(t, c.Connect(context.Background()))
	expectAuthFrame(t, transports[0], "tok-1")
	transports[0].serverSends(mustBuild(protocol.Authenticated("alice")))
	<-authed

	// Server drops the connection; the client dials again and completes a
	// fresh handshake, token first.
	require.NoError(t, transports[0].Close())

	expectAuthFrame(t, transports[1], "tok-1")
	transports[1].serverSends(mustBuild(protocol.Authenticated("alice")))

	select {
	case <-authed:
	case <-time.After(time.Second):
		t.Fatal("client did not re-authenticate")
	}
	assert.Equal(t, StateAuthenticated, c.State())
	assert.Equal(t, 0, c.ReconnectAttempts())
}

func TestClient_HeartbeatLoop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, st := connectAuthenticated(t, Options{
		Clock:                clock,
		HeartbeatInterval:    5 * time.Second,
		PresenceSyncInterval: time.Hour,
	})
	defer c.Disconnect()

	// Heartbeat and resync tickers are both armed after auth.
	clock.BlockUntil(2)

	clock.Advance(5 * time.Second)
	expectClientFrame(t, st, protocol.KindPing)

	clock.Advance(5 * time.Second)
	expectClientFrame(t, st, protocol.KindPing)

	st.serverSends(mustBuild(protocol.Pong(clock.Now().UnixMilli())))
	waitFor(t, func() bool { return !c.LastPong().IsZero() })
}

func TestClient_PresenceResyncLoop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, st := connectAuthenticated(t, Options{
		Clock:                clock,
		HeartbeatInterval:    time.Hour,
		PresenceSyncInterval: 30 * time.Second,
	})
	defer c.Disconnect()

	require.NoError(t, c.Subscribe("room-1"))
	expectClientFrame(t, st, protocol.KindSubscribe)
	st.serverSends(mustBuild(protocol.Subscribed("room-1")))
	waitFor(t, func() bool {
		for _, id := range c.roster.tracked() {
			if id == "room-1" {
				return true
			}
		}
		return false
	})

	clock.BlockUntil(2)
	clock.Advance(30 * time.Second)

	frame := expectClientFrame(t, st, protocol.KindPresence)
	assert.Equal(t, "room-1", frame.ChannelID)
}

func TestClient_RosterTracksMembershipEvents(t *testing.T) {
	c, st := connectAuthenticated(t, Options{})

	require.NoError(t, c.Subscribe("room-1"))
	expectClientFrame(t, st, protocol.KindSubscribe)
	st.serverSends(mustBuild(protocol.Subscribed("room-1")))

	// Authoritative snapshot first.
	st.serverSends(mustBuild(protocol.Presence("room-1", []protocol.Member{
		{UserID: "alice", TenantID: "acme"},
		{UserID: "bob", TenantID: "acme"},
	})))
	waitFor(t, func() bool { return len(c.Roster("room-1")) == 2 })

	// Then incremental drift from membership events.
	joined, err := json.Marshal(map[string]any{"userId": "carol"})
	require.NoError(t, err)
	st.serverSends(mustBuild(protocol.Message("room-1", protocol.EventUserJoined, joined, 1)))
	waitFor(t, func() bool { return len(c.Roster("room-1")) == 3 })

	left, err := json.Marshal(map[string]any{"userId": "bob"})
	require.NoError(t, err)
	st.serverSends(mustBuild(protocol.Message("room-1", protocol.EventUserLeft, left, 2)))
	waitFor(t, func() bool { return len(c.Roster("room-1")) == 2 })

	// Unsubscribe drops the cache.
	require.NoError(t, c.Unsubscribe("room-1"))
	expectClientFrame(t, st, protocol.KindUnsubscribe)
	st.serverSends(mustBuild(protocol.Unsubscribed("room-1")))
	waitFor(t, func() bool { return len(c.Roster("room-1")) == 0 })
}

func TestClient_MessageHandlerDispatchAndCancel(t *testing.T) {
	c, st := connectAuthenticated(t, Options{})

	var mu sync.Mutex
	var events []string
	cancel := c.Handle("room-1", func(event string, _ json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event)
	})

	st.serverSends(mustBuild(protocol.Message("room-1", "doc:changed", nil, 1)))
	st.serverSends(mustBuild(protocol.Message("room-2", "doc:changed", nil, 2))) // other channel
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	})

	cancel()
	st.serverSends(mustBuild(protocol.Message("room-1", "doc:changed", nil, 3)))

	// Give the dispatch path a moment; the cancelled handler stays silent.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"doc:changed"}, events)
}
