package client

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
)

// Transport is the client side of one gateway connection.
type Transport interface {
	// Read blocks until the next complete message or a terminal error.
	Read() ([]byte, error)
	// Write sends one complete message. Safe for concurrent use.
	Write(data []byte) error
	// Close tears the transport down. Unblocks a pending Read.
	Close() error
}

// Dialer opens a transport to the gateway.
type Dialer func(ctx context.Context, url string) (Transport, error)

type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWSDialer returns a Dialer backed by gorilla WebSockets.
func NewWSDialer() Dialer {
	return func(ctx context.Context, url string) (Transport, error) {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return &wsTransport{conn: conn}, nil
	}
}

func (t *wsTransport) Read() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) Write(data []byte) error {
	// Heartbeats, resyncs, and caller publishes write concurrently.
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
