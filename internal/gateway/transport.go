package gateway

import (
	"time"

	"github.com/gorilla/websocket"
)

const writeDeadline = 5 * time.Second

// Transport is one accepted bidirectional, message-oriented connection.
// The gateway is transport-agnostic beyond this contract; the reference
// implementation wraps a gorilla WebSocket.
type Transport interface {
	// Read blocks until the next complete message or a terminal error.
	Read() ([]byte, error)
	// Write sends one complete message.
	Write(data []byte) error
	// CloseWithCode sends a close frame carrying the given code and
	// reason, then closes the transport.
	CloseWithCode(code int, reason string) error
	// Close tears the transport down without a close frame.
	Close() error
}

type wsTransport struct {
	conn *websocket.Conn
}

// NewWSTransport wraps a gorilla WebSocket connection as a Transport.
func NewWSTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Read() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) Write(data []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) CloseWithCode(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	_ = t.conn.WriteMessage(websocket.CloseMessage, msg)
	return t.conn.Close()
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
