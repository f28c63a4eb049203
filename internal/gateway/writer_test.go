package gateway

import (
	"errors"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"

	"github.com/mfriedel/channelgate/internal/protocol"
)

// blockingTransport parks every Write until the gate opens, simulating a
// peer that stopped draining its socket.
type blockingTransport struct {
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
	closed  chan struct{}
}

func newBlockingTransport() *blockingTransport {
	return &blockingTransport{
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 64),
		closed:  make(chan struct{}),
	}
}

func (bt *blockingTransport) Read() ([]byte, error) {
	<-bt.closed
	return nil, errors.New("transport closed")
}

func (bt *blockingTransport) Write([]byte) error {
	bt.entered <- struct{}{}
	select {
	case <-bt.gate:
		return nil
	case <-bt.closed:
		return errors.New("transport closed")
	}
}

func (bt *blockingTransport) CloseWithCode(int, string) error { return bt.Close() }

func (bt *blockingTransport) Close() error {
	bt.once.Do(func() { close(bt.closed) })
	return nil
}

func TestConnWriter_DropsWhenBufferFull(t *testing.T) {
	bt := newBlockingTransport()
	cw := newConnWriter(bt, clockwork.NewRealClock())
	defer cw.stop()

	// First message is dequeued and parked inside Write.
	assert.True(t, cw.trySend([]byte("in-flight")))
	<-bt.entered

	// The buffer absorbs exactly sendBufferSize more.
	for i := 0; i < sendBufferSize; i++ {
		assert.True(t, cw.trySend([]byte("queued")), "message %d should fit", i)
	}

	// Anything past that is dropped, not blocked on.
	assert.False(t, cw.trySend([]byte("overflow")))
	assert.False(t, cw.trySend([]byte("overflow")))
}

func TestConnWriter_StopIsIdempotent(t *testing.T) {
	ft := newFakeTransport()
	cw := newConnWriter(ft, clockwork.NewRealClock())

	cw.stop()
	cw.stop()

	select {
	case <-ft.done:
	default:
		t.Fatal("transport not closed")
	}
}

func TestConnWriter_StopWithCloseSendsCloseCode(t *testing.T) {
	ft := newFakeTransport()
	cw := newConnWriter(ft, clockwork.NewRealClock())

	cw.stopWithClose(protocol.HeartbeatTimeoutError())

	assert.Equal(t, protocol.CloseHeartbeatTimeout, ft.closedWith())

	// A second stop, with or without a code, is a no-op.
	cw.stop()
	assert.Equal(t, protocol.CloseHeartbeatTimeout, ft.closedWith())
}
