package gateway

import (
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/mfriedel/channelgate/internal/metrics"
	"github.com/mfriedel/channelgate/internal/protocol"
)

const sendBufferSize = 16

// connWriter serializes all writes to one transport through a buffered
// channel and a dedicated goroutine. Delivery is best-effort: a full
// buffer drops the message rather than blocking the hub.
type connWriter struct {
	transport   Transport
	clock       clockwork.Clock
	sendChannel chan []byte
	doneChannel chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func newConnWriter(transport Transport, clock clockwork.Clock) *connWriter {
	cw := &connWriter{
		transport:   transport,
		clock:       clock,
		sendChannel: make(chan []byte, sendBufferSize),
		doneChannel: make(chan struct{}),
	}
	cw.wg.Add(1)
	go cw.run()
	return cw
}

func (cw *connWriter) run() {
	defer cw.wg.Done()

	for {
		select {
		case msg, ok := <-cw.sendChannel:
			if !ok {
				return
			}
			start := cw.clock.Now()
			if err := cw.transport.Write(msg); err != nil {
				return
			}
			metrics.WriteDuration.Observe(cw.clock.Since(start).Seconds())
		case <-cw.doneChannel:
			return
		}
	}
}

// trySend enqueues a message without blocking. Returns false if the
// buffer is full; the message is dropped in that case.
func (cw *connWriter) trySend(data []byte) bool {
	select {
	case cw.sendChannel <- data:
		return true
	default:
		metrics.SlowClientDropsTotal.Inc()
		return false
	}
}

// stop closes the transport without a close frame. Idempotent.
func (cw *connWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)
		_ = cw.transport.Close()
	})
	cw.wg.Wait()
}

// stopWithClose sends a close frame for the given close error before
// tearing the transport down. Idempotent.
func (cw *connWriter) stopWithClose(closeErr *protocol.CloseError) {
	cw.stopOnce.Do(func() {
		// Stop the run goroutine first so the close frame is not written
		// concurrently with a queued message.
		close(cw.doneChannel)
		cw.wg.Wait()
		_ = cw.transport.CloseWithCode(closeErr.Code, closeErr.Reason)
	})
	cw.wg.Wait()
}
