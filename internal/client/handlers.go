package client

import (
	"encoding/json"
	"sync"
)

// MessageHandler observes application messages on one channel.
type MessageHandler func(event string, payload json.RawMessage)

// handlerRegistry is an observer registry keyed by channel id. Handle
// returns an explicit cancellation handle, so callers never need to keep
// the original closure around for removal.
type handlerRegistry struct {
	mu       sync.Mutex
	nextID   int
	handlers map[string]map[int]MessageHandler
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{handlers: make(map[string]map[int]MessageHandler)}
}

func (r *handlerRegistry) add(channelID string, h MessageHandler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	byID, exists := r.handlers[channelID]
	if !exists {
		byID = make(map[int]MessageHandler)
		r.handlers[channelID] = byID
	}

	id := r.nextID
	r.nextID++
	byID[id] = h

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(byID, id)
		if len(byID) == 0 {
			delete(r.handlers, channelID)
		}
	}
}

func (r *handlerRegistry) dispatch(channelID, event string, payload json.RawMessage) {
	r.mu.Lock()
	byID := r.handlers[channelID]
	hs := make([]MessageHandler, 0, len(byID))
	for _, h := range byID {
		hs = append(hs, h)
	}
	r.mu.Unlock()

	// Handlers run outside the lock so they may re-register or cancel.
	for _, h := range hs {
		h(event, payload)
	}
}
