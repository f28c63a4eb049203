package client

import (
	"encoding/json"
	"sync"

	"github.com/mfriedel/channelgate/internal/protocol"
)

// roster is the client's approximate presence cache: updated
// incrementally from membership events and corrected by periodic
// snapshot resync. It is eventually consistent, not event-sourced truth.
type roster struct {
	mu       sync.Mutex
	channels map[string]map[string]protocol.Member
}

func newRoster() *roster {
	return &roster{channels: make(map[string]map[string]protocol.Member)}
}

// track starts maintaining a roster for the channel (on subscribe ack).
func (r *roster) track(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.channels[channelID]; !exists {
		r.channels[channelID] = make(map[string]protocol.Member)
	}
}

// forget drops the channel's cached roster (on unsubscribe ack).
func (r *roster) forget(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, channelID)
}

// tracked lists channels whose rosters are being maintained; the resync
// loop re-requests a snapshot for each of these.
func (r *roster) tracked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.channels))
	for id := range r.channels {
		ids = append(ids, id)
	}
	return ids
}

// replace installs an authoritative snapshot, correcting any drift from
// missed events.
func (r *roster) replace(channelID string, members []protocol.Member) {
	byUser := make(map[string]protocol.Member, len(members))
	for _, m := range members {
		byUser[m.UserID] = m
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.channels[channelID]; !exists {
		return
	}
	r.channels[channelID] = byUser
}

// applyEvent folds a membership event into the cache. The joined event
// carries only the user id; the tenant fills in on the next snapshot.
func (r *roster) applyEvent(channelID, event string, payload json.RawMessage) {
	if event != protocol.EventUserJoined && event != protocol.EventUserLeft {
		return
	}

	var p struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || p.UserID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	members, exists := r.channels[channelID]
	if !exists {
		return
	}

	switch event {
	case protocol.EventUserJoined:
		if _, present := members[p.UserID]; !present {
			members[p.UserID] = protocol.Member{UserID: p.UserID}
		}
	case protocol.EventUserLeft:
		delete(members, p.UserID)
	}
}

// members returns the cached roster of one channel.
func (r *roster) members(channelID string) []protocol.Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Member, 0, len(r.channels[channelID]))
	for _, m := range r.channels[channelID] {
		out = append(out, m)
	}
	return out
}

// reset clears every cached roster. Subscriptions do not survive a full
// transport recreation, so neither does the cache.
func (r *roster) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = make(map[string]map[string]protocol.Member)
}
