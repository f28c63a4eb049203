package protocol

import "encoding/json"

// Member is one entry of a presence roster: the identity of a connection
// currently joined to a channel.
type Member struct {
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId"`
}

// Reserved event names the gateway emits on membership changes.
const (
	EventUserJoined      = "user:joined"
	EventUserLeft        = "user:left"
	EventPresenceUpdated = "presence:updated"
)

type authenticatedFrame struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type channelAckFrame struct {
	Type      string `json:"type"`
	ChannelID string `json:"channelId"`
}

type messageFrame struct {
	Type      string          `json:"type"`
	ChannelID string          `json:"channelId"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

type presenceFrame struct {
	Type      string   `json:"type"`
	ChannelID string   `json:"channelId"`
	Members   []Member `json:"members"`
}

type pongFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Authenticated acknowledges a successful handshake.
func Authenticated(userID string) ([]byte, error) {
	return json.Marshal(authenticatedFrame{Type: "authenticated", UserID: userID})
}

// Subscribed acknowledges a channel subscription.
func Subscribed(channelID string) ([]byte, error) {
	return json.Marshal(channelAckFrame{Type: "subscribed", ChannelID: channelID})
}

// Unsubscribed acknowledges a channel unsubscription.
func Unsubscribed(channelID string) ([]byte, error) {
	return json.Marshal(channelAckFrame{Type: "unsubscribed", ChannelID: channelID})
}

// Message wraps an application payload for channel fan-out. timestamp is
// Unix milliseconds. A channel-wide announcement uses an empty channelID.
func Message(channelID, event string, payload json.RawMessage, timestamp int64) ([]byte, error) {
	if payload == nil {
		payload = json.RawMessage("null")
	}
	return json.Marshal(messageFrame{
		Type:      "message",
		ChannelID: channelID,
		Event:     event,
		Payload:   payload,
		Timestamp: timestamp,
	})
}

// Presence carries a live roster snapshot. A channel with no members
// yields an empty list, never null.
func Presence(channelID string, members []Member) ([]byte, error) {
	if members == nil {
		members = []Member{}
	}
	return json.Marshal(presenceFrame{Type: "presence", ChannelID: channelID, Members: members})
}

// Pong answers a client heartbeat. timestamp is Unix milliseconds.
func Pong(timestamp int64) ([]byte, error) {
	return json.Marshal(pongFrame{Type: "pong", Timestamp: timestamp})
}

// ErrorFrame reports a non-fatal protocol error without closing the
// connection.
func ErrorFrame(message string) ([]byte, error) {
	return json.Marshal(errorFrame{Type: "error", Message: message})
}
