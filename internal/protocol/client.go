package protocol

import (
	"encoding/json"
	"fmt"
)

// Builders for client→server envelopes, used by the client state machine
// and by integration tests.

type authFrame struct {
	Token string `json:"token"`
}

type channelRequestFrame struct {
	Type      string `json:"type"`
	ChannelID string `json:"channelId"`
}

type broadcastFrame struct {
	Type      string          `json:"type"`
	ChannelID string          `json:"channelId"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
}

type pingFrame struct {
	Type string `json:"type"`
}

// AuthFrame builds the implicit first frame of a connection.
func AuthFrame(token string) ([]byte, error) {
	return json.Marshal(authFrame{Token: token})
}

// SubscribeFrame builds a channel subscription request.
func SubscribeFrame(channelID string) ([]byte, error) {
	return json.Marshal(channelRequestFrame{Type: typeSubscribe, ChannelID: channelID})
}

// UnsubscribeFrame builds a channel unsubscription request.
func UnsubscribeFrame(channelID string) ([]byte, error) {
	return json.Marshal(channelRequestFrame{Type: typeUnsubscribe, ChannelID: channelID})
}

// BroadcastFrame builds a channel publish request.
func BroadcastFrame(channelID, event string, payload json.RawMessage) ([]byte, error) {
	if payload == nil {
		payload = json.RawMessage("null")
	}
	return json.Marshal(broadcastFrame{
		Type:      typeBroadcast,
		ChannelID: channelID,
		Event:     event,
		Payload:   payload,
	})
}

// PresenceRequestFrame builds a roster snapshot request.
func PresenceRequestFrame(channelID string) ([]byte, error) {
	return json.Marshal(channelRequestFrame{Type: typePresence, ChannelID: channelID})
}

// PingFrame builds a heartbeat frame.
func PingFrame() ([]byte, error) {
	return json.Marshal(pingFrame{Type: typePing})
}

// ServerKind identifies a server frame as seen by the client.
type ServerKind int

const (
	ServerUnknown ServerKind = iota
	ServerAuthenticated
	ServerSubscribed
	ServerUnsubscribed
	ServerMessage
	ServerPresence
	ServerPong
	ServerError
)

// ServerFrame is a parsed server→client envelope.
type ServerFrame struct {
	Kind         ServerKind
	UserID       string
	ChannelID    string
	Event        string
	Payload      json.RawMessage
	Members      []Member
	Timestamp    int64
	ErrorMessage string
}

type serverEnvelope struct {
	Type      string          `json:"type"`
	UserID    string          `json:"userId"`
	ChannelID string          `json:"channelId"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Members   []Member        `json:"members"`
	Timestamp int64           `json:"timestamp"`
	Message   string          `json:"message"`
}

// ParseServerFrame decodes a server→client envelope. Unrecognized types
// parse to ServerUnknown, which clients ignore.
func ParseServerFrame(data []byte) (ServerFrame, error) {
	var env serverEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ServerFrame{}, fmt.Errorf("decode server frame: %w", err)
	}

	frame := ServerFrame{
		UserID:       env.UserID,
		ChannelID:    env.ChannelID,
		Event:        env.Event,
		Payload:      env.Payload,
		Members:      env.Members,
		Timestamp:    env.Timestamp,
		ErrorMessage: env.Message,
	}

	switch env.Type {
	case "authenticated":
		frame.Kind = ServerAuthenticated
	case "subscribed":
		frame.Kind = ServerSubscribed
	case "unsubscribed":
		frame.Kind = ServerUnsubscribed
	case "message":
		frame.Kind = ServerMessage
	case "presence":
		frame.Kind = ServerPresence
	case "pong":
		frame.Kind = ServerPong
	case "error":
		frame.Kind = ServerError
	default:
		frame.Kind = ServerUnknown
	}

	return frame, nil
}
