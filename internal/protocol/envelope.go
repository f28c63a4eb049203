// Package protocol implements the wire format of the channel gateway:
// one JSON envelope per frame, keyed by "type", plus the reserved
// close codes of the auth handshake and liveness sweep.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies a client frame. The set is closed: anything a client
// sends with an unrecognized type parses to KindUnknown, which the
// gateway ignores after authentication (forward-compatible no-op).
type Kind int

const (
	KindUnknown Kind = iota
	KindSubscribe
	KindUnsubscribe
	KindBroadcast
	KindPresence
	KindPing
)

const (
	typeSubscribe   = "subscribe"
	typeUnsubscribe = "unsubscribe"
	typeBroadcast   = "broadcast"
	typePresence    = "presence"
	typePing        = "ping"
)

func (k Kind) String() string {
	switch k {
	case KindSubscribe:
		return typeSubscribe
	case KindUnsubscribe:
		return typeUnsubscribe
	case KindBroadcast:
		return typeBroadcast
	case KindPresence:
		return typePresence
	case KindPing:
		return typePing
	default:
		return "unknown"
	}
}

var ErrMissingToken = errors.New("auth frame carries no token")

// ClientFrame is a parsed post-auth client envelope.
type ClientFrame struct {
	Kind      Kind
	ChannelID string
	Event     string
	Payload   json.RawMessage
}

type clientEnvelope struct {
	Type      string          `json:"type"`
	ChannelID string          `json:"channelId"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
}

// ParseClientFrame decodes a post-auth client envelope. Malformed JSON is
// an error (the gateway replies with an error frame and keeps the
// connection open); an unrecognized type is not.
func ParseClientFrame(data []byte) (ClientFrame, error) {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ClientFrame{}, fmt.Errorf("decode client frame: %w", err)
	}

	frame := ClientFrame{
		ChannelID: env.ChannelID,
		Event:     env.Event,
		Payload:   env.Payload,
	}

	switch env.Type {
	case typeSubscribe:
		frame.Kind = KindSubscribe
	case typeUnsubscribe:
		frame.Kind = KindUnsubscribe
	case typeBroadcast:
		frame.Kind = KindBroadcast
	case typePresence:
		frame.Kind = KindPresence
	case typePing:
		frame.Kind = KindPing
	default:
		frame.Kind = KindUnknown
	}

	return frame, nil
}

// ParseAuthFrame decodes the implicit first frame of a connection, which
// carries nothing but the bearer token. The token is always frame one,
// unprompted; anything else is fatal for the handshake.
func ParseAuthFrame(data []byte) (string, error) {
	var frame struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return "", fmt.Errorf("decode auth frame: %w", err)
	}
	if frame.Token == "" {
		return "", ErrMissingToken
	}
	return frame.Token, nil
}
