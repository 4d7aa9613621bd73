package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies gateway control payload variants. Audio travels as
// binary frames, not JSON.
type MessageType string

const (
	TypeIdentify      MessageType = "identify"
	TypeReady         MessageType = "ready"
	TypeSpeakingStart MessageType = "speaking_start"
	TypeSpeakingStop  MessageType = "speaking_stop"
	TypeSubscribe     MessageType = "subscribe"
	TypeUnsubscribe   MessageType = "unsubscribe"
	TypeErrorEvent    MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Identify is the first message on a gateway connection; it names the
// room or peer the client wants voice for.
type Identify struct {
	Type      MessageType `json:"type"`
	Token     string      `json:"token,omitempty"`
	RoomID    string      `json:"room_id,omitempty"`
	ChannelID string      `json:"channel_id"`
	PeerID    string      `json:"peer_id,omitempty"`
}

// Ready signals that the gateway accepted the identify and audio may flow.
type Ready struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
}

// SpeakingState announces that a source started or stopped speaking.
type SpeakingState struct {
	Type        MessageType `json:"type"`
	SourceID    string      `json:"source_id"`
	DisplayName string      `json:"display_name,omitempty"`
}

// Subscribe asks the gateway to forward a source's audio frames.
type Subscribe struct {
	Type     MessageType `json:"type"`
	SourceID string      `json:"source_id"`
}

type ErrorEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail,omitempty"`
}

// ParseServerMessage decodes one control message sent by the gateway.
func ParseServerMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeReady:
		var msg Ready
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeSpeakingStart, TypeSpeakingStop:
		var msg SpeakingState
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SourceID == "" {
			return nil, fmt.Errorf("invalid %s: missing source_id", env.Type)
		}
		return msg, nil
	case TypeErrorEvent:
		var msg ErrorEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// Binary audio frames are [2-byte big-endian source id length][source id]
// [payload]. The payload is opus inbound and PCM16LE outbound.

const maxSourceIDLen = 255

var ErrMalformedFrame = errors.New("malformed audio frame")

func EncodeAudioFrame(sourceID string, payload []byte) ([]byte, error) {
	if sourceID == "" || len(sourceID) > maxSourceIDLen {
		return nil, fmt.Errorf("%w: source id length %d", ErrMalformedFrame, len(sourceID))
	}
	out := make([]byte, 2+len(sourceID)+len(payload))
	binary.BigEndian.PutUint16(out, uint16(len(sourceID)))
	copy(out[2:], sourceID)
	copy(out[2+len(sourceID):], payload)
	return out, nil
}

func DecodeAudioFrame(data []byte) (sourceID string, payload []byte, err error) {
	if len(data) < 2 {
		return "", nil, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(data))
	}
	n := int(binary.BigEndian.Uint16(data))
	if n == 0 || n > maxSourceIDLen || len(data) < 2+n {
		return "", nil, fmt.Errorf("%w: source id length %d in %d bytes", ErrMalformedFrame, n, len(data))
	}
	return string(data[2 : 2+n]), data[2+n:], nil
}
