// Package protocol defines the JSON wire envelope exchanged with clients and
// carried over the event bus. Every frame is a single object whose "type"
// field selects one of a closed set of variants; payload fields sit flat
// beside it.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame type identifiers. The namespace scheme is
// <domain>.<command|event>.<name>, with "system" frames keeping a flat
// two-segment form.
const (
	TypeAuthenticate = "system.authenticate"
	TypeHeartbeat    = "system.heartbeat"

	TypeWelcome       = "system.welcome"
	TypeAuthenticated = "system.authenticated"
	TypeHeartbeatAck  = "system.heartbeat_ack"
	TypeError         = "system.error"

	TypeCreateRoom  = "game.command.create_room"
	TypeJoinRoom    = "game.command.join_room"
	TypeRejoinRoom  = "game.command.rejoin_room"
	TypeLeaveRoom   = "game.command.leave_room"
	TypeReady       = "game.command.ready"
	TypePlay        = "game.command.play"
	TypeChatMessage = "chat.command.message"

	TypeRoomCreated        = "game.event.room_created"
	TypeRoomJoined         = "game.event.joined"
	TypeRoomLeft           = "game.event.left"
	TypeGameStarted        = "game.event.started"
	TypeTurnChanged        = "game.event.turn_changed"
	TypeRoundResult        = "game.event.round_result"
	TypeGameEnded          = "game.event.ended"
	TypeStateSync          = "game.event.state_sync"
	TypePlayerDisconnected = "game.event.player_disconnected"
	TypePlayerReconnected  = "game.event.player_reconnected"
	TypeChatEvent          = "chat.event.message"
)

// Decode errors. Unknown types and schema-invalid payloads are distinct,
// explicitly handled cases; callers map both to a PROTOCOL_ERROR reply
// without touching any state.
var (
	ErrUnknownType = errors.New("protocol: unknown frame type")
	ErrBadPayload  = errors.New("protocol: invalid frame payload")
)

// Frame is one decoded wire envelope.
type Frame interface {
	FrameType() string
}

// validator is implemented by frames with required fields.
type validator interface {
	validate() error
}

type typeHeader struct {
	Type string `json:"type"`
}

// Decode parses a raw frame into its typed variant.
func Decode(raw []byte) (Frame, error) {
	var head typeHeader
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrBadPayload)
	}

	frame, ok := newFrame(head.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
	if err := json.Unmarshal(raw, frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if v, ok := frame.(validator); ok {
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
	}
	return frame, nil
}

// Encode renders a typed frame back into the wire shape, splicing the type
// tag beside the payload fields.
func Encode(frame Frame) ([]byte, error) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, err
	}
	typeTag, err := json.Marshal(frame.FrameType())
	if err != nil {
		return nil, err
	}
	fields["type"] = typeTag
	return json.Marshal(fields)
}

func newFrame(frameType string) (Frame, bool) {
	switch frameType {
	case TypeAuthenticate:
		return &Authenticate{}, true
	case TypeHeartbeat:
		return &Heartbeat{}, true
	case TypeWelcome:
		return &Welcome{}, true
	case TypeAuthenticated:
		return &Authenticated{}, true
	case TypeHeartbeatAck:
		return &HeartbeatAck{}, true
	case TypeError:
		return &ErrorFrame{}, true
	case TypeCreateRoom:
		return &CreateRoom{}, true
	case TypeJoinRoom:
		return &JoinRoom{}, true
	case TypeRejoinRoom:
		return &RejoinRoom{}, true
	case TypeLeaveRoom:
		return &LeaveRoom{}, true
	case TypeReady:
		return &Ready{}, true
	case TypePlay:
		return &Play{}, true
	case TypeChatMessage:
		return &ChatMessage{}, true
	case TypeRoomCreated:
		return &RoomCreated{}, true
	case TypeRoomJoined:
		return &RoomJoined{}, true
	case TypeRoomLeft:
		return &RoomLeft{}, true
	case TypeGameStarted:
		return &GameStarted{}, true
	case TypeTurnChanged:
		return &TurnChanged{}, true
	case TypeRoundResult:
		return &RoundResult{}, true
	case TypeGameEnded:
		return &GameEnded{}, true
	case TypeStateSync:
		return &StateSync{}, true
	case TypePlayerDisconnected:
		return &PlayerDisconnected{}, true
	case TypePlayerReconnected:
		return &PlayerReconnected{}, true
	case TypeChatEvent:
		return &ChatEvent{}, true
	default:
		return nil, false
	}
}
