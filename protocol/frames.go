package protocol

import (
	"encoding/json"
	"errors"
)

// Commands (client → gateway). RoomID and SenderID on forwarded commands are
// correlation fields filled in by the gateway before a command is published
// on the bus; values sent by clients are ignored.

// Authenticate presents a signed bearer token after connecting.
type Authenticate struct {
	Token string `json:"token"`
}

func (*Authenticate) FrameType() string { return TypeAuthenticate }

func (a *Authenticate) validate() error {
	if a.Token == "" {
		return errors.New("token is required")
	}
	return nil
}

// Heartbeat is the periodic client liveness signal.
type Heartbeat struct{}

func (*Heartbeat) FrameType() string { return TypeHeartbeat }

// CreateRoom opens a new room of the given kind.
type CreateRoom struct {
	Kind     string `json:"kind"`
	RoomName string `json:"room_name"`
}

func (*CreateRoom) FrameType() string { return TypeCreateRoom }

func (c *CreateRoom) validate() error {
	if c.Kind == "" {
		return errors.New("kind is required")
	}
	if c.RoomName == "" {
		return errors.New("room_name is required")
	}
	return nil
}

// JoinRoom enters an existing room by id or name, as player or spectator.
type JoinRoom struct {
	RoomID   string `json:"room_id,omitempty"`
	RoomName string `json:"room_name,omitempty"`
	Role     string `json:"role,omitempty"`
}

func (*JoinRoom) FrameType() string { return TypeJoinRoom }

func (j *JoinRoom) validate() error {
	if j.RoomID == "" && j.RoomName == "" {
		return errors.New("room_id or room_name is required")
	}
	return nil
}

// RejoinRoom redeems a reconnection token after a dropped connection.
type RejoinRoom struct {
	Token string `json:"token"`
}

func (*RejoinRoom) FrameType() string { return TypeRejoinRoom }

func (r *RejoinRoom) validate() error {
	if r.Token == "" {
		return errors.New("token is required")
	}
	return nil
}

// LeaveRoom abandons the current room membership.
type LeaveRoom struct{}

func (*LeaveRoom) FrameType() string { return TypeLeaveRoom }

// Ready signals the player is ready to start.
type Ready struct {
	RoomID   string `json:"room_id,omitempty"`
	SenderID string `json:"sender_id,omitempty"`
}

func (*Ready) FrameType() string { return TypeReady }

// Play submits a turn move. The move body is game-kind specific and opaque
// to the gateway; the downstream consumer interprets it.
type Play struct {
	Move     json.RawMessage `json:"move"`
	RoomID   string          `json:"room_id,omitempty"`
	SenderID string          `json:"sender_id,omitempty"`
}

func (*Play) FrameType() string { return TypePlay }

func (p *Play) validate() error {
	if len(p.Move) == 0 {
		return errors.New("move is required")
	}
	return nil
}

// ChatMessage sends a chat line to the current room.
type ChatMessage struct {
	Text     string `json:"text"`
	RoomID   string `json:"room_id,omitempty"`
	SenderID string `json:"sender_id,omitempty"`
	Username string `json:"username,omitempty"`
}

func (*ChatMessage) FrameType() string { return TypeChatMessage }

func (c *ChatMessage) validate() error {
	if c.Text == "" {
		return errors.New("text is required")
	}
	return nil
}

// Events (gateway → client).

// Welcome is the first frame on every connection.
type Welcome struct {
	ConnectionID string `json:"connection_id"`
	Timestamp    int64  `json:"timestamp"`
}

func (*Welcome) FrameType() string { return TypeWelcome }

// Authenticated confirms a verified identity. PendingReconnects lists rooms
// the user was dropped from whose reconnection window is still open; tokens
// are minted at disconnect, so this is how a returning client learns them.
type Authenticated struct {
	UserID            string             `json:"user_id"`
	Username          string             `json:"username"`
	Roles             []string           `json:"roles"`
	PendingReconnects []PendingReconnect `json:"pending_reconnects,omitempty"`
}

// PendingReconnect pairs a room with its live reconnection token.
type PendingReconnect struct {
	RoomID string `json:"room_id"`
	Token  string `json:"token"`
}

func (*Authenticated) FrameType() string { return TypeAuthenticated }

// HeartbeatAck answers a client heartbeat.
type HeartbeatAck struct{}

func (*HeartbeatAck) FrameType() string { return TypeHeartbeatAck }

// ErrorFrame reports a rejected command or protocol violation.
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (*ErrorFrame) FrameType() string { return TypeError }

// RoomCreated announces a freshly created room.
type RoomCreated struct {
	RoomID   string `json:"room_id"`
	RoomName string `json:"room_name"`
	Kind     string `json:"kind"`
	SenderID string `json:"sender_id,omitempty"`
}

func (*RoomCreated) FrameType() string { return TypeRoomCreated }

// RoomJoined announces a member entering a room.
type RoomJoined struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

func (*RoomJoined) FrameType() string { return TypeRoomJoined }

// RoomLeft announces a member leaving a room for good.
type RoomLeft struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

func (*RoomLeft) FrameType() string { return TypeRoomLeft }

// GameStarted reports the room moving to in_progress.
type GameStarted struct {
	RoomID     string `json:"room_id"`
	TurnUserID string `json:"turn_user_id"`
	Round      int    `json:"round"`
}

func (*GameStarted) FrameType() string { return TypeGameStarted }

// TurnChanged reports the next turn holder.
type TurnChanged struct {
	RoomID     string `json:"room_id"`
	TurnUserID string `json:"turn_user_id"`
	Round      int    `json:"round"`
}

func (*TurnChanged) FrameType() string { return TypeTurnChanged }

// RoundResult reports the outcome of one round. Replay is set when the round
// tied and is contested again.
type RoundResult struct {
	RoomID string         `json:"room_id"`
	Round  int            `json:"round"`
	Scores map[string]int `json:"scores"`
	Replay bool           `json:"replay"`
}

func (*RoundResult) FrameType() string { return TypeRoundResult }

// GameEnded reports a terminal room state. WinnerID is empty when the room
// was abandoned.
type GameEnded struct {
	RoomID   string         `json:"room_id"`
	WinnerID string         `json:"winner_id,omitempty"`
	Reason   string         `json:"reason"`
	Scores   map[string]int `json:"scores,omitempty"`
}

func (*GameEnded) FrameType() string { return TypeGameEnded }

// StateSync delivers the current game state to a rejoining client.
type StateSync struct {
	RoomID     string         `json:"room_id"`
	Status     string         `json:"status"`
	Version    int64          `json:"version"`
	TurnUserID string         `json:"turn_user_id,omitempty"`
	Round      int            `json:"round"`
	Scores     map[string]int `json:"scores,omitempty"`
}

func (*StateSync) FrameType() string { return TypeStateSync }

// PlayerDisconnected marks a member as dropped but still reclaimable.
type PlayerDisconnected struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

func (*PlayerDisconnected) FrameType() string { return TypePlayerDisconnected }

// PlayerReconnected marks a dropped member as back.
type PlayerReconnected struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

func (*PlayerReconnected) FrameType() string { return TypePlayerReconnected }

// ChatEvent fans a chat line out to a room.
type ChatEvent struct {
	RoomID   string `json:"room_id"`
	SenderID string `json:"sender_id"`
	Username string `json:"username"`
	Text     string `json:"text"`
	SentAt   int64  `json:"sent_at"`
}

func (*ChatEvent) FrameType() string { return TypeChatEvent }
