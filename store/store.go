// Package store is the access layer for the shared state store reachable by
// every gateway instance: presence sets, room membership and metadata,
// per-room game state, and time-limited reconnection tokens.
//
// Every mutation is a single atomic primitive or an atomic scripted
// transaction. Multi-step read-then-write sequences on shared keys are
// disallowed; two instances racing for the last open seat must resolve to
// exactly one winner inside the store.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Room lifecycle states.
const (
	StatusWaiting    = "waiting"
	StatusInProgress = "in_progress"
	StatusFinished   = "finished"
	StatusAbandoned  = "abandoned"
)

// Member roles.
const (
	RolePlayer    = "player"
	RoleSpectator = "spectator"
)

var (
	ErrRoomNotFound    = errors.New("store: room not found")
	ErrRoomFull        = errors.New("store: room full")
	ErrRoomClosed      = errors.New("store: room closed")
	ErrNameTaken       = errors.New("store: room name taken")
	ErrAlreadyMember   = errors.New("store: already a member")
	ErrNotMember       = errors.New("store: not a member")
	ErrTokenExpired    = errors.New("store: reconnect token expired or unknown")
	ErrVersionConflict = errors.New("store: game state version conflict")
)

// Room metadata. Capacity is the fixed player limit for the room's kind;
// spectators are unbounded.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Capacity  int       `json:"capacity"`
	CreatedAt time.Time `json:"created_at"`
}

// Closed reports whether the room accepts no further joins or commands.
func (r *Room) Closed() bool {
	return r.Status == StatusFinished || r.Status == StatusAbandoned
}

// Member is one entry in a room's membership list. ConnID is empty while the
// member is disconnected but still within the reconnection window.
type Member struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	Role     string    `json:"role"`
	ConnID   string    `json:"conn_id"`
	JoinedAt time.Time `json:"joined_at"`
}

// GameState is the per-room game snapshot. The gateway reads it to guard and
// render; only downstream consumers mutate it, through the CAS primitive.
// The monotonic version detects stale reconnections and lost updates.
type GameState struct {
	Version    int64           `json:"version"`
	TurnUserID string          `json:"turn_user_id"`
	Round      int             `json:"round"`
	Scores     map[string]int  `json:"scores"`
	Board      json.RawMessage `json:"board,omitempty"`
}

// Store is the shared state contract. Implementations: Redis for production,
// Memory for tests and local development.
type Store interface {
	// Presence reverse index: user → live connection ids. A user is online
	// iff the set is non-empty.
	AddPresence(ctx context.Context, userID, connID string) error
	RemovePresence(ctx context.Context, userID, connID string) error
	UserConnections(ctx context.Context, userID string) ([]string, error)

	// Rooms.
	CreateRoom(ctx context.Context, room *Room) error
	Room(ctx context.Context, roomID string) (*Room, error)
	RoomByName(ctx context.Context, name string) (*Room, error)
	SetRoomStatus(ctx context.Context, roomID, status string) error

	// Membership. JoinRoom is one atomic operation: it fails with
	// ErrRoomFull when the player count has reached capacity, so exactly
	// one of N concurrent joiners claims the last seat.
	JoinRoom(ctx context.Context, roomID string, member *Member) error
	Members(ctx context.Context, roomID string) ([]Member, error)
	MarkDisconnected(ctx context.Context, roomID, userID string) error
	Reconnect(ctx context.Context, roomID, userID, connID string) (*Member, error)
	RemoveMember(ctx context.Context, roomID, userID string) error

	// Game state. GameState returns (nil, nil) when no state exists yet.
	GameState(ctx context.Context, roomID string) (*GameState, error)
	CompareAndSwapGameState(ctx context.Context, roomID string, expectVersion int64, state *GameState) error

	// Reconnection tokens, keyed by (user, room), single-use. Creating a
	// token while one is still live for the pair returns the existing one.
	// Tokens are minted at disconnect time, so a returning client discovers
	// them through PendingReconnects after re-authenticating.
	CreateReconnectToken(ctx context.Context, userID, roomID string, ttl time.Duration) (string, error)
	ConsumeReconnectToken(ctx context.Context, token string) (userID, roomID string, err error)
	HasReconnectToken(ctx context.Context, userID, roomID string) (bool, error)
	PendingReconnects(ctx context.Context, userID string) ([]PendingReconnect, error)
}

// PendingReconnect is a live reconnection token for one of a user's rooms.
type PendingReconnect struct {
	RoomID string `json:"room_id"`
	Token  string `json:"token"`
}
