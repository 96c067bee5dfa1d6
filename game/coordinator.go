package game

import (
	"errors"

	"github.com/tablehall/gateway/store"
)

// Guard rejections, mapped to protocol error codes at the router boundary.
var (
	ErrNotYourTurn    = errors.New("game: not your turn")
	ErrGameNotStarted = errors.New("game: game not started")
	ErrRoomClosed     = errors.New("game: room closed")
	ErrNotAPlayer     = errors.New("game: spectators cannot act")
)

// Coordinator is a pure guard over store-read snapshots. It never mutates
// room or game state.
type Coordinator struct{}

// NewCoordinator creates a Coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// CheckJoin validates that a room can accept the requested role. The
// capacity check here is advisory; the store's atomic join is the authority
// under concurrency.
func (c *Coordinator) CheckJoin(room *store.Room, role string) error {
	if room.Closed() {
		return ErrRoomClosed
	}
	return nil
}

// CheckReady validates a ready signal: players only, room still waiting.
func (c *Coordinator) CheckReady(room *store.Room, role string) error {
	if room.Closed() {
		return ErrRoomClosed
	}
	if role != store.RolePlayer {
		return ErrNotAPlayer
	}
	if room.Status != store.StatusWaiting {
		return ErrGameNotStarted
	}
	return nil
}

// CheckTurn validates a turn-based command: the room must be in progress and
// the sender must hold the turn. Terminal rooms reject everything so no
// further turn commands are forwarded once the downstream consumer reports
// status=finished.
func (c *Coordinator) CheckTurn(room *store.Room, state *store.GameState, role, userID string) error {
	if room.Closed() {
		return ErrRoomClosed
	}
	if room.Status != store.StatusInProgress {
		return ErrGameNotStarted
	}
	if role != store.RolePlayer {
		return ErrNotAPlayer
	}
	if state == nil || state.TurnUserID != userID {
		return ErrNotYourTurn
	}
	return nil
}
