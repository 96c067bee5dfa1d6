package gateway

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tablehall/gateway/auth"
)

// State is the session lifecycle position. Disconnected-pending-reconnect is
// not a live-connection state; it exists only as the room-member placeholder
// plus the reconnection token in the shared store.
type State int

const (
	StateConnected State = iota
	StateAuthenticating
	StateAuthenticated
	StateInRoom
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateInRoom:
		return "in_room"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var errBadTransition = errors.New("gateway: invalid session transition")

// Session is the authentication/room state machine attached to one
// connection. A user may hold several concurrent sessions (one per device);
// each belongs to exactly one connection.
type Session struct {
	mu              sync.Mutex
	state           State
	identity        *auth.Identity
	authAttempts    int
	authenticatedAt time.Time
	lastHeartbeat   time.Time
	roomID          string
	role            string
}

// NewSession creates a session in the Connected state. The heartbeat clock
// starts immediately so an idle unauthenticated connection is still swept.
func NewSession() *Session {
	return &Session{
		state:         StateConnected,
		lastHeartbeat: time.Now(),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the verified identity, nil before authentication.
func (s *Session) Identity() *auth.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Room returns the current room membership, both empty outside a room.
func (s *Session) Room() (roomID, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID, s.role
}

// BeginAuth moves Connected → Authenticating.
func (s *Session) BeginAuth() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected && s.state != StateAuthenticating {
		return fmt.Errorf("%w: %s → authenticating", errBadTransition, s.state)
	}
	s.state = StateAuthenticating
	return nil
}

// CompleteAuth attaches the verified identity and moves to Authenticated.
func (s *Session) CompleteAuth(identity *auth.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAuthenticating {
		return fmt.Errorf("%w: %s → authenticated", errBadTransition, s.state)
	}
	s.state = StateAuthenticated
	s.identity = identity
	s.authenticatedAt = time.Now()
	return nil
}

// FailAuth records a failed attempt, drops back to Connected, and returns
// the total attempt count so the caller can enforce the retry bound.
func (s *Session) FailAuth() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.authAttempts++
	if s.state == StateAuthenticating {
		s.state = StateConnected
	}
	return s.authAttempts
}

// EnterRoom moves Authenticated → InRoom.
func (s *Session) EnterRoom(roomID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAuthenticated {
		return fmt.Errorf("%w: %s → in_room", errBadTransition, s.state)
	}
	s.state = StateInRoom
	s.roomID = roomID
	s.role = role
	return nil
}

// LeaveRoom moves InRoom → Authenticated.
func (s *Session) LeaveRoom() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateInRoom {
		return fmt.Errorf("%w: %s → authenticated", errBadTransition, s.state)
	}
	s.state = StateAuthenticated
	s.roomID = ""
	s.role = ""
	return nil
}

// MarkClosed is terminal and valid from any state.
func (s *Session) MarkClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
}

// Heartbeat records a client liveness signal.
func (s *Session) Heartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = time.Now()
}

// LastHeartbeat returns the most recent liveness signal.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// AuthenticatedAt returns when authentication completed, zero before it.
func (s *Session) AuthenticatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticatedAt
}
