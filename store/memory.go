package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store with the same atomicity semantics as
// the Redis implementation, for tests and single-instance local runs.
type MemoryStore struct {
	mu       sync.Mutex
	presence map[string]map[string]struct{}
	rooms    map[string]*Room
	names    map[string]string
	members  map[string]map[string]*Member
	players  map[string]int
	games    map[string]*GameState
	tokens   map[string]memoryToken
	pairs    map[string]string

	// now is swappable so token expiry can be tested without sleeping.
	now func() time.Time
}

type memoryToken struct {
	userID    string
	roomID    string
	expiresAt time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		presence: make(map[string]map[string]struct{}),
		rooms:    make(map[string]*Room),
		names:    make(map[string]string),
		members:  make(map[string]map[string]*Member),
		players:  make(map[string]int),
		games:    make(map[string]*GameState),
		tokens:   make(map[string]memoryToken),
		pairs:    make(map[string]string),
		now:      time.Now,
	}
}

// SetClock overrides the store's clock. Test helper.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) AddPresence(_ context.Context, userID, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.presence[userID]
	if !ok {
		set = make(map[string]struct{})
		s.presence[userID] = set
	}
	set[connID] = struct{}{}
	return nil
}

func (s *MemoryStore) RemovePresence(_ context.Context, userID, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if set, ok := s.presence[userID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(s.presence, userID)
		}
	}
	return nil
}

func (s *MemoryStore) UserConnections(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := make([]string, 0, len(s.presence[userID]))
	for connID := range s.presence[userID] {
		conns = append(conns, connID)
	}
	return conns, nil
}

func (s *MemoryStore) CreateRoom(_ context.Context, room *Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.names[room.Name]; taken {
		return ErrNameTaken
	}
	copied := *room
	s.names[room.Name] = room.ID
	s.rooms[room.ID] = &copied
	s.members[room.ID] = make(map[string]*Member)
	return nil
}

func (s *MemoryStore) Room(_ context.Context, roomID string) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomLocked(roomID)
}

func (s *MemoryStore) roomLocked(roomID string) (*Room, error) {
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	copied := *room
	return &copied, nil
}

func (s *MemoryStore) RoomByName(_ context.Context, name string) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	roomID, ok := s.names[name]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return s.roomLocked(roomID)
}

func (s *MemoryStore) SetRoomStatus(_ context.Context, roomID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	room.Status = status
	return nil
}

func (s *MemoryStore) JoinRoom(_ context.Context, roomID string, member *Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if room.Status == StatusFinished || room.Status == StatusAbandoned {
		return ErrRoomClosed
	}
	if _, exists := s.members[roomID][member.UserID]; exists {
		return ErrAlreadyMember
	}
	if member.Role == RolePlayer {
		if s.players[roomID] >= room.Capacity {
			return ErrRoomFull
		}
		s.players[roomID]++
	}
	copied := *member
	s.members[roomID][member.UserID] = &copied
	return nil
}

func (s *MemoryStore) Members(_ context.Context, roomID string) ([]Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := make([]Member, 0, len(s.members[roomID]))
	for _, member := range s.members[roomID] {
		members = append(members, *member)
	}
	return members, nil
}

func (s *MemoryStore) MarkDisconnected(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	member, ok := s.members[roomID][userID]
	if !ok {
		return ErrNotMember
	}
	member.ConnID = ""
	return nil
}

func (s *MemoryStore) Reconnect(_ context.Context, roomID, userID, connID string) (*Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	member, ok := s.members[roomID][userID]
	if !ok {
		return nil, ErrNotMember
	}
	member.ConnID = connID
	copied := *member
	return &copied, nil
}

func (s *MemoryStore) RemoveMember(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	member, ok := s.members[roomID][userID]
	if !ok {
		return ErrNotMember
	}
	if member.Role == RolePlayer {
		s.players[roomID]--
	}
	delete(s.members[roomID], userID)
	return nil
}

func (s *MemoryStore) GameState(_ context.Context, roomID string) (*GameState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.games[roomID]
	if !ok {
		return nil, nil
	}
	copied := *state
	return &copied, nil
}

func (s *MemoryStore) CompareAndSwapGameState(_ context.Context, roomID string, expectVersion int64, state *GameState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.games[roomID]
	if !ok {
		if expectVersion != 0 {
			return ErrVersionConflict
		}
	} else if current.Version != expectVersion {
		return ErrVersionConflict
	}
	copied := *state
	s.games[roomID] = &copied
	return nil
}

func (s *MemoryStore) CreateReconnectToken(_ context.Context, userID, roomID string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pair := userID + ":" + roomID
	if existing, ok := s.pairs[pair]; ok {
		if tok, live := s.tokens[existing]; live && s.now().Before(tok.expiresAt) {
			return existing, nil
		}
	}

	token := uuid.New().String()
	s.tokens[token] = memoryToken{
		userID:    userID,
		roomID:    roomID,
		expiresAt: s.now().Add(ttl),
	}
	s.pairs[pair] = token
	return token, nil
}

func (s *MemoryStore) ConsumeReconnectToken(_ context.Context, token string) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tokens[token]
	if !ok {
		return "", "", ErrTokenExpired
	}
	delete(s.tokens, token)
	delete(s.pairs, entry.userID+":"+entry.roomID)

	if !s.now().Before(entry.expiresAt) {
		return "", "", ErrTokenExpired
	}
	return entry.userID, entry.roomID, nil
}

func (s *MemoryStore) HasReconnectToken(_ context.Context, userID, roomID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.pairs[userID+":"+roomID]
	if !ok {
		return false, nil
	}
	entry, live := s.tokens[token]
	return live && s.now().Before(entry.expiresAt), nil
}

func (s *MemoryStore) PendingReconnects(_ context.Context, userID string) ([]PendingReconnect, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []PendingReconnect
	for token, entry := range s.tokens {
		if entry.userID == userID && s.now().Before(entry.expiresAt) {
			pending = append(pending, PendingReconnect{RoomID: entry.roomID, Token: token})
		}
	}
	return pending, nil
}
