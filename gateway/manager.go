package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tablehall/gateway/metrics"
	"github.com/tablehall/gateway/protocol"
	"github.com/tablehall/gateway/store"
)

// ErrServerFull is returned when the instance is at its connection limit.
var ErrServerFull = errors.New("gateway: connection limit reached")

// Manager owns every live client on this instance plus the room → local
// connections index used to fan bus events out. The index only tracks clients
// attached here; membership across all instances lives in the store.
type Manager struct {
	store          store.Store
	log            *zap.Logger
	maxConnections int
	reconnectTTL   time.Duration

	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[string]struct{}

	// notify publishes membership events raised by the close path. Set after
	// construction because the router both depends on the manager and
	// provides the publisher.
	notify func(ctx context.Context, frame protocol.Frame)
}

// NewManager creates an empty manager.
func NewManager(st store.Store, maxConnections int, reconnectTTL time.Duration, log *zap.Logger) *Manager {
	return &Manager{
		store:          st,
		log:            log,
		maxConnections: maxConnections,
		reconnectTTL:   reconnectTTL,
		clients:        make(map[string]*Client),
		rooms:          make(map[string]map[string]struct{}),
	}
}

// SetNotifier wires the event publisher used when a disconnect must be
// announced to the room.
func (m *Manager) SetNotifier(notify func(ctx context.Context, frame protocol.Frame)) {
	m.notify = notify
}

// Add registers a client, enforcing the per-instance connection limit.
func (m *Manager) Add(client *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxConnections > 0 && len(m.clients) >= m.maxConnections {
		return ErrServerFull
	}
	m.clients[client.ID] = client
	metrics.ActiveConnections.Inc()
	metrics.TotalConnections.Inc()
	return nil
}

// Get returns the client for a connection id, nil when unknown.
func (m *Manager) Get(connID string) *Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clients[connID]
}

// Count returns the number of live clients on this instance.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Send enqueues a frame for one connection, best-effort.
func (m *Manager) Send(connID string, frame protocol.Frame) {
	if client := m.Get(connID); client != nil {
		client.Enqueue(frame)
	}
}

// JoinLocal records that a local connection entered a room.
func (m *Manager) JoinLocal(roomID, connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.rooms[roomID]
	if !ok {
		set = make(map[string]struct{})
		m.rooms[roomID] = set
	}
	set[connID] = struct{}{}
}

// LeaveLocal records that a local connection left a room for good.
func (m *Manager) LeaveLocal(roomID, connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if set, ok := m.rooms[roomID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(m.rooms, roomID)
		}
	}
}

// detachLocal drops a connection from the room index but keeps the room
// tracked even when no local connection remains. The instance stays
// responsible for reaping the member it disconnected; ForgetIfEmpty releases
// the room once the reconnection window is settled.
func (m *Manager) detachLocal(roomID, connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if set, ok := m.rooms[roomID]; ok {
		delete(set, connID)
	}
}

// ForgetIfEmpty drops a tracked room that has no local connections left.
func (m *Manager) ForgetIfEmpty(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if set, ok := m.rooms[roomID]; ok && len(set) == 0 {
		delete(m.rooms, roomID)
	}
}

// LocalAudience returns the local clients attached to a room. The local index
// is authoritative for connections made here; when it is empty the store's
// membership list is consulted in case an entry was lost, mapping member
// connection ids back to local clients.
func (m *Manager) LocalAudience(ctx context.Context, roomID string) []*Client {
	m.mu.RLock()
	set := m.rooms[roomID]
	audience := make([]*Client, 0, len(set))
	for connID := range set {
		if client, ok := m.clients[connID]; ok {
			audience = append(audience, client)
		}
	}
	m.mu.RUnlock()

	if len(audience) > 0 {
		return audience
	}

	members, err := m.store.Members(ctx, roomID)
	if err != nil {
		m.log.Warn("failed to read room members for fan-out", zap.String("room_id", roomID), zap.Error(err))
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, member := range members {
		if member.ConnID == "" {
			continue
		}
		if client, ok := m.clients[member.ConnID]; ok {
			audience = append(audience, client)
		}
	}
	return audience
}

// LocalRooms returns the rooms with at least one local connection.
func (m *Manager) LocalRooms() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rooms := make([]string, 0, len(m.rooms))
	for roomID := range m.rooms {
		rooms = append(rooms, roomID)
	}
	return rooms
}

// Clients returns a snapshot of the live clients for the liveness sweep.
func (m *Manager) Clients() []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()

	clients := make([]*Client, 0, len(m.clients))
	for _, client := range m.clients {
		clients = append(clients, client)
	}
	return clients
}

// Remove is the single close path for a connection, whatever ended it. It
// drops presence, and when the session was in a room it marks the member
// disconnected, mints the reconnection token, and announces the drop. The
// member record stays until the token expires or the user rejoins.
func (m *Manager) Remove(ctx context.Context, connID string, code int, reason string) {
	m.mu.Lock()
	client, ok := m.clients[connID]
	if ok {
		delete(m.clients, connID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	metrics.ActiveConnections.Dec()

	identity := client.Session.Identity()
	roomID, _ := client.Session.Room()
	if roomID != "" {
		m.detachLocal(roomID, connID)
	}

	if identity != nil {
		if err := m.store.RemovePresence(ctx, identity.UserID, connID); err != nil {
			m.log.Warn("failed to remove presence", zap.String("user_id", identity.UserID), zap.Error(err))
		}
	}

	if identity != nil && roomID != "" {
		if err := m.store.MarkDisconnected(ctx, roomID, identity.UserID); err != nil {
			m.log.Warn("failed to mark member disconnected",
				zap.String("room_id", roomID), zap.String("user_id", identity.UserID), zap.Error(err))
		} else {
			if _, err := m.store.CreateReconnectToken(ctx, identity.UserID, roomID, m.reconnectTTL); err != nil {
				m.log.Error("failed to create reconnect token",
					zap.String("room_id", roomID), zap.String("user_id", identity.UserID), zap.Error(err))
			}
			if m.notify != nil {
				m.notify(ctx, &protocol.PlayerDisconnected{RoomID: roomID, UserID: identity.UserID})
			}
		}
	}

	client.Close(code, reason)
	m.log.Info("connection closed",
		zap.String("conn_id", connID),
		zap.String("reason", reason),
		zap.Int("active", m.Count()))
}

// CloseAll tears every connection down during shutdown.
func (m *Manager) CloseAll(ctx context.Context, code int, reason string) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Remove(ctx, id, code, reason)
	}
}
