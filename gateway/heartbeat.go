package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tablehall/gateway/metrics"
	"github.com/tablehall/gateway/protocol"
	"github.com/tablehall/gateway/store"
)

// Monitor enforces liveness. Two duties on one tick: close local connections
// whose last heartbeat is older than the grace window, and reap disconnected
// members of locally-served rooms whose reconnection token has lapsed.
type Monitor struct {
	manager *Manager
	store   store.Store
	notify  func(ctx context.Context, frame protocol.Frame)

	grace time.Duration
	sweep time.Duration
	log   *zap.Logger
}

// NewMonitor creates a Monitor. notify publishes the membership events the
// reaper raises.
func NewMonitor(manager *Manager, st store.Store, notify func(ctx context.Context, frame protocol.Frame), grace, sweep time.Duration, log *zap.Logger) *Monitor {
	return &Monitor{
		manager: manager,
		store:   st,
		notify:  notify,
		grace:   grace,
		sweep:   sweep,
		log:     log,
	}
}

// Run ticks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepConnections(ctx)
			m.reapExpiredMembers(ctx)
		}
	}
}

func (m *Monitor) sweepConnections(ctx context.Context) {
	cutoff := time.Now().Add(-m.grace)
	for _, client := range m.manager.Clients() {
		if client.Session.LastHeartbeat().Before(cutoff) {
			metrics.HeartbeatTimeouts.Inc()
			m.log.Info("closing connection, heartbeat grace exceeded",
				zap.String("conn_id", client.ID),
				zap.Time("last_heartbeat", client.Session.LastHeartbeat()))
			m.manager.Remove(ctx, client.ID, closePolicyViolation, "heartbeat timeout")
		}
	}
}

// reapExpiredMembers walks locally-served rooms and evicts members that are
// disconnected with no live reconnection token. Instances only reap rooms
// they serve, so every room with a live member is covered by some instance.
func (m *Monitor) reapExpiredMembers(ctx context.Context) {
	for _, roomID := range m.manager.LocalRooms() {
		members, err := m.store.Members(ctx, roomID)
		if err != nil {
			m.log.Warn("reaper failed to read members", zap.String("room_id", roomID), zap.Error(err))
			continue
		}

		playersLeft, membersLeft, disconnectedLeft := 0, 0, 0
		reaped := false
		for _, member := range members {
			if member.ConnID == "" {
				live, err := m.store.HasReconnectToken(ctx, member.UserID, roomID)
				if err != nil {
					m.log.Warn("reaper failed to check token",
						zap.String("room_id", roomID), zap.String("user_id", member.UserID), zap.Error(err))
					continue
				}
				if !live {
					if err := m.store.RemoveMember(ctx, roomID, member.UserID); err != nil {
						m.log.Warn("reaper failed to remove member",
							zap.String("room_id", roomID), zap.String("user_id", member.UserID), zap.Error(err))
						continue
					}
					reaped = true
					m.notify(ctx, &protocol.RoomLeft{RoomID: roomID, UserID: member.UserID})
					m.log.Info("reaped expired member",
						zap.String("room_id", roomID), zap.String("user_id", member.UserID))
					continue
				}
				disconnectedLeft++
			}
			membersLeft++
			if member.Role == store.RolePlayer {
				playersLeft++
			}
		}

		if reaped {
			m.maybeAbandon(ctx, roomID, playersLeft, membersLeft)
		}
		if disconnectedLeft == 0 {
			// Nothing left to watch here; release the room if no local
			// connection keeps it alive.
			m.manager.ForgetIfEmpty(roomID)
		}
	}
}

// maybeAbandon closes a room whose game can no longer continue: a game room
// with no players left, or a seatless room with no members at all.
func (m *Monitor) maybeAbandon(ctx context.Context, roomID string, playersLeft, membersLeft int) {
	room, err := m.store.Room(ctx, roomID)
	if err != nil || room.Closed() {
		return
	}
	if room.Capacity > 0 && playersLeft > 0 {
		return
	}
	if room.Capacity == 0 && membersLeft > 0 {
		return
	}
	if err := m.store.SetRoomStatus(ctx, roomID, store.StatusAbandoned); err != nil {
		m.log.Error("failed to abandon room", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	m.notify(ctx, &protocol.GameEnded{RoomID: roomID, Reason: "abandoned"})
	m.log.Info("room abandoned after reconnection window lapsed", zap.String("room_id", roomID))
}
