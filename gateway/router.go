package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tablehall/gateway/auth"
	"github.com/tablehall/gateway/broker"
	"github.com/tablehall/gateway/game"
	"github.com/tablehall/gateway/metrics"
	"github.com/tablehall/gateway/protocol"
	"github.com/tablehall/gateway/store"
)

// Topics names the bus topics the router publishes to.
type Topics struct {
	GameCommands string
	GameEvents   string
	ChatCommands string
	ChatEvents   string
}

// Router dispatches decoded client frames: system frames are handled in
// place, room membership mutates the store, and game/chat commands are
// forwarded onto the bus after local guards pass.
//
// Commands are published synchronously in the read loop. That keeps a single
// connection's commands in arrival order on the bus and lets the sender hear
// about a publish failure immediately.
type Router struct {
	manager     *Manager
	store       store.Store
	broker      broker.MessageBroker
	coordinator *game.Coordinator
	verifier    *auth.Verifier
	topics      Topics

	maxAuthAttempts int
	log             *zap.Logger
}

// NewRouter creates a Router. verifier may be nil when authentication is
// disabled for local development; the token is then taken as the user id.
func NewRouter(manager *Manager, st store.Store, mb broker.MessageBroker, coordinator *game.Coordinator, verifier *auth.Verifier, topics Topics, maxAuthAttempts int, log *zap.Logger) *Router {
	r := &Router{
		manager:         manager,
		store:           st,
		broker:          mb,
		coordinator:     coordinator,
		verifier:        verifier,
		topics:          topics,
		maxAuthAttempts: maxAuthAttempts,
		log:             log,
	}
	manager.SetNotifier(r.PublishEvent)
	return r
}

// HandleFrame processes one raw frame from a client's read loop.
func (r *Router) HandleFrame(ctx context.Context, client *Client, raw []byte) {
	metrics.FramesReceived.Inc()

	frame, err := protocol.Decode(raw)
	if err != nil {
		client.Enqueue(protocol.NewError(protocol.CodeProtocolError, err.Error()))
		return
	}

	switch f := frame.(type) {
	case *protocol.Authenticate:
		r.handleAuthenticate(ctx, client, f)
	case *protocol.Heartbeat:
		client.Session.Heartbeat()
		client.Enqueue(&protocol.HeartbeatAck{})
	case *protocol.CreateRoom:
		if r.requireAuth(client) {
			r.handleCreateRoom(ctx, client, f)
		}
	case *protocol.JoinRoom:
		if r.requireAuth(client) {
			r.handleJoinRoom(ctx, client, f)
		}
	case *protocol.RejoinRoom:
		if r.requireAuth(client) {
			r.handleRejoinRoom(ctx, client, f)
		}
	case *protocol.LeaveRoom:
		if r.requireAuth(client) {
			r.handleLeaveRoom(ctx, client)
		}
	case *protocol.Ready:
		if r.requireAuth(client) {
			r.handleReady(ctx, client, f)
		}
	case *protocol.Play:
		if r.requireAuth(client) {
			r.handlePlay(ctx, client, f)
		}
	case *protocol.ChatMessage:
		if r.requireAuth(client) {
			r.handleChat(ctx, client, f)
		}
	default:
		// Event types are valid wire frames but never valid client input.
		client.Enqueue(protocol.NewError(protocol.CodeProtocolError, "frame type not accepted from clients"))
	}
}

func (r *Router) requireAuth(client *Client) bool {
	switch client.Session.State() {
	case StateAuthenticated, StateInRoom:
		return true
	default:
		client.Enqueue(protocol.NewError(protocol.CodeAuthRequired, "authenticate first"))
		return false
	}
}

func (r *Router) handleAuthenticate(ctx context.Context, client *Client, cmd *protocol.Authenticate) {
	switch client.Session.State() {
	case StateAuthenticated, StateInRoom:
		client.Enqueue(protocol.NewError(protocol.CodeProtocolError, "already authenticated"))
		return
	}
	if err := client.Session.BeginAuth(); err != nil {
		client.Enqueue(protocol.NewError(protocol.CodeInternalError, "session not accepting authentication"))
		return
	}

	identity, err := r.verify(ctx, cmd.Token)
	if err != nil {
		metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
		attempts := client.Session.FailAuth()
		client.Enqueue(protocol.NewError(protocol.CodeAuthInvalid, "token rejected"))
		if attempts >= r.maxAuthAttempts {
			r.log.Info("closing connection after repeated auth failures",
				zap.String("conn_id", client.ID), zap.Int("attempts", attempts))
			r.manager.Remove(ctx, client.ID, closePolicyViolation, "too many auth failures")
		}
		return
	}

	if err := client.Session.CompleteAuth(identity); err != nil {
		client.Enqueue(protocol.NewError(protocol.CodeInternalError, "session not accepting authentication"))
		return
	}
	if err := r.store.AddPresence(ctx, identity.UserID, client.ID); err != nil {
		r.log.Error("failed to record presence", zap.String("user_id", identity.UserID), zap.Error(err))
	}
	metrics.AuthSuccess.Inc()

	reply := &protocol.Authenticated{
		UserID:   identity.UserID,
		Username: identity.Username,
		Roles:    identity.Roles,
	}
	if pending, err := r.store.PendingReconnects(ctx, identity.UserID); err != nil {
		r.log.Warn("failed to read pending reconnects", zap.String("user_id", identity.UserID), zap.Error(err))
	} else {
		for _, p := range pending {
			reply.PendingReconnects = append(reply.PendingReconnects,
				protocol.PendingReconnect{RoomID: p.RoomID, Token: p.Token})
		}
	}
	client.Enqueue(reply)

	r.log.Info("client authenticated",
		zap.String("conn_id", client.ID), zap.String("user_id", identity.UserID))
}

func (r *Router) verify(ctx context.Context, token string) (*auth.Identity, error) {
	if r.verifier != nil {
		return r.verifier.Verify(ctx, token)
	}
	if token == "" {
		return nil, auth.ErrInvalidToken
	}
	return &auth.Identity{UserID: token, Username: token}, nil
}

func (r *Router) handleCreateRoom(ctx context.Context, client *Client, cmd *protocol.CreateRoom) {
	if state := client.Session.State(); state == StateInRoom {
		client.Enqueue(protocol.NewError(protocol.CodeAlreadyInRoom, "leave the current room first"))
		return
	}

	capacity, err := game.Capacity(cmd.Kind)
	if err != nil {
		client.Enqueue(protocol.NewError(protocol.CodeProtocolError, "unknown room kind"))
		return
	}

	identity := client.Session.Identity()
	room := &store.Room{
		ID:        uuid.New().String(),
		Name:      cmd.RoomName,
		Kind:      cmd.Kind,
		Status:    store.StatusWaiting,
		Capacity:  capacity,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.CreateRoom(ctx, room); err != nil {
		if errors.Is(err, store.ErrNameTaken) {
			client.Enqueue(protocol.NewError(protocol.CodeProtocolError, "room name already in use"))
			return
		}
		r.log.Error("failed to create room", zap.String("room_name", cmd.RoomName), zap.Error(err))
		client.Enqueue(protocol.NewError(protocol.CodeInternalError, "could not create room"))
		return
	}

	// Kinds without player seats (chat) take the creator as a spectator.
	creatorRole := store.RolePlayer
	if capacity == 0 {
		creatorRole = store.RoleSpectator
	}
	member := &store.Member{
		UserID:   identity.UserID,
		Username: identity.Username,
		Role:     creatorRole,
		ConnID:   client.ID,
		JoinedAt: time.Now().UTC(),
	}
	if err := r.store.JoinRoom(ctx, room.ID, member); err != nil {
		r.log.Error("creator failed to join own room", zap.String("room_id", room.ID), zap.Error(err))
		client.Enqueue(protocol.NewError(protocol.CodeInternalError, "could not join created room"))
		return
	}
	if err := client.Session.EnterRoom(room.ID, creatorRole); err != nil {
		client.Enqueue(protocol.NewError(protocol.CodeInternalError, err.Error()))
		return
	}
	r.manager.JoinLocal(room.ID, client.ID)
	metrics.RoomsCreated.Inc()

	r.PublishEvent(ctx, &protocol.RoomCreated{
		RoomID:   room.ID,
		RoomName: room.Name,
		Kind:     room.Kind,
		SenderID: identity.UserID,
	})
	r.log.Info("room created",
		zap.String("room_id", room.ID), zap.String("kind", room.Kind), zap.String("user_id", identity.UserID))
}

func (r *Router) handleJoinRoom(ctx context.Context, client *Client, cmd *protocol.JoinRoom) {
	if client.Session.State() == StateInRoom {
		client.Enqueue(protocol.NewError(protocol.CodeAlreadyInRoom, "leave the current room first"))
		return
	}

	role := cmd.Role
	if role == "" {
		role = store.RolePlayer
	}
	if role != store.RolePlayer && role != store.RoleSpectator {
		client.Enqueue(protocol.NewError(protocol.CodeProtocolError, "role must be player or spectator"))
		return
	}

	room, err := r.resolveRoom(ctx, cmd.RoomID, cmd.RoomName)
	if err != nil {
		client.Enqueue(protocol.NewError(protocol.CodeRoomNotFound, "no such room"))
		return
	}
	if err := r.coordinator.CheckJoin(room, role); err != nil {
		client.Enqueue(r.guardError(err))
		return
	}

	identity := client.Session.Identity()
	member := &store.Member{
		UserID:   identity.UserID,
		Username: identity.Username,
		Role:     role,
		ConnID:   client.ID,
		JoinedAt: time.Now().UTC(),
	}
	if err := r.store.JoinRoom(ctx, room.ID, member); err != nil {
		client.Enqueue(r.storeError(err))
		return
	}
	if err := client.Session.EnterRoom(room.ID, role); err != nil {
		client.Enqueue(protocol.NewError(protocol.CodeInternalError, err.Error()))
		return
	}
	r.manager.JoinLocal(room.ID, client.ID)

	r.PublishEvent(ctx, &protocol.RoomJoined{
		RoomID:   room.ID,
		UserID:   identity.UserID,
		Username: identity.Username,
		Role:     role,
	})
}

func (r *Router) handleRejoinRoom(ctx context.Context, client *Client, cmd *protocol.RejoinRoom) {
	if client.Session.State() == StateInRoom {
		client.Enqueue(protocol.NewError(protocol.CodeAlreadyInRoom, "leave the current room first"))
		return
	}
	metrics.ReconnectAttempts.Inc()

	identity := client.Session.Identity()
	userID, roomID, err := r.store.ConsumeReconnectToken(ctx, cmd.Token)
	if err != nil {
		client.Enqueue(protocol.NewError(protocol.CodeReconnectExpired, "reconnection window closed"))
		return
	}
	if userID != identity.UserID {
		// A token redeemed under the wrong identity is burned, not honored.
		r.log.Warn("reconnect token user mismatch",
			zap.String("token_user", userID), zap.String("conn_user", identity.UserID))
		client.Enqueue(protocol.NewError(protocol.CodeReconnectExpired, "reconnection window closed"))
		return
	}

	room, err := r.store.Room(ctx, roomID)
	if err != nil {
		client.Enqueue(protocol.NewError(protocol.CodeRoomNotFound, "no such room"))
		return
	}
	if room.Closed() {
		client.Enqueue(protocol.NewError(protocol.CodeRoomClosed, "room is closed"))
		return
	}

	member, err := r.store.Reconnect(ctx, roomID, userID, client.ID)
	if err != nil {
		client.Enqueue(protocol.NewError(protocol.CodeReconnectExpired, "reconnection window closed"))
		return
	}
	if err := client.Session.EnterRoom(roomID, member.Role); err != nil {
		client.Enqueue(protocol.NewError(protocol.CodeInternalError, err.Error()))
		return
	}
	r.manager.JoinLocal(roomID, client.ID)
	metrics.ReconnectSuccess.Inc()

	// The rejoining client alone gets a direct snapshot; the room hears
	// about the return through the bus like any other membership change.
	client.Enqueue(r.stateSync(ctx, room))
	r.PublishEvent(ctx, &protocol.PlayerReconnected{RoomID: roomID, UserID: userID})

	r.log.Info("client rejoined room",
		zap.String("room_id", roomID), zap.String("user_id", userID))
}

func (r *Router) stateSync(ctx context.Context, room *store.Room) *protocol.StateSync {
	sync := &protocol.StateSync{RoomID: room.ID, Status: room.Status}
	state, err := r.store.GameState(ctx, room.ID)
	if err != nil {
		r.log.Warn("failed to read game state for sync", zap.String("room_id", room.ID), zap.Error(err))
		return sync
	}
	if state != nil {
		sync.Version = state.Version
		sync.TurnUserID = state.TurnUserID
		sync.Round = state.Round
		sync.Scores = state.Scores
	}
	return sync
}

func (r *Router) handleLeaveRoom(ctx context.Context, client *Client) {
	roomID, _ := client.Session.Room()
	if roomID == "" {
		client.Enqueue(protocol.NewError(protocol.CodeNotInRoom, "not in a room"))
		return
	}

	identity := client.Session.Identity()
	if err := r.store.RemoveMember(ctx, roomID, identity.UserID); err != nil && !errors.Is(err, store.ErrNotMember) {
		r.log.Error("failed to remove member", zap.String("room_id", roomID), zap.Error(err))
		client.Enqueue(protocol.NewError(protocol.CodeInternalError, "could not leave room"))
		return
	}
	if err := client.Session.LeaveRoom(); err != nil {
		client.Enqueue(protocol.NewError(protocol.CodeInternalError, err.Error()))
		return
	}
	r.manager.LeaveLocal(roomID, client.ID)

	r.PublishEvent(ctx, &protocol.RoomLeft{RoomID: roomID, UserID: identity.UserID})
	r.abandonIfEmpty(ctx, roomID)
}

// abandonIfEmpty closes a room once its game can no longer continue: a game
// room keeps going while any player remains, a seatless room while any
// member remains.
func (r *Router) abandonIfEmpty(ctx context.Context, roomID string) {
	room, err := r.store.Room(ctx, roomID)
	if err != nil || room.Closed() {
		return
	}
	members, err := r.store.Members(ctx, roomID)
	if err != nil {
		return
	}
	for _, member := range members {
		if room.Capacity == 0 || member.Role == store.RolePlayer {
			return
		}
	}
	if err := r.store.SetRoomStatus(ctx, roomID, store.StatusAbandoned); err != nil {
		r.log.Error("failed to abandon empty room", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	r.PublishEvent(ctx, &protocol.GameEnded{RoomID: roomID, Reason: "abandoned"})
	r.log.Info("room abandoned", zap.String("room_id", roomID))
}

func (r *Router) handleReady(ctx context.Context, client *Client, cmd *protocol.Ready) {
	roomID, role := client.Session.Room()
	if roomID == "" {
		client.Enqueue(protocol.NewError(protocol.CodeNotInRoom, "not in a room"))
		return
	}
	room, err := r.store.Room(ctx, roomID)
	if err != nil {
		client.Enqueue(protocol.NewError(protocol.CodeRoomNotFound, "no such room"))
		return
	}
	if err := r.coordinator.CheckReady(room, role); err != nil {
		client.Enqueue(r.guardError(err))
		return
	}

	cmd.RoomID = roomID
	cmd.SenderID = client.Session.Identity().UserID
	r.publishCommand(ctx, client, r.topics.GameCommands, roomID, cmd)
}

func (r *Router) handlePlay(ctx context.Context, client *Client, cmd *protocol.Play) {
	roomID, role := client.Session.Room()
	if roomID == "" {
		client.Enqueue(protocol.NewError(protocol.CodeNotInRoom, "not in a room"))
		return
	}
	room, err := r.store.Room(ctx, roomID)
	if err != nil {
		client.Enqueue(protocol.NewError(protocol.CodeRoomNotFound, "no such room"))
		return
	}
	state, err := r.store.GameState(ctx, roomID)
	if err != nil {
		client.Enqueue(protocol.NewError(protocol.CodeInternalError, "could not read game state"))
		return
	}
	identity := client.Session.Identity()
	if err := r.coordinator.CheckTurn(room, state, role, identity.UserID); err != nil {
		client.Enqueue(r.guardError(err))
		return
	}

	cmd.RoomID = roomID
	cmd.SenderID = identity.UserID
	r.publishCommand(ctx, client, r.topics.GameCommands, roomID, cmd)
}

func (r *Router) handleChat(ctx context.Context, client *Client, cmd *protocol.ChatMessage) {
	roomID, _ := client.Session.Room()
	if roomID == "" {
		client.Enqueue(protocol.NewError(protocol.CodeNotInRoom, "not in a room"))
		return
	}
	room, err := r.store.Room(ctx, roomID)
	if err != nil {
		client.Enqueue(protocol.NewError(protocol.CodeRoomNotFound, "no such room"))
		return
	}
	if room.Closed() {
		client.Enqueue(protocol.NewError(protocol.CodeRoomClosed, "room is closed"))
		return
	}

	identity := client.Session.Identity()
	cmd.RoomID = roomID
	cmd.SenderID = identity.UserID
	cmd.Username = identity.Username
	r.publishCommand(ctx, client, r.topics.ChatCommands, roomID, cmd)
}

// publishCommand forwards a guarded command onto the bus, keyed by room so
// partition order matches room order. The sender hears about a failed
// publish; a successful one is acknowledged only by the resulting event.
func (r *Router) publishCommand(ctx context.Context, client *Client, topic, roomID string, frame protocol.Frame) {
	data, err := protocol.Encode(frame)
	if err != nil {
		client.Enqueue(protocol.NewError(protocol.CodeInternalError, "could not encode command"))
		return
	}
	if err := r.broker.Publish(ctx, topic, roomID, data); err != nil {
		metrics.BrokerPublishFailures.WithLabelValues(r.broker.Type(), topic).Inc()
		r.log.Error("command publish failed",
			zap.String("topic", topic), zap.String("room_id", roomID), zap.Error(err))
		client.Enqueue(protocol.NewError(protocol.CodeBackendUnavailable, "backend unavailable, try again"))
		return
	}
	metrics.BrokerMessagesPublished.WithLabelValues(r.broker.Type(), topic).Inc()
}

// PublishEvent puts a gateway-originated event on the bus. Events raised
// here reach local clients the same way as everyone else: through the
// bridge's consumer.
func (r *Router) PublishEvent(ctx context.Context, frame protocol.Frame) {
	topic := r.topics.GameEvents
	if frame.FrameType() == protocol.TypeChatEvent {
		topic = r.topics.ChatEvents
	}
	roomID := protocol.RoomOf(frame)

	data, err := protocol.Encode(frame)
	if err != nil {
		r.log.Error("could not encode event", zap.String("frame_type", frame.FrameType()), zap.Error(err))
		return
	}
	if err := r.broker.Publish(ctx, topic, roomID, data); err != nil {
		metrics.BrokerPublishFailures.WithLabelValues(r.broker.Type(), topic).Inc()
		r.log.Error("event publish failed",
			zap.String("topic", topic), zap.String("room_id", roomID), zap.Error(err))
		return
	}
	metrics.BrokerMessagesPublished.WithLabelValues(r.broker.Type(), topic).Inc()
}

func (r *Router) resolveRoom(ctx context.Context, roomID, roomName string) (*store.Room, error) {
	if roomID != "" {
		return r.store.Room(ctx, roomID)
	}
	return r.store.RoomByName(ctx, roomName)
}

func (r *Router) guardError(err error) *protocol.ErrorFrame {
	switch {
	case errors.Is(err, game.ErrRoomClosed):
		return protocol.NewError(protocol.CodeRoomClosed, "room is closed")
	case errors.Is(err, game.ErrGameNotStarted):
		return protocol.NewError(protocol.CodeGameNotStarted, "game is not in progress")
	case errors.Is(err, game.ErrNotYourTurn), errors.Is(err, game.ErrNotAPlayer):
		return protocol.NewError(protocol.CodeNotYourTurn, "not your turn")
	default:
		return protocol.NewError(protocol.CodeInternalError, "command rejected")
	}
}

func (r *Router) storeError(err error) *protocol.ErrorFrame {
	switch {
	case errors.Is(err, store.ErrRoomNotFound):
		return protocol.NewError(protocol.CodeRoomNotFound, "no such room")
	case errors.Is(err, store.ErrRoomFull):
		return protocol.NewError(protocol.CodeRoomFull, "room is full")
	case errors.Is(err, store.ErrRoomClosed):
		return protocol.NewError(protocol.CodeRoomClosed, "room is closed")
	case errors.Is(err, store.ErrAlreadyMember):
		return protocol.NewError(protocol.CodeAlreadyInRoom, "already a member of this room")
	default:
		return protocol.NewError(protocol.CodeInternalError, "command rejected")
	}
}
