// The backend binary is the reference downstream consumer: it drains the
// command topics, runs the two-player higher-value game, mutates game state
// through the store's CAS primitive, and publishes result events back onto
// the event topics for the gateways to fan out.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tablehall/gateway/broker"
	"github.com/tablehall/gateway/config"
	"github.com/tablehall/gateway/logger"
	"github.com/tablehall/gateway/protocol"
	"github.com/tablehall/gateway/store"
)

const winningScore = 3

func main() {
	env := flag.String("env", "development", "configuration environment")
	flag.Parse()

	if err := config.Initialize(*env); err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg := config.Get()

	zlog, err := logger.New(&cfg.Log)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()
	zlog = zlog.Named("backend")

	redisClient, err := store.NewRedisClient(
		cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, cfg.Redis.PoolTimeout)
	if err != nil {
		zlog.Fatal("redis connection failed", zap.Error(err))
	}
	defer func() { _ = redisClient.Close() }()

	mb, err := buildBroker(cfg, redisClient, zlog)
	if err != nil {
		zlog.Fatal("broker setup failed", zap.Error(err))
	}
	defer func() { _ = mb.Close() }()

	engine := newEngine(store.NewRedisStore(redisClient), mb, cfg.Broker.Topics, zlog)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	zlog.Info("backend consumer starting")
	if err := engine.run(ctx); err != nil {
		zlog.Fatal("consumer stopped", zap.Error(err))
	}
	zlog.Info("backend consumer stopped")
}

func buildBroker(cfg *config.AppConfig, redisClient *redis.Client, zlog *zap.Logger) (broker.MessageBroker, error) {
	switch cfg.Broker.Type {
	case "redis":
		return broker.NewRedisBroker(redisClient), nil
	case "kafka":
		// The backend shares one consumer group across its replicas so each
		// command is processed exactly once.
		return broker.NewKafkaBroker(cfg.Broker.Kafka.Brokers, cfg.Broker.Kafka.GroupID+"-backend", zlog.Named("kafka"))
	default:
		return nil, fmt.Errorf("unknown broker type %q", cfg.Broker.Type)
	}
}

// move is the play payload for the two-player game.
type move struct {
	Value int `json:"value"`
}

// roundState is the in-flight round bookkeeping for one room.
type roundState struct {
	ready map[string]bool
	moves map[string]int
}

type engine struct {
	store  store.Store
	broker broker.MessageBroker
	topics config.TopicsConfig
	rooms  map[string]*roundState
	log    *zap.Logger
}

func newEngine(st store.Store, mb broker.MessageBroker, topics config.TopicsConfig, log *zap.Logger) *engine {
	return &engine{
		store:  st,
		broker: mb,
		topics: topics,
		rooms:  make(map[string]*roundState),
		log:    log,
	}
}

func (e *engine) run(ctx context.Context) error {
	gameCmds, err := e.broker.Subscribe(ctx, e.topics.GameCommands)
	if err != nil {
		return err
	}
	chatCmds, err := e.broker.Subscribe(ctx, e.topics.ChatCommands)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-gameCmds:
			if !ok {
				return nil
			}
			e.handle(ctx, msg.Value)
		case msg, ok := <-chatCmds:
			if !ok {
				return nil
			}
			e.handle(ctx, msg.Value)
		}
	}
}

func (e *engine) handle(ctx context.Context, raw []byte) {
	frame, err := protocol.Decode(raw)
	if err != nil {
		e.log.Warn("dropping undecodable command", zap.Error(err))
		return
	}

	switch cmd := frame.(type) {
	case *protocol.Ready:
		e.handleReady(ctx, cmd)
	case *protocol.Play:
		e.handlePlay(ctx, cmd)
	case *protocol.ChatMessage:
		e.handleChat(ctx, cmd)
	default:
		e.log.Debug("ignoring command", zap.String("frame_type", frame.FrameType()))
	}
}

func (e *engine) room(roomID string) *roundState {
	rs, ok := e.rooms[roomID]
	if !ok {
		rs = &roundState{ready: make(map[string]bool), moves: make(map[string]int)}
		e.rooms[roomID] = rs
	}
	return rs
}

// handleReady starts the game once every seated player is ready. The first
// turn goes to the lexicographically first player so replicas agree without
// coordination.
func (e *engine) handleReady(ctx context.Context, cmd *protocol.Ready) {
	rs := e.room(cmd.RoomID)
	rs.ready[cmd.SenderID] = true

	players, err := e.players(ctx, cmd.RoomID)
	if err != nil {
		e.log.Warn("failed to read players", zap.String("room_id", cmd.RoomID), zap.Error(err))
		return
	}
	if len(players) < 2 {
		return
	}
	for _, p := range players {
		if !rs.ready[p] {
			return
		}
	}

	scores := make(map[string]int, len(players))
	for _, p := range players {
		scores[p] = 0
	}
	state := &store.GameState{
		Version:    1,
		TurnUserID: players[0],
		Round:      1,
		Scores:     scores,
	}
	if err := e.store.CompareAndSwapGameState(ctx, cmd.RoomID, 0, state); err != nil {
		// Another replica already started it.
		e.log.Debug("game already started", zap.String("room_id", cmd.RoomID))
		return
	}
	if err := e.store.SetRoomStatus(ctx, cmd.RoomID, store.StatusInProgress); err != nil {
		e.log.Error("failed to mark room in progress", zap.String("room_id", cmd.RoomID), zap.Error(err))
		return
	}

	e.publish(ctx, &protocol.GameStarted{
		RoomID:     cmd.RoomID,
		TurnUserID: state.TurnUserID,
		Round:      state.Round,
	})
	e.log.Info("game started", zap.String("room_id", cmd.RoomID), zap.String("first_turn", state.TurnUserID))
}

// handlePlay applies one move. When both players have moved the round
// resolves: higher value scores, a tie replays, and the first player to the
// winning score ends the game.
func (e *engine) handlePlay(ctx context.Context, cmd *protocol.Play) {
	var m move
	if err := json.Unmarshal(cmd.Move, &m); err != nil {
		e.log.Warn("dropping unreadable move", zap.String("room_id", cmd.RoomID), zap.Error(err))
		return
	}

	state, err := e.store.GameState(ctx, cmd.RoomID)
	if err != nil || state == nil {
		e.log.Warn("play without game state", zap.String("room_id", cmd.RoomID), zap.Error(err))
		return
	}
	if state.TurnUserID != cmd.SenderID {
		// The gateway guards turns; a stale command that slipped through the
		// race window is dropped here.
		e.log.Debug("dropping out-of-turn play",
			zap.String("room_id", cmd.RoomID), zap.String("sender", cmd.SenderID))
		return
	}

	players, err := e.players(ctx, cmd.RoomID)
	if err != nil || len(players) < 2 {
		e.log.Warn("play in unplayable room", zap.String("room_id", cmd.RoomID), zap.Error(err))
		return
	}

	rs := e.room(cmd.RoomID)
	rs.moves[cmd.SenderID] = m.Value

	if len(rs.moves) < 2 {
		e.passTurn(ctx, cmd.RoomID, state, otherPlayer(players, cmd.SenderID))
		return
	}
	e.resolveRound(ctx, cmd.RoomID, state, players, rs)
}

func (e *engine) passTurn(ctx context.Context, roomID string, state *store.GameState, next string) {
	updated := *state
	updated.Version++
	updated.TurnUserID = next
	if err := e.store.CompareAndSwapGameState(ctx, roomID, state.Version, &updated); err != nil {
		e.log.Warn("lost turn update race", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	e.publish(ctx, &protocol.TurnChanged{
		RoomID:     roomID,
		TurnUserID: next,
		Round:      updated.Round,
	})
}

func (e *engine) resolveRound(ctx context.Context, roomID string, state *store.GameState, players []string, rs *roundState) {
	a, b := players[0], players[1]
	va, vb := rs.moves[a], rs.moves[b]
	rs.moves = make(map[string]int)

	updated := *state
	updated.Version++
	updated.Scores = cloneScores(state.Scores)

	replay := va == vb
	var winner string
	switch {
	case va > vb:
		winner = a
	case vb > va:
		winner = b
	}
	if winner != "" {
		updated.Scores[winner]++
	}

	if winner != "" && updated.Scores[winner] >= winningScore {
		if err := e.store.CompareAndSwapGameState(ctx, roomID, state.Version, &updated); err != nil {
			e.log.Warn("lost final round race", zap.String("room_id", roomID), zap.Error(err))
			return
		}
		if err := e.store.SetRoomStatus(ctx, roomID, store.StatusFinished); err != nil {
			e.log.Error("failed to finish room", zap.String("room_id", roomID), zap.Error(err))
		}
		e.publish(ctx, &protocol.GameEnded{
			RoomID:   roomID,
			WinnerID: winner,
			Reason:   "won",
			Scores:   updated.Scores,
		})
		delete(e.rooms, roomID)
		e.log.Info("game finished", zap.String("room_id", roomID), zap.String("winner", winner))
		return
	}

	if !replay {
		updated.Round++
	}
	// The next round opens with the alternating starter; a replayed round
	// keeps its starter.
	updated.TurnUserID = players[(updated.Round-1)%2]
	if err := e.store.CompareAndSwapGameState(ctx, roomID, state.Version, &updated); err != nil {
		e.log.Warn("lost round update race", zap.String("room_id", roomID), zap.Error(err))
		return
	}

	e.publish(ctx, &protocol.RoundResult{
		RoomID: roomID,
		Round:  state.Round,
		Scores: updated.Scores,
		Replay: replay,
	})
	e.publish(ctx, &protocol.TurnChanged{
		RoomID:     roomID,
		TurnUserID: updated.TurnUserID,
		Round:      updated.Round,
	})
}

func (e *engine) handleChat(ctx context.Context, cmd *protocol.ChatMessage) {
	event := &protocol.ChatEvent{
		RoomID:   cmd.RoomID,
		SenderID: cmd.SenderID,
		Username: cmd.Username,
		Text:     cmd.Text,
		SentAt:   time.Now().UnixMilli(),
	}
	data, err := protocol.Encode(event)
	if err != nil {
		e.log.Error("failed to encode chat event", zap.Error(err))
		return
	}
	if err := e.broker.Publish(ctx, e.topics.ChatEvents, cmd.RoomID, data); err != nil {
		e.log.Error("failed to publish chat event", zap.String("room_id", cmd.RoomID), zap.Error(err))
	}
}

func (e *engine) publish(ctx context.Context, frame protocol.Frame) {
	data, err := protocol.Encode(frame)
	if err != nil {
		e.log.Error("failed to encode event", zap.String("frame_type", frame.FrameType()), zap.Error(err))
		return
	}
	roomID := protocol.RoomOf(frame)
	if err := e.broker.Publish(ctx, e.topics.GameEvents, roomID, data); err != nil {
		e.log.Error("failed to publish event",
			zap.String("frame_type", frame.FrameType()), zap.String("room_id", roomID), zap.Error(err))
	}
}

// players returns the room's seated players in a stable order.
func (e *engine) players(ctx context.Context, roomID string) ([]string, error) {
	members, err := e.store.Members(ctx, roomID)
	if err != nil {
		return nil, err
	}
	var players []string
	for _, member := range members {
		if member.Role == store.RolePlayer {
			players = append(players, member.UserID)
		}
	}
	sort.Strings(players)
	return players, nil
}

func cloneScores(scores map[string]int) map[string]int {
	out := make(map[string]int, len(scores))
	for k, v := range scores {
		out[k] = v
	}
	return out
}

func otherPlayer(players []string, userID string) string {
	for _, p := range players {
		if p != userID {
			return p
		}
	}
	return userID
}
