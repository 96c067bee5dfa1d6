package gateway

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tablehall/gateway/auth"
	"github.com/tablehall/gateway/broker"
	"github.com/tablehall/gateway/game"
	"github.com/tablehall/gateway/protocol"
	"github.com/tablehall/gateway/store"
)

func TestAuthenticateAttachesIdentity(t *testing.T) {
	h := newHarness(t)
	client, conn := h.connect(t)

	reply := h.authenticate(t, client, conn, "u1")

	assert.Equal(t, "u1", reply.UserID)
	assert.Empty(t, reply.PendingReconnects)
	assert.Equal(t, StateAuthenticated, client.Session.State())

	conns, err := h.store.UserConnections(context.Background(), "u1")
	require.NoError(t, err)
	assert.Contains(t, conns, client.ID)
}

func TestHeartbeatAckBeforeAuth(t *testing.T) {
	h := newHarness(t)
	client, conn := h.connect(t)

	before := client.Session.LastHeartbeat()
	time.Sleep(5 * time.Millisecond)
	h.send(t, client, &protocol.Heartbeat{})

	conn.waitFor(t, protocol.TypeHeartbeatAck, 0)
	assert.True(t, client.Session.LastHeartbeat().After(before))
}

func TestCommandsRequireAuth(t *testing.T) {
	h := newHarness(t)
	client, conn := h.connect(t)

	h.send(t, client, &protocol.JoinRoom{RoomName: "lobby"})
	conn.waitForError(t, protocol.CodeAuthRequired)

	assert.Empty(t, h.broker.Published(testTopics.GameCommands))
	assert.Empty(t, h.broker.Published(testTopics.GameEvents))
}

func TestSecondAuthenticateRejected(t *testing.T) {
	h := newHarness(t)
	client, conn := h.connect(t)
	h.authenticate(t, client, conn, "u1")

	h.send(t, client, &protocol.Authenticate{Token: "u1"})
	conn.waitForError(t, protocol.CodeProtocolError)
	assert.Equal(t, StateAuthenticated, client.Session.State())
}

func TestAuthLockoutAfterRepeatedFailures(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	keyPath := filepath.Join(t.TempDir(), "auth.pub")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))

	verifier, err := auth.NewVerifier(keyPath, "auth:revoked", nil, zap.NewNop())
	require.NoError(t, err)

	st := store.NewMemoryStore()
	mb := broker.NewMemoryBroker()
	mgr := NewManager(st, 0, time.Minute, zap.NewNop())
	router := NewRouter(mgr, st, mb, game.NewCoordinator(), verifier, testTopics, 2, zap.NewNop())

	conn := &fakeConn{}
	client := NewClient(context.Background(), "c1", conn, 64, time.Second, zap.NewNop())
	require.NoError(t, mgr.Add(client))

	send := func() {
		data, err := protocol.Encode(&protocol.Authenticate{Token: "not-a-jwt"})
		require.NoError(t, err)
		router.HandleFrame(context.Background(), client, data)
	}

	send()
	conn.waitForError(t, protocol.CodeAuthInvalid)
	assert.NotNil(t, mgr.Get("c1"))

	send()
	require.Eventually(t, func() bool { return mgr.Get("c1") == nil },
		2*time.Second, 5*time.Millisecond, "client not removed after final attempt")
}

func TestCreateRoom(t *testing.T) {
	h := newHarness(t)
	client, conn := h.connect(t)
	h.authenticate(t, client, conn, "u1")

	roomID := h.createRoom(t, client, game.KindTwoPlayer, "table-1")

	room, err := h.store.Room(context.Background(), roomID)
	require.NoError(t, err)
	assert.Equal(t, "table-1", room.Name)
	assert.Equal(t, store.StatusWaiting, room.Status)
	assert.Equal(t, 2, room.Capacity)

	_, role := client.Session.Room()
	assert.Equal(t, store.RolePlayer, role)

	event := h.lastPublished(t, testTopics.GameEvents).(*protocol.RoomCreated)
	assert.Equal(t, roomID, event.RoomID)
	assert.Equal(t, "u1", event.SenderID)

	members, err := h.store.Members(context.Background(), roomID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "u1", members[0].UserID)
}

func TestCreateRoomNameCollision(t *testing.T) {
	h := newHarness(t)
	c1, conn1 := h.connect(t)
	h.authenticate(t, c1, conn1, "u1")
	h.createRoom(t, c1, game.KindTwoPlayer, "table-1")

	c2, conn2 := h.connect(t)
	h.authenticate(t, c2, conn2, "u2")
	h.send(t, c2, &protocol.CreateRoom{Kind: game.KindTwoPlayer, RoomName: "table-1"})
	conn2.waitForError(t, protocol.CodeProtocolError)
	assert.Equal(t, StateAuthenticated, c2.Session.State())
}

func TestCreateRoomUnknownKind(t *testing.T) {
	h := newHarness(t)
	client, conn := h.connect(t)
	h.authenticate(t, client, conn, "u1")

	h.send(t, client, &protocol.CreateRoom{Kind: "poker", RoomName: "table-1"})
	conn.waitForError(t, protocol.CodeProtocolError)
}

func TestJoinRoomSeats(t *testing.T) {
	h := newHarness(t)
	c1, conn1 := h.connect(t)
	h.authenticate(t, c1, conn1, "u1")
	roomID := h.createRoom(t, c1, game.KindTwoPlayer, "table-1")

	c2, conn2 := h.connect(t)
	h.authenticate(t, c2, conn2, "u2")
	h.send(t, c2, &protocol.JoinRoom{RoomID: roomID})
	require.Eventually(t, func() bool {
		id, _ := c2.Session.Room()
		return id == roomID
	}, 2*time.Second, 5*time.Millisecond)

	joined := h.lastPublished(t, testTopics.GameEvents).(*protocol.RoomJoined)
	assert.Equal(t, "u2", joined.UserID)
	assert.Equal(t, store.RolePlayer, joined.Role)

	// The seats are gone; a third player is refused and nothing reaches the
	// bus for the refusal.
	eventsBefore := len(h.broker.Published(testTopics.GameEvents))
	c3, conn3 := h.connect(t)
	h.authenticate(t, c3, conn3, "u3")
	h.send(t, c3, &protocol.JoinRoom{RoomID: roomID})
	conn3.waitForError(t, protocol.CodeRoomFull)
	assert.Len(t, h.broker.Published(testTopics.GameEvents), eventsBefore)

	// Spectators are exempt from the seat count.
	h.send(t, c3, &protocol.JoinRoom{RoomID: roomID, Role: store.RoleSpectator})
	require.Eventually(t, func() bool {
		id, _ := c3.Session.Room()
		return id == roomID
	}, 2*time.Second, 5*time.Millisecond)
	_, role := c3.Session.Room()
	assert.Equal(t, store.RoleSpectator, role)
}

func TestJoinRoomByName(t *testing.T) {
	h := newHarness(t)
	c1, conn1 := h.connect(t)
	h.authenticate(t, c1, conn1, "u1")
	roomID := h.createRoom(t, c1, game.KindTwoPlayer, "table-1")

	c2, conn2 := h.connect(t)
	h.authenticate(t, c2, conn2, "u2")
	h.send(t, c2, &protocol.JoinRoom{RoomName: "table-1"})
	require.Eventually(t, func() bool {
		id, _ := c2.Session.Room()
		return id == roomID
	}, 2*time.Second, 5*time.Millisecond)
}

func TestJoinUnknownRoom(t *testing.T) {
	h := newHarness(t)
	client, conn := h.connect(t)
	h.authenticate(t, client, conn, "u1")

	h.send(t, client, &protocol.JoinRoom{RoomName: "nope"})
	conn.waitForError(t, protocol.CodeRoomNotFound)
}

// startGame flips a room to in_progress with the turn on the given user,
// standing in for the downstream consumer.
func startGame(t *testing.T, st store.Store, roomID, turnUserID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CompareAndSwapGameState(ctx, roomID, 0, &store.GameState{
		Version:    1,
		TurnUserID: turnUserID,
		Round:      1,
		Scores:     map[string]int{},
	}))
	require.NoError(t, st.SetRoomStatus(ctx, roomID, store.StatusInProgress))
}

func TestPlayTurnGuard(t *testing.T) {
	h := newHarness(t)
	c1, conn1 := h.connect(t)
	h.authenticate(t, c1, conn1, "u1")
	roomID := h.createRoom(t, c1, game.KindTwoPlayer, "table-1")

	c2, conn2 := h.connect(t)
	h.authenticate(t, c2, conn2, "u2")
	h.send(t, c2, &protocol.JoinRoom{RoomID: roomID})

	startGame(t, h.store, roomID, "u1")

	// Out of turn: rejected locally, nothing published.
	h.send(t, c2, &protocol.Play{Move: []byte(`{"value":4}`)})
	conn2.waitForError(t, protocol.CodeNotYourTurn)
	assert.Empty(t, h.broker.Published(testTopics.GameCommands))

	// In turn: forwarded with correlation fields filled in.
	h.send(t, c1, &protocol.Play{Move: []byte(`{"value":7}`)})
	published := h.broker.Published(testTopics.GameCommands)
	require.Len(t, published, 1)
	assert.Equal(t, roomID, string(published[0].Key))

	frame, err := protocol.Decode(published[0].Value)
	require.NoError(t, err)
	play := frame.(*protocol.Play)
	assert.Equal(t, roomID, play.RoomID)
	assert.Equal(t, "u1", play.SenderID)
}

func TestPlayBeforeStart(t *testing.T) {
	h := newHarness(t)
	client, conn := h.connect(t)
	h.authenticate(t, client, conn, "u1")
	h.createRoom(t, client, game.KindTwoPlayer, "table-1")

	h.send(t, client, &protocol.Play{Move: []byte(`{"value":1}`)})
	conn.waitForError(t, protocol.CodeGameNotStarted)
	assert.Empty(t, h.broker.Published(testTopics.GameCommands))
}

func TestSpectatorCannotPlay(t *testing.T) {
	h := newHarness(t)
	c1, conn1 := h.connect(t)
	h.authenticate(t, c1, conn1, "u1")
	roomID := h.createRoom(t, c1, game.KindTwoPlayer, "table-1")
	startGame(t, h.store, roomID, "u1")

	c2, conn2 := h.connect(t)
	h.authenticate(t, c2, conn2, "u2")
	h.send(t, c2, &protocol.JoinRoom{RoomID: roomID, Role: store.RoleSpectator})

	h.send(t, c2, &protocol.Play{Move: []byte(`{"value":2}`)})
	conn2.waitForError(t, protocol.CodeNotYourTurn)
	assert.Empty(t, h.broker.Published(testTopics.GameCommands))
}

func TestReadyGuards(t *testing.T) {
	h := newHarness(t)
	c1, conn1 := h.connect(t)
	h.authenticate(t, c1, conn1, "u1")
	roomID := h.createRoom(t, c1, game.KindTwoPlayer, "table-1")

	h.send(t, c1, &protocol.Ready{})
	published := h.broker.Published(testTopics.GameCommands)
	require.Len(t, published, 1)
	frame, err := protocol.Decode(published[0].Value)
	require.NoError(t, err)
	ready := frame.(*protocol.Ready)
	assert.Equal(t, roomID, ready.RoomID)
	assert.Equal(t, "u1", ready.SenderID)

	// Once the game is running a further ready is refused.
	startGame(t, h.store, roomID, "u1")
	h.send(t, c1, &protocol.Ready{})
	conn1.waitForError(t, protocol.CodeGameNotStarted)
	assert.Len(t, h.broker.Published(testTopics.GameCommands), 1)
}

func TestChatMessage(t *testing.T) {
	h := newHarness(t)
	client, conn := h.connect(t)
	h.authenticate(t, client, conn, "u1")

	h.send(t, client, &protocol.ChatMessage{Text: "hello"})
	conn.waitForError(t, protocol.CodeNotInRoom)

	roomID := h.createRoom(t, client, game.KindChat, "lounge")
	h.send(t, client, &protocol.ChatMessage{Text: "hello"})

	published := h.broker.Published(testTopics.ChatCommands)
	require.Len(t, published, 1)
	frame, err := protocol.Decode(published[0].Value)
	require.NoError(t, err)
	msg := frame.(*protocol.ChatMessage)
	assert.Equal(t, roomID, msg.RoomID)
	assert.Equal(t, "u1", msg.SenderID)
	assert.Equal(t, "hello", msg.Text)
}

func TestLeaveRoomAbandonsWhenLastPlayerGoes(t *testing.T) {
	h := newHarness(t)
	client, conn := h.connect(t)
	h.authenticate(t, client, conn, "u1")
	roomID := h.createRoom(t, client, game.KindTwoPlayer, "table-1")

	h.send(t, client, &protocol.LeaveRoom{})
	assert.Equal(t, StateAuthenticated, client.Session.State())

	room, err := h.store.Room(context.Background(), roomID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusAbandoned, room.Status)

	ended := h.lastPublished(t, testTopics.GameEvents).(*protocol.GameEnded)
	assert.Equal(t, roomID, ended.RoomID)
	assert.Equal(t, "abandoned", ended.Reason)
	assert.Empty(t, ended.WinnerID)
}

func TestDisconnectMintsTokenAndRejoinRestores(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	c1, conn1 := h.connect(t)
	h.authenticate(t, c1, conn1, "u1")
	roomID := h.createRoom(t, c1, game.KindTwoPlayer, "table-1")

	c2, conn2 := h.connect(t)
	h.authenticate(t, c2, conn2, "u2")
	h.send(t, c2, &protocol.JoinRoom{RoomID: roomID})

	startGame(t, h.store, roomID, "u1")

	// Drop u1's connection. The member stays, flagged disconnected, with a
	// token minted for the pair.
	h.manager.Remove(ctx, c1.ID, closeNormal, "network drop")

	members, err := h.store.Members(ctx, roomID)
	require.NoError(t, err)
	var u1Member *store.Member
	for i := range members {
		if members[i].UserID == "u1" {
			u1Member = &members[i]
		}
	}
	require.NotNil(t, u1Member)
	assert.Empty(t, u1Member.ConnID)

	live, err := h.store.HasReconnectToken(ctx, "u1", roomID)
	require.NoError(t, err)
	assert.True(t, live)

	disconnected := h.lastPublished(t, testTopics.GameEvents).(*protocol.PlayerDisconnected)
	assert.Equal(t, "u1", disconnected.UserID)

	// u1 comes back on a fresh connection, learns the token from the auth
	// reply, and redeems it.
	c3, conn3 := h.connect(t)
	reply := h.authenticate(t, c3, conn3, "u1")
	require.Len(t, reply.PendingReconnects, 1)
	assert.Equal(t, roomID, reply.PendingReconnects[0].RoomID)
	token := reply.PendingReconnects[0].Token

	h.send(t, c3, &protocol.RejoinRoom{Token: token})

	sync := conn3.waitFor(t, protocol.TypeStateSync, 0).(*protocol.StateSync)
	assert.Equal(t, roomID, sync.RoomID)
	assert.Equal(t, store.StatusInProgress, sync.Status)
	assert.Equal(t, "u1", sync.TurnUserID)

	id, role := c3.Session.Room()
	assert.Equal(t, roomID, id)
	assert.Equal(t, store.RolePlayer, role)

	reconnected := h.lastPublished(t, testTopics.GameEvents).(*protocol.PlayerReconnected)
	assert.Equal(t, "u1", reconnected.UserID)

	// The token is single-use.
	c4, conn4 := h.connect(t)
	h.authenticate(t, c4, conn4, "u1")
	h.send(t, c4, &protocol.RejoinRoom{Token: token})
	conn4.waitForError(t, protocol.CodeReconnectExpired)
}

func TestRejoinWithForeignTokenBurns(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	c1, conn1 := h.connect(t)
	h.authenticate(t, c1, conn1, "u1")
	roomID := h.createRoom(t, c1, game.KindTwoPlayer, "table-1")
	h.manager.Remove(ctx, c1.ID, closeNormal, "network drop")

	pending, err := h.store.PendingReconnects(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// A different user presenting the token gets a refusal and the token is
	// consumed, not left redeemable.
	c2, conn2 := h.connect(t)
	h.authenticate(t, c2, conn2, "u2")
	h.send(t, c2, &protocol.RejoinRoom{Token: pending[0].Token})
	conn2.waitForError(t, protocol.CodeReconnectExpired)

	live, err := h.store.HasReconnectToken(ctx, "u1", roomID)
	require.NoError(t, err)
	assert.False(t, live)
}

func TestEventFramesNotAcceptedFromClients(t *testing.T) {
	h := newHarness(t)
	client, conn := h.connect(t)
	h.authenticate(t, client, conn, "u1")

	h.send(t, client, &protocol.RoomCreated{RoomID: "r1", RoomName: "x", Kind: game.KindTwoPlayer})
	conn.waitForError(t, protocol.CodeProtocolError)
}

func TestMalformedFrame(t *testing.T) {
	h := newHarness(t)
	client, conn := h.connect(t)

	h.router.HandleFrame(context.Background(), client, []byte(`{"type":"no.such.frame"}`))
	conn.waitForError(t, protocol.CodeProtocolError)

	h.router.HandleFrame(context.Background(), client, []byte(`not json`))
	conn.waitForError(t, protocol.CodeProtocolError)
}

// failingBroker rejects every publish once tripped so the gateway's
// unavailable-backend path can be exercised.
type failingBroker struct {
	*broker.MemoryBroker
	failing atomic.Bool
}

func (b *failingBroker) Publish(ctx context.Context, topic, key string, value []byte) error {
	if b.failing.Load() {
		return errors.New("broker down")
	}
	return b.MemoryBroker.Publish(ctx, topic, key, value)
}

func TestPublishFailureLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	fb := &failingBroker{MemoryBroker: broker.NewMemoryBroker()}
	mgr := NewManager(st, 0, time.Minute, zap.NewNop())
	router := NewRouter(mgr, st, fb, game.NewCoordinator(), nil, testTopics, 3, zap.NewNop())
	h := &harness{store: st, broker: fb.MemoryBroker, manager: mgr, router: router}

	c1, conn1 := h.connect(t)
	h.authenticate(t, c1, conn1, "u1")
	roomID := h.createRoom(t, c1, game.KindTwoPlayer, "table-1")

	fb.failing.Store(true)

	h.send(t, c1, &protocol.Ready{})
	conn1.waitForError(t, protocol.CodeBackendUnavailable)

	h.send(t, c1, &protocol.ChatMessage{Text: "anyone there"})
	conn1.waitForError(t, protocol.CodeBackendUnavailable)

	// The failed forward changed nothing: the sender is still seated and the
	// room is exactly as it was before the commands.
	id, role := c1.Session.Room()
	assert.Equal(t, roomID, id)
	assert.Equal(t, store.RolePlayer, role)
	assert.Equal(t, StateInRoom, c1.Session.State())

	room, err := h.store.Room(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusWaiting, room.Status)

	members, err := h.store.Members(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "u1", members[0].UserID)

	assert.Empty(t, h.broker.Published(testTopics.GameCommands))
	assert.Empty(t, h.broker.Published(testTopics.ChatCommands))

	// Recovery needs no reconnect: the next command goes straight through.
	fb.failing.Store(false)
	h.send(t, c1, &protocol.ChatMessage{Text: "back again"})
	require.Eventually(t, func() bool {
		return len(h.broker.Published(testTopics.ChatCommands)) == 1
	}, 2*time.Second, 5*time.Millisecond)
}
