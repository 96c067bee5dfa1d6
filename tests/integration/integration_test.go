package integration

import (
	"fmt"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablehall/gateway/protocol"
)

// These tests run against a live stack: redis, a gateway on localhost:8080
// with auth disabled, and the backend consumer. Set INTEGRATION to run them.

const (
	wsHost      = "localhost:8080"
	wsPath      = "/ws"
	testTimeout = 15 * time.Second
)

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T) *wsClient {
	t.Helper()
	u := url.URL{Scheme: "ws", Host: wsHost, Path: wsPath}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err, "failed to connect to gateway")
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(frame protocol.Frame) {
	c.t.Helper()
	data, err := protocol.Encode(frame)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))
}

// expect reads frames until one of the wanted type arrives, skipping
// everything else the fan-out may interleave.
func (c *wsClient) expect(frameType string) protocol.Frame {
	c.t.Helper()
	deadline := time.Now().Add(testTimeout)
	require.NoError(c.t, c.conn.SetReadDeadline(deadline))
	for {
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "reading while waiting for %s", frameType)
		frame, err := protocol.Decode(data)
		require.NoError(c.t, err, "gateway sent an undecodable frame")
		if frame.FrameType() == frameType {
			return frame
		}
		if ef, ok := frame.(*protocol.ErrorFrame); ok {
			c.t.Fatalf("got %s (%s) while waiting for %s", ef.Code, ef.Message, frameType)
		}
	}
}

func (c *wsClient) handshake(userID string) {
	c.t.Helper()
	welcome := c.expect(protocol.TypeWelcome).(*protocol.Welcome)
	require.NotEmpty(c.t, welcome.ConnectionID)

	c.send(&protocol.Authenticate{Token: userID})
	authed := c.expect(protocol.TypeAuthenticated).(*protocol.Authenticated)
	require.Equal(c.t, userID, authed.UserID)
}

func TestE2ERoomLifecycle(t *testing.T) {
	if os.Getenv("INTEGRATION") == "" {
		t.Skip("Skipping integration test: set INTEGRATION env var to run")
	}

	suffix := time.Now().UnixNano()
	alice := dial(t)
	alice.handshake(fmt.Sprintf("alice-%d", suffix))

	bob := dial(t)
	bob.handshake(fmt.Sprintf("bob-%d", suffix))

	// Alice opens a room; the creation event comes back through the bus.
	roomName := fmt.Sprintf("table-%d", suffix)
	alice.send(&protocol.CreateRoom{Kind: "two_player", RoomName: roomName})
	created := alice.expect(protocol.TypeRoomCreated).(*protocol.RoomCreated)
	assert.Equal(t, roomName, created.RoomName)

	// Bob joins by name; both hear about it.
	bob.send(&protocol.JoinRoom{RoomName: roomName})
	for _, c := range []*wsClient{alice, bob} {
		joined := c.expect(protocol.TypeRoomJoined).(*protocol.RoomJoined)
		assert.Equal(t, created.RoomID, joined.RoomID)
	}

	// Both ready up; the backend starts the game.
	alice.send(&protocol.Ready{})
	bob.send(&protocol.Ready{})
	for _, c := range []*wsClient{alice, bob} {
		started := c.expect(protocol.TypeGameStarted).(*protocol.GameStarted)
		assert.Equal(t, created.RoomID, started.RoomID)
		assert.NotEmpty(t, started.TurnUserID)
	}

	// Chat rides the bus end to end.
	alice.send(&protocol.ChatMessage{Text: "good luck"})
	for _, c := range []*wsClient{alice, bob} {
		chat := c.expect(protocol.TypeChatEvent).(*protocol.ChatEvent)
		assert.Equal(t, "good luck", chat.Text)
	}
}

func TestE2EHeartbeat(t *testing.T) {
	if os.Getenv("INTEGRATION") == "" {
		t.Skip("Skipping integration test: set INTEGRATION env var to run")
	}

	c := dial(t)
	c.expect(protocol.TypeWelcome)

	c.send(&protocol.Heartbeat{})
	c.expect(protocol.TypeHeartbeatAck)
}

func TestE2EReconnect(t *testing.T) {
	if os.Getenv("INTEGRATION") == "" {
		t.Skip("Skipping integration test: set INTEGRATION env var to run")
	}

	suffix := time.Now().UnixNano()
	userID := fmt.Sprintf("carol-%d", suffix)

	first := dial(t)
	first.handshake(userID)
	roomName := fmt.Sprintf("table-%d", suffix)
	first.send(&protocol.CreateRoom{Kind: "two_player", RoomName: roomName})
	created := first.expect(protocol.TypeRoomCreated).(*protocol.RoomCreated)

	// Drop the socket without leaving; the membership survives behind a
	// reconnection token.
	require.NoError(t, first.conn.Close())
	time.Sleep(500 * time.Millisecond)

	second := dial(t)
	second.expect(protocol.TypeWelcome)
	second.send(&protocol.Authenticate{Token: userID})
	authed := second.expect(protocol.TypeAuthenticated).(*protocol.Authenticated)
	require.Len(t, authed.PendingReconnects, 1)
	assert.Equal(t, created.RoomID, authed.PendingReconnects[0].RoomID)

	second.send(&protocol.RejoinRoom{Token: authed.PendingReconnects[0].Token})
	sync := second.expect(protocol.TypeStateSync).(*protocol.StateSync)
	assert.Equal(t, created.RoomID, sync.RoomID)
}
