package gateway

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tablehall/gateway/broker"
	"github.com/tablehall/gateway/game"
	"github.com/tablehall/gateway/protocol"
	"github.com/tablehall/gateway/store"
)

// fakeConn satisfies wsConn and records every frame written to it.
type fakeConn struct {
	mu     sync.Mutex
	frames []protocol.Frame
	closed bool
}

func (c *fakeConn) ReadMessage() (int, []byte, error) { return 0, nil, io.EOF }

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	frame, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, frame)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *fakeConn) SetReadLimit(int64)                        {}
func (c *fakeConn) SetWriteDeadline(time.Time) error          { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) snapshot() []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

// waitFor blocks until a frame of the given type has been written, skipping
// the first n matches so repeated frames of one type can be awaited in order.
func (c *fakeConn) waitFor(t *testing.T, frameType string, skip int) protocol.Frame {
	t.Helper()
	var found protocol.Frame
	require.Eventually(t, func() bool {
		seen := 0
		for _, frame := range c.snapshot() {
			if frame.FrameType() == frameType {
				if seen == skip {
					found = frame
					return true
				}
				seen++
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "no %s frame written", frameType)
	return found
}

func (c *fakeConn) waitForError(t *testing.T, code string) *protocol.ErrorFrame {
	t.Helper()
	var found *protocol.ErrorFrame
	require.Eventually(t, func() bool {
		for _, frame := range c.snapshot() {
			if ef, ok := frame.(*protocol.ErrorFrame); ok && ef.Code == code {
				found = ef
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "no %s error written", code)
	return found
}

var testTopics = Topics{
	GameCommands: "game.commands",
	GameEvents:   "game.events",
	ChatCommands: "chat.commands",
	ChatEvents:   "chat.events",
}

type harness struct {
	store   *store.MemoryStore
	broker  *broker.MemoryBroker
	manager *Manager
	router  *Router
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	mb := broker.NewMemoryBroker()
	mgr := NewManager(st, 0, time.Minute, zap.NewNop())
	router := NewRouter(mgr, st, mb, game.NewCoordinator(), nil, testTopics, 3, zap.NewNop())
	return &harness{store: st, broker: mb, manager: mgr, router: router}
}

func (h *harness) connect(t *testing.T) (*Client, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	client := NewClient(context.Background(), uuid.New().String(), conn, 64, time.Second, zap.NewNop())
	require.NoError(t, h.manager.Add(client))
	t.Cleanup(func() { client.Close(closeNormal, "test done") })
	return client, conn
}

func (h *harness) send(t *testing.T, client *Client, frame protocol.Frame) {
	t.Helper()
	data, err := protocol.Encode(frame)
	require.NoError(t, err)
	h.router.HandleFrame(context.Background(), client, data)
}

// authenticate completes the auth handshake. The harness runs without a
// verifier, so the token doubles as the user id.
func (h *harness) authenticate(t *testing.T, client *Client, conn *fakeConn, userID string) *protocol.Authenticated {
	t.Helper()
	h.send(t, client, &protocol.Authenticate{Token: userID})
	frame := conn.waitFor(t, protocol.TypeAuthenticated, 0)
	return frame.(*protocol.Authenticated)
}

// createRoom authenticates nothing; the caller must already be
// authenticated. It returns the created room id from the published event.
func (h *harness) createRoom(t *testing.T, client *Client, kind, name string) string {
	t.Helper()
	h.send(t, client, &protocol.CreateRoom{Kind: kind, RoomName: name})
	require.Eventually(t, func() bool {
		roomID, _ := client.Session.Room()
		return roomID != ""
	}, 2*time.Second, 5*time.Millisecond, "creator never entered the room")
	roomID, _ := client.Session.Room()
	return roomID
}

// lastPublished decodes the most recent record on a topic.
func (h *harness) lastPublished(t *testing.T, topic string) protocol.Frame {
	t.Helper()
	published := h.broker.Published(topic)
	require.NotEmpty(t, published, "nothing published to %s", topic)
	frame, err := protocol.Decode(published[len(published)-1].Value)
	require.NoError(t, err)
	return frame
}
