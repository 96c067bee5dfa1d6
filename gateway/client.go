package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tablehall/gateway/metrics"
	"github.com/tablehall/gateway/protocol"
)

// wsConn is the slice of *websocket.Conn the gateway touches, narrowed so
// tests can substitute a fake.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is one live WebSocket connection: the socket, its session state
// machine, and a bounded outbound mailbox drained by a single writer
// goroutine. All sends go through the mailbox so the socket never sees
// concurrent writers.
type Client struct {
	ID      string
	Session *Session

	conn         wsConn
	mailbox      chan protocol.Frame
	writeTimeout time.Duration
	log          *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// NewClient wraps a connection and starts its writer goroutine.
func NewClient(parent context.Context, id string, conn wsConn, mailboxSize int, writeTimeout time.Duration, log *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(parent)
	c := &Client{
		ID:           id,
		Session:      NewSession(),
		conn:         conn,
		mailbox:      make(chan protocol.Frame, mailboxSize),
		writeTimeout: writeTimeout,
		log:          log.With(zap.String("conn_id", id)),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Enqueue places a frame in the outbound mailbox. When the mailbox is full
// the frame is dropped and counted; a slow consumer must not stall the
// gateway or other clients.
func (c *Client) Enqueue(frame protocol.Frame) {
	select {
	case <-c.ctx.Done():
	case c.mailbox <- frame:
	default:
		metrics.MailboxDropped.Inc()
		c.log.Warn("mailbox full, dropping frame", zap.String("frame_type", frame.FrameType()))
	}
}

func (c *Client) writeLoop() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.mailbox:
			data, err := protocol.Encode(frame)
			if err != nil {
				c.log.Error("failed to encode frame", zap.String("frame_type", frame.FrameType()), zap.Error(err))
				continue
			}
			if c.writeTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("write failed, closing connection", zap.Error(err))
				c.cancel()
				return
			}
			metrics.FramesSent.Inc()
		}
	}
}

// Close tears the connection down exactly once: stops the writer, sends a
// close control frame best-effort, and closes the socket.
func (c *Client) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.Session.MarkClosed()
		c.cancel()
		<-c.done

		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.conn.Close()
	})
}

// Done is closed when the writer goroutine has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Context is cancelled when the client is closing.
func (c *Client) Context() context.Context {
	return c.ctx
}
