package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tablehall/gateway/protocol"
)

// WebSocket close codes used on the teardown paths.
const (
	closeNormal          = websocket.CloseNormalClosure
	closePolicyViolation = websocket.ClosePolicyViolation
	closeGoingAway       = websocket.CloseGoingAway
)

// HandlerConfig carries the per-connection tunables for the WS endpoint.
type HandlerConfig struct {
	MessageSizeLimit int64
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MailboxSize      int
}

// Handler upgrades HTTP requests to WebSocket connections and runs each
// connection's read loop.
type Handler struct {
	manager  *Manager
	router   *Router
	upgrader websocket.Upgrader
	cfg      HandlerConfig
	log      *zap.Logger
}

// NewHandler creates the WS endpoint handler.
func NewHandler(manager *Manager, router *Router, cfg HandlerConfig, log *zap.Logger) *Handler {
	return &Handler{
		manager: manager,
		router:  router,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			// Origin screening is the edge proxy's job; the gateway sits
			// behind it and trusts forwarded upgrades.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		cfg: cfg,
		log: log,
	}
}

// ServeHTTP handles one WebSocket upgrade and serves the connection until it
// drops.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	connID := uuid.New().String()
	client := NewClient(r.Context(), connID, conn, h.cfg.MailboxSize, h.cfg.WriteTimeout, h.log)

	if err := h.manager.Add(client); err != nil {
		h.log.Warn("rejecting connection, instance full", zap.String("conn_id", connID))
		client.Enqueue(protocol.NewError(protocol.CodeInternalError, "server at capacity"))
		client.Close(websocket.CloseTryAgainLater, "server at capacity")
		return
	}

	conn.SetReadLimit(h.cfg.MessageSizeLimit)
	h.log.Info("connection accepted",
		zap.String("conn_id", connID), zap.String("remote", r.RemoteAddr))

	client.Enqueue(&protocol.Welcome{
		ConnectionID: connID,
		Timestamp:    time.Now().UTC().UnixMilli(),
	})

	h.readLoop(client, conn)
}

func (h *Handler) readLoop(client *Client, conn wsConn) {
	ctx := client.Context()
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			reason := "read error"
			if websocket.IsCloseError(err, closeNormal, closeGoingAway) {
				reason = "client closed"
			}
			// The client context dies with the connection; the close path's
			// store writes must still run.
			h.manager.Remove(context.Background(), client.ID, closeNormal, reason)
			return
		}
		if messageType != websocket.TextMessage {
			client.Enqueue(protocol.NewError(protocol.CodeProtocolError, "frames must be text"))
			continue
		}
		h.router.HandleFrame(ctx, client, data)
	}
}
