// Package ws owns the persistent connection lifecycle: upgrade,
// registration, the per-connection event loop, and idempotent teardown.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lalith-99/wirechat/internal/chat"
	"github.com/lalith-99/wirechat/internal/middleware"
	"github.com/lalith-99/wirechat/internal/models"
	"github.com/lalith-99/wirechat/internal/presence"
	"github.com/lalith-99/wirechat/internal/protocol"
	"github.com/lalith-99/wirechat/internal/registry"
)

type Handler struct {
	registry *registry.Registry
	presence *presence.Engine
	chat     *chat.Engine
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewHandler(reg *registry.Registry, pres *presence.Engine, eng *chat.Engine, logger *zap.Logger) *Handler {
	return &Handler{
		registry: reg,
		presence: pres,
		chat:     eng,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Token auth already gates the route; the browser Origin
			// header adds nothing for non-browser clients and the
			// frontend origin varies per deployment.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Serve handles GET /v1/ws. AuthMiddleware has already resolved the
// identity — an unauthenticated request never reaches the upgrade.
func (h *Handler) Serve(c *gin.Context) {
	id := middleware.GetIdentity(c)
	if id.Role == "" {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	s := &session{
		handler:   h,
		id:        id,
		key:       id.Key(),
		transport: NewTransport(conn),
		conn:      conn,
	}
	s.run()
}

// session is one live connection's handler state. run() executes on the
// HTTP handler goroutine and doesn't return until the connection dies.
type session struct {
	handler   *Handler
	id        models.Identity
	key       models.ConnKey
	transport *Transport
	conn      *websocket.Conn
	teardown  sync.Once
}

func (s *session) run() {
	h := s.handler
	log := h.logger.With(zap.String("key", s.key.String()))

	// Replace-on-connect: the registry hands back the stale transport
	// and closing it is on us. Closing wakes the old session's read
	// loop; its Disconnect won't match the registry entry anymore, so
	// its teardown does not fire an offline broadcast.
	if prev := h.registry.Connect(s.key, s.transport); prev != nil {
		prev.Close()
	}

	// The connection's lifetime context. The HTTP request context is
	// unreliable after a hijack, so the session owns its own.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer s.close(ctx)

	log.Info("connected")
	h.presence.HandleConnect(ctx, s.id)

	// Event loop: strictly one event at a time, in arrival order.
	// Blocking here suspends only this connection's handler.
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			// Clean close and transport error take the same path.
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("read failed", zap.Error(err))
			}
			return
		}
		s.dispatch(ctx, log, data)
	}
}

func (s *session) dispatch(ctx context.Context, log *zap.Logger, data []byte) {
	var ev protocol.Inbound
	if err := json.Unmarshal(data, &ev); err != nil {
		// Lenient-channel policy: drop the frame, keep the stream.
		log.Debug("malformed frame", zap.Error(err))
		return
	}

	var err error
	switch ev.Event {
	case protocol.EventNewMessage:
		err = s.handler.chat.HandleNewMessage(ctx, s.id, &ev)
	case protocol.EventMessagesRead:
		err = s.handler.chat.HandleMessagesRead(ctx, s.id, &ev)
	case protocol.EventDelete:
		err = s.handler.chat.HandleDelete(ctx, s.id, &ev)
	default:
		log.Debug("unknown event", zap.String("event", ev.Event))
		return
	}

	switch {
	case err == nil:
	case chat.IsDropped(err):
		log.Debug("event dropped", zap.String("event", ev.Event))
	default:
		// Store failures and the like: the operation did not happen,
		// but the connection survives it.
		log.Error("event failed", zap.String("event", ev.Event), zap.Error(err))
	}
}

// close runs the disconnect path exactly once, even when a transport
// error and a deliberate close race. The presence broadcast and
// last-seen persist fire only if this session still owned the registry
// entry — a replaced or evicted session just closes its socket.
func (s *session) close(ctx context.Context) {
	s.teardown.Do(func() {
		owned := s.handler.registry.Disconnect(s.key, s.transport)
		s.conn.Close()
		if owned {
			s.handler.presence.HandleDisconnect(ctx, s.id)
			s.handler.logger.Info("disconnected", zap.String("key", s.key.String()))
		}
	})
}
