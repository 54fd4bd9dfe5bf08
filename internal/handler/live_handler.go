package handler

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/noah-isme/lyrics-approvals-api/internal/dto"
	"github.com/noah-isme/lyrics-approvals-api/internal/models"
	"github.com/noah-isme/lyrics-approvals-api/internal/realtime"
	"github.com/noah-isme/lyrics-approvals-api/pkg/middleware/cors"
	"github.com/noah-isme/lyrics-approvals-api/pkg/response"
)

type leaseRegistry interface {
	Acquire(ctx context.Context, topic string) (*realtime.Lease, bool)
	Active(topic string) int
	Connections() int
}

type liveHub interface {
	Register() *realtime.Client
	Unregister(c *realtime.Client)
}

type windowObserver interface {
	Observe(w models.QueryWindow) func()
}

// LiveConfig tunes live connections.
type LiveConfig struct {
	Topic        string
	WriteTimeout time.Duration
	PingInterval time.Duration
	// AllowedOrigins limits browser upgrades; empty accepts any origin.
	AllowedOrigins []string
}

// LiveHandler streams refresh signals to admin screens over a websocket. Each
// connection holds a lease on the shared change subscription while it is open.
type LiveHandler struct {
	registry leaseRegistry
	hub      liveHub
	cache    windowObserver
	window   func(c *gin.Context) (models.QueryWindow, error)
	cfg      LiveConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewLiveHandler constructs the live handler. The approval handler's query parsing is
// reused so a live view observes the same window its list request reads.
func NewLiveHandler(registry leaseRegistry, hub liveHub, cache windowObserver, approvals *ApprovalHandler, cfg LiveConfig, logger *zap.Logger) *LiveHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	return &LiveHandler{
		registry: registry,
		hub:      hub,
		cache:    cache,
		window:   approvals.bindWindow,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: cors.OriginChecker(cfg.AllowedOrigins),
		},
		logger: logger,
	}
}

// Status godoc
// @Summary Live update status
// @Tags Live
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /live/status [get]
func (h *LiveHandler) Status(c *gin.Context) {
	response.OK(c, dto.LiveStatus{
		Topic:       h.cfg.Topic,
		Connections: h.registry.Connections(),
		Observers:   h.registry.Active(h.cfg.Topic),
	})
}

// Stream godoc
// @Summary Subscribe to approval refresh signals
// @Description Upgrades to a websocket. The first frame is "subscribed" or "unsubscribed"; later frames are "refresh" with the changed family.
// @Tags Live
// @Param status query string false "Comma separated statuses of the observed window"
// @Param access_token query string false "Access token for clients that cannot set headers"
// @Router /live [get]
func (h *LiveHandler) Stream(c *gin.Context) {
	window, err := h.window(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	lease, ok := h.registry.Acquire(ctx, h.cfg.Topic)
	if !ok {
		_ = h.write(conn, realtime.Message{Type: realtime.MessageUnsubscribed, At: time.Now().UTC()})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "live updates unavailable"),
			time.Now().Add(h.cfg.WriteTimeout))
		return
	}
	defer lease.Release()

	stopObserving := h.cache.Observe(window)
	defer stopObserving()

	client := h.hub.Register()
	defer h.hub.Unregister(client)

	logger := h.logger.With(zap.String("client_id", client.ID()), zap.String("topic", h.cfg.Topic))
	if session := sessionFromContext(c); session != nil {
		logger = logger.With(zap.String("actor", session.UserID))
	}
	logger.Debug("live observer connected")
	defer logger.Debug("live observer disconnected")

	if err := h.write(conn, realtime.Message{Type: realtime.MessageSubscribed, At: time.Now().UTC()}); err != nil {
		return
	}

	pongWait := h.cfg.PingInterval * 2
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	closed := h.readUntilClosed(conn)

	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case <-ticker.C:
			deadline := time.Now().Add(h.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logger.Debug("failed to write ping", zap.Error(err))
				return
			}
		case msg, ok := <-client.Messages():
			if !ok {
				return
			}
			if err := h.write(conn, msg); err != nil {
				logger.Debug("failed to write live frame", zap.Error(err))
				return
			}
		}
	}
}

// readUntilClosed drains client frames so control messages are processed. The
// returned channel closes when the peer goes away.
func (h *LiveHandler) readUntilClosed(conn *websocket.Conn) <-chan struct{} {
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	return closed
}

func (h *LiveHandler) write(conn *websocket.Conn, msg realtime.Message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
	return conn.WriteJSON(msg)
}
