package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ms2sato/agent-console-sub007/internal/common/logger"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Single-host tool; the browser UI is served from the same origin.
		return true
	},
}

// Handler handles WebSocket connections.
type Handler struct {
	hub      *Hub
	streamer *Streamer
	logger   *logger.Logger
}

// NewHandler creates a new WebSocket handler.
func NewHandler(hub *Hub, streamer *Streamer, log *logger.Logger) *Handler {
	return &Handler{
		hub:      hub,
		streamer: streamer,
		logger:   log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades HTTP to WebSocket and runs the client pumps.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Debug("websocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	client := NewClient(clientID, conn, h.hub, h.streamer, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}
