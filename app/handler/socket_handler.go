package handler

import (
	"context"
	"net/http"

	"calcgrid/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// SocketHub serves upgraded websocket connections
type SocketHub interface {
	ServeWorker(ctx context.Context, ws *websocket.Conn)
	ServeRequester(ctx context.Context, ws *websocket.Conn)
}

// SocketHandler upgrades worker and requester connections
type SocketHandler struct {
	hub      SocketHub
	upgrader websocket.Upgrader
}

// NewSocketHandler creates a new socket handler
func NewSocketHandler(hub SocketHub) *SocketHandler {
	return &SocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// WorkerSocket upgrades a compute worker connection
// GET /ws/worker
func (h *SocketHandler) WorkerSocket(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.WarnCtx(c.Request.Context(), "worker websocket upgrade failed: %v", err)
		return
	}
	h.hub.ServeWorker(c.Request.Context(), ws)
}

// ClientSocket upgrades a requester connection
// GET /ws/client
func (h *SocketHandler) ClientSocket(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.WarnCtx(c.Request.Context(), "client websocket upgrade failed: %v", err)
		return
	}
	h.hub.ServeRequester(c.Request.Context(), ws)
}
