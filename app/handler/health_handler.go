package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger checks connectivity to a backing store
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnCounter reports open websocket connections
type ConnCounter interface {
	Counts() (workers, requesters int)
}

// HealthHandler reports dependency health
type HealthHandler struct {
	db    Pinger
	redis Pinger
	hub   ConnCounter
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(db, redis Pinger, hub ConnCounter) *HealthHandler {
	return &HealthHandler{db: db, redis: redis, hub: hub}
}

// Health pings MySQL and Redis. Any failure answers 503.
// GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			checks["mysql"] = err.Error()
			healthy = false
		} else {
			checks["mysql"] = "ok"
		}
	}
	if h.redis != nil {
		if err := h.redis.Ping(ctx); err != nil {
			checks["redis"] = err.Error()
			healthy = false
		} else {
			checks["redis"] = "ok"
		}
	}

	resp := gin.H{"status": "ok", "checks": checks}
	if h.hub != nil {
		workers, requesters := h.hub.Counts()
		resp["connections"] = gin.H{"workers": workers, "requesters": requesters}
	}
	if !healthy {
		resp["status"] = "degraded"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}
