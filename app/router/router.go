package router

import (
	"calcgrid/app/handler"
	"calcgrid/app/middleware"

	"github.com/gin-gonic/gin"
)

// Router Router
type Router struct {
	socketHandler     *handler.SocketHandler
	workerHandler     *handler.WorkerHandler
	monitoringHandler *handler.MonitoringHandler
	healthHandler     *handler.HealthHandler
}

// NewRouter creates a new Router
func NewRouter(socketHandler *handler.SocketHandler, workerHandler *handler.WorkerHandler, monitoringHandler *handler.MonitoringHandler, healthHandler *handler.HealthHandler) *Router {
	return &Router{
		socketHandler:     socketHandler,
		workerHandler:     workerHandler,
		monitoringHandler: monitoringHandler,
		healthHandler:     healthHandler,
	}
}

// Setup sets up routes
func (r *Router) Setup(engine *gin.Engine) {
	engine.Use(middleware.Recovery())
	engine.Use(middleware.Logger())

	// Websocket endpoints: compute workers and requesters
	ws := engine.Group("/ws")
	{
		ws.GET("/worker", r.socketHandler.WorkerSocket)
		ws.GET("/client", r.socketHandler.ClientSocket)
	}

	// API v1 - read-only monitoring
	api := engine.Group("/api/v1")
	api.Use(middleware.AuthMiddleware())
	{
		api.GET("/workers", r.workerHandler.GetWorkerList)

		if r.monitoringHandler != nil {
			monitoring := api.Group("/monitoring")
			{
				monitoring.GET("/active", r.monitoringHandler.Active)
				monitoring.GET("/runs/:run_id/batches", r.monitoringHandler.RunBatches)
				monitoring.GET("/reassignments", r.monitoringHandler.Reassignments)
				monitoring.GET("/stats", r.monitoringHandler.Stats)
				monitoring.GET("/requesters/:requester_id/history", r.monitoringHandler.RequesterHistory)
			}
		}
	}

	// Health check
	if r.healthHandler != nil {
		engine.GET("/health", r.healthHandler.Health)
	} else {
		engine.GET("/health", func(c *gin.Context) {
			c.JSON(200, gin.H{"status": "ok"})
		})
	}
}
