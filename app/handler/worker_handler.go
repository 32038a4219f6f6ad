package handler

import (
	"net/http"

	"calcgrid/internal/service"

	"github.com/gin-gonic/gin"
)

// WorkerHandler handles worker-related queries
type WorkerHandler struct {
	monitoringService *service.MonitoringService
}

// NewWorkerHandler creates a new worker handler
func NewWorkerHandler(monitoringService *service.MonitoringService) *WorkerHandler {
	return &WorkerHandler{monitoringService: monitoringService}
}

// GetWorkerList returns the connected workers with their reported specs
// GET /api/v1/workers
func (h *WorkerHandler) GetWorkerList(c *gin.Context) {
	workers, err := h.monitoringService.Workers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"workers": workers,
		"total":   len(workers),
	})
}
