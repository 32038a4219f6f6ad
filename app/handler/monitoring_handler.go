package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"calcgrid/internal/scheduler"
	"calcgrid/internal/service"

	"github.com/gin-gonic/gin"
)

// MonitoringHandler handles monitoring API requests
type MonitoringHandler struct {
	monitoringService *service.MonitoringService
}

// NewMonitoringHandler creates a new monitoring handler
func NewMonitoringHandler(monitoringService *service.MonitoringService) *MonitoringHandler {
	return &MonitoringHandler{monitoringService: monitoringService}
}

// Active returns running and waiting runs with per-worker queue status
// GET /api/v1/monitoring/active
func (h *MonitoringHandler) Active(c *gin.Context) {
	snap, err := h.monitoringService.Active(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"timestamp": time.Now(),
		"active":    snap.Active,
		"waiting":   snap.Waiting,
		"queues":    snap.Queues,
	})
}

// RunBatches returns the batches of one run
// GET /api/v1/monitoring/runs/:run_id/batches
func (h *MonitoringHandler) RunBatches(c *gin.Context) {
	runID := c.Param("run_id")
	if runID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "run_id is required"})
		return
	}

	view, err := h.monitoringService.RunBatches(c.Request.Context(), runID)
	if err != nil {
		if errors.Is(err, scheduler.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, view)
}

// Reassignments returns recent batch reassignments
// GET /api/v1/monitoring/reassignments?since=RFC3339&limit=N
func (h *MonitoringHandler) Reassignments(c *gin.Context) {
	since := parseSince(c, time.Hour)
	limit := parseLimit(c, 100)

	recs, err := h.monitoringService.Reassignments(c.Request.Context(), since, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"since":         since,
		"reassignments": recs,
		"total":         len(recs),
	})
}

// Stats returns live and historical counters
// GET /api/v1/monitoring/stats?since=RFC3339
func (h *MonitoringHandler) Stats(c *gin.Context) {
	since := parseSince(c, 24*time.Hour)

	stats, err := h.monitoringService.Stats(c.Request.Context(), since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// RequesterHistory returns the newest runs of one requester
// GET /api/v1/monitoring/requesters/:requester_id/history?limit=N
func (h *MonitoringHandler) RequesterHistory(c *gin.Context) {
	requesterID := c.Param("requester_id")
	if requesterID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "requester_id is required"})
		return
	}
	limit := parseLimit(c, 20)

	runs, err := h.monitoringService.RequesterHistory(c.Request.Context(), requesterID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"requester_id": requesterID,
		"runs":         runs,
		"total":        len(runs),
	})
}

// parseSince reads ?since=, falling back to now minus def on absence or a bad value
func parseSince(c *gin.Context, def time.Duration) time.Time {
	if s := c.Query("since"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
	}
	return time.Now().Add(-def)
}

func parseLimit(c *gin.Context, def int) int {
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return def
}
