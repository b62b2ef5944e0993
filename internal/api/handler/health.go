package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// JobCounter reports how many job records are live.
type JobCounter interface {
	Len() int
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	jobs    JobCounter
	started time.Time
}

// NewHealthHandler creates a new health handler. jobs may be nil.
func NewHealthHandler(jobs JobCounter) *HealthHandler {
	return &HealthHandler{jobs: jobs, started: time.Now()}
}

// Health returns the health status of the service
func (h *HealthHandler) Health(c *gin.Context) {
	resp := gin.H{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	}
	if h.jobs != nil {
		resp["jobs"] = h.jobs.Len()
	}
	c.JSON(http.StatusOK, resp)
}
