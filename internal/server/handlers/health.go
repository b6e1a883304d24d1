package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// HandleHealth is the liveness probe.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": ServiceName,
		"version": ServiceVersion,
	})
}

// HandleReady is the readiness probe: the service is ready once the database
// answers a ping.
func (h *Handlers) HandleReady(c *gin.Context) {
	if err := h.pool.HealthCheck(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unavailable",
			"database": "down",
			"error":    err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ready",
		"database": "up",
		"uptime":   time.Since(h.started).String(),
	})
}

// HandleStats reports connection pool, library and host statistics for
// operators.
func (h *Handlers) HandleStats(c *gin.Context) {
	stats := gin.H{
		"pool":   h.pool.Stats(),
		"uptime": time.Since(h.started).String(),
	}

	if counts, err := h.tracks.CountByState(c.Request.Context()); err == nil {
		stats["tracks"] = counts
	} else {
		h.log.Warn("track counts unavailable", "error", err)
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		stats["memory"] = gin.H{
			"total_mb":     vm.Total / 1024 / 1024,
			"used_percent": vm.UsedPercent,
		}
	}
	if counts, err := cpu.Counts(true); err == nil {
		stats["cpus"] = counts
	}

	c.JSON(http.StatusOK, stats)
}
