package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"duet/internal/config"
	"duet/internal/stats"
	"duet/internal/utils"
	"duet/internal/websocket"
	"duet/pkg/logger"

	"github.com/gin-gonic/gin"
)

// HealthChecker reports whether a backing store is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// StatsHistory is implemented by recorders that can read back what they stored
type StatsHistory interface {
	Recent(ctx context.Context, limit int64) ([]stats.Snapshot, error)
}

type SystemHandler struct {
	hub     *websocket.Hub
	app     config.AppConfig
	checks  map[string]HealthChecker
	history StatsHistory
}

func NewSystemHandler(hub *websocket.Hub, app config.AppConfig, checks map[string]HealthChecker, history StatsHistory) *SystemHandler {
	return &SystemHandler{hub: hub, app: app, checks: checks, history: history}
}

// Health reports liveness plus the state of any configured stores
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check.HealthCheck(ctx); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	c.JSON(status, gin.H{
		"status":       http.StatusText(status),
		"service":      h.app.Name,
		"version":      h.app.Version,
		"dependencies": deps,
	})
}

// Info describes the relay
func (h *SystemHandler) Info(c *gin.Context) {
	utils.SuccessResponse(c, gin.H{
		"name":        h.app.Name,
		"version":     h.app.Version,
		"environment": h.app.Environment,
		"codecs":      []string{"json", "msgpack"},
	})
}

// Stats returns the live snapshot and, when a recorder is configured, recent history
func (h *SystemHandler) Stats(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	snap, err := h.hub.Snapshot(ctx)
	if err != nil {
		utils.ErrorResponse(c, http.StatusServiceUnavailable, "Relay statistics unavailable")
		return
	}

	resp := gin.H{"current": snap}
	if h.history != nil {
		limit, _ := strconv.ParseInt(c.DefaultQuery("history", "60"), 10, 64)
		if limit <= 0 || limit > 1440 {
			limit = 60
		}
		recent, err := h.history.Recent(ctx, limit)
		if err != nil {
			logger.WithError(err).Warn("Failed to read statistics history")
		} else {
			resp["history"] = recent
		}
	}
	utils.SuccessResponse(c, resp)
}
