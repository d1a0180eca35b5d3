package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jitenkr2030/exostack/pkg/models"
	"github.com/jitenkr2030/exostack/pkg/version"
)

// healthHandler handles GET /status/health. Store reachability is probed
// with a short deadline so a wedged backend reports unhealthy instead of
// hanging the check.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	body := gin.H{
		"status":  "healthy",
		"version": version.Full(),
	}
	if s.monitor != nil {
		body["liveness"] = s.monitor.Health()
	}

	if _, _, err := s.reg.Stats(ctx); err != nil {
		body["status"] = "unhealthy"
		body["error"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

// statsHandler handles GET /status/stats.
func (s *Server) statsHandler(c *gin.Context) {
	nodes, tasks, err := s.reg.Stats(c.Request.Context())
	if err != nil {
		mapError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok": true,
		"stats": models.SystemStats{
			Nodes:       nodes,
			Tasks:       tasks,
			UptimeSecs:  time.Since(s.startedAt).Seconds(),
			Version:     version.Full(),
			LastUpdated: time.Now().UTC(),
		},
	})
}
