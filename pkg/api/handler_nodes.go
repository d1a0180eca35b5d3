package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jitenkr2030/exostack/pkg/models"
	"github.com/jitenkr2030/exostack/pkg/registry"
)

type registerNodeRequest struct {
	ID           string   `json:"id"`
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	Capabilities []string `json:"capabilities"`
}

// registerNodeHandler handles POST /nodes/register.
func (s *Server) registerNodeHandler(c *gin.Context) {
	var req registerNodeRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Port < 0 || req.Port > 65535 {
		mapError(c, registry.NewValidationError("port", "must be in [0, 65535]"))
		return
	}

	agent, created, err := s.reg.RegisterAgent(c.Request.Context(), registry.RegisterAgentSpec{
		ID:           req.ID,
		Host:         req.Host,
		Port:         req.Port,
		Capabilities: req.Capabilities,
	})
	if err != nil {
		mapError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"ok": true, "node": agent})
}

type heartbeatRequest struct {
	ID          string   `json:"id" binding:"required"`
	Load        *float64 `json:"load"`
	ActiveTasks *int     `json:"active_tasks"`
}

// heartbeatHandler handles POST /nodes/heartbeat. The response piggybacks
// any notifications queued for the agent since its last beat.
func (s *Server) heartbeatHandler(c *gin.Context) {
	var req heartbeatRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Load != nil && (*req.Load < 0 || *req.Load > 1) {
		mapError(c, registry.NewValidationError("load", "must be in [0, 1]"))
		return
	}

	agent, err := s.reg.RecordHeartbeat(c.Request.Context(), req.ID, req.Load, req.ActiveTasks)
	if err != nil {
		mapError(c, err)
		return
	}

	notifications, err := s.reg.DrainNotifications(c.Request.Context(), req.ID)
	if err != nil {
		mapError(c, err)
		return
	}
	if notifications == nil {
		notifications = []*models.Notification{}
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":            true,
		"node":          agent,
		"notifications": notifications,
	})
}

// listNodesHandler handles GET /nodes/status with an optional ?status=
// filter.
func (s *Server) listNodesHandler(c *gin.Context) {
	filter := models.AgentFilter{}
	if v := c.Query("status"); v != "" {
		switch st := models.AgentStatus(v); st {
		case models.AgentStatusRegistering, models.AgentStatusOnline,
			models.AgentStatusDraining, models.AgentStatusOffline:
			filter.Status = st
		default:
			mapError(c, registry.NewValidationError("status", "unknown agent status "+v))
			return
		}
	}

	agents, err := s.reg.ListAgents(c.Request.Context(), filter)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "nodes": agents, "count": len(agents)})
}

// removeNodeHandler handles DELETE /nodes/:id. Administrative: the only way
// an agent record is destroyed.
func (s *Server) removeNodeHandler(c *gin.Context) {
	if err := s.reg.RemoveAgent(c.Request.Context(), c.Param("id")); err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
