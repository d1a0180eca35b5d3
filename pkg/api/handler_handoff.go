package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jitenkr2030/exostack/pkg/registry"
)

type evaluateHandoffRequest struct {
	AgentID string `json:"agent_id"`
	TaskID  string `json:"task_id" binding:"required"`
}

// evaluateHandoffHandler handles POST /handoff/evaluate. Read-only: scores
// candidates without moving anything.
func (s *Server) evaluateHandoffHandler(c *gin.Context) {
	var req evaluateHandoffRequest
	if !bindJSON(c, &req) {
		return
	}

	rec, err := s.handoffs.Evaluate(c.Request.Context(), req.TaskID)
	if err != nil {
		mapError(c, err)
		return
	}
	if req.AgentID != "" && req.AgentID != rec.FromAgent {
		mapError(c, registry.ErrPermissionDenied)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "evaluation": rec})
}

type executeHandoffRequest struct {
	TaskID    string `json:"task_id" binding:"required"`
	FromAgent string `json:"from_agent"`
	ToAgent   string `json:"to_agent" binding:"required"`
}

// executeHandoffHandler handles POST /handoff/execute.
func (s *Server) executeHandoffHandler(c *gin.Context) {
	var req executeHandoffRequest
	if !bindJSON(c, &req) {
		return
	}

	record, err := s.handoffs.Execute(c.Request.Context(), req.TaskID, req.FromAgent, req.ToAgent)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "handoff": record})
}

// handoffStatsHandler handles GET /handoff/stats.
func (s *Server) handoffStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "stats": s.handoffs.Stats()})
}
