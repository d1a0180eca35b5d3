package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jitenkr2030/exostack/pkg/models"
	"github.com/jitenkr2030/exostack/pkg/registry"
	"github.com/jitenkr2030/exostack/pkg/scheduler"
)

type createTaskRequest struct {
	Model    string          `json:"model" binding:"required"`
	Input    json.RawMessage `json:"input_data"`
	Priority *int            `json:"priority"`
}

func (r createTaskRequest) spec() scheduler.SubmitSpec {
	return scheduler.SubmitSpec{Model: r.Model, Input: r.Input, Priority: r.Priority}
}

// createTaskHandler handles POST /tasks/create.
func (s *Server) createTaskHandler(c *gin.Context) {
	var req createTaskRequest
	if !bindJSON(c, &req) {
		return
	}

	task, err := s.sched.SubmitTask(c.Request.Context(), req.spec())
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "task": task})
}

// batchCreateHandler handles POST /tasks/batch. All-or-nothing validation:
// the first invalid entry fails the whole batch before anything is enqueued.
func (s *Server) batchCreateHandler(c *gin.Context) {
	var reqs []createTaskRequest
	if !bindJSON(c, &reqs) {
		return
	}
	if len(reqs) == 0 {
		mapError(c, registry.NewValidationError("body", "batch must not be empty"))
		return
	}

	specs := make([]scheduler.SubmitSpec, 0, len(reqs))
	for i, req := range reqs {
		if req.Model == "" {
			mapError(c, registry.NewValidationError("model", "required on batch entry "+strconv.Itoa(i)))
			return
		}
		specs = append(specs, req.spec())
	}

	tasks, err := s.sched.SubmitBatch(c.Request.Context(), specs)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "tasks": tasks, "count": len(tasks)})
}

// listTasksHandler handles GET /tasks/status with optional ?status=,
// ?agent_id= and ?limit= filters.
func (s *Server) listTasksHandler(c *gin.Context) {
	filter := models.TaskFilter{AgentID: c.Query("agent_id")}

	if v := c.Query("status"); v != "" {
		st, ok := parseTaskStatus(v)
		if !ok {
			mapError(c, registry.NewValidationError("status", "unknown task status "+v))
			return
		}
		filter.Status = st
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			mapError(c, registry.NewValidationError("limit", "must be a positive integer"))
			return
		}
		filter.Limit = n
	}

	tasks, err := s.sched.ListTasks(c.Request.Context(), filter)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "tasks": tasks, "count": len(tasks)})
}

// queueHandler serves GET /tasks/queue/pending and /tasks/queue/running.
func (s *Server) queueHandler(status models.TaskStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		tasks, err := s.sched.ListTasks(c.Request.Context(), models.TaskFilter{Status: status})
		if err != nil {
			mapError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "tasks": tasks, "count": len(tasks)})
	}
}

// getTaskHandler handles GET /tasks/:id.
func (s *Server) getTaskHandler(c *gin.Context) {
	task, err := s.sched.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "task": task})
}

type updateTaskStatusRequest struct {
	Status string             `json:"status" binding:"required"`
	Result *models.TaskResult `json:"result"`
}

// updateTaskStatusHandler handles PUT /tasks/:id/status: agent-side
// promotion to running or a terminal report.
func (s *Server) updateTaskStatusHandler(c *gin.Context) {
	var req updateTaskStatusRequest
	if !bindJSON(c, &req) {
		return
	}
	status, ok := parseTaskStatus(req.Status)
	if !ok {
		mapError(c, registry.NewValidationError("status", "unknown task status "+req.Status))
		return
	}

	task, err := s.sched.UpdateStatus(c.Request.Context(), c.Param("id"), status, req.Result)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "task": task})
}

// cancelTaskHandler handles DELETE /tasks/:id.
func (s *Server) cancelTaskHandler(c *gin.Context) {
	task, err := s.sched.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "task": task})
}

// nextTaskHandler handles GET /tasks/agent/:agent_id/next. An empty queue
// is a normal outcome: 200 with a null task.
func (s *Server) nextTaskHandler(c *gin.Context) {
	task, err := s.sched.ClaimNext(c.Request.Context(), c.Param("agent_id"))
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "task": task})
}

// completeTaskHandler handles POST /tasks/agent/:agent_id/complete/:task_id.
func (s *Server) completeTaskHandler(c *gin.Context) {
	var result models.TaskResult
	if !bindJSON(c, &result) {
		return
	}

	task, err := s.sched.ReportCompletion(c.Request.Context(), c.Param("agent_id"), c.Param("task_id"), &result)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "task": task})
}

type failTaskRequest struct {
	ErrorKind string `json:"error_kind" binding:"required"`
	Message   string `json:"message"`
}

// failTaskHandler handles POST /tasks/agent/:agent_id/fail/:task_id.
func (s *Server) failTaskHandler(c *gin.Context) {
	var req failTaskRequest
	if !bindJSON(c, &req) {
		return
	}

	task, err := s.sched.ReportFailure(c.Request.Context(), c.Param("agent_id"), c.Param("task_id"), req.ErrorKind, req.Message)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "task": task})
}

func parseTaskStatus(v string) (models.TaskStatus, bool) {
	switch st := models.TaskStatus(v); st {
	case models.TaskStatusPending, models.TaskStatusAssigned, models.TaskStatusRunning,
		models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusCancelled:
		return st, true
	}
	return "", false
}
