package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jitenkr2030/exostack/pkg/config"
	"github.com/jitenkr2030/exostack/pkg/handoff"
	"github.com/jitenkr2030/exostack/pkg/registry"
	"github.com/jitenkr2030/exostack/pkg/scheduler"
)

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	cfg := config.Default()
	reg := registry.NewMemory(registry.Options{})
	notifier := handoff.NewHTTPNotifier(reg, cfg.Handoff.PushTimeout)
	sched := scheduler.New(reg, cfg.Scheduler, notifier)
	handoffs := handoff.NewManager(reg, notifier, nil, cfg.Handoff)
	return NewServer(cfg, reg, sched, handoffs, nil, nil).Handler()
}

// do issues a request against the handler and decodes the JSON body.
func do(t *testing.T, h http.Handler, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	out := map[string]any{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func registerAgent(t *testing.T, h http.Handler, id string, caps ...string) {
	t.Helper()
	code, body := do(t, h, http.MethodPost, "/nodes/register", map[string]any{
		"id": id, "capabilities": caps,
	})
	require.Equal(t, http.StatusCreated, code, "body: %v", body)
}

func createTask(t *testing.T, h http.Handler, model string, priority int) string {
	t.Helper()
	code, body := do(t, h, http.MethodPost, "/tasks/create", map[string]any{
		"model":      model,
		"input_data": map[string]any{"prompt": "hi"},
		"priority":   priority,
	})
	require.Equal(t, http.StatusCreated, code, "body: %v", body)
	task := body["task"].(map[string]any)
	return task["id"].(string)
}

func claimNext(t *testing.T, h http.Handler, agentID string) map[string]any {
	t.Helper()
	code, body := do(t, h, http.MethodGet, "/tasks/agent/"+agentID+"/next", nil)
	require.Equal(t, http.StatusOK, code, "body: %v", body)
	task, _ := body["task"].(map[string]any)
	return task
}

func TestRegisterNode(t *testing.T) {
	t.Run("creates then re-registers", func(t *testing.T) {
		h := newTestHandler(t)
		code, body := do(t, h, http.MethodPost, "/nodes/register", map[string]any{"id": "a1"})
		require.Equal(t, http.StatusCreated, code)
		node := body["node"].(map[string]any)
		assert.Equal(t, "a1", node["id"])
		assert.Equal(t, "online", node["status"])

		code, _ = do(t, h, http.MethodPost, "/nodes/register", map[string]any{"id": "a1"})
		assert.Equal(t, http.StatusOK, code)
	})

	t.Run("generates an id when omitted", func(t *testing.T) {
		h := newTestHandler(t)
		code, body := do(t, h, http.MethodPost, "/nodes/register", map[string]any{})
		require.Equal(t, http.StatusCreated, code)
		node := body["node"].(map[string]any)
		assert.NotEmpty(t, node["id"])
	})

	t.Run("rejects an out-of-range port", func(t *testing.T) {
		h := newTestHandler(t)
		code, body := do(t, h, http.MethodPost, "/nodes/register", map[string]any{"id": "a1", "port": 70000})
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, false, body["ok"])
	})
}

func TestHeartbeat(t *testing.T) {
	t.Run("returns empty notifications", func(t *testing.T) {
		h := newTestHandler(t)
		registerAgent(t, h, "a1")
		code, body := do(t, h, http.MethodPost, "/nodes/heartbeat", map[string]any{"id": "a1", "load": 0.3})
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, true, body["ok"])
		assert.Empty(t, body["notifications"])
	})

	t.Run("unknown agent", func(t *testing.T) {
		h := newTestHandler(t)
		code, body := do(t, h, http.MethodPost, "/nodes/heartbeat", map[string]any{"id": "ghost"})
		assert.Equal(t, http.StatusNotFound, code)
		errObj := body["error"].(map[string]any)
		assert.Equal(t, "not_found", errObj["kind"])
	})

	t.Run("rejects load outside [0,1]", func(t *testing.T) {
		h := newTestHandler(t)
		registerAgent(t, h, "a1")
		code, _ := do(t, h, http.MethodPost, "/nodes/heartbeat", map[string]any{"id": "a1", "load": 1.5})
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("drains queued handoff notifications", func(t *testing.T) {
		h := newTestHandler(t)
		registerAgent(t, h, "a1")
		registerAgent(t, h, "a2")
		taskID := createTask(t, h, "m-small", 5)
		require.NotNil(t, claimNext(t, h, "a1"))

		code, _ := do(t, h, http.MethodPost, "/handoff/execute", map[string]any{
			"task_id": taskID, "from_agent": "a1", "to_agent": "a2",
		})
		require.Equal(t, http.StatusOK, code)

		code, body := do(t, h, http.MethodPost, "/nodes/heartbeat", map[string]any{"id": "a2"})
		require.Equal(t, http.StatusOK, code)
		notes := body["notifications"].([]any)
		require.Len(t, notes, 1)
		note := notes[0].(map[string]any)
		assert.Equal(t, "task_handoff", note["type"])
		assert.Equal(t, taskID, note["task_id"])
	})
}

func TestTaskLifecycle(t *testing.T) {
	t.Run("submit claim complete", func(t *testing.T) {
		h := newTestHandler(t)
		registerAgent(t, h, "a1")
		taskID := createTask(t, h, "m-small", 5)

		claimed := claimNext(t, h, "a1")
		require.NotNil(t, claimed)
		assert.Equal(t, taskID, claimed["id"])
		assert.Equal(t, "assigned", claimed["status"])
		assert.Equal(t, map[string]any{"prompt": "hi"}, claimed["input_data"])

		code, _ := do(t, h, http.MethodPost, "/tasks/agent/a1/complete/"+taskID, map[string]any{
			"output": "hello", "tokens_generated": 1,
		})
		require.Equal(t, http.StatusOK, code)

		code, body := do(t, h, http.MethodGet, "/tasks/"+taskID, nil)
		require.Equal(t, http.StatusOK, code)
		task := body["task"].(map[string]any)
		assert.Equal(t, "completed", task["status"])
		assert.Equal(t, "a1", task["agent_id"])
		result := task["result"].(map[string]any)
		assert.Equal(t, "hello", result["output"])
	})

	t.Run("claims follow priority order", func(t *testing.T) {
		h := newTestHandler(t)
		registerAgent(t, h, "a1")
		t1 := createTask(t, h, "m-small", 5)
		t2 := createTask(t, h, "m-small", 1)
		t3 := createTask(t, h, "m-small", 5)

		assert.Equal(t, t2, claimNext(t, h, "a1")["id"])
		assert.Equal(t, t1, claimNext(t, h, "a1")["id"])
		assert.Equal(t, t3, claimNext(t, h, "a1")["id"])
	})

	t.Run("empty queue yields a null task", func(t *testing.T) {
		h := newTestHandler(t)
		registerAgent(t, h, "a1")
		assert.Nil(t, claimNext(t, h, "a1"))
	})

	t.Run("cancel pending removes it from the queue", func(t *testing.T) {
		h := newTestHandler(t)
		registerAgent(t, h, "a1")
		taskID := createTask(t, h, "m-small", 5)

		code, body := do(t, h, http.MethodDelete, "/tasks/"+taskID, nil)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, "cancelled", body["task"].(map[string]any)["status"])

		assert.Nil(t, claimNext(t, h, "a1"))

		// Cancelling again conflicts: terminal states are absorbing.
		code, _ = do(t, h, http.MethodDelete, "/tasks/"+taskID, nil)
		assert.Equal(t, http.StatusConflict, code)
	})

	t.Run("duplicate completion is idempotent", func(t *testing.T) {
		h := newTestHandler(t)
		registerAgent(t, h, "a1")
		taskID := createTask(t, h, "m-small", 5)
		require.NotNil(t, claimNext(t, h, "a1"))

		result := map[string]any{"output": "x"}
		code, _ := do(t, h, http.MethodPost, "/tasks/agent/a1/complete/"+taskID, result)
		require.Equal(t, http.StatusOK, code)
		code, _ = do(t, h, http.MethodPost, "/tasks/agent/a1/complete/"+taskID, result)
		assert.Equal(t, http.StatusOK, code)

		code, body := do(t, h, http.MethodPost, "/tasks/agent/a1/complete/"+taskID, map[string]any{"output": "y"})
		assert.Equal(t, http.StatusConflict, code)
		assert.Equal(t, "state_conflict", body["error"].(map[string]any)["kind"])
	})

	t.Run("transient failure requeues", func(t *testing.T) {
		h := newTestHandler(t)
		registerAgent(t, h, "a1")
		taskID := createTask(t, h, "m-small", 5)
		require.NotNil(t, claimNext(t, h, "a1"))

		code, body := do(t, h, http.MethodPost, "/tasks/agent/a1/fail/"+taskID, map[string]any{
			"error_kind": "timeout", "message": "agent timed out",
		})
		require.Equal(t, http.StatusOK, code)
		task := body["task"].(map[string]any)
		assert.Equal(t, "pending", task["status"])
		assert.Equal(t, float64(2), task["attempt_count"])
	})

	t.Run("failure report requires error_kind", func(t *testing.T) {
		h := newTestHandler(t)
		registerAgent(t, h, "a1")
		taskID := createTask(t, h, "m-small", 5)
		require.NotNil(t, claimNext(t, h, "a1"))

		code, _ := do(t, h, http.MethodPost, "/tasks/agent/a1/fail/"+taskID, map[string]any{"message": "x"})
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("status update promotes to running", func(t *testing.T) {
		h := newTestHandler(t)
		registerAgent(t, h, "a1")
		taskID := createTask(t, h, "m-small", 5)
		require.NotNil(t, claimNext(t, h, "a1"))

		code, body := do(t, h, http.MethodPut, "/tasks/"+taskID+"/status", map[string]any{"status": "running"})
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, "running", body["task"].(map[string]any)["status"])
	})

	t.Run("unknown task", func(t *testing.T) {
		h := newTestHandler(t)
		code, body := do(t, h, http.MethodGet, "/tasks/nope", nil)
		assert.Equal(t, http.StatusNotFound, code)
		assert.Equal(t, "not_found", body["error"].(map[string]any)["kind"])
	})

	t.Run("create requires model", func(t *testing.T) {
		h := newTestHandler(t)
		code, _ := do(t, h, http.MethodPost, "/tasks/create", map[string]any{
			"input_data": map[string]any{"prompt": "hi"},
		})
		assert.Equal(t, http.StatusBadRequest, code)
	})
}

func TestBatchCreate(t *testing.T) {
	t.Run("creates every entry", func(t *testing.T) {
		h := newTestHandler(t)
		code, body := do(t, h, http.MethodPost, "/tasks/batch", []map[string]any{
			{"model": "m-small", "input_data": map[string]any{"prompt": "a"}},
			{"model": "m-large", "input_data": map[string]any{"prompt": "b"}, "priority": 1},
		})
		require.Equal(t, http.StatusCreated, code)
		assert.Equal(t, float64(2), body["count"])
	})

	t.Run("rejects an empty batch", func(t *testing.T) {
		h := newTestHandler(t)
		code, _ := do(t, h, http.MethodPost, "/tasks/batch", []map[string]any{})
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("rejects a batch with a missing model", func(t *testing.T) {
		h := newTestHandler(t)
		code, _ := do(t, h, http.MethodPost, "/tasks/batch", []map[string]any{
			{"model": "m-small", "input_data": map[string]any{"prompt": "a"}},
			{"input_data": map[string]any{"prompt": "b"}},
		})
		assert.Equal(t, http.StatusBadRequest, code)
	})
}

func TestListEndpoints(t *testing.T) {
	h := newTestHandler(t)
	registerAgent(t, h, "a1")
	createTask(t, h, "m-small", 5)
	t2 := createTask(t, h, "m-small", 1)
	require.Equal(t, t2, claimNext(t, h, "a1")["id"])

	t.Run("nodes status", func(t *testing.T) {
		code, body := do(t, h, http.MethodGet, "/nodes/status", nil)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, float64(1), body["count"])
	})

	t.Run("tasks by status", func(t *testing.T) {
		code, body := do(t, h, http.MethodGet, "/tasks/status?status=pending", nil)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, float64(1), body["count"])
	})

	t.Run("limit must be positive", func(t *testing.T) {
		code, _ := do(t, h, http.MethodGet, "/tasks/status?limit=0", nil)
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("pending queue", func(t *testing.T) {
		code, body := do(t, h, http.MethodGet, "/tasks/queue/pending", nil)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, float64(1), body["count"])
	})

	t.Run("running queue is empty before promotion", func(t *testing.T) {
		code, body := do(t, h, http.MethodGet, "/tasks/queue/running", nil)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, float64(0), body["count"])
	})
}

func TestHandoffEndpoints(t *testing.T) {
	t.Run("evaluate recommends a peer", func(t *testing.T) {
		h := newTestHandler(t)
		registerAgent(t, h, "a1")
		registerAgent(t, h, "a2")
		taskID := createTask(t, h, "m-small", 5)
		require.NotNil(t, claimNext(t, h, "a1"))

		code, body := do(t, h, http.MethodPost, "/handoff/evaluate", map[string]any{
			"agent_id": "a1", "task_id": taskID,
		})
		require.Equal(t, http.StatusOK, code)
		eval := body["evaluation"].(map[string]any)
		assert.Equal(t, true, eval["recommended"])
		assert.Equal(t, "a2", eval["target"].(map[string]any)["agent_id"])
	})

	t.Run("evaluate by a non-owner is denied", func(t *testing.T) {
		h := newTestHandler(t)
		registerAgent(t, h, "a1")
		registerAgent(t, h, "a2")
		taskID := createTask(t, h, "m-small", 5)
		require.NotNil(t, claimNext(t, h, "a1"))

		code, _ := do(t, h, http.MethodPost, "/handoff/evaluate", map[string]any{
			"agent_id": "a2", "task_id": taskID,
		})
		assert.Equal(t, http.StatusForbidden, code)
	})

	t.Run("execute moves the task", func(t *testing.T) {
		h := newTestHandler(t)
		registerAgent(t, h, "a1")
		registerAgent(t, h, "a2")
		taskID := createTask(t, h, "m-small", 5)
		require.NotNil(t, claimNext(t, h, "a1"))

		code, body := do(t, h, http.MethodPost, "/handoff/execute", map[string]any{
			"task_id": taskID, "from_agent": "a1", "to_agent": "a2",
		})
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, "completed", body["handoff"].(map[string]any)["outcome"])

		code, body = do(t, h, http.MethodGet, "/tasks/"+taskID, nil)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, "a2", body["task"].(map[string]any)["agent_id"])
	})

	t.Run("stats", func(t *testing.T) {
		h := newTestHandler(t)
		code, body := do(t, h, http.MethodGet, "/handoff/stats", nil)
		require.Equal(t, http.StatusOK, code)
		stats := body["stats"].(map[string]any)
		assert.Equal(t, float64(0), stats["total_handoffs"])
	})
}

func TestStatusEndpoints(t *testing.T) {
	h := newTestHandler(t)
	registerAgent(t, h, "a1")
	createTask(t, h, "m-small", 5)

	t.Run("health", func(t *testing.T) {
		code, body := do(t, h, http.MethodGet, "/status/health", nil)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, "healthy", body["status"])
	})

	t.Run("stats", func(t *testing.T) {
		code, body := do(t, h, http.MethodGet, "/status/stats", nil)
		require.Equal(t, http.StatusOK, code)
		stats := body["stats"].(map[string]any)
		nodes := stats["nodes"].(map[string]any)
		tasks := stats["tasks"].(map[string]any)
		assert.Equal(t, float64(1), nodes["online"])
		assert.Equal(t, float64(1), tasks["pending"])
	})

	t.Run("metrics", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestRemoveNode(t *testing.T) {
	h := newTestHandler(t)
	registerAgent(t, h, "a1")

	code, _ := do(t, h, http.MethodDelete, "/nodes/a1", nil)
	require.Equal(t, http.StatusOK, code)

	code, _ = do(t, h, http.MethodDelete, "/nodes/a1", nil)
	assert.Equal(t, http.StatusNotFound, code)
}
