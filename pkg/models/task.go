package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of an inference task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is absorbing: no further transitions
// are permitted out of it.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Active reports whether the task counts against its owner's active set.
func (s TaskStatus) Active() bool {
	return s == TaskStatusAssigned || s == TaskStatusRunning
}

// Error kinds reported by agents on task failure. The scheduler classifies
// these into transient (retryable) and permanent.
const (
	ErrorKindUnavailable       = "unavailable"
	ErrorKindTimeout           = "timeout"
	ErrorKindResourceExhausted = "resource_exhausted"
	ErrorKindInvalidInput      = "invalid_input"
	ErrorKindModelNotFound     = "model_not_found"
	ErrorKindInternal          = "internal"
)

// TaskResult is the terminal outcome of a task: opaque output plus metrics on
// success, an error kind and message on failure.
type TaskResult struct {
	Output          json.RawMessage `json:"output,omitempty"`
	TokensGenerated int             `json:"tokens_generated,omitempty"`
	ProcessingTime  float64         `json:"processing_time,omitempty"`
	ModelUsed       string          `json:"model_used,omitempty"`
	ErrorKind       string          `json:"error_kind,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// Equal reports whether two results carry the same payload. Used to decide
// whether a repeated completion report is idempotent or conflicting.
func (r *TaskResult) Equal(other *TaskResult) bool {
	if r == nil || other == nil {
		return r == other
	}
	return bytes.Equal(r.Output, other.Output) &&
		r.TokensGenerated == other.TokensGenerated &&
		r.ErrorKind == other.ErrorKind &&
		r.Error == other.Error
}

// Task is a unit of inference work. The hub treats Input as opaque bytes;
// only Model and Priority influence scheduling.
type Task struct {
	ID    string `json:"id"`
	Model string `json:"model"`

	// Input is the opaque payload forwarded verbatim to the executing agent.
	Input json.RawMessage `json:"input_data"`

	// Priority is the client-supplied value, clamped to [0, 9], lower served
	// earlier. EffectivePriority starts equal and is decremented by the
	// anti-starvation sweep; the queue orders by it.
	Priority          int `json:"priority"`
	EffectivePriority int `json:"effective_priority"`

	Status TaskStatus `json:"status"`

	// AgentID is the owning agent while the task is assigned or running.
	AgentID string `json:"agent_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// AttemptCount starts at 1 and is incremented each time the task is
	// returned to pending after a transient failure or orphan reclamation.
	AttemptCount int `json:"attempt_count"`

	Result *TaskResult `json:"result,omitempty"`
}

// Clone returns a deep copy safe to hand to readers.
func (t *Task) Clone() *Task {
	c := *t
	c.Input = bytes.Clone(t.Input)
	if t.AssignedAt != nil {
		at := *t.AssignedAt
		c.AssignedAt = &at
	}
	if t.CompletedAt != nil {
		ct := *t.CompletedAt
		c.CompletedAt = &ct
	}
	if t.Result != nil {
		r := *t.Result
		r.Output = bytes.Clone(t.Result.Output)
		c.Result = &r
	}
	return &c
}

// TaskFilter narrows ListTasks results. Zero value matches everything.
type TaskFilter struct {
	Status  TaskStatus
	AgentID string
	Limit   int
}

// Matches reports whether the task passes the filter (Limit excluded).
func (f TaskFilter) Matches(t *Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.AgentID != "" && t.AgentID != f.AgentID {
		return false
	}
	return true
}
