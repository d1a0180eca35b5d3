package models

import (
	"encoding/json"
	"time"
)

// HandoffOutcome is the state of a peer-to-peer task reassignment.
type HandoffOutcome string

const (
	HandoffPending   HandoffOutcome = "pending"
	HandoffCompleted HandoffOutcome = "completed"
	HandoffFailed    HandoffOutcome = "failed"
)

// Handoff records one reassignment of an in-flight task between agents.
// Records are append-only and retained in a bounded ring.
type Handoff struct {
	TaskID      string         `json:"task_id"`
	FromAgent   string         `json:"from_agent"`
	ToAgent     string         `json:"to_agent"`
	InitiatedAt time.Time      `json:"initiated_at"`
	Outcome     HandoffOutcome `json:"outcome"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// HandoffStats summarizes the handoff history ring.
type HandoffStats struct {
	TotalHandoffs      int       `json:"total_handoffs"`
	SuccessfulHandoffs int       `json:"successful_handoffs"`
	SuccessRate        float64   `json:"success_rate"`
	ActiveHandoffs     int       `json:"active_handoffs"`
	HandoffsPerHour    float64   `json:"average_handoffs_per_hour"`
	Recent             []Handoff `json:"recent_handoffs"`
}

// Notification types delivered to agents, either by direct push or through
// the agent's pending-notification queue drained on heartbeat.
const (
	NotificationTaskHandoff   = "task_handoff"
	NotificationTaskCancelled = "task_cancelled"
)

// Notification is a message for a specific agent.
type Notification struct {
	Type      string          `json:"type"`
	TaskID    string          `json:"task_id"`
	Model     string          `json:"model,omitempty"`
	Input     json.RawMessage `json:"input_data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// SystemStats is the hub-wide snapshot served by the status endpoint.
type SystemStats struct {
	Nodes       map[string]int `json:"nodes"`
	Tasks       map[string]int `json:"tasks"`
	UptimeSecs  float64        `json:"uptime"`
	Version     string         `json:"version"`
	LastUpdated time.Time      `json:"last_updated"`
}
