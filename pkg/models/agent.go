package models

import (
	"slices"
	"time"
)

// AgentStatus is the lifecycle state of a worker node.
type AgentStatus string

const (
	AgentStatusRegistering AgentStatus = "registering"
	AgentStatusOnline      AgentStatus = "online"
	AgentStatusDraining    AgentStatus = "draining"
	AgentStatusOffline     AgentStatus = "offline"
)

// Agent is a worker node known to the hub. Records are created on first
// registration and destroyed only by administrative removal; offline agents
// are retained so their counters survive restarts.
type Agent struct {
	ID     string      `json:"id"`
	Status AgentStatus `json:"status"`

	// Host and Port are the optional push-notification hint. When unset the
	// agent only receives notifications by draining its queue on heartbeat.
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	// Capabilities is the set of model identifiers the agent can serve.
	// An empty set means the agent accepts any model.
	Capabilities []string `json:"capabilities,omitempty"`

	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`

	CurrentLoad    float64 `json:"current_load"`
	ActiveTasks    int     `json:"active_tasks"`
	TasksCompleted int     `json:"tasks_completed"`
	TasksFailed    int     `json:"tasks_failed"`
}

// Supports reports whether the agent can serve the given model.
func (a *Agent) Supports(model string) bool {
	if len(a.Capabilities) == 0 {
		return true
	}
	return slices.Contains(a.Capabilities, model)
}

// Clone returns a deep copy safe to hand to readers.
func (a *Agent) Clone() *Agent {
	c := *a
	c.Capabilities = slices.Clone(a.Capabilities)
	return &c
}

// AgentFilter narrows ListAgents results. Zero value matches everything.
type AgentFilter struct {
	Status AgentStatus
}

// Matches reports whether the agent passes the filter.
func (f AgentFilter) Matches(a *Agent) bool {
	return f.Status == "" || a.Status == f.Status
}
