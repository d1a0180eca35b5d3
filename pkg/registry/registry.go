// Package registry is the single source of truth for agent and task records.
// All mutations that touch two records (assigning a task to an agent,
// finalizing a completion) go through one of its atomic operations so the
// system invariants hold after every call.
//
// Two backends implement Registry: an in-memory store serialized by a single
// writer lock, and a Redis store using compare-and-set transactions. In both,
// multi-entity mutations touch the agent record before the task record.
package registry

import (
	"context"
	"time"

	"github.com/jitenkr2030/exostack/pkg/models"
)

// RegisterAgentSpec carries the fields of a registration request.
type RegisterAgentSpec struct {
	ID           string
	Host         string
	Port         int
	Capabilities []string
}

// Registry provides atomic access to agent and task state. Every operation
// is atomic with respect to concurrent callers.
type Registry interface {
	// RegisterAgent creates or re-registers an agent and returns it together
	// with whether a new record was created. Re-registering within the
	// debounce window with conflicting capabilities fails with
	// ErrStateConflict (duplicate identity).
	RegisterAgent(ctx context.Context, spec RegisterAgentSpec) (*models.Agent, bool, error)

	// RecordHeartbeat updates the agent's last-heartbeat timestamp and,
	// when present, its reported load and active-task count. An offline
	// agent is promoted back to online. Out-of-order heartbeats (older than
	// the recorded timestamp) are dropped silently.
	RecordHeartbeat(ctx context.Context, id string, load *float64, activeTasks *int) (*models.Agent, error)

	// UpdateLoad sets the agent's load figures without touching liveness.
	UpdateLoad(ctx context.Context, id string, load float64, activeTasks int) error

	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgents(ctx context.Context, filter models.AgentFilter) ([]*models.Agent, error)

	// RemoveAgent destroys an agent record. Administrative action only.
	RemoveAgent(ctx context.Context, id string) error

	// SetAgentStatus transitions an agent between statuses, conditional on
	// the current status. Used by the liveness monitor.
	SetAgentStatus(ctx context.Context, id string, from, to models.AgentStatus) error

	// CreateTask assigns a fresh id, stamps creation time, sets status
	// pending and enqueues the task. Returns the stored task.
	CreateTask(ctx context.Context, model string, input []byte, priority int) (*models.Task, error)

	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error)

	// ClaimNextPendingForAgent atomically pops the highest-priority pending
	// task the agent is capable of serving, marks it assigned to the agent
	// and increments the agent's active counter. Returns ErrEmptyQueue when
	// nothing matches and ErrUnavailable when the agent is not online.
	ClaimNextPendingForAgent(ctx context.Context, agentID string) (*models.Task, error)

	// TransitionTask moves a task from expected to next, storing the result
	// for terminal transitions and maintaining the owning agent's counters.
	// owner, when non-empty, must match the task's owning agent or the call
	// fails with ErrPermissionDenied. A mismatched expected status fails
	// with ErrStateConflict.
	TransitionTask(ctx context.Context, taskID string, expected, next models.TaskStatus, owner string, result *models.TaskResult) (*models.Task, error)

	// ReassignTask atomically moves an in-flight task from one online agent
	// to another, adjusting both active counters.
	ReassignTask(ctx context.Context, taskID, fromAgent, toAgent string) (*models.Task, error)

	// RequeueTask returns an assigned or running task to pending with its
	// attempt count incremented and no result preserved. recordFailure
	// additionally increments the former owner's failure counter.
	RequeueTask(ctx context.Context, taskID, fromAgent string, recordFailure bool) (*models.Task, error)

	// PromoteStalePending decrements the effective priority of pending
	// tasks older than olderThan, making them more urgent. Returns the
	// number of tasks promoted.
	PromoteStalePending(ctx context.Context, olderThan time.Duration) (int, error)

	// PruneTerminal deletes terminal tasks whose completion is older than
	// the retention window. Returns the number deleted.
	PruneTerminal(ctx context.Context, retention time.Duration) (int, error)

	// PushNotification appends to the agent's bounded notification queue,
	// dropping the oldest entry on overflow.
	PushNotification(ctx context.Context, agentID string, n *models.Notification) error

	// DrainNotifications pops and returns all pending notifications for the
	// agent, oldest first.
	DrainNotifications(ctx context.Context, agentID string) ([]*models.Notification, error)

	// PruneNotifications drops notifications older than the TTL.
	PruneNotifications(ctx context.Context, ttl time.Duration) error

	// Stats returns node and task counts by status.
	Stats(ctx context.Context) (nodes map[string]int, tasks map[string]int, err error)

	Close() error
}

// Options tune backend behavior. The zero value is usable; unset fields
// take the defaults below.
type Options struct {
	// DebounceWindow bounds how soon after registration a conflicting
	// re-registration is rejected as a duplicate identity.
	DebounceWindow time.Duration

	// NotifyQueueLimit bounds each agent's pending-notification queue.
	NotifyQueueLimit int

	// NotifyTTL is how long an undelivered notification survives before
	// the liveness sweep (or the store's key expiry) drops it.
	NotifyTTL time.Duration

	// DefaultPriority is assigned when a task is submitted without one.
	DefaultPriority int
}

const (
	defaultDebounceWindow   = 10 * time.Second
	defaultNotifyQueueLimit = 100
	defaultNotifyTTL        = 5 * time.Minute
	defaultPriority         = 5

	// Priority bounds; client values are clamped into this range.
	MinPriority = 0
	MaxPriority = 9
)

func (o Options) withDefaults() Options {
	if o.DebounceWindow == 0 {
		o.DebounceWindow = defaultDebounceWindow
	}
	if o.NotifyQueueLimit == 0 {
		o.NotifyQueueLimit = defaultNotifyQueueLimit
	}
	if o.NotifyTTL == 0 {
		o.NotifyTTL = defaultNotifyTTL
	}
	if o.DefaultPriority == 0 {
		o.DefaultPriority = defaultPriority
	}
	return o
}

// ClampPriority forces a client-supplied priority into [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}
