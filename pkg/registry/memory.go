package registry

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jitenkr2030/exostack/pkg/models"
)

// Memory is the in-memory Registry backend. A single writer lock serializes
// mutations; multi-entity operations touch the agent record before the task
// record under that lock, mirroring the agent-then-task order the Redis
// backend uses for its watch sets.
type Memory struct {
	opts Options

	mu     sync.RWMutex
	agents map[string]*models.Agent
	tasks  map[string]*models.Task

	// queue holds ids of pending tasks ordered by
	// (effective_priority asc, created_at asc, id asc).
	queue []string

	notify map[string][]queuedNotification
}

type queuedNotification struct {
	n  *models.Notification
	at time.Time
}

// NewMemory creates an empty in-memory registry.
func NewMemory(opts Options) *Memory {
	return &Memory{
		opts:   opts.withDefaults(),
		agents: make(map[string]*models.Agent),
		tasks:  make(map[string]*models.Task),
		notify: make(map[string][]queuedNotification),
	}
}

func capsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// RegisterAgent implements Registry. A freshly registered agent is online:
// registration is itself a liveness signal.
func (m *Memory) RegisterAgent(_ context.Context, spec RegisterAgentSpec) (*models.Agent, bool, error) {
	if spec.ID == "" {
		return nil, false, NewValidationError("id", "required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if a, ok := m.agents[spec.ID]; ok {
		if now.Sub(a.RegisteredAt) < m.opts.DebounceWindow && !capsEqual(a.Capabilities, spec.Capabilities) {
			return nil, false, fmt.Errorf("agent %s re-registered with conflicting capabilities: %w", spec.ID, ErrStateConflict)
		}
		a.Host = spec.Host
		a.Port = spec.Port
		a.Capabilities = append([]string(nil), spec.Capabilities...)
		a.Status = models.AgentStatusOnline
		a.RegisteredAt = now
		a.LastHeartbeat = now
		return a.Clone(), false, nil
	}

	a := &models.Agent{
		ID:            spec.ID,
		Status:        models.AgentStatusOnline,
		Host:          spec.Host,
		Port:          spec.Port,
		Capabilities:  append([]string(nil), spec.Capabilities...),
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	m.agents[spec.ID] = a
	return a.Clone(), true, nil
}

// RecordHeartbeat implements Registry.
func (m *Memory) RecordHeartbeat(_ context.Context, id string, load *float64, activeTasks *int) (*models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}

	now := time.Now()
	if now.Before(a.LastHeartbeat) {
		// Out-of-order heartbeat; timestamps are monotonic non-decreasing.
		return a.Clone(), nil
	}

	a.LastHeartbeat = now
	if a.Status == models.AgentStatusOffline || a.Status == models.AgentStatusRegistering {
		a.Status = models.AgentStatusOnline
	}
	if load != nil {
		a.CurrentLoad = *load
	}
	if activeTasks != nil {
		a.ActiveTasks = *activeTasks
	}
	return a.Clone(), nil
}

// UpdateLoad implements Registry.
func (m *Memory) UpdateLoad(_ context.Context, id string, load float64, activeTasks int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	a.CurrentLoad = load
	a.ActiveTasks = activeTasks
	return nil
}

// GetAgent implements Registry.
func (m *Memory) GetAgent(_ context.Context, id string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return a.Clone(), nil
}

// ListAgents implements Registry.
func (m *Memory) ListAgents(_ context.Context, filter models.AgentFilter) ([]*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		if filter.Matches(a) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RemoveAgent implements Registry.
func (m *Memory) RemoveAgent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[id]; !ok {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	delete(m.agents, id)
	delete(m.notify, id)
	return nil
}

// SetAgentStatus implements Registry.
func (m *Memory) SetAgentStatus(_ context.Context, id string, from, to models.AgentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if a.Status != from {
		return fmt.Errorf("agent %s is %s, expected %s: %w", id, a.Status, from, ErrStateConflict)
	}
	a.Status = to
	return nil
}

// CreateTask implements Registry.
func (m *Memory) CreateTask(_ context.Context, model string, input []byte, priority int) (*models.Task, error) {
	if model == "" {
		return nil, NewValidationError("model", "required")
	}
	if len(input) == 0 {
		return nil, NewValidationError("input_data", "required")
	}
	priority = ClampPriority(priority)

	m.mu.Lock()
	defer m.mu.Unlock()

	t := &models.Task{
		ID:                uuid.New().String(),
		Model:             model,
		Input:             bytes.Clone(input),
		Priority:          priority,
		EffectivePriority: priority,
		Status:            models.TaskStatusPending,
		CreatedAt:         time.Now(),
		AttemptCount:      1,
	}
	m.tasks[t.ID] = t
	m.enqueueLocked(t.ID)
	return t.Clone(), nil
}

// GetTask implements Registry.
func (m *Memory) GetTask(_ context.Context, id string) (*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

// ListTasks implements Registry.
func (m *Memory) ListTasks(_ context.Context, filter models.TaskFilter) ([]*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Task, 0)
	for _, t := range m.tasks {
		if filter.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	sortTasksNewestFirst(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ClaimNextPendingForAgent implements Registry.
func (m *Memory) ClaimNextPendingForAgent(_ context.Context, agentID string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	if a.Status != models.AgentStatusOnline {
		return nil, fmt.Errorf("agent %s is %s: %w", agentID, a.Status, ErrUnavailable)
	}

	for i, id := range m.queue {
		t := m.tasks[id]
		if t == nil || t.Status != models.TaskStatusPending {
			// Defensive: queue invariant says this never happens.
			continue
		}
		if !a.Supports(t.Model) {
			continue
		}

		m.queue = append(m.queue[:i], m.queue[i+1:]...)
		now := time.Now()
		t.Status = models.TaskStatusAssigned
		t.AgentID = agentID
		t.AssignedAt = &now
		a.ActiveTasks++
		return t.Clone(), nil
	}
	return nil, ErrEmptyQueue
}

// validNextStatuses maps each non-terminal status to the transitions
// TransitionTask accepts. Pending tasks become assigned only through a
// claim, and tasks return to pending only through RequeueTask.
var validNextStatuses = map[models.TaskStatus][]models.TaskStatus{
	models.TaskStatusPending:  {models.TaskStatusCancelled},
	models.TaskStatusAssigned: {models.TaskStatusRunning, models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusCancelled},
	models.TaskStatusRunning:  {models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusCancelled},
}

func transitionAllowed(from, next models.TaskStatus) bool {
	for _, s := range validNextStatuses[from] {
		if s == next {
			return true
		}
	}
	return false
}

// TransitionTask implements Registry.
func (m *Memory) TransitionTask(_ context.Context, taskID string, expected, next models.TaskStatus, owner string, result *models.TaskResult) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if owner != "" && t.AgentID != owner {
		return nil, fmt.Errorf("task %s is not owned by agent %s: %w", taskID, owner, ErrPermissionDenied)
	}
	if t.Status != expected {
		return nil, fmt.Errorf("task %s is %s, expected %s: %w", taskID, t.Status, expected, ErrStateConflict)
	}
	if !transitionAllowed(t.Status, next) {
		return nil, fmt.Errorf("task %s cannot move from %s to %s: %w", taskID, t.Status, next, ErrStateConflict)
	}

	wasActive := t.Status.Active()
	wasPending := t.Status == models.TaskStatusPending

	t.Status = next
	now := time.Now()

	switch next {
	case models.TaskStatusRunning:
		// Promotion only; counters already reflect the assignment.
	case models.TaskStatusCompleted:
		t.CompletedAt = &now
		t.Result = result
		if a := m.agents[t.AgentID]; a != nil {
			a.TasksCompleted++
			if wasActive {
				a.ActiveTasks = max(0, a.ActiveTasks-1)
			}
		}
	case models.TaskStatusFailed:
		t.CompletedAt = &now
		t.Result = result
		if a := m.agents[t.AgentID]; a != nil {
			a.TasksFailed++
			if wasActive {
				a.ActiveTasks = max(0, a.ActiveTasks-1)
			}
		}
	case models.TaskStatusCancelled:
		t.CompletedAt = &now
		if result != nil {
			t.Result = result
		}
		if wasActive {
			if a := m.agents[t.AgentID]; a != nil {
				a.ActiveTasks = max(0, a.ActiveTasks-1)
			}
		}
		if wasPending {
			m.dequeueLocked(taskID)
		}
	}
	return t.Clone(), nil
}

// ReassignTask implements Registry.
func (m *Memory) ReassignTask(_ context.Context, taskID, fromAgent, toAgent string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	to, ok := m.agents[toAgent]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", toAgent, ErrNotFound)
	}
	if to.Status != models.AgentStatusOnline {
		return nil, fmt.Errorf("agent %s is %s: %w", toAgent, to.Status, ErrUnavailable)
	}

	t, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if !t.Status.Active() {
		return nil, fmt.Errorf("task %s is %s, not in flight: %w", taskID, t.Status, ErrStateConflict)
	}
	if t.AgentID != fromAgent {
		return nil, fmt.Errorf("task %s is not owned by agent %s: %w", taskID, fromAgent, ErrStateConflict)
	}

	if from := m.agents[fromAgent]; from != nil {
		from.ActiveTasks = max(0, from.ActiveTasks-1)
	}
	to.ActiveTasks++
	now := time.Now()
	t.AgentID = toAgent
	t.AssignedAt = &now
	return t.Clone(), nil
}

// RequeueTask implements Registry.
func (m *Memory) RequeueTask(_ context.Context, taskID, fromAgent string, recordFailure bool) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if !t.Status.Active() {
		return nil, fmt.Errorf("task %s is %s, not in flight: %w", taskID, t.Status, ErrStateConflict)
	}
	if fromAgent != "" && t.AgentID != fromAgent {
		return nil, fmt.Errorf("task %s is not owned by agent %s: %w", taskID, fromAgent, ErrPermissionDenied)
	}

	if a := m.agents[t.AgentID]; a != nil {
		a.ActiveTasks = max(0, a.ActiveTasks-1)
		if recordFailure {
			a.TasksFailed++
		}
	}

	t.Status = models.TaskStatusPending
	t.AgentID = ""
	t.AssignedAt = nil
	t.Result = nil
	t.AttemptCount++
	t.EffectivePriority = t.Priority
	m.enqueueLocked(taskID)
	return t.Clone(), nil
}

// PromoteStalePending implements Registry.
func (m *Memory) PromoteStalePending(_ context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	promoted := 0
	for _, id := range m.queue {
		t := m.tasks[id]
		if t == nil {
			continue
		}
		if t.CreatedAt.Before(cutoff) && t.EffectivePriority > MinPriority {
			t.EffectivePriority--
			promoted++
		}
	}
	if promoted > 0 {
		m.sortQueueLocked()
	}
	return promoted, nil
}

// PruneTerminal implements Registry.
func (m *Memory) PruneTerminal(_ context.Context, retention time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	pruned := 0
	for id, t := range m.tasks {
		if t.Status.Terminal() && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			delete(m.tasks, id)
			pruned++
		}
	}
	return pruned, nil
}

// PushNotification implements Registry.
func (m *Memory) PushNotification(_ context.Context, agentID string, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := append(m.notify[agentID], queuedNotification{n: n, at: time.Now()})
	if len(q) > m.opts.NotifyQueueLimit {
		q = q[len(q)-m.opts.NotifyQueueLimit:]
	}
	m.notify[agentID] = q
	return nil
}

// DrainNotifications implements Registry.
func (m *Memory) DrainNotifications(_ context.Context, agentID string) ([]*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.notify[agentID]
	if len(q) == 0 {
		return nil, nil
	}
	delete(m.notify, agentID)
	out := make([]*models.Notification, len(q))
	for i, e := range q {
		out[i] = e.n
	}
	return out, nil
}

// PruneNotifications implements Registry.
func (m *Memory) PruneNotifications(_ context.Context, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	for id, q := range m.notify {
		kept := q[:0]
		for _, e := range q {
			if e.at.After(cutoff) {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(m.notify, id)
		} else {
			m.notify[id] = kept
		}
	}
	return nil
}

// Stats implements Registry.
func (m *Memory) Stats(_ context.Context) (map[string]int, map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := map[string]int{"total": len(m.agents)}
	for _, a := range m.agents {
		nodes[string(a.Status)]++
	}
	tasks := map[string]int{"total": len(m.tasks)}
	for _, t := range m.tasks {
		tasks[string(t.Status)]++
	}
	return nodes, tasks, nil
}

// Close implements Registry.
func (m *Memory) Close() error { return nil }

func (m *Memory) enqueueLocked(id string) {
	m.queue = append(m.queue, id)
	m.sortQueueLocked()
}

func (m *Memory) dequeueLocked(id string) {
	for i, qid := range m.queue {
		if qid == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

func (m *Memory) sortQueueLocked() {
	sort.SliceStable(m.queue, func(i, j int) bool {
		a, b := m.tasks[m.queue[i]], m.tasks[m.queue[j]]
		if a.EffectivePriority != b.EffectivePriority {
			return a.EffectivePriority < b.EffectivePriority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
