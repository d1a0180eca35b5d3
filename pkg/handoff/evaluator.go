// Package handoff implements peer-to-peer task reassignment: scoring
// candidate agents for an overloaded peer, executing the reassignment
// through the registry and notifying the receiving agent.
package handoff

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jitenkr2030/exostack/pkg/config"
	"github.com/jitenkr2030/exostack/pkg/models"
	"github.com/jitenkr2030/exostack/pkg/registry"
)

// Scoring weights. A candidate's score is the sum of four components:
// headroom in reported load, spare task slots, historical reliability and
// a fixed bonus for serving the task's model.
const (
	loadWeight        = 40.0
	capacitySlots     = 5
	capacitySlotScore = 10.0
	reliabilityWeight = 30.0
	capabilityScore   = 20.0
)

// Deliverer pushes a notification to an agent.
type Deliverer interface {
	Deliver(ctx context.Context, agent *models.Agent, note *models.Notification) (pushed bool, err error)
}

// Archiver persists handoff records beyond the in-process ring. Optional;
// the Redis registry backend implements it.
type Archiver interface {
	AppendHandoff(ctx context.Context, h *models.Handoff) error
}

// Candidate is one scored agent.
type Candidate struct {
	AgentID     string  `json:"agent_id"`
	Score       float64 `json:"score"`
	CurrentLoad float64 `json:"current_load"`
	ActiveTasks int     `json:"active_tasks"`
}

// Recommendation is the outcome of a handoff evaluation.
type Recommendation struct {
	TaskID      string      `json:"task_id"`
	FromAgent   string      `json:"from_agent"`
	Recommended bool        `json:"recommended"`
	Target      *Candidate  `json:"target,omitempty"`
	Candidates  []Candidate `json:"candidates"`
	Reason      string      `json:"reason,omitempty"`
}

// Manager evaluates and executes handoffs. History lives in a bounded
// in-process ring; an optional Archiver receives a durable copy.
type Manager struct {
	reg      registry.Registry
	notifier Deliverer
	archiver Archiver
	cfg      config.HandoffConfig

	mu      sync.Mutex
	active  map[string]*models.Handoff
	history []models.Handoff
}

// NewManager builds a handoff manager. notifier must be non-nil; archiver
// may be nil.
func NewManager(reg registry.Registry, notifier Deliverer, archiver Archiver, cfg config.HandoffConfig) *Manager {
	return &Manager{
		reg:      reg,
		notifier: notifier,
		archiver: archiver,
		cfg:      cfg,
		active:   make(map[string]*models.Handoff),
	}
}

// Evaluate scores online peers as handoff targets for an in-flight task.
// It recommends the best candidate only when its score clears the
// configured threshold; otherwise the task stays where it is.
func (m *Manager) Evaluate(ctx context.Context, taskID string) (*Recommendation, error) {
	task, err := m.reg.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Status.Active() {
		return nil, fmt.Errorf("task %s is %s, not in flight: %w", taskID, task.Status, registry.ErrStateConflict)
	}

	rec := &Recommendation{TaskID: taskID, FromAgent: task.AgentID}

	agents, err := m.reg.ListAgents(ctx, models.AgentFilter{Status: models.AgentStatusOnline})
	if err != nil {
		return nil, err
	}

	for _, a := range agents {
		if a.ID == task.AgentID || !m.eligible(a) {
			continue
		}
		rec.Candidates = append(rec.Candidates, Candidate{
			AgentID:     a.ID,
			Score:       score(a, task.Model),
			CurrentLoad: a.CurrentLoad,
			ActiveTasks: a.ActiveTasks,
		})
	}
	sort.Slice(rec.Candidates, func(i, j int) bool {
		if rec.Candidates[i].Score != rec.Candidates[j].Score {
			return rec.Candidates[i].Score > rec.Candidates[j].Score
		}
		return rec.Candidates[i].AgentID < rec.Candidates[j].AgentID
	})

	if len(rec.Candidates) == 0 {
		rec.Reason = "no eligible candidates"
		return rec, nil
	}
	best := rec.Candidates[0]
	if best.Score <= float64(m.cfg.MinScore) {
		rec.Reason = fmt.Sprintf("best candidate score %.1f does not clear threshold %d", best.Score, m.cfg.MinScore)
		return rec, nil
	}

	rec.Recommended = true
	rec.Target = &best
	return rec, nil
}

// eligible filters candidates before scoring: a target needs headroom in
// both load and task slots. Capability is not a filter; it contributes to
// the score instead.
func (m *Manager) eligible(a *models.Agent) bool {
	return a.CurrentLoad < m.cfg.MaxCandidateLoad &&
		a.ActiveTasks < m.cfg.MaxCandidateActive
}

func score(a *models.Agent, model string) float64 {
	s := (1 - a.CurrentLoad) * loadWeight

	if spare := capacitySlots - a.ActiveTasks; spare > 0 {
		s += float64(spare) * capacitySlotScore
	}

	// An agent with no history earns no reliability points yet.
	if total := a.TasksCompleted + a.TasksFailed; total > 0 {
		s += float64(a.TasksCompleted) / float64(total) * reliabilityWeight
	}

	if a.Supports(model) {
		s += capabilityScore
	}
	return s
}

// Execute reassigns the task to the target agent and notifies it. fromAgent,
// when non-empty, must be the task's current owner. The registry reassignment
// is the commit point; a failed notification after it still leaves the task
// with the target, reachable via its queue drain.
func (m *Manager) Execute(ctx context.Context, taskID, fromAgent, toAgent string) (*models.Handoff, error) {
	task, err := m.reg.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Status.Active() {
		return nil, fmt.Errorf("task %s is %s, not in flight: %w", taskID, task.Status, registry.ErrStateConflict)
	}
	if fromAgent != "" && fromAgent != task.AgentID {
		return nil, fmt.Errorf("task %s is owned by %s, not %s: %w", taskID, task.AgentID, fromAgent, registry.ErrPermissionDenied)
	}

	target, err := m.reg.GetAgent(ctx, toAgent)
	if err != nil {
		return nil, err
	}
	if !target.Supports(task.Model) {
		return nil, fmt.Errorf("agent %s does not serve model %s: %w", toAgent, task.Model, registry.ErrInvalidArgument)
	}

	rec := &models.Handoff{
		TaskID:      taskID,
		FromAgent:   task.AgentID,
		ToAgent:     toAgent,
		InitiatedAt: time.Now().UTC(),
		Outcome:     models.HandoffPending,
	}
	m.mu.Lock()
	m.active[taskID] = rec
	m.mu.Unlock()

	if _, err := m.reg.ReassignTask(ctx, taskID, task.AgentID, toAgent); err != nil {
		m.finalize(ctx, rec, models.HandoffFailed)
		return nil, err
	}

	note := &models.Notification{
		Type:      models.NotificationTaskHandoff,
		TaskID:    taskID,
		Model:     task.Model,
		Input:     task.Input,
		Timestamp: time.Now().UTC(),
	}
	pushed, err := m.notifier.Deliver(ctx, target, note)
	if err != nil {
		slog.Warn("Handoff notification undeliverable",
			"task_id", taskID,
			"to_agent", toAgent,
			"error", err)
	}

	m.finalize(ctx, rec, models.HandoffCompleted)
	slog.Info("Handoff executed",
		"task_id", taskID,
		"from_agent", rec.FromAgent,
		"to_agent", toAgent,
		"pushed", pushed)
	return rec, nil
}

// finalize stamps the outcome, appends the record to history and only then
// drops the active entry, so a concurrent Stats never misses the handoff.
func (m *Manager) finalize(ctx context.Context, rec *models.Handoff, outcome models.HandoffOutcome) {
	now := time.Now().UTC()
	rec.Outcome = outcome
	rec.CompletedAt = &now

	m.mu.Lock()
	m.history = append(m.history, *rec)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
	delete(m.active, rec.TaskID)
	m.mu.Unlock()

	if m.archiver != nil {
		if err := m.archiver.AppendHandoff(ctx, rec); err != nil {
			slog.Warn("Handoff archive append failed", "task_id", rec.TaskID, "error", err)
		}
	}
}

// Stats summarizes the in-process handoff history.
func (m *Manager) Stats() models.HandoffStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := models.HandoffStats{
		TotalHandoffs:  len(m.history),
		ActiveHandoffs: len(m.active),
	}

	dayAgo := time.Now().UTC().Add(-24 * time.Hour)
	recentCount := 0
	for i := range m.history {
		h := &m.history[i]
		if h.Outcome == models.HandoffCompleted {
			stats.SuccessfulHandoffs++
		}
		if h.InitiatedAt.After(dayAgo) {
			recentCount++
		}
	}
	if stats.TotalHandoffs > 0 {
		stats.SuccessRate = float64(stats.SuccessfulHandoffs) / float64(stats.TotalHandoffs)
	}
	stats.HandoffsPerHour = float64(recentCount) / 24

	n := 10
	if len(m.history) < n {
		n = len(m.history)
	}
	stats.Recent = make([]models.Handoff, 0, n)
	for i := len(m.history) - 1; i >= len(m.history)-n; i-- {
		stats.Recent = append(stats.Recent, m.history[i])
	}
	return stats
}
