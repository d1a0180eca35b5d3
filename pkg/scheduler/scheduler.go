// Package scheduler owns the queueing discipline and assignment policy over
// the registry: priority ordering, retry classification, cancellation and
// orphan reclamation. It mutates state only through registry operations.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jitenkr2030/exostack/pkg/config"
	"github.com/jitenkr2030/exostack/pkg/models"
	"github.com/jitenkr2030/exostack/pkg/registry"
)

// Notifier delivers out-of-band signals to agents. Delivery is best-effort
// and happens outside any registry critical section.
type Notifier interface {
	NotifyCancelled(ctx context.Context, agentID, taskID string)
}

// Scheduler is the policy layer between the dispatch API and the registry.
type Scheduler struct {
	reg      registry.Registry
	cfg      config.SchedulerConfig
	notifier Notifier
}

// New creates a scheduler. notifier may be nil; cancel signals are then
// only observable through task state.
func New(reg registry.Registry, cfg config.SchedulerConfig, notifier Notifier) *Scheduler {
	return &Scheduler{reg: reg, cfg: cfg, notifier: notifier}
}

// SubmitSpec carries one task submission.
type SubmitSpec struct {
	Model    string
	Input    json.RawMessage
	Priority *int
}

// SubmitTask validates and enqueues a task. A nil priority takes the
// default; out-of-range values are clamped.
func (s *Scheduler) SubmitTask(ctx context.Context, spec SubmitSpec) (*models.Task, error) {
	priority := registry.ClampPriority(priorityOrDefault(spec.Priority))
	t, err := s.reg.CreateTask(ctx, spec.Model, spec.Input, priority)
	if err != nil {
		return nil, err
	}
	slog.Info("Task created", "task_id", t.ID, "model", t.Model, "priority", t.Priority)
	return t, nil
}

// SubmitBatch enqueues several tasks, failing the whole batch on the first
// invalid entry.
func (s *Scheduler) SubmitBatch(ctx context.Context, specs []SubmitSpec) ([]*models.Task, error) {
	out := make([]*models.Task, 0, len(specs))
	for i, spec := range specs {
		t, err := s.SubmitTask(ctx, spec)
		if err != nil {
			return nil, fmt.Errorf("batch entry %d: %w", i, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// GetTask returns the task view.
func (s *Scheduler) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return s.reg.GetTask(ctx, id)
}

// ListTasks returns task views matching the filter.
func (s *Scheduler) ListTasks(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error) {
	return s.reg.ListTasks(ctx, filter)
}

// ClaimNext pops the next pending task the agent can serve. Returns
// (nil, nil) on an empty queue; that is not an error at the boundary.
func (s *Scheduler) ClaimNext(ctx context.Context, agentID string) (*models.Task, error) {
	t, err := s.reg.ClaimNextPendingForAgent(ctx, agentID)
	if err == registry.ErrEmptyQueue {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	slog.Info("Task claimed", "task_id", t.ID, "agent_id", agentID, "attempt", t.AttemptCount)
	return t, nil
}

// ReportCompletion finalizes a task on behalf of its owning agent. The call
// is idempotent on terminal state: a repeat with an identical result
// succeeds, a conflicting result is a state conflict.
func (s *Scheduler) ReportCompletion(ctx context.Context, agentID, taskID string, result *models.TaskResult) (*models.Task, error) {
	t, err := s.reg.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if t.Status == models.TaskStatusCompleted {
		if t.AgentID == agentID && t.Result.Equal(result) {
			return t, nil
		}
		return nil, fmt.Errorf("task %s already completed with a different result: %w", taskID, registry.ErrStateConflict)
	}
	if t.Status.Terminal() {
		return nil, fmt.Errorf("task %s is %s: %w", taskID, t.Status, registry.ErrStateConflict)
	}

	done, err := s.reg.TransitionTask(ctx, taskID, t.Status, models.TaskStatusCompleted, agentID, result)
	if err != nil {
		return nil, err
	}
	slog.Info("Task completed", "task_id", taskID, "agent_id", agentID)
	return done, nil
}

// ReportFailure records a failure from the owning agent. Transient error
// kinds are retried by returning the task to pending until the attempt
// limit; everything else finalizes as failed.
func (s *Scheduler) ReportFailure(ctx context.Context, agentID, taskID, errorKind, message string) (*models.Task, error) {
	t, err := s.reg.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, fmt.Errorf("task %s is %s: %w", taskID, t.Status, registry.ErrStateConflict)
	}

	if transientKind(errorKind) && t.AttemptCount < s.cfg.MaxAttempts {
		requeued, err := s.reg.RequeueTask(ctx, taskID, agentID, true)
		if err != nil {
			return nil, err
		}
		slog.Warn("Task requeued after transient failure",
			"task_id", taskID,
			"agent_id", agentID,
			"error_kind", errorKind,
			"attempt", requeued.AttemptCount)
		return requeued, nil
	}

	result := &models.TaskResult{ErrorKind: errorKind, Error: message}
	failed, err := s.reg.TransitionTask(ctx, taskID, t.Status, models.TaskStatusFailed, agentID, result)
	if err != nil {
		return nil, err
	}
	slog.Warn("Task failed",
		"task_id", taskID,
		"agent_id", agentID,
		"error_kind", errorKind,
		"attempts", failed.AttemptCount)
	return failed, nil
}

// Cancel cancels a pending or in-flight task. The state transition is
// synchronous; the cancel signal to an owning agent is best-effort and
// asynchronous.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) (*models.Task, error) {
	t, err := s.reg.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, fmt.Errorf("task %s is %s: %w", taskID, t.Status, registry.ErrStateConflict)
	}

	owner := t.AgentID
	wasActive := t.Status.Active()

	cancelled, err := s.reg.TransitionTask(ctx, taskID, t.Status, models.TaskStatusCancelled, "", nil)
	if err != nil {
		return nil, err
	}
	slog.Info("Task cancelled", "task_id", taskID, "owner", owner)

	if wasActive && owner != "" && s.notifier != nil {
		go s.notifier.NotifyCancelled(context.WithoutCancel(ctx), owner, taskID)
	}
	return cancelled, nil
}

// UpdateStatus applies an agent-driven status update from the generic
// status endpoint: promotion to running, or a terminal report.
func (s *Scheduler) UpdateStatus(ctx context.Context, taskID string, status models.TaskStatus, result *models.TaskResult) (*models.Task, error) {
	t, err := s.reg.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	switch status {
	case models.TaskStatusRunning:
		return s.reg.TransitionTask(ctx, taskID, t.Status, models.TaskStatusRunning, "", nil)
	case models.TaskStatusCompleted:
		return s.ReportCompletion(ctx, t.AgentID, taskID, result)
	case models.TaskStatusFailed:
		kind, message := models.ErrorKindInternal, "task failed"
		if result != nil {
			if result.ErrorKind != "" {
				kind = result.ErrorKind
			}
			if result.Error != "" {
				message = result.Error
			}
		}
		return s.ReportFailure(ctx, t.AgentID, taskID, kind, message)
	case models.TaskStatusCancelled:
		return s.Cancel(ctx, taskID)
	default:
		return nil, registry.NewValidationError("status", fmt.Sprintf("cannot set status %q", status))
	}
}

// ReclaimAgentTasks returns every in-flight task owned by the agent to
// pending with its attempt count incremented. Invoked by the liveness
// monitor when the owner is declared offline.
func (s *Scheduler) ReclaimAgentTasks(ctx context.Context, agentID string) (int, error) {
	reclaimed := 0
	for _, status := range []models.TaskStatus{models.TaskStatusAssigned, models.TaskStatusRunning} {
		tasks, err := s.reg.ListTasks(ctx, models.TaskFilter{Status: status, AgentID: agentID})
		if err != nil {
			return reclaimed, err
		}
		for _, t := range tasks {
			if _, err := s.reg.RequeueTask(ctx, t.ID, agentID, false); err != nil {
				slog.Error("Failed to reclaim orphaned task",
					"task_id", t.ID,
					"agent_id", agentID,
					"error", err)
				continue
			}
			slog.Warn("Orphaned task returned to pending", "task_id", t.ID, "agent_id", agentID)
			reclaimed++
		}
	}
	return reclaimed, nil
}

// PromoteStale makes long-waiting pending tasks more urgent. Invoked on
// each liveness sweep.
func (s *Scheduler) PromoteStale(ctx context.Context) (int, error) {
	return s.reg.PromoteStalePending(ctx, s.cfg.StalePendingThreshold)
}

func priorityOrDefault(p *int) int {
	if p == nil {
		return 5
	}
	return *p
}

// transientKind classifies agent-reported error kinds. Only transient
// failures are retried; unknown kinds are treated as permanent.
func transientKind(kind string) bool {
	switch kind {
	case models.ErrorKindUnavailable, models.ErrorKindTimeout, models.ErrorKindResourceExhausted:
		return true
	}
	return false
}
