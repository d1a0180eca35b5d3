package registry

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jitenkr2030/exostack/pkg/models"
)

// Metrics holds the counters the instrumented registry maintains. Collectors
// are registered against the given registerer so tests can instantiate fresh
// instances per case.
type Metrics struct {
	agentsRegistered prometheus.Counter
	heartbeats       prometheus.Counter
	tasksCreated     prometheus.Counter
	tasksClaimed     prometheus.Counter
	tasksCompleted   prometheus.Counter
	tasksFailed      prometheus.Counter
	tasksCancelled   prometheus.Counter
	tasksRequeued    prometheus.Counter
	tasksReassigned  prometheus.Counter
	queueDepth       prometheus.Gauge
}

// NewMetrics creates and registers the hub metric set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exostack",
			Subsystem: "hub",
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(c)
		return c
	}
	m := &Metrics{
		agentsRegistered: counter("agents_registered_total", "Agent registrations accepted by the hub."),
		heartbeats:       counter("heartbeats_total", "Heartbeats recorded."),
		tasksCreated:     counter("tasks_created_total", "Tasks submitted and enqueued."),
		tasksClaimed:     counter("tasks_claimed_total", "Tasks claimed by agents."),
		tasksCompleted:   counter("tasks_completed_total", "Tasks reported completed."),
		tasksFailed:      counter("tasks_failed_total", "Tasks reaching terminal failure."),
		tasksCancelled:   counter("tasks_cancelled_total", "Tasks cancelled."),
		tasksRequeued:    counter("tasks_requeued_total", "Tasks returned to pending by retry or orphan reclamation."),
		tasksReassigned:  counter("tasks_reassigned_total", "Tasks moved between agents by handoff."),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "exostack",
			Subsystem: "hub",
			Name:      "pending_queue_depth",
			Help:      "Tasks currently in the pending queue.",
		}),
	}
	reg.MustRegister(m.queueDepth)
	return m
}

// Instrumented wraps a Registry with prometheus counters. It records what
// happened; it never influences a state transition.
type Instrumented struct {
	Registry
	m *Metrics
}

// NewInstrumented wraps inner with the given metric set.
func NewInstrumented(inner Registry, m *Metrics) *Instrumented {
	return &Instrumented{Registry: inner, m: m}
}

func (i *Instrumented) RegisterAgent(ctx context.Context, spec RegisterAgentSpec) (*models.Agent, bool, error) {
	a, created, err := i.Registry.RegisterAgent(ctx, spec)
	if err == nil {
		i.m.agentsRegistered.Inc()
	}
	return a, created, err
}

func (i *Instrumented) RecordHeartbeat(ctx context.Context, id string, load *float64, activeTasks *int) (*models.Agent, error) {
	a, err := i.Registry.RecordHeartbeat(ctx, id, load, activeTasks)
	if err == nil {
		i.m.heartbeats.Inc()
	}
	return a, err
}

func (i *Instrumented) CreateTask(ctx context.Context, model string, input []byte, priority int) (*models.Task, error) {
	t, err := i.Registry.CreateTask(ctx, model, input, priority)
	if err == nil {
		i.m.tasksCreated.Inc()
		i.m.queueDepth.Inc()
	}
	return t, err
}

func (i *Instrumented) ClaimNextPendingForAgent(ctx context.Context, agentID string) (*models.Task, error) {
	t, err := i.Registry.ClaimNextPendingForAgent(ctx, agentID)
	if err == nil {
		i.m.tasksClaimed.Inc()
		i.m.queueDepth.Dec()
	}
	return t, err
}

func (i *Instrumented) TransitionTask(ctx context.Context, taskID string, expected, next models.TaskStatus, owner string, result *models.TaskResult) (*models.Task, error) {
	t, err := i.Registry.TransitionTask(ctx, taskID, expected, next, owner, result)
	if err == nil {
		switch next {
		case models.TaskStatusCompleted:
			i.m.tasksCompleted.Inc()
		case models.TaskStatusFailed:
			i.m.tasksFailed.Inc()
		case models.TaskStatusCancelled:
			i.m.tasksCancelled.Inc()
			if expected == models.TaskStatusPending {
				i.m.queueDepth.Dec()
			}
		}
	}
	return t, err
}

func (i *Instrumented) ReassignTask(ctx context.Context, taskID, fromAgent, toAgent string) (*models.Task, error) {
	t, err := i.Registry.ReassignTask(ctx, taskID, fromAgent, toAgent)
	if err == nil {
		i.m.tasksReassigned.Inc()
	}
	return t, err
}

func (i *Instrumented) RequeueTask(ctx context.Context, taskID, fromAgent string, recordFailure bool) (*models.Task, error) {
	t, err := i.Registry.RequeueTask(ctx, taskID, fromAgent, recordFailure)
	if err == nil {
		i.m.tasksRequeued.Inc()
		i.m.queueDepth.Inc()
	}
	return t, err
}

// IsNotFound is a convenience for callers that treat missing records as a
// soft condition.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
