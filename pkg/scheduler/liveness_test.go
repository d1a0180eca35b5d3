package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jitenkr2030/exostack/pkg/config"
	"github.com/jitenkr2030/exostack/pkg/models"
	"github.com/jitenkr2030/exostack/pkg/registry"
)

func newTestMonitor(t *testing.T, offlineThreshold time.Duration) (*Monitor, *Scheduler, *registry.Memory) {
	t.Helper()
	reg := registry.NewMemory(registry.Options{})
	cfg := config.Default()
	cfg.Liveness.OfflineThreshold = offlineThreshold
	sched := New(reg, cfg.Scheduler, nil)
	return NewMonitor(reg, sched, cfg), sched, reg
}

func TestSweepDemotesSilentAgents(t *testing.T) {
	ctx := context.Background()
	monitor, sched, reg := newTestMonitor(t, 20*time.Millisecond)
	register(t, reg, "a1")

	task, err := sched.SubmitTask(ctx, SubmitSpec{Model: "llama-7b", Input: testInput})
	require.NoError(t, err)
	claimed, err := sched.ClaimNext(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, 1, claimed.AttemptCount)

	// Let the heartbeat lapse past the threshold.
	time.Sleep(40 * time.Millisecond)
	monitor.sweep(ctx)

	a, err := reg.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusOffline, a.Status)
	assert.Equal(t, 0, a.ActiveTasks)
	assert.Equal(t, 0, a.TasksFailed)

	// Orphan is pending again with the attempt incremented.
	got, err := sched.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Empty(t, got.AgentID)

	health := monitor.Health()
	assert.Equal(t, int64(1), health.AgentsDemoted)
	assert.Equal(t, int64(1), health.OrphansReclaimed)

	// A heartbeat resurrects the agent, which can then reclaim the task.
	_, err = reg.RecordHeartbeat(ctx, "a1", nil, nil)
	require.NoError(t, err)
	again, err := sched.ClaimNext(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, task.ID, again.ID)
	assert.Equal(t, 2, again.AttemptCount)
}

func TestSweepLeavesHealthyAgentsAlone(t *testing.T) {
	ctx := context.Background()
	monitor, _, reg := newTestMonitor(t, time.Minute)
	register(t, reg, "a1")

	monitor.sweep(ctx)

	a, err := reg.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusOnline, a.Status)
	assert.Equal(t, int64(0), monitor.Health().AgentsDemoted)
}

func TestSweepPromotesStalePending(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory(registry.Options{})
	cfg := config.Default()
	cfg.Scheduler.StalePendingThreshold = 0
	sched := New(reg, cfg.Scheduler, nil)
	monitor := NewMonitor(reg, sched, cfg)

	task, err := sched.SubmitTask(ctx, SubmitSpec{Model: "llama-7b", Input: testInput})
	require.NoError(t, err)
	monitor.sweep(ctx)

	got, err := sched.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.EffectivePriority)
	assert.Equal(t, 5, got.Priority)
}

func TestMonitorStartStop(t *testing.T) {
	monitor, _, _ := newTestMonitor(t, time.Minute)
	monitor.Start(context.Background())
	monitor.Stop()
}
