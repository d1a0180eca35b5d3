package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jitenkr2030/exostack/pkg/config"
	"github.com/jitenkr2030/exostack/pkg/models"
	"github.com/jitenkr2030/exostack/pkg/registry"
)

// Monitor runs the background liveness sweep: it demotes agents whose
// heartbeats have lapsed, returns their in-flight tasks to the queue,
// escalates stale pending work and expires old records.
type Monitor struct {
	reg       registry.Registry
	sched     *Scheduler
	cfg       config.LivenessConfig
	retention time.Duration
	notifyTTL time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu               sync.Mutex
	lastSweep        time.Time
	agentsDemoted    int64
	orphansReclaimed int64
}

// NewMonitor wires a liveness monitor over the registry and scheduler.
func NewMonitor(reg registry.Registry, sched *Scheduler, cfg *config.Config) *Monitor {
	return &Monitor{
		reg:       reg,
		sched:     sched,
		cfg:       cfg.Liveness,
		retention: cfg.Scheduler.Retention,
		notifyTTL: cfg.Store.NotifyTTL,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the sweep loops. The context bounds each individual sweep,
// not the monitor lifetime; call Stop to shut down.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(2)

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		slog.Info("Liveness monitor started",
			"sweep_interval", m.cfg.SweepInterval,
			"offline_threshold", m.cfg.OfflineThreshold)
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.sweep(ctx)
			}
		}
	}()

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.RetentionSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.sweepRetention(ctx)
			}
		}
	}()
}

// Stop halts the sweep loops and waits for any in-progress sweep.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	slog.Info("Liveness monitor stopped")
}

// sweep performs one liveness pass. Errors are logged, never fatal; the
// next tick retries.
func (m *Monitor) sweep(ctx context.Context) {
	now := time.Now()
	demoted := 0
	reclaimed := 0

	agents, err := m.reg.ListAgents(ctx, models.AgentFilter{Status: models.AgentStatusOnline})
	if err != nil {
		slog.Error("Liveness sweep failed to list agents", "error", err)
	} else {
		for _, a := range agents {
			if now.Sub(a.LastHeartbeat) <= m.cfg.OfflineThreshold {
				continue
			}
			err := m.reg.SetAgentStatus(ctx, a.ID, models.AgentStatusOnline, models.AgentStatusOffline)
			if err != nil {
				// A heartbeat or another sweep won the race; leave it be.
				slog.Debug("Skipping agent demotion", "agent_id", a.ID, "error", err)
				continue
			}
			slog.Warn("Agent marked offline",
				"agent_id", a.ID,
				"last_heartbeat", a.LastHeartbeat,
				"threshold", m.cfg.OfflineThreshold)
			demoted++

			n, err := m.sched.ReclaimAgentTasks(ctx, a.ID)
			if err != nil {
				slog.Error("Orphan reclamation incomplete", "agent_id", a.ID, "error", err)
			}
			reclaimed += n
		}
	}

	if n, err := m.sched.PromoteStale(ctx); err != nil {
		slog.Error("Stale-pending promotion failed", "error", err)
	} else if n > 0 {
		slog.Info("Promoted stale pending tasks", "count", n)
	}

	if err := m.reg.PruneNotifications(ctx, m.notifyTTL); err != nil {
		slog.Error("Notification prune failed", "error", err)
	}

	m.mu.Lock()
	m.lastSweep = now
	m.agentsDemoted += int64(demoted)
	m.orphansReclaimed += int64(reclaimed)
	m.mu.Unlock()
}

func (m *Monitor) sweepRetention(ctx context.Context) {
	n, err := m.reg.PruneTerminal(ctx, m.retention)
	if err != nil {
		slog.Error("Terminal-task prune failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("Pruned terminal tasks", "count", n, "retention", m.retention)
	}
}

// Health reports the monitor's recent activity for the health endpoint.
type Health struct {
	LastSweep        time.Time `json:"last_sweep"`
	AgentsDemoted    int64     `json:"agents_demoted"`
	OrphansReclaimed int64     `json:"orphans_reclaimed"`
}

// Health returns a snapshot of sweep activity.
func (m *Monitor) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Health{
		LastSweep:        m.lastSweep,
		AgentsDemoted:    m.agentsDemoted,
		OrphansReclaimed: m.orphansReclaimed,
	}
}
