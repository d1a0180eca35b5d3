package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jitenkr2030/exostack/pkg/models"
)

// Key layout, matching the documented persistent-state namespace:
//
//	agent:{id}       JSON agent record
//	task:{id}        JSON task record
//	queue:pending    zset of task ids scored by effective_priority|created_at
//	notify:{id}      list of JSON notifications, TTL-bounded
//	handoff:history  capped list of JSON handoff records
//	agents / tasks   index sets
const (
	agentKeyPrefix  = "agent:"
	taskKeyPrefix   = "task:"
	pendingQueueKey = "queue:pending"
	notifyKeyPrefix = "notify:"
	handoffKey      = "handoff:history"
	agentIndexKey   = "agents"
	taskIndexKey    = "tasks"

	// handoffHistoryCap bounds the handoff:history list.
	handoffHistoryCap = 10000

	// txRetries bounds optimistic-transaction retries before the conflict
	// surfaces to the caller.
	txRetries = 5
)

// Redis is the Registry backend over a Redis-compatible key/value store.
// Atomic transitions are compare-and-set: each mutation WATCHes the keys it
// reads, agent key before task key, and commits through a MULTI pipeline.
type Redis struct {
	opts Options
	rdb  *redis.Client
}

// NewRedis connects to the store at url (redis://host:port/db) and verifies
// the connection.
func NewRedis(ctx context.Context, url string, opts Options) (*Redis, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(ropts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Redis{opts: opts.withDefaults(), rdb: rdb}, nil
}

func agentKey(id string) string  { return agentKeyPrefix + id }
func taskKey(id string) string   { return taskKeyPrefix + id }
func notifyKey(id string) string { return notifyKeyPrefix + id }

// queueScore packs (effective_priority, created_at) into a zset score so
// ZRANGE yields the queue order; ties on score fall back to the zset's
// lexicographic member order, which is the task-id tie-break.
func queueScore(t *models.Task) float64 {
	return float64(t.EffectivePriority)*1e13 + float64(t.CreatedAt.UnixMilli())
}

func getJSON[T any](ctx context.Context, c redis.Cmdable, key string) (*T, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: corrupt record at %s: %v", ErrInternal, key, err)
	}
	return &v, nil
}

func setJSON(ctx context.Context, pipe redis.Pipeliner, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		// Marshal of our own structs cannot fail; guard regardless.
		return
	}
	pipe.Set(ctx, key, data, 0)
}

// withTx runs fn as an optimistic transaction over keys, retrying on
// concurrent modification.
func (r *Redis) withTx(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < txRetries; i++ {
		err := r.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("%w: transaction contention on %v", ErrUnavailable, keys)
}

// RegisterAgent implements Registry.
func (r *Redis) RegisterAgent(ctx context.Context, spec RegisterAgentSpec) (*models.Agent, bool, error) {
	if spec.ID == "" {
		return nil, false, NewValidationError("id", "required")
	}

	var out *models.Agent
	created := false
	key := agentKey(spec.ID)
	err := r.withTx(ctx, func(tx *redis.Tx) error {
		now := time.Now()
		a, err := getJSON[models.Agent](ctx, tx, key)
		switch {
		case errors.Is(err, ErrNotFound):
			created = true
			a = &models.Agent{
				ID:           spec.ID,
				RegisteredAt: now,
			}
		case err != nil:
			return err
		default:
			created = false
			if now.Sub(a.RegisteredAt) < r.opts.DebounceWindow && !capsEqual(a.Capabilities, spec.Capabilities) {
				return fmt.Errorf("agent %s re-registered with conflicting capabilities: %w", spec.ID, ErrStateConflict)
			}
			a.RegisteredAt = now
		}
		a.Host = spec.Host
		a.Port = spec.Port
		a.Capabilities = append([]string(nil), spec.Capabilities...)
		a.Status = models.AgentStatusOnline
		a.LastHeartbeat = now
		out = a

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			setJSON(ctx, pipe, key, a)
			pipe.SAdd(ctx, agentIndexKey, spec.ID)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// RecordHeartbeat implements Registry.
func (r *Redis) RecordHeartbeat(ctx context.Context, id string, load *float64, activeTasks *int) (*models.Agent, error) {
	var out *models.Agent
	key := agentKey(id)
	err := r.withTx(ctx, func(tx *redis.Tx) error {
		a, err := getJSON[models.Agent](ctx, tx, key)
		if err != nil {
			return fmt.Errorf("agent %s: %w", id, err)
		}
		now := time.Now()
		if now.Before(a.LastHeartbeat) {
			out = a
			return nil
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
		out = a
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			setJSON(ctx, pipe, key, a)
			return nil
		})
		return err
	}, key)
	return out, err
}

// UpdateLoad implements Registry.
func (r *Redis) UpdateLoad(ctx context.Context, id string, load float64, activeTasks int) error {
	key := agentKey(id)
	return r.withTx(ctx, func(tx *redis.Tx) error {
		a, err := getJSON[models.Agent](ctx, tx, key)
		if err != nil {
			return fmt.Errorf("agent %s: %w", id, err)
		}
		a.CurrentLoad = load
		a.ActiveTasks = activeTasks
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			setJSON(ctx, pipe, key, a)
			return nil
		})
		return err
	}, key)
}

// GetAgent implements Registry.
func (r *Redis) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	a, err := getJSON[models.Agent](ctx, r.rdb, agentKey(id))
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", id, err)
	}
	return a, nil
}

// ListAgents implements Registry.
func (r *Redis) ListAgents(ctx context.Context, filter models.AgentFilter) ([]*models.Agent, error) {
	ids, err := r.rdb.SMembers(ctx, agentIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	out := make([]*models.Agent, 0, len(ids))
	for _, id := range ids {
		a, err := getJSON[models.Agent](ctx, r.rdb, agentKey(id))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.Matches(a) {
			out = append(out, a)
		}
	}
	return out, nil
}

// RemoveAgent implements Registry.
func (r *Redis) RemoveAgent(ctx context.Context, id string) error {
	key := agentKey(id)
	return r.withTx(ctx, func(tx *redis.Tx) error {
		if _, err := getJSON[models.Agent](ctx, tx, key); err != nil {
			return fmt.Errorf("agent %s: %w", id, err)
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key, notifyKey(id))
			pipe.SRem(ctx, agentIndexKey, id)
			return nil
		})
		return err
	}, key)
}

// SetAgentStatus implements Registry.
func (r *Redis) SetAgentStatus(ctx context.Context, id string, from, to models.AgentStatus) error {
	key := agentKey(id)
	return r.withTx(ctx, func(tx *redis.Tx) error {
		a, err := getJSON[models.Agent](ctx, tx, key)
		if err != nil {
			return fmt.Errorf("agent %s: %w", id, err)
		}
		if a.Status != from {
			return fmt.Errorf("agent %s is %s, expected %s: %w", id, a.Status, from, ErrStateConflict)
		}
		a.Status = to
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			setJSON(ctx, pipe, key, a)
			return nil
		})
		return err
	}, key)
}

// CreateTask implements Registry.
func (r *Redis) CreateTask(ctx context.Context, model string, input []byte, priority int) (*models.Task, error) {
	if model == "" {
		return nil, NewValidationError("model", "required")
	}
	if len(input) == 0 {
		return nil, NewValidationError("input_data", "required")
	}
	priority = ClampPriority(priority)

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
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		setJSON(ctx, pipe, taskKey(t.ID), t)
		pipe.SAdd(ctx, taskIndexKey, t.ID)
		pipe.ZAdd(ctx, pendingQueueKey, redis.Z{Score: queueScore(t), Member: t.ID})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return t, nil
}

// GetTask implements Registry.
func (r *Redis) GetTask(ctx context.Context, id string) (*models.Task, error) {
	t, err := getJSON[models.Task](ctx, r.rdb, taskKey(id))
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks implements Registry.
func (r *Redis) ListTasks(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error) {
	ids, err := r.rdb.SMembers(ctx, taskIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	out := make([]*models.Task, 0, len(ids))
	for _, id := range ids {
		t, err := getJSON[models.Task](ctx, r.rdb, taskKey(id))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.Matches(t) {
			out = append(out, t)
		}
	}
	sortTasksNewestFirst(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ClaimNextPendingForAgent implements Registry. The queue key is in the
// watch set, so any concurrent claim or cancellation that removes the chosen
// member aborts and retries this transaction; pending tasks only leave the
// queue through those two paths.
func (r *Redis) ClaimNextPendingForAgent(ctx context.Context, agentID string) (*models.Task, error) {
	var out *models.Task
	aKey := agentKey(agentID)
	err := r.withTx(ctx, func(tx *redis.Tx) error {
		out = nil
		a, err := getJSON[models.Agent](ctx, tx, aKey)
		if err != nil {
			return fmt.Errorf("agent %s: %w", agentID, err)
		}
		if a.Status != models.AgentStatusOnline {
			return fmt.Errorf("agent %s is %s: %w", agentID, a.Status, ErrUnavailable)
		}

		ids, err := tx.ZRange(ctx, pendingQueueKey, 0, -1).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}
		for _, id := range ids {
			t, err := getJSON[models.Task](ctx, tx, taskKey(id))
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if t.Status != models.TaskStatusPending || !a.Supports(t.Model) {
				continue
			}
			now := time.Now()
			t.Status = models.TaskStatusAssigned
			t.AgentID = agentID
			t.AssignedAt = &now
			a.ActiveTasks++
			out = t
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZRem(ctx, pendingQueueKey, id)
				setJSON(ctx, pipe, taskKey(id), t)
				setJSON(ctx, pipe, aKey, a)
				return nil
			})
			return err
		}
		return ErrEmptyQueue
	}, aKey, pendingQueueKey)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TransitionTask implements Registry.
func (r *Redis) TransitionTask(ctx context.Context, taskID string, expected, next models.TaskStatus, owner string, result *models.TaskResult) (*models.Task, error) {
	// Peek at the record to learn the owning agent, then re-validate inside
	// the watched transaction; a reassign in between rewrites the task key
	// and aborts the commit.
	peek, err := r.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	tKey := taskKey(taskID)
	watch := []string{tKey}
	if peek.AgentID != "" {
		watch = append([]string{agentKey(peek.AgentID)}, watch...)
	}

	var out *models.Task
	err = r.withTx(ctx, func(tx *redis.Tx) error {
		t, err := getJSON[models.Task](ctx, tx, tKey)
		if err != nil {
			return fmt.Errorf("task %s: %w", taskID, err)
		}
		if owner != "" && t.AgentID != owner {
			return fmt.Errorf("task %s is not owned by agent %s: %w", taskID, owner, ErrPermissionDenied)
		}
		if t.Status != expected {
			return fmt.Errorf("task %s is %s, expected %s: %w", taskID, t.Status, expected, ErrStateConflict)
		}
		if !transitionAllowed(t.Status, next) {
			return fmt.Errorf("task %s cannot move from %s to %s: %w", taskID, t.Status, next, ErrStateConflict)
		}

		var a *models.Agent
		if t.AgentID != "" {
			a, err = getJSON[models.Agent](ctx, tx, agentKey(t.AgentID))
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
		}

		wasActive := t.Status.Active()
		wasPending := t.Status == models.TaskStatusPending
		now := time.Now()
		t.Status = next

		switch next {
		case models.TaskStatusRunning:
		case models.TaskStatusCompleted:
			t.CompletedAt = &now
			t.Result = result
			if a != nil {
				a.TasksCompleted++
				if wasActive {
					a.ActiveTasks = max(0, a.ActiveTasks-1)
				}
			}
		case models.TaskStatusFailed:
			t.CompletedAt = &now
			t.Result = result
			if a != nil {
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
			if wasActive && a != nil {
				a.ActiveTasks = max(0, a.ActiveTasks-1)
			}
		}
		out = t

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			setJSON(ctx, pipe, tKey, t)
			if a != nil {
				setJSON(ctx, pipe, agentKey(a.ID), a)
			}
			if wasPending && next == models.TaskStatusCancelled {
				pipe.ZRem(ctx, pendingQueueKey, taskID)
			}
			return nil
		})
		return err
	}, watch...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReassignTask implements Registry.
func (r *Redis) ReassignTask(ctx context.Context, taskID, fromAgent, toAgent string) (*models.Task, error) {
	fromKey, toKey, tKey := agentKey(fromAgent), agentKey(toAgent), taskKey(taskID)

	var out *models.Task
	err := r.withTx(ctx, func(tx *redis.Tx) error {
		to, err := getJSON[models.Agent](ctx, tx, toKey)
		if err != nil {
			return fmt.Errorf("agent %s: %w", toAgent, err)
		}
		if to.Status != models.AgentStatusOnline {
			return fmt.Errorf("agent %s is %s: %w", toAgent, to.Status, ErrUnavailable)
		}
		t, err := getJSON[models.Task](ctx, tx, tKey)
		if err != nil {
			return fmt.Errorf("task %s: %w", taskID, err)
		}
		if !t.Status.Active() {
			return fmt.Errorf("task %s is %s, not in flight: %w", taskID, t.Status, ErrStateConflict)
		}
		if t.AgentID != fromAgent {
			return fmt.Errorf("task %s is not owned by agent %s: %w", taskID, fromAgent, ErrStateConflict)
		}
		from, err := getJSON[models.Agent](ctx, tx, fromKey)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if from != nil {
			from.ActiveTasks = max(0, from.ActiveTasks-1)
		}
		to.ActiveTasks++
		now := time.Now()
		t.AgentID = toAgent
		t.AssignedAt = &now
		out = t

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if from != nil {
				setJSON(ctx, pipe, fromKey, from)
			}
			setJSON(ctx, pipe, toKey, to)
			setJSON(ctx, pipe, tKey, t)
			return nil
		})
		return err
	}, fromKey, toKey, tKey)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RequeueTask implements Registry.
func (r *Redis) RequeueTask(ctx context.Context, taskID, fromAgent string, recordFailure bool) (*models.Task, error) {
	peek, err := r.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	tKey := taskKey(taskID)
	watch := []string{tKey, pendingQueueKey}
	if peek.AgentID != "" {
		watch = append([]string{agentKey(peek.AgentID)}, watch...)
	}

	var out *models.Task
	err = r.withTx(ctx, func(tx *redis.Tx) error {
		t, err := getJSON[models.Task](ctx, tx, tKey)
		if err != nil {
			return fmt.Errorf("task %s: %w", taskID, err)
		}
		if !t.Status.Active() {
			return fmt.Errorf("task %s is %s, not in flight: %w", taskID, t.Status, ErrStateConflict)
		}
		if fromAgent != "" && t.AgentID != fromAgent {
			return fmt.Errorf("task %s is not owned by agent %s: %w", taskID, fromAgent, ErrPermissionDenied)
		}

		var a *models.Agent
		if t.AgentID != "" {
			a, err = getJSON[models.Agent](ctx, tx, agentKey(t.AgentID))
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		if a != nil {
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
		out = t

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			setJSON(ctx, pipe, tKey, t)
			if a != nil {
				setJSON(ctx, pipe, agentKey(a.ID), a)
			}
			pipe.ZAdd(ctx, pendingQueueKey, redis.Z{Score: queueScore(t), Member: taskID})
			return nil
		})
		return err
	}, watch...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PromoteStalePending implements Registry.
func (r *Redis) PromoteStalePending(ctx context.Context, olderThan time.Duration) (int, error) {
	promoted := 0
	err := r.withTx(ctx, func(tx *redis.Tx) error {
		promoted = 0
		ids, err := tx.ZRange(ctx, pendingQueueKey, 0, -1).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}
		cutoff := time.Now().Add(-olderThan)
		type bump struct{ t *models.Task }
		var bumps []bump
		for _, id := range ids {
			t, err := getJSON[models.Task](ctx, tx, taskKey(id))
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if t.Status == models.TaskStatusPending && t.CreatedAt.Before(cutoff) && t.EffectivePriority > MinPriority {
				t.EffectivePriority--
				bumps = append(bumps, bump{t})
			}
		}
		if len(bumps) == 0 {
			return nil
		}
		promoted = len(bumps)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, b := range bumps {
				setJSON(ctx, pipe, taskKey(b.t.ID), b.t)
				pipe.ZAdd(ctx, pendingQueueKey, redis.Z{Score: queueScore(b.t), Member: b.t.ID})
			}
			return nil
		})
		return err
	}, pendingQueueKey)
	return promoted, err
}

// PruneTerminal implements Registry.
func (r *Redis) PruneTerminal(ctx context.Context, retention time.Duration) (int, error) {
	ids, err := r.rdb.SMembers(ctx, taskIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	cutoff := time.Now().Add(-retention)
	pruned := 0
	for _, id := range ids {
		t, err := getJSON[models.Task](ctx, r.rdb, taskKey(id))
		if errors.Is(err, ErrNotFound) {
			r.rdb.SRem(ctx, taskIndexKey, id)
			continue
		}
		if err != nil {
			return pruned, err
		}
		if t.Status.Terminal() && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, taskKey(id))
				pipe.SRem(ctx, taskIndexKey, id)
				return nil
			})
			if err != nil {
				return pruned, fmt.Errorf("%w: %v", ErrInternal, err)
			}
			pruned++
		}
	}
	return pruned, nil
}

// PushNotification implements Registry. The list is bounded by LTRIM and
// expires after the notification TTL, so an agent that never drains does
// not accumulate state.
func (r *Redis) PushNotification(ctx context.Context, agentID string, n *models.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	key := notifyKey(agentID)
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.LTrim(ctx, key, int64(-r.opts.NotifyQueueLimit), -1)
		pipe.Expire(ctx, key, r.opts.NotifyTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return nil
}

// DrainNotifications implements Registry.
func (r *Redis) DrainNotifications(ctx context.Context, agentID string) ([]*models.Notification, error) {
	key := notifyKey(agentID)
	var out []*models.Notification
	err := r.withTx(ctx, func(tx *redis.Tx) error {
		out = nil
		vals, err := tx.LRange(ctx, key, 0, -1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}
		if len(vals) == 0 {
			return nil
		}
		for _, v := range vals {
			var n models.Notification
			if err := json.Unmarshal([]byte(v), &n); err != nil {
				continue
			}
			out = append(out, &n)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	return out, err
}

// PruneNotifications implements Registry. Redis handles expiry through the
// key TTL set on push; nothing to sweep.
func (r *Redis) PruneNotifications(context.Context, time.Duration) error { return nil }

// Stats implements Registry.
func (r *Redis) Stats(ctx context.Context) (map[string]int, map[string]int, error) {
	agents, err := r.ListAgents(ctx, models.AgentFilter{})
	if err != nil {
		return nil, nil, err
	}
	tasks, err := r.ListTasks(ctx, models.TaskFilter{})
	if err != nil {
		return nil, nil, err
	}
	nodes := map[string]int{"total": len(agents)}
	for _, a := range agents {
		nodes[string(a.Status)]++
	}
	taskCounts := map[string]int{"total": len(tasks)}
	for _, t := range tasks {
		taskCounts[string(t.Status)]++
	}
	return nodes, taskCounts, nil
}

// AppendHandoff archives a terminal handoff record to the capped
// handoff:history list. Implements handoff.Archiver.
func (r *Redis) AppendHandoff(ctx context.Context, h *models.Handoff) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, handoffKey, data)
		pipe.LTrim(ctx, handoffKey, -handoffHistoryCap, -1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return nil
}

// Close implements Registry.
func (r *Redis) Close() error { return r.rdb.Close() }

func sortTasksNewestFirst(tasks []*models.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}
