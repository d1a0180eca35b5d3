package handoff

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jitenkr2030/exostack/pkg/models"
	"github.com/jitenkr2030/exostack/pkg/registry"
)

// HTTPNotifier delivers notifications to agents. It tries a direct push to
// the agent's advertised endpoint first and falls back to the agent's
// pending-notification queue, which the agent drains on heartbeat.
type HTTPNotifier struct {
	reg         registry.Registry
	client      *http.Client
	pushTimeout time.Duration
}

// NewHTTPNotifier builds a notifier over the registry's notification queue.
func NewHTTPNotifier(reg registry.Registry, pushTimeout time.Duration) *HTTPNotifier {
	return &HTTPNotifier{
		reg:         reg,
		client:      &http.Client{Timeout: pushTimeout},
		pushTimeout: pushTimeout,
	}
}

// Deliver sends the notification to the agent, returning whether a direct
// push succeeded. A failed push is not an error as long as the queue
// fallback accepted the notification.
func (n *HTTPNotifier) Deliver(ctx context.Context, agent *models.Agent, note *models.Notification) (pushed bool, err error) {
	if agent.Host != "" && agent.Port > 0 {
		if err := n.push(ctx, agent, note); err == nil {
			return true, nil
		} else {
			slog.Warn("Direct push failed, queueing notification",
				"agent_id", agent.ID,
				"type", note.Type,
				"error", err)
		}
	}
	if err := n.reg.PushNotification(ctx, agent.ID, note); err != nil {
		return false, fmt.Errorf("failed to queue notification for agent %s: %w", agent.ID, err)
	}
	return false, nil
}

func (n *HTTPNotifier) push(ctx context.Context, agent *models.Agent, note *models.Notification) error {
	body, err := json.Marshal(note)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, n.pushTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d/handoff/receive", agent.Host, agent.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("agent returned %d", resp.StatusCode)
	}
	return nil
}

// NotifyCancelled tells an agent its in-flight task was cancelled.
// Best-effort: delivery failures are logged and dropped.
func (n *HTTPNotifier) NotifyCancelled(ctx context.Context, agentID, taskID string) {
	agent, err := n.reg.GetAgent(ctx, agentID)
	if err != nil {
		slog.Warn("Cannot notify unknown agent of cancellation", "agent_id", agentID, "task_id", taskID)
		return
	}
	note := &models.Notification{
		Type:      models.NotificationTaskCancelled,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
	}
	if _, err := n.Deliver(ctx, agent, note); err != nil {
		slog.Warn("Cancellation notification dropped",
			"agent_id", agentID,
			"task_id", taskID,
			"error", err)
	}
}
