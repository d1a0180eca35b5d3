package handoff

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jitenkr2030/exostack/pkg/models"
	"github.com/jitenkr2030/exostack/pkg/registry"
)

// agentEndpoint runs a fake agent HTTP endpoint and returns its host/port
// plus the notifications it received.
type agentEndpoint struct {
	srv *httptest.Server

	mu       sync.Mutex
	received []models.Notification
	status   int
}

func newAgentEndpoint(t *testing.T, status int) *agentEndpoint {
	t.Helper()
	e := &agentEndpoint{status: status}
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n models.Notification
		require.NoError(t, json.NewDecoder(r.Body).Decode(&n))
		e.mu.Lock()
		e.received = append(e.received, n)
		e.mu.Unlock()
		w.WriteHeader(e.status)
	}))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *agentEndpoint) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(e.srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func (e *agentEndpoint) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.received)
}

func registerWithEndpoint(t *testing.T, reg *registry.Memory, id, host string, port int) *models.Agent {
	t.Helper()
	a, _, err := reg.RegisterAgent(context.Background(), registry.RegisterAgentSpec{ID: id, Host: host, Port: port})
	require.NoError(t, err)
	return a
}

func TestDeliver(t *testing.T) {
	ctx := context.Background()
	note := &models.Notification{Type: models.NotificationTaskHandoff, TaskID: "t1", Timestamp: time.Now()}

	t.Run("direct push when the agent is reachable", func(t *testing.T) {
		reg := registry.NewMemory(registry.Options{})
		endpoint := newAgentEndpoint(t, http.StatusOK)
		host, port := endpoint.hostPort(t)
		agent := registerWithEndpoint(t, reg, "a1", host, port)

		n := NewHTTPNotifier(reg, time.Second)
		pushed, err := n.Deliver(ctx, agent, note)
		require.NoError(t, err)
		assert.True(t, pushed)
		assert.Equal(t, 1, endpoint.count())

		// Nothing queued after a successful push.
		queued, err := reg.DrainNotifications(ctx, "a1")
		require.NoError(t, err)
		assert.Empty(t, queued)
	})

	t.Run("queue fallback when the push endpoint errors", func(t *testing.T) {
		reg := registry.NewMemory(registry.Options{})
		endpoint := newAgentEndpoint(t, http.StatusInternalServerError)
		host, port := endpoint.hostPort(t)
		agent := registerWithEndpoint(t, reg, "a1", host, port)

		n := NewHTTPNotifier(reg, time.Second)
		pushed, err := n.Deliver(ctx, agent, note)
		require.NoError(t, err)
		assert.False(t, pushed)

		queued, err := reg.DrainNotifications(ctx, "a1")
		require.NoError(t, err)
		require.Len(t, queued, 1)
		assert.Equal(t, "t1", queued[0].TaskID)
	})

	t.Run("queue fallback when the agent has no endpoint", func(t *testing.T) {
		reg := registry.NewMemory(registry.Options{})
		agent := registerWithEndpoint(t, reg, "a1", "", 0)

		n := NewHTTPNotifier(reg, time.Second)
		pushed, err := n.Deliver(ctx, agent, note)
		require.NoError(t, err)
		assert.False(t, pushed)

		queued, err := reg.DrainNotifications(ctx, "a1")
		require.NoError(t, err)
		require.Len(t, queued, 1)
	})
}

func TestNotifyCancelled(t *testing.T) {
	ctx := context.Background()

	t.Run("queues for an agent without an endpoint", func(t *testing.T) {
		reg := registry.NewMemory(registry.Options{})
		registerWithEndpoint(t, reg, "a1", "", 0)

		n := NewHTTPNotifier(reg, time.Second)
		n.NotifyCancelled(ctx, "a1", "t1")

		queued, err := reg.DrainNotifications(ctx, "a1")
		require.NoError(t, err)
		require.Len(t, queued, 1)
		assert.Equal(t, models.NotificationTaskCancelled, queued[0].Type)
		assert.Equal(t, "t1", queued[0].TaskID)
	})

	t.Run("unknown agent is dropped quietly", func(t *testing.T) {
		reg := registry.NewMemory(registry.Options{})
		n := NewHTTPNotifier(reg, time.Second)
		n.NotifyCancelled(ctx, "ghost", "t1")
	})
}
