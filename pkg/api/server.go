// Package api is the hub's HTTP surface. Handlers are thin: they bind and
// validate the request shape, call the scheduler, registry or handoff
// manager, and map errors to the wire envelope.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jitenkr2030/exostack/pkg/config"
	"github.com/jitenkr2030/exostack/pkg/handoff"
	"github.com/jitenkr2030/exostack/pkg/registry"
	"github.com/jitenkr2030/exostack/pkg/scheduler"
)

// Server wires the hub's HTTP routes to its services.
type Server struct {
	cfg      *config.Config
	reg      registry.Registry
	sched    *scheduler.Scheduler
	handoffs *handoff.Manager
	monitor  *scheduler.Monitor
	gatherer prometheus.Gatherer

	startedAt  time.Time
	httpServer *http.Server
}

// NewServer creates the API server. monitor and gatherer may be nil (the
// health endpoint then omits sweep activity; /metrics serves the default
// gatherer).
func NewServer(
	cfg *config.Config,
	reg registry.Registry,
	sched *scheduler.Scheduler,
	handoffs *handoff.Manager,
	monitor *scheduler.Monitor,
	gatherer prometheus.Gatherer,
) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		cfg:       cfg,
		reg:       reg,
		sched:     sched,
		handoffs:  handoffs,
		monitor:   monitor,
		gatherer:  gatherer,
		startedAt: time.Now(),
	}
}

// Handler builds the route tree. Exposed separately from Start so tests can
// drive it with httptest.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(requestLogger(), gin.Recovery(), securityHeaders())

	nodes := r.Group("/nodes")
	{
		nodes.POST("/register", s.registerNodeHandler)
		nodes.POST("/heartbeat", s.heartbeatHandler)
		nodes.GET("/status", s.listNodesHandler)
		nodes.DELETE("/:id", s.removeNodeHandler)
	}

	tasks := r.Group("/tasks")
	{
		tasks.POST("/create", s.createTaskHandler)
		tasks.POST("/batch", s.batchCreateHandler)
		tasks.GET("/status", s.listTasksHandler)
		tasks.GET("/queue/pending", s.queueHandler("pending"))
		tasks.GET("/queue/running", s.queueHandler("running"))
		tasks.GET("/:id", s.getTaskHandler)
		tasks.PUT("/:id/status", s.updateTaskStatusHandler)
		tasks.DELETE("/:id", s.cancelTaskHandler)
		tasks.GET("/agent/:agent_id/next", s.nextTaskHandler)
		tasks.POST("/agent/:agent_id/complete/:task_id", s.completeTaskHandler)
		tasks.POST("/agent/:agent_id/fail/:task_id", s.failTaskHandler)
	}

	handoffs := r.Group("/handoff")
	{
		handoffs.POST("/evaluate", s.evaluateHandoffHandler)
		handoffs.POST("/execute", s.executeHandoffHandler)
		handoffs.GET("/stats", s.handoffStatsHandler)
	}

	status := r.Group("/status")
	{
		status.GET("/health", s.healthHandler)
		status.GET("/stats", s.statsHandler)
	}

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	return r
}

// Start serves HTTP until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
