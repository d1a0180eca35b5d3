// ExoStack hub — provides the coordination HTTP API, runs the liveness
// monitor and mediates peer-to-peer task handoffs.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jitenkr2030/exostack/pkg/api"
	"github.com/jitenkr2030/exostack/pkg/config"
	"github.com/jitenkr2030/exostack/pkg/handoff"
	"github.com/jitenkr2030/exostack/pkg/registry"
	"github.com/jitenkr2030/exostack/pkg/scheduler"
	"github.com/jitenkr2030/exostack/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting ExoStack hub",
		"version", version.Full(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load(*configDir)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Registry backend
	opts := registry.Options{
		DebounceWindow:   cfg.Store.DebounceWindow,
		NotifyQueueLimit: cfg.Store.NotifyQueueLimit,
		NotifyTTL:        cfg.Store.NotifyTTL,
	}
	var store registry.Registry
	if cfg.Store.RedisURL != "" {
		redisStore, err := registry.NewRedis(ctx, cfg.Store.RedisURL, opts)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		store = redisStore
		slog.Info("Using Redis registry backend")
	} else {
		store = registry.NewMemory(opts)
		slog.Info("Using in-memory registry backend")
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing registry store", "error", err)
		}
	}()

	// 3. Metrics
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	reg := registry.NewInstrumented(store, registry.NewMetrics(promRegistry))

	// 4. Notifier, scheduler, handoff manager
	notifier := handoff.NewHTTPNotifier(reg, cfg.Handoff.PushTimeout)
	sched := scheduler.New(reg, cfg.Scheduler, notifier)

	// The Redis backend doubles as a durable handoff archive.
	var archiver handoff.Archiver
	if a, ok := store.(handoff.Archiver); ok {
		archiver = a
	}
	handoffs := handoff.NewManager(reg, notifier, archiver, cfg.Handoff)

	// 5. Liveness monitor
	monitor := scheduler.NewMonitor(reg, sched, cfg)
	monitor.Start(ctx)
	defer monitor.Stop()

	// 6. HTTP server (non-blocking)
	server := api.NewServer(cfg, reg, sched, handoffs, monitor, promRegistry)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Server.Addr())
		if err := server.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("ExoStack hub started",
		"offline_threshold", cfg.Liveness.OfflineThreshold,
		"max_attempts", cfg.Scheduler.MaxAttempts)

	// 7. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 8. Graceful shutdown: drain HTTP first so no new mutations arrive,
	// then stop the monitor.
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
