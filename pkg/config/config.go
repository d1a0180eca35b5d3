// Package config loads hub configuration from an optional hub.yaml plus
// environment overrides, applying built-in defaults for anything unset.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the hub process.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Liveness  LivenessConfig  `yaml:"liveness"`
	Handoff   HandoffConfig   `yaml:"handoff"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig selects and tunes the registry backend. An empty RedisURL
// selects the in-memory store.
type StoreConfig struct {
	RedisURL string `yaml:"redis_url"`

	// DebounceWindow bounds how soon a conflicting re-registration is
	// rejected as a duplicate identity.
	DebounceWindow time.Duration `yaml:"debounce_window"`

	// NotifyQueueLimit bounds each agent's pending-notification queue;
	// the oldest entry is dropped on overflow.
	NotifyQueueLimit int `yaml:"notify_queue_limit"`

	// NotifyTTL is how long an undelivered notification survives.
	NotifyTTL time.Duration `yaml:"notify_ttl"`
}

// SchedulerConfig holds queueing and retry policy.
type SchedulerConfig struct {
	// MaxAttempts bounds retries of transient failures per task.
	MaxAttempts int `yaml:"max_attempts"`

	// StalePendingThreshold is how long a task may wait unclaimed before
	// each sweep makes it more urgent.
	StalePendingThreshold time.Duration `yaml:"stale_pending_threshold"`

	// Retention is how long terminal tasks are kept before pruning.
	Retention time.Duration `yaml:"retention"`
}

// LivenessConfig tunes the background liveness monitor.
type LivenessConfig struct {
	// SweepInterval is the monitor cadence.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// OfflineThreshold is how long an agent may go without a heartbeat
	// before it is demoted to offline and its tasks reclaimed.
	OfflineThreshold time.Duration `yaml:"offline_threshold"`

	// RetentionSweepInterval is how often terminal tasks are pruned.
	RetentionSweepInterval time.Duration `yaml:"retention_sweep_interval"`
}

// HandoffConfig tunes the handoff evaluator and notifier.
type HandoffConfig struct {
	// PushTimeout is the deadline for a direct notification push.
	PushTimeout time.Duration `yaml:"push_timeout"`

	// Candidates must be below both bounds to be eligible.
	MaxCandidateLoad   float64 `yaml:"max_candidate_load"`
	MaxCandidateActive int     `yaml:"max_candidate_active"`

	// MinScore is the score a candidate must exceed to be recommended.
	MinScore int `yaml:"min_score"`

	// HistorySize bounds the handoff history ring.
	HistorySize int `yaml:"history_size"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Store: StoreConfig{
			DebounceWindow:   10 * time.Second,
			NotifyQueueLimit: 100,
			NotifyTTL:        5 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			MaxAttempts:           3,
			StalePendingThreshold: 60 * time.Second,
			Retention:             7 * 24 * time.Hour,
		},
		Liveness: LivenessConfig{
			SweepInterval:          5 * time.Second,
			OfflineThreshold:       30 * time.Second,
			RetentionSweepInterval: time.Hour,
		},
		Handoff: HandoffConfig{
			PushTimeout:        10 * time.Second,
			MaxCandidateLoad:   0.7,
			MaxCandidateActive: 3,
			MinScore:           50,
			HistorySize:        10000,
		},
	}
}

// Load builds the configuration: defaults, then hub.yaml from configDir if
// present, then environment overrides.
func Load(configDir string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(configDir, "hub.yaml")
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		slog.Info("No hub.yaml found, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		slog.Info("Loaded configuration", "path", path)
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the environment variables the deployment tooling sets.
func (c *Config) applyEnv() {
	if v := os.Getenv("HUB_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("HUB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		} else {
			slog.Warn("Ignoring invalid HUB_PORT", "value", v)
		}
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Store.RedisURL = v
	}
	if v := os.Getenv("TASK_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Scheduler.MaxAttempts = n
		}
	}
	if v := os.Getenv("OFFLINE_THRESHOLD_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Liveness.OfflineThreshold = time.Duration(n) * time.Second
		}
	}
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Scheduler.MaxAttempts < 1 {
		return fmt.Errorf("scheduler.max_attempts must be at least 1")
	}
	if c.Liveness.SweepInterval <= 0 || c.Liveness.OfflineThreshold <= 0 {
		return fmt.Errorf("liveness intervals must be positive")
	}
	if c.Handoff.MaxCandidateLoad <= 0 || c.Handoff.MaxCandidateLoad > 1 {
		return fmt.Errorf("handoff.max_candidate_load must be in (0, 1]")
	}
	return nil
}
