package act

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Option configures an Engine at construction time, following the
// teacher's functional-options pattern (graph.Option).
type Option func(*engineConfig) error

// engineConfig collects options before New validates and applies them.
type engineConfig struct {
	workers            int
	queueDepth         int
	defaultTaskTimeout time.Duration
	metricsRegisterer  prometheus.Registerer
	logger             *slog.Logger
}

func defaultConfig() *engineConfig {
	return &engineConfig{
		workers:    8,
		queueDepth: 1024,
	}
}

// WithWorkers sets the size of the scheduler's worker pool that drains
// the signal queue (spec §4.4). Default: 8.
func WithWorkers(n int) Option {
	return func(cfg *engineConfig) error {
		if n <= 0 {
			return modelError("WithWorkers", "workers must be positive", nil)
		}
		cfg.workers = n
		return nil
	}
}

// WithQueueDepth sets the capacity of the scheduler's signal queue.
// Default: 1024. When full, enqueue blocks the calling worker, providing
// backpressure.
func WithQueueDepth(n int) Option {
	return func(cfg *engineConfig) error {
		if n <= 0 {
			return modelError("WithQueueDepth", "queue depth must be positive", nil)
		}
		cfg.queueDepth = n
		return nil
	}
}

// WithDefaultTaskTimeout bounds how long the script evaluations of one
// Step's advance (its run body, candidate expression, and branch
// predicates, which share one deadline) may run before their context is
// cancelled. Store calls are not bounded by it. Zero (the default)
// disables the timeout; spec §5 notes the engine imposes no intrinsic
// timeouts.
func WithDefaultTaskTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.defaultTaskTimeout = d
		return nil
	}
}

// WithMetricsRegisterer enables Prometheus metrics collection, registered
// against the given registerer. If unset, metrics are collected against
// prometheus.DefaultRegisterer.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(cfg *engineConfig) error {
		cfg.metricsRegisterer = reg
		return nil
	}
}

// WithLogger sets the structured logger the scheduler uses for every
// transition and store-failure log line (spec §4.12). If unset, the
// engine logs through slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(cfg *engineConfig) error {
		if l == nil {
			return modelError("WithLogger", "logger must not be nil", nil)
		}
		cfg.logger = l
		return nil
	}
}
