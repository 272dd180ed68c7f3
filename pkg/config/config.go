// Package config loads dispatcher configuration from YAML or JSON files,
// with environment variable overrides layered on top.
package config

import (
	"fmt"
	"time"

	"github.com/taskforge-io/taskforge/pkg/pool"
)

// Config is the full configuration of a dispatcher process.
type Config struct {
	Pool      PoolConfig      `yaml:"pool" json:"pool"`
	NATS      NATSConfig      `yaml:"nats" json:"nats"`
	Inspector InspectorConfig `yaml:"inspector" json:"inspector"`
}

// PoolConfig configures the worker pool itself.
type PoolConfig struct {
	// MaxWorkers is the number of workers to spawn. Default: 4.
	MaxWorkers int `yaml:"max_workers" json:"max_workers"`

	// StartupTimeoutMS bounds each worker's readiness handshake. Default: 5000.
	StartupTimeoutMS int `yaml:"startup_timeout_ms" json:"startup_timeout_ms"`

	// QueueLimit caps the pending queue. 0 means unbounded.
	QueueLimit int `yaml:"queue_limit" json:"queue_limit"`

	// TaskTimeoutMS bounds each task's execution. 0 means no limit.
	TaskTimeoutMS int `yaml:"task_timeout_ms" json:"task_timeout_ms"`
}

// NATSConfig configures the optional NATS transport. An empty URL selects
// the in-process transport.
type NATSConfig struct {
	URL    string `yaml:"url" json:"url"`
	Prefix string `yaml:"prefix" json:"prefix"`
	PoolID string `yaml:"pool_id" json:"pool_id"`
}

// InspectorConfig configures the optional HTTP inspector.
type InspectorConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// Default returns a configuration with the standard defaults applied.
func Default() Config {
	return Config{
		Pool: PoolConfig{
			MaxWorkers:       pool.DefaultMaxWorkers,
			StartupTimeoutMS: int(pool.DefaultStartupTimeout / time.Millisecond),
		},
		Inspector: InspectorConfig{
			Addr: ":9090",
		},
	}
}

// Validate checks the configuration for values the pool would reject.
func (c *Config) Validate() error {
	if c.Pool.MaxWorkers <= 0 {
		return fmt.Errorf("pool.max_workers must be positive, got %d", c.Pool.MaxWorkers)
	}
	if c.Pool.StartupTimeoutMS <= 0 {
		return fmt.Errorf("pool.startup_timeout_ms must be positive, got %d", c.Pool.StartupTimeoutMS)
	}
	if c.Pool.QueueLimit < 0 {
		return fmt.Errorf("pool.queue_limit cannot be negative, got %d", c.Pool.QueueLimit)
	}
	if c.Pool.TaskTimeoutMS < 0 {
		return fmt.Errorf("pool.task_timeout_ms cannot be negative, got %d", c.Pool.TaskTimeoutMS)
	}
	if c.Inspector.Enabled && c.Inspector.Addr == "" {
		return fmt.Errorf("inspector.addr is required when the inspector is enabled")
	}
	return nil
}

// PoolOptions converts the pool section into pool construction options.
// MaxWorkers is not an option; pass it to Initialize.
func (c *Config) PoolOptions() []pool.Option {
	opts := []pool.Option{
		pool.WithStartupTimeout(time.Duration(c.Pool.StartupTimeoutMS) * time.Millisecond),
	}
	if c.Pool.QueueLimit > 0 {
		opts = append(opts, pool.WithQueueLimit(c.Pool.QueueLimit))
	}
	if c.Pool.TaskTimeoutMS > 0 {
		opts = append(opts, pool.WithTaskTimeout(time.Duration(c.Pool.TaskTimeoutMS)*time.Millisecond))
	}
	return opts
}
