package pool

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/taskforge-io/taskforge/pkg/core"
	obs "github.com/taskforge-io/taskforge/pkg/observability/prometheus"
)

const (
	// DefaultMaxWorkers is used when Initialize is given a non-positive
	// worker count.
	DefaultMaxWorkers = 4

	// DefaultStartupTimeout is the per-worker readiness window.
	DefaultStartupTimeout = 5000 * time.Millisecond
)

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(logger core.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithStartupTimeout sets the per-worker readiness window used by
// Initialize. Zero or negative restores the default.
func WithStartupTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.startupTimeout = d
		}
	}
}

// WithQueueLimit bounds the pending queue. When the limit is reached,
// Execute fails the returned future immediately with ErrQueueFull.
// Zero (the default) means unbounded.
func WithQueueLimit(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.queueLimit = n
		}
	}
}

// WithTaskTimeout sets an execution timeout per task, measured from
// assignment. On expiry the future is rejected with ErrTaskTimeout; the
// worker stays Busy until it reports, at which point the late completion
// releases it and the stale result is discarded. Zero (the default)
// disables the timeout.
func WithTaskTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.taskTimeout = d
		}
	}
}

// WithMetrics wires Prometheus metrics recording.
func WithMetrics(m *obs.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithTracer sets the tracer used to span task execution.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Pool) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}
