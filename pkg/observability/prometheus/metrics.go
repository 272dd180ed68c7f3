// Package prometheus exposes the dispatcher's Prometheus metrics.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Task statuses used as the "status" label on TasksTotal.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCrashed   = "crashed"
	StatusTimeout   = "timeout"
	StatusRejected  = "rejected"
)

// Metrics holds all dispatcher metrics. Construct one per pool with
// NewMetrics and wire it via pool.WithMetrics.
type Metrics struct {
	registry *prometheus.Registry

	// Task metrics
	TasksTotal   *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec

	// Pool gauges
	TotalWorkers prometheus.Gauge
	BusyWorkers  prometheus.Gauge
	QueuedTasks  prometheus.Gauge

	// Worker lifecycle
	WorkerCrashesTotal prometheus.Counter
}

// NewMetrics creates a metrics collection registered on its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registerer := prometheus.WrapRegistererWith(prometheus.Labels{"service": "taskforge"}, registry)

	return &Metrics{
		registry: registry,

		TasksTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskforge_tasks_total",
				Help: "Total number of dispatched tasks by type and final status",
			},
			[]string{"type", "status"},
		),
		TaskDuration: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskforge_task_duration_seconds",
				Help:    "Task wall-clock duration from submission to resolution",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),

		TotalWorkers: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "taskforge_pool_workers",
				Help: "Number of live workers in the pool",
			},
		),
		BusyWorkers: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "taskforge_pool_busy_workers",
				Help: "Number of workers currently executing a task",
			},
		),
		QueuedTasks: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "taskforge_pool_queued_tasks",
				Help: "Number of tasks waiting in the pending queue",
			},
		),

		WorkerCrashesTotal: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "taskforge_worker_crashes_total",
				Help: "Total number of workers removed from the pool after a crash",
			},
		),
	}
}

// Registry returns the underlying registry, for exposition handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordTask records one resolved task.
func (m *Metrics) RecordTask(taskType, status string, duration time.Duration) {
	m.TasksTotal.WithLabelValues(taskType, status).Inc()
	m.TaskDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

// UpdatePool updates the pool gauges from a stats snapshot.
func (m *Metrics) UpdatePool(total, busy, queued int) {
	m.TotalWorkers.Set(float64(total))
	m.BusyWorkers.Set(float64(busy))
	m.QueuedTasks.Set(float64(queued))
}

// RecordWorkerCrash counts a permanently removed worker.
func (m *Metrics) RecordWorkerCrash() {
	m.WorkerCrashesTotal.Inc()
}
