package pool

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/taskforge-io/taskforge/pkg/future"
)

// task is the pool-owned record of one submitted unit of work. Callers
// never see it; they hold only the result future.
type task struct {
	id        uint64
	taskType  string
	params    map[string]interface{}
	submitted time.Time
	promise   *future.PromiseT[Result]
	span      trace.Span
	timeout   *time.Timer
}

// Result is what a successful task resolves to: the worker-reported value,
// the wall-clock duration measured from submission, and the serving
// worker's identity.
type Result struct {
	Value    interface{}   `json:"result"`
	Duration time.Duration `json:"duration"`
	WorkerID int           `json:"workerId"`
}

// Stats is an atomic snapshot of the pool, taken on the dispatcher's
// single control path.
type Stats struct {
	TotalWorkers     int `json:"totalWorkers"`
	BusyWorkers      int `json:"busyWorkers"`
	AvailableWorkers int `json:"availableWorkers"`
	QueuedTasks      int `json:"queuedTasks"`
}
