// Package transport defines the message protocol between the dispatcher and
// its workers, and the contract a transport must satisfy: spawn an execution
// context, deliver assignments to it, and stream readiness/completion/crash
// events back. The dispatcher never shares memory with workers; everything
// crosses this boundary as messages.
package transport

import (
	"context"
)

// TaskMessage is the dispatcher-to-worker assignment envelope.
type TaskMessage struct {
	TaskType string                 `json:"taskType"`
	TaskID   uint64                 `json:"taskId"`
	Params   map[string]interface{} `json:"params,omitempty"`
}

// ReadyMessage is the worker-to-dispatcher readiness signal. It must be the
// first and only readiness message a worker sends.
type ReadyMessage struct {
	Ready bool `json:"ready"`
}

// CompletionMessage is the worker-to-dispatcher completion report.
type CompletionMessage struct {
	TaskID  uint64      `json:"taskId"`
	Success bool        `json:"success"`
	Result  interface{} `json:"result,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// EventKind discriminates worker events.
type EventKind int

const (
	// EventReady: the worker finished starting up and can accept tasks.
	EventReady EventKind = iota
	// EventCompleted: the worker reported a task completion (success or
	// failure; inspect the Completion field).
	EventCompleted
	// EventCrashed: the worker terminated unexpectedly. The execution
	// context is gone and will accept no further assignments.
	EventCrashed
)

// WorkerEvent is a single worker-to-dispatcher notification.
type WorkerEvent struct {
	Kind       EventKind
	Completion *CompletionMessage // set when Kind == EventCompleted
	Err        error              // set when Kind == EventCrashed
}

// DeliverFunc receives worker events. Implementations must be safe to call
// from the worker's own goroutine; the dispatcher serializes them onto its
// single control path.
type DeliverFunc func(WorkerEvent)

// Runner is the caller-supplied unit of computation each worker executes,
// one task at a time. The dispatcher treats params as an opaque payload.
type Runner interface {
	Handle(ctx context.Context, taskType string, params map[string]interface{}) (interface{}, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, taskType string, params map[string]interface{}) (interface{}, error)

func (f RunnerFunc) Handle(ctx context.Context, taskType string, params map[string]interface{}) (interface{}, error) {
	return f(ctx, taskType, params)
}

// Starter is an optional warm-up hook. When a Runner implements Starter,
// the transport calls Start before signalling readiness; an error counts as
// a startup crash.
type Starter interface {
	Start(ctx context.Context) error
}

// Handle controls one spawned worker.
type Handle interface {
	// Assign forwards a task assignment. The dispatcher guarantees at most
	// one outstanding assignment per worker.
	Assign(msg TaskMessage) error

	// Terminate asks the worker to stop and waits for it, bounded by ctx.
	Terminate(ctx context.Context) error
}

// Transport spawns worker execution contexts.
type Transport interface {
	// Spawn starts worker workerID running runner. Events flow through
	// deliver, starting with EventReady once the worker is up. Spawn itself
	// returns as soon as the context is launched; readiness arrives
	// asynchronously.
	Spawn(ctx context.Context, workerID int, runner Runner, deliver DeliverFunc) (Handle, error)
}
