package core

import "fmt"

// Error is the structured error type used across the dispatcher.
// Code is a stable machine-readable tag, Message is human-readable.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches two Errors by code, so callers can use errors.Is against the
// sentinel values below even when the message carries per-instance detail.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError creates an Error with a formatted message.
func NewError(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error codes for the dispatcher taxonomy.
const (
	CodeWorkerInitTimeout   = "WORKER_INIT_TIMEOUT"
	CodeWorkerStartupFailed = "WORKER_STARTUP_FAILED"
	CodeWorkerExecution     = "WORKER_EXECUTION_ERROR"
	CodeWorkerCrash         = "WORKER_CRASH"
	CodePoolShutdown        = "POOL_SHUTDOWN"
	CodePoolNotInitialized  = "POOL_NOT_INITIALIZED"
	CodeQueueFull           = "QUEUE_FULL"
	CodeTaskTimeout         = "TASK_TIMEOUT"
)

// Sentinel errors. Per-instance errors created with NewError using the same
// code compare equal to these under errors.Is.
var (
	// ErrWorkerInitTimeout: a worker failed to signal readiness within the
	// startup window. Fatal to Initialize.
	ErrWorkerInitTimeout = &Error{Code: CodeWorkerInitTimeout, Message: "worker failed to become ready within startup timeout"}

	// ErrWorkerStartupFailed: a worker crashed before signalling readiness.
	ErrWorkerStartupFailed = &Error{Code: CodeWorkerStartupFailed, Message: "worker crashed during startup"}

	// ErrWorkerCrash: a worker terminated unexpectedly while the pool was
	// running. Surfaced to the in-flight task's caller, if any.
	ErrWorkerCrash = &Error{Code: CodeWorkerCrash, Message: "worker crashed"}

	// ErrPoolShutdown: the pool was shut down while the task was still queued.
	ErrPoolShutdown = &Error{Code: CodePoolShutdown, Message: "pool shut down"}

	// ErrPoolNotInitialized: Execute was called before Initialize succeeded.
	ErrPoolNotInitialized = &Error{Code: CodePoolNotInitialized, Message: "pool is not initialized"}

	// ErrQueueFull: the configured queue limit was reached.
	ErrQueueFull = &Error{Code: CodeQueueFull, Message: "task queue is full"}

	// ErrTaskTimeout: the task did not complete within the configured task
	// timeout.
	ErrTaskTimeout = &Error{Code: CodeTaskTimeout, Message: "task execution timed out"}
)
