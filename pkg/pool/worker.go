package pool

import (
	"github.com/taskforge-io/taskforge/pkg/transport"
)

// WorkerState is the lifecycle state of a worker execution context.
type WorkerState int

const (
	// StateInitializing: spawned, readiness signal not yet received.
	StateInitializing WorkerState = iota
	// StateIdle: ready and holding no task.
	StateIdle
	// StateBusy: exactly one task attached.
	StateBusy
	// StateTerminated: crashed or shut down. Never reused.
	StateTerminated
)

func (s WorkerState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// workerRecord is the pool-owned bookkeeping record for one worker.
// Only the dispatcher loop touches it. Invariant: state == StateBusy
// if and only if current != nil.
type workerRecord struct {
	id      int
	state   WorkerState
	handle  transport.Handle
	current *task

	// readyCh carries the init handshake outcome to Initialize: nil on
	// ready, the crash error otherwise. Buffered so the loop never blocks.
	readyCh chan error
	// readySignalled guards readyCh against double sends (a ready signal
	// followed by a crash during the init window).
	readySignalled bool
	// readyPending is set when the ready event arrives before the spawn
	// goroutine has reported the handle.
	readyPending bool
}
