package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/taskforge-io/taskforge/pkg/core"
)

// Inproc runs each worker as a goroutine in the current process,
// communicating over channels. It is the default transport.
type Inproc struct {
	logger core.Logger
}

// NewInproc creates an in-process transport.
func NewInproc(logger core.Logger) *Inproc {
	if logger == nil {
		logger = core.NewNopLogger()
	}
	return &Inproc{logger: logger}
}

// inprocHandle controls one worker goroutine.
type inprocHandle struct {
	tasks chan TaskMessage
	quit  chan struct{}
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

// Spawn implements Transport. ctx scopes the worker's whole lifetime, not
// just startup: cancelling it kills the worker and is reported as a crash.
func (t *Inproc) Spawn(ctx context.Context, workerID int, runner Runner, deliver DeliverFunc) (Handle, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if deliver == nil {
		return nil, fmt.Errorf("deliver cannot be nil")
	}

	h := &inprocHandle{
		// The dispatcher assigns at most one task per worker; buffer 1 keeps
		// Assign non-blocking.
		tasks: make(chan TaskMessage, 1),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	go t.run(ctx, workerID, runner, deliver, h)

	return h, nil
}

// run is the worker goroutine body. A panic anywhere inside is the
// in-process equivalent of a worker exiting with a non-zero code: it becomes
// an EventCrashed and the goroutine ends.
func (t *Inproc) run(ctx context.Context, workerID int, runner Runner, deliver DeliverFunc, h *inprocHandle) {
	// The runner sees a context that is cancelled on Terminate, so a
	// cooperative runner (or a stuck starter) cannot wedge termination.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-h.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			t.logger.Errorf("worker %d panicked: %v", workerID, r)
			deliver(WorkerEvent{Kind: EventCrashed, Err: core.NewError(core.CodeWorkerCrash, "worker %d crashed: %v", workerID, r)})
		}
	}()

	if starter, ok := runner.(Starter); ok {
		if err := starter.Start(ctx); err != nil {
			t.logger.Errorf("worker %d startup failed: %v", workerID, err)
			deliver(WorkerEvent{Kind: EventCrashed, Err: core.NewError(core.CodeWorkerStartupFailed, "worker %d startup failed: %v", workerID, err)})
			return
		}
	}

	deliver(WorkerEvent{Kind: EventReady})

	for {
		select {
		case msg := <-h.tasks:
			result, err := runner.Handle(ctx, msg.TaskType, msg.Params)
			completion := &CompletionMessage{TaskID: msg.TaskID, Success: err == nil, Result: result}
			if err != nil {
				completion.Error = err.Error()
			}
			deliver(WorkerEvent{Kind: EventCompleted, Completion: completion})
		case <-h.quit:
			return
		case <-ctx.Done():
			// The derived context is also cancelled on Terminate; only an
			// outside cancellation is a worker death the dispatcher must
			// hear about, so it does not keep counting a gone worker as idle.
			select {
			case <-h.quit:
			default:
				deliver(WorkerEvent{Kind: EventCrashed, Err: core.NewError(core.CodeWorkerCrash, "worker %d context cancelled: %v", workerID, ctx.Err())})
			}
			return
		}
	}
}

// Assign implements Handle.
func (h *inprocHandle) Assign(msg TaskMessage) error {
	select {
	case <-h.done:
		return fmt.Errorf("worker is terminated")
	default:
	}

	select {
	case h.tasks <- msg:
		return nil
	default:
		return fmt.Errorf("worker already has an assignment in flight")
	}
}

// Terminate implements Handle. Safe to call more than once.
func (h *inprocHandle) Terminate(ctx context.Context) error {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.quit)
	}
	h.mu.Unlock()

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("terminate timed out: %w", ctx.Err())
	}
}
