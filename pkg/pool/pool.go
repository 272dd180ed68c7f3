// Package pool implements the worker pool task dispatcher: a fixed set of
// long-lived workers, a FIFO queue of pending tasks, and the logic that
// matches queued tasks to idle workers, forwards results to waiting callers
// and handles worker lifecycle (startup, crash, shutdown).
//
// The dispatcher is a single event-loop goroutine that exclusively owns the
// worker list, the pending queue and the task-id counter. Workers run in
// parallel with it and with each other, but talk to it only through
// transport messages; nothing outside the loop mutates its state.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskforge-io/taskforge/pkg/core"
	"github.com/taskforge-io/taskforge/pkg/future"
	obs "github.com/taskforge-io/taskforge/pkg/observability/prometheus"
	"github.com/taskforge-io/taskforge/pkg/transport"
)

type phase int

const (
	phaseNew phase = iota
	phaseInitializing
	phaseRunning
	phaseStopped
)

// Loop events. Everything that touches dispatcher state arrives as one of
// these on the events channel.
type (
	submitEvent   struct{ t *task }
	workerSpawned struct {
		workerID int
		handle   transport.Handle
	}
	workerMessage struct {
		workerID int
		ev       transport.WorkerEvent
	}
	taskTimeoutEvent struct {
		workerID int
		taskID   uint64
	}
	statsRequest struct{ reply chan Stats }
	drainRequest struct{ reply chan []transport.Handle }
)

// Pool is the worker pool dispatcher. Construct it with New, start it with
// Initialize, and pass it explicitly to whoever needs it; there is no
// process-wide instance.
type Pool struct {
	transport      transport.Transport
	logger         core.Logger
	metrics        *obs.Metrics
	tracer         trace.Tracer
	startupTimeout time.Duration
	queueLimit     int
	taskTimeout    time.Duration

	mu      sync.Mutex
	phase   phase
	events  chan interface{}
	stopped chan struct{}

	// Owned by the run loop. Never touched from outside it once the loop
	// is started (Initialize builds the worker slice before starting it).
	workers    []*workerRecord
	queue      []*task
	nextTaskID uint64
}

// New creates a pool over the given transport. The pool holds no workers
// until Initialize is called.
func New(t transport.Transport, opts ...Option) *Pool {
	p := &Pool{
		transport:      t,
		logger:         core.NewDefaultLogger(),
		tracer:         otel.Tracer("github.com/taskforge-io/taskforge/pkg/pool"),
		startupTimeout: DefaultStartupTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Initialize spawns maxWorkers execution contexts concurrently and waits for
// every one to signal readiness. A worker that does not become ready within
// the startup timeout fails with ErrWorkerInitTimeout; any per-worker
// failure fails the whole call, and every worker that did start is
// terminated before the error is returned. On success the pool holds
// exactly maxWorkers idle workers.
func (p *Pool) Initialize(ctx context.Context, runner transport.Runner, maxWorkers int) error {
	if p.transport == nil {
		return fmt.Errorf("pool has no transport")
	}
	if runner == nil {
		return fmt.Errorf("runner cannot be nil")
	}
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}

	p.mu.Lock()
	if p.phase == phaseInitializing || p.phase == phaseRunning {
		p.mu.Unlock()
		return fmt.Errorf("pool is already initialized")
	}
	p.phase = phaseInitializing
	p.events = make(chan interface{}, 128)
	p.stopped = make(chan struct{})
	p.mu.Unlock()

	p.queue = nil
	p.workers = make([]*workerRecord, 0, maxWorkers)
	for i := 0; i < maxWorkers; i++ {
		p.workers = append(p.workers, &workerRecord{
			id:      i,
			state:   StateInitializing,
			readyCh: make(chan error, 1),
		})
	}
	records := p.workers

	go p.run()

	// Spawn all workers concurrently; startup must not serialize on the
	// slowest worker.
	for _, w := range records {
		go func(w *workerRecord) {
			handle, err := p.transport.Spawn(ctx, w.id, runner, p.deliverFor(w.id))
			if err != nil {
				p.send(workerMessage{workerID: w.id, ev: transport.WorkerEvent{
					Kind: transport.EventCrashed,
					Err:  core.NewError(core.CodeWorkerStartupFailed, "worker %d spawn failed: %v", w.id, err),
				}})
				return
			}
			p.send(workerSpawned{workerID: w.id, handle: handle})
		}(w)
	}

	// Wait for every readiness handshake, each bounded by the startup
	// timeout.
	errs := make([]error, len(records))
	var wg sync.WaitGroup
	for i, w := range records {
		wg.Add(1)
		go func(i int, w *workerRecord) {
			defer wg.Done()
			timer := time.NewTimer(p.startupTimeout)
			defer timer.Stop()
			select {
			case err := <-w.readyCh:
				errs[i] = err
			case <-timer.C:
				errs[i] = core.NewError(core.CodeWorkerInitTimeout,
					"worker %d failed to become ready within %s", w.id, p.startupTimeout)
			case <-ctx.Done():
				errs[i] = ctx.Err()
			}
		}(i, w)
	}
	wg.Wait()

	var firstErr error
	for _, err := range errs {
		if err != nil {
			firstErr = err
			break
		}
	}

	if firstErr != nil {
		p.logger.Errorf("pool initialization failed: %v", firstErr)
		// Workers that did start are not leaked: tear everything down
		// before surfacing the error.
		if terr := p.teardown(context.Background()); terr != nil {
			p.logger.Warnf("cleanup after failed initialization: %v", terr)
		}
		p.mu.Lock()
		p.phase = phaseStopped
		p.mu.Unlock()
		return firstErr
	}

	p.mu.Lock()
	p.phase = phaseRunning
	p.mu.Unlock()
	p.logger.Infof("pool initialized with %d workers", maxWorkers)
	return nil
}

// Execute submits a task. The params payload is opaque; no validation is
// performed. The returned future resolves with the worker-reported result,
// the wall-clock duration from submission, and the serving worker's
// identity, or rejects with the worker-reported or crash error. Execute
// never blocks on the task itself.
func (p *Pool) Execute(ctx context.Context, taskType string, params map[string]interface{}) *future.FutureT[Result] {
	promise := future.NewT[Result]()

	// The lock is held across the enqueue. Shutdown flips the phase under
	// the same lock before it sends the drain request, so any submission
	// that observed phaseRunning lands in the events channel ahead of the
	// drain and is either dispatched or rejected with ErrPoolShutdown,
	// never silently dropped.
	p.mu.Lock()
	if p.phase != phaseRunning {
		ph := p.phase
		p.mu.Unlock()
		if ph == phaseStopped {
			promise.Fail(core.ErrPoolShutdown)
		} else {
			promise.Fail(core.ErrPoolNotInitialized)
		}
		return &promise.FutureT
	}

	_, span := p.tracer.Start(ctx, "pool.execute",
		trace.WithAttributes(attribute.String("task.type", taskType)))

	t := &task{
		taskType:  taskType,
		params:    params,
		submitted: time.Now(),
		promise:   promise,
		span:      span,
	}

	p.events <- submitEvent{t: t}
	p.mu.Unlock()
	return &promise.FutureT
}

// Stats returns a snapshot of the pool taken atomically on the dispatcher's
// control path. A pool that is not running reports all zeros.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	ph := p.phase
	events, stopped := p.events, p.stopped
	p.mu.Unlock()

	if ph != phaseRunning && ph != phaseInitializing {
		return Stats{}
	}

	req := statsRequest{reply: make(chan Stats, 1)}
	select {
	case events <- req:
	case <-stopped:
		return Stats{}
	}
	select {
	case s := <-req.reply:
		return s
	case <-stopped:
		return Stats{}
	}
}

// Shutdown rejects all still-queued tasks with ErrPoolShutdown, signals
// every worker to terminate concurrently, and waits for all terminations
// to finish (bounded by ctx). After Shutdown the pool holds zero workers.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.phase != phaseRunning && p.phase != phaseInitializing {
		p.mu.Unlock()
		return nil
	}
	p.phase = phaseStopped
	p.mu.Unlock()

	p.logger.Infof("pool shutting down")
	err := p.teardown(ctx)
	if err != nil {
		return err
	}
	p.logger.Infof("pool shut down")
	return nil
}

// teardown asks the loop to drain (reject queued work, detach workers) and
// then terminates every worker handle concurrently.
func (p *Pool) teardown(ctx context.Context) error {
	req := drainRequest{reply: make(chan []transport.Handle, 1)}
	var handles []transport.Handle
	select {
	case p.events <- req:
		handles = <-req.reply
	case <-p.stopped:
		return nil
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	for _, h := range handles {
		wg.Add(1)
		go func(h transport.Handle) {
			defer wg.Done()
			if err := h.Terminate(ctx); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(h)
	}
	wg.Wait()
	return firstErr
}

func (p *Pool) deliverFor(workerID int) transport.DeliverFunc {
	return func(ev transport.WorkerEvent) {
		p.send(workerMessage{workerID: workerID, ev: ev})
	}
}

// send enqueues a loop event, giving up if the loop has exited.
func (p *Pool) send(e interface{}) {
	select {
	case p.events <- e:
	case <-p.stopped:
	}
}

// run is the dispatcher loop: the single control path that owns all pool
// state.
func (p *Pool) run() {
	defer close(p.stopped)
	for {
		switch e := (<-p.events).(type) {
		case submitEvent:
			p.handleSubmit(e.t)
		case workerSpawned:
			p.handleSpawned(e.workerID, e.handle)
		case workerMessage:
			p.handleWorkerMessage(e.workerID, e.ev)
		case taskTimeoutEvent:
			p.handleTaskTimeout(e)
		case statsRequest:
			e.reply <- p.snapshot()
		case drainRequest:
			e.reply <- p.drain()
			return
		}
	}
}

func (p *Pool) handleSubmit(t *task) {
	if p.queueLimit > 0 && len(p.queue) >= p.queueLimit {
		p.reject(t, core.NewError(core.CodeQueueFull,
			"task queue is full (%d pending)", len(p.queue)), obs.StatusRejected)
		return
	}

	// Task ids are monotonically increasing and never reused within the
	// process lifetime; the counter survives re-initialization.
	p.nextTaskID++
	t.id = p.nextTaskID

	p.queue = append(p.queue, t)
	p.dispatch()
	p.publishGauges()
}

func (p *Pool) handleSpawned(workerID int, handle transport.Handle) {
	w := p.worker(workerID)
	if w == nil || w.state == StateTerminated {
		// The worker crashed before its handle arrived; nothing is tracking
		// this execution context anymore, so stop it.
		go handle.Terminate(context.Background())
		return
	}
	w.handle = handle
	if w.readyPending {
		w.readyPending = false
		w.state = StateIdle
		p.dispatch()
	}
}

// handleWorkerMessage is the single entry point for worker readiness,
// completion and crash notifications.
func (p *Pool) handleWorkerMessage(workerID int, ev transport.WorkerEvent) {
	switch ev.Kind {
	case transport.EventReady:
		p.handleReady(workerID)
	case transport.EventCompleted:
		p.handleCompletion(workerID, ev.Completion)
	case transport.EventCrashed:
		p.handleCrash(workerID, ev.Err)
	}
}

func (p *Pool) handleReady(workerID int) {
	w := p.worker(workerID)
	if w == nil {
		return
	}
	if w.state != StateInitializing {
		// Readiness must be the first and only such message per worker.
		p.logger.Debugf("spurious ready signal from worker %d (state %s)", workerID, w.state)
		return
	}

	if w.handle == nil {
		// Ready raced ahead of the spawn bookkeeping; promote once the
		// handle lands.
		w.readyPending = true
	} else {
		w.state = StateIdle
	}
	p.signalReady(w, nil)
	p.logger.Debugf("worker %d ready", workerID)
	p.dispatch()
}

func (p *Pool) handleCompletion(workerID int, c *transport.CompletionMessage) {
	w := p.worker(workerID)
	if w == nil || w.current == nil {
		// Spurious or duplicate report; a worker with no attached task has
		// nothing to resolve.
		p.logger.Debugf("ignoring completion from worker %d with no attached task", workerID)
		return
	}
	if c == nil || c.TaskID != w.current.id {
		p.logger.Debugf("ignoring completion from worker %d for stale task", workerID)
		return
	}

	t := w.current
	w.current = nil
	w.state = StateIdle
	if t.timeout != nil {
		t.timeout.Stop()
	}

	duration := time.Since(t.submitted)
	if c.Success {
		if t.promise.TryComplete(Result{Value: c.Result, Duration: duration, WorkerID: w.id}) {
			t.span.SetAttributes(attribute.Int("worker.id", w.id))
			t.span.End()
			if p.metrics != nil {
				p.metrics.RecordTask(t.taskType, obs.StatusCompleted, duration)
			}
		}
		// A lost race means the task already timed out; the stale result
		// is discarded and the worker is simply released.
	} else {
		err := core.NewError(core.CodeWorkerExecution, "%s", c.Error)
		if t.promise.TryFail(err) {
			t.span.SetStatus(codes.Error, c.Error)
			t.span.End()
			if p.metrics != nil {
				p.metrics.RecordTask(t.taskType, obs.StatusFailed, duration)
			}
		}
	}

	p.dispatch()
	p.publishGauges()
}

func (p *Pool) handleCrash(workerID int, cause error) {
	w := p.worker(workerID)
	if w == nil {
		return
	}

	p.logger.Warnf("worker %d crashed, removing from pool: %v", workerID, cause)

	if cause == nil {
		cause = core.ErrWorkerCrash
	}
	p.signalReady(w, cause)

	if w.current != nil {
		t := w.current
		w.current = nil
		if t.timeout != nil {
			t.timeout.Stop()
		}
		err := core.NewError(core.CodeWorkerCrash, "worker %d crashed: %v", workerID, cause)
		if t.promise.TryFail(err) {
			t.span.SetStatus(codes.Error, err.Message)
			t.span.End()
			if p.metrics != nil {
				p.metrics.RecordTask(t.taskType, obs.StatusCrashed, time.Since(t.submitted))
			}
		}
	}

	// Terminated workers leave the pool permanently; capacity stays
	// reduced until the caller re-initializes.
	w.state = StateTerminated
	p.removeWorker(workerID)
	if p.metrics != nil {
		p.metrics.RecordWorkerCrash()
	}

	p.dispatch()
	p.publishGauges()
}

func (p *Pool) handleTaskTimeout(e taskTimeoutEvent) {
	w := p.worker(e.workerID)
	if w == nil || w.current == nil || w.current.id != e.taskID {
		return
	}

	t := w.current
	err := core.NewError(core.CodeTaskTimeout,
		"task %d (%s) timed out after %s on worker %d", t.id, t.taskType, p.taskTimeout, w.id)
	if t.promise.TryFail(err) {
		p.logger.Warnf("%s", err.Message)
		t.span.SetStatus(codes.Error, err.Message)
		t.span.End()
		if p.metrics != nil {
			p.metrics.RecordTask(t.taskType, obs.StatusTimeout, time.Since(t.submitted))
		}
	}
	// The worker stays Busy: its execution context is still occupied. Its
	// eventual completion report releases it.
}

// dispatch pairs queued tasks with idle workers until no pairing is
// possible: strict FIFO over the queue, first-fit in ordinal order over the
// workers.
func (p *Pool) dispatch() {
	for len(p.queue) > 0 {
		w := p.firstIdle()
		if w == nil {
			return
		}

		t := p.queue[0]
		p.queue = p.queue[1:]

		w.state = StateBusy
		w.current = t

		msg := transport.TaskMessage{TaskType: t.taskType, TaskID: t.id, Params: t.params}
		if err := w.handle.Assign(msg); err != nil {
			// The execution context vanished between idle check and
			// assignment. Requeue the task at the head to preserve FIFO and
			// drop the worker the same way a crash does: stop its handle and
			// count it.
			p.logger.Errorf("assignment to worker %d failed: %v", w.id, err)
			w.current = nil
			w.state = StateTerminated
			go w.handle.Terminate(context.Background())
			p.removeWorker(w.id)
			if p.metrics != nil {
				p.metrics.RecordWorkerCrash()
			}
			p.queue = append([]*task{t}, p.queue...)
			continue
		}

		if p.taskTimeout > 0 {
			workerID, taskID := w.id, t.id
			t.timeout = time.AfterFunc(p.taskTimeout, func() {
				p.send(taskTimeoutEvent{workerID: workerID, taskID: taskID})
			})
		}
	}
}

// drain rejects everything still pending and detaches all workers,
// returning their handles for termination. The loop exits right after.
func (p *Pool) drain() []transport.Handle {
	for _, t := range p.queue {
		p.reject(t, core.ErrPoolShutdown, obs.StatusRejected)
	}
	p.queue = nil

	var handles []transport.Handle
	for _, w := range p.workers {
		p.signalReady(w, core.ErrPoolShutdown)
		if w.current != nil {
			t := w.current
			w.current = nil
			if t.timeout != nil {
				t.timeout.Stop()
			}
			p.reject(t, core.ErrPoolShutdown, obs.StatusRejected)
		}
		w.state = StateTerminated
		if w.handle != nil {
			handles = append(handles, w.handle)
		}
	}
	p.workers = nil
	p.publishGauges()
	return handles
}

func (p *Pool) reject(t *task, err error, status string) {
	if t.promise.TryFail(err) {
		t.span.SetStatus(codes.Error, err.Error())
		t.span.End()
		if p.metrics != nil {
			p.metrics.RecordTask(t.taskType, status, time.Since(t.submitted))
		}
	}
}

// signalReady delivers the init handshake outcome exactly once.
func (p *Pool) signalReady(w *workerRecord, err error) {
	if w.readySignalled {
		return
	}
	w.readySignalled = true
	w.readyCh <- err
}

func (p *Pool) worker(id int) *workerRecord {
	for _, w := range p.workers {
		if w.id == id {
			return w
		}
	}
	return nil
}

func (p *Pool) removeWorker(id int) {
	for i, w := range p.workers {
		if w.id == id {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			return
		}
	}
}

func (p *Pool) firstIdle() *workerRecord {
	for _, w := range p.workers {
		if w.state == StateIdle {
			return w
		}
	}
	return nil
}

func (p *Pool) snapshot() Stats {
	busy := 0
	for _, w := range p.workers {
		if w.state == StateBusy {
			busy++
		}
	}
	total := len(p.workers)
	return Stats{
		TotalWorkers:     total,
		BusyWorkers:      busy,
		AvailableWorkers: total - busy,
		QueuedTasks:      len(p.queue),
	}
}

func (p *Pool) publishGauges() {
	if p.metrics == nil {
		return
	}
	s := p.snapshot()
	p.metrics.UpdatePool(s.TotalWorkers, s.BusyWorkers, s.QueuedTasks)
}
