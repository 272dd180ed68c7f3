package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/taskforge-io/taskforge/pkg/core"
	"github.com/taskforge-io/taskforge/pkg/future"
	obs "github.com/taskforge-io/taskforge/pkg/observability/prometheus"
	"github.com/taskforge-io/taskforge/pkg/transport"
)

// demoRunner dispatches on task type the way a worker script would.
// "wait" blocks until the gate opens (or the worker is terminated).
func demoRunner(gate chan struct{}) transport.RunnerFunc {
	return func(ctx context.Context, taskType string, params map[string]interface{}) (interface{}, error) {
		switch taskType {
		case "echo":
			return params["v"], nil
		case "sleep":
			d, _ := params["ms"].(int)
			select {
			case <-time.After(time.Duration(d) * time.Millisecond):
				return "slept", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		case "wait":
			select {
			case <-gate:
				return "released", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		case "panic":
			panic("exit code 1")
		default:
			return nil, fmt.Errorf("unknown task type: %s", taskType)
		}
	}
}

func newTestPool(t *testing.T, opts ...Option) *Pool {
	t.Helper()
	opts = append([]Option{WithLogger(core.NewNopLogger())}, opts...)
	return New(transport.NewInproc(core.NewNopLogger()), opts...)
}

func initPool(t *testing.T, p *Pool, runner transport.Runner, n int) {
	t.Helper()
	if err := p.Initialize(context.Background(), runner, n); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		p.Shutdown(ctx)
	})
}

func TestInitialize_DefaultWorkerCount(t *testing.T) {
	p := newTestPool(t)
	initPool(t, p, demoRunner(nil), 0)

	if got := p.Stats().TotalWorkers; got != DefaultMaxWorkers {
		t.Errorf("TotalWorkers = %d, want %d", got, DefaultMaxWorkers)
	}
}

func TestInitialize_Twice(t *testing.T) {
	p := newTestPool(t)
	initPool(t, p, demoRunner(nil), 2)

	if err := p.Initialize(context.Background(), demoRunner(nil), 2); err == nil {
		t.Error("second Initialize() should fail while running")
	}
}

func TestExecute_BeforeInitialize(t *testing.T) {
	p := newTestPool(t)

	_, err := p.Execute(context.Background(), "echo", nil).Await(context.Background())
	if !errors.Is(err, core.ErrPoolNotInitialized) {
		t.Errorf("Execute() before Initialize error = %v, want ErrPoolNotInitialized", err)
	}
}

func TestExecute_ResultCarriesDurationAndWorker(t *testing.T) {
	p := newTestPool(t)
	initPool(t, p, demoRunner(nil), 1)

	result, err := p.Execute(context.Background(), "echo", map[string]interface{}{"v": "hello"}).
		Await(context.Background())
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if result.Value != "hello" {
		t.Errorf("result value = %v, want hello", result.Value)
	}
	if result.Duration < 0 {
		t.Errorf("result duration = %v, want >= 0", result.Duration)
	}
	if result.WorkerID != 0 {
		t.Errorf("result workerId = %d, want 0 (single worker pool)", result.WorkerID)
	}
}

// Scenario: pool of 2 workers, 5 concurrent tasks. The first two start
// immediately, the rest only as workers free up; busy count never exceeds
// the pool size; all five resolve and the queue drains to zero.
func TestScenario_TwoWorkersFiveTasks(t *testing.T) {
	p := newTestPool(t)
	initPool(t, p, demoRunner(nil), 2)

	futures := make([]interface {
		Await(context.Context) (Result, error)
	}, 0, 5)
	for i := 0; i < 5; i++ {
		futures = append(futures, p.Execute(context.Background(), "sleep", map[string]interface{}{"ms": 100}))
	}

	// While tasks are in flight the busy bound must hold.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s := p.Stats()
		if s.BusyWorkers > 2 {
			t.Fatalf("BusyWorkers = %d, want <= 2", s.BusyWorkers)
		}
		if s.BusyWorkers+s.AvailableWorkers != s.TotalWorkers {
			t.Fatalf("inconsistent stats: %+v", s)
		}
		if s.QueuedTasks == 0 && s.BusyWorkers == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for i, f := range futures {
		if _, err := f.Await(ctx); err != nil {
			t.Errorf("task %d error = %v", i, err)
		}
	}

	if got := p.Stats().QueuedTasks; got != 0 {
		t.Errorf("QueuedTasks after drain = %d, want 0", got)
	}
}

// FIFO property: with one worker pinned, queued tasks are assigned in
// strict submission order.
func TestDispatch_FIFOOrder(t *testing.T) {
	gate := make(chan struct{})

	var mu sync.Mutex
	var order []string
	runner := transport.RunnerFunc(func(ctx context.Context, taskType string, params map[string]interface{}) (interface{}, error) {
		if taskType == "wait" {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return nil, nil
		}
		mu.Lock()
		order = append(order, taskType)
		mu.Unlock()
		return nil, nil
	})

	p := newTestPool(t)
	initPool(t, p, runner, 1)

	// Pin the only worker, then queue three tasks.
	pinned := p.Execute(context.Background(), "wait", nil)
	waitForStats(t, p, func(s Stats) bool { return s.BusyWorkers == 1 })

	fa := p.Execute(context.Background(), "a", nil)
	fb := p.Execute(context.Background(), "b", nil)
	fc := p.Execute(context.Background(), "c", nil)
	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, f := range []interface {
		Await(context.Context) (Result, error)
	}{pinned, fa, fb, fc} {
		if _, err := f.Await(ctx); err != nil {
			t.Fatalf("Await() error = %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("executed %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("executed %v, want %v (FIFO violated)", order, want)
		}
	}
}

// Scenario: a worker that never signals readiness fails Initialize with
// the init-timeout error, and every spawned sibling is terminated.
func TestScenario_InitTimeout(t *testing.T) {
	tr := &recordingTransport{inner: transport.NewInproc(core.NewNopLogger())}
	p := New(tr,
		WithLogger(core.NewNopLogger()),
		WithStartupTimeout(100*time.Millisecond),
	)

	started := time.Now()
	err := p.Initialize(context.Background(), &neverReady{}, 3)
	if !errors.Is(err, core.ErrWorkerInitTimeout) {
		t.Fatalf("Initialize() error = %v, want ErrWorkerInitTimeout", err)
	}
	if elapsed := time.Since(started); elapsed < 100*time.Millisecond {
		t.Errorf("Initialize() returned after %v, before the startup window elapsed", elapsed)
	}

	// Hardened cleanup: nothing leaks.
	if got := tr.terminated(); got != 3 {
		t.Errorf("terminated workers = %d, want 3", got)
	}
	if got := p.Stats().TotalWorkers; got != 0 {
		t.Errorf("TotalWorkers after failed init = %d, want 0", got)
	}
}

// Scenario: the assigned worker dies before completing. The task's future
// rejects and the pool permanently loses one worker.
func TestScenario_WorkerCrash(t *testing.T) {
	p := newTestPool(t)
	initPool(t, p, demoRunner(nil), 2)

	_, err := p.Execute(context.Background(), "panic", nil).Await(context.Background())
	if !errors.Is(err, core.ErrWorkerCrash) {
		t.Fatalf("Await() error = %v, want ErrWorkerCrash", err)
	}

	waitForStats(t, p, func(s Stats) bool { return s.TotalWorkers == 1 })

	// No auto-recovery, and the survivor keeps serving.
	result, err := p.Execute(context.Background(), "echo", map[string]interface{}{"v": 1}).
		Await(context.Background())
	if err != nil {
		t.Fatalf("task after crash error = %v", err)
	}
	if result.Value != 1 {
		t.Errorf("result = %v, want 1", result.Value)
	}
	if got := p.Stats().TotalWorkers; got != 1 {
		t.Errorf("TotalWorkers = %d, want 1 (capacity stays degraded)", got)
	}
}

// Crash isolation: a crash on one worker leaves in-flight tasks on other
// workers untouched.
func TestCrashIsolation(t *testing.T) {
	gate := make(chan struct{})
	p := newTestPool(t)
	initPool(t, p, demoRunner(gate), 2)

	inflight := p.Execute(context.Background(), "wait", nil)
	waitForStats(t, p, func(s Stats) bool { return s.BusyWorkers == 1 })

	if _, err := p.Execute(context.Background(), "panic", nil).Await(context.Background()); !errors.Is(err, core.ErrWorkerCrash) {
		t.Fatalf("crash task error = %v, want ErrWorkerCrash", err)
	}

	close(gate)
	result, err := inflight.Await(context.Background())
	if err != nil {
		t.Fatalf("in-flight task error = %v, want success", err)
	}
	if result.Value != "released" {
		t.Errorf("in-flight result = %v, want released", result.Value)
	}
}

// Scenario: unrecognized task type. The worker reports a failure, the
// future rejects with the reported message, the pool stays fully
// operational.
func TestScenario_UnknownTaskType(t *testing.T) {
	p := newTestPool(t)
	initPool(t, p, demoRunner(nil), 2)

	_, err := p.Execute(context.Background(), "fibonacci", nil).Await(context.Background())
	if err == nil {
		t.Fatal("unknown task type should reject")
	}
	var coreErr *core.Error
	if !errors.As(err, &coreErr) || coreErr.Code != core.CodeWorkerExecution {
		t.Fatalf("error = %v, want a %s error", err, core.CodeWorkerExecution)
	}
	if coreErr.Message != "unknown task type: fibonacci" {
		t.Errorf("error message = %q, want the worker-reported message", coreErr.Message)
	}

	if got := p.Stats().TotalWorkers; got != 2 {
		t.Errorf("TotalWorkers = %d, want 2 (execution errors do not remove workers)", got)
	}
	if _, err := p.Execute(context.Background(), "echo", map[string]interface{}{"v": "ok"}).Await(context.Background()); err != nil {
		t.Errorf("follow-up task error = %v", err)
	}
}

func TestShutdown_RejectsPendingTasks(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)

	p := newTestPool(t)
	initPool(t, p, demoRunner(gate), 1)

	inflight := p.Execute(context.Background(), "wait", nil)
	waitForStats(t, p, func(s Stats) bool { return s.BusyWorkers == 1 })
	queued := p.Execute(context.Background(), "echo", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if _, err := queued.Await(context.Background()); !errors.Is(err, core.ErrPoolShutdown) {
		t.Errorf("queued task error = %v, want ErrPoolShutdown", err)
	}
	if _, err := inflight.Await(context.Background()); !errors.Is(err, core.ErrPoolShutdown) {
		t.Errorf("in-flight task error = %v, want ErrPoolShutdown", err)
	}

	if s := p.Stats(); s.TotalWorkers != 0 || s.QueuedTasks != 0 {
		t.Errorf("stats after shutdown = %+v, want all zero", s)
	}

	// Submissions after shutdown reject immediately.
	if _, err := p.Execute(context.Background(), "echo", nil).Await(context.Background()); !errors.Is(err, core.ErrPoolShutdown) {
		t.Errorf("Execute() after shutdown error = %v, want ErrPoolShutdown", err)
	}
}

func TestQueueLimit(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)

	p := newTestPool(t, WithQueueLimit(2))
	initPool(t, p, demoRunner(gate), 1)

	p.Execute(context.Background(), "wait", nil)
	waitForStats(t, p, func(s Stats) bool { return s.BusyWorkers == 1 })
	p.Execute(context.Background(), "echo", nil)
	p.Execute(context.Background(), "echo", nil)
	waitForStats(t, p, func(s Stats) bool { return s.QueuedTasks == 2 })

	_, err := p.Execute(context.Background(), "echo", nil).Await(context.Background())
	if !errors.Is(err, core.ErrQueueFull) {
		t.Errorf("Execute() over the limit error = %v, want ErrQueueFull", err)
	}
}

func TestTaskTimeout_ReleasesWorkerOnLateCompletion(t *testing.T) {
	gate := make(chan struct{})
	p := newTestPool(t, WithTaskTimeout(50*time.Millisecond))
	initPool(t, p, demoRunner(gate), 1)

	_, err := p.Execute(context.Background(), "wait", nil).Await(context.Background())
	if !errors.Is(err, core.ErrTaskTimeout) {
		t.Fatalf("Await() error = %v, want ErrTaskTimeout", err)
	}

	// The worker is still occupied until its late report arrives.
	if got := p.Stats().BusyWorkers; got != 1 {
		t.Errorf("BusyWorkers after timeout = %d, want 1", got)
	}

	close(gate)
	waitForStats(t, p, func(s Stats) bool { return s.BusyWorkers == 0 })

	// Released worker serves new tasks; the stale result was discarded.
	if _, err := p.Execute(context.Background(), "echo", map[string]interface{}{"v": "ok"}).Await(context.Background()); err != nil {
		t.Errorf("task after timeout error = %v", err)
	}
}

// Duplicate and mismatched completion reports must be ignored without
// disturbing pool state.
func TestSpuriousCompletions(t *testing.T) {
	tr := &duplicatingTransport{inner: transport.NewInproc(core.NewNopLogger())}
	p := New(tr, WithLogger(core.NewNopLogger()))
	initPool(t, p, demoRunner(nil), 1)

	result, err := p.Execute(context.Background(), "echo", map[string]interface{}{"v": 42}).
		Await(context.Background())
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if result.Value != 42 {
		t.Errorf("result = %v, want 42", result.Value)
	}

	// Let the duplicated reports land, then verify the pool is coherent.
	time.Sleep(50 * time.Millisecond)
	s := p.Stats()
	if s.TotalWorkers != 1 || s.BusyWorkers != 0 {
		t.Errorf("stats after duplicate completions = %+v", s)
	}
	if _, err := p.Execute(context.Background(), "echo", map[string]interface{}{"v": 1}).Await(context.Background()); err != nil {
		t.Errorf("follow-up task error = %v", err)
	}
}

// Task ids keep increasing across re-initialization; ids are never reused
// within the process lifetime.
func TestTaskIDsMonotonic(t *testing.T) {
	tr := &recordingTransport{inner: transport.NewInproc(core.NewNopLogger())}
	p := New(tr, WithLogger(core.NewNopLogger()))

	if err := p.Initialize(context.Background(), demoRunner(nil), 1); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	p.Execute(context.Background(), "echo", nil).Await(context.Background())
	p.Execute(context.Background(), "echo", nil).Await(context.Background())
	p.Shutdown(context.Background())

	if err := p.Initialize(context.Background(), demoRunner(nil), 1); err != nil {
		t.Fatalf("re-Initialize() error = %v", err)
	}
	p.Execute(context.Background(), "echo", nil).Await(context.Background())
	p.Shutdown(context.Background())

	ids := tr.taskIDs()
	if len(ids) != 3 {
		t.Fatalf("recorded %d task ids, want 3", len(ids))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("task ids not strictly increasing: %v", ids)
		}
	}
}

// The Initialize context scopes the workers' lifetime on the in-process
// transport. Cancelling it kills the workers; the pool must observe their
// deaths instead of reporting dead workers as idle forever.
func TestInitializeContextCancel_RemovesDeadWorkers(t *testing.T) {
	p := newTestPool(t)
	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Initialize(ctx, demoRunner(nil), 2); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		p.Shutdown(sctx)
	})

	if got := p.Stats().TotalWorkers; got != 2 {
		t.Fatalf("TotalWorkers = %d, want 2", got)
	}

	cancel()
	waitForStats(t, p, func(s Stats) bool { return s.TotalWorkers == 0 })
}

// A submission racing Shutdown must settle one way or the other (result or
// ErrPoolShutdown), never hang with a forever-pending future.
func TestShutdown_ConcurrentSubmissionsSettle(t *testing.T) {
	for round := 0; round < 20; round++ {
		p := newTestPool(t)
		if err := p.Initialize(context.Background(), demoRunner(nil), 1); err != nil {
			t.Fatalf("Initialize() error = %v", err)
		}

		const submitters = 8
		futures := make(chan *future.FutureT[Result], submitters)
		start := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < submitters; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				futures <- p.Execute(context.Background(), "echo", nil)
			}()
		}

		close(start)
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := p.Shutdown(sctx); err != nil {
			t.Fatalf("Shutdown() error = %v", err)
		}
		scancel()
		wg.Wait()
		close(futures)

		actx, acancel := context.WithTimeout(context.Background(), 2*time.Second)
		for f := range futures {
			if _, err := f.Await(actx); errors.Is(err, context.DeadlineExceeded) {
				acancel()
				t.Fatalf("round %d: a submission racing Shutdown never settled", round)
			}
		}
		acancel()
	}
}

// A worker whose handle rejects the assignment is dropped like a crash: its
// handle is terminated, the crash counter moves, and the task is served by
// the next worker in FIFO position.
func TestDispatch_AssignFailureDropsWorker(t *testing.T) {
	metrics := obs.NewMetrics()
	tr := &assignFailTransport{inner: transport.NewInproc(core.NewNopLogger())}
	p := New(tr, WithLogger(core.NewNopLogger()), WithMetrics(metrics))
	initPool(t, p, demoRunner(nil), 2)

	result, err := p.Execute(context.Background(), "echo", map[string]interface{}{"v": "ok"}).
		Await(context.Background())
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if result.Value != "ok" || result.WorkerID != 1 {
		t.Errorf("result = %+v, want ok from worker 1", result)
	}

	waitForStats(t, p, func(s Stats) bool { return s.TotalWorkers == 1 })

	// The dropped worker's handle was stopped, not leaked.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && tr.terminations() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := tr.terminations(); got != 1 {
		t.Errorf("terminations = %d, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.WorkerCrashesTotal); got != 1 {
		t.Errorf("WorkerCrashesTotal = %v, want 1", got)
	}
}

func waitForStats(t *testing.T, p *Pool, ok func(Stats) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ok(p.Stats()) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached, stats = %+v", p.Stats())
}

// neverReady blocks in its warm-up hook until terminated, simulating a
// worker that never sends its readiness signal.
type neverReady struct{}

func (neverReady) Start(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (neverReady) Handle(ctx context.Context, taskType string, params map[string]interface{}) (interface{}, error) {
	return nil, nil
}

// recordingTransport wraps a transport, counting terminations and recording
// assigned task ids.
type recordingTransport struct {
	inner transport.Transport

	mu         sync.Mutex
	terminates int
	ids        []uint64
}

func (r *recordingTransport) Spawn(ctx context.Context, workerID int, runner transport.Runner, deliver transport.DeliverFunc) (transport.Handle, error) {
	h, err := r.inner.Spawn(ctx, workerID, runner, deliver)
	if err != nil {
		return nil, err
	}
	return &recordingHandle{inner: h, parent: r}, nil
}

func (r *recordingTransport) terminated() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminates
}

func (r *recordingTransport) taskIDs() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.ids...)
}

type recordingHandle struct {
	inner  transport.Handle
	parent *recordingTransport
	once   sync.Once
}

func (h *recordingHandle) Assign(msg transport.TaskMessage) error {
	h.parent.mu.Lock()
	h.parent.ids = append(h.parent.ids, msg.TaskID)
	h.parent.mu.Unlock()
	return h.inner.Assign(msg)
}

func (h *recordingHandle) Terminate(ctx context.Context) error {
	h.once.Do(func() {
		h.parent.mu.Lock()
		h.parent.terminates++
		h.parent.mu.Unlock()
	})
	return h.inner.Terminate(ctx)
}

// duplicatingTransport re-delivers every completion event twice and injects
// a mismatched task id, exercising the spurious-message guards.
type duplicatingTransport struct {
	inner transport.Transport
}

func (d *duplicatingTransport) Spawn(ctx context.Context, workerID int, runner transport.Runner, deliver transport.DeliverFunc) (transport.Handle, error) {
	wrapped := func(ev transport.WorkerEvent) {
		deliver(ev)
		if ev.Kind == transport.EventCompleted {
			// Exact duplicate.
			deliver(ev)
			// Mismatched task id.
			bogus := *ev.Completion
			bogus.TaskID = bogus.TaskID + 1000
			deliver(transport.WorkerEvent{Kind: transport.EventCompleted, Completion: &bogus})
		}
	}
	return d.inner.Spawn(ctx, workerID, runner, wrapped)
}

// assignFailTransport spawns workers normally but makes worker 0's handle
// reject every assignment, simulating an execution context that vanished
// between the idle check and the assignment.
type assignFailTransport struct {
	inner transport.Transport

	mu         sync.Mutex
	terminates int
}

func (a *assignFailTransport) Spawn(ctx context.Context, workerID int, runner transport.Runner, deliver transport.DeliverFunc) (transport.Handle, error) {
	h, err := a.inner.Spawn(ctx, workerID, runner, deliver)
	if err != nil {
		return nil, err
	}
	return &assignFailHandle{inner: h, parent: a, fail: workerID == 0}, nil
}

func (a *assignFailTransport) terminations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.terminates
}

type assignFailHandle struct {
	inner  transport.Handle
	parent *assignFailTransport
	fail   bool
	once   sync.Once
}

func (h *assignFailHandle) Assign(msg transport.TaskMessage) error {
	if h.fail {
		return fmt.Errorf("worker is terminated")
	}
	return h.inner.Assign(msg)
}

func (h *assignFailHandle) Terminate(ctx context.Context) error {
	h.once.Do(func() {
		h.parent.mu.Lock()
		h.parent.terminates++
		h.parent.mu.Unlock()
	})
	return h.inner.Terminate(ctx)
}
