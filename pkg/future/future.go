package future

import (
	"context"
	"sync"
)

// State is the resolution state of a Future.
type State int32

const (
	// Pending means the future has not been resolved yet.
	Pending State = iota
	// Resolved means the future completed with a value.
	Resolved
	// Rejected means the future failed with an error.
	Rejected
)

// Result carries the outcome of a completed future.
type Result struct {
	Value interface{}
	Error error
}

// Future represents an asynchronous computation that completes exactly once.
type Future interface {
	// Done returns a channel that is closed when the future completes.
	Done() <-chan struct{}

	// State returns the current resolution state.
	State() State

	// Await blocks until the future completes or the context is cancelled.
	Await(ctx context.Context) (interface{}, error)

	// OnSuccess registers a success handler. If the future is already
	// resolved the handler runs immediately on the calling goroutine.
	OnSuccess(handler func(interface{})) Future

	// OnFailure registers a failure handler. If the future is already
	// rejected the handler runs immediately on the calling goroutine.
	OnFailure(handler func(error)) Future

	// Then chains a success handler, returning a new Future that completes
	// with the handler's result.
	Then(fn func(interface{}) (interface{}, error)) Future

	// Catch chains an error handler, returning a new Future that recovers
	// from rejection with the handler's result.
	Catch(fn func(error) (interface{}, error)) Future

	// Map transforms the resolved value synchronously.
	Map(fn func(interface{}) interface{}) Future
}

// Promise is the writable side of a Future. Complete and Fail are
// idempotent: only the first call transitions the state, later calls are
// discarded. TryComplete and TryFail additionally report whether the
// transition happened.
type Promise interface {
	Future

	// Complete resolves the promise. No-op if already settled.
	Complete(value interface{})

	// Fail rejects the promise. No-op if already settled.
	Fail(err error)

	// TryComplete resolves the promise and reports whether this call
	// performed the transition.
	TryComplete(value interface{}) bool

	// TryFail rejects the promise and reports whether this call performed
	// the transition.
	TryFail(err error) bool
}

// promise implements Promise with an explicit Pending/Resolved/Rejected
// state guarded by a mutex. The guard is what prevents double resolution
// when a completion message and a crash notification race for the same
// task.
type promise struct {
	mu              sync.Mutex
	state           State
	result          Result
	done            chan struct{}
	successHandlers []func(interface{})
	failureHandlers []func(error)
}

// New creates a pending Promise.
func New() Promise {
	return &promise{done: make(chan struct{})}
}

// settle performs the once-only state transition. Returns the handlers to
// run (outside the lock) and whether the transition happened.
func (p *promise) settle(to State, r Result) (toRun []func(), ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Pending {
		return nil, false
	}
	p.state = to
	p.result = r
	close(p.done)

	if to == Resolved {
		for _, h := range p.successHandlers {
			h := h
			toRun = append(toRun, func() { h(r.Value) })
		}
	} else {
		for _, h := range p.failureHandlers {
			h := h
			toRun = append(toRun, func() { h(r.Error) })
		}
	}
	p.successHandlers = nil
	p.failureHandlers = nil
	return toRun, true
}

func (p *promise) Complete(value interface{}) { p.TryComplete(value) }

func (p *promise) Fail(err error) { p.TryFail(err) }

func (p *promise) TryComplete(value interface{}) bool {
	handlers, ok := p.settle(Resolved, Result{Value: value})
	for _, h := range handlers {
		h()
	}
	return ok
}

func (p *promise) TryFail(err error) bool {
	handlers, ok := p.settle(Rejected, Result{Error: err})
	for _, h := range handlers {
		h()
	}
	return ok
}

func (p *promise) Done() <-chan struct{} { return p.done }

func (p *promise) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *promise) Await(ctx context.Context) (interface{}, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		r := p.result
		p.mu.Unlock()
		if r.Error != nil {
			return nil, r.Error
		}
		return r.Value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *promise) OnSuccess(handler func(interface{})) Future {
	p.mu.Lock()
	if p.state == Pending {
		p.successHandlers = append(p.successHandlers, handler)
		p.mu.Unlock()
		return p
	}
	state, r := p.state, p.result
	p.mu.Unlock()

	if state == Resolved {
		handler(r.Value)
	}
	return p
}

func (p *promise) OnFailure(handler func(error)) Future {
	p.mu.Lock()
	if p.state == Pending {
		p.failureHandlers = append(p.failureHandlers, handler)
		p.mu.Unlock()
		return p
	}
	state, r := p.state, p.result
	p.mu.Unlock()

	if state == Rejected {
		handler(r.Error)
	}
	return p
}

func (p *promise) Then(fn func(interface{}) (interface{}, error)) Future {
	next := New()

	p.OnSuccess(func(value interface{}) {
		result, err := fn(value)
		if err != nil {
			next.Fail(err)
		} else {
			next.Complete(result)
		}
	})
	p.OnFailure(func(err error) {
		next.Fail(err)
	})

	return next
}

func (p *promise) Catch(fn func(error) (interface{}, error)) Future {
	next := New()

	p.OnSuccess(func(value interface{}) {
		next.Complete(value)
	})
	p.OnFailure(func(err error) {
		result, handlerErr := fn(err)
		if handlerErr != nil {
			next.Fail(handlerErr)
		} else {
			next.Complete(result)
		}
	})

	return next
}

func (p *promise) Map(fn func(interface{}) interface{}) Future {
	next := New()

	p.OnSuccess(func(value interface{}) {
		next.Complete(fn(value))
	})
	p.OnFailure(func(err error) {
		next.Fail(err)
	})

	return next
}
