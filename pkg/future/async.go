package future

import (
	"context"
	"fmt"
)

// FutureT is a type-safe Future using Go generics. It is a struct rather
// than an interface because Go does not allow type parameters on interface
// methods.
type FutureT[T any] struct {
	inner Future
}

// PromiseT is the writable side of a FutureT.
type PromiseT[T any] struct {
	FutureT[T]
}

// NewT creates a new typed promise.
func NewT[T any]() *PromiseT[T] {
	return &PromiseT[T]{FutureT[T]{inner: New()}}
}

// Wrap gives an untyped Future a typed view. Awaiting fails if the resolved
// value is not a T.
func Wrap[T any](f Future) *FutureT[T] {
	return &FutureT[T]{inner: f}
}

// Await waits for the future and returns the typed result:
// result, err := f.Await(ctx)
func (f *FutureT[T]) Await(ctx context.Context) (T, error) {
	var zero T
	value, err := f.inner.Await(ctx)
	if err != nil {
		return zero, err
	}
	typed, ok := value.(T)
	if !ok {
		return zero, fmt.Errorf("future resolved with %T, want %T", value, zero)
	}
	return typed, nil
}

// Done returns a channel closed on completion.
func (f *FutureT[T]) Done() <-chan struct{} { return f.inner.Done() }

// State returns the resolution state.
func (f *FutureT[T]) State() State { return f.inner.State() }

// OnSuccess registers a typed success handler.
func (f *FutureT[T]) OnSuccess(handler func(T)) *FutureT[T] {
	f.inner.OnSuccess(func(value interface{}) {
		if typed, ok := value.(T); ok {
			handler(typed)
		}
	})
	return f
}

// OnFailure registers an error handler.
func (f *FutureT[T]) OnFailure(handler func(error)) *FutureT[T] {
	f.inner.OnFailure(handler)
	return f
}

// Complete resolves the promise with a typed value.
func (p *PromiseT[T]) Complete(value T) { p.inner.(Promise).Complete(value) }

// Fail rejects the promise.
func (p *PromiseT[T]) Fail(err error) { p.inner.(Promise).Fail(err) }

// TryComplete resolves the promise, reporting whether this call won.
func (p *PromiseT[T]) TryComplete(value T) bool { return p.inner.(Promise).TryComplete(value) }

// TryFail rejects the promise, reporting whether this call won.
func (p *PromiseT[T]) TryFail(err error) bool { return p.inner.(Promise).TryFail(err) }

// Then chains a success handler, returning a future of the handler's type.
func Then[T any, R any](f *FutureT[T], fn func(T) (R, error)) *FutureT[R] {
	next := NewT[R]()

	f.OnSuccess(func(value T) {
		result, err := fn(value)
		if err != nil {
			next.Fail(err)
		} else {
			next.Complete(result)
		}
	})
	f.OnFailure(func(err error) {
		next.Fail(err)
	})

	return &next.FutureT
}

// All waits for every future to resolve (Promise.all style). The first
// rejection rejects the aggregate.
func All[T any](ctx context.Context, futures ...*FutureT[T]) *FutureT[[]T] {
	agg := NewT[[]T]()

	go func() {
		results := make([]T, 0, len(futures))
		for _, f := range futures {
			result, err := f.Await(ctx)
			if err != nil {
				agg.Fail(err)
				return
			}
			results = append(results, result)
		}
		agg.Complete(results)
	}()

	return &agg.FutureT
}

// Race resolves with the first future to settle (Promise.race style).
func Race[T any](ctx context.Context, futures ...*FutureT[T]) *FutureT[T] {
	winner := NewT[T]()

	for _, f := range futures {
		go func(f *FutureT[T]) {
			result, err := f.Await(ctx)
			if err != nil {
				winner.TryFail(err)
				return
			}
			winner.TryComplete(result)
		}(f)
	}

	return &winner.FutureT
}
