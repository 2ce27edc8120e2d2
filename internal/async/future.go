// Package async provides the small set of asynchronous helpers shared by the
// persistence backends and the sync engine: single-assignment futures, a
// join-all combinator, leveled logging and backend error wrapping.
package async

import (
	"context"
	"fmt"
)

// Result is the settled outcome of a Future: exactly one of Value or Err is
// meaningful.
type Result[T any] struct {
	Value T
	Err   error
}

// Ok reports whether the result carries a value.
func (r Result[T]) Ok() bool {
	return r.Err == nil
}

// Future is a value that becomes available once, at some later point.
// A Future is safe to await from any number of goroutines.
type Future[T any] struct {
	done   chan struct{}
	result Result[T]
}

// Go runs fn in its own goroutine and returns a Future for its result.
// A panic inside fn is converted into an error result.
func Go[T any](fn func() (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		defer func() {
			if r := recover(); r != nil {
				f.result = Result[T]{Err: fmt.Errorf("async task panicked: %v", r)}
			}
		}()
		v, err := fn()
		f.result = Result[T]{Value: v, Err: err}
	}()
	return f
}

// Resolved returns an already completed Future holding v.
func Resolved[T any](v T) *Future[T] {
	f := &Future[T]{done: make(chan struct{}), result: Result[T]{Value: v}}
	close(f.done)
	return f
}

// Rejected returns an already completed Future holding err.
func Rejected[T any](err error) *Future[T] {
	f := &Future[T]{done: make(chan struct{}), result: Result[T]{Err: err}}
	close(f.done)
	return f
}

// Done is closed once the Future has settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the Future settles or ctx is done. Cancelling ctx does not
// stop the underlying work; it only stops waiting for it.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.result.Value, f.result.Err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Settle blocks like Await and returns the outcome as a Result.
func (f *Future[T]) Settle(ctx context.Context) Result[T] {
	v, err := f.Await(ctx)
	return Result[T]{Value: v, Err: err}
}

// AwaitAll waits for every future and returns their values in input order.
// All futures are awaited even when one of them fails; the returned error is
// the first failure in input order.
func AwaitAll[T any](ctx context.Context, futures []*Future[T]) ([]T, error) {
	values := make([]T, len(futures))
	var firstErr error
	for i, f := range futures {
		v, err := f.Await(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		values[i] = v
	}
	return values, firstErr
}

// AwaitAllSettled waits for every future and returns each outcome in input order.
func AwaitAllSettled[T any](ctx context.Context, futures []*Future[T]) []Result[T] {
	results := make([]Result[T], len(futures))
	for i, f := range futures {
		results[i] = f.Settle(ctx)
	}
	return results
}
