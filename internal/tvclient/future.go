package tvclient

import (
	"context"
	"sync"
)

// Future is a completion handle that settles exactly once. Later Resolve or
// Reject calls are no-ops and report false.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

// NewFuture returns an unsettled future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolve settles the future with v.
func (f *Future[T]) Resolve(v T) bool {
	won := false
	f.once.Do(func() {
		f.val = v
		close(f.done)
		won = true
	})
	return won
}

// Reject settles the future with err.
func (f *Future[T]) Reject(err error) bool {
	won := false
	f.once.Do(func() {
		f.err = err
		close(f.done)
		won = true
	})
	return won
}

// Done is closed once the future settles.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Settled reports whether the future has settled.
func (f *Future[T]) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future settles or ctx ends. A ctx error is returned
// as-is and does not settle the future.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the settled value without blocking. Before settlement it
// returns the zero value and a nil error.
func (f *Future[T]) Result() (T, error) {
	if !f.Settled() {
		var zero T
		return zero, nil
	}
	return f.val, f.err
}
