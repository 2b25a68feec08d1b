package hub

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Status is the lifecycle state of a Future.
type Status int32

const (
	StatusPending Status = iota
	StatusResolved
	StatusFailed
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusResolved:
		return "resolved"
	case StatusFailed:
		return "failed"
	case StatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Future is the eventual outcome of one invocation. It transitions out of
// StatusPending exactly once; later completion attempts are ignored.
type Future[T any] struct {
	status atomic.Int32
	done   chan struct{}
	value  T
	err    error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) complete(status Status, value T, err error) bool {
	if !f.status.CompareAndSwap(int32(StatusPending), int32(status)) {
		return false
	}
	f.value = value
	f.err = err
	close(f.done)
	return true
}

func (f *Future[T]) resolve(value T) bool {
	return f.complete(StatusResolved, value, nil)
}

func (f *Future[T]) fail(err *Error) bool {
	var zero T
	return f.complete(StatusFailed, zero, err)
}

func (f *Future[T]) cancel(err *Error) bool {
	var zero T
	return f.complete(StatusCanceled, zero, err)
}

// Done is closed once the future leaves StatusPending.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Status returns the current state. A non-pending status is final.
func (f *Future[T]) Status() Status { return Status(f.status.Load()) }

// Wait blocks until the future completes or ctx is done. Canceling ctx stops
// the wait only; it does not cancel the invocation.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, errors.Wrap(ctx.Err(), "waiting for invocation")
	}
}

// Peek returns the outcome without blocking; ok is false while pending.
func (f *Future[T]) Peek() (value T, ok bool, err error) {
	select {
	case <-f.done:
		return f.value, true, f.err
	default:
		var zero T
		return zero, false, nil
	}
}
