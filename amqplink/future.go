package amqplink

import (
	"context"
	"sync"
)

// Future is the single-assignment result of an asynchronous operation.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func completedFuture[T any](value T, err error) *Future[T] {
	future := newFuture[T]()
	future.complete(value, err)
	return future
}

// complete resolves the future. Only the first call has an effect; it reports
// whether this call resolved the future.
func (future *Future[T]) complete(value T, err error) bool {
	completed := false
	future.once.Do(func() {
		future.value = value
		future.err = err
		completed = true
		close(future.done)
	})
	return completed
}

// Done is closed once the result is available.
func (future *Future[T]) Done() <-chan struct{} { return future.done }

// Result returns the outcome and whether the future has completed.
func (future *Future[T]) Result() (T, error, bool) {
	select {
	case <-future.done:
		return future.value, future.err, true
	default:
		var zero T
		return zero, nil, false
	}
}

// Wait blocks until the future completes or ctx ends. A context error is
// returned classified as OperationCancelledError; the operation itself keeps
// running.
func (future *Future[T]) Wait(ctx context.Context) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-future.done:
		return future.value, future.err
	case <-ctx.Done():
		var zero T
		return zero, NewError(OperationCancelledError, "wait cancelled", ctx.Err())
	}
}
