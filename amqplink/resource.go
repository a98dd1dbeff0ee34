package amqplink

import "sync/atomic"

type resourceState int

const (
	resourceClosed resourceState = iota
	resourceOpening
	resourceOpened
	resourceClosing
)

func (state resourceState) String() string {
	switch state {
	case resourceClosed:
		return "closed"
	case resourceOpening:
		return "opening"
	case resourceOpened:
		return "opened"
	case resourceClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// openOperation creates the protected object and must call done exactly once.
type openOperation[T any] func(done func(T, error))

// closeOperation tears object down and must call done exactly once.
type closeOperation[T any] func(object T, done func(error))

// faultTolerantResource guards lazy creation and teardown of one protocol
// object. At most one open and one close run at a time; callers queued while
// an operation is in flight all receive its single outcome, in queue order.
//
// Every method must be called on the owning dispatcher. Operation completions
// are re-posted to it, so done may be called from any goroutine.
type faultTolerantResource[T any] struct {
	dispatcher   *dispatcher
	openObject   openOperation[T]
	closeObject  closeOperation[T]
	state        resourceState
	object       T
	openWaiters  []func(T, error)
	closeWaiters []func(error)
}

func newFaultTolerantResource[T any](d *dispatcher, open openOperation[T], close closeOperation[T]) *faultTolerantResource[T] {
	return &faultTolerantResource[T]{
		dispatcher:  d,
		openObject:  open,
		closeObject: close,
	}
}

// runWhenOpen calls callback with the opened object, opening it first if needed.
func (resource *faultTolerantResource[T]) runWhenOpen(callback func(T, error)) {
	switch resource.state {
	case resourceOpened:
		callback(resource.object, nil)
	case resourceOpening, resourceClosing:
		// a pending close is followed by a fresh open in onCloseComplete
		resource.openWaiters = append(resource.openWaiters, callback)
	case resourceClosed:
		resource.openWaiters = append(resource.openWaiters, callback)
		resource.startOpen()
	}
}

// close tears the object down. Closing a closed resource completes at once.
func (resource *faultTolerantResource[T]) close(callback func(error)) {
	switch resource.state {
	case resourceClosed:
		callback(nil)
	case resourceOpening, resourceClosing:
		resource.closeWaiters = append(resource.closeWaiters, callback)
	case resourceOpened:
		resource.closeWaiters = append(resource.closeWaiters, callback)
		resource.startClose()
	}
}

// peekIfOpen returns the object only when it is currently opened.
func (resource *faultTolerantResource[T]) peekIfOpen() (T, bool) {
	if resource.state == resourceOpened {
		return resource.object, true
	}
	var zero T
	return zero, false
}

func (resource *faultTolerantResource[T]) currentState() resourceState {
	return resource.state
}

func (resource *faultTolerantResource[T]) startOpen() {
	resource.state = resourceOpening
	var reported atomic.Bool
	resource.openObject(func(object T, err error) {
		if !reported.CompareAndSwap(false, true) {
			return
		}
		// a closed dispatcher drops the outcome; its owner fails the waiters
		_ = resource.dispatcher.post(func() { resource.onOpenComplete(object, err) })
	})
}

func (resource *faultTolerantResource[T]) onOpenComplete(object T, err error) {
	waiters := resource.openWaiters
	resource.openWaiters = nil

	var zero T
	if err != nil {
		resource.state = resourceClosed
		resource.object = zero
	} else {
		resource.state = resourceOpened
		resource.object = object
	}

	for _, waiter := range waiters {
		if err != nil {
			waiter(zero, err)
		} else {
			waiter(object, nil)
		}
	}

	if len(resource.closeWaiters) == 0 {
		return
	}
	if resource.state == resourceOpened {
		resource.startClose()
		return
	}
	if resource.state == resourceClosed {
		closeWaiters := resource.closeWaiters
		resource.closeWaiters = nil
		for _, waiter := range closeWaiters {
			waiter(nil)
		}
	}
}

func (resource *faultTolerantResource[T]) startClose() {
	resource.state = resourceClosing
	object := resource.object
	var reported atomic.Bool
	resource.closeObject(object, func(err error) {
		if !reported.CompareAndSwap(false, true) {
			return
		}
		_ = resource.dispatcher.post(func() { resource.onCloseComplete(err) })
	})
}

func (resource *faultTolerantResource[T]) onCloseComplete(err error) {
	var zero T
	resource.state = resourceClosed
	resource.object = zero

	waiters := resource.closeWaiters
	resource.closeWaiters = nil
	for _, waiter := range waiters {
		waiter(err)
	}

	if len(resource.openWaiters) > 0 && resource.state == resourceClosed {
		resource.startOpen()
	}
}
