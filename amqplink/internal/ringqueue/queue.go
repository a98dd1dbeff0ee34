// Package ringqueue implements a growable FIFO ring buffer.
//
// Queue is not safe for concurrent use; callers serialize access.
package ringqueue

const minCapacity = 16

// Queue is a FIFO ring that doubles its capacity when full.
type Queue[T any] struct {
	ring   []T
	first  int
	length int
}

// New returns a queue with room for initialSize elements before growing.
func New[T any](initialSize int) *Queue[T] {
	if initialSize < minCapacity {
		initialSize = minCapacity
	}
	return &Queue[T]{ring: make([]T, initialSize)}
}

// Len returns the number of queued elements.
func (queue *Queue[T]) Len() int {
	if queue == nil {
		return 0
	}
	return queue.length
}

// Push appends value at the tail.
func (queue *Queue[T]) Push(value T) {
	if queue.ring == nil {
		queue.ring = make([]T, minCapacity)
	}
	if queue.length == len(queue.ring) {
		queue.resize()
	}
	queue.ring[(queue.first+queue.length)%len(queue.ring)] = value
	queue.length++
}

// Peek returns the head without removing it.
func (queue *Queue[T]) Peek() (T, bool) {
	var zero T
	if queue.Len() == 0 {
		return zero, false
	}
	return queue.ring[queue.first], true
}

// Pop removes and returns the head.
func (queue *Queue[T]) Pop() (T, bool) {
	var zero T
	if queue.Len() == 0 {
		return zero, false
	}
	value := queue.ring[queue.first]
	queue.ring[queue.first] = zero
	queue.length--
	if queue.length == 0 {
		queue.first = 0
	} else {
		queue.first = (queue.first + 1) % len(queue.ring)
	}
	return value, true
}

// Drain removes up to limit elements from the head in order. A limit of zero
// or less drains everything.
func (queue *Queue[T]) Drain(limit int) []T {
	count := queue.Len()
	if limit > 0 && limit < count {
		count = limit
	}
	if count == 0 {
		return nil
	}
	values := make([]T, 0, count)
	for index := 0; index < count; index++ {
		value, _ := queue.Pop()
		values = append(values, value)
	}
	return values
}

func (queue *Queue[T]) resize() {
	grown := make([]T, 2*len(queue.ring))
	for index := 0; index < queue.length; index++ {
		grown[index] = queue.ring[(queue.first+index)%len(queue.ring)]
	}
	queue.ring = grown
	queue.first = 0
}
