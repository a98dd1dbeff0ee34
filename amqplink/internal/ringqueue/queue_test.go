package ringqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestQueueFIFOAcrossGrowth(t *testing.T) {
	queue := New[int](1)
	for value := 0; value < 40; value++ {
		queue.Push(value)
	}
	require.Equal(t, 40, queue.Len())

	head, ok := queue.Peek()
	require.True(t, ok)
	assert.Equal(t, 0, head)

	for want := 0; want < 40; want++ {
		got, ok := queue.Pop()
		require.True(t, ok)
		require.Equal(t, want, got)
	}
	_, ok = queue.Pop()
	assert.False(t, ok)
}

func TestQueueWrapAroundBeforeGrowth(t *testing.T) {
	queue := New[int](minCapacity)
	for value := 0; value < 10; value++ {
		queue.Push(value)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, queue.Drain(8))
	for value := 10; value < 30; value++ {
		queue.Push(value)
	}
	drained := queue.Drain(0)
	require.Len(t, drained, 22)
	for index, value := range drained {
		assert.Equal(t, index+8, value)
	}
	assert.Equal(t, 0, queue.Len())
}

func TestZeroValueQueue(t *testing.T) {
	var queue Queue[string]
	assert.Nil(t, queue.Drain(5))
	queue.Push("a")
	value, ok := queue.Pop()
	require.True(t, ok)
	assert.Equal(t, "a", value)

	var nilQueue *Queue[string]
	assert.Equal(t, 0, nilQueue.Len())
}
