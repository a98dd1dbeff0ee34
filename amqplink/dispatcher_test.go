package amqplink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherRunsWorkInOrder(t *testing.T) {
	d := newDispatcher(clock.New(), 0, nil)
	d.start()
	defer d.stop()

	var lock sync.Mutex
	var order []int
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, d.submit(func() {
			lock.Lock()
			order = append(order, i)
			lock.Unlock()
		}))
	}
	onLoop(t, d, func() {})

	lock.Lock()
	defer lock.Unlock()
	require.Len(t, order, 100)
	for i, value := range order {
		assert.Equal(t, i, value)
	}
}

func TestDispatcherSubmitIsBounded(t *testing.T) {
	d := newDispatcher(clock.New(), 2, nil)
	release := make(chan struct{})
	// not started: nothing drains the queue
	require.NoError(t, d.submit(func() { <-release }))
	require.NoError(t, d.submit(func() {}))

	err := d.submit(func() {})
	assert.True(t, errors.Is(err, ErrServerBusy), "got %v", err)
	assert.NoError(t, d.post(func() {}), "internal work is never bounded")

	close(release)
	d.start()
	d.stop()
}

func TestDispatcherRejectsWorkAfterStop(t *testing.T) {
	d := newDispatcher(clock.New(), 0, nil)
	d.start()

	ran := make(chan struct{})
	require.NoError(t, d.post(func() { close(ran) }))
	d.stop()
	<-ran

	assert.True(t, errors.Is(d.submit(func() {}), ErrClientClosed))
	assert.True(t, errors.Is(d.post(func() {}), ErrClientClosed))
	d.stop()
}

func TestDispatcherScheduleUsesClock(t *testing.T) {
	mock := clock.NewMock()
	d := newDispatcher(mock, 0, nil)
	d.start()
	defer d.stop()

	fired := make(chan struct{})
	d.schedule(time.Second, func() { close(fired) })

	select {
	case <-fired:
		t.Fatalf("timer fired before the clock advanced")
	case <-time.After(20 * time.Millisecond):
	}

	mock.Add(time.Second)
	select {
	case <-fired:
	case <-time.After(testWait):
		t.Fatalf("timer did not fire")
	}
}

func TestDispatcherSurvivesPanics(t *testing.T) {
	d := newDispatcher(clock.New(), 0, nil)
	d.start()
	defer d.stop()

	require.NoError(t, d.post(func() { panic("boom") }))
	onLoop(t, d, func() {})
}

func TestFutureCompletesOnce(t *testing.T) {
	future := newFuture[int]()
	_, _, done := future.Result()
	assert.False(t, done)

	assert.True(t, future.complete(1, nil))
	assert.False(t, future.complete(2, errors.New("late")))

	value, err, done := future.Result()
	assert.True(t, done)
	assert.NoError(t, err)
	assert.Equal(t, 1, value)
}

func TestFutureWaitHonorsContext(t *testing.T) {
	future := newFuture[struct{}]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := future.Wait(ctx)
	assert.True(t, errors.Is(err, ErrOperationCancelled))
	assert.True(t, errors.Is(err, context.Canceled))
}
