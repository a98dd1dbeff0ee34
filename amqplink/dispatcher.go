package amqplink

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/Thejuampi/amqplink-go/amqplink/internal/ringqueue"
)

// dispatcher is the single serialized execution context of a Client. All
// link and connection state is touched only from closures it runs.
type dispatcher struct {
	lock     sync.Mutex
	queue    *ringqueue.Queue[func()]
	maxDepth int
	closing  bool
	wake     chan struct{}
	stopped  chan struct{}

	clock  clock.Clock
	logger *zap.Logger
}

func newDispatcher(clk clock.Clock, maxDepth int, logger *zap.Logger) *dispatcher {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &dispatcher{
		queue:    ringqueue.New[func()](64),
		maxDepth: maxDepth,
		wake:     make(chan struct{}, 1),
		stopped:  make(chan struct{}),
		clock:    clk,
		logger:   logger,
	}
}

func (d *dispatcher) start() {
	go d.loop()
}

// submit enqueues work on behalf of an application call. It fails with
// ServerBusyError when the queue already holds maxDepth items.
func (d *dispatcher) submit(work func()) error {
	return d.enqueue(work, true)
}

// post enqueues internal work (timer and engine completions). It is never
// bounded so the loop cannot block on itself.
func (d *dispatcher) post(work func()) error {
	return d.enqueue(work, false)
}

func (d *dispatcher) enqueue(work func(), bounded bool) error {
	d.lock.Lock()
	if d.closing {
		d.lock.Unlock()
		return NewError(ClientClosedError, "dispatcher is closed")
	}
	if bounded && d.maxDepth > 0 && d.queue.Len() >= d.maxDepth {
		d.lock.Unlock()
		return NewError(ServerBusyError, "work queue is full")
	}
	d.queue.Push(work)
	d.lock.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// schedule posts work after delay. The returned timer may be stopped.
func (d *dispatcher) schedule(delay time.Duration, work func()) *clock.Timer {
	if delay < 0 {
		delay = 0
	}
	return d.clock.AfterFunc(delay, func() {
		_ = d.post(work)
	})
}

// stop rejects further work, runs what is already queued and returns once the
// loop has exited.
func (d *dispatcher) stop() {
	d.lock.Lock()
	alreadyClosing := d.closing
	d.closing = true
	d.lock.Unlock()

	if !alreadyClosing {
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
	<-d.stopped
}

func (d *dispatcher) loop() {
	defer close(d.stopped)
	for {
		d.lock.Lock()
		work, ok := d.queue.Pop()
		closing := d.closing
		d.lock.Unlock()

		if ok {
			d.run(work)
			continue
		}
		if closing {
			return
		}
		<-d.wake
	}
}

func (d *dispatcher) run(work func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			d.logger.Error("dispatcher work panicked", zap.String("panic", fmt.Sprint(recovered)))
		}
	}()
	work()
}
