package amqplink

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Thejuampi/amqplink-go/amqplink/internal/ringqueue"
)

const receiverKind = "receiver"

// ReceiverOptions configures NewReceiver.
type ReceiverOptions struct {
	// Epoch, when set, opens an exclusive epoch receiver. A peer opening the
	// same source with a higher epoch disconnects this one.
	Epoch *int64
	// Cursor is the starting position; nil starts from the entity default.
	Cursor *Cursor
	// PrefetchCount overrides Config.PrefetchCount.
	PrefetchCount uint32
}

// ReceiveHandler consumes messages pushed by a Receiver. Calls are made from
// one goroutine, never concurrently.
type ReceiveHandler interface {
	OnReceive(messages []*Message) error
	OnError(err error)
}

// ReceiveHandlerFuncs adapts plain functions to ReceiveHandler.
type ReceiveHandlerFuncs struct {
	Receive func(messages []*Message) error
	Error   func(err error)
}

// OnReceive implements ReceiveHandler.
func (funcs ReceiveHandlerFuncs) OnReceive(messages []*Message) error {
	if funcs.Receive == nil {
		return nil
	}
	return funcs.Receive(messages)
}

// OnError implements ReceiveHandler.
func (funcs ReceiveHandlerFuncs) OnError(err error) {
	if funcs.Error != nil {
		funcs.Error(err)
	}
}

type pendingReceive struct {
	future  *Future[[]*Message]
	tracker *DeadlineTracker
	timer   *clock.Timer
}

type handlerEvent struct {
	messages   []*Message
	err        error
	generation uint64
}

// handlerWorker runs a ReceiveHandler on its own goroutine.
type handlerWorker struct {
	handler ReceiveHandler
	events  chan handlerEvent
	done    chan struct{}
}

// Receiver is the receive link manager for one source. It keeps a prefetch
// buffer under credit-based flow control and resumes after the last message
// handed out when the link is recreated.
type Receiver struct {
	client   *Client
	name     string
	source   string
	epoch    *int64
	prefetch uint32
	logger   *zap.Logger
	link     *faultTolerantResource[ReceiveLink]

	// owned by the dispatcher
	buffered          *ringqueue.Queue[*Message]
	pending           *ringqueue.Queue[*pendingReceive]
	credit            *linkCredit
	cursor            *Cursor
	worker            *handlerWorker
	closed            bool
	opening           bool
	generation        uint64
	activeLink        ReceiveLink
	stopPump          context.CancelFunc
	openTracker       *DeadlineTracker
	openWaiters       []*Future[struct{}]
	lastKnownError    *Error
	terminalError     *Error
	recreateScheduled bool
	recreateTimer     *clock.Timer
	openTimer         *clock.Timer
}

func newReceiver(client *Client, source string, options *ReceiverOptions) *Receiver {
	if options == nil {
		options = &ReceiverOptions{}
	}
	prefetch := client.config.PrefetchCount
	if options.PrefetchCount > 0 {
		prefetch = options.PrefetchCount
	}
	name := "receiver-" + uuid.NewString()
	logger := client.logger.With(zap.String("link", name), zap.String("source", source))
	if options.Epoch != nil {
		logger = logger.With(zap.Int64("epoch", *options.Epoch))
	}
	receiver := &Receiver{
		client:   client,
		name:     name,
		source:   source,
		epoch:    options.Epoch,
		prefetch: prefetch,
		logger:   logger,
		buffered: ringqueue.New[*Message](int(prefetch)),
		pending:  ringqueue.New[*pendingReceive](16),
		credit:   newLinkCredit(prefetch, DefaultPingReserveRatio),
	}
	if options.Cursor != nil {
		cursor := *options.Cursor
		receiver.cursor = &cursor
	}
	receiver.link = newFaultTolerantResource[ReceiveLink](client.dispatcher, receiver.openLink, receiver.closeLink)
	return receiver
}

// Name returns the link name, which also keys its retry count.
func (receiver *Receiver) Name() string { return receiver.name }

// Source returns the entity path messages are received from.
func (receiver *Receiver) Source() string { return receiver.source }

// PrefetchCount returns the credit window.
func (receiver *Receiver) PrefetchCount() uint32 { return receiver.prefetch }

func (receiver *Receiver) linkName() string { return receiver.name }

func (receiver *Receiver) start(opened *Future[struct{}]) {
	client := receiver.client
	if err := client.register(receiver); err != nil {
		opened.complete(struct{}{}, err)
		return
	}
	receiver.openWaiters = append(receiver.openWaiters, opened)
	receiver.openTracker = startDeadline(client.config.OperationTimeout, client.clock)
	receiver.openTimer = client.dispatcher.schedule(client.config.OperationTimeout, func() {
		if opened.complete(struct{}{}, receiver.timeoutError("link open timed out")) {
			receiver.removeOpenWaiter(opened)
		}
	})
	receiver.ensureOpen()
}

// completeOpenWaiters resolves every waiter for the first link open.
func (receiver *Receiver) completeOpenWaiters(err error) {
	if receiver.openTimer != nil {
		receiver.openTimer.Stop()
		receiver.openTimer = nil
	}
	waiters := receiver.openWaiters
	receiver.openWaiters = nil
	for _, waiter := range waiters {
		waiter.complete(struct{}{}, err)
	}
}

func (receiver *Receiver) removeOpenWaiter(target *Future[struct{}]) {
	waiters := receiver.openWaiters[:0]
	for _, waiter := range receiver.openWaiters {
		if waiter != target {
			waiters = append(waiters, waiter)
		}
	}
	receiver.openWaiters = waiters
}

func (receiver *Receiver) timeoutError(message string) error {
	if receiver.lastKnownError != nil {
		return NewError(OperationCancelledError, message, receiver.lastKnownError)
	}
	return NewError(OperationCancelledError, message)
}

func (receiver *Receiver) openLink(done func(ReceiveLink, error)) {
	client := receiver.client
	client.getConnection(func(connection Connection, err error) {
		if err != nil {
			done(nil, err)
			return
		}
		client.tokens.authorize(connection, receiver.source, func(err error) {
			if err != nil {
				done(nil, err)
				return
			}
			options := ReceiveLinkOptions{
				Name:   receiver.name + "-" + uuid.NewString()[:8],
				Source: receiver.source,
				Epoch:  receiver.epoch,
			}
			if receiver.cursor != nil {
				cursor := *receiver.cursor
				options.Cursor = &cursor
			}
			timeout := clampRemaining(receiver.openTracker.Remaining())
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), timeout)
				defer cancel()
				link, err := connection.OpenReceiveLink(ctx, options)
				if err != nil {
					done(nil, Classify(err))
					return
				}
				done(link, nil)
			}()
		})
	})
}

func (receiver *Receiver) closeLink(link ReceiveLink, done func(error)) {
	timeout := receiver.client.config.OperationTimeout
	logger := receiver.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := link.Close(ctx); err != nil {
			logger.Debug("receive link close failed", zap.Error(err))
		}
	}()
	done(nil)
}

func (receiver *Receiver) ensureOpen() {
	if receiver.opening || receiver.closed || receiver.activeLink != nil || receiver.recreateScheduled {
		return
	}
	receiver.opening = true
	receiver.link.runWhenOpen(receiver.onLinkOpened)
}

func (receiver *Receiver) onLinkOpened(link ReceiveLink, err error) {
	receiver.opening = false
	client := receiver.client
	client.metrics.linkOpened(receiverKind, err)
	if receiver.closed {
		return
	}
	if err != nil {
		receiver.logger.Warn("receive link open failed", zap.Error(err))
		receiver.onLinkError(err)
		return
	}

	receiver.generation++
	receiver.activeLink = link
	receiver.lastKnownError = nil
	receiver.terminalError = nil
	client.retryPolicy.ResetRetryCount(receiver.name)

	initial := receiver.credit.reset(receiver.buffered.Len(), client.clock.Now())
	receiver.issueCredit(initial, false)
	if receiver.activeLink == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	receiver.stopPump = cancel
	go receiver.pump(ctx, link, receiver.generation)

	receiver.logger.Debug("receive link opened", zap.Uint64("generation", receiver.generation), zap.Uint32("credit", initial))
	receiver.completeOpenWaiters(nil)
}

// pump moves deliveries from link onto the dispatcher until ctx ends or the
// link fails.
func (receiver *Receiver) pump(ctx context.Context, link ReceiveLink, generation uint64) {
	d := receiver.client.dispatcher
	codec := receiver.client.codec
	for {
		delivery, err := link.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			_ = d.post(func() { receiver.onPumpError(generation, err) })
			return
		}
		message, err := codec.Decode(delivery.Payload)
		if err != nil {
			receiver.logger.Warn("dropping undecodable message", zap.Error(err))
			_ = d.post(func() { receiver.onDelivery(generation, nil) })
			continue
		}
		_ = d.post(func() { receiver.onDelivery(generation, message) })
	}
}

func (receiver *Receiver) issueCredit(credit uint32, ping bool) {
	if credit == 0 || receiver.activeLink == nil {
		return
	}
	if err := receiver.activeLink.IssueCredit(credit); err != nil {
		receiver.onLinkError(err)
		return
	}
	receiver.client.metrics.creditGranted(credit, ping)
}

func (receiver *Receiver) replenish(n int) {
	if receiver.activeLink == nil {
		return
	}
	receiver.issueCredit(receiver.credit.replenish(n), false)
}

// onDelivery accepts one message from the current link. A nil message is an
// undecodable delivery whose credit is returned at once.
func (receiver *Receiver) onDelivery(generation uint64, message *Message) {
	if receiver.closed || generation != receiver.generation || receiver.activeLink == nil {
		// the recreated link resumes from the cursor
		return
	}
	receiver.credit.delivered(1, receiver.client.clock.Now())
	if message == nil {
		receiver.replenish(1)
		return
	}
	if cursor := cursorAfter(message); cursor != nil {
		receiver.cursor = cursor
	}

	if receiver.worker != nil {
		receiver.dispatchToHandler(handlerEvent{messages: []*Message{message}, generation: generation})
		return
	}
	if request, ok := receiver.pending.Pop(); ok {
		receiver.finishRequest(request, []*Message{message}, nil)
		receiver.replenish(1)
		return
	}
	receiver.buffered.Push(message)
}

// Receive resolves with the buffered messages, or waits up to the operation
// timeout for the next one. A timeout yields an empty result.
func (receiver *Receiver) Receive() *Future[[]*Message] {
	future := newFuture[[]*Message]()
	err := receiver.client.dispatcher.submit(func() { receiver.onReceive(future) })
	if err != nil {
		future.complete(nil, err)
	}
	return future
}

func (receiver *Receiver) onReceive(future *Future[[]*Message]) {
	client := receiver.client
	switch {
	case receiver.closed:
		future.complete(nil, NewError(ClientClosedError, "receiver is closed"))
		return
	case receiver.worker != nil:
		future.complete(nil, NewError(InvalidArgumentError, "receiver has a receive handler"))
		return
	case receiver.terminalError != nil:
		future.complete(nil, receiver.terminalError)
		return
	}

	if receiver.buffered.Len() > 0 {
		messages := receiver.buffered.Drain(int(receiver.prefetch))
		future.complete(messages, nil)
		receiver.replenish(len(messages))
		return
	}

	request := &pendingReceive{
		future:  future,
		tracker: startDeadline(client.config.OperationTimeout, client.clock),
	}
	request.timer = client.dispatcher.schedule(client.config.OperationTimeout, receiver.expireRequests)
	receiver.pending.Push(request)
	client.metrics.addPendingReceives(1)

	if receiver.activeLink != nil && receiver.credit.ping(client.clock.Now(), client.config.OperationTimeout) {
		receiver.logger.Debug("issuing ping credit")
		receiver.issueCredit(1, true)
	}
	receiver.ensureOpen()
}

// expireRequests completes timed-out requests from the head of the queue.
func (receiver *Receiver) expireRequests() {
	for {
		request, ok := receiver.pending.Peek()
		if !ok || !request.tracker.Expired() {
			return
		}
		receiver.pending.Pop()
		if receiver.lastKnownError != nil && (receiver.activeLink == nil || receiver.recreateScheduled) {
			receiver.finishRequest(request, nil, receiver.timeoutError("receive timed out"))
			continue
		}
		receiver.finishRequest(request, nil, nil)
	}
}

func (receiver *Receiver) finishRequest(request *pendingReceive, messages []*Message, err error) {
	if request.timer != nil {
		request.timer.Stop()
	}
	receiver.client.metrics.addPendingReceives(-1)
	request.future.complete(messages, err)
}

func (receiver *Receiver) failRequests(err error) {
	for {
		request, ok := receiver.pending.Pop()
		if !ok {
			return
		}
		receiver.finishRequest(request, nil, err)
	}
}

func (receiver *Receiver) onPumpError(generation uint64, err error) {
	if generation != receiver.generation {
		return
	}
	receiver.onLinkError(err)
}

func (receiver *Receiver) detachActive() {
	if receiver.stopPump != nil {
		receiver.stopPump()
		receiver.stopPump = nil
	}
	receiver.activeLink = nil
}

// onLinkError consults the retry policy and either schedules a recreation or
// fails every outstanding operation.
func (receiver *Receiver) onLinkError(err error) {
	if receiver.closed {
		return
	}
	classified := Classify(err)
	receiver.lastKnownError = classified
	receiver.detachActive()
	if receiver.recreateScheduled {
		return
	}

	// an idle link gets a fresh budget
	remaining := receiver.client.config.OperationTimeout
	if request, ok := receiver.pending.Peek(); ok {
		remaining = request.tracker.Remaining()
	} else if len(receiver.openWaiters) > 0 {
		remaining = receiver.openTracker.Remaining()
	}
	policy := receiver.client.retryPolicy
	wait, retry := policy.NextRetryInterval(receiver.name, classified, remaining)
	if !retry {
		receiver.giveUp(classified)
		return
	}
	policy.IncrementRetryCount(receiver.name)
	receiver.client.metrics.recreationScheduled(receiverKind, wait.Seconds())
	receiver.logger.Info("recreating receive link",
		zap.Duration("wait", wait),
		zap.Uint32("attempt", policy.RetryCount(receiver.name)),
		zap.Error(classified))
	receiver.recreateScheduled = true
	receiver.recreateTimer = receiver.client.dispatcher.schedule(wait, receiver.recreate)
}

func (receiver *Receiver) recreate() {
	receiver.recreateScheduled = false
	receiver.recreateTimer = nil
	if receiver.closed {
		return
	}
	receiver.openTracker = startDeadline(receiver.client.config.OperationTimeout, receiver.client.clock)
	receiver.link.close(func(error) {})
	receiver.ensureOpen()
}

func (receiver *Receiver) giveUp(cause *Error) {
	receiver.logger.Warn("receive link failed permanently", zap.Error(cause))
	if !cause.Transient() {
		receiver.terminalError = cause
	} else {
		receiver.client.retryPolicy.ResetRetryCount(receiver.name)
	}

	if isBenignTimeout(cause) {
		receiver.failRequests(nil)
	} else {
		receiver.failRequests(cause)
	}
	if receiver.worker != nil {
		receiver.dispatchToHandler(handlerEvent{err: cause})
	}
	receiver.completeOpenWaiters(cause)
	receiver.link.close(func(error) {})
}

// SetReceiveHandler switches to push mode: buffered and future messages are
// passed to handler and credit is replenished once it returns. A nil handler
// switches back to Receive.
func (receiver *Receiver) SetReceiveHandler(handler ReceiveHandler) *Future[struct{}] {
	future := newFuture[struct{}]()
	err := receiver.client.dispatcher.submit(func() {
		if receiver.closed {
			future.complete(struct{}{}, NewError(ClientClosedError, "receiver is closed"))
			return
		}
		receiver.stopWorker()
		if handler == nil {
			future.complete(struct{}{}, nil)
			return
		}
		receiver.startWorker(handler)
		receiver.failRequests(nil)
		if receiver.buffered.Len() > 0 {
			receiver.dispatchToHandler(handlerEvent{messages: receiver.buffered.Drain(0), generation: receiver.generation})
		}
		receiver.ensureOpen()
		future.complete(struct{}{}, nil)
	})
	if err != nil {
		future.complete(struct{}{}, err)
	}
	return future
}

func (receiver *Receiver) startWorker(handler ReceiveHandler) {
	worker := &handlerWorker{
		handler: handler,
		events:  make(chan handlerEvent, int(receiver.prefetch)+16),
		done:    make(chan struct{}),
	}
	receiver.worker = worker
	go receiver.runHandler(worker)
}

// stopWorker lets the current handler finish queued events on its own.
func (receiver *Receiver) stopWorker() *handlerWorker {
	worker := receiver.worker
	if worker == nil {
		return nil
	}
	receiver.worker = nil
	close(worker.events)
	return worker
}

func (receiver *Receiver) dispatchToHandler(event handlerEvent) {
	select {
	case receiver.worker.events <- event:
	default:
		receiver.logger.Warn("receive handler backlog full, buffering", zap.Int("messages", len(event.messages)))
		for _, message := range event.messages {
			receiver.buffered.Push(message)
		}
	}
}

func (receiver *Receiver) runHandler(worker *handlerWorker) {
	defer close(worker.done)
	d := receiver.client.dispatcher
	for event := range worker.events {
		if event.err != nil {
			receiver.callOnError(worker.handler, event.err)
			continue
		}
		if err := receiver.callOnReceive(worker.handler, event.messages); err != nil {
			receiver.client.metrics.handlerFailed()
			receiver.callOnError(worker.handler, err)
		}
		count := len(event.messages)
		generation := event.generation
		_ = d.post(func() {
			if generation == receiver.generation {
				receiver.replenish(count)
			}
			if receiver.worker == worker && receiver.buffered.Len() > 0 {
				receiver.dispatchToHandler(handlerEvent{messages: receiver.buffered.Drain(int(receiver.prefetch)), generation: receiver.generation})
			}
		})
	}
}

func (receiver *Receiver) callOnReceive(handler ReceiveHandler, messages []*Message) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("receive handler panicked: %v", recovered)
		}
	}()
	return handler.OnReceive(messages)
}

func (receiver *Receiver) callOnError(handler ReceiveHandler, cause error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			receiver.logger.Error("receive handler OnError panicked", zap.String("panic", fmt.Sprint(recovered)))
		}
	}()
	handler.OnError(cause)
}

// Close fails pending receives with ClientClosedError, stops the receive
// handler and detaches the link. Close is idempotent and resolves once the
// handler has returned.
func (receiver *Receiver) Close() *Future[struct{}] {
	future := newFuture[struct{}]()
	err := receiver.client.dispatcher.post(func() {
		worker := receiver.worker
		receiver.shutdown(NewError(ClientClosedError, "receiver is closed"), func(err error) {
			if worker == nil {
				future.complete(struct{}{}, err)
				return
			}
			go func() {
				<-worker.done
				future.complete(struct{}{}, err)
			}()
		})
	})
	if err != nil {
		future.complete(struct{}{}, nil)
	}
	return future
}

func (receiver *Receiver) shutdown(cause error, done func(error)) {
	if !receiver.closed {
		receiver.closed = true
		receiver.client.unregister(receiver)
		if receiver.recreateTimer != nil {
			receiver.recreateTimer.Stop()
			receiver.recreateTimer = nil
		}
		receiver.recreateScheduled = false
		receiver.detachActive()
		receiver.failRequests(cause)
		receiver.stopWorker()
		receiver.completeOpenWaiters(cause)
		receiver.client.retryPolicy.ResetRetryCount(receiver.name)
		receiver.logger.Debug("receiver closed")
	}
	receiver.link.close(done)
}
