package amqplink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Thejuampi/amqplink-go/amqplink/internal/deliverytag"
)

const senderKind = "sender"

// Sender is the send link manager for one target. It keeps every unsettled
// delivery until it reaches a terminal outcome, recreating the link and
// replaying deliveries in submission order when the link fails.
type Sender struct {
	client         *Client
	name           string
	target         string
	logger         *zap.Logger
	link           *faultTolerantResource[SendLink]
	tags           *deliverytag.Sequencer
	maxMessageSize atomic.Int64
	buffers        sync.Pool

	// owned by the dispatcher
	pending           *pendingDeliveries
	closed            bool
	opening           bool
	generation        uint64
	openTracker       *DeadlineTracker
	openWaiters       []*Future[struct{}]
	lastKnownError    *Error
	terminalError     *Error
	recreateScheduled bool
	recreateTimer     *clock.Timer
	openTimer         *clock.Timer
	writer            *dispatcher
}

func newSender(client *Client, target string) *Sender {
	name := "sender-" + uuid.NewString()
	sender := &Sender{
		client:  client,
		name:    name,
		target:  target,
		logger:  client.logger.With(zap.String("link", name), zap.String("target", target)),
		tags:    deliverytag.NewSequencer(1),
		pending: newPendingDeliveries(),
	}
	sender.maxMessageSize.Store(int64(client.config.MaxMessageSize))
	sender.link = newFaultTolerantResource[SendLink](client.dispatcher, sender.openLink, sender.closeLink)
	return sender
}

// Name returns the link name, which also keys its retry count.
func (sender *Sender) Name() string { return sender.name }

// Target returns the entity path messages are sent to.
func (sender *Sender) Target() string { return sender.target }

// MaxMessageSize returns the largest encoded message accepted by Send.
func (sender *Sender) MaxMessageSize() int { return int(sender.maxMessageSize.Load()) }

func (sender *Sender) linkName() string { return sender.name }

func (sender *Sender) start(opened *Future[struct{}]) {
	if err := sender.client.register(sender); err != nil {
		opened.complete(struct{}{}, err)
		return
	}
	sender.openWaiters = append(sender.openWaiters, opened)
	sender.openTracker = startDeadline(sender.client.config.OperationTimeout, sender.client.clock)
	sender.openTimer = sender.client.dispatcher.schedule(sender.client.config.OperationTimeout, func() {
		if opened.complete(struct{}{}, sender.timeoutError("link open timed out")) {
			sender.removeOpenWaiter(opened)
		}
	})
	sender.ensureOpen()
}

// completeOpenWaiters resolves every waiter for the first link open.
func (sender *Sender) completeOpenWaiters(err error) {
	if sender.openTimer != nil {
		sender.openTimer.Stop()
		sender.openTimer = nil
	}
	waiters := sender.openWaiters
	sender.openWaiters = nil
	for _, waiter := range waiters {
		waiter.complete(struct{}{}, err)
	}
}

func (sender *Sender) removeOpenWaiter(target *Future[struct{}]) {
	waiters := sender.openWaiters[:0]
	for _, waiter := range sender.openWaiters {
		if waiter != target {
			waiters = append(waiters, waiter)
		}
	}
	sender.openWaiters = waiters
}

func (sender *Sender) timeoutError(message string) error {
	if sender.lastKnownError != nil {
		return NewError(OperationCancelledError, message, sender.lastKnownError)
	}
	return NewError(OperationCancelledError, message)
}

func (sender *Sender) openLink(done func(SendLink, error)) {
	client := sender.client
	client.getConnection(func(connection Connection, err error) {
		if err != nil {
			done(nil, err)
			return
		}
		client.tokens.authorize(connection, sender.target, func(err error) {
			if err != nil {
				done(nil, err)
				return
			}
			options := SendLinkOptions{Name: sender.name + "-" + uuid.NewString()[:8], Target: sender.target}
			timeout := clampRemaining(sender.openTracker.Remaining())
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), timeout)
				defer cancel()
				link, err := connection.OpenSendLink(ctx, options)
				if err != nil {
					done(nil, Classify(err))
					return
				}
				done(link, nil)
			}()
		})
	})
}

// closeLink detaches without waiting for the peer to acknowledge.
func (sender *Sender) closeLink(link SendLink, done func(error)) {
	timeout := sender.client.config.OperationTimeout
	logger := sender.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := link.Close(ctx); err != nil {
			logger.Debug("send link close failed", zap.Error(err))
		}
	}()
	done(nil)
}

func (sender *Sender) ensureOpen() {
	if sender.opening || sender.closed || sender.recreateScheduled {
		return
	}
	sender.opening = true
	sender.link.runWhenOpen(sender.onLinkOpened)
}

func (sender *Sender) onLinkOpened(link SendLink, err error) {
	sender.opening = false
	client := sender.client
	client.metrics.linkOpened(senderKind, err)
	if sender.closed {
		return
	}
	if err != nil {
		sender.logger.Warn("send link open failed", zap.Error(err))
		sender.onLinkError(err)
		return
	}

	sender.generation++
	sender.startWriter()
	sender.lastKnownError = nil
	sender.terminalError = nil
	client.retryPolicy.ResetRetryCount(sender.name)
	if size := link.MaxMessageSize(); size > 0 && size < uint64(client.config.MaxMessageSize) {
		sender.maxMessageSize.Store(int64(size))
	}
	sender.logger.Debug("send link opened", zap.Uint64("generation", sender.generation), zap.Int("pending", sender.pending.len()))

	sender.completeOpenWaiters(nil)

	for _, delivery := range sender.pending.ordered() {
		if delivery.retry != nil {
			delivery.retry.Stop()
			delivery.retry = nil
		}
		if delivery.generation != 0 {
			sender.pending.retag(delivery, sender.tags.NextTag())
		}
		sender.transmit(link, delivery)
	}
}

// Send encodes message and transmits it. The future completes once the
// delivery reaches a terminal outcome or its operation timeout elapses.
func (sender *Sender) Send(message *Message) *Future[struct{}] {
	if message == nil {
		return completedFuture(struct{}{}, NewError(InvalidArgumentError, "message is nil"))
	}
	payload, err := sender.encode(message)
	if err != nil {
		return completedFuture(struct{}{}, err)
	}
	return sender.sendEncoded(payload, MessageFormatDefault)
}

// SendBatch sends messages as one delivery. A single message is sent as is;
// more are wrapped in a batch envelope carrying partitionKey.
func (sender *Sender) SendBatch(messages []*Message, partitionKey string) *Future[struct{}] {
	switch len(messages) {
	case 0:
		return completedFuture(struct{}{}, NewError(InvalidArgumentError, "batch is empty"))
	case 1:
		message := messages[0]
		if message == nil {
			return completedFuture(struct{}{}, NewError(InvalidArgumentError, "message is nil"))
		}
		if partitionKey != "" {
			message = withPartitionKey(message, partitionKey)
		}
		return sender.Send(message)
	}

	envelope := &Message{Data: make([][]byte, 0, len(messages))}
	if partitionKey != "" {
		envelope.SetAnnotation(AnnotationPartitionKey, partitionKey)
	}
	for _, message := range messages {
		if message == nil {
			return completedFuture(struct{}{}, NewError(InvalidArgumentError, "message is nil"))
		}
		encoded, err := sender.encode(message)
		if err != nil {
			return completedFuture(struct{}{}, err)
		}
		envelope.Data = append(envelope.Data, encoded)
	}
	payload, err := sender.encode(envelope)
	if err != nil {
		return completedFuture(struct{}{}, err)
	}
	return sender.sendEncoded(payload, MessageFormatBatch)
}

func withPartitionKey(message *Message, partitionKey string) *Message {
	copied := *message
	copied.Annotations = make(map[string]interface{}, len(message.Annotations)+1)
	for key, value := range message.Annotations {
		copied.Annotations[key] = value
	}
	copied.Annotations[AnnotationPartitionKey] = partitionKey
	return &copied
}

func (sender *Sender) encode(message *Message) ([]byte, error) {
	limit := int(sender.maxMessageSize.Load())
	pooled, _ := sender.buffers.Get().(*[]byte)
	if pooled == nil || cap(*pooled) < limit {
		fresh := make([]byte, limit)
		pooled = &fresh
	}
	buffer := (*pooled)[:limit]
	defer sender.buffers.Put(pooled)

	written, err := sender.client.codec.Encode(message, buffer, 0, limit)
	if err != nil {
		classified := Classify(err)
		if classified.Code == UnknownError {
			return nil, NewError(InvalidArgumentError, "encode message", err)
		}
		return nil, classified
	}
	if written > limit {
		return nil, NewError(PayloadTooLargeError, "encoded message exceeds max message size")
	}
	payload := make([]byte, written)
	copy(payload, buffer[:written])
	return payload, nil
}

func (sender *Sender) sendEncoded(payload []byte, format uint32) *Future[struct{}] {
	future := newFuture[struct{}]()
	err := sender.client.dispatcher.submit(func() {
		sender.enqueueDelivery(payload, format, future)
	})
	if err != nil {
		future.complete(struct{}{}, err)
	}
	return future
}

func (sender *Sender) enqueueDelivery(payload []byte, format uint32, future *Future[struct{}]) {
	client := sender.client
	if sender.closed {
		future.complete(struct{}{}, NewError(ClientClosedError, "sender is closed"))
		return
	}
	if sender.terminalError != nil {
		future.complete(struct{}{}, sender.terminalError)
		return
	}

	delivery := &pendingDelivery{
		tag:     sender.tags.NextTag(),
		payload: payload,
		format:  format,
		future:  future,
		tracker: startDeadline(client.config.OperationTimeout, client.clock),
	}
	sender.pending.add(delivery)
	client.metrics.addInFlight(1)
	delivery.timer = client.dispatcher.schedule(client.config.OperationTimeout, func() {
		sender.onDeliveryTimeout(delivery)
	})

	link, ok := sender.link.peekIfOpen()
	if !ok || sender.opening || sender.writer == nil {
		sender.ensureOpen()
		return
	}
	if link.State() != LinkActive && !sender.recreateScheduled {
		sender.logger.Debug("send link not active, scheduling recreation", zap.Stringer("state", link.State()))
		sender.scheduleRecreate(0)
	}
	sender.transmit(link, delivery)
}

// transmit queues delivery on the link writer, which hands transfers to the
// transport one at a time so they reach the wire in submission order.
func (sender *Sender) transmit(link SendLink, delivery *pendingDelivery) {
	delivery.generation = sender.generation
	transfer := Transfer{Tag: delivery.tag, Payload: delivery.payload, Format: delivery.format}
	tracker := delivery.tracker
	d := sender.client.dispatcher
	report := func(err error) {
		_ = d.post(func() { sender.onOutcome(transfer.Tag, link, err) })
	}
	err := sender.writer.post(func() {
		ctx, cancel := context.WithTimeout(context.Background(), clampRemaining(tracker.Remaining()))
		receipt, err := link.Send(ctx, transfer)
		if err != nil {
			cancel()
			report(err)
			return
		}
		go func() {
			defer cancel()
			report(receipt.Wait(ctx))
		}()
	})
	if err != nil {
		report(err)
	}
}

func (sender *Sender) startWriter() {
	sender.stopWriter()
	sender.writer = newDispatcher(sender.client.clock, 0, sender.logger)
	sender.writer.start()
}

// stopWriter retires the writer of the previous link; transfers already
// queued on it still run and fail against the dead link.
func (sender *Sender) stopWriter() {
	if sender.writer == nil {
		return
	}
	writer := sender.writer
	sender.writer = nil
	go writer.stop()
}

func (sender *Sender) onOutcome(tag []byte, link SendLink, err error) {
	delivery, ok := sender.pending.get(tag)
	if !ok {
		return
	}
	if err == nil {
		sender.complete(delivery, nil)
		sender.client.retryPolicy.ResetRetryCount(sender.name)
		return
	}

	classified := Classify(err)
	if classified.Code == OperationCancelledError {
		// the delivery timer reports the expiry
		return
	}
	if link.State() != LinkActive {
		// failures reported by a retired link are ignored
		if current, ok := sender.link.peekIfOpen(); ok && current == link {
			sender.onLinkError(classified)
		}
		return
	}
	if !classified.Transient() {
		sender.complete(delivery, classified)
		return
	}
	sender.retryDelivery(delivery, classified)
}

// retryDelivery resends one delivery rejected by a healthy link.
func (sender *Sender) retryDelivery(delivery *pendingDelivery, cause *Error) {
	policy := sender.client.retryPolicy
	retryID := delivery.retryID(sender.name)
	wait, retry := policy.NextRetryInterval(retryID, cause, delivery.tracker.Remaining())
	if !retry {
		sender.complete(delivery, cause)
		return
	}
	// the link's own count only moves when the link is recreated
	policy.IncrementRetryCount(retryID)
	delivery.retried = true
	sender.lastKnownError = cause
	sender.logger.Debug("retrying delivery", zap.Uint64("sequence", delivery.sequence), zap.Duration("wait", wait), zap.Error(cause))
	delivery.retry = sender.client.dispatcher.schedule(wait, func() {
		delivery.retry = nil
		if !sender.pending.contains(delivery) || sender.closed {
			return
		}
		sender.pending.retag(delivery, sender.tags.NextTag())
		link, ok := sender.link.peekIfOpen()
		if !ok || sender.opening || sender.recreateScheduled || sender.writer == nil {
			// replayed once the link reopens
			delivery.generation = 0
			sender.ensureOpen()
			return
		}
		sender.transmit(link, delivery)
	})
}

func (sender *Sender) onDeliveryTimeout(delivery *pendingDelivery) {
	if !sender.pending.contains(delivery) {
		return
	}
	sender.complete(delivery, sender.timeoutError("send timed out"))
}

func (sender *Sender) complete(delivery *pendingDelivery, err error) {
	if !sender.pending.remove(delivery) {
		return
	}
	sender.release(delivery, err)
}

func (sender *Sender) release(delivery *pendingDelivery, err error) {
	if delivery.timer != nil {
		delivery.timer.Stop()
	}
	if delivery.retry != nil {
		delivery.retry.Stop()
		delivery.retry = nil
	}
	if delivery.retried {
		sender.client.retryPolicy.ResetRetryCount(delivery.retryID(sender.name))
	}
	sender.client.metrics.addInFlight(-1)
	sender.client.metrics.deliveryCompleted(err)
	delivery.future.complete(struct{}{}, err)
}

// onLinkError consults the retry policy and either schedules a recreation or
// fails every outstanding operation.
func (sender *Sender) onLinkError(err error) {
	if sender.closed {
		return
	}
	classified := Classify(err)
	sender.lastKnownError = classified
	if sender.recreateScheduled {
		return
	}

	// an idle link gets a fresh budget
	remaining := sender.client.config.OperationTimeout
	if oldest, ok := sender.pending.oldest(); ok {
		remaining = oldest.tracker.Remaining()
	} else if len(sender.openWaiters) > 0 {
		remaining = sender.openTracker.Remaining()
	}
	policy := sender.client.retryPolicy
	wait, retry := policy.NextRetryInterval(sender.name, classified, remaining)
	if !retry {
		sender.giveUp(classified)
		return
	}
	policy.IncrementRetryCount(sender.name)
	sender.client.metrics.recreationScheduled(senderKind, wait.Seconds())
	sender.logger.Info("recreating send link",
		zap.Duration("wait", wait),
		zap.Uint32("attempt", policy.RetryCount(sender.name)),
		zap.Error(classified))
	sender.scheduleRecreate(wait)
}

func (sender *Sender) scheduleRecreate(wait time.Duration) {
	sender.recreateScheduled = true
	sender.recreateTimer = sender.client.dispatcher.schedule(wait, sender.recreate)
}

func (sender *Sender) recreate() {
	sender.recreateScheduled = false
	sender.recreateTimer = nil
	if sender.closed {
		return
	}
	sender.openTracker = startDeadline(sender.client.config.OperationTimeout, sender.client.clock)
	sender.stopWriter()
	sender.link.close(func(error) {})
	sender.ensureOpen()
}

func (sender *Sender) giveUp(cause *Error) {
	sender.logger.Warn("send link failed permanently", zap.Error(cause), zap.Int("pending", sender.pending.len()))
	if !cause.Transient() {
		sender.terminalError = cause
	} else {
		// a later send starts a fresh round of attempts
		sender.client.retryPolicy.ResetRetryCount(sender.name)
	}
	for _, delivery := range sender.pending.drain() {
		sender.release(delivery, cause)
	}
	sender.completeOpenWaiters(cause)
	sender.stopWriter()
	sender.link.close(func(error) {})
}

// Close fails outstanding deliveries with ClientClosedError and detaches the
// link without waiting for the peer. Close is idempotent.
func (sender *Sender) Close() *Future[struct{}] {
	future := newFuture[struct{}]()
	err := sender.client.dispatcher.post(func() {
		sender.shutdown(NewError(ClientClosedError, "sender is closed"), func(err error) {
			future.complete(struct{}{}, err)
		})
	})
	if err != nil {
		// the client has shut down, and this sender with it
		future.complete(struct{}{}, nil)
	}
	return future
}

func (sender *Sender) shutdown(cause error, done func(error)) {
	if !sender.closed {
		sender.closed = true
		sender.client.unregister(sender)
		if sender.recreateTimer != nil {
			sender.recreateTimer.Stop()
			sender.recreateTimer = nil
		}
		sender.recreateScheduled = false
		sender.stopWriter()
		for _, delivery := range sender.pending.drain() {
			sender.release(delivery, cause)
		}
		sender.completeOpenWaiters(cause)
		sender.client.retryPolicy.ResetRetryCount(sender.name)
		sender.logger.Debug("sender closed")
	}
	sender.link.close(done)
}
