package amqplink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testWait = 5 * time.Second

// errHold keeps a fake transfer unsettled until its link fails or closes.
var errHold = errors.New("hold")

// testCodec encodes messages as JSON.
type testCodec struct{}

func (testCodec) Encode(message *Message, buffer []byte, offset int, maxLength int) (int, error) {
	data, err := json.Marshal(message)
	if err != nil {
		return 0, err
	}
	if len(data) > maxLength {
		return 0, NewError(PayloadTooLargeError, "message too large")
	}
	return copy(buffer[offset:offset+maxLength], data), nil
}

func (testCodec) Decode(data []byte) (*Message, error) {
	var message Message
	if err := json.Unmarshal(data, &message); err != nil {
		return nil, err
	}
	return &message, nil
}

func mustDecode(t *testing.T, payload []byte) *Message {
	t.Helper()
	message, err := testCodec{}.Decode(payload)
	require.NoError(t, err)
	return message
}

type fakeEngine struct {
	lock              sync.Mutex
	dialErrors        []error
	sendOpenErrors    []error
	receiveOpenErrors []error
	dials             int
	sendOpens         int
	receiveOpens      int
	connections       []*fakeConnection
	sendLinks         []*fakeSendLink
	receiveLinks      []*fakeReceiveLink
	settle            func(link *fakeSendLink, transfer Transfer) error
	// receiveGate, when set, holds receive link opens until it is closed
	receiveGate chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{}
}

func popError(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (engine *fakeEngine) Dial(_ context.Context, _ string, _ DialOptions) (Connection, error) {
	engine.lock.Lock()
	defer engine.lock.Unlock()
	engine.dials++
	if err := popError(&engine.dialErrors); err != nil {
		return nil, err
	}
	connection := &fakeConnection{engine: engine}
	connection.state.Store(int32(LinkActive))
	engine.connections = append(engine.connections, connection)
	return connection, nil
}

func (engine *fakeEngine) dialCount() int {
	engine.lock.Lock()
	defer engine.lock.Unlock()
	return engine.dials
}

func (engine *fakeEngine) openAttempts() (send int, receive int) {
	engine.lock.Lock()
	defer engine.lock.Unlock()
	return engine.sendOpens, engine.receiveOpens
}

// holdReceiveOpens makes later receive link opens wait until the test ends.
func (engine *fakeEngine) holdReceiveOpens(t *testing.T) {
	gate := make(chan struct{})
	engine.lock.Lock()
	engine.receiveGate = gate
	engine.lock.Unlock()
	t.Cleanup(func() { close(gate) })
}

func (engine *fakeEngine) connection(index int) *fakeConnection {
	engine.lock.Lock()
	defer engine.lock.Unlock()
	if index >= len(engine.connections) {
		return nil
	}
	return engine.connections[index]
}

func (engine *fakeEngine) sendLink(index int) *fakeSendLink {
	engine.lock.Lock()
	defer engine.lock.Unlock()
	if index >= len(engine.sendLinks) {
		return nil
	}
	return engine.sendLinks[index]
}

func (engine *fakeEngine) sendLinkCount() int {
	engine.lock.Lock()
	defer engine.lock.Unlock()
	return len(engine.sendLinks)
}

func (engine *fakeEngine) receiveLink(index int) *fakeReceiveLink {
	engine.lock.Lock()
	defer engine.lock.Unlock()
	if index >= len(engine.receiveLinks) {
		return nil
	}
	return engine.receiveLinks[index]
}

func (engine *fakeEngine) receiveLinkCount() int {
	engine.lock.Lock()
	defer engine.lock.Unlock()
	return len(engine.receiveLinks)
}

func (engine *fakeEngine) settleFunc() func(*fakeSendLink, Transfer) error {
	engine.lock.Lock()
	defer engine.lock.Unlock()
	return engine.settle
}

type fakeConnection struct {
	engine *fakeEngine
	state  atomic.Int32
	closed atomic.Bool

	lock      sync.Mutex
	audiences []string
	putErr    error
}

func (connection *fakeConnection) State() LinkState {
	return LinkState(connection.state.Load())
}

func (connection *fakeConnection) OpenSendLink(_ context.Context, options SendLinkOptions) (SendLink, error) {
	engine := connection.engine
	engine.lock.Lock()
	defer engine.lock.Unlock()
	engine.sendOpens++
	if err := popError(&engine.sendOpenErrors); err != nil {
		return nil, err
	}
	link := &fakeSendLink{engine: engine, index: len(engine.sendLinks), options: options}
	link.state.Store(int32(LinkActive))
	engine.sendLinks = append(engine.sendLinks, link)
	return link, nil
}

func (connection *fakeConnection) OpenReceiveLink(_ context.Context, options ReceiveLinkOptions) (ReceiveLink, error) {
	engine := connection.engine
	engine.lock.Lock()
	engine.receiveOpens++
	gate := engine.receiveGate
	engine.lock.Unlock()
	if gate != nil {
		<-gate
	}

	engine.lock.Lock()
	defer engine.lock.Unlock()
	if err := popError(&engine.receiveOpenErrors); err != nil {
		return nil, err
	}
	link := &fakeReceiveLink{
		options:    options,
		deliveries: make(chan Delivery, 1024),
		failures:   make(chan error, 1),
	}
	link.state.Store(int32(LinkActive))
	engine.receiveLinks = append(engine.receiveLinks, link)
	return link, nil
}

func (connection *fakeConnection) Close() error {
	connection.closed.Store(true)
	connection.state.Store(int32(LinkClosed))
	return nil
}

func (connection *fakeConnection) PutToken(_ context.Context, audience string, token Token) error {
	connection.lock.Lock()
	defer connection.lock.Unlock()
	connection.audiences = append(connection.audiences, audience)
	return connection.putErr
}

func (connection *fakeConnection) tokenPuts() []string {
	connection.lock.Lock()
	defer connection.lock.Unlock()
	return append([]string(nil), connection.audiences...)
}

type fakeReceipt struct {
	done chan error
}

func (receipt *fakeReceipt) Wait(ctx context.Context) error {
	select {
	case err := <-receipt.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type fakeSendLink struct {
	engine  *fakeEngine
	index   int
	options SendLinkOptions
	state   atomic.Int32

	lock      sync.Mutex
	transfers []Transfer
	held      []*fakeReceipt
}

func (link *fakeSendLink) State() LinkState { return LinkState(link.state.Load()) }

func (link *fakeSendLink) MaxMessageSize() uint64 { return 0 }

func (link *fakeSendLink) Send(_ context.Context, transfer Transfer) (SendReceipt, error) {
	if link.State() != LinkActive {
		return nil, NewError(CommunicationError, "link detached")
	}
	link.lock.Lock()
	link.transfers = append(link.transfers, transfer)
	link.lock.Unlock()

	receipt := &fakeReceipt{done: make(chan error, 1)}
	var err error
	if settle := link.engine.settleFunc(); settle != nil {
		err = settle(link, transfer)
	}
	if errors.Is(err, errHold) {
		link.lock.Lock()
		link.held = append(link.held, receipt)
		link.lock.Unlock()
		return receipt, nil
	}
	receipt.done <- err
	return receipt, nil
}

// fail detaches the link and resolves every held transfer with err.
func (link *fakeSendLink) fail(err error) {
	link.state.Store(int32(LinkClosed))
	link.lock.Lock()
	held := link.held
	link.held = nil
	link.lock.Unlock()
	for _, receipt := range held {
		receipt.done <- err
	}
}

func (link *fakeSendLink) Close(context.Context) error {
	link.fail(NewError(CommunicationError, "link closed"))
	return nil
}

func (link *fakeSendLink) sent() []Transfer {
	link.lock.Lock()
	defer link.lock.Unlock()
	return append([]Transfer(nil), link.transfers...)
}

type fakeReceiveLink struct {
	options    ReceiveLinkOptions
	state      atomic.Int32
	deliveries chan Delivery
	failures   chan error

	lock    sync.Mutex
	credits []uint32
}

func (link *fakeReceiveLink) State() LinkState { return LinkState(link.state.Load()) }

func (link *fakeReceiveLink) IssueCredit(credit uint32) error {
	if link.State() != LinkActive {
		return NewError(CommunicationError, "link detached")
	}
	link.lock.Lock()
	link.credits = append(link.credits, credit)
	link.lock.Unlock()
	return nil
}

func (link *fakeReceiveLink) Receive(ctx context.Context) (Delivery, error) {
	select {
	case delivery := <-link.deliveries:
		return delivery, nil
	case err := <-link.failures:
		link.state.Store(int32(LinkClosed))
		return Delivery{}, err
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

func (link *fakeReceiveLink) Close(context.Context) error {
	link.state.Store(int32(LinkClosed))
	return nil
}

func (link *fakeReceiveLink) deliver(t *testing.T, message *Message) {
	t.Helper()
	payload, err := json.Marshal(message)
	require.NoError(t, err)
	link.deliveries <- Delivery{Payload: payload}
}

func (link *fakeReceiveLink) fail(err error) {
	link.failures <- err
}

func (link *fakeReceiveLink) issuedCredits() []uint32 {
	link.lock.Lock()
	defer link.lock.Unlock()
	return append([]uint32(nil), link.credits...)
}

func (link *fakeReceiveLink) totalCredit() uint32 {
	var total uint32
	for _, credit := range link.issuedCredits() {
		total += credit
	}
	return total
}

func testConfig() Config {
	config := DefaultConfig()
	config.Address = "amqp://fake"
	config.OperationTimeout = testWait
	return config
}

func newTestClient(t *testing.T, engine *fakeEngine, configure func(*Config)) *Client {
	t.Helper()
	config := testConfig()
	if configure != nil {
		configure(&config)
	}
	client, err := NewClient(config, engine, testCodec{})
	require.NoError(t, err)
	policy := NewExponentialRetryPolicy(0, 0, 3)
	policy.ServerBusyBaseWait = 0
	client.SetRetryPolicy(policy)
	t.Cleanup(func() {
		_, _ = client.Close().Wait(context.Background())
	})
	return client
}

func await[T any](t *testing.T, future *Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	value, err := future.Wait(ctx)
	if errors.Is(err, ErrOperationCancelled) && ctx.Err() != nil {
		t.Fatalf("future did not complete within %v", testWait)
	}
	return value, err
}

// onLoop runs fn on d and waits for it.
func onLoop(t *testing.T, d *dispatcher, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, d.post(func() {
		defer close(done)
		fn()
	}))
	select {
	case <-done:
	case <-time.After(testWait):
		t.Fatalf("dispatcher did not run work within %v", testWait)
	}
}

// inspect evaluates condition on d; false when d has stopped.
func inspect(d *dispatcher, condition func() bool) bool {
	result := make(chan bool, 1)
	if err := d.post(func() { result <- condition() }); err != nil {
		return false
	}
	select {
	case ok := <-result:
		return ok
	case <-time.After(testWait):
		return false
	}
}

func eventually(t *testing.T, condition func() bool, message string) {
	t.Helper()
	require.Eventually(t, condition, testWait, 5*time.Millisecond, message)
}
