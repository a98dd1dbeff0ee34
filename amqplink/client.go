package amqplink

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ClientVersion is reported in logs.
const ClientVersion = "0.1.0"

// managedLink is a link manager registered with its Client.
type managedLink interface {
	linkName() string
	// shutdown fails outstanding work with cause and closes the link. It runs
	// on the dispatcher.
	shutdown(cause error, done func(error))
}

// Client owns one connection, its dispatcher, and the link managers created
// from it. Setters must be called before Open, NewSender or NewReceiver.
type Client struct {
	id          string
	config      Config
	engine      Engine
	codec       Codec
	clock       clock.Clock
	logger      *zap.Logger
	metrics     *Metrics
	retryPolicy RetryPolicy
	credentials CredentialProvider

	lock        sync.Mutex
	started     bool
	dispatcher  *dispatcher
	connection  *faultTolerantResource[Connection]
	closeFuture *Future[struct{}]

	// owned by the dispatcher
	closed bool
	links  map[string]managedLink
	tokens *tokenRenewer
}

// NewClient returns a Client for config. Zero durations and sizes in config
// take their defaults.
func NewClient(config Config, engine Engine, codec Codec) (*Client, error) {
	if engine == nil {
		return nil, NewError(InvalidArgumentError, "engine is required")
	}
	if codec == nil {
		return nil, NewError(InvalidArgumentError, "codec is required")
	}
	config = normalizeConfig(config)
	if err := config.Validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	if config.ContainerID == "" {
		config.ContainerID = id
	}
	return &Client{
		id:          id,
		config:      config,
		engine:      engine,
		codec:       codec,
		clock:       clock.New(),
		logger:      zap.NewNop(),
		retryPolicy: NewExponentialRetryPolicy(config.MinBackoff, config.MaxBackoff, config.MaxRetries),
		links:       make(map[string]managedLink),
	}, nil
}

// ID returns the client identifier.
func (client *Client) ID() string { return client.id }

// Config returns the normalized configuration.
func (client *Client) Config() Config { return client.config }

// OperationTimeout returns the per-operation budget shared by every link.
func (client *Client) OperationTimeout() time.Duration { return client.config.OperationTimeout }

// RetryPolicy returns the policy shared by every link.
func (client *Client) RetryPolicy() RetryPolicy { return client.retryPolicy }

// SetRetryPolicy sets the retry policy shared by every link.
func (client *Client) SetRetryPolicy(policy RetryPolicy) *Client {
	if policy == nil {
		policy = NewNoRetryPolicy()
	}
	client.retryPolicy = policy
	return client
}

// SetLogger sets the logger; nil disables logging.
func (client *Client) SetLogger(logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	client.logger = logger.With(zap.String("client", client.id))
	return client
}

// SetClock replaces the clock used for deadlines and timers.
func (client *Client) SetClock(clk clock.Clock) *Client {
	if clk != nil {
		client.clock = clk
	}
	return client
}

// SetMetrics sets the metrics sink.
func (client *Client) SetMetrics(metrics *Metrics) *Client {
	client.metrics = metrics
	return client
}

// SetCredentialProvider enables token authorization on links.
func (client *Client) SetCredentialProvider(provider CredentialProvider) *Client {
	client.credentials = provider
	return client
}

func (client *Client) ensureStarted() *dispatcher {
	client.lock.Lock()
	defer client.lock.Unlock()
	if client.started {
		return client.dispatcher
	}
	client.started = true
	client.dispatcher = newDispatcher(client.clock, client.config.WorkQueueDepth, client.logger)
	client.connection = newFaultTolerantResource[Connection](client.dispatcher, client.openConnection, client.closeConnection)
	client.tokens = newTokenRenewer(client)
	client.dispatcher.start()
	client.logger.Debug("client started", zap.String("version", ClientVersion), zap.String("address", client.config.Address))
	return client.dispatcher
}

// Open connects and resolves once the connection is open.
func (client *Client) Open() *Future[struct{}] {
	future := newFuture[struct{}]()
	d := client.ensureStarted()
	err := d.submit(func() {
		client.getConnection(func(_ Connection, err error) {
			future.complete(struct{}{}, err)
		})
	})
	if err != nil {
		future.complete(struct{}{}, err)
	}
	return future
}

// getConnection hands the open connection to callback, recreating it when the
// transport has closed it. It runs on the dispatcher.
func (client *Client) getConnection(callback func(Connection, error)) {
	if client.closed {
		callback(nil, NewError(ClientClosedError, "client is closed"))
		return
	}
	if connection, ok := client.connection.peekIfOpen(); ok && connection.State() == LinkClosed {
		client.logger.Info("connection closed by transport, recreating")
		client.tokens.reset()
		client.connection.close(func(error) {})
	}
	client.connection.runWhenOpen(callback)
}

func (client *Client) dialOptions() DialOptions {
	return DialOptions{
		ContainerID:    client.config.ContainerID,
		MaxFrameSize:   uint32(client.config.MaxMessageSize),
		UseWebSockets:  client.config.UseWebSockets,
		SASLAnonymous:  client.config.SASLUser == "",
		SASLUser:       client.config.SASLUser,
		SASLPassword:   client.config.SASLPassword,
		ConnectTimeout: client.config.OperationTimeout,
	}
}

func (client *Client) openConnection(done func(Connection, error)) {
	address := client.config.Address
	options := client.dialOptions()
	timeout := client.config.OperationTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		connection, err := client.engine.Dial(ctx, address, options)
		client.metrics.connectionOpened(err)
		if err != nil {
			client.logger.Warn("connection open failed", zap.String("address", address), zap.Error(err))
			done(nil, Classify(err))
			return
		}
		client.logger.Debug("connection opened", zap.String("address", address))
		done(connection, nil)
	}()
}

func (client *Client) closeConnection(connection Connection, done func(error)) {
	go func() {
		err := connection.Close()
		if err != nil {
			client.logger.Debug("connection close failed", zap.Error(err))
		}
		done(err)
	}()
}

// audience returns the authorization audience for an entity path.
func (client *Client) audience(entityPath string) string {
	return strings.TrimSuffix(client.config.Address, "/") + "/" + strings.TrimPrefix(entityPath, "/")
}

func (client *Client) register(link managedLink) error {
	if client.closed {
		return NewError(ClientClosedError, "client is closed")
	}
	client.links[link.linkName()] = link
	return nil
}

func (client *Client) unregister(link managedLink) {
	if current, ok := client.links[link.linkName()]; ok && current == link {
		delete(client.links, link.linkName())
	}
}

// NewSender creates a sender for target and waits for its first link open.
func (client *Client) NewSender(ctx context.Context, target string) (*Sender, error) {
	if target == "" {
		return nil, NewError(InvalidArgumentError, "target is required")
	}
	d := client.ensureStarted()
	sender := newSender(client, target)
	opened := newFuture[struct{}]()
	if err := d.submit(func() { sender.start(opened) }); err != nil {
		return nil, err
	}
	if _, err := opened.Wait(ctx); err != nil {
		_, _ = sender.Close().Wait(context.Background())
		return nil, err
	}
	return sender, nil
}

// NewReceiver creates a receiver for source and waits for its first link open.
func (client *Client) NewReceiver(ctx context.Context, source string, options *ReceiverOptions) (*Receiver, error) {
	if source == "" {
		return nil, NewError(InvalidArgumentError, "source is required")
	}
	d := client.ensureStarted()
	receiver := newReceiver(client, source, options)
	opened := newFuture[struct{}]()
	if err := d.submit(func() { receiver.start(opened) }); err != nil {
		return nil, err
	}
	if _, err := opened.Wait(ctx); err != nil {
		_, _ = receiver.Close().Wait(context.Background())
		return nil, err
	}
	return receiver, nil
}

// Close shuts every link down, closes the connection and stops the
// dispatcher. Outstanding sends and receives fail with ClientClosedError;
// in-flight protocol operations are not awaited. Close is idempotent.
func (client *Client) Close() *Future[struct{}] {
	client.lock.Lock()
	if client.closeFuture != nil {
		future := client.closeFuture
		client.lock.Unlock()
		return future
	}
	future := newFuture[struct{}]()
	client.closeFuture = future
	started := client.started
	d := client.dispatcher
	client.lock.Unlock()

	if !started {
		future.complete(struct{}{}, nil)
		return future
	}
	if err := d.post(func() { client.shutdown(future) }); err != nil {
		future.complete(struct{}{}, nil)
	}
	return future
}

func (client *Client) shutdown(future *Future[struct{}]) {
	client.closed = true
	client.tokens.reset()

	links := client.links
	client.links = make(map[string]managedLink)
	cause := NewError(ClientClosedError, "client is closed")

	var combined error
	remaining := len(links) + 1
	finish := func(err error) {
		combined = multierr.Append(combined, err)
		remaining--
		if remaining > 0 {
			return
		}
		client.logger.Debug("client closed", zap.Error(combined))
		result := combined
		go func() {
			client.dispatcher.stop()
			future.complete(struct{}{}, result)
		}()
	}

	for _, link := range links {
		link.shutdown(cause, finish)
	}
	client.connection.close(finish)
}
