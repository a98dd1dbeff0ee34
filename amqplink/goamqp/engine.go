// Package goamqp implements the amqplink engine and codec on top of
// github.com/Azure/go-amqp.
package goamqp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/Azure/go-amqp"
	"go.uber.org/zap"

	"github.com/Thejuampi/amqplink-go/amqplink"
	"github.com/Thejuampi/amqplink-go/amqplink/wsconn"
)

// DefaultWebSocketPath is appended to the host when dialing over WebSocket.
const DefaultWebSocketPath = "/$servicebus/websocket"

// Engine dials go-amqp connections.
type Engine struct {
	TLSConfig     *tls.Config
	WebSocketPath string
	Logger        *zap.Logger
}

// NewEngine returns an Engine with default settings.
func NewEngine() *Engine {
	return &Engine{WebSocketPath: DefaultWebSocketPath, Logger: zap.NewNop()}
}

// Dial implements amqplink.Engine.
func (engine *Engine) Dial(ctx context.Context, address string, options amqplink.DialOptions) (amqplink.Connection, error) {
	parsed, err := url.Parse(address)
	if err != nil || parsed.Host == "" {
		return nil, amqplink.NewError(amqplink.InvalidArgumentError, fmt.Sprintf("invalid address %q", address), err)
	}

	connOptions := &amqp.ConnOptions{
		ContainerID:  options.ContainerID,
		HostName:     parsed.Hostname(),
		IdleTimeout:  options.IdleTimeout,
		MaxFrameSize: options.MaxFrameSize,
		TLSConfig:    engine.TLSConfig,
	}
	if options.SASLAnonymous {
		connOptions.SASLType = amqp.SASLTypeAnonymous()
	} else {
		connOptions.SASLType = amqp.SASLTypePlain(options.SASLUser, options.SASLPassword)
	}

	var conn *amqp.Conn
	if options.UseWebSockets {
		conn, err = engine.dialWebSocket(ctx, parsed, connOptions)
	} else {
		conn, err = amqp.Dial(ctx, address, connOptions)
	}
	if err != nil {
		return nil, ClassifyError(err)
	}

	session, err := conn.NewSession(ctx, nil)
	if err != nil {
		_ = conn.Close()
		return nil, ClassifyError(err)
	}

	connection := &connection{conn: conn, session: session, logger: engine.logger()}
	connection.state.Store(int32(amqplink.LinkActive))
	return connection, nil
}

func (engine *Engine) dialWebSocket(ctx context.Context, address *url.URL, options *amqp.ConnOptions) (*amqp.Conn, error) {
	scheme := "wss"
	if address.Scheme == "amqp" || address.Scheme == "ws" {
		scheme = "ws"
	}
	path := engine.WebSocketPath
	if path == "" {
		path = DefaultWebSocketPath
	}
	target := url.URL{Scheme: scheme, Host: address.Host, Path: path}
	netConn, err := wsconn.Dial(ctx, target.String(), nil)
	if err != nil {
		return nil, amqplink.Classify(err)
	}
	// TLS is carried by the WebSocket
	options.TLSConfig = nil
	conn, err := amqp.NewConn(ctx, netConn, options)
	if err != nil {
		_ = netConn.Close()
		return nil, err
	}
	return conn, nil
}

func (engine *Engine) logger() *zap.Logger {
	if engine.Logger == nil {
		return zap.NewNop()
	}
	return engine.Logger
}

// connection shares one session among every link it opens.
type connection struct {
	conn      *amqp.Conn
	session   *amqp.Session
	logger    *zap.Logger
	state     atomic.Int32
	closeOnce sync.Once
	closeErr  error
}

func (connection *connection) State() amqplink.LinkState {
	return amqplink.LinkState(connection.state.Load())
}

// observe marks the connection closed when err reports a connection failure.
func (connection *connection) observe(err error) error {
	if err == nil {
		return nil
	}
	var connErr *amqp.ConnError
	var sessionErr *amqp.SessionError
	if errors.As(err, &connErr) || errors.As(err, &sessionErr) {
		if connection.state.Swap(int32(amqplink.LinkClosed)) != int32(amqplink.LinkClosed) {
			connection.logger.Debug("connection lost", zap.Error(err))
		}
	}
	return ClassifyError(err)
}

func (connection *connection) OpenSendLink(ctx context.Context, options amqplink.SendLinkOptions) (amqplink.SendLink, error) {
	sender, err := connection.session.NewSender(ctx, options.Target, &amqp.SenderOptions{Name: options.Name})
	if err != nil {
		return nil, connection.observe(err)
	}
	link := &sendLink{sender: sender, connection: connection}
	link.state.Store(int32(amqplink.LinkActive))
	return link, nil
}

func (connection *connection) OpenReceiveLink(ctx context.Context, options amqplink.ReceiveLinkOptions) (amqplink.ReceiveLink, error) {
	receiverOptions := &amqp.ReceiverOptions{
		Name:   options.Name,
		Credit: -1,
	}
	if options.Epoch != nil {
		receiverOptions.Properties = map[string]any{epochProperty: *options.Epoch}
	}
	if options.Cursor != nil {
		receiverOptions.Filters = []amqp.LinkFilter{amqp.NewSelectorFilter(cursorSelector(options.Cursor))}
	}
	receiver, err := connection.session.NewReceiver(ctx, options.Source, receiverOptions)
	if err != nil {
		return nil, connection.observe(err)
	}
	link := &receiveLink{receiver: receiver, connection: connection}
	link.state.Store(int32(amqplink.LinkActive))
	return link, nil
}

func (connection *connection) Close() error {
	connection.closeOnce.Do(func() {
		connection.state.Store(int32(amqplink.LinkClosed))
		connection.closeErr = connection.conn.Close()
	})
	return connection.closeErr
}

const epochProperty = "com.microsoft:epoch"

func cursorSelector(cursor *amqplink.Cursor) string {
	operator := ">"
	if cursor.Inclusive {
		operator = ">="
	}
	return fmt.Sprintf("amqp.annotation.x-opt-offset %s '%s'", operator, cursor.Offset)
}

var (
	_ amqplink.Engine          = (*Engine)(nil)
	_ amqplink.Connection      = (*connection)(nil)
	_ amqplink.TokenAuthorizer = (*connection)(nil)
)
