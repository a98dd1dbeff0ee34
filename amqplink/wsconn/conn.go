// Package wsconn carries AMQP over WebSocket binary frames.
package wsconn

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Subprotocol is the WebSocket subprotocol for AMQP 1.0.
const Subprotocol = "AMQPWSB10"

// Conn adapts a WebSocket to net.Conn. Reads and writes may run concurrently
// with each other but not with themselves.
type Conn struct {
	ws        *websocket.Conn
	reader    io.Reader
	writeLock sync.Mutex
}

// New wraps an established WebSocket.
func New(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Dial opens a WebSocket to url negotiating the AMQP subprotocol.
func Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
		Subprotocols:     []string{Subprotocol},
	}
	ws, response, err := dialer.DialContext(ctx, url, header)
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	if ws.Subprotocol() != Subprotocol {
		_ = ws.Close()
		return nil, errors.New("wsconn: server did not accept subprotocol " + Subprotocol)
	}
	return New(ws), nil
}

// Read reads from the current binary message, moving to the next as needed.
func (conn *Conn) Read(p []byte) (int, error) {
	for {
		if conn.reader == nil {
			messageType, reader, err := conn.ws.NextReader()
			if err != nil {
				return 0, translate(err)
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			conn.reader = reader
		}
		n, err := conn.reader.Read(p)
		if errors.Is(err, io.EOF) {
			conn.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write sends p as one binary message.
func (conn *Conn) Write(p []byte) (int, error) {
	conn.writeLock.Lock()
	defer conn.writeLock.Unlock()
	if err := conn.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, translate(err)
	}
	return len(p), nil
}

// Close sends a close frame and closes the socket.
func (conn *Conn) Close() error {
	conn.writeLock.Lock()
	_ = conn.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	conn.writeLock.Unlock()
	return conn.ws.Close()
}

func (conn *Conn) LocalAddr() net.Addr  { return conn.ws.LocalAddr() }
func (conn *Conn) RemoteAddr() net.Addr { return conn.ws.RemoteAddr() }

func (conn *Conn) SetDeadline(t time.Time) error {
	if err := conn.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return conn.ws.SetWriteDeadline(t)
}

func (conn *Conn) SetReadDeadline(t time.Time) error  { return conn.ws.SetReadDeadline(t) }
func (conn *Conn) SetWriteDeadline(t time.Time) error { return conn.ws.SetWriteDeadline(t) }

func translate(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return io.EOF
	}
	return err
}

var _ net.Conn = (*Conn)(nil)
