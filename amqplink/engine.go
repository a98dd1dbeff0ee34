package amqplink

import (
	"context"
	"time"
)

// LinkState is the transport state of a connection or link handle.
type LinkState int

// Link states.
const (
	LinkUninitialized LinkState = iota
	LinkActive
	LinkClosed
)

func (state LinkState) String() string {
	switch state {
	case LinkUninitialized:
		return "uninitialized"
	case LinkActive:
		return "active"
	case LinkClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Message formats understood by Sender.
const (
	MessageFormatDefault uint32 = 0
	MessageFormatBatch   uint32 = 0x80013700
)

// DialOptions configures Engine.Dial.
type DialOptions struct {
	ContainerID    string
	MaxFrameSize   uint32
	IdleTimeout    time.Duration
	UseWebSockets  bool
	SASLAnonymous  bool
	SASLUser       string
	SASLPassword   string
	ConnectTimeout time.Duration
}

// SendLinkOptions configures Connection.OpenSendLink.
type SendLinkOptions struct {
	Name   string
	Target string
}

// ReceiveLinkOptions configures Connection.OpenReceiveLink.
type ReceiveLinkOptions struct {
	Name   string
	Source string
	Epoch  *int64
	// Cursor positions the link; nil starts from the entity default.
	Cursor *Cursor
}

// Transfer is one outbound delivery.
type Transfer struct {
	Tag     []byte
	Payload []byte
	Format  uint32
}

// Delivery is one inbound message in encoded form.
type Delivery struct {
	Tag     []byte
	Payload []byte
}

// Engine dials protocol connections. Implementations block; the Client runs
// them off its dispatcher.
type Engine interface {
	Dial(ctx context.Context, address string, options DialOptions) (Connection, error)
}

// Connection multiplexes links over one transport connection.
type Connection interface {
	State() LinkState
	OpenSendLink(ctx context.Context, options SendLinkOptions) (SendLink, error)
	OpenReceiveLink(ctx context.Context, options ReceiveLinkOptions) (ReceiveLink, error)
	Close() error
}

// SendLink is an outbound link. Send returns once the transfer has been
// handed to the transport; the receipt reports the remote outcome. Transfers
// go on the wire in Send call order.
type SendLink interface {
	State() LinkState
	MaxMessageSize() uint64
	Send(ctx context.Context, transfer Transfer) (SendReceipt, error)
	Close(ctx context.Context) error
}

// SendReceipt resolves with the settlement of one transfer. A nil error means
// the peer accepted it.
type SendReceipt interface {
	Wait(ctx context.Context) error
}

// ReceiveLink is an inbound link under manual credit control.
type ReceiveLink interface {
	State() LinkState
	IssueCredit(credit uint32) error
	Receive(ctx context.Context) (Delivery, error)
	Close(ctx context.Context) error
}

// Codec converts application messages to and from their wire encoding.
type Codec interface {
	// Encode writes msg into buffer[offset:offset+maxLength] and returns the
	// bytes written. It fails with PayloadTooLargeError on overflow.
	Encode(msg *Message, buffer []byte, offset int, maxLength int) (int, error)
	Decode(buffer []byte) (*Message, error)
}

// Token is a bearer token with its expiry.
type Token struct {
	Value     string
	Type      string
	ExpiresAt time.Time
}

// CredentialProvider issues tokens for an audience.
type CredentialProvider interface {
	GetToken(ctx context.Context, audience string, ttl time.Duration) (Token, error)
}

// TokenAuthorizer is implemented by connections that accept claims-based
// authorization tokens.
type TokenAuthorizer interface {
	PutToken(ctx context.Context, audience string, token Token) error
}
