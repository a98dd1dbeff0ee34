package amqplink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// ErrorKind classifies an error for the retry policy and for callers.
type ErrorKind int

// Error kinds.
const (
	KindTransient ErrorKind = iota
	KindPermanent
	KindOperationCancelled
)

func (kind ErrorKind) String() string {
	switch kind {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindOperationCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error codes. Every error leaving this package is an *Error carrying one of
// these codes.
const (
	CommunicationError = iota

	ServerBusyError

	TimedOutError

	OperationCancelledError

	AuthorizationError

	EntityNotFoundError

	PayloadTooLargeError

	InvalidArgumentError

	ReceiverDisconnectedError

	ClientClosedError

	ConnectionError

	UnknownError
)

// Sentinels for errors.Is. Matching is by code only.
var (
	ErrCommunication        = &Error{Code: CommunicationError, Kind: KindTransient}
	ErrServerBusy           = &Error{Code: ServerBusyError, Kind: KindTransient}
	ErrTimedOut             = &Error{Code: TimedOutError, Kind: KindTransient}
	ErrOperationCancelled   = &Error{Code: OperationCancelledError, Kind: KindOperationCancelled}
	ErrAuthorization        = &Error{Code: AuthorizationError, Kind: KindPermanent}
	ErrEntityNotFound       = &Error{Code: EntityNotFoundError, Kind: KindPermanent}
	ErrPayloadTooLarge      = &Error{Code: PayloadTooLargeError, Kind: KindPermanent}
	ErrInvalidArgument      = &Error{Code: InvalidArgumentError, Kind: KindPermanent}
	ErrReceiverDisconnected = &Error{Code: ReceiverDisconnectedError, Kind: KindPermanent}
	ErrClientClosed         = &Error{Code: ClientClosedError, Kind: KindPermanent}
	ErrConnection           = &Error{Code: ConnectionError, Kind: KindPermanent}
)

// Error is the typed error returned by clients, senders and receivers.
type Error struct {
	Code    int
	Kind    ErrorKind
	Message string
	Cause   error
}

func (err *Error) Error() string {
	name := errorName(err.Code)
	switch {
	case err.Message != "" && err.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", name, err.Message, err.Cause)
	case err.Message != "":
		return fmt.Sprintf("%s: %s", name, err.Message)
	case err.Cause != nil:
		return fmt.Sprintf("%s: %v", name, err.Cause)
	default:
		return name
	}
}

// Unwrap returns the underlying cause.
func (err *Error) Unwrap() error { return err.Cause }

// Is reports whether target is an *Error with the same code.
func (err *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == err.Code
}

// Transient reports whether the operation may succeed if retried.
func (err *Error) Transient() bool { return err != nil && err.Kind == KindTransient }

func errorName(code int) string {
	switch code {
	case CommunicationError:
		return "CommunicationError"
	case ServerBusyError:
		return "ServerBusyError"
	case TimedOutError:
		return "TimedOutError"
	case OperationCancelledError:
		return "OperationCancelledError"
	case AuthorizationError:
		return "AuthorizationError"
	case EntityNotFoundError:
		return "EntityNotFoundError"
	case PayloadTooLargeError:
		return "PayloadTooLargeError"
	case InvalidArgumentError:
		return "InvalidArgumentError"
	case ReceiverDisconnectedError:
		return "ReceiverDisconnectedError"
	case ClientClosedError:
		return "ClientClosedError"
	case ConnectionError:
		return "ConnectionError"
	default:
		return "UnknownError"
	}
}

func defaultKind(code int) ErrorKind {
	switch code {
	case CommunicationError, ServerBusyError, TimedOutError:
		return KindTransient
	case OperationCancelledError:
		return KindOperationCancelled
	default:
		return KindPermanent
	}
}

// NewError builds an *Error for code. The optional first argument is either a
// message string, an error used as the cause, or any value formatted with %v.
// A second error argument is kept as the cause.
func NewError(errorCode int, message ...interface{}) error {
	err := &Error{Code: errorCode, Kind: defaultKind(errorCode)}
	for _, part := range message {
		switch value := part.(type) {
		case nil:
		case string:
			err.Message = value
		case error:
			if err.Cause == nil {
				err.Cause = value
			}
		default:
			err.Message = fmt.Sprint(value)
		}
	}
	return err
}

// Classify returns err as an *Error, mapping foreign errors onto the taxonomy.
// A nil err yields nil.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Code: OperationCancelledError, Kind: KindOperationCancelled, Cause: err}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return &Error{Code: ConnectionError, Kind: KindPermanent, Message: "unresolvable address", Cause: err}
		}
		return &Error{Code: CommunicationError, Kind: KindTransient, Cause: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &Error{Code: TimedOutError, Kind: KindTransient, Cause: err}
		}
		return &Error{Code: CommunicationError, Kind: KindTransient, Cause: err}
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return &Error{Code: CommunicationError, Kind: KindTransient, Cause: err}
	}

	return &Error{Code: UnknownError, Kind: KindPermanent, Cause: err}
}

// IsTransient reports whether err is classified as retryable.
func IsTransient(err error) bool {
	return Classify(err).Transient()
}

func isBenignTimeout(err error) bool {
	classified := Classify(err)
	return classified != nil && classified.Code == TimedOutError
}
