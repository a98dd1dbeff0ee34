package amqplink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewErrorArguments(t *testing.T) {
	cause := io.EOF
	err := NewError(CommunicationError, "read frame", cause)

	var typed *Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, CommunicationError, typed.Code)
	assert.Equal(t, KindTransient, typed.Kind)
	assert.Equal(t, "read frame", typed.Message)
	assert.Same(t, cause, typed.Cause)
	assert.Equal(t, "CommunicationError: read frame: EOF", err.Error())
	assert.True(t, errors.Is(err, io.EOF))

	assert.Equal(t, "TimedOutError", NewError(TimedOutError).Error())
	assert.Equal(t, "InvalidArgumentError: 42", NewError(InvalidArgumentError, 42).Error())
}

func TestErrorIsMatchesCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewError(ServerBusyError, "busy"))
	assert.True(t, errors.Is(err, ErrServerBusy))
	assert.False(t, errors.Is(err, ErrTimedOut))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
		kind ErrorKind
	}{
		{"deadline", context.DeadlineExceeded, OperationCancelledError, KindOperationCancelled},
		{"canceled", context.Canceled, OperationCancelledError, KindOperationCancelled},
		{"dns not found", &net.DNSError{Name: "nowhere.invalid", IsNotFound: true}, ConnectionError, KindPermanent},
		{"dns temporary", &net.DNSError{Name: "flaky", IsTemporary: true}, CommunicationError, KindTransient},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutError{}}, TimedOutError, KindTransient},
		{"eof", io.ErrUnexpectedEOF, CommunicationError, KindTransient},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), CommunicationError, KindTransient},
		{"closed", net.ErrClosed, CommunicationError, KindTransient},
		{"other", errors.New("boom"), UnknownError, KindPermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			classified := Classify(tc.err)
			require.NotNil(t, classified)
			assert.Equal(t, tc.code, classified.Code)
			assert.Equal(t, tc.kind, classified.Kind)
		})
	}
	assert.Nil(t, Classify(nil))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(NewError(ServerBusyError)))
	assert.True(t, IsTransient(io.EOF))
	assert.False(t, IsTransient(NewError(EntityNotFoundError)))
	assert.False(t, IsTransient(NewError(OperationCancelledError)))
	assert.True(t, isBenignTimeout(NewError(TimedOutError)))
	assert.False(t, isBenignTimeout(NewError(CommunicationError)))
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
