package goamqp

import (
	"errors"

	"github.com/Azure/go-amqp"

	"github.com/Thejuampi/amqplink-go/amqplink"
)

// Vendor conditions raised by brokers on top of the standard AMQP set.
const (
	condServerBusy           amqp.ErrCond = "com.microsoft:server-busy"
	condTimeout              amqp.ErrCond = "com.microsoft:timeout"
	condOperationTimeout     amqp.ErrCond = "amqp:operation-timeout"
	condArgumentError        amqp.ErrCond = "com.microsoft:argument-error"
	condEntityDisabled       amqp.ErrCond = "com.microsoft:entity-disabled"
	condReceiverDisconnected amqp.ErrCond = "com.microsoft:receiver-disconnected"
)

// ClassifyError maps go-amqp errors onto the amqplink taxonomy.
func ClassifyError(err error) *amqplink.Error {
	if err == nil {
		return nil
	}

	var typed *amqplink.Error
	if errors.As(err, &typed) {
		return typed
	}

	var linkErr *amqp.LinkError
	if errors.As(err, &linkErr) {
		if linkErr.RemoteErr != nil {
			return classifyCondition(linkErr.RemoteErr, err)
		}
		return wrap(amqplink.CommunicationError, "link detached", err)
	}

	var sessionErr *amqp.SessionError
	if errors.As(err, &sessionErr) {
		if sessionErr.RemoteErr != nil {
			return classifyCondition(sessionErr.RemoteErr, err)
		}
		return wrap(amqplink.CommunicationError, "session ended", err)
	}

	var connErr *amqp.ConnError
	if errors.As(err, &connErr) {
		if connErr.RemoteErr != nil {
			return classifyCondition(connErr.RemoteErr, err)
		}
		return wrap(amqplink.CommunicationError, "connection closed", err)
	}

	var remote *amqp.Error
	if errors.As(err, &remote) {
		return classifyCondition(remote, err)
	}

	return amqplink.Classify(err)
}

func classifyCondition(remote *amqp.Error, cause error) *amqplink.Error {
	message := string(remote.Condition)
	if remote.Description != "" {
		message += ": " + remote.Description
	}
	switch remote.Condition {
	case condServerBusy, amqp.ErrCondResourceLimitExceeded:
		return wrap(amqplink.ServerBusyError, message, cause)
	case condTimeout, condOperationTimeout:
		return wrap(amqplink.TimedOutError, message, cause)
	case amqp.ErrCondNotFound, condEntityDisabled:
		return wrap(amqplink.EntityNotFoundError, message, cause)
	case amqp.ErrCondUnauthorizedAccess:
		return wrap(amqplink.AuthorizationError, message, cause)
	case amqp.ErrCondMessageSizeExceeded:
		return wrap(amqplink.PayloadTooLargeError, message, cause)
	case amqp.ErrCondStolen, condReceiverDisconnected:
		return wrap(amqplink.ReceiverDisconnectedError, message, cause)
	case amqp.ErrCondInvalidField, amqp.ErrCondNotAllowed, amqp.ErrCondNotImplemented, condArgumentError:
		return wrap(amqplink.InvalidArgumentError, message, cause)
	case amqp.ErrCondInternalError, amqp.ErrCondDetachForced, amqp.ErrCondConnectionForced,
		amqp.ErrCondTransferLimitExceeded, amqp.ErrCondFramingError:
		return wrap(amqplink.CommunicationError, message, cause)
	default:
		return wrap(amqplink.UnknownError, message, cause)
	}
}

func wrap(code int, message string, cause error) *amqplink.Error {
	return amqplink.NewError(code, message, cause).(*amqplink.Error)
}
