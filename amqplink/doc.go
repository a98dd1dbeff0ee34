// Package amqplink keeps AMQP 1.0 send and receive links usable across
// transient failures.
//
// The primary lifecycle is:
//   - construct a Client with NewClient, an Engine and a Codec
//   - create a Sender with NewSender or a Receiver with NewReceiver
//   - Send, SendBatch, Receive, or install a ReceiveHandler
//   - Close links, then Close the Client
//
// Every Client runs one dispatcher goroutine. Link and connection state is
// only touched there, so exported methods are safe for concurrent use and
// return a Future instead of blocking. Each operation is bounded by
// Config.OperationTimeout; a failed link is recreated under the RetryPolicy
// until that budget is spent.
//
// Senders keep unsettled deliveries and replay them in submission order on a
// recreated link. Receivers manage link credit themselves and resume after the
// last message handed to the application.
//
// Errors are reported as *Error values created with NewError. Their Kind tells
// transient failures, which are retried, from permanent ones.
//
// The goamqp subpackage provides an Engine and Codec on top of
// github.com/Azure/go-amqp.
package amqplink
