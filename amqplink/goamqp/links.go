package goamqp

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/Azure/go-amqp"

	"github.com/Thejuampi/amqplink-go/amqplink"
)

type sendLink struct {
	sender     *amqp.Sender
	connection *connection
	state      atomic.Int32
}

func (link *sendLink) State() amqplink.LinkState {
	if link.connection.State() == amqplink.LinkClosed {
		return amqplink.LinkClosed
	}
	return amqplink.LinkState(link.state.Load())
}

func (link *sendLink) MaxMessageSize() uint64 { return link.sender.MaxMessageSize() }

// Send decodes the pre-encoded payload back into a go-amqp message so the
// transfer carries the requested tag and message format.
func (link *sendLink) Send(ctx context.Context, transfer amqplink.Transfer) (amqplink.SendReceipt, error) {
	var message amqp.Message
	if err := message.UnmarshalBinary(transfer.Payload); err != nil {
		return nil, amqplink.NewError(amqplink.InvalidArgumentError, "unmarshal payload", err)
	}
	message.Format = transfer.Format
	message.DeliveryTag = transfer.Tag
	receipt, err := link.sender.SendWithReceipt(ctx, &message, nil)
	if err != nil {
		return nil, link.observe(err)
	}
	return &sendReceipt{receipt: receipt, link: link}, nil
}

type sendReceipt struct {
	receipt amqp.SendReceipt
	link    *sendLink
}

func (receipt *sendReceipt) Wait(ctx context.Context) error {
	state, err := receipt.receipt.Wait(ctx)
	if err != nil {
		return receipt.link.observe(err)
	}
	return outcomeError(state)
}

func outcomeError(state amqp.DeliveryState) error {
	switch typed := state.(type) {
	case *amqp.StateAccepted:
		return nil
	case *amqp.StateRejected:
		if typed.Error != nil {
			return ClassifyError(typed.Error)
		}
		return amqplink.NewError(amqplink.UnknownError, "delivery rejected")
	case *amqp.StateReleased:
		return amqplink.NewError(amqplink.CommunicationError, "delivery released")
	case *amqp.StateModified:
		return amqplink.NewError(amqplink.CommunicationError, "delivery modified")
	default:
		return amqplink.NewError(amqplink.UnknownError, fmt.Sprintf("unexpected delivery state %T", state))
	}
}

func (link *sendLink) Close(ctx context.Context) error {
	link.state.Store(int32(amqplink.LinkClosed))
	return ClassifyError(link.sender.Close(ctx))
}

func (link *sendLink) observe(err error) error {
	if err == nil {
		return nil
	}
	markClosed(&link.state, err)
	return link.connection.observe(err)
}

type receiveLink struct {
	receiver   *amqp.Receiver
	connection *connection
	state      atomic.Int32
}

func (link *receiveLink) State() amqplink.LinkState {
	if link.connection.State() == amqplink.LinkClosed {
		return amqplink.LinkClosed
	}
	return amqplink.LinkState(link.state.Load())
}

func (link *receiveLink) IssueCredit(credit uint32) error {
	return link.observe(link.receiver.IssueCredit(credit))
}

// Receive accepts each message before handing it on.
func (link *receiveLink) Receive(ctx context.Context) (amqplink.Delivery, error) {
	message, err := link.receiver.Receive(ctx, nil)
	if err != nil {
		if ctx.Err() != nil {
			return amqplink.Delivery{}, amqplink.Classify(ctx.Err())
		}
		return amqplink.Delivery{}, link.observe(err)
	}
	if err := link.receiver.AcceptMessage(ctx, message); err != nil {
		return amqplink.Delivery{}, link.observe(err)
	}
	payload, err := message.MarshalBinary()
	if err != nil {
		return amqplink.Delivery{}, amqplink.NewError(amqplink.InvalidArgumentError, "marshal delivery", err)
	}
	return amqplink.Delivery{Tag: message.DeliveryTag, Payload: payload}, nil
}

func (link *receiveLink) Close(ctx context.Context) error {
	link.state.Store(int32(amqplink.LinkClosed))
	return ClassifyError(link.receiver.Close(ctx))
}

func (link *receiveLink) observe(err error) error {
	if err == nil {
		return nil
	}
	markClosed(&link.state, err)
	return link.connection.observe(err)
}

// markClosed records a terminal link failure. Delivery rejections leave the
// link attached.
func markClosed(state *atomic.Int32, err error) {
	var linkErr *amqp.LinkError
	var sessionErr *amqp.SessionError
	var connErr *amqp.ConnError
	if errors.As(err, &linkErr) || errors.As(err, &sessionErr) || errors.As(err, &connErr) {
		state.Store(int32(amqplink.LinkClosed))
	}
}

var (
	_ amqplink.SendLink    = (*sendLink)(nil)
	_ amqplink.ReceiveLink = (*receiveLink)(nil)
)
