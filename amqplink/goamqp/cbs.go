package goamqp

import (
	"context"
	"fmt"

	"github.com/Azure/go-amqp"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Thejuampi/amqplink-go/amqplink"
)

// Claims-based security node and its put-token vocabulary.
const (
	cbsAddress          = "$cbs"
	cbsOperationKey     = "operation"
	cbsOperationPut     = "put-token"
	cbsTypeKey          = "type"
	cbsNameKey          = "name"
	cbsExpirationKey    = "expiration"
	cbsStatusCodeKey    = "status-code"
	cbsStatusDescKey    = "status-description"
	defaultCBSTokenType = "jwt"
)

// PutToken implements amqplink.TokenAuthorizer with a request/response
// exchange on the $cbs node.
func (connection *connection) PutToken(ctx context.Context, audience string, token amqplink.Token) (err error) {
	replyTo := cbsAddress + "-" + uuid.NewString()

	sender, err := connection.session.NewSender(ctx, cbsAddress, nil)
	if err != nil {
		return connection.observe(err)
	}
	defer func() { err = multierr.Append(err, detach(ctx, sender.Close)) }()

	receiver, err := connection.session.NewReceiver(ctx, cbsAddress, &amqp.ReceiverOptions{TargetAddress: replyTo})
	if err != nil {
		return connection.observe(err)
	}
	defer func() { err = multierr.Append(err, detach(ctx, receiver.Close)) }()

	tokenType := token.Type
	if tokenType == "" {
		tokenType = defaultCBSTokenType
	}
	request := &amqp.Message{
		Value: token.Value,
		Properties: &amqp.MessageProperties{
			MessageID: uuid.NewString(),
			ReplyTo:   &replyTo,
		},
		ApplicationProperties: map[string]any{
			cbsOperationKey:  cbsOperationPut,
			cbsTypeKey:       tokenType,
			cbsNameKey:       audience,
			cbsExpirationKey: token.ExpiresAt.Unix(),
		},
	}
	if err := sender.Send(ctx, request, nil); err != nil {
		return connection.observe(err)
	}

	response, err := receiver.Receive(ctx, nil)
	if err != nil {
		return connection.observe(err)
	}
	_ = receiver.AcceptMessage(ctx, response)

	connection.logger.Debug("token put", zap.String("audience", audience))
	return checkCBSResponse(response)
}

func checkCBSResponse(response *amqp.Message) error {
	status, ok := statusCode(response.ApplicationProperties[cbsStatusCodeKey])
	if !ok {
		return amqplink.NewError(amqplink.AuthorizationError, "cbs response has no status code")
	}
	if status >= 200 && status < 300 {
		return nil
	}
	description, _ := response.ApplicationProperties[cbsStatusDescKey].(string)
	message := fmt.Sprintf("cbs put-token status %d: %s", status, description)
	switch {
	case status == 401 || status == 403:
		return amqplink.NewError(amqplink.AuthorizationError, message)
	case status == 404:
		return amqplink.NewError(amqplink.EntityNotFoundError, message)
	case status == 503:
		return amqplink.NewError(amqplink.ServerBusyError, message)
	case status >= 500:
		return amqplink.NewError(amqplink.CommunicationError, message)
	default:
		return amqplink.NewError(amqplink.UnknownError, message)
	}
}

func statusCode(value any) (int, bool) {
	switch typed := value.(type) {
	case int32:
		return int(typed), true
	case int64:
		return int(typed), true
	case int:
		return typed, true
	}
	return 0, false
}

func detach(ctx context.Context, closer func(context.Context) error) error {
	if err := closer(ctx); err != nil {
		return ClassifyError(err)
	}
	return nil
}
