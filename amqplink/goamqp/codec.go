package goamqp

import (
	"fmt"

	"github.com/Azure/go-amqp"

	"github.com/Thejuampi/amqplink-go/amqplink"
)

// Codec encodes messages in the AMQP 1.0 bare message format.
type Codec struct{}

// NewCodec returns a Codec.
func NewCodec() Codec { return Codec{} }

// Encode implements amqplink.Codec.
func (Codec) Encode(message *amqplink.Message, buffer []byte, offset int, maxLength int) (int, error) {
	if message == nil {
		return 0, amqplink.NewError(amqplink.InvalidArgumentError, "message is nil")
	}
	if offset < 0 || maxLength < 0 || offset+maxLength > len(buffer) {
		return 0, amqplink.NewError(amqplink.InvalidArgumentError, "buffer window out of range")
	}
	encoded, err := toAMQP(message).MarshalBinary()
	if err != nil {
		return 0, amqplink.NewError(amqplink.InvalidArgumentError, "marshal message", err)
	}
	if len(encoded) > maxLength {
		return 0, amqplink.NewError(amqplink.PayloadTooLargeError,
			fmt.Sprintf("encoded size %d exceeds %d bytes", len(encoded), maxLength))
	}
	return copy(buffer[offset:offset+maxLength], encoded), nil
}

// Decode implements amqplink.Codec.
func (Codec) Decode(data []byte) (*amqplink.Message, error) {
	var decoded amqp.Message
	if err := decoded.UnmarshalBinary(data); err != nil {
		return nil, amqplink.NewError(amqplink.InvalidArgumentError, "unmarshal message", err)
	}
	return fromAMQP(&decoded), nil
}

func toAMQP(message *amqplink.Message) *amqp.Message {
	converted := &amqp.Message{Data: message.Data}
	if message.MessageID != "" {
		converted.Properties = &amqp.MessageProperties{MessageID: message.MessageID}
	}
	if len(message.Annotations) > 0 {
		converted.Annotations = make(amqp.Annotations, len(message.Annotations))
		for key, value := range message.Annotations {
			converted.Annotations[key] = value
		}
	}
	if len(message.ApplicationProperties) > 0 {
		converted.ApplicationProperties = message.ApplicationProperties
	}
	return converted
}

func fromAMQP(message *amqp.Message) *amqplink.Message {
	converted := &amqplink.Message{Data: message.Data}
	if message.Properties != nil && message.Properties.MessageID != nil {
		converted.MessageID = fmt.Sprint(message.Properties.MessageID)
	}
	if len(message.Annotations) > 0 {
		converted.Annotations = make(map[string]interface{}, len(message.Annotations))
		for key, value := range message.Annotations {
			converted.Annotations[fmt.Sprint(key)] = value
		}
	}
	if len(message.ApplicationProperties) > 0 {
		converted.ApplicationProperties = message.ApplicationProperties
	}
	if message.Value != nil && len(converted.Data) == 0 {
		converted.Data = [][]byte{[]byte(fmt.Sprint(message.Value))}
	}
	return converted
}
