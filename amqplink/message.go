package amqplink

import (
	"strconv"
	"time"
)

// Message annotation keys used by brokers that stamp receive positions.
const (
	AnnotationPartitionKey   = "x-opt-partition-key"
	AnnotationOffset         = "x-opt-offset"
	AnnotationSequenceNumber = "x-opt-sequence-number"
	AnnotationEnqueuedTime   = "x-opt-enqueued-time"
)

// Message is an application message.
type Message struct {
	Data                  [][]byte
	MessageID             string
	Annotations           map[string]interface{}
	ApplicationProperties map[string]interface{}
}

// NewMessage returns a message with a single data section.
func NewMessage(data []byte) *Message {
	return &Message{Data: [][]byte{data}}
}

// GetData returns the first data section.
func (message *Message) GetData() []byte {
	if message == nil || len(message.Data) == 0 {
		return nil
	}
	return message.Data[0]
}

// SetAnnotation sets a message annotation.
func (message *Message) SetAnnotation(key string, value interface{}) *Message {
	if message.Annotations == nil {
		message.Annotations = make(map[string]interface{})
	}
	message.Annotations[key] = value
	return message
}

// PartitionKey returns the partition key annotation.
func (message *Message) PartitionKey() (string, bool) {
	value, ok := message.annotation(AnnotationPartitionKey)
	if !ok {
		return "", false
	}
	key, ok := value.(string)
	return key, ok
}

// Offset returns the broker-assigned offset annotation.
func (message *Message) Offset() (string, bool) {
	value, ok := message.annotation(AnnotationOffset)
	if !ok {
		return "", false
	}
	switch typed := value.(type) {
	case string:
		return typed, true
	case int64:
		return strconv.FormatInt(typed, 10), true
	case int:
		return strconv.Itoa(typed), true
	}
	return "", false
}

// SequenceNumber returns the broker-assigned sequence number annotation.
func (message *Message) SequenceNumber() (int64, bool) {
	value, ok := message.annotation(AnnotationSequenceNumber)
	if !ok {
		return 0, false
	}
	switch typed := value.(type) {
	case int64:
		return typed, true
	case int:
		return int64(typed), true
	case float64:
		return int64(typed), true
	}
	return 0, false
}

// EnqueuedTime returns the broker-assigned enqueue time annotation.
func (message *Message) EnqueuedTime() (time.Time, bool) {
	value, ok := message.annotation(AnnotationEnqueuedTime)
	if !ok {
		return time.Time{}, false
	}
	enqueued, ok := value.(time.Time)
	return enqueued, ok
}

func (message *Message) annotation(key string) (interface{}, bool) {
	if message == nil || message.Annotations == nil {
		return nil, false
	}
	value, ok := message.Annotations[key]
	return value, ok
}

// Cursor is a receive position expressed as a broker offset.
type Cursor struct {
	Offset    string
	Inclusive bool
}

// cursorAfter returns the exclusive cursor positioned after message, or nil
// when the message carries no offset.
func cursorAfter(message *Message) *Cursor {
	offset, ok := message.Offset()
	if !ok {
		return nil
	}
	return &Cursor{Offset: offset, Inclusive: false}
}
