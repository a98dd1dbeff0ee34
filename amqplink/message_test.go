package amqplink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageAnnotations(t *testing.T) {
	enqueued := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	message := NewMessage([]byte("body")).
		SetAnnotation(AnnotationPartitionKey, "device-7").
		SetAnnotation(AnnotationOffset, int64(4096)).
		SetAnnotation(AnnotationSequenceNumber, 12).
		SetAnnotation(AnnotationEnqueuedTime, enqueued)

	assert.Equal(t, []byte("body"), message.GetData())
	key, ok := message.PartitionKey()
	assert.True(t, ok)
	assert.Equal(t, "device-7", key)

	offset, ok := message.Offset()
	assert.True(t, ok)
	assert.Equal(t, "4096", offset)

	sequence, ok := message.SequenceNumber()
	assert.True(t, ok)
	assert.Equal(t, int64(12), sequence)

	when, ok := message.EnqueuedTime()
	assert.True(t, ok)
	assert.True(t, enqueued.Equal(when))
}

func TestMessageMissingAnnotations(t *testing.T) {
	var empty *Message
	assert.Nil(t, empty.GetData())
	_, ok := empty.Offset()
	assert.False(t, ok)

	message := NewMessage(nil).SetAnnotation(AnnotationOffset, 1.5)
	_, ok = message.Offset()
	assert.False(t, ok, "unsupported offset types are ignored")
	_, ok = message.PartitionKey()
	assert.False(t, ok)
}

func TestCursorAfterIsExclusive(t *testing.T) {
	cursor := cursorAfter(NewMessage(nil).SetAnnotation(AnnotationOffset, "7"))
	require.NotNil(t, cursor)
	assert.Equal(t, "7", cursor.Offset)
	assert.False(t, cursor.Inclusive)

	assert.Nil(t, cursorAfter(NewMessage(nil)))
}
