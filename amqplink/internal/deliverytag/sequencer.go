// Package deliverytag produces opaque, monotonically increasing AMQP delivery tags.
package deliverytag

import (
	"encoding/binary"
	"sync/atomic"
)

// Size is the length in bytes of every tag produced by a Sequencer.
const Size = 8

// Sequencer hands out delivery tag values for one send link manager. A tag
// is never reused, so a retransmission is always told apart from its earlier
// attempts. It is safe for concurrent use.
type Sequencer struct {
	next atomic.Uint64
}

// NewSequencer returns a Sequencer whose first value is start.
func NewSequencer(start uint64) *Sequencer {
	sequencer := &Sequencer{}
	sequencer.next.Store(start)
	return sequencer
}

// Next returns the next tag value.
func (sequencer *Sequencer) Next() uint64 {
	if sequencer == nil {
		return 0
	}
	return sequencer.next.Add(1) - 1
}

// NextTag returns the next tag encoded big-endian.
func (sequencer *Sequencer) NextTag() []byte {
	return Encode(sequencer.Next())
}

// Encode renders value as a Size-byte big-endian tag. Big-endian keeps the
// byte order of tags the same as their numeric order.
func Encode(value uint64) []byte {
	tag := make([]byte, Size)
	binary.BigEndian.PutUint64(tag, value)
	return tag
}

// Decode reverses Encode. Tags of the wrong size decode to false.
func Decode(tag []byte) (uint64, bool) {
	if len(tag) != Size {
		return 0, false
	}
	return binary.BigEndian.Uint64(tag), true
}
