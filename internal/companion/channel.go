// Package companion is the duplex message channel between the engine and
// the companion device. Messages are flat lists of integer-keyed tuples.
package companion

import (
	"fmt"
	"strings"
)

// Tuple is one key/value field of a message.
type Tuple struct {
	Key   uint32 `json:"key"`
	Value int64  `json:"value"`
}

// Message is an ordered list of tuples.
type Message []Tuple

// Find returns the value of the first tuple with key.
func (m Message) Find(key uint32) (int64, bool) {
	for _, t := range m {
		if t.Key == key {
			return t.Value, true
		}
	}
	return 0, false
}

func (m Message) String() string {
	parts := make([]string, len(m))
	for i, t := range m {
		parts[i] = fmt.Sprintf("%d=%d", t.Key, t.Value)
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// Handler receives the channel's asynchronous callbacks. Exactly one of
// Sent or Failed follows every Send that returned nil.
type Handler interface {
	Sent()
	Failed(err error)
	Received(msg Message)
}

// Channel is the outbound side of the link. It never retransmits on its own.
type Channel interface {
	// OutboxSize is the negotiated maximum serialized outbound payload.
	OutboxSize() int
	// EstimateSize returns the serialized size of count tuples whose values
	// are width bytes wide.
	EstimateSize(count, width int) int
	// Send begins transmitting msg. An error means nothing was sent and no
	// callback will follow.
	Send(msg Message) error
}

// DictSize is the serialized size of a message of count tuples of width
// bytes: one header byte plus a 7-byte field header per tuple.
func DictSize(count, width int) int {
	return 1 + count*(7+width)
}

// TupleWidth is the value width used on the wire.
const TupleWidth = 4
