// Package transport holds helpers shared by the dynamic span transports:
// the sub-address header that prefixes each message on a shared medium and
// a deferred transmit queue drained on flush.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/dbehnke/dyntdm/internal/dynamic"
	"github.com/dbehnke/dyntdm/internal/protocol"
	"github.com/dbehnke/dyntdm/internal/ringbuf"
)

var (
	ErrShortSubaddr  = errors.New("message shorter than sub-address header")
	ErrFrameTooLarge = errors.New("span frame exceeds medium limit")
)

// CheckFrameSize rejects spans whose frames plus overhead bytes of
// transport headers would not fit in limit. A nil span passes.
func CheckFrameSize(span *dynamic.Span, overhead, limit int) error {
	if span == nil {
		return nil
	}
	if n := span.FrameLength() + overhead; n > limit {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, n, limit)
	}
	return nil
}

// PutSubaddr writes sub into the first SUBADDR_LENGTH bytes of dst
func PutSubaddr(dst []byte, sub uint16) {
	binary.BigEndian.PutUint16(dst, sub)
}

// SplitSubaddr returns the sub-address and the message that follows it
func SplitSubaddr(data []byte) (uint16, []byte, error) {
	if len(data) < protocol.SUBADDR_LENGTH {
		return 0, nil, ErrShortSubaddr
	}
	return binary.BigEndian.Uint16(data), data[protocol.SUBADDR_LENGTH:], nil
}

// ParseSubaddr parses an optional decimal sub-address; "" is 0
func ParseSubaddr(s string) (uint16, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("bad sub-address %q: %w", s, err)
	}
	return uint16(v), nil
}

// Queue holds whole datagrams between Transmit and Flush
type Queue struct {
	rb  *ringbuf.RingBuffer
	buf []byte
}

// NewQueue creates a queue holding up to size bytes of records
func NewQueue(size int, name string) *Queue {
	return &Queue{
		rb:  ringbuf.New(size, name),
		buf: make([]byte, protocol.BUFFER_LENGTH),
	}
}

// Push copies packet into the queue; false when it is full
func (q *Queue) Push(packet []byte) bool {
	return q.rb.AddLength(packet)
}

// Drain hands every queued packet to send in order. Packets are removed
// even when send fails; the first error is returned.
func (q *Queue) Drain(send func([]byte) error) error {
	var firstErr error
	for {
		n, ok := q.rb.GetLength(q.buf)
		if !ok {
			if q.rb.DataSize() >= 2 {
				// A record larger than the scratch buffer: grow and retry
				q.buf = make([]byte, 2*len(q.buf))
				continue
			}
			return firstErr
		}
		if err := send(q.buf[:n]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
}

// Len returns the number of queued bytes, including record prefixes
func (q *Queue) Len() int {
	return q.rb.DataSize()
}

// Dropped returns how many packets were refused because the queue was full
func (q *Queue) Dropped() uint64 {
	return q.rb.Overflows()
}
