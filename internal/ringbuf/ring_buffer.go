package ringbuf

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// RingBuffer is a fixed-capacity circular byte buffer, safe for concurrent use.
// It carries either a raw byte stream (AddData/GetData) or length-prefixed
// records (AddLength/GetLength), never both at once.
type RingBuffer struct {
	mu       sync.Mutex
	buffer   []byte
	head     int
	tail     int
	size     int
	name     string
	overflow uint64
}

// New creates a ring buffer holding up to capacity bytes
func New(capacity int, name string) *RingBuffer {
	return &RingBuffer{
		buffer: make([]byte, capacity),
		name:   name,
	}
}

// AddData appends data. It returns false, leaving the buffer untouched, when
// there is not enough free space.
func (rb *RingBuffer) AddData(data []byte) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.hasSpace(len(data)) {
		rb.overflow++
		return false
	}
	rb.write(data)
	return true
}

// GetData fills data from the front of the buffer. It returns false when
// fewer than len(data) bytes are buffered.
func (rb *RingBuffer) GetData(data []byte) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size < len(data) {
		return false
	}
	rb.read(data)
	return true
}

// Peek copies len(data) bytes from the front without consuming them
func (rb *RingBuffer) Peek(data []byte) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size < len(data) {
		return false
	}
	rb.peek(data)
	return true
}

// AddLength stores a 2-byte big-endian length prefix followed by data as one
// record. Either the whole record fits or nothing is written.
func (rb *RingBuffer) AddLength(data []byte) bool {
	if len(data) > 0xFFFF {
		return false
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.hasSpace(2 + len(data)) {
		rb.overflow++
		return false
	}

	var prefix [2]byte
	binary.BigEndian.PutUint16(prefix[:], uint16(len(data)))
	rb.write(prefix[:])
	rb.write(data)
	return true
}

// GetLength removes the next record into data and returns its length. It
// returns false when no complete record is buffered or data is too small;
// in the latter case the record stays queued.
func (rb *RingBuffer) GetLength(data []byte) (int, bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size < 2 {
		return 0, false
	}

	var prefix [2]byte
	rb.peek(prefix[:])
	length := int(binary.BigEndian.Uint16(prefix[:]))

	if rb.size < 2+length || len(data) < length {
		return 0, false
	}

	rb.read(prefix[:])
	rb.read(data[:length])
	return length, true
}

// Clear empties the ring buffer
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.head = 0
	rb.tail = 0
	rb.size = 0
}

// FreeSpace returns available space in bytes
func (rb *RingBuffer) FreeSpace() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.buffer) - rb.size
}

// DataSize returns amount of data in buffer
func (rb *RingBuffer) DataSize() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size
}

// HasData returns true if buffer contains data
func (rb *RingBuffer) HasData() bool {
	return rb.DataSize() > 0
}

// Overflows returns how many writes were refused for lack of space
func (rb *RingBuffer) Overflows() uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.overflow
}

// Name returns the buffer name for debugging
func (rb *RingBuffer) Name() string {
	return rb.name
}

// String returns a string representation for debugging
func (rb *RingBuffer) String() string {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return fmt.Sprintf("RingBuffer[%s]: size=%d, capacity=%d, head=%d, tail=%d",
		rb.name, rb.size, len(rb.buffer), rb.head, rb.tail)
}

func (rb *RingBuffer) hasSpace(length int) bool {
	return len(rb.buffer)-rb.size >= length
}

func (rb *RingBuffer) write(data []byte) {
	for len(data) > 0 {
		n := copy(rb.buffer[rb.head:], data)
		rb.head = (rb.head + n) % len(rb.buffer)
		rb.size += n
		data = data[n:]
	}
}

func (rb *RingBuffer) peek(data []byte) {
	pos := rb.tail
	for off := 0; off < len(data); {
		n := copy(data[off:], rb.buffer[pos:])
		pos = (pos + n) % len(rb.buffer)
		off += n
	}
}

func (rb *RingBuffer) read(data []byte) {
	rb.peek(data)
	rb.tail = (rb.tail + len(data)) % len(rb.buffer)
	rb.size -= len(data)
}
