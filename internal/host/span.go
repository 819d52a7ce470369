package host

import (
	"fmt"
	"sync/atomic"

	"github.com/dbehnke/dyntdm/internal/protocol"
	"github.com/dbehnke/dyntdm/internal/ringbuf"
)

// Alarm bits reported by a span
const (
	ALARM_NONE   = 0
	ALARM_YELLOW = 1 << 2 // Remote end reports it is not receiving us
	ALARM_RED    = 1 << 3 // We are not receiving the remote end
)

// Chunks of audio buffered per channel direction
const BUFFER_CHUNKS = 32

// SigType selects how a channel carries signalling
type SigType int

const (
	SigRBS   SigType = iota // Robbed-bit signalling, 4 bits per channel
	SigClear                // Clear channel, no signalling bits
)

// Channel is one TDM timeslot of a span
type Channel struct {
	span  *Span
	index int
	sig   atomic.Int32

	// Current tick's chunks. ReadChunk is filled by the span driver and
	// consumed by ReceiveChunk; WriteChunk is filled by TransmitChunk and
	// sent by the span driver.
	ReadChunk  []byte
	WriteChunk []byte
	// WriteChunk of the previous tick, kept for echo cancellation
	SavedWriteChunk []byte

	rxSig atomic.Uint32
	txSig atomic.Uint32

	rx *ringbuf.RingBuffer
	tx *ringbuf.RingBuffer
}

// Index returns the zero-based channel position within its span
func (c *Channel) Index() int { return c.index }

// Span returns the owning span
func (c *Channel) Span() *Span { return c.span }

// SigType returns the channel's signalling type
func (c *Channel) SigType() SigType { return SigType(c.sig.Load()) }

// SetSigType changes the channel's signalling type
func (c *Channel) SetSigType(sig SigType) { c.sig.Store(int32(sig)) }

// IsClear returns true for clear channels, which never carry RBS
func (c *Channel) IsClear() bool { return c.SigType() == SigClear }

// RxSig returns the last received signalling bits
func (c *Channel) RxSig() uint8 { return uint8(c.rxSig.Load()) }

// TxSig returns the signalling bits to transmit
func (c *Channel) TxSig() uint8 { return uint8(c.txSig.Load()) }

// SetTxSig sets the signalling bits to transmit
func (c *Channel) SetTxSig(bits uint8) { c.txSig.Store(uint32(bits & protocol.SIG_MASK)) }

// Read drains up to len(p) received samples in whole chunks and returns the
// number of bytes copied.
func (c *Channel) Read(p []byte) int {
	n := 0
	chunk := len(c.ReadChunk)
	for n+chunk <= len(p) && c.rx.GetData(p[n:n+chunk]) {
		n += chunk
	}
	return n
}

// Write queues samples for transmission. It returns false when the transmit
// buffer cannot hold all of p.
func (c *Channel) Write(p []byte) bool {
	return c.tx.AddData(p)
}

// Buffered returns the number of received samples waiting to be read
func (c *Channel) Buffered() int {
	return c.rx.DataSize()
}

func (c *Channel) String() string {
	return fmt.Sprintf("%s/%d", c.span.Name, c.index+1)
}

// Span is a group of channels sharing framing and alarm state
type Span struct {
	Name     string
	Channels []*Channel

	chunkSize  int
	number     atomic.Int32
	alarms     atomic.Uint32
	registered atomic.Bool
}

// NewSpan allocates a span with nchans channels of chunkSize samples
func NewSpan(name string, nchans, chunkSize int) *Span {
	s := &Span{
		Name:      name,
		Channels:  make([]*Channel, nchans),
		chunkSize: chunkSize,
	}
	for i := range s.Channels {
		bufName := fmt.Sprintf("%s/%d", name, i+1)
		s.Channels[i] = &Channel{
			span:            s,
			index:           i,
			ReadChunk:       make([]byte, chunkSize),
			WriteChunk:      make([]byte, chunkSize),
			SavedWriteChunk: make([]byte, chunkSize),
			rx:              ringbuf.New(BUFFER_CHUNKS*chunkSize, bufName+" rx"),
			tx:              ringbuf.New(BUFFER_CHUNKS*chunkSize, bufName+" tx"),
		}
	}
	return s
}

// Number returns the span number assigned at registration, 0 if unregistered
func (s *Span) Number() int { return int(s.number.Load()) }

// ChunkSize returns samples per channel per tick
func (s *Span) ChunkSize() int { return s.chunkSize }

// Alarms returns the current ALARM_* bits
func (s *Span) Alarms() uint32 { return s.alarms.Load() }

// SetAlarms replaces the ALARM_* bits
func (s *Span) SetAlarms(alarms uint32) { s.alarms.Store(alarms) }

// Registered returns true while the span is registered with a core
func (s *Span) Registered() bool { return s.registered.Load() }

// AlarmString renders alarm bits for logs
func AlarmString(alarms uint32) string {
	switch {
	case alarms == ALARM_NONE:
		return "OK"
	case alarms&ALARM_RED != 0 && alarms&ALARM_YELLOW != 0:
		return "RED+YELLOW"
	case alarms&ALARM_RED != 0:
		return "RED"
	case alarms&ALARM_YELLOW != 0:
		return "YELLOW"
	}
	return fmt.Sprintf("0x%x", alarms)
}
