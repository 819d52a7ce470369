package tdmoe

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dbehnke/dyntdm/internal/protocol"
)

// Framing errors. Callers match them with errors.Is; the wrapped message
// carries the offending value.
var (
	ErrHeaderTooShort  = errors.New("message shorter than header")
	ErrBadSampleCount  = errors.New("bad sample count")
	ErrBadChannelCount = errors.New("bad channel count")
	ErrBadLength       = errors.New("bad message length")
)

// Header is the fixed 6-byte prefix of every dynamic span message
type Header struct {
	Samples  uint8  // Samples per channel, must equal the chunk size
	Flags    uint8  // FLAG_* bits
	Sequence uint16 // Transmit sequence number
	Channels uint16 // Channel count
}

// YellowAlarm returns true if the peer declares a yellow alarm
func (h Header) YellowAlarm() bool {
	return h.Flags&protocol.FLAG_YELLOW_ALARM != 0
}

// HasSignalling returns true if packed signalling words follow the header
func (h Header) HasSignalling() bool {
	return h.Flags&protocol.FLAG_SIGBITS_PRESENT != 0
}

// Loopback returns true if the reserved loopback bit is set
func (h Header) Loopback() bool {
	return h.Flags&protocol.FLAG_LOOPBACK != 0
}

// ReadHeader decodes the header at the start of data
func ReadHeader(data []byte) (Header, error) {
	if len(data) < protocol.HEADER_LENGTH {
		return Header{}, fmt.Errorf("%w: got %d bytes, need %d", ErrHeaderTooShort, len(data), protocol.HEADER_LENGTH)
	}
	return Header{
		Samples:  data[0],
		Flags:    data[1],
		Sequence: binary.BigEndian.Uint16(data[2:4]),
		Channels: binary.BigEndian.Uint16(data[4:6]),
	}, nil
}

// Put writes the header into the first HEADER_LENGTH bytes of dst
func (h Header) Put(dst []byte) {
	dst[0] = h.Samples
	dst[1] = h.Flags
	binary.BigEndian.PutUint16(dst[2:4], h.Sequence)
	binary.BigEndian.PutUint16(dst[4:6], h.Channels)
}

// SignallingLength returns the size of the packed signalling block for nchans
func SignallingLength(nchans int) int {
	return (nchans + protocol.SIG_PER_WORD - 1) / protocol.SIG_PER_WORD * protocol.SIG_WORD_SIZE
}

// ExpectedLength returns the exact message length for the given flags,
// channel count and chunk size.
func ExpectedLength(flags uint8, nchans, chunkSize int) int {
	length := protocol.HEADER_LENGTH + nchans*chunkSize
	if flags&protocol.FLAG_SIGBITS_PRESENT != 0 {
		length += SignallingLength(nchans)
	}
	return length
}

// PackSignalling packs one nibble per channel into dst, four channels per
// big-endian word with the lowest channel in the least significant nibble.
// dst must hold SignallingLength(len(sig)) bytes.
func PackSignalling(dst []byte, sig []uint8) {
	for w := 0; w < SignallingLength(len(sig))/protocol.SIG_WORD_SIZE; w++ {
		var word uint16
		for i := 0; i < protocol.SIG_PER_WORD; i++ {
			ch := w*protocol.SIG_PER_WORD + i
			if ch >= len(sig) {
				break
			}
			word |= uint16(sig[ch]&protocol.SIG_MASK) << (uint(i) * 4)
		}
		binary.BigEndian.PutUint16(dst[w*protocol.SIG_WORD_SIZE:], word)
	}
}

// UnpackSignalling is the inverse of PackSignalling; len(sig) selects how
// many channels are decoded.
func UnpackSignalling(src []byte, sig []uint8) {
	var word uint16
	for ch := range sig {
		if ch%protocol.SIG_PER_WORD == 0 {
			word = binary.BigEndian.Uint16(src[(ch/protocol.SIG_PER_WORD)*protocol.SIG_WORD_SIZE:])
		}
		sig[ch] = uint8(word>>(uint(ch%protocol.SIG_PER_WORD)*4)) & protocol.SIG_MASK
	}
}

// Frame is a decoded dynamic span message
type Frame struct {
	Header
	Signalling []uint8 // One nibble per channel, nil when not present
	Payload    []byte  // Channels*Samples bytes, channel order ascending

	sigBuf []uint8
}

// Parse decodes a complete message whose sample count must equal chunkSize.
// Signalling and Payload alias storage that the next Parse overwrites.
// The channel count is taken from the header; callers that expect a specific
// channel count compare it themselves.
func (f *Frame) Parse(data []byte, chunkSize int) error {
	hdr, err := ReadHeader(data)
	if err != nil {
		return err
	}

	if int(hdr.Samples) != chunkSize {
		return fmt.Errorf("%w: got %d, want %d", ErrBadSampleCount, hdr.Samples, chunkSize)
	}

	nchans := int(hdr.Channels)
	if expected := ExpectedLength(hdr.Flags, nchans, chunkSize); len(data) != expected {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrBadLength, len(data), expected)
	}

	f.Header = hdr
	body := data[protocol.HEADER_LENGTH:]

	// Buffers from the previous Parse are reused
	f.Signalling = nil
	if hdr.HasSignalling() {
		if cap(f.sigBuf) < nchans {
			f.sigBuf = make([]uint8, nchans)
		}
		f.Signalling = f.sigBuf[:nchans]
		UnpackSignalling(body, f.Signalling)
		body = body[SignallingLength(nchans):]
	}

	f.Payload = append(f.Payload[:0], body...)

	return nil
}

// Build serializes the frame. The signalling flag is derived from whether
// Signalling is set; Channels is taken from the header.
func (f *Frame) Build() []byte {
	return f.AppendTo(nil)
}

// AppendTo serializes the frame onto dst and returns the extended slice
func (f *Frame) AppendTo(dst []byte) []byte {
	hdr := f.Header
	if f.Signalling != nil {
		hdr.Flags |= protocol.FLAG_SIGBITS_PRESENT
	} else {
		hdr.Flags &^= protocol.FLAG_SIGBITS_PRESENT
	}

	nchans := int(hdr.Channels)
	start := len(dst)
	dst = append(dst, make([]byte, ExpectedLength(hdr.Flags, nchans, int(hdr.Samples)))...)
	msg := dst[start:]

	hdr.Put(msg)
	body := msg[protocol.HEADER_LENGTH:]

	if f.Signalling != nil {
		PackSignalling(body, f.Signalling)
		body = body[SignallingLength(nchans):]
	}
	copy(body, f.Payload)

	return dst
}

// Chunk returns the payload samples of channel ch
func (f *Frame) Chunk(ch int) []byte {
	n := int(f.Samples)
	return f.Payload[ch*n : (ch+1)*n]
}

// String returns a short description for debugging
func (f *Frame) String() string {
	return fmt.Sprintf("tdmoe seq=%d chans=%d samples=%d flags=0x%02x",
		f.Sequence, f.Channels, f.Samples, f.Flags)
}
