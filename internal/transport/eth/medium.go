package eth

import (
	"errors"
	"net"
)

// ErrTimeout is returned by Medium.ReadFrame when no frame arrived within
// the medium's poll interval. Readers retry.
var ErrTimeout = errors.New("read timeout")

// Medium is a broadcast-capable link carrying whole Ethernet frames
type Medium interface {
	// ReadFrame blocks until a frame arrives, the poll interval expires
	// (ErrTimeout) or the medium is closed.
	ReadFrame(buf []byte) (int, error)
	WriteFrame(frame []byte) error
	HardwareAddr() net.HardwareAddr
	Close() error
}

// Opener opens the medium for a named device
type Opener func(device string) (Medium, error)
