package dynamic

import "github.com/dbehnke/dyntdm/internal/host"

// Driver is a named transport backend. Create binds an address for span and
// returns the link used to transmit its messages; inbound messages for the
// span are delivered with span.Receive.
type Driver interface {
	Name() string
	Create(span *Span, address string) (Link, error)
}

// Link is one span's endpoint within a driver
type Link interface {
	// Transmit sends or queues msg. It must not block and must not retain
	// msg after returning.
	Transmit(msg []byte) error
	Destroy()
}

// Flusher is implemented by drivers that queue transmits. Flush is called
// once per run cycle after every span has transmitted.
type Flusher interface {
	Flush() error
}

// Loader demand-loads a driver by name, normally by calling RegisterDriver
type Loader func(name string) error

// Host is the telephony core a dynamic span plugs into
type Host interface {
	RegisterSpan(s *host.Span) error
	UnregisterSpan(s *host.Span)
	ReceiveChunk(s *host.Span)
	TransmitChunk(s *host.Span)
	NotifyAlarm(s *host.Span)
	DispatchSignalling(ch *host.Channel, bits uint8)
	EchoCancel(ch *host.Channel, rx, tx []byte)
}
