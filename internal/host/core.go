// Package host is a minimal in-process telephony core. It owns span
// numbering, per-channel chunk buffers and signalling state, and fans the
// periodic tick out to registered hooks.
package host

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dbehnke/dyntdm/internal/protocol"
)

// Canceller removes echo of the transmitted signal from the received one.
// rx is modified in place; tx is the chunk sent one tick earlier.
type Canceller interface {
	Cancel(ch *Channel, rx, tx []byte)
}

// Core implements the host side consumed by span drivers
type Core struct {
	logger *slog.Logger

	mu          sync.Mutex
	spans       map[int]*Span
	onSignal    func(ch *Channel, bits uint8)
	onAlarm     func(s *Span, alarms uint32)
	canceller   Canceller
	hooks       atomic.Pointer[[]func()]
	ticks       atomic.Uint64
	rxOverflows atomic.Uint64
	txStarved   atomic.Uint64
}

// NewCore creates an empty core
func NewCore(logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Core{
		logger: logger.With("component", "host"),
		spans:  make(map[int]*Span),
	}
	c.hooks.Store(&[]func(){})
	return c
}

// OnSignalling installs a callback for received signalling changes
func (c *Core) OnSignalling(fn func(ch *Channel, bits uint8)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSignal = fn
}

// OnAlarm installs a callback for span alarm changes
func (c *Core) OnAlarm(fn func(s *Span, alarms uint32)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAlarm = fn
}

// SetCanceller installs an echo canceller; nil disables cancellation
func (c *Core) SetCanceller(ec Canceller) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.canceller = ec
}

// RegisterSpan assigns the lowest free span number and makes the span visible
func (c *Core) RegisterSpan(s *Span) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s.Registered() {
		return fmt.Errorf("span %s already registered as %d", s.Name, s.Number())
	}

	number := 1
	for c.spans[number] != nil {
		number++
	}
	c.spans[number] = s
	s.number.Store(int32(number))
	s.registered.Store(true)

	c.logger.Info("registered span", "span", number, "name", s.Name, "channels", len(s.Channels))
	return nil
}

// UnregisterSpan removes a span; unknown spans are ignored
func (c *Core) UnregisterSpan(s *Span) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !s.Registered() {
		return
	}
	delete(c.spans, s.Number())
	s.registered.Store(false)
	c.logger.Info("unregistered span", "span", s.Number(), "name", s.Name)
	s.number.Store(0)
}

// Span returns the span with the given number, or nil
func (c *Core) Span(number int) *Span {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spans[number]
}

// Spans returns all registered spans ordered by number
func (c *Core) Spans() []*Span {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Span, 0, len(c.spans))
	for _, s := range c.spans {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number() < out[j].Number() })
	return out
}

// ReceiveChunk moves each channel's ReadChunk into its receive buffer
func (c *Core) ReceiveChunk(s *Span) {
	for _, ch := range s.Channels {
		if !ch.rx.AddData(ch.ReadChunk) {
			c.rxOverflows.Add(1)
		}
	}
}

// TransmitChunk fills each channel's WriteChunk from its transmit buffer,
// or with idle samples when the application has not kept up.
func (c *Core) TransmitChunk(s *Span) {
	for _, ch := range s.Channels {
		if !ch.tx.GetData(ch.WriteChunk) {
			for i := range ch.WriteChunk {
				ch.WriteChunk[i] = protocol.IDLE_SAMPLE
			}
			c.txStarved.Add(1)
		}
	}
}

// NotifyAlarm reports the span's current alarm bits
func (c *Core) NotifyAlarm(s *Span) {
	alarms := s.Alarms()
	c.logger.Info("span alarm", "span", s.Number(), "name", s.Name, "alarms", AlarmString(alarms))

	c.mu.Lock()
	fn := c.onAlarm
	c.mu.Unlock()
	if fn != nil {
		fn(s, alarms)
	}
}

// DispatchSignalling records newly received signalling bits for a channel
func (c *Core) DispatchSignalling(ch *Channel, bits uint8) {
	ch.rxSig.Store(uint32(bits & protocol.SIG_MASK))

	c.mu.Lock()
	fn := c.onSignal
	c.mu.Unlock()
	if fn != nil {
		fn(ch, bits)
	}
}

// EchoCancel runs the installed canceller, if any
func (c *Core) EchoCancel(ch *Channel, rx, tx []byte) {
	c.mu.Lock()
	ec := c.canceller
	c.mu.Unlock()
	if ec != nil {
		ec.Cancel(ch, rx, tx)
	}
}

// AddTickHook registers fn to run on every Tick
func (c *Core) AddTickHook(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := *c.hooks.Load()
	hooks := make([]func(), len(old), len(old)+1)
	copy(hooks, old)
	hooks = append(hooks, fn)
	c.hooks.Store(&hooks)
}

// Tick advances the core by one chunk period
func (c *Core) Tick() {
	c.ticks.Add(1)
	for _, fn := range *c.hooks.Load() {
		fn()
	}
}

// Stats is a snapshot of core counters
type Stats struct {
	Ticks       uint64
	RxOverflows uint64
	TxStarved   uint64
}

// Stats returns the core counters
func (c *Core) Stats() Stats {
	return Stats{
		Ticks:       c.ticks.Load(),
		RxOverflows: c.rxOverflows.Load(),
		TxStarved:   c.txStarved.Load(),
	}
}
