package dynamic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/dbehnke/dyntdm/internal/host"
	"github.com/dbehnke/dyntdm/internal/protocol"
	"github.com/dbehnke/dyntdm/internal/protocol/tdmoe"
)

// Span lifecycle states
const (
	StateActive   = "active"
	StateDead     = "dead"     // Driver gone, waiting for the last release
	StateReleased = "released" // Torn down
)

const (
	eventKill    = "kill"
	eventReap    = "reap"
	eventDestroy = "destroy"
)

func newLifecycle() *fsm.FSM {
	return fsm.NewFSM(
		StateActive,
		fsm.Events{
			{Name: eventKill, Src: []string{StateActive}, Dst: StateDead},
			{Name: eventReap, Src: []string{StateDead}, Dst: StateReleased},
			{Name: eventDestroy, Src: []string{StateActive}, Dst: StateReleased},
		}, nil,
	)
}

// SpanSpec describes a dynamic span to create
type SpanSpec struct {
	Driver   string
	Address  string
	Channels int
	Timing   int // 0 = never timing master, lower is preferred
}

// Span is a virtual local span whose channels are carried by a transport
type Span struct {
	mgr       *Manager
	driver    Driver
	address   string
	link      Link
	hs        *host.Span
	logger    *slog.Logger
	lifecycle *fsm.FSM

	timing   atomic.Int32
	master   atomic.Bool
	usecount atomic.Int32

	// Receive state, guarded by mu. The run cycle also holds mu while it
	// touches the channel chunks.
	mu         sync.Mutex
	rxSeq      uint16
	rxSeqValid bool
	outOfSeq   bool
	rxStamp    time.Time
	lastErr    uint32
	rxFrame    tdmoe.Frame

	// Transmit state, owned by the run cycle
	txSeq   atomic.Uint32
	txFrame tdmoe.Frame
	txBuf   []byte

	rxFrames     atomic.Uint64
	txFrames     atomic.Uint64
	seqMismatch  atomic.Uint64
	errShort     atomic.Uint64
	errNsamp     atomic.Uint64
	errNchan     atomic.Uint64
	errLen       atomic.Uint64
	alarmChanges atomic.Uint64
}

func newSpan(m *Manager, d Driver, spec SpanSpec) *Span {
	name := fmt.Sprintf("DYN/%s/%s", spec.Driver, spec.Address)
	s := &Span{
		mgr:       m,
		driver:    d,
		address:   spec.Address,
		hs:        host.NewSpan(name, spec.Channels, m.cfg.ChunkSize),
		logger:    m.logger.With("span", name),
		lifecycle: newLifecycle(),
		rxStamp:   m.cfg.Now(),
	}
	s.timing.Store(int32(spec.Timing))

	s.txFrame.Samples = uint8(m.cfg.ChunkSize)
	s.txFrame.Channels = uint16(spec.Channels)
	s.txFrame.Payload = make([]byte, spec.Channels*m.cfg.ChunkSize)
	return s
}

// Name returns the host span name, DYN/<driver>/<address>
func (s *Span) Name() string { return s.hs.Name }

func (s *Span) Driver() string  { return s.driver.Name() }
func (s *Span) Address() string { return s.address }

// Number returns the host span number, 0 once torn down
func (s *Span) Number() int { return s.hs.Number() }

// Host returns the host-side span carrying the channels
func (s *Span) Host() *host.Span { return s.hs }

func (s *Span) Channels() int { return len(s.hs.Channels) }

func (s *Span) Timing() int { return int(s.timing.Load()) }

// FrameLength is the size of the largest message the span sends or accepts,
// with signalling present.
func (s *Span) FrameLength() int {
	return tdmoe.ExpectedLength(protocol.FLAG_SIGBITS_PRESENT, s.Channels(), s.mgr.cfg.ChunkSize)
}

// IsMaster returns true while the span is the dynamic timing master
func (s *Span) IsMaster() bool { return s.master.Load() }

func (s *Span) UseCount() int { return int(s.usecount.Load()) }

// State returns the lifecycle state
func (s *Span) State() string { return s.lifecycle.Current() }

func (s *Span) dead() bool { return !s.lifecycle.Is(StateActive) }

func (s *Span) released() bool { return s.lifecycle.Is(StateReleased) }

// eligible reports whether the span may be elected timing master
func (s *Span) eligible() bool {
	return s.Timing() != 0 && s.hs.Alarms() == host.ALARM_NONE && !s.dead()
}

func (s *Span) event(name string) {
	if err := s.lifecycle.Event(context.Background(), name); err != nil {
		s.logger.Warn("lifecycle transition failed", "event", name, "state", s.State(), "error", err)
	}
}

// SetTiming changes the timing priority and re-runs master election
func (s *Span) SetTiming(timing int) error {
	if timing < 0 {
		return fmt.Errorf("%w: timing priority %d", ErrInvalidArgument, timing)
	}
	s.timing.Store(int32(timing))
	s.mgr.CheckMaster()
	return nil
}

// Release drops a reference taken with Manager.Acquire. The last release of
// a dead span tears it down.
func (s *Span) Release() {
	n := s.usecount.Add(-1)
	if n < 0 {
		s.usecount.Store(0)
		s.logger.Warn("release without acquire")
		return
	}
	if n == 0 && s.lifecycle.Is(StateDead) {
		s.mgr.reap(s)
	}
}

// Receive validates an inbound message and applies it to the span. Invalid
// messages are dropped and the error returned; span state is not touched.
func (s *Span) Receive(msg []byte) error {
	m := s.mgr
	_, rd := m.spans.readLock()
	defer m.spans.readUnlock(rd)

	if s.released() {
		return fmt.Errorf("%s: %w", s.Name(), ErrNotFound)
	}

	s.mu.Lock()

	hdr, err := tdmoe.ReadHeader(msg)
	if err != nil {
		err = s.frameError(protocol.ERR_SHORT|uint32(len(msg)), "short", &s.errShort, err)
		s.mu.Unlock()
		return err
	}

	if int(hdr.Samples) != m.cfg.ChunkSize {
		err = fmt.Errorf("%w: got %d, want %d", tdmoe.ErrBadSampleCount, hdr.Samples, m.cfg.ChunkSize)
		err = s.frameError(protocol.ERR_NSAMP|uint32(hdr.Samples), "nsamp", &s.errNsamp, err)
		s.mu.Unlock()
		return err
	}

	nchans := s.Channels()
	if int(hdr.Channels) != nchans {
		err = fmt.Errorf("%w: got %d, want %d", tdmoe.ErrBadChannelCount, hdr.Channels, nchans)
		err = s.frameError(protocol.ERR_NCHAN|uint32(hdr.Channels), "nchan", &s.errNchan, err)
		s.mu.Unlock()
		return err
	}

	if err := s.rxFrame.Parse(msg, m.cfg.ChunkSize); err != nil {
		err = s.frameError(protocol.ERR_LEN|(uint32(len(msg))&protocol.ERR_VALUE_MASK), "len", &s.errLen, err)
		s.mu.Unlock()
		return err
	}

	if s.lastErr != 0 {
		s.logger.Info("receiving valid frames again", "last_error", fmt.Sprintf("0x%x", s.lastErr))
		s.lastErr = 0
	}

	if s.rxFrame.Signalling != nil {
		for i, ch := range s.hs.Channels {
			if ch.IsClear() {
				continue
			}
			if bits := s.rxFrame.Signalling[i]; bits != ch.RxSig() {
				m.host.DispatchSignalling(ch, bits)
			}
		}
	}

	for i, ch := range s.hs.Channels {
		copy(ch.ReadChunk, s.rxFrame.Chunk(i))
	}

	if s.rxSeqValid && hdr.Sequence != s.rxSeq+1 {
		s.seqMismatch.Add(1)
		m.metrics.SequenceMismatch()
		if !s.outOfSeq {
			s.logger.Warn("sequence mismatch, frames lost or reordered",
				"expected", s.rxSeq+1, "got", hdr.Sequence)
		}
		s.outOfSeq = true
	} else {
		s.outOfSeq = false
	}
	s.rxSeq = hdr.Sequence
	s.rxSeqValid = true
	s.rxStamp = m.cfg.Now()

	oldAlarms := s.hs.Alarms()
	newAlarms := oldAlarms &^ (host.ALARM_RED | host.ALARM_YELLOW)
	if hdr.YellowAlarm() {
		newAlarms |= host.ALARM_YELLOW
	}
	changed := newAlarms != oldAlarms
	if changed {
		s.hs.SetAlarms(newAlarms)
	}
	s.mu.Unlock()

	s.rxFrames.Add(1)
	m.metrics.FrameReceived(s.Driver())

	if changed {
		s.alarmChanged(newAlarms)
		m.CheckMaster()
	}

	if s.IsMaster() {
		m.trigger()
	}
	return nil
}

// frameError records a dropped frame. The log line is emitted only when the
// error code differs from the previous one. Called with mu held.
func (s *Span) frameError(code uint32, kind string, counter *atomic.Uint64, err error) error {
	counter.Add(1)
	s.mgr.metrics.FrameError(kind)
	if code != s.lastErr {
		s.logger.Warn("dropping frame", "code", fmt.Sprintf("0x%x", code), "error", err)
		s.lastErr = code
	}
	return fmt.Errorf("%s: %w", s.Name(), err)
}

func (s *Span) alarmChanged(alarms uint32) {
	s.alarmChanges.Add(1)
	s.mgr.metrics.AlarmChanged(host.AlarmString(alarms))
	s.logger.Info("alarm state changed", "alarms", host.AlarmString(alarms))
	s.mgr.host.NotifyAlarm(s.hs)
}

// transmit runs one span's half of the run cycle: echo cancel, exchange
// chunks with the host, then build and send the message.
func (s *Span) transmit() {
	m := s.mgr

	s.mu.Lock()
	for _, ch := range s.hs.Channels {
		m.host.EchoCancel(ch, ch.ReadChunk, ch.SavedWriteChunk)
		copy(ch.SavedWriteChunk, ch.WriteChunk)
	}
	m.host.ReceiveChunk(s.hs)
	m.host.TransmitChunk(s.hs)

	f := &s.txFrame
	f.Flags = 0
	if s.hs.Alarms()&host.ALARM_RED != 0 {
		f.Flags |= protocol.FLAG_YELLOW_ALARM
	}
	f.Sequence = uint16(s.txSeq.Load())

	f.Signalling = nil
	for _, ch := range s.hs.Channels {
		if !ch.IsClear() {
			f.Signalling = s.signalling()
			break
		}
	}
	for i, ch := range s.hs.Channels {
		copy(f.Payload[i*m.cfg.ChunkSize:], ch.WriteChunk)
	}
	s.txBuf = f.AppendTo(s.txBuf[:0])
	s.mu.Unlock()

	s.txSeq.Store(uint32(f.Sequence + 1))

	if err := s.link.Transmit(s.txBuf); err != nil {
		m.metrics.TransportError(s.Driver())
		s.logger.Debug("transmit failed", "error", err)
		return
	}
	s.txFrames.Add(1)
	m.metrics.FrameTransmitted(s.Driver())
}

func (s *Span) signalling() []uint8 {
	sig := make([]uint8, len(s.hs.Channels))
	for i, ch := range s.hs.Channels {
		if !ch.IsClear() {
			sig[i] = ch.TxSig()
		}
	}
	return sig
}

// checkAlarm raises red alarm when no frame arrived within the liveness
// timeout. It returns true if the alarm state changed.
func (s *Span) checkAlarm(now time.Time) bool {
	s.mu.Lock()
	alarms := s.hs.Alarms()
	stale := now.Sub(s.rxStamp) > s.mgr.cfg.LivenessTimeout
	changed := stale && alarms&host.ALARM_RED == 0
	if changed {
		alarms |= host.ALARM_RED
		s.hs.SetAlarms(alarms)
	}
	s.mu.Unlock()

	if changed {
		s.alarmChanged(alarms)
	}
	return changed
}

// SpanStats is a snapshot of one span's state and counters
type SpanStats struct {
	Number        int    `json:"number"`
	Name          string `json:"name"`
	Driver        string `json:"driver"`
	Address       string `json:"address"`
	Channels      int    `json:"channels"`
	Timing        int    `json:"timing"`
	Master        bool   `json:"master"`
	State         string `json:"state"`
	UseCount      int    `json:"usecount"`
	Alarms        string `json:"alarms"`
	TxSequence    uint16 `json:"tx_sequence"`
	RxSequence    uint16 `json:"rx_sequence"`
	LastError     uint32 `json:"last_error"`
	RxFrames      uint64 `json:"rx_frames"`
	TxFrames      uint64 `json:"tx_frames"`
	SeqMismatches uint64 `json:"seq_mismatches"`
	ErrShort      uint64 `json:"err_short"`
	ErrNsamp      uint64 `json:"err_nsamp"`
	ErrNchan      uint64 `json:"err_nchan"`
	ErrLen        uint64 `json:"err_len"`
	AlarmChanges  uint64 `json:"alarm_changes"`
}

func (s *Span) Stats() SpanStats {
	s.mu.Lock()
	rxSeq, lastErr := s.rxSeq, s.lastErr
	s.mu.Unlock()

	return SpanStats{
		Number:        s.Number(),
		Name:          s.Name(),
		Driver:        s.Driver(),
		Address:       s.address,
		Channels:      s.Channels(),
		Timing:        s.Timing(),
		Master:        s.IsMaster(),
		State:         s.State(),
		UseCount:      s.UseCount(),
		Alarms:        host.AlarmString(s.hs.Alarms()),
		TxSequence:    uint16(s.txSeq.Load()),
		RxSequence:    rxSeq,
		LastError:     lastErr,
		RxFrames:      s.rxFrames.Load(),
		TxFrames:      s.txFrames.Load(),
		SeqMismatches: s.seqMismatch.Load(),
		ErrShort:      s.errShort.Load(),
		ErrNsamp:      s.errNsamp.Load(),
		ErrNchan:      s.errNchan.Load(),
		ErrLen:        s.errLen.Load(),
		AlarmChanges:  s.alarmChanges.Load(),
	}
}

// IsFramingError reports whether err came from inbound frame validation
func IsFramingError(err error) bool {
	return errors.Is(err, tdmoe.ErrHeaderTooShort) ||
		errors.Is(err, tdmoe.ErrBadSampleCount) ||
		errors.Is(err, tdmoe.ErrBadChannelCount) ||
		errors.Is(err, tdmoe.ErrBadLength)
}
