// Package dynamic implements dynamic spans: virtual local spans whose
// channels are carried to a remote peer over a pluggable transport. The
// Manager owns the driver and span registries, elects the timing master and
// drives the periodic transmit cycle.
package dynamic

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dbehnke/dyntdm/internal/metrics"
	"github.com/dbehnke/dyntdm/internal/protocol"
)

// Config holds engine settings. Zero fields take defaults.
type Config struct {
	ChunkSize       int
	MaxChannels     int // Spans carry 1..MaxChannels-1 channels
	MaxSpans        int
	LivenessTimeout time.Duration

	// Deferred runs the transmit cycle on a worker goroutine instead of
	// inline in the triggering caller.
	Deferred bool

	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *metrics.Collector
	Loader  Loader
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	// Values the frame header cannot carry fall back to the defaults
	if c.ChunkSize <= 0 || c.ChunkSize > protocol.MAX_CHUNK_SIZE {
		if c.ChunkSize != 0 {
			c.Logger.Warn("chunk size out of range, using default", "chunk_size", c.ChunkSize, "default", protocol.CHUNK_SIZE)
		}
		c.ChunkSize = protocol.CHUNK_SIZE
	}
	if c.MaxChannels < 2 || c.MaxChannels > protocol.MAX_CHANNEL_LIMIT {
		if c.MaxChannels != 0 {
			c.Logger.Warn("max channels out of range, using default", "max_channels", c.MaxChannels, "default", protocol.MAX_CHANNELS)
		}
		c.MaxChannels = protocol.MAX_CHANNELS
	}
	if c.MaxSpans == 0 {
		c.MaxSpans = protocol.MAX_SPANS
	}
	if c.LivenessTimeout == 0 {
		c.LivenessTimeout = protocol.LIVENESS_TIMEOUT
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Manager is the dynamic span engine
type Manager struct {
	cfg     Config
	host    Host
	logger  *slog.Logger
	metrics *metrics.Collector

	mu      sync.Mutex // Serializes span registry changes
	drvMu   sync.Mutex // Serializes driver registry changes
	electMu sync.Mutex

	spans   *rcuList[*Span]
	drivers *rcuList[Driver]
	master  atomic.Pointer[Span]

	pending atomic.Bool
	kick    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool

	scheduled     atomic.Uint64
	runs          atomic.Uint64
	overruns      atomic.Uint64
	elections     atomic.Uint64
	masterChanges atomic.Uint64
}

// NewManager creates an engine bound to h. With cfg.Deferred set a worker
// goroutine is started; Close stops it.
func NewManager(h Host, cfg Config) *Manager {
	cfg.setDefaults()
	m := &Manager{
		cfg:     cfg,
		host:    h,
		logger:  cfg.Logger.With("component", "dynamic"),
		metrics: cfg.Metrics,
		spans:   newRCUList[*Span](),
		drivers: newRCUList[Driver](),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if cfg.Deferred {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

// RegisterDriver adds a transport backend
func (m *Manager) RegisterDriver(d Driver) error {
	m.drvMu.Lock()
	defer m.drvMu.Unlock()

	if m.driver(d.Name()) != nil {
		return fmt.Errorf("driver %q: %w", d.Name(), ErrAlreadyExists)
	}
	m.drivers.add(d)
	m.logger.Info("registered driver", "driver", d.Name())
	return nil
}

// UnregisterDriver removes a transport backend. Its unused spans are torn
// down; spans still in use are marked dead and torn down on last release.
func (m *Manager) UnregisterDriver(d Driver) error {
	m.drvMu.Lock()
	removed := m.drivers.remove(d)
	m.drvMu.Unlock()
	if !removed {
		return fmt.Errorf("driver %q: %w", d.Name(), ErrNoSuchDriver)
	}
	m.drivers.synchronize()

	m.mu.Lock()
	var links []Link
	for _, s := range m.spans.load() {
		if s.driver != d || s.dead() {
			continue
		}
		s.master.Store(false)
		links = append(links, s.link)
		if s.UseCount() == 0 {
			m.spans.remove(s)
			m.host.UnregisterSpan(s.hs)
			s.event(eventDestroy)
		} else {
			s.event(eventKill)
			s.logger.Info("span in use, marked dead")
			// A Release racing the kill may have seen the span still active
			if s.UseCount() == 0 {
				m.reapLocked(s)
			}
		}
	}
	m.spans.synchronize()
	for _, link := range links {
		link.Destroy()
	}
	m.metrics.SetSpans(len(m.spans.load()))
	m.mu.Unlock()

	m.CheckMaster()
	m.logger.Info("unregistered driver", "driver", d.Name(), "spans", len(links))
	return nil
}

func (m *Manager) driver(name string) Driver {
	for _, d := range m.drivers.load() {
		if d.Name() == name {
			return d
		}
	}
	return nil
}

func (m *Manager) lookupDriver(name string) (Driver, error) {
	if d := m.driver(name); d != nil {
		return d, nil
	}
	if m.cfg.Loader != nil {
		if err := m.cfg.Loader(name); err != nil {
			m.logger.Warn("driver load failed", "driver", name, "error", err)
		} else if d := m.driver(name); d != nil {
			return d, nil
		}
	}
	return nil, fmt.Errorf("driver %q: %w", name, ErrNoSuchDriver)
}

// find returns the live span bound to (driver, address)
func (m *Manager) find(driver, address string) *Span {
	for _, s := range m.spans.load() {
		if s.Driver() == driver && s.address == address && !s.dead() {
			return s
		}
	}
	return nil
}

// Create builds a dynamic span, binds its transport address and registers
// it with the host. It returns the host span number.
func (m *Manager) Create(spec SpanSpec) (int, error) {
	if spec.Channels < 1 || spec.Channels >= m.cfg.MaxChannels {
		return 0, fmt.Errorf("%w: %d channels, want 1..%d", ErrInvalidArgument, spec.Channels, m.cfg.MaxChannels-1)
	}
	if spec.Timing < 0 {
		return 0, fmt.Errorf("%w: timing priority %d", ErrInvalidArgument, spec.Timing)
	}

	d, err := m.lookupDriver(spec.Driver)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.find(spec.Driver, spec.Address) != nil {
		return 0, fmt.Errorf("%s/%s: %w", spec.Driver, spec.Address, ErrAlreadyExists)
	}
	if len(m.spans.load()) >= m.cfg.MaxSpans {
		return 0, fmt.Errorf("%w: %d spans", ErrOutOfMemory, m.cfg.MaxSpans)
	}

	s := newSpan(m, d, spec)
	link, err := d.Create(s, spec.Address)
	if err != nil {
		return 0, fmt.Errorf("%w: %s address %q: %w", ErrInvalidArgument, spec.Driver, spec.Address, err)
	}
	s.link = link

	if err := m.host.RegisterSpan(s.hs); err != nil {
		link.Destroy()
		return 0, fmt.Errorf("%w: %w", ErrOutOfMemory, err)
	}
	m.spans.add(s)
	m.metrics.SetSpans(len(m.spans.load()))

	s.logger.Info("created dynamic span", "number", s.Number(), "channels", spec.Channels, "timing", spec.Timing)
	m.CheckMaster()
	return s.Number(), nil
}

// Destroy tears down the span bound to (driver, address). Spans in use are
// left untouched and ErrBusy is returned.
func (m *Manager) Destroy(driver, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.find(driver, address)
	if s == nil {
		return fmt.Errorf("%s/%s: %w", driver, address, ErrNotFound)
	}
	if n := s.UseCount(); n > 0 {
		return fmt.Errorf("%s/%s used %d times: %w", driver, address, n, ErrBusy)
	}

	m.destroyLocked(s)
	m.CheckMaster()
	return nil
}

func (m *Manager) destroyLocked(s *Span) {
	s.master.Store(false)
	m.spans.remove(s)
	m.host.UnregisterSpan(s.hs)
	m.spans.synchronize()
	s.link.Destroy()
	s.event(eventDestroy)
	m.metrics.SetSpans(len(m.spans.load()))
	s.logger.Info("destroyed dynamic span")
}

// reap frees a dead span after its last release
func (m *Manager) reap(s *Span) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(s)
}

func (m *Manager) reapLocked(s *Span) {
	if !s.lifecycle.Is(StateDead) || s.UseCount() != 0 {
		return
	}
	m.spans.remove(s)
	m.host.UnregisterSpan(s.hs)
	s.event(eventReap)
	m.metrics.SetSpans(len(m.spans.load()))
	s.logger.Info("reaped dead span")
}

// Acquire takes a reference on a span, preventing Destroy until Release
func (m *Manager) Acquire(driver, address string) (*Span, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.find(driver, address)
	if s == nil {
		return nil, fmt.Errorf("%s/%s: %w", driver, address, ErrNotFound)
	}
	s.usecount.Add(1)
	return s, nil
}

// SetTiming changes a span's timing priority and re-elects the master
func (m *Manager) SetTiming(driver, address string, timing int) error {
	s := m.Lookup(driver, address)
	if s == nil {
		return fmt.Errorf("%s/%s: %w", driver, address, ErrNotFound)
	}
	return s.SetTiming(timing)
}

// Lookup returns the live span bound to (driver, address), or nil
func (m *Manager) Lookup(driver, address string) *Span {
	spans, rd := m.spans.readLock()
	defer m.spans.readUnlock(rd)

	for _, s := range spans {
		if s.Driver() == driver && s.address == address && !s.dead() {
			return s
		}
	}
	return nil
}

// Master returns the current timing master, or nil
func (m *Manager) Master() *Span {
	return m.master.Load()
}

// CheckMaster elects the eligible span with the lowest timing priority as
// master; ties go to the span registered first.
func (m *Manager) CheckMaster() {
	m.electMu.Lock()
	defer m.electMu.Unlock()

	spans, rd := m.spans.readLock()
	defer m.spans.readUnlock(rd)

	var best *Span
	for _, s := range spans {
		if !s.eligible() {
			continue
		}
		if best == nil || s.Timing() < best.Timing() {
			best = s
		}
	}
	for _, s := range spans {
		s.master.Store(s == best)
	}
	m.elections.Add(1)

	old := m.master.Swap(best)
	if old == best {
		return
	}
	m.masterChanges.Add(1)
	if best == nil {
		m.metrics.MasterChanged(0)
		m.logger.Info("no dynamic timing master, using external tick")
		return
	}
	m.metrics.MasterChanged(best.Number())
	m.logger.Info("new dynamic timing master", "span", best.Name(), "timing", best.Timing())
}

// CheckAlarms raises red alarm on every span that has not received a frame
// within the liveness timeout, then re-elects the master if anything changed.
func (m *Manager) CheckAlarms() {
	now := m.cfg.Now()
	changed := false

	spans, rd := m.spans.readLock()
	for _, s := range spans {
		if s.dead() {
			continue
		}
		if s.checkAlarm(now) {
			changed = true
		}
	}
	m.spans.readUnlock(rd)

	if changed {
		m.CheckMaster()
	}
}

// Tick is the external per-tick hook. It runs the transmit cycle only while
// no dynamic span is the timing master.
func (m *Manager) Tick() {
	if m.master.Load() == nil {
		m.trigger()
	}
}

// Run triggers one transmit cycle
func (m *Manager) Run() {
	m.trigger()
}

// trigger schedules a run. A run already pending or in flight absorbs the
// trigger, which is counted as an overrun.
func (m *Manager) trigger() {
	if m.closed.Load() {
		return
	}
	m.scheduled.Add(1)
	if !m.pending.CompareAndSwap(false, true) {
		m.overruns.Add(1)
		m.metrics.Overrun()
		return
	}

	if m.cfg.Deferred {
		select {
		case m.kick <- struct{}{}:
		default:
			m.pending.Store(false)
		}
		return
	}

	m.run()
	m.pending.Store(false)
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case <-m.kick:
			m.run()
			m.pending.Store(false)
		}
	}
}

func (m *Manager) run() {
	spans, rd := m.spans.readLock()
	defer m.spans.readUnlock(rd)

	for _, s := range spans {
		if s.dead() {
			continue
		}
		s.transmit()
	}

	drivers, drd := m.drivers.readLock()
	for _, d := range drivers {
		if f, ok := d.(Flusher); ok {
			if err := f.Flush(); err != nil {
				m.metrics.TransportError(d.Name())
				m.logger.Debug("flush failed", "driver", d.Name(), "error", err)
			}
		}
	}
	m.drivers.readUnlock(drd)

	m.runs.Add(1)
	m.metrics.Run()
}

// Close stops the worker, tears down every span and unregisters every
// driver. Drivers implementing io.Closer are closed.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(m.done)
	m.wg.Wait()

	m.mu.Lock()
	for _, s := range m.spans.load() {
		if s.dead() {
			m.spans.remove(s)
			m.host.UnregisterSpan(s.hs)
			s.event(eventReap)
			continue
		}
		m.destroyLocked(s)
	}
	m.mu.Unlock()
	m.CheckMaster()

	var firstErr error
	for _, d := range m.drivers.load() {
		if err := m.UnregisterDriver(d); err != nil && firstErr == nil {
			firstErr = err
		}
		if c, ok := d.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Stats is a snapshot of engine counters
type Stats struct {
	Spans         int    `json:"spans"`
	Master        string `json:"master,omitempty"`
	Scheduled     uint64 `json:"scheduled"`
	Runs          uint64 `json:"runs"`
	Overruns      uint64 `json:"overruns"`
	Elections     uint64 `json:"elections"`
	MasterChanges uint64 `json:"master_changes"`
}

func (m *Manager) Stats() Stats {
	st := Stats{
		Spans:         len(m.spans.load()),
		Scheduled:     m.scheduled.Load(),
		Runs:          m.runs.Load(),
		Overruns:      m.overruns.Load(),
		Elections:     m.elections.Load(),
		MasterChanges: m.masterChanges.Load(),
	}
	if master := m.master.Load(); master != nil {
		st.Master = master.Name()
	}
	return st
}

// Spans returns a snapshot of every registered span in registration order
func (m *Manager) Spans() []SpanStats {
	spans, rd := m.spans.readLock()
	defer m.spans.readUnlock(rd)

	out := make([]SpanStats, 0, len(spans))
	for _, s := range spans {
		out = append(out, s.Stats())
	}
	return out
}
