package dynamic

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dbehnke/dyntdm/internal/host"
	"github.com/dbehnke/dyntdm/internal/protocol"
	"github.com/dbehnke/dyntdm/internal/protocol/tdmoe"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeLink struct {
	mu         sync.Mutex
	span       *Span
	sent       [][]byte
	destroyed  bool
	onTransmit func()
}

func (l *fakeLink) Transmit(msg []byte) error {
	l.mu.Lock()
	l.sent = append(l.sent, bytes.Clone(msg))
	hook := l.onTransmit
	l.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (l *fakeLink) Destroy() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.destroyed = true
}

func (l *fakeLink) Sent() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.sent...)
}

func (l *fakeLink) Destroyed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.destroyed
}

type fakeDriver struct {
	name    string
	mu      sync.Mutex
	links   map[string]*fakeLink
	flushes int
}

func newFakeDriver(name string) *fakeDriver {
	return &fakeDriver{name: name, links: make(map[string]*fakeLink)}
}

func (d *fakeDriver) Name() string { return d.name }

func (d *fakeDriver) Create(span *Span, address string) (Link, error) {
	if address == "bad" {
		return nil, errors.New("malformed address")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	l := &fakeLink{span: span}
	d.links[address] = l
	return l, nil
}

func (d *fakeDriver) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushes++
	return nil
}

func (d *fakeDriver) Link(address string) *fakeLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.links[address]
}

func (d *fakeDriver) Flushes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushes
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEngine struct {
	m     *Manager
	core  *host.Core
	drv   *fakeDriver
	clock *fakeClock
}

func newTestEngine(mutate func(*Config)) *testEngine {
	clock := newFakeClock()
	cfg := Config{Now: clock.Now, Logger: discardLogger()}
	if mutate != nil {
		mutate(&cfg)
	}
	core := host.NewCore(cfg.Logger)
	m := NewManager(core, cfg)
	drv := newFakeDriver("fake")
	if err := m.RegisterDriver(drv); err != nil {
		panic(err)
	}
	return &testEngine{m: m, core: core, drv: drv, clock: clock}
}

// frame builds a valid message for a span of nchans channels
func frame(nchans int, seq uint16, flags uint8, sig []uint8) []byte {
	f := tdmoe.Frame{
		Header: tdmoe.Header{
			Samples:  protocol.CHUNK_SIZE,
			Flags:    flags,
			Sequence: seq,
			Channels: uint16(nchans),
		},
		Signalling: sig,
		Payload:    make([]byte, nchans*protocol.CHUNK_SIZE),
	}
	for i := range f.Payload {
		f.Payload[i] = byte(i)
	}
	return f.Build()
}
