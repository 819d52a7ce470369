// Package loc is the in-process peer-link transport. Endpoints sharing a
// key are paired as read-write peers and delivery is synchronous.
//
// Address format: <key>:<id>[:<monitor>], all decimal 16-bit values. The
// optional monitor names another member of the same key that receives a
// copy of everything this endpoint transmits.
package loc

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/dbehnke/dyntdm/internal/dynamic"
)

const DRIVER_NAME = "loc"

var (
	ErrBadAddress = errors.New("bad loc address")
	ErrDuplicate  = errors.New("loc endpoint already bound")
)

type address struct {
	key        uint16
	id         uint16
	monitor    uint16
	hasMonitor bool
}

func parseAddress(s string) (address, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return address{}, fmt.Errorf("%w: %q, want key:id[:monitor]", ErrBadAddress, s)
	}

	var vals [3]uint16
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return address{}, fmt.Errorf("%w: %q: %v", ErrBadAddress, s, err)
		}
		vals[i] = uint16(v)
	}

	a := address{key: vals[0], id: vals[1]}
	if len(parts) == 3 {
		a.monitor = vals[2]
		a.hasMonitor = true
	}
	return a, nil
}

// Driver is the loc transport
type Driver struct {
	logger *slog.Logger

	mu      sync.Mutex
	members []*endpoint
}

func New(logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{logger: logger.With("component", "loc")}
}

func (d *Driver) Name() string { return DRIVER_NAME }

// Create binds span to the address and pairs it with the first unpaired
// member of the same key.
func (d *Driver) Create(span *dynamic.Span, addr string) (dynamic.Link, error) {
	a, err := parseAddress(addr)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, m := range d.members {
		if m.key == a.key && m.id == a.id {
			return nil, fmt.Errorf("%w: %d:%d", ErrDuplicate, a.key, a.id)
		}
	}

	e := &endpoint{address: a, driver: d, span: span}
	for _, m := range d.members {
		if m.key == a.key && m.peer == nil {
			e.peer = m
			m.peer = e
			d.logger.Info("paired", "key", a.key, "id", a.id, "peer", m.id)
			break
		}
	}
	d.members = append(d.members, e)
	return e, nil
}

func (d *Driver) member(key, id uint16) *endpoint {
	for _, m := range d.members {
		if m.key == key && m.id == id {
			return m
		}
	}
	return nil
}

type endpoint struct {
	address
	driver *Driver
	span   *dynamic.Span
	peer   *endpoint
}

// Transmit delivers msg to the peer and the monitor, if bound. Delivery
// happens outside the driver lock so receivers may transmit in turn.
func (e *endpoint) Transmit(msg []byte) error {
	d := e.driver

	var targets [2]*dynamic.Span
	d.mu.Lock()
	if e.peer != nil {
		targets[0] = e.peer.span
	}
	if e.hasMonitor {
		if m := d.member(e.key, e.monitor); m != nil && m != e.peer {
			targets[1] = m.span
		}
	}
	d.mu.Unlock()

	for _, span := range targets {
		if span == nil {
			continue
		}
		if err := span.Receive(msg); err != nil {
			d.logger.Debug("delivery rejected", "from", e.span.Name(), "to", span.Name(), "error", err)
		}
	}
	return nil
}

func (e *endpoint) Destroy() {
	d := e.driver
	d.mu.Lock()
	defer d.mu.Unlock()

	if e.peer != nil {
		e.peer.peer = nil
		e.peer = nil
	}
	for i, m := range d.members {
		if m == e {
			d.members = append(d.members[:i], d.members[i+1:]...)
			break
		}
	}
}

// Members returns the bound addresses in creation order
func (d *Driver) Members() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]string, 0, len(d.members))
	for _, m := range d.members {
		out = append(out, fmt.Sprintf("%d:%d", m.key, m.id))
	}
	return out
}
