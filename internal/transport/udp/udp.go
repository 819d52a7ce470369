// Package udp carries dynamic spans in UDP datagrams. All spans share one
// local socket; each datagram is a 2-byte sub-address followed by the
// message, and inbound datagrams are matched on (source address,
// sub-address).
//
// Address format: <host>:<port>[/<subaddr>].
package udp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dbehnke/dyntdm/internal/dynamic"
	"github.com/dbehnke/dyntdm/internal/metrics"
	"github.com/dbehnke/dyntdm/internal/protocol"
	"github.com/dbehnke/dyntdm/internal/transport"
)

const DRIVER_NAME = "udp"

var (
	ErrBadAddress = errors.New("bad udp address")
	ErrDuplicate  = errors.New("udp endpoint already bound")
)

type endpointKey struct {
	remote  string
	subaddr uint16
}

func parseAddress(s string) (*net.UDPAddr, uint16, error) {
	hostport, sub, hasSub := strings.Cut(s, "/")
	remote, err := ParseUDPAddr(hostport)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %q: %v", ErrBadAddress, s, err)
	}
	var subaddr uint16
	if hasSub {
		if subaddr, err = transport.ParseSubaddr(sub); err != nil || sub == "" {
			return nil, 0, fmt.Errorf("%w: %q: bad sub-address", ErrBadAddress, s)
		}
	}
	return remote, subaddr, nil
}

// Config for the udp transport. Zero fields take defaults.
type Config struct {
	Listen    string // host:port of the shared local socket
	QueueSize int    // Per-endpoint transmit queue in bytes
	Logger    *slog.Logger
	Metrics   *metrics.Collector
}

// Driver is the udp transport
type Driver struct {
	cfg    Config
	logger *slog.Logger
	sock   *Socket
	done   chan struct{}
	wg     sync.WaitGroup

	mu        sync.RWMutex
	endpoints map[endpointKey]*endpoint
	order     []*endpoint

	rxFrames atomic.Uint64
	rxStray  atomic.Uint64
}

// New opens the shared socket and starts the receive loop
func New(cfg Config) (*Driver, error) {
	if cfg.Listen == "" {
		cfg.Listen = ":" + strconv.Itoa(protocol.UDP_DEFAULT_PORT)
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 16 * protocol.BUFFER_LENGTH
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "udp")

	host, portStr, err := net.SplitHostPort(cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen address %q: %w", cfg.Listen, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("listen port %q: %w", portStr, err)
	}

	sock := NewSocket(host, port, logger)
	if err := sock.Open(); err != nil {
		return nil, err
	}

	d := &Driver{
		cfg:       cfg,
		logger:    logger,
		sock:      sock,
		done:      make(chan struct{}),
		endpoints: make(map[endpointKey]*endpoint),
	}
	d.wg.Add(1)
	go d.readLoop()
	return d, nil
}

func (d *Driver) Name() string { return DRIVER_NAME }

// LocalAddr returns the shared socket's bound address
func (d *Driver) LocalAddr() *net.UDPAddr { return d.sock.LocalAddr() }

func (d *Driver) Create(span *dynamic.Span, addr string) (dynamic.Link, error) {
	remote, subaddr, err := parseAddress(addr)
	if err != nil {
		return nil, err
	}
	if err := transport.CheckFrameSize(span, protocol.SUBADDR_LENGTH, protocol.BUFFER_LENGTH); err != nil {
		return nil, err
	}
	key := endpointKey{remote: remote.String(), subaddr: subaddr}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.endpoints[key] != nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, addr)
	}
	e := &endpoint{
		driver:  d,
		key:     key,
		remote:  remote,
		subaddr: subaddr,
		span:    span,
		queue:   transport.NewQueue(d.cfg.QueueSize, key.remote+" tx"),
	}
	d.endpoints[key] = e
	d.order = append(d.order, e)
	return e, nil
}

func (d *Driver) readLoop() {
	defer d.wg.Done()
	buf := make([]byte, protocol.BUFFER_LENGTH)

	for {
		select {
		case <-d.done:
			return
		default:
		}

		n, src, err := d.sock.Read(buf)
		if err != nil {
			select {
			case <-d.done:
				return
			default:
			}
			d.logger.Error("read failed", "error", err)
			return
		}
		if n > 0 {
			d.dispatch(src, buf[:n])
		}
	}
}

func (d *Driver) dispatch(src *net.UDPAddr, data []byte) {
	subaddr, msg, err := transport.SplitSubaddr(data)
	if err != nil {
		d.rxStray.Add(1)
		return
	}

	d.mu.RLock()
	e := d.endpoints[endpointKey{remote: src.String(), subaddr: subaddr}]
	d.mu.RUnlock()
	if e == nil {
		d.rxStray.Add(1)
		return
	}

	d.rxFrames.Add(1)
	if err := e.span.Receive(msg); err != nil {
		d.logger.Debug("datagram rejected", "span", e.span.Name(), "error", err)
	}
}

// Flush sends every endpoint's queued datagrams
func (d *Driver) Flush() error {
	d.mu.RLock()
	eps := append([]*endpoint(nil), d.order...)
	d.mu.RUnlock()

	var firstErr error
	for _, e := range eps {
		err := e.queue.Drain(func(p []byte) error {
			return d.sock.Write(p, e.remote)
		})
		if err != nil {
			d.cfg.Metrics.TransportError(DRIVER_NAME)
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", e.key.remote, err)
			}
		}
	}
	return firstErr
}

// Close stops the receive loop and closes the socket
func (d *Driver) Close() error {
	select {
	case <-d.done:
		return nil
	default:
	}
	close(d.done)
	d.wg.Wait()
	return d.sock.Close()
}

// Stats reports inbound datagram counters
type Stats struct {
	Endpoints int
	RxFrames  uint64
	RxStray   uint64
}

func (d *Driver) Stats() Stats {
	d.mu.RLock()
	n := len(d.endpoints)
	d.mu.RUnlock()
	return Stats{Endpoints: n, RxFrames: d.rxFrames.Load(), RxStray: d.rxStray.Load()}
}

type endpoint struct {
	driver  *Driver
	key     endpointKey
	remote  *net.UDPAddr
	subaddr uint16
	span    *dynamic.Span
	queue   *transport.Queue
}

func (e *endpoint) Transmit(msg []byte) error {
	if len(msg)+protocol.SUBADDR_LENGTH > protocol.BUFFER_LENGTH {
		return fmt.Errorf("message of %d bytes too large", len(msg))
	}
	packet := make([]byte, protocol.SUBADDR_LENGTH, protocol.SUBADDR_LENGTH+len(msg))
	transport.PutSubaddr(packet, e.subaddr)
	packet = append(packet, msg...)

	if !e.queue.Push(packet) {
		return fmt.Errorf("%s: transmit queue full", e.key.remote)
	}
	return nil
}

func (e *endpoint) Destroy() {
	d := e.driver
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.endpoints, e.key)
	for i, o := range d.order {
		if o == e {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}
