// Package eth carries dynamic spans over raw Ethernet (TDMoE). Each message
// travels in one Ethernet II frame with ethertype 0xd00d, prefixed by a
// 2-byte sub-address so several spans can share a pair of hosts.
//
// Address format: <device>/<mac>[/<subaddr>].
package eth

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/dbehnke/dyntdm/internal/dynamic"
	"github.com/dbehnke/dyntdm/internal/metrics"
	"github.com/dbehnke/dyntdm/internal/protocol"
	"github.com/dbehnke/dyntdm/internal/protocol/tdmoe"
	"github.com/dbehnke/dyntdm/internal/transport"
)

const DRIVER_NAME = "eth"

var (
	ErrBadAddress = errors.New("bad eth address")
	ErrDuplicate  = errors.New("eth endpoint already bound")
)

type address struct {
	device  string
	mac     net.HardwareAddr
	subaddr uint16
}

func parseAddress(s string) (address, error) {
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
		return address{}, fmt.Errorf("%w: %q, want device/mac[/subaddr]", ErrBadAddress, s)
	}

	mac, err := net.ParseMAC(parts[1])
	if err != nil || len(mac) != 6 {
		return address{}, fmt.Errorf("%w: %q: bad hardware address", ErrBadAddress, s)
	}

	a := address{device: parts[0], mac: mac}
	if len(parts) == 3 {
		if a.subaddr, err = transport.ParseSubaddr(parts[2]); err != nil {
			return address{}, fmt.Errorf("%w: %v", ErrBadAddress, err)
		}
	}
	return a, nil
}

// Frames shorter than this are zero padded on the wire
const minFrameLength = 60

// trimPadding cuts a padded message back to the length its header declares
func trimPadding(msg []byte) []byte {
	hdr, err := tdmoe.ReadHeader(msg)
	if err != nil {
		return msg
	}
	if n := tdmoe.ExpectedLength(hdr.Flags, int(hdr.Channels), int(hdr.Samples)); n < len(msg) {
		return msg[:n]
	}
	return msg
}

type endpointKey struct {
	mac     [6]byte
	subaddr uint16
}

func keyOf(mac net.HardwareAddr, subaddr uint16) endpointKey {
	var k endpointKey
	copy(k.mac[:], mac)
	k.subaddr = subaddr
	return k
}

// Config selects the medium and queue sizing. Zero fields take defaults.
type Config struct {
	Open      Opener
	QueueSize int
	Logger    *slog.Logger
	Metrics   *metrics.Collector
}

// Driver is the eth transport
type Driver struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	devices map[string]*device

	rxFrames atomic.Uint64
	rxStray  atomic.Uint64
}

func New(cfg Config) *Driver {
	if cfg.Open == nil {
		cfg.Open = OpenPacket
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = protocol.QUEUE_LENGTH
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Driver{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "eth"),
		devices: make(map[string]*device),
	}
}

func (d *Driver) Name() string { return DRIVER_NAME }

// Create binds span to (device, peer MAC, sub-address), opening the device
// on first use.
func (d *Driver) Create(span *dynamic.Span, addr string) (dynamic.Link, error) {
	a, err := parseAddress(addr)
	if err != nil {
		return nil, err
	}
	if err := transport.CheckFrameSize(span, protocol.ETH_HEADER_LEN+protocol.SUBADDR_LENGTH, protocol.ETH_HEADER_LEN+protocol.ETH_MTU); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	dev := d.devices[a.device]
	if dev == nil {
		medium, err := d.cfg.Open(a.device)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", a.device, err)
		}
		dev = d.startDevice(a.device, medium)
		d.devices[a.device] = dev
	}

	key := keyOf(a.mac, a.subaddr)
	if dev.lookup(key) != nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, addr)
	}

	e := &endpoint{driver: d, dev: dev, span: span, address: a}
	dev.add(key, e)
	return e, nil
}

func (d *Driver) startDevice(name string, medium Medium) *device {
	dev := &device{
		name:      name,
		medium:    medium,
		queue:     transport.NewQueue(d.cfg.QueueSize, name+" tx"),
		done:      make(chan struct{}),
		endpoints: make(map[endpointKey]*endpoint),
	}
	dev.wg.Add(1)
	go d.readLoop(dev)
	d.logger.Info("device opened", "device", name, "mac", medium.HardwareAddr())
	return dev
}

// stopDevice closes the medium and waits for the reader. It must be called
// without mu held: the reader may be inside a span's receive path, which
// can run a transmit cycle and flush this driver.
func (d *Driver) stopDevice(dev *device) {
	close(dev.done)
	if err := dev.medium.Close(); err != nil {
		d.logger.Warn("device close failed", "device", dev.name, "error", err)
	}
	dev.wg.Wait()
	d.logger.Info("device closed", "device", dev.name)
}

func (d *Driver) readLoop(dev *device) {
	defer dev.wg.Done()
	buf := make([]byte, protocol.BUFFER_LENGTH)

	for {
		n, err := dev.medium.ReadFrame(buf)
		select {
		case <-dev.done:
			return
		default:
		}
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				continue
			}
			d.logger.Error("device read failed", "device", dev.name, "error", err)
			return
		}
		d.dispatch(dev, buf[:n])
	}
}

// dispatch hands an inbound frame to the span bound to its source MAC and
// sub-address.
func (d *Driver) dispatch(dev *device, frame []byte) {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		d.rxStray.Add(1)
		return
	}
	if eth.EthernetType != layers.EthernetType(protocol.ETH_P_DAHDI_DETH) {
		d.rxStray.Add(1)
		return
	}
	subaddr, msg, err := transport.SplitSubaddr(eth.Payload)
	if err != nil {
		d.rxStray.Add(1)
		return
	}

	e := dev.lookup(keyOf(eth.SrcMAC, subaddr))
	if e == nil {
		d.rxStray.Add(1)
		return
	}
	if len(frame) == minFrameLength {
		msg = trimPadding(msg)
	}
	d.rxFrames.Add(1)
	if err := e.span.Receive(msg); err != nil {
		d.logger.Debug("frame rejected", "span", e.span.Name(), "error", err)
	}
}

// Flush sends every queued frame
func (d *Driver) Flush() error {
	d.mu.Lock()
	devs := make([]*device, 0, len(d.devices))
	for _, dev := range d.devices {
		devs = append(devs, dev)
	}
	d.mu.Unlock()

	var firstErr error
	for _, dev := range devs {
		err := dev.queue.Drain(dev.medium.WriteFrame)
		if err != nil {
			d.cfg.Metrics.TransportError(DRIVER_NAME)
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", dev.name, err)
			}
		}
	}
	return firstErr
}

// Close shuts every open device
func (d *Driver) Close() error {
	d.mu.Lock()
	devs := d.devices
	d.devices = make(map[string]*device)
	d.mu.Unlock()

	for _, dev := range devs {
		d.stopDevice(dev)
	}
	return nil
}

// Stats reports inbound frame counters
type Stats struct {
	Devices  int
	RxFrames uint64
	RxStray  uint64
}

func (d *Driver) Stats() Stats {
	d.mu.Lock()
	n := len(d.devices)
	d.mu.Unlock()
	return Stats{Devices: n, RxFrames: d.rxFrames.Load(), RxStray: d.rxStray.Load()}
}

type device struct {
	name   string
	medium Medium
	queue  *transport.Queue
	done   chan struct{}
	wg     sync.WaitGroup

	mu        sync.RWMutex
	endpoints map[endpointKey]*endpoint
}

func (dev *device) lookup(k endpointKey) *endpoint {
	dev.mu.RLock()
	defer dev.mu.RUnlock()
	return dev.endpoints[k]
}

func (dev *device) add(k endpointKey, e *endpoint) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.endpoints[k] = e
}

func (dev *device) remove(k endpointKey) int {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	delete(dev.endpoints, k)
	return len(dev.endpoints)
}

func (dev *device) count() int {
	dev.mu.RLock()
	defer dev.mu.RUnlock()
	return len(dev.endpoints)
}

type endpoint struct {
	address
	driver *Driver
	dev    *device
	span   *dynamic.Span
}

// Transmit wraps msg in an Ethernet frame addressed to the peer and queues it
// for the next Flush.
func (e *endpoint) Transmit(msg []byte) error {
	sub := make([]byte, protocol.SUBADDR_LENGTH)
	transport.PutSubaddr(sub, e.subaddr)

	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{},
		&layers.Ethernet{
			SrcMAC:       e.dev.medium.HardwareAddr(),
			DstMAC:       e.mac,
			EthernetType: layers.EthernetType(protocol.ETH_P_DAHDI_DETH),
		},
		gopacket.Payload(append(sub, msg...)),
	)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	if len(buf.Bytes()) > protocol.ETH_HEADER_LEN+protocol.ETH_MTU {
		return fmt.Errorf("frame of %d bytes exceeds MTU", len(buf.Bytes()))
	}
	if !e.dev.queue.Push(buf.Bytes()) {
		return fmt.Errorf("%s: transmit queue full", e.dev.name)
	}
	return nil
}

func (e *endpoint) Destroy() {
	d := e.driver
	d.mu.Lock()
	last := e.dev.remove(keyOf(e.mac, e.subaddr)) == 0 && d.devices[e.dev.name] == e.dev
	if last {
		delete(d.devices, e.dev.name)
	}
	d.mu.Unlock()

	if last {
		d.stopDevice(e.dev)
	}
}
