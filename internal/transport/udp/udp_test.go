package udp

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbehnke/dyntdm/internal/dynamic"
	"github.com/dbehnke/dyntdm/internal/host"
	"github.com/dbehnke/dyntdm/internal/transport"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type node struct {
	m   *dynamic.Manager
	drv *Driver
}

func newNode(t *testing.T) *node {
	t.Helper()
	drv, err := New(Config{Listen: "127.0.0.1:0", Logger: discard()})
	require.NoError(t, err)
	m := dynamic.NewManager(host.NewCore(discard()), dynamic.Config{Logger: discard()})
	require.NoError(t, m.RegisterDriver(drv))
	t.Cleanup(func() { _ = m.Close() })
	return &node{m: m, drv: drv}
}

func (n *node) create(t *testing.T, addr string) *dynamic.Span {
	t.Helper()
	_, err := n.m.Create(dynamic.SpanSpec{Driver: DRIVER_NAME, Address: addr, Channels: 4})
	require.NoError(t, err)
	return n.m.Lookup(DRIVER_NAME, addr)
}

func TestParseAddress(t *testing.T) {
	remote, sub, err := parseAddress("127.0.0.1:4000/9")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:4000", remote.String())
	assert.Equal(t, uint16(9), sub)

	_, sub, err = parseAddress("127.0.0.1:4001")
	require.NoError(t, err)
	assert.Zero(t, sub)

	for _, bad := range []string{"127.0.0.1", "127.0.0.1:0", "127.0.0.1:4000/", "127.0.0.1:4000/x", "127.0.0.1:port"} {
		_, _, err := parseAddress(bad)
		assert.ErrorIs(t, err, ErrBadAddress, bad)
	}
}

func TestUDP_PeersExchangeFrames(t *testing.T) {
	a := newNode(t)
	b := newNode(t)

	aAddr := a.drv.LocalAddr().String()
	bAddr := b.drv.LocalAddr().String()

	a1 := a.create(t, bAddr+"/1")
	a.create(t, bAddr+"/2")
	b1 := b.create(t, aAddr+"/1")
	b2 := b.create(t, aAddr+"/2")

	a1.Host().Channels[3].SetTxSig(0xA)
	a.m.Tick()

	assert.Eventually(t, func() bool {
		return b1.Stats().RxFrames == 1 && b2.Stats().RxFrames == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint8(0xA), b1.Host().Channels[3].RxSig())
	assert.Equal(t, uint8(0), b2.Host().Channels[3].RxSig())

	b.m.Tick()
	assert.Eventually(t, func() bool { return a1.Stats().RxFrames == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestUDP_StrayDatagram(t *testing.T) {
	b := newNode(t)
	b.create(t, "127.0.0.1:9/1")

	conn, err := net.DialUDP("udp4", nil, b.drv.LocalAddr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0, 1, 8, 0, 0, 0, 0, 4})
	require.NoError(t, err)
	_, err = conn.Write([]byte{0})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return b.drv.Stats().RxStray == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, b.drv.Stats().RxFrames)
}

func TestUDP_DuplicateAndDestroy(t *testing.T) {
	n := newNode(t)
	addr := fmt.Sprintf("127.0.0.1:%d/5", 4999)

	n.create(t, addr)
	_, err := n.drv.Create(nil, addr)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, 1, n.drv.Stats().Endpoints)

	require.NoError(t, n.m.Destroy(DRIVER_NAME, addr))
	assert.Zero(t, n.drv.Stats().Endpoints)

	n.create(t, addr)
}

func TestUDP_QueueFull(t *testing.T) {
	d, err := New(Config{Listen: "127.0.0.1:0", QueueSize: 64, Logger: discard()})
	require.NoError(t, err)
	defer d.Close()

	link, err := d.Create(nil, "127.0.0.1:4999")
	require.NoError(t, err)

	require.NoError(t, link.Transmit(make([]byte, 40)))
	assert.Error(t, link.Transmit(make([]byte, 40)))
	require.NoError(t, d.Flush())
	require.NoError(t, link.Transmit(make([]byte, 40)))
}

func TestUDP_CreateRejectsOversizeSpan(t *testing.T) {
	n := newNode(t)

	_, err := n.m.Create(dynamic.SpanSpec{Driver: DRIVER_NAME, Address: "127.0.0.1:4999/1", Channels: 240})
	require.NoError(t, err, "2048 byte datagram fits")

	_, err = n.m.Create(dynamic.SpanSpec{Driver: DRIVER_NAME, Address: "127.0.0.1:4999/2", Channels: 244})
	assert.ErrorIs(t, err, dynamic.ErrInvalidArgument)
	assert.ErrorIs(t, err, transport.ErrFrameTooLarge)
	assert.Equal(t, 1, n.drv.Stats().Endpoints)
}
