//go:build linux

package eth

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"

	"github.com/dbehnke/dyntdm/internal/protocol"
)

const pollInterval = 100 * 1000 // SO_RCVTIMEO in microseconds

type packetSocket struct {
	fd   int
	intf *net.Interface
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

// dethFilter accepts only frames carrying the dynamic span ethertype
func dethFilter() ([]bpf.RawInstruction, error) {
	return bpf.Assemble([]bpf.Instruction{
		// Load ethertype
		bpf.LoadAbsolute{Off: 12, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: protocol.ETH_P_DAHDI_DETH, SkipTrue: 1},
		bpf.RetConstant{Val: 0xffff},
		bpf.RetConstant{Val: 0},
	})
}

// OpenPacket opens an AF_PACKET socket bound to device and the dynamic span
// ethertype. It needs CAP_NET_RAW.
func OpenPacket(device string) (Medium, error) {
	intf, err := net.InterfaceByName(device)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", device, err)
	}

	proto := htons(protocol.ETH_P_DAHDI_DETH)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(proto))
	if err != nil {
		return nil, fmt.Errorf("packet socket: %w", err)
	}

	if err := attachFilter(fd); err != nil {
		unix.Close(fd)
		return nil, err
	}

	tv := unix.Timeval{Usec: pollInterval}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set receive timeout: %w", err)
	}

	sa := &unix.SockaddrLinklayer{Protocol: proto, Ifindex: intf.Index}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", device, err)
	}

	return &packetSocket{fd: fd, intf: intf}, nil
}

func attachFilter(fd int) error {
	raw, err := dethFilter()
	if err != nil {
		return fmt.Errorf("assemble filter: %w", err)
	}

	filter := make([]unix.SockFilter, len(raw))
	for i, ins := range raw {
		filter[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	prog := unix.SockFprog{Len: uint16(len(filter)), Filter: &filter[0]}
	if err := unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &prog); err != nil {
		return fmt.Errorf("attach filter: %w", err)
	}
	return nil
}

func (p *packetSocket) ReadFrame(buf []byte) (int, error) {
	n, _, err := unix.Recvfrom(p.fd, buf, 0)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return 0, ErrTimeout
		}
		return 0, err
	}
	return n, nil
}

func (p *packetSocket) WriteFrame(frame []byte) error {
	_, err := unix.Write(p.fd, frame)
	return err
}

func (p *packetSocket) HardwareAddr() net.HardwareAddr {
	return p.intf.HardwareAddr
}

func (p *packetSocket) Close() error {
	return unix.Close(p.fd)
}
