package udp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"
)

// Socket is an IPv4 UDP socket with bounded-wait reads
type Socket struct {
	conn        *net.UDPConn
	address     string
	port        int
	localAddr   *net.UDPAddr
	readTimeout time.Duration
	logger      *slog.Logger
}

// NewSocket creates a socket bound to address:port once opened. An empty
// address binds every interface; port 0 picks an ephemeral port.
func NewSocket(address string, port int, logger *slog.Logger) *Socket {
	if logger == nil {
		logger = slog.Default()
	}
	return &Socket{
		address:     address,
		port:        port,
		readTimeout: 100 * time.Millisecond,
		logger:      logger,
	}
}

// Open binds the socket
func (s *Socket) Open() error {
	s.localAddr = &net.UDPAddr{IP: net.IPv4zero, Port: s.port}
	if s.address != "" {
		s.localAddr.IP = net.ParseIP(s.address)
		if s.localAddr.IP == nil {
			return fmt.Errorf("invalid address: %s", s.address)
		}
	}

	conn, err := net.ListenUDP("udp4", s.localAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.localAddr, err)
	}
	s.conn = conn

	s.logger.Info("UDP socket bound", "addr", s.conn.LocalAddr().String())
	return nil
}

// LocalAddr returns the bound address, nil before Open
func (s *Socket) LocalAddr() *net.UDPAddr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Read waits up to the read timeout for one datagram. It returns 0 bytes and
// a nil error when nothing arrived.
func (s *Socket) Read(buffer []byte) (int, *net.UDPAddr, error) {
	if s.conn == nil {
		return -1, nil, fmt.Errorf("socket not open")
	}

	if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
		return -1, nil, err
	}

	n, addr, err := s.conn.ReadFromUDP(buffer)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, nil, nil
		}
		return -1, nil, err
	}
	return n, addr, nil
}

// Write sends one datagram to addr
func (s *Socket) Write(buffer []byte, addr *net.UDPAddr) error {
	if s.conn == nil {
		return fmt.Errorf("socket not open")
	}
	_, err := s.conn.WriteToUDP(buffer, addr)
	return err
}

func (s *Socket) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.logger.Info("UDP socket closed")
	return err
}

// Lookup resolves hostname to an IPv4 address
func Lookup(hostname string) (net.IP, error) {
	if ip := net.ParseIP(hostname); ip != nil {
		return ip, nil
	}

	ips, err := net.LookupIP(hostname)
	if err != nil {
		return nil, err
	}
	for _, ip := range ips {
		if ip.To4() != nil {
			return ip, nil
		}
	}
	return nil, fmt.Errorf("no IPv4 address found for %s", hostname)
}

// ParseUDPAddr resolves a host:port string
func ParseUDPAddr(hostport string) (*net.UDPAddr, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("bad port %q", portStr)
	}
	ip, err := Lookup(host)
	if err != nil {
		return nil, err
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}
