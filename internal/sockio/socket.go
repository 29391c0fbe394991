// Package sockio is the external socket collaborator: non-blocking-ish
// datagram I/O plus adapter MTU discovery, and the §7 socket error
// taxonomy lifted from FastEngine's C_socket.cpp. The engine treats this
// package as a black box providing "receive with peer identity",
// "send to identity", and "query local MTU".
package sockio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Error is the §7 socket error taxonomy. Classify maps only timeouts,
// closed connections and deadline errors; every other error becomes
// ErrUnsuccessful.
type Error uint8

const (
	NoError Error = iota
	ErrNotInitialized
	ErrNotReady // would-block / timeout
	ErrDisconnected
	ErrRefused
	ErrAlreadyUsed
	ErrAlreadyConnected
	ErrTooManySockets
	ErrPartial
	ErrInvalidArgument
	ErrUnsuccessful
)

func (e Error) String() string {
	switch e {
	case NoError:
		return "no error"
	case ErrNotInitialized:
		return "not initialized"
	case ErrNotReady:
		return "not ready"
	case ErrDisconnected:
		return "disconnected"
	case ErrRefused:
		return "refused"
	case ErrAlreadyUsed:
		return "already used"
	case ErrAlreadyConnected:
		return "already connected"
	case ErrTooManySockets:
		return "too many sockets"
	case ErrPartial:
		return "partial"
	case ErrInvalidArgument:
		return "invalid argument"
	default:
		return "unsuccessful"
	}
}

// Classify maps a net package error into the taxonomy above.
func Classify(err error) Error {
	if err == nil {
		return NoError
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrNotReady
	}
	if errors.Is(err, net.ErrClosed) {
		return ErrDisconnected
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrNotReady
	}
	return ErrUnsuccessful
}

// ReceivedDatagram is one inbound UDP payload plus its source.
type ReceivedDatagram struct {
	Data []byte
	From *net.UDPAddr
}

// Socket is the datagram I/O + MTU discovery surface the engine depends
// on. A concrete implementation wraps a single bound net.UDPConn.
type Socket interface {
	// ReceiveFrom blocks until a datagram arrives, ctx is done, or the
	// configured read deadline elapses, whichever is first.
	ReceiveFrom(ctx context.Context, buf []byte) (ReceivedDatagram, Error)
	// SendTo writes data to addr.
	SendTo(data []byte, addr *net.UDPAddr) Error
	// LocalMTU returns the discovered/adapter MTU for outbound traffic
	// toward addr, clamped to [floor, ceiling] by the caller.
	LocalMTU(addr *net.UDPAddr) (int, error)
	// LocalAddr returns the address this socket is bound to.
	LocalAddr() *net.UDPAddr
	// Close releases the underlying file descriptor.
	Close() error
}

// udpSocket is the concrete Socket backed by a real net.UDPConn. It also
// holds golang.org/x/net/ipv4 and ipv6 packet-conn wrappers of that
// connection; LocalMTU does not use them.
type udpSocket struct {
	conn    *net.UDPConn
	v4      *ipv4.PacketConn
	v6      *ipv6.PacketConn
	timeout time.Duration
}

// Listen binds a UDP socket on addr (e.g. ":7777") with the given read
// timeout applied per ReceiveFrom call.
func Listen(addr string, readTimeout time.Duration) (Socket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("sockio: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("sockio: listen %s: %w", addr, err)
	}
	return wrap(conn, readTimeout), nil
}

// Dial connects a UDP socket toward addr (used client-side, where the peer
// is fixed for the connection's lifetime).
func Dial(addr string, readTimeout time.Duration) (Socket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("sockio: resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("sockio: dial %s: %w", addr, err)
	}
	return wrap(conn, readTimeout), nil
}

func wrap(conn *net.UDPConn, readTimeout time.Duration) *udpSocket {
	return &udpSocket{
		conn:    conn,
		v4:      ipv4.NewPacketConn(conn),
		v6:      ipv6.NewPacketConn(conn),
		timeout: readTimeout,
	}
}

func (s *udpSocket) ReceiveFrom(ctx context.Context, buf []byte) (ReceivedDatagram, Error) {
	deadline := time.Now().Add(s.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return ReceivedDatagram{}, Classify(err)
	}
	n, from, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		if ctx.Err() != nil {
			return ReceivedDatagram{}, ErrNotReady
		}
		return ReceivedDatagram{}, Classify(err)
	}
	return ReceivedDatagram{Data: buf[:n], From: from}, NoError
}

func (s *udpSocket) SendTo(data []byte, addr *net.UDPAddr) Error {
	var err error
	if addr == nil {
		_, err = s.conn.Write(data)
	} else {
		_, err = s.conn.WriteToUDP(data, addr)
	}
	return Classify(err)
}

// LocalMTU reports the smallest positive MTU among local interfaces that
// carry an address of addr's family, or, if none does, the smallest positive
// MTU of any interface; it returns an error if no interface reports one
// (the caller applies the platform ceiling/floor from config, so returning
// the interface's raw MTU here is sufficient).
func (s *udpSocket) LocalMTU(addr *net.UDPAddr) (int, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return 0, fmt.Errorf("sockio: list interfaces: %w", err)
	}
	best := 0
	for _, iface := range ifaces {
		if iface.MTU <= 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if addr.IP.To4() != nil && ipNet.IP.To4() == nil {
				continue
			}
			if addr.IP.To4() == nil && ipNet.IP.To4() != nil {
				continue
			}
			if best == 0 || iface.MTU < best {
				best = iface.MTU
			}
		}
	}
	if best == 0 {
		// No address-family match found (e.g. loopback-only test
		// environment); fall back to whatever interface reports the
		// smallest positive MTU.
		for _, iface := range ifaces {
			if iface.MTU > 0 && (best == 0 || iface.MTU < best) {
				best = iface.MTU
			}
		}
	}
	if best == 0 {
		return 0, fmt.Errorf("sockio: no interface reports a usable MTU")
	}
	return best, nil
}

func (s *udpSocket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *udpSocket) Close() error {
	_ = s.v4
	_ = s.v6
	return s.conn.Close()
}
