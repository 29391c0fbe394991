package pcap

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/tinyrange/rdgram/internal/sockio"
)

// LinkTypeUser0 is the libpcap DLT reserved for user-defined link-layer
// protocols (tcpdump/Wireshark can be told how to dissect it via a plugin);
// it fits a bespoke wire format like this module's 7-byte header better
// than claiming a raw-IP or Ethernet frame we never actually produce.
const LinkTypeUser0 uint32 = 147

// Tracer wraps a sockio.Socket so every datagram crossing the socket
// boundary, inbound or outbound, is also appended to a pcap stream. This is
// a diagnostic aid: captures happen at the same point the engine's
// reception/transmission loops see raw bytes, so DTLS records and
// fragments are visible exactly as they travel the wire.
type Tracer struct {
	mu      sync.Mutex
	w       *Writer
	snapLen uint32
}

// NewTracer wraps out with a pcap writer bounded to snapLen bytes per
// packet (0 disables truncation) and emits the global file header
// immediately.
func NewTracer(out interface {
	Write(p []byte) (int, error)
}, snapLen uint32) (*Tracer, error) {
	w := NewWriter(out)
	if err := w.WriteFileHeader(snapLen, LinkTypeUser0); err != nil {
		return nil, err
	}
	return &Tracer{w: w, snapLen: snapLen}, nil
}

func (t *Tracer) record(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	capLen := len(data)
	if t.snapLen != 0 && uint32(capLen) > t.snapLen {
		capLen = int(t.snapLen)
	}
	_ = t.w.WritePacket(CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: capLen,
		Length:        len(data),
	}, data)
}

// Wrap returns a sockio.Socket that delegates to sock while recording every
// datagram it sends or receives.
func (t *Tracer) Wrap(sock sockio.Socket) sockio.Socket {
	return &tracedSocket{Socket: sock, tracer: t}
}

type tracedSocket struct {
	sockio.Socket
	tracer *Tracer
}

func (s *tracedSocket) ReceiveFrom(ctx context.Context, buf []byte) (sockio.ReceivedDatagram, sockio.Error) {
	d, errCode := s.Socket.ReceiveFrom(ctx, buf)
	if errCode == sockio.NoError {
		s.tracer.record(d.Data)
	}
	return d, errCode
}

func (s *tracedSocket) SendTo(data []byte, addr *net.UDPAddr) sockio.Error {
	s.tracer.record(data)
	return s.Socket.SendTo(data, addr)
}
