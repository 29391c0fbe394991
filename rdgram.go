// Package rdgram provides a reliable, ordered, encrypted message transport
// over unreliable datagram delivery. A Server accepts connections from many
// peers; a Peer (client-side) dials a single Server. Both sides run the same
// handshake -> MTU discovery -> DTLS key exchange -> connected lifecycle and
// expose a typed Send/Receive surface plus a return-event channel for
// user-defined application events piggy-backed on the periodic return
// packet.
package rdgram

import (
	"fmt"
	"net"
	"time"

	"github.com/tinyrange/rdgram/internal/config"
	"github.com/tinyrange/rdgram/internal/engine"
	"github.com/tinyrange/rdgram/internal/events"
	"github.com/tinyrange/rdgram/internal/netaddr"
	"github.com/tinyrange/rdgram/internal/peerstate"
	"github.com/tinyrange/rdgram/internal/pcap"
	"github.com/tinyrange/rdgram/internal/sockio"
	"github.com/tinyrange/rdgram/internal/wire"
)

// Option configures a Server or Peer at construction time.
type Option interface {
	apply(*options)
}

type options struct {
	cfg     config.Config
	handler events.Handler
	capture *pcap.Tracer
}

type optionFunc func(*options)

func (f optionFunc) apply(o *options) { f(o) }

// WithConfig overrides the default tunable constants (see internal/config
// for the full §6.6 table). Fields left at their zero value after loading a
// YAML document should go through config.LoadFile, not this option.
func WithConfig(cfg config.Config) Option {
	return optionFunc(func(o *options) { o.cfg = cfg })
}

// WithEventHandler registers a callback for state transitions, timeouts,
// disconnects, drops and acknowledgements (§7 user-visible surface). The
// handler is invoked synchronously from an engine goroutine and must not
// block.
func WithEventHandler(h events.Handler) Option {
	return optionFunc(func(o *options) { o.handler = h })
}

// WithCapture writes every inbound/outbound datagram's raw wire bytes to a
// pcap-format stream for offline inspection with tcpdump/Wireshark. Capture
// happens at the socket boundary, so fragments and encrypted records are
// visible exactly as they cross the wire.
func WithCapture(tracer *pcap.Tracer) Option {
	return optionFunc(func(o *options) { o.capture = tracer })
}

func buildOptions(opts []Option) options {
	o := options{cfg: config.Default()}
	for _, opt := range opts {
		opt.apply(&o)
	}
	return o
}

// Server is the server-side half of the transport: one bound UDP socket
// fronting a sharded client table (internal/flux.Group), draining inbound
// application traffic from any number of connected peers.
type Server struct {
	eng *engine.Server
}

// Listen binds addr (host:port) and starts the server's reception and
// transmission goroutines. Call Close to stop both and release the socket.
func Listen(addr string, opts ...Option) (*Server, error) {
	o := buildOptions(opts)
	sock, err := sockio.Listen(addr, o.cfg.ReceptionSelectTimeout)
	if err != nil {
		return nil, fmt.Errorf("rdgram: listen %s: %w", addr, err)
	}
	if o.capture != nil {
		sock = o.capture.Wrap(sock)
	}
	eng, err := engine.NewServer(sock, o.cfg, o.handler)
	if err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("rdgram: start server: %w", err)
	}
	eng.Start()
	return &Server{eng: eng}, nil
}

// Close stops the server's engine goroutines and closes the socket.
func (s *Server) Close() error { return s.eng.Stop() }

// LocalAddr returns the address the server's socket is bound to, useful
// when Listen was given an ephemeral port ("host:0").
func (s *Server) LocalAddr() *net.UDPAddr { return s.eng.LocalAddr() }

// Peers returns the identities of every peer currently present in the
// server's client table, connected or not.
func (s *Server) Peers() []netaddr.Identity {
	var out []netaddr.Identity
	s.eng.Group().ForEachClient(func(c *peerstate.Client) bool {
		out = append(out, c.Identity())
		return true
	})
	return out
}

// Receive pops the next application packet addressed to any connected peer,
// across every shard and the default flux, or (nil, false) if none is ready.
// Call this repeatedly from a drain loop; it never blocks.
func (s *Server) Receive() (*Packet, bool) {
	if pkt, ok := s.eng.Group().DefaultFlux().PopFront(); ok {
		return wrapInbound(pkt), true
	}
	for i := 0; i < s.eng.Group().ShardCount(); i++ {
		if pkt, ok := s.eng.Group().Shard(i).PopFront(); ok {
			return wrapInbound(pkt), true
		}
	}
	return nil, false
}

// Send enqueues an application payload for delivery to the given peer. The
// packet is assigned the next sequence number for that peer and leaves on
// the engine's next pacing tick; see SendOption for reliability/ordering
// flags.
func (s *Server) Send(to netaddr.Identity, payload []byte, sendOpts ...SendOption) error {
	handle := s.eng.Group().Table().Acquire()
	entry, ok := handle.Get(to)
	handle.Release()
	if !ok {
		return fmt.Errorf("rdgram: unknown peer %s", to)
	}
	return enqueue(entry.Client, payload, sendOpts)
}

// Peer is the client-side half of the transport: a single socket dialed
// toward one server.
type Peer struct {
	eng *engine.Client
}

// Dial resolves serverAddr, opens a UDP socket, and starts the client
// engine's handshake, MTU-discovery and DTLS key exchange toward it. Dial
// returns once the engine goroutines are running; poll Peer.Status to
// observe when the peer reaches peerstate.Connected (the engine emits no
// connection-progress notification).
func Dial(serverAddr string, opts ...Option) (*Peer, error) {
	o := buildOptions(opts)
	udpAddr, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		return nil, fmt.Errorf("rdgram: resolve %s: %w", serverAddr, err)
	}
	sock, err := sockio.Dial(serverAddr, o.cfg.ReceptionSelectTimeout)
	if err != nil {
		return nil, fmt.Errorf("rdgram: dial %s: %w", serverAddr, err)
	}
	if o.capture != nil {
		sock = o.capture.Wrap(sock)
	}
	eng, err := engine.NewClient(sock, udpAddr, o.cfg, o.handler)
	if err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("rdgram: start peer: %w", err)
	}
	eng.Start()
	return &Peer{eng: eng}, nil
}

// Close stops the peer's engine goroutines and closes the socket. It does
// not send or wait for an explicit NET_INTERNAL_ID_DISCONNECT exchange, and
// Peer has no method that sends one.
func (p *Peer) Close() error { return p.eng.Stop() }

// Status reports the server peer's current connection-state-machine state
// (§4.6): disconnected, acknowledged, mtu-discovered, connected,
// authenticated, or timeout.
func (p *Peer) Status() peerstate.Status { return p.eng.Server().Status() }

// Receive pops the next application packet from the server, or (nil, false)
// if none is ready.
func (p *Peer) Receive() (*Packet, bool) {
	if pkt, ok := p.eng.Inbound().PopFront(); ok {
		return wrapInbound(pkt), true
	}
	return nil, false
}

// Send enqueues an application payload for delivery to the server.
func (p *Peer) Send(payload []byte, sendOpts ...SendOption) error {
	return enqueue(p.eng.Server(), payload, sendOpts)
}

// StartEvent begins accumulating one return-event (§4.8/§6.5) for the next
// outbound return packet: a simple id, an object-replication envelope, a
// full-update request, or an opaque custom payload. The returned builder's
// EndEvent method commits it.
func (p *Peer) StartEvent(kind events.Kind) *EventBuilder {
	return p.eng.StartEvent(kind)
}

// EventBuilder accumulates one return-event's fields before committing it
// to the peer's rolling return packet.
type EventBuilder = engine.EventBuilder

// SendOption tunes the reliability/ordering flags applied to one outbound
// application packet.
type SendOption interface {
	apply(*wire.ProtocolPacket)
}

type sendOptionFunc func(*wire.ProtocolPacket)

func (f sendOptionFunc) apply(p *wire.ProtocolPacket) { f(p) }

// Reliable marks the packet DO_NOT_DISCARD: the ack-and-retransmit cache
// retries it until acknowledged or the retry limit is reached.
func Reliable() SendOption {
	return sendOptionFunc(func(p *wire.ProtocolPacket) { p.DoNotDiscard() })
}

// Unordered marks the packet DO_NOT_REORDER: it bypasses the reorderer and
// is delivered in plain-counter order only, trading strict ordering for
// lower latency.
func Unordered() SendOption {
	return sendOptionFunc(func(p *wire.ProtocolPacket) { p.DoNotReorder() })
}

// Unfragmented marks the packet DO_NOT_FRAGMENT: it is dropped at send time
// rather than split if it exceeds the discovered MTU.
func Unfragmented() SendOption {
	return sendOptionFunc(func(p *wire.ProtocolPacket) { p.DoNotFragment() })
}

func enqueue(c *peerstate.Client, payload []byte, sendOpts []SendOption) error {
	realm, counter, reordered := c.NextSequence(true)
	pkt := wire.NewProtocolPacket(wire.Header{
		Identifier:       wire.IDUserBase,
		Realm:            realm,
		Counter:          counter,
		ReorderedCounter: reordered,
	})
	pkt.Append(payload)
	for _, opt := range sendOpts {
		opt.apply(pkt)
	}
	if !c.AllowMorePending() {
		return fmt.Errorf("rdgram: peer %s pending queue at capacity", c.Identity())
	}
	c.PushBack(pkt)
	return nil
}

// Packet is an application-level message received from a peer: the raw
// payload plus the metadata it arrived with.
type Packet struct {
	// Payload is the post-header, post-reassembly, post-decompression
	// application body.
	Payload []byte
	// ReceivedAt is the local time the datagram (or its final fragment)
	// was read off the socket.
	ReceivedAt time.Time
	// Realm and Counter identify the packet's place in its peer's sequence.
	Realm   uint8
	Counter uint16
}

func wrapInbound(pkt *wire.ProtocolPacket) *Packet {
	return &Packet{
		Payload:    append([]byte(nil), pkt.Bytes()[pkt.ReadCursor():]...),
		ReceivedAt: pkt.ReceivedAt,
		Realm:      pkt.RetrieveRealm(),
		Counter:    pkt.RetrieveCounter(),
	}
}
