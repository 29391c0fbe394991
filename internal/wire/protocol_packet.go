package wire

import (
	"fmt"
	"time"
)

// OptionKind names a pending-option rewrite applied at send time by
// ApplyOptions.
type OptionKind uint8

const (
	// OptionUpdateTimestamp writes the low 16 bits of the local millisecond
	// clock at the stored offset.
	OptionUpdateTimestamp OptionKind = iota
	// OptionUpdateFullTimestamp writes the full 64-bit millisecond clock.
	OptionUpdateFullTimestamp
	// OptionUpdateCorrectionLatency writes the client's corrector latency
	// (time spent holding the peer's last timestamp); requires a client.
	OptionUpdateCorrectionLatency
)

// PendingOption is one (offset, kind) rewrite queued on a packet, applied
// just before the packet leaves the transmission pipeline.
type PendingOption struct {
	Offset int
	Kind   OptionKind
}

// LatencyCorrectorSource supplies the corrector-latency value needed by
// OptionUpdateCorrectionLatency; Client implements this.
type LatencyCorrectorSource interface {
	CorrectorLatencyMillis() uint16
}

// Codec is the small plug-in compression contract (§4.1): bytes-in,
// bytes-out, with an implementation-defined size-bound guard.
type Codec interface {
	Compress(in []byte) ([]byte, error)
	Decompress(in []byte) ([]byte, error)
}

// Peer identifies the origin of a received packet; any type satisfying
// fmt.Stringer works, so this package does not need to import netaddr.
type Peer interface {
	fmt.Stringer
}

// ProtocolPacket is a Packet that owns a parsed Header, a list of pending
// send-time rewrites, and the bookkeeping markers described in §3: a
// reception timestamp, locally-reordered/cached/marked-for-encryption
// flags, and the originating peer identity (for received packets).
type ProtocolPacket struct {
	*Packet

	header Header

	pending []PendingOption

	ReceivedAt time.Time

	LocallyReordered  bool
	Cached            bool
	MarkedForEncrypt  bool
	PeerIdentity      Peer
}

// NewProtocolPacket constructs an outbound ProtocolPacket with the given
// header; the header is immediately encoded into the backing buffer.
func NewProtocolPacket(h Header) *ProtocolPacket {
	p := &ProtocolPacket{Packet: NewPacket(), header: h}
	buf := make([]byte, HeaderSize)
	h.Encode(buf)
	p.Packet.buf = buf
	return p
}

// WrapReceived builds a ProtocolPacket from raw received bytes, parsing the
// header without consuming the read cursor past it. The caller is expected
// to Skip(HeaderSize) once validity has been checked.
func WrapReceived(raw []byte, from Peer) (*ProtocolPacket, error) {
	h, err := DecodeHeader(raw)
	if err != nil {
		return nil, err
	}
	pp := &ProtocolPacket{
		Packet:       NewPacketFromBytes(raw),
		header:       h,
		ReceivedAt:   time.Now(),
		PeerIdentity: from,
	}
	return pp, nil
}

// RetrieveHeaderID returns the internal identifier without consuming the
// read cursor.
func (p *ProtocolPacket) RetrieveHeaderID() ID { return p.header.Identifier }

// RetrieveFlags returns the current flag set.
func (p *ProtocolPacket) RetrieveFlags() Flags { return p.header.Flags }

// RetrieveRealm returns the current realm byte.
func (p *ProtocolPacket) RetrieveRealm() uint8 { return p.header.Realm }

// RetrieveCounter returns the current counter.
func (p *ProtocolPacket) RetrieveCounter() uint16 { return p.header.Counter }

// RetrieveReorderedCounter returns the current reordered-counter.
func (p *ProtocolPacket) RetrieveReorderedCounter() uint16 { return p.header.ReorderedCounter }

// Header returns a copy of the decoded header.
func (p *ProtocolPacket) Header() Header { return p.header }

// SetHeaderFields rewrites realm/counter/reordered-counter and re-encodes
// the header in place. Used when a packet is about to be sent and its
// sequencing fields are finalized.
func (p *ProtocolPacket) SetHeaderFields(realm uint8, counter, reordered uint16) {
	p.header.Realm = realm
	p.header.Counter = counter
	p.header.ReorderedCounter = reordered
	p.syncHeader()
}

func (p *ProtocolPacket) syncHeader() {
	if len(p.buf) < HeaderSize {
		grown := make([]byte, HeaderSize)
		copy(grown, p.buf)
		p.buf = grown
	}
	p.header.Encode(p.buf[:HeaderSize])
}

// AddFlags ORs mask into the header's flags and re-encodes in place.
func (p *ProtocolPacket) AddFlags(mask Flags) *ProtocolPacket {
	p.header.Flags |= mask
	p.syncHeader()
	return p
}

// RemoveFlags clears mask from the header's flags and re-encodes in place.
func (p *ProtocolPacket) RemoveFlags(mask Flags) *ProtocolPacket {
	p.header.Flags &^= mask
	p.syncHeader()
	return p
}

// DoNotDiscard, DoNotReorder, DoNotFragment, MarkForEncryption,
// MarkAsCached and MarkAsLocallyReordered are chainable flag/marker
// setters mirroring §4.1.
func (p *ProtocolPacket) DoNotDiscard() *ProtocolPacket  { return p.AddFlags(FlagDoNotDiscard) }
func (p *ProtocolPacket) DoNotReorder() *ProtocolPacket  { return p.AddFlags(FlagDoNotReorder) }
func (p *ProtocolPacket) DoNotFragment() *ProtocolPacket { return p.AddFlags(FlagDoNotFragment) }

func (p *ProtocolPacket) MarkForEncryption() *ProtocolPacket {
	p.MarkedForEncrypt = true
	return p
}

func (p *ProtocolPacket) MarkAsCached() *ProtocolPacket {
	p.Cached = true
	return p
}

func (p *ProtocolPacket) MarkAsLocallyReordered() *ProtocolPacket {
	p.LocallyReordered = true
	return p
}

// QueueOption appends a pending rewrite to be applied by ApplyOptions.
func (p *ProtocolPacket) QueueOption(offset int, kind OptionKind) {
	p.pending = append(p.pending, PendingOption{Offset: offset, Kind: kind})
}

// ApplyOptions walks the pending-options list, writing the current local
// timestamp or the client's corrector latency at each stored offset. It
// fails if a correction-latency option is queued without a client.
func (p *ProtocolPacket) ApplyOptions(client LatencyCorrectorSource) error {
	now := time.Now()
	for _, opt := range p.pending {
		switch opt.Kind {
		case OptionUpdateTimestamp:
			p.PackUint16At(opt.Offset, nowMillis16(now.UnixMilli()))
		case OptionUpdateFullTimestamp:
			p.PackUint64At(opt.Offset, uint64(now.UnixMilli()))
		case OptionUpdateCorrectionLatency:
			if client == nil {
				return fmt.Errorf("wire: corrector-latency option applied without a client")
			}
			p.PackUint16At(opt.Offset, client.CorrectorLatencyMillis())
		default:
			return fmt.Errorf("wire: unknown pending option kind %d", opt.Kind)
		}
	}
	if !p.Valid() {
		return fmt.Errorf("wire: pending option write ran past buffer")
	}
	return nil
}

// Compress passes the post-header payload through codec and sets the
// compressed flag, provided the flag is not already set. No-op on an empty
// payload.
func (p *ProtocolPacket) Compress(codec Codec) error {
	if p.header.Flags.Has(FlagCompressed) {
		return nil
	}
	payload := p.buf[HeaderSize:]
	if len(payload) == 0 {
		return nil
	}
	out, err := codec.Compress(payload)
	if err != nil {
		return fmt.Errorf("wire: compress: %w", err)
	}
	p.buf = append(p.buf[:HeaderSize:HeaderSize], out...)
	p.AddFlags(FlagCompressed)
	return nil
}

// Decompress reverses Compress when the compressed flag is set.
func (p *ProtocolPacket) Decompress(codec Codec) error {
	if !p.header.Flags.Has(FlagCompressed) {
		return nil
	}
	payload := p.buf[HeaderSize:]
	if len(payload) == 0 {
		return nil
	}
	out, err := codec.Decompress(payload)
	if err != nil {
		return fmt.Errorf("wire: decompress: %w", err)
	}
	p.buf = append(p.buf[:HeaderSize:HeaderSize], out...)
	p.RemoveFlags(FlagCompressed)
	return nil
}

// Fragment splits the packet into a sequence of ≤ mtu fragments (§4.1). If
// the packet already fits, it returns a single-element slice containing a
// copy of the packet. Fragments always carry DoNotFragment and
// DoNotReorder, and inherit MarkedForEncrypt.
func (p *ProtocolPacket) Fragment(mtu int) ([]*ProtocolPacket, error) {
	if p.Len() <= mtu {
		return []*ProtocolPacket{p.clonePacket()}, nil
	}
	payloadPerFragment := mtu - HeaderSize - FragmentMetaSize
	if payloadPerFragment <= 0 {
		return nil, fmt.Errorf("wire: mtu %d too small for header+fragment-meta", mtu)
	}

	// The original header, verbatim, is embedded as a trailing blob on the
	// first fragment so the defragmenter can recover it on reassembly.
	originalHeader := make([]byte, HeaderSize)
	p.header.Encode(originalHeader)
	body := append(originalHeader, p.buf[HeaderSize:]...)

	total := (len(body) + payloadPerFragment - 1) / payloadPerFragment
	if total == 0 {
		total = 1
	}
	if total > 0xFFFF {
		return nil, fmt.Errorf("wire: packet requires %d fragments, exceeds uint16 counter space", total)
	}

	out := make([]*ProtocolPacket, 0, total)
	for i := 0; i < total; i++ {
		start := i * payloadPerFragment
		end := start + payloadPerFragment
		if end > len(body) {
			end = len(body)
		}
		// Realm carries the low byte of the original counter, matching the
		// wire text of §6.3 literally; since Realm is only 8 bits wide but
		// the original counter is 16, the full value is additionally
		// carried in ReorderedCounter so this implementation's own
		// defragmenter never loses group identity across a 256-packet
		// counter span.
		fh := Header{
			Identifier:       IDFragmentedPacket,
			Flags:            FlagFragmented | FlagDoNotFragment | FlagDoNotReorder,
			Realm:            uint8(p.header.Counter & 0xFF),
			Counter:          uint16(i),
			ReorderedCounter: p.header.Counter,
		}
		frag := NewProtocolPacket(fh)
		var meta [FragmentMetaSize]byte
		FragmentMeta{Total: uint16(total)}.Encode(meta[:])
		frag.Append(meta[:])
		frag.Append(body[start:end])
		if p.MarkedForEncrypt {
			frag.MarkForEncryption()
		}
		out = append(out, frag)
	}
	return out, nil
}

// Clone returns a deep copy of the packet, including its pending-options
// list and markers.
func (p *ProtocolPacket) Clone() *ProtocolPacket { return p.clonePacket() }

func (p *ProtocolPacket) clonePacket() *ProtocolPacket {
	cp := &ProtocolPacket{
		Packet:           p.Packet.Clone(),
		header:           p.header,
		pending:          append([]PendingOption(nil), p.pending...),
		ReceivedAt:       p.ReceivedAt,
		LocallyReordered: p.LocallyReordered,
		Cached:           p.Cached,
		MarkedForEncrypt: p.MarkedForEncrypt,
		PeerIdentity:     p.PeerIdentity,
	}
	return cp
}

// FragmentGroupID recovers the original packet's full 16-bit counter from a
// fragment carrier: Fragment stores the whole counter in ReorderedCounter
// (Realm holds only its low byte), so this returns ReorderedCounter as is.
func (p *ProtocolPacket) FragmentGroupID() uint16 {
	return p.header.ReorderedCounter
}
