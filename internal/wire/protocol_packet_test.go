package wire

import (
	"errors"
	"testing"
)

type fakePeer string

func (f fakePeer) String() string { return string(f) }

type fakeCodec struct {
	compressErr   error
	decompressErr error
}

// fakeCodec "compresses" by prefixing a marker byte, so round-tripping is
// trivially verifiable without pulling in a real compressor dependency.
func (c fakeCodec) Compress(in []byte) ([]byte, error) {
	if c.compressErr != nil {
		return nil, c.compressErr
	}
	return append([]byte{0xFE}, in...), nil
}

func (c fakeCodec) Decompress(in []byte) ([]byte, error) {
	if c.decompressErr != nil {
		return nil, c.decompressErr
	}
	if len(in) == 0 || in[0] != 0xFE {
		return nil, errors.New("fakeCodec: bad marker")
	}
	return append([]byte(nil), in[1:]...), nil
}

func TestProtocolPacketHeaderFieldRoundTrip(t *testing.T) {
	p := NewProtocolPacket(Header{Identifier: IDUserBase})

	p.SetHeaderFields(7, 100, 200)
	p.AddFlags(FlagDoNotDiscard)
	p.AddFlags(FlagCompressed)
	p.RemoveFlags(FlagCompressed)

	if got := p.RetrieveRealm(); got != 7 {
		t.Fatalf("RetrieveRealm() = %d, want 7", got)
	}
	if got := p.RetrieveCounter(); got != 100 {
		t.Fatalf("RetrieveCounter() = %d, want 100", got)
	}
	if got := p.RetrieveReorderedCounter(); got != 200 {
		t.Fatalf("RetrieveReorderedCounter() = %d, want 200", got)
	}
	if !p.RetrieveFlags().Has(FlagDoNotDiscard) {
		t.Fatalf("RetrieveFlags() missing FlagDoNotDiscard after AddFlags")
	}
	if p.RetrieveFlags().Has(FlagCompressed) {
		t.Fatalf("RetrieveFlags() still has FlagCompressed after RemoveFlags")
	}

	// Re-decode straight off the backing buffer to confirm syncHeader
	// actually re-encoded the header in place, not just the in-memory
	// struct.
	decoded, err := DecodeHeader(p.Bytes())
	if err != nil {
		t.Fatalf("DecodeHeader(p.Bytes()) error = %v", err)
	}
	if decoded != p.Header() {
		t.Fatalf("DecodeHeader(p.Bytes()) = %+v, want %+v", decoded, p.Header())
	}
}

func TestProtocolPacketChainableSetters(t *testing.T) {
	p := NewProtocolPacket(Header{Identifier: IDUserBase})
	p.DoNotDiscard().DoNotReorder().DoNotFragment().MarkForEncryption().MarkAsCached().MarkAsLocallyReordered()

	for _, f := range []Flags{FlagDoNotDiscard, FlagDoNotReorder, FlagDoNotFragment} {
		if !p.RetrieveFlags().Has(f) {
			t.Fatalf("RetrieveFlags() = %#x, want flag %#x set", p.RetrieveFlags(), f)
		}
	}
	if !p.MarkedForEncrypt || !p.Cached || !p.LocallyReordered {
		t.Fatalf("markers = (%v, %v, %v), want all true", p.MarkedForEncrypt, p.Cached, p.LocallyReordered)
	}
}

func TestProtocolPacketCompressDecompressRoundTrip(t *testing.T) {
	p := NewProtocolPacket(Header{Identifier: IDUserBase})
	payload := []byte("hello fragment world")
	p.Append(payload)

	codec := fakeCodec{}
	if err := p.Compress(codec); err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	if !p.RetrieveFlags().Has(FlagCompressed) {
		t.Fatalf("RetrieveFlags() missing FlagCompressed after Compress")
	}

	// Compress is a no-op once the flag is set.
	if err := p.Compress(codec); err != nil {
		t.Fatalf("second Compress() error = %v", err)
	}

	if err := p.Decompress(codec); err != nil {
		t.Fatalf("Decompress() error = %v", err)
	}
	if p.RetrieveFlags().Has(FlagCompressed) {
		t.Fatalf("RetrieveFlags() still has FlagCompressed after Decompress")
	}
	if got := string(p.Bytes()[HeaderSize:]); got != string(payload) {
		t.Fatalf("payload after round-trip = %q, want %q", got, payload)
	}
}

func TestProtocolPacketCompressEmptyPayloadNoop(t *testing.T) {
	p := NewProtocolPacket(Header{Identifier: IDUserBase})
	if err := p.Compress(fakeCodec{}); err != nil {
		t.Fatalf("Compress() on empty payload error = %v", err)
	}
	if p.RetrieveFlags().Has(FlagCompressed) {
		t.Fatalf("RetrieveFlags() has FlagCompressed after compressing an empty payload")
	}
}

func TestProtocolPacketApplyOptions(t *testing.T) {
	p := NewProtocolPacket(Header{Identifier: IDUserBase})
	p.AppendUint16(0)
	p.QueueOption(HeaderSize, OptionUpdateTimestamp)

	if err := p.ApplyOptions(nil); err != nil {
		t.Fatalf("ApplyOptions() error = %v", err)
	}
}

func TestProtocolPacketApplyOptionsCorrectionLatencyRequiresClient(t *testing.T) {
	p := NewProtocolPacket(Header{Identifier: IDUserBase})
	p.AppendUint16(0)
	p.QueueOption(HeaderSize, OptionUpdateCorrectionLatency)

	if err := p.ApplyOptions(nil); err == nil {
		t.Fatalf("ApplyOptions() with nil client: expected error, got nil")
	}
}

type fakeLatencySource struct{ ms uint16 }

func (f fakeLatencySource) CorrectorLatencyMillis() uint16 { return f.ms }

func TestProtocolPacketApplyOptionsCorrectionLatency(t *testing.T) {
	p := NewProtocolPacket(Header{Identifier: IDUserBase})
	p.AppendUint16(0)
	p.QueueOption(HeaderSize, OptionUpdateCorrectionLatency)

	if err := p.ApplyOptions(fakeLatencySource{ms: 42}); err != nil {
		t.Fatalf("ApplyOptions() error = %v", err)
	}
	if len(p.Bytes()) < HeaderSize+2 {
		t.Fatalf("buffer too short after ApplyOptions: %d bytes", len(p.Bytes()))
	}
	got := uint16(p.Bytes()[HeaderSize])<<8 | uint16(p.Bytes()[HeaderSize+1])
	if got != 42 {
		t.Fatalf("corrector latency written = %d, want 42", got)
	}
}

func TestProtocolPacketFragmentSmallPacketIsSingleCopy(t *testing.T) {
	p := NewProtocolPacket(Header{Identifier: IDUserBase, Counter: 5})
	p.Append([]byte("short"))

	frags, err := p.Fragment(1500)
	if err != nil {
		t.Fatalf("Fragment() error = %v", err)
	}
	if len(frags) != 1 {
		t.Fatalf("Fragment() returned %d fragments, want 1", len(frags))
	}
	if frags[0].RetrieveHeaderID() != IDUserBase {
		t.Fatalf("single fragment identifier = %v, want IDUserBase", frags[0].RetrieveHeaderID())
	}
}

func TestProtocolPacketFragmentTooSmallMTU(t *testing.T) {
	p := NewProtocolPacket(Header{Identifier: IDUserBase, Counter: 1})
	p.Append(make([]byte, 100))

	if _, err := p.Fragment(HeaderSize + FragmentMetaSize); err == nil {
		t.Fatalf("Fragment() with mtu leaving zero payload room: expected error, got nil")
	}
}

func TestProtocolPacketFragmentGroupID(t *testing.T) {
	original := NewProtocolPacket(Header{Identifier: IDUserBase, Counter: 0x1234})
	original.Append(make([]byte, 400))

	frags, err := original.Fragment(64)
	if err != nil {
		t.Fatalf("Fragment() error = %v", err)
	}
	if len(frags) < 2 {
		t.Fatalf("Fragment() returned %d fragments, want at least 2 for this payload/mtu", len(frags))
	}
	for i, f := range frags {
		if f.FragmentGroupID() != 0x1234 {
			t.Fatalf("fragment %d FragmentGroupID() = %#x, want %#x", i, f.FragmentGroupID(), 0x1234)
		}
		if f.RetrieveCounter() != uint16(i) {
			t.Fatalf("fragment %d RetrieveCounter() = %d, want %d", i, f.RetrieveCounter(), i)
		}
		if !f.RetrieveFlags().Has(FlagFragmented | FlagDoNotFragment | FlagDoNotReorder) {
			t.Fatalf("fragment %d flags = %#x, missing required fragment flags", i, f.RetrieveFlags())
		}
	}
}

func TestProtocolPacketCloneIsIndependent(t *testing.T) {
	p := NewProtocolPacket(Header{Identifier: IDUserBase, Counter: 9})
	p.Append([]byte("payload"))
	p.MarkForEncryption()
	p.QueueOption(HeaderSize, OptionUpdateTimestamp)

	clone := p.Clone()
	clone.AddFlags(FlagCompressed)

	if p.RetrieveFlags().Has(FlagCompressed) {
		t.Fatalf("original packet mutated by clone's AddFlags")
	}
	if !clone.MarkedForEncrypt {
		t.Fatalf("clone lost MarkedForEncrypt from original")
	}
	if len(clone.Bytes()) != len(p.Bytes()) {
		t.Fatalf("clone buffer length = %d, want %d", len(clone.Bytes()), len(p.Bytes()))
	}
}

func TestWrapReceivedDoesNotAdvanceCursor(t *testing.T) {
	src := NewProtocolPacket(Header{Identifier: IDUserBase, Realm: 3})
	src.Append([]byte("abc"))

	pkt, err := WrapReceived(src.Bytes(), fakePeer("peer-1"))
	if err != nil {
		t.Fatalf("WrapReceived() error = %v", err)
	}
	if pkt.ReadCursor() != 0 {
		t.Fatalf("ReadCursor() = %d, want 0 (caller must Skip(HeaderSize) itself)", pkt.ReadCursor())
	}
	if pkt.RetrieveRealm() != 3 {
		t.Fatalf("RetrieveRealm() = %d, want 3", pkt.RetrieveRealm())
	}
	if pkt.PeerIdentity.String() != "peer-1" {
		t.Fatalf("PeerIdentity = %v, want peer-1", pkt.PeerIdentity)
	}

	pkt.Skip(HeaderSize)
	if got := string(pkt.Bytes()[pkt.ReadCursor():]); got != "abc" {
		t.Fatalf("payload after Skip = %q, want %q", got, "abc")
	}
}

func TestWrapReceivedShortBuffer(t *testing.T) {
	if _, err := WrapReceived(make([]byte, HeaderSize-1), fakePeer("x")); err == nil {
		t.Fatalf("WrapReceived() on short buffer: expected error, got nil")
	}
}
