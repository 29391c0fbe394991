// Package wire implements the bit-exact on-wire framing: the 7-byte packet
// header, its flag bits, the internal identifier space, fragment metadata,
// and ProtocolPacket — the in-place header view plus pending-option and
// fragmentation/compression operations layered over it.
//
// All multi-byte integer fields are big-endian (network byte order),
// including the latency planner's timestamps, which are integers.
package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed size, in bytes, of the wire header.
const HeaderSize = 7

// Identifier/flags layout within the first 16-bit header word: the low 10
// bits carry the internal identifier, the high 6 bits carry flags. Flags
// constants below are already expressed at their absolute bit position, so
// no shift is needed when combining them into the header word.
const (
	identifierMask = 0x03FF
	flagsMask      = 0xFC00
)

// Flag bits, expressed pre-shifted so callers can OR them directly into a
// header word or into a flags-only quantity.
const (
	FlagDoNotReorder  Flags = 1 << 10
	FlagDoNotDiscard  Flags = 1 << 11
	FlagDoNotFragment Flags = 1 << 12
	FlagCompressed    Flags = 1 << 13
	FlagFragmented    Flags = 1 << 14
	flagReserved      Flags = 1 << 15
)

// Flags is a set of the six high bits of the header identifier word.
type Flags uint16

// Has reports whether all bits in mask are set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// ID is the low-10-bit internal identifier space.
type ID uint16

// Internal identifiers (§6.2). The numeric values are arbitrary but fixed
// within this module; they are never interpreted by a peer running a
// different build, so stability only matters within one binary's lifetime.
const (
	IDHandshake ID = iota + 1
	IDMTUTest
	IDMTUTestResponse
	IDMTUAsk
	IDMTUAskResponse
	IDMTUFinal
	IDFragmentedPacket
	IDCryptHandshake
	IDReturnPacket
	IDDisconnect
	// IDUserBase is the first identifier available to application payloads.
	IDUserBase ID = 64
)

// Header is a decoded view of the 7-byte wire header.
type Header struct {
	Identifier       ID
	Flags            Flags
	Realm            uint8
	Counter          uint16
	ReorderedCounter uint16
}

// Encode writes h into the first HeaderSize bytes of dst, which must be at
// least HeaderSize long.
func (h Header) Encode(dst []byte) {
	_ = dst[HeaderSize-1]
	word := uint16(h.Identifier)&identifierMask | uint16(h.Flags)&flagsMask
	binary.BigEndian.PutUint16(dst[0:2], word)
	dst[2] = h.Realm
	binary.BigEndian.PutUint16(dst[3:5], h.Counter)
	binary.BigEndian.PutUint16(dst[5:7], h.ReorderedCounter)
}

// DecodeHeader parses the first HeaderSize bytes of src. It fails if src is
// shorter than HeaderSize.
func DecodeHeader(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header: %d bytes", len(src))
	}
	word := binary.BigEndian.Uint16(src[0:2])
	return Header{
		Identifier:       ID(word & identifierMask),
		Flags:            Flags(word & flagsMask),
		Realm:            src[2],
		Counter:          binary.BigEndian.Uint16(src[3:5]),
		ReorderedCounter: binary.BigEndian.Uint16(src[5:7]),
	}, nil
}

// FragmentMeta is the fixed block immediately following the header in a
// fragment carrier (§6.3): the declared total fragment count. The carrier's
// Realm field repurposes the original packet's counter as the fragment
// group id, and its Counter field holds the fragment index.
type FragmentMeta struct {
	Total uint16
}

// FragmentMetaSize is the encoded size of FragmentMeta.
const FragmentMetaSize = 2

// Encode writes m to dst, which must be at least FragmentMetaSize long.
func (m FragmentMeta) Encode(dst []byte) {
	_ = dst[FragmentMetaSize-1]
	binary.BigEndian.PutUint16(dst[0:2], m.Total)
}

// DecodeFragmentMeta parses a FragmentMeta from the front of src.
func DecodeFragmentMeta(src []byte) (FragmentMeta, error) {
	if len(src) < FragmentMetaSize {
		return FragmentMeta{}, fmt.Errorf("wire: short fragment meta: %d bytes", len(src))
	}
	return FragmentMeta{Total: binary.BigEndian.Uint16(src[0:2])}, nil
}
