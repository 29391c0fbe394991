package command

import (
	"time"

	"github.com/tinyrange/rdgram/internal/wire"
)

// mtuState drives the MTU probe of §4.6: oversize NET_INTERNAL_ID_MTU_TEST
// packets whose acknowledgement confirms a candidate size, one
// NET_INTERNAL_ID_MTU_ASK, and a final NET_INTERNAL_ID_MTU_FINAL once a side
// has locked in its value. An MTU_ASK_RESPONSE, if one arrives, can lower the
// candidate; nothing in this module answers MTU_ASK, so in practice the
// candidate comes from MTU_TEST responses and the local adapter MTU.
type mtuState struct {
	candidate     int
	askedAdapter  bool
	sentFinal     bool
	peerFinalized bool
	remainingSizes []int
}

// defaultMTUTestSizes are the oversize candidates probed, largest first so
// the first success is also the best; stepping down from a generous
// ceiling down to the IPv4 floor (576) keeps the probe count small.
var defaultMTUTestSizes = []int{8192, 4096, 2048, 1500, 1280, 576}

func (m *mtuState) onReceive(pkt *wire.ProtocolPacket, side Side, t Target) Result {
	switch pkt.RetrieveHeaderID() {
	case wire.IDMTUTest:
		// The engine's reception path echoes MTU_TEST immediately (§4.9);
		// the command queue itself only tracks the ask/response/final
		// handshake.
		return Waiting
	case wire.IDMTUTestResponse:
		size := pkt.Len()
		if size > m.candidate {
			m.candidate = size
			t.MarkMTUCandidate(size)
		}
		return Waiting
	case wire.IDMTUAsk:
		return Waiting
	case wire.IDMTUAskResponse:
		body := pkt.Bytes()[wire.HeaderSize:]
		if len(body) < 2 {
			return Waiting
		}
		peerMTU := int(body[0])<<8 | int(body[1])
		if peerMTU > 0 && (m.candidate == 0 || peerMTU < m.candidate) {
			m.candidate = peerMTU
		}
		return Waiting
	case wire.IDMTUFinal:
		t.SetPeerMTUFinal(m.finalValue(t))
		m.peerFinalized = true
		if m.sentFinal {
			return Success
		}
		return Waiting
	}
	return Waiting
}

func (m *mtuState) finalValue(t Target) int {
	v := m.candidate
	if adapter := t.LocalAdapterMTU(); adapter > 0 && (v == 0 || adapter < v) {
		v = adapter
	}
	if ceil := t.MTUCeiling(); ceil > 0 && v > ceil {
		v = ceil
	}
	if floor := t.MTUFloor(); v < floor {
		v = floor
	}
	return v
}

func (m *mtuState) update(side Side, t Target, elapsed time.Duration) (*wire.ProtocolPacket, Result) {
	if !m.askedAdapter {
		m.askedAdapter = true
		pkt := wire.NewProtocolPacket(wire.Header{Identifier: wire.IDMTUAsk})
		pkt.DoNotDiscard().DoNotReorder().DoNotFragment()
		return pkt, Waiting
	}

	if m.remainingSizes == nil {
		m.remainingSizes = append([]int(nil), defaultMTUTestSizes...)
	}

	if m.candidate == 0 && len(m.remainingSizes) > 0 {
		size := m.remainingSizes[0]
		m.remainingSizes = m.remainingSizes[1:]
		pkt := wire.NewProtocolPacket(wire.Header{Identifier: wire.IDMTUTest})
		pkt.Append(make([]byte, size-wire.HeaderSize))
		pkt.DoNotDiscard().DoNotReorder()
		return pkt, Waiting
	}

	if m.candidate > 0 && !m.sentFinal {
		m.sentFinal = true
		t.SetLocalMTUFinal(m.finalValue(t))
		pkt := wire.NewProtocolPacket(wire.Header{Identifier: wire.IDMTUFinal})
		pkt.DoNotDiscard().DoNotReorder()
		if m.peerFinalized {
			return pkt, Success
		}
		return pkt, Waiting
	}

	if m.sentFinal && m.peerFinalized {
		return nil, Success
	}
	return nil, Waiting
}
