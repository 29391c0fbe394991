package command

import (
	"time"

	"github.com/tinyrange/rdgram/internal/wire"
)

// onReceive validates an incoming handshake body against the configured
// magic string and, server-side, the exact-match versioning string. On
// success the client is moved to Acknowledged. Anything malformed is
// silently dropped (returns Waiting, not Failure, so a forged/garbled
// packet never tears down a legitimate in-flight handshake).
func (h *handshakeState) onReceive(pkt *wire.ProtocolPacket, side Side, t Target) Result {
	if pkt.RetrieveHeaderID() != wire.IDHandshake {
		return Waiting
	}
	magic := t.HandshakeMagic()
	body := pkt.Bytes()[wire.HeaderSize:]
	if len(body) < len(magic) || string(body[:len(magic)]) != magic {
		return Waiting
	}

	switch side {
	case SideServer:
		rest := body[len(magic):]
		if len(rest) < 2 {
			return Waiting
		}
		n := int(rest[0])<<8 | int(rest[1])
		if len(rest) < 2+n {
			return Waiting
		}
		versioning := string(rest[2 : 2+n])
		if versioning != h.versioning {
			return Waiting
		}
		t.SetAcknowledged()
		return Success
	case SideClient:
		// The server's reply only echoes the magic string; seeing it
		// confirms the handshake and the client can proceed to MTU probe.
		t.SetAcknowledged()
		return Success
	}
	return Waiting
}

// update emits the handshake packet once (client side) and otherwise waits
// for a reply; server-side, update never emits anything — the server only
// reacts in onReceive.
func (h *handshakeState) update(side Side, t Target, elapsed time.Duration) (*wire.ProtocolPacket, Result) {
	if side == SideServer {
		return nil, Waiting
	}
	if h.sent {
		return nil, Waiting
	}
	h.sent = true

	pkt := wire.NewProtocolPacket(wire.Header{Identifier: wire.IDHandshake})
	pkt.Append([]byte(t.HandshakeMagic()))
	vb := []byte(h.versioning)
	pkt.AppendUint16(uint16(len(vb)))
	pkt.Append(vb)
	pkt.DoNotDiscard().DoNotReorder()
	return pkt, Waiting
}
