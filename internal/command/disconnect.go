package command

import "github.com/tinyrange/rdgram/internal/wire"

// disconnectOnReceive moves the receiver to Disconnected the moment a
// DISCONNECT packet arrives, per §4.6.
func disconnectOnReceive(pkt *wire.ProtocolPacket, side Side, t Target) Result {
	if pkt.RetrieveHeaderID() != wire.IDDisconnect {
		return Waiting
	}
	t.SetDisconnected()
	return Success
}

// disconnectUpdate emits the single DISCONNECT packet; the sender's own
// transition to Disconnected happens only after it has actually been sent,
// which the engine applies once this packet leaves the transmission
// pipeline.
func disconnectUpdate(side Side, t Target) (*wire.ProtocolPacket, Result) {
	pkt := wire.NewProtocolPacket(wire.Header{Identifier: wire.IDDisconnect})
	pkt.DoNotReorder()
	return pkt, Success
}
