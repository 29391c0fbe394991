package engine

import (
	"github.com/tinyrange/rdgram/internal/command"
	"github.com/tinyrange/rdgram/internal/events"
	"github.com/tinyrange/rdgram/internal/netaddr"
	"github.com/tinyrange/rdgram/internal/peerstate"
	"github.com/tinyrange/rdgram/internal/reorder"
	"github.com/tinyrange/rdgram/internal/wire"
)

// inboundSink is the per-peer destination the reception path hands
// fully-processed packets to: either a flux shard directly (reorder.Sink)
// or, when the reorderer is involved, the reorderer's own release path
// targets the same sink.
type inboundSink interface {
	PushFront(pkt *wire.ProtocolPacket)
	PushBack(pkt *wire.ProtocolPacket) error
}

// handleMTUTestEcho answers an oversize NET_INTERNAL_ID_MTU_TEST probe
// immediately from the reception path (§4.9), rather than routing it
// through the command queue: the response's size is what lets the sender's
// mtuState treat this candidate as confirmed.
func handleMTUTestEcho(pkt *wire.ProtocolPacket, client *peerstate.Client) bool {
	if pkt.RetrieveHeaderID() != wire.IDMTUTest {
		return false
	}
	resp := wire.NewProtocolPacket(wire.Header{Identifier: wire.IDMTUTestResponse})
	resp.DoNotDiscard().DoNotReorder()
	if pad := pkt.Len() - wire.HeaderSize; pad > 0 {
		resp.Append(make([]byte, pad))
	}
	client.PushBack(resp)
	return true
}

// deliver runs one decoded, decompressed, defragmented ProtocolPacket
// through command dispatch or reordering, matching the tail of the
// reception-thread pseudocode in §4.9.
func deliver(pkt *wire.ProtocolPacket, from netaddr.Identity, side command.Side, client *peerstate.Client, sink inboundSink, handler events.Handler) {
	client.Touch()

	if pkt.RetrieveHeaderID() < wire.IDUserBase && pkt.RetrieveHeaderID() != wire.IDReturnPacket {
		client.Commands().OnReceive(pkt, side, client)
		notifyAck(client, pkt, handler)
		return
	}

	if pkt.RetrieveHeaderID() == wire.IDReturnPacket {
		handleReturnPacket(pkt, client)
		notifyAck(client, pkt, handler)
		return
	}

	if pkt.RetrieveFlags().Has(wire.FlagDoNotReorder) {
		sink.PushFront(pkt)
		client.AdvancePeerCursor(pkt.RetrieveRealm(), pkt.RetrieveCounter(), pkt.RetrieveReorderedCounter())
		notifyAck(client, pkt, handler)
		return
	}

	class := reorder.Classify(pkt, client)
	switch class {
	case reorder.OldRealm, reorder.OldCounter:
		if handler != nil {
			handler(events.Notification{Kind: events.NotifyPacketDropped, Detail: "stale sequencing"})
		}
		return
	case reorder.Retrievable:
		sink.PushFront(pkt)
		client.AdvancePeerCursor(pkt.RetrieveRealm(), pkt.RetrieveCounter(), pkt.RetrieveReorderedCounter())
	default:
		if err := client.Reorderer().Push(pkt); err != nil {
			return
		}
	}
	client.Reorderer().Process(client, flatSink{sink}, client.AdvancePeerCursor)

	notifyAck(client, pkt, handler)
}

// flatSink adapts inboundSink to reorder.Sink (PushFront only).
type flatSink struct{ s inboundSink }

func (f flatSink) PushFront(pkt *wire.ProtocolPacket) { f.s.PushFront(pkt) }

func notifyAck(client *peerstate.Client, pkt *wire.ProtocolPacket, handler events.Handler) {
	if !pkt.RetrieveFlags().Has(wire.FlagDoNotDiscard) {
		return
	}
	client.QueueAck(ackLabel(pkt))
	if handler != nil {
		handler(events.Notification{Kind: events.NotifyAcknowledged})
	}
}
