package engine

import (
	"time"

	"github.com/tinyrange/rdgram/internal/ackcache"
	"github.com/tinyrange/rdgram/internal/latency"
	"github.com/tinyrange/rdgram/internal/peerstate"
	"github.com/tinyrange/rdgram/internal/wire"
)

func ackLabel(pkt *wire.ProtocolPacket) ackcache.Label {
	return ackcache.Label{Counter: pkt.RetrieveCounter(), Realm: pkt.RetrieveRealm()}
}

// handleReturnPacket parses an inbound return packet's body (§4.8/§4.4):
// the event list (skipped here, since event semantics belong to the
// application), the latency-planner sample, and the acknowledged-reception
// label set, which it feeds to the client's cache and planner.
func handleReturnPacket(pkt *wire.ProtocolPacket, client *peerstate.Client) {
	body := pkt.Bytes()[wire.HeaderSize:]
	r := wire.NewPacketFromBytes(append([]byte(nil), body...))

	eventCount := r.ReadUint16()
	for i := uint16(0); i < eventCount && r.Valid(); i++ {
		r.ReadUint16() // kind
		size := r.ReadUint16()
		r.ReadBytes(int(size))
	}
	if !r.Valid() {
		return
	}

	ourTimestamp := r.ReadUint16()
	corrector := r.ReadUint16()
	ourLatency := r.ReadUint16()
	fullTimestamp := r.ReadUint64()
	syncStat := r.ReadUint8()
	sample := latency.Sample{
		OurTimestamp:  ourTimestamp,
		Corrector:     corrector,
		OurLatency:    ourLatency,
		FullTimestamp: fullTimestamp,
	}
	if syncStat&0x1 != 0 {
		sample.HaveTheirTS = true
		sample.TheirTimestamp = r.ReadUint16()
	}
	if !r.Valid() {
		return
	}
	client.Planner().Receive(sample, uint64(time.Now().UnixMilli()), time.Now())

	ackCount := r.ReadUint16()
	labels := make([]ackcache.Label, 0, ackCount)
	for i := uint16(0); i < ackCount && r.Valid(); i++ {
		counter := r.ReadUint16()
		realm := r.ReadUint8()
		labels = append(labels, ackcache.Label{Counter: counter, Realm: realm})
	}
	if r.Valid() {
		client.Cache().AcknowledgeReception(labels)
	}
}
