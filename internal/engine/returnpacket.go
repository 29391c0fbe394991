package engine

import (
	"encoding/binary"
	"time"

	"github.com/tinyrange/rdgram/internal/ackcache"
	"github.com/tinyrange/rdgram/internal/events"
	"github.com/tinyrange/rdgram/internal/latency"
	"github.com/tinyrange/rdgram/internal/peerstate"
	"github.com/tinyrange/rdgram/internal/wire"
)

// returnScheduler accumulates a rolling return packet between ticks (§4.8):
// user code appends events via StartEvent/EndEvent, and on each tick the
// event count is rewritten at a fixed offset, the latency-planner block is
// appended, the acknowledged-reception set is appended, and the packet is
// pushed onto the owning client's pending-outbound queue.
type returnScheduler struct {
	client *peerstate.Client

	body       []byte
	eventCount uint16
	labels     []ackcache.Label
	lastTick   time.Time
}

func newReturnScheduler(client *peerstate.Client) *returnScheduler {
	return &returnScheduler{client: client, lastTick: time.Now()}
}

// StartEvent begins a length-prefixed event of the given kind; the caller
// builds the body with further Append* calls and finishes with EndEvent.
func (r *returnScheduler) StartEvent(kind events.Kind) *EventBuilder {
	return &EventBuilder{sched: r, kind: kind}
}

// EventBuilder accumulates one return-event's fields before EndEvent
// commits it to the scheduler's rolling return packet.
type EventBuilder struct {
	sched *returnScheduler
	kind  events.Kind
	body  []byte
}

func (b *EventBuilder) AppendUint16(v uint16) *EventBuilder {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	b.body = append(b.body, buf[:]...)
	return b
}

func (b *EventBuilder) AppendUint32(v uint32) *EventBuilder {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	b.body = append(b.body, buf[:]...)
	return b
}

func (b *EventBuilder) AppendBytes(p []byte) *EventBuilder {
	b.body = append(b.body, p...)
	return b
}

// EndEvent appends the finished event (u16 kind, u16 size, body) to the
// scheduler's accumulator.
func (b *EventBuilder) EndEvent() {
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(b.kind))
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(b.body)))
	b.sched.body = append(b.sched.body, hdr[:]...)
	b.sched.body = append(b.sched.body, b.body...)
	b.sched.eventCount++
}

// Tick builds and enqueues a return packet if packet-return-rate has
// elapsed since the last tick; it is a no-op otherwise.
func (r *returnScheduler) Tick(now time.Time, rate time.Duration, labels []ackcache.Label) {
	r.labels = append(r.labels, labels...)
	if now.Sub(r.lastTick) < rate {
		return
	}
	r.lastTick = now

	pkt := wire.NewProtocolPacket(wire.Header{Identifier: wire.IDReturnPacket})
	pkt.DoNotDiscard()

	pkt.AppendUint16(r.eventCount)
	pkt.Append(r.body)

	ourTS := nowMillis16(now)
	sampleOffset := pkt.Len()
	pkt.AppendUint16(0) // our-timestamp, rewritten by ApplyOptions
	pkt.QueueOption(sampleOffset, wire.OptionUpdateTimestamp)
	correctorOffset := pkt.Len()
	pkt.AppendUint16(0)
	pkt.QueueOption(correctorOffset, wire.OptionUpdateCorrectionLatency)

	sample := r.client.Planner().BuildSample(ourTS, uint64(now.UnixMilli()))
	pkt.AppendUint16(sample.OurLatency)
	pkt.AppendUint64(sample.FullTimestamp)
	pkt.AppendUint8(latency.EncodeSyncStat(sample.HaveTheirTS))
	if sample.HaveTheirTS {
		pkt.AppendUint16(sample.TheirTimestamp)
		r.client.Planner().AckExternalEcho()
	}
	r.client.Planner().PrepareSend(ourTS, now)

	pkt.AppendUint16(uint16(len(r.labels)))
	for _, l := range r.labels {
		pkt.AppendUint16(l.Counter)
		pkt.AppendUint8(l.Realm)
	}

	r.client.PushBack(pkt)

	r.body = nil
	r.eventCount = 0
	r.labels = nil
}

func nowMillis16(t time.Time) uint16 {
	return uint16(t.UnixMilli() & 0xFFFF)
}
