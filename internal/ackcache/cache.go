// Package ackcache implements the ack-and-retransmit cache of §4.5: a
// bounded set of recently sent packets, matched against positive acks,
// resent on expiry, and dropped after a fixed retry limit.
package ackcache

import (
	"time"

	"github.com/tinyrange/rdgram/internal/wire"
)

// Label identifies a cached packet by its header's (counter, realm) pair.
type Label struct {
	Counter uint16
	Realm   uint8
}

type entry struct {
	label    Label
	pkt      *wire.ProtocolPacket
	firstAt  time.Time
	lastAt   time.Time
	tryCount int
}

// Pacer supplies the pieces of client state the cache needs to compute the
// per-round retransmit delay and to push retransmits: RTT, the return-rate
// cadence, a lost-packet counter, and a front-of-queue push.
type Pacer interface {
	ReturnRate() time.Duration
	RTT() time.Duration
	IncrementLost()
	PushFront(pkt *wire.ProtocolPacket)
	AllowMorePendingPackets(allow bool)
}

// Cache holds one peer's in-flight, do-not-discard-flagged outbound
// packets pending acknowledgement.
type Cache struct {
	capacity    int
	delayFactor float64
	minLatency  time.Duration
	retryLimit  int

	entries []entry
	alarm   bool
}

// New returns a Cache with the given bounds (spec defaults: capacity 512,
// delayFactor 2.0, minLatency 40ms, retryLimit 3 meaning 4 total sends).
func New(capacity int, delayFactor float64, minLatency time.Duration, retryLimit int) *Cache {
	return &Cache{
		capacity:    capacity,
		delayFactor: delayFactor,
		minLatency:  minLatency,
		retryLimit:  retryLimit,
	}
}

// Alarm reports whether the cache is at capacity and refusing new pushes.
func (c *Cache) Alarm() bool { return c.alarm }

// Len returns the number of packets currently cached.
func (c *Cache) Len() int { return len(c.entries) }

// Push marks pkt as cached and stores an owned copy keyed by its header
// label. On overflow it raises the alarm flag and refuses the push.
func (c *Cache) Push(pkt *wire.ProtocolPacket, now time.Time) {
	if len(c.entries) >= c.capacity {
		c.alarm = true
		return
	}
	pkt.MarkAsCached()
	c.entries = append(c.entries, entry{
		label:   Label{Counter: pkt.RetrieveCounter(), Realm: pkt.RetrieveRealm()},
		pkt:     pkt,
		firstAt: now,
		lastAt:  now,
	})
	if len(c.entries) >= c.capacity {
		c.alarm = true
	}
}

// AcknowledgeReception removes every entry matching any of labels. If the
// cache becomes empty, it clears the alarm.
func (c *Cache) AcknowledgeReception(labels []Label) {
	if len(labels) == 0 {
		return
	}
	want := make(map[Label]struct{}, len(labels))
	for _, l := range labels {
		want[l] = struct{}{}
	}
	kept := c.entries[:0]
	for _, e := range c.entries {
		if _, hit := want[e.label]; hit {
			continue
		}
		kept = append(kept, e)
	}
	c.entries = kept
	if len(c.entries) == 0 {
		c.alarm = false
	}
}

// Process walks every cached entry: expired entries are either resent (with
// an incremented try-count, pushed to the front of the pending-outbound
// queue) or, past the retry limit, dropped and counted as lost. Finally it
// applies backpressure by calling AllowMorePendingPackets(!alarm).
func (c *Cache) Process(now time.Time, pacer Pacer) {
	delay := c.clientDelay(pacer)

	kept := c.entries[:0]
	for _, e := range c.entries {
		if now.Sub(e.lastAt) >= delay {
			if e.tryCount == c.retryLimit {
				pacer.IncrementLost()
				continue
			}
			e.tryCount++
			e.lastAt = now
			pacer.PushFront(e.pkt.Clone())
		}
		kept = append(kept, e)
	}
	c.entries = kept
	if len(c.entries) < c.capacity {
		c.alarm = false
	}
	pacer.AllowMorePendingPackets(!c.alarm)
}

func (c *Cache) clientDelay(pacer Pacer) time.Duration {
	d := time.Duration(float64(pacer.ReturnRate())*c.delayFactor) + pacer.RTT()
	if d < c.minLatency {
		return c.minLatency
	}
	return d
}
