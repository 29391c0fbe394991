// Package reorder implements the per-peer bounded reordering buffer of
// §4.3: a min-heap keyed by (realm, reordered-counter) that classifies and
// releases packets in order, forcing release when over capacity.
package reorder

import (
	"container/heap"

	"github.com/tinyrange/rdgram/internal/wire"
)

// Classification is the result of comparing a candidate packet against the
// peer's current (counter, reordered-counter, realm).
type Classification uint8

const (
	Retrievable Classification = iota
	OldRealm
	WaitingNextRealm
	OldCounter
	WaitingNextCounter
)

// PeerCursor is the subset of per-peer counters the reorderer needs to
// classify and advance. Client implements this; it is defined here,
// independent of the peer package, to avoid an import cycle.
type PeerCursor interface {
	CurrentRealm() uint8
	PeerCounter() uint16
	PeerReorderedCounter() uint16
	DoNotReorderMode() bool
}

// Classify implements the §4.3 classification table for one candidate
// packet against a peer's cursor.
func Classify(pkt *wire.ProtocolPacket, cur PeerCursor) Classification {
	realm := pkt.RetrieveRealm()
	counter := pkt.RetrieveCounter()
	reordered := pkt.RetrieveReorderedCounter()
	currentRealm := cur.CurrentRealm()

	if cur.DoNotReorderMode() || pkt.RetrieveFlags().Has(wire.FlagDoNotReorder) {
		if realm == currentRealm && counter < cur.PeerCounter() {
			return OldCounter
		}
		if realm != currentRealm {
			if counter == 0 && nextRealm(currentRealm) == realm {
				return Retrievable
			}
			if isOldRealm(realm, currentRealm) {
				return OldRealm
			}
			return WaitingNextRealm
		}
		return Retrievable
	}

	if isOldRealm(realm, currentRealm) {
		return OldRealm
	}
	if realm != currentRealm {
		if counter != 0 {
			return WaitingNextRealm
		}
		return Retrievable
	}
	next := cur.PeerReorderedCounter() + 1
	if reordered == next {
		return Retrievable
	}
	if reordered < next {
		return OldCounter
	}
	return WaitingNextCounter
}

// isOldRealm reports whether realm is old: every value other than current
// and current+1 (which is always "new", never old) counts as old, current-1
// included.
func isOldRealm(realm, current uint8) bool {
	if realm == current {
		return false
	}
	if realm == nextRealm(current) {
		return false
	}
	// Any other realm, current-1 or further behind, is old.
	return realm != current
}

func nextRealm(r uint8) uint8 { return r + 1 }

type entry struct {
	pkt       *wire.ProtocolPacket
	counter   uint16
	reordered uint16
	realm     uint8
}

type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].realm != h[j].realm {
		return h[i].realm < h[j].realm
	}
	return h[i].reordered < h[j].reordered
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)   { *h = append(*h, x.(entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	last := old[n-1]
	*h = old[:n-1]
	return last
}

// Reorderer buffers out-of-order reorderable packets for one peer, bounded
// to a fixed capacity, and releases them to a sink in strict
// (realm, reordered-counter) order.
type Reorderer struct {
	capacity int
	h        entryHeap
	forced   bool
	lost     uint64
}

// New returns a Reorderer with the given capacity (spec default 8).
func New(capacity int) *Reorderer {
	if capacity <= 0 {
		capacity = 8
	}
	r := &Reorderer{capacity: capacity}
	heap.Init(&r.h)
	return r
}

// Forced reports whether the reorderer is in forced-release mode.
func (r *Reorderer) Forced() bool { return r.forced }

// Lost returns the cumulative count of packets this reorderer has sacrificed
// to forced release.
func (r *Reorderer) Lost() uint64 { return r.lost }

// Len reports the number of packets currently buffered.
func (r *Reorderer) Len() int { return r.h.Len() }

// Push inserts a reorderable packet into the heap. It rejects packets
// carrying DoNotReorder (callers must route those around the reorderer
// entirely) and enters forced mode if the insert pushes the buffer over
// capacity.
func (r *Reorderer) Push(pkt *wire.ProtocolPacket) error {
	if pkt.RetrieveFlags().Has(wire.FlagDoNotReorder) {
		return errDoNotReorderPushed
	}
	heap.Push(&r.h, entry{
		pkt:       pkt,
		counter:   pkt.RetrieveCounter(),
		reordered: pkt.RetrieveReorderedCounter(),
		realm:     pkt.RetrieveRealm(),
	})
	if r.h.Len() > r.capacity {
		r.forced = true
	}
	return nil
}

// Sink receives packets released in order; implemented by flux's push-front
// operation.
type Sink interface {
	PushFront(pkt *wire.ProtocolPacket)
}

// Process peeks the heap top: an old-realm top is discarded and counted as
// lost; a non-retrievable top is left alone unless forced; otherwise
// successive in-order packets are popped and pushed to sink, preserving
// their relative order, until the heap empties or the next top is not yet
// ready (and not forced). Forced mode clears once the buffer empties.
func (r *Reorderer) Process(cur PeerCursor, sink Sink, advance func(realm uint8, counter, reordered uint16)) {
	for r.h.Len() > 0 {
		top := r.h[0]
		class := classifyEntry(top, cur)
		switch class {
		case OldRealm, OldCounter:
			heap.Pop(&r.h)
			r.lost++
			continue
		case Retrievable:
			heap.Pop(&r.h)
			sink.PushFront(top.pkt)
			advance(top.realm, top.counter, top.reordered)
			continue
		default: // WaitingNextRealm, WaitingNextCounter
			if !r.forced {
				return
			}
			heap.Pop(&r.h)
			sink.PushFront(top.pkt)
			advance(top.realm, top.counter, top.reordered)
			r.lost++
		}
	}
	r.forced = false
}

func classifyEntry(e entry, cur PeerCursor) Classification {
	return Classify(e.pkt, cur)
}

type reordErr string

func (e reordErr) Error() string { return string(e) }

const errDoNotReorderPushed = reordErr("reorder: do-not-reorder packet must not be pushed to the reorderer")
