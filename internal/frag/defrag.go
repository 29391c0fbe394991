// Package frag implements the per-peer fragment reassembly engine (§4.2):
// groups keyed by fragment-group id, bounded concurrency, and the
// "any duplicate kills the group" forgery defence.
package frag

import (
	"fmt"

	"github.com/tinyrange/rdgram/internal/wire"
)

// Result classifies the outcome of feeding one fragment into the
// Defragmenter.
type Result uint8

const (
	// Waiting means more fragments are required before the group completes.
	Waiting Result = iota
	// Retrievable means the group is complete and Retrieve can be called.
	Retrievable
	// Discarded means the group was destroyed (duplicate, overflow, or
	// out-of-range fragment) and must not be retrieved.
	Discarded
)

type group struct {
	slots    [][]byte
	total    uint16
	received int
}

// Defragmenter reassembles fragmented packet groups for a single peer. It
// is not safe for concurrent use; callers serialize access the same way
// they serialize the rest of a peer's reception-path state.
type Defragmenter struct {
	maxGroups int
	groups    map[uint16]*group
	order     []uint16 // insertion order, oldest first, for eviction
}

// New returns a Defragmenter bounding concurrent groups to maxGroups
// (spec.md §9 Open Question: the original leaves this unbounded; this
// implementation evicts the oldest group on overflow).
func New(maxGroups int) *Defragmenter {
	if maxGroups <= 0 {
		maxGroups = 16
	}
	return &Defragmenter{
		maxGroups: maxGroups,
		groups:    make(map[uint16]*group),
	}
}

// Process feeds one fragment carrier into the defragmenter and returns its
// classification along with the group id it belongs to.
func (d *Defragmenter) Process(pkt *wire.ProtocolPacket) (Result, uint16, error) {
	id := pkt.FragmentGroupID()
	idx := pkt.RetrieveCounter()

	meta, err := wire.DecodeFragmentMeta(pkt.Bytes()[wire.HeaderSize:])
	if err != nil {
		return Discarded, id, err
	}
	payload := pkt.Bytes()[wire.HeaderSize+wire.FragmentMetaSize:]

	g, ok := d.groups[id]
	if !ok {
		g = &group{
			slots: make([][]byte, meta.Total),
			total: meta.Total,
		}
		d.admit(id, g)
		if idx >= g.total {
			d.discard(id)
			return Discarded, id, fmt.Errorf("frag: fragment index %d out of range for total %d", idx, g.total)
		}
		g.slots[idx] = append([]byte(nil), payload...)
		g.received = 1
		if g.received == int(g.total) {
			return Retrievable, id, nil
		}
		return Waiting, id, nil
	}

	if idx >= g.total || g.slots[idx] != nil {
		// Any duplicate or out-of-range fragment kills the whole group: a
		// defence against forgery and resource exhaustion, per §4.2.
		d.discard(id)
		return Discarded, id, nil
	}
	g.slots[idx] = append([]byte(nil), payload...)
	g.received++
	if g.received == int(g.total) {
		return Retrievable, id, nil
	}
	return Waiting, id, nil
}

// Retrieve concatenates a completed group's slots, recovers the original
// header embedded ahead of the first fragment's payload, and returns a
// fresh ProtocolPacket whose read cursor sits just past that header. The
// group is destroyed as a side effect.
func (d *Defragmenter) Retrieve(id uint16, from wire.Peer) (*wire.ProtocolPacket, error) {
	g, ok := d.groups[id]
	if !ok {
		return nil, fmt.Errorf("frag: group %d not found", id)
	}
	defer d.discard(id)

	var full []byte
	for i, slot := range g.slots {
		if slot == nil {
			return nil, fmt.Errorf("frag: group %d missing slot %d", id, i)
		}
		full = append(full, slot...)
	}
	if len(full) < wire.HeaderSize {
		return nil, fmt.Errorf("frag: reassembled group %d shorter than a header", id)
	}

	pkt, err := wire.WrapReceived(full, from)
	if err != nil {
		return nil, err
	}
	pkt.Skip(wire.HeaderSize)
	return pkt, nil
}

func (d *Defragmenter) admit(id uint16, g *group) {
	if _, exists := d.groups[id]; !exists {
		if len(d.order) >= d.maxGroups {
			oldest := d.order[0]
			d.order = d.order[1:]
			delete(d.groups, oldest)
		}
		d.order = append(d.order, id)
	}
	d.groups[id] = g
}

func (d *Defragmenter) discard(id uint16) {
	delete(d.groups, id)
	for i, v := range d.order {
		if v == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// GroupCount reports how many reassembly groups are currently pending,
// useful for tests and diagnostics.
func (d *Defragmenter) GroupCount() int { return len(d.groups) }
