package flux

import (
	"sync"

	"github.com/tinyrange/rdgram/internal/netaddr"
	"github.com/tinyrange/rdgram/internal/peerstate"
	"github.com/tinyrange/rdgram/internal/wire"
)

// Group is the server-side flux variant: a sharded set of Flux instances
// plus the client table they front, and a default flux outside the shard
// set. RouteReceived never uses the default flux: it creates a client entry
// for the first packet from any identity, handshake included. The
// server mutex here protects only the shard list and the table pointer
// assignment; the per-flux mutex and the table's own acquire/release lock
// protect their respective contents, per the lock order server → flux →
// client-list → client.
type Group struct {
	mu     sync.Mutex
	shards []*Flux
	next   int

	defaultFlux *Flux
	table       *Table
}

// NewGroup returns a Group with shardCount flux shards (plus one default
// flux), each bounded to capacity packets.
func NewGroup(shardCount, capacity int) *Group {
	if shardCount <= 0 {
		shardCount = 1
	}
	shards := make([]*Flux, shardCount)
	for i := range shards {
		shards[i] = New(capacity)
	}
	return &Group{
		shards:      shards,
		defaultFlux: New(capacity),
		table:       NewTable(),
	}
}

// DefaultFlux returns the group's default flux. Neither RouteReceived nor
// ReleaseInOrder pushes packets onto it.
func (g *Group) DefaultFlux() *Flux { return g.defaultFlux }

// Table returns the client table so callers can Acquire it directly for
// multi-step work (e.g. the command-queue tick).
func (g *Group) Table() *Table { return g.table }

// bumpFluxIndex returns the next shard index in round-robin order,
// spreading newly admitted clients across the shard set to bound per-flux
// contention.
func (g *Group) bumpFluxIndex() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx := g.next
	g.next = (g.next + 1) % len(g.shards)
	return idx
}

// Shard returns the flux shard at index i.
func (g *Group) Shard(i int) *Flux { return g.shards[i] }

// ShardCount reports the number of shards (excluding the default flux).
func (g *Group) ShardCount() int { return len(g.shards) }

// Resolve returns the client entry for id, creating one via factory (and
// assigning it to the next shard) if this is the first packet seen from
// this identity.
func (g *Group) Resolve(id netaddr.Identity, factory func() *peerstate.Client) (*Entry, bool) {
	h := g.table.Acquire()
	defer h.Release()
	return h.GetOrCreate(id, factory, g.bumpFluxIndex)
}

// RouteReceived resolves id's client entry and enqueues pkt on the tail of
// that client's assigned shard.
func (g *Group) RouteReceived(id netaddr.Identity, pkt *wire.ProtocolPacket, factory func() *peerstate.Client) error {
	entry, _ := g.Resolve(id, factory)
	return g.shards[entry.FluxIndex].PushBack(pkt)
}

// ReleaseInOrder pushes pkt to the front of id's assigned shard, the
// destination the reorderer's release path targets; it is a no-op if id
// has no client entry yet.
func (g *Group) ReleaseInOrder(id netaddr.Identity, pkt *wire.ProtocolPacket) {
	h := g.table.Acquire()
	entry, ok := h.Get(id)
	h.Release()
	if !ok {
		return
	}
	g.shards[entry.FluxIndex].PushFront(pkt)
}

// ForEachClient iterates every client in the client table, used by the
// engine's periodic return-packet tick and the GC sweep. fn returning false
// stops iteration.
func (g *Group) ForEachClient(fn func(*peerstate.Client) bool) {
	h := g.table.Acquire()
	defer h.Release()
	h.Range(func(_ netaddr.Identity, e *Entry) bool {
		return fn(e.Client)
	})
}

// RemoveClient deletes id's table entry, used by the GC sweep once a weak
// client reference has expired.
func (g *Group) RemoveClient(id netaddr.Identity) {
	h := g.table.Acquire()
	defer h.Release()
	h.Delete(id)
}
