package flux

import (
	"testing"

	"github.com/tinyrange/rdgram/internal/command"
	"github.com/tinyrange/rdgram/internal/config"
	"github.com/tinyrange/rdgram/internal/netaddr"
	"github.com/tinyrange/rdgram/internal/peerstate"
	"github.com/tinyrange/rdgram/internal/wire"
)

func newTestClient(id netaddr.Identity) func() *peerstate.Client {
	cfg := config.Default()
	return func() *peerstate.Client {
		return peerstate.New(id, command.SideServer, cfg, 1500)
	}
}

func TestGroupResolveAssignsShardsRoundRobin(t *testing.T) {
	g := NewGroup(3, 10)
	idA := netaddr.Identity{Port: 1}
	idB := netaddr.Identity{Port: 2}
	idC := netaddr.Identity{Port: 3}

	eA, createdA := g.Resolve(idA, newTestClient(idA))
	eB, createdB := g.Resolve(idB, newTestClient(idB))
	eC, createdC := g.Resolve(idC, newTestClient(idC))

	if !createdA || !createdB || !createdC {
		t.Fatalf("expected all three resolves to create a new entry")
	}
	if eA.FluxIndex == eB.FluxIndex || eB.FluxIndex == eC.FluxIndex {
		t.Fatalf("expected round-robin shard assignment: got %d %d %d", eA.FluxIndex, eB.FluxIndex, eC.FluxIndex)
	}
}

func TestGroupResolveIsIdempotentPerIdentity(t *testing.T) {
	g := NewGroup(2, 10)
	id := netaddr.Identity{Port: 1}
	e1, created1 := g.Resolve(id, newTestClient(id))
	e2, created2 := g.Resolve(id, newTestClient(id))
	if !created1 || created2 {
		t.Fatalf("expected exactly one creation, got created1=%v created2=%v", created1, created2)
	}
	if e1 != e2 {
		t.Fatalf("expected the same entry back for a known identity")
	}
}

func TestGroupRouteAndReleaseInOrder(t *testing.T) {
	g := NewGroup(2, 10)
	id := netaddr.Identity{Port: 1}

	if err := g.RouteReceived(id, wire.NewProtocolPacket(wire.Header{Identifier: 1}), newTestClient(id)); err != nil {
		t.Fatalf("RouteReceived: %v", err)
	}
	entry, _ := g.Resolve(id, newTestClient(id))
	if got := g.Shard(entry.FluxIndex).Len(); got != 1 {
		t.Fatalf("assigned shard Len() = %d, want 1", got)
	}

	front := wire.NewProtocolPacket(wire.Header{Identifier: 2})
	g.ReleaseInOrder(id, front)
	popped, ok := g.Shard(entry.FluxIndex).PopFront()
	if !ok || popped != front {
		t.Fatalf("ReleaseInOrder did not land at the head of the assigned shard")
	}
}

func TestForEachClientVisitsAllEntries(t *testing.T) {
	g := NewGroup(2, 10)
	ids := []netaddr.Identity{{Port: 1}, {Port: 2}, {Port: 3}}
	for _, id := range ids {
		g.Resolve(id, newTestClient(id))
	}
	seen := 0
	g.ForEachClient(func(*peerstate.Client) bool {
		seen++
		return true
	})
	if seen != len(ids) {
		t.Fatalf("ForEachClient visited %d clients, want %d", seen, len(ids))
	}
}

func TestRemoveClient(t *testing.T) {
	g := NewGroup(1, 10)
	id := netaddr.Identity{Port: 1}
	g.Resolve(id, newTestClient(id))
	g.RemoveClient(id)
	h := g.Table().Acquire()
	_, ok := h.Get(id)
	h.Release()
	if ok {
		t.Fatalf("expected client entry to be gone after RemoveClient")
	}
}
