package peerstate

import (
	"testing"
	"time"

	"github.com/tinyrange/rdgram/internal/ackcache"
	"github.com/tinyrange/rdgram/internal/command"
	"github.com/tinyrange/rdgram/internal/config"
	"github.com/tinyrange/rdgram/internal/netaddr"
	"github.com/tinyrange/rdgram/internal/wire"
)

func mustPacket(t *testing.T, id wire.ID) *wire.ProtocolPacket {
	t.Helper()
	return wire.NewProtocolPacket(wire.Header{Identifier: id})
}

func testClient(t *testing.T) *Client {
	t.Helper()
	cfg := config.Default()
	id := netaddr.Identity{Port: 4000}
	return New(id, command.SideServer, cfg, 1500)
}

func TestNewDefaultsToDisconnected(t *testing.T) {
	c := testClient(t)
	if got := c.Status(); got != Disconnected {
		t.Fatalf("Status() = %v, want Disconnected", got)
	}
}

func TestHandshakeAcknowledgeTransition(t *testing.T) {
	c := testClient(t)
	if magic := c.HandshakeMagic(); magic != "RDGRAM-HELLO" {
		t.Fatalf("HandshakeMagic() = %q", magic)
	}
	c.SetAcknowledged()
	if got := c.Status(); got != Acknowledged {
		t.Fatalf("Status() after SetAcknowledged = %v, want Acknowledged", got)
	}
}

func TestMTUFinalizationBothSidesRequired(t *testing.T) {
	c := testClient(t)
	c.SetAcknowledged()

	c.SetLocalMTUFinal(1400)
	if got := c.Status(); got != Acknowledged {
		t.Fatalf("Status() after only local final = %v, want still Acknowledged", got)
	}

	c.SetPeerMTUFinal(1200)
	if got := c.Status(); got != MTUDiscovered {
		t.Fatalf("Status() after both finals = %v, want MTUDiscovered", got)
	}
	if got := c.DiscoveredMTU(); got != 1200 {
		t.Fatalf("DiscoveredMTU() = %d, want 1200 (min of the two)", got)
	}
}

func TestMTUFloorFollowsAddressFamily(t *testing.T) {
	cfg := config.Default()
	v4 := New(netaddr.Identity{Port: 1}, command.SideClient, cfg, 0)
	if got := v4.MTUFloor(); got != cfg.MTUFloorV4 {
		t.Fatalf("MTUFloor() v4 = %d, want %d", got, cfg.MTUFloorV4)
	}
}

func TestNextSequenceWrapsRealm(t *testing.T) {
	c := testClient(t)
	c.localCounter = 0xFFFF
	startRealm := c.localRealm
	realm, counter, _ := c.NextSequence(false)
	if counter != 0 {
		t.Fatalf("counter after wrap = %d, want 0", counter)
	}
	if realm != startRealm+1 {
		t.Fatalf("realm after wrap = %d, want %d", realm, startRealm+1)
	}
}

func TestNextSequenceOnlyAdvancesReorderedCounterWhenReorderable(t *testing.T) {
	c := testClient(t)
	_, _, r1 := c.NextSequence(false)
	_, _, r2 := c.NextSequence(true)
	if r1 != 0 {
		t.Fatalf("reordered counter after non-reorderable send = %d, want 0", r1)
	}
	if r2 != 1 {
		t.Fatalf("reordered counter after reorderable send = %d, want 1", r2)
	}
}

func TestPendingOutboundQueueOrdering(t *testing.T) {
	c := testClient(t)
	a := mustPacket(t, 1)
	b := mustPacket(t, 2)
	c.PushBack(a)
	c.PushBack(b)
	front := mustPacket(t, 3)
	c.PushFront(front)

	if got := c.PopFront(); got != front {
		t.Fatalf("PopFront() order wrong: expected front-pushed packet first")
	}
	if got := c.PopFront(); got != a {
		t.Fatalf("PopFront() order wrong: expected first back-pushed packet second")
	}
	if got := c.PopFront(); got != b {
		t.Fatalf("PopFront() order wrong: expected second back-pushed packet third")
	}
	if got := c.PopFront(); got != nil {
		t.Fatalf("PopFront() on empty queue = %v, want nil", got)
	}
}

func TestLostThresholdFiresCallback(t *testing.T) {
	c := testClient(t)
	var fired int
	c.SetLostThreshold(2, func(*Client) { fired++ })
	c.IncrementLost()
	if fired != 0 {
		t.Fatalf("callback fired before reaching threshold")
	}
	c.IncrementLost()
	if fired != 1 {
		t.Fatalf("callback fired %d times, want 1", fired)
	}
}

func TestCheckTimeoutRespectsDeadline(t *testing.T) {
	c := testClient(t)
	c.statusDeadline = time.Now().Add(-time.Second)
	if !c.CheckTimeout(time.Now()) {
		t.Fatalf("CheckTimeout() = false, want true once deadline has passed")
	}
	if got := c.Status(); got != Timeout {
		t.Fatalf("Status() = %v, want Timeout", got)
	}
}

func TestAckLabelQueueDrains(t *testing.T) {
	c := testClient(t)
	c.QueueAck(ackcache.Label{Counter: 1, Realm: 0})
	c.QueueAck(ackcache.Label{Counter: 2, Realm: 0})
	labels := c.DrainAcks()
	if len(labels) != 2 {
		t.Fatalf("DrainAcks() returned %d labels, want 2", len(labels))
	}
	if len(c.DrainAcks()) != 0 {
		t.Fatalf("DrainAcks() should be empty after a prior drain")
	}
}
