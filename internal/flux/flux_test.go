package flux

import (
	"testing"

	"github.com/tinyrange/rdgram/internal/wire"
)

func pkt(id wire.ID) *wire.ProtocolPacket {
	return wire.NewProtocolPacket(wire.Header{Identifier: id})
}

func TestFluxPushBackRespectsCapacity(t *testing.T) {
	f := New(2)
	if err := f.PushBack(pkt(1)); err != nil {
		t.Fatalf("PushBack 1: %v", err)
	}
	if err := f.PushBack(pkt(2)); err != nil {
		t.Fatalf("PushBack 2: %v", err)
	}
	if err := f.PushBack(pkt(3)); err != ErrFull {
		t.Fatalf("PushBack 3 = %v, want ErrFull", err)
	}
}

func TestFluxPushFrontOrdersAheadOfExisting(t *testing.T) {
	f := New(10)
	back := pkt(1)
	front := pkt(2)
	if err := f.PushBack(back); err != nil {
		t.Fatal(err)
	}
	f.PushFront(front)

	got, ok := f.PopFront()
	if !ok || got != front {
		t.Fatalf("PopFront() = %v, want the front-pushed packet first", got)
	}
	got, ok = f.PopFront()
	if !ok || got != back {
		t.Fatalf("PopFront() = %v, want the back-pushed packet second", got)
	}
}

func TestFluxPushFrontExceedsCapacityRatherThanDrop(t *testing.T) {
	f := New(1)
	if err := f.PushBack(pkt(1)); err != nil {
		t.Fatal(err)
	}
	f.PushFront(pkt(2))
	if got := f.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2 (front-push must not drop)", got)
	}
}

func TestFluxPopFrontEmpty(t *testing.T) {
	f := New(1)
	if _, ok := f.PopFront(); ok {
		t.Fatalf("PopFront() on empty flux returned ok=true")
	}
}
