// Package flux implements the bounded inbound packet queue of §3: a single
// deque of received ProtocolPackets guarded by its own mutex, plus (in the
// server variant, see group.go) the client table it fronts and the
// round-robin sharding across multiple flux instances.
package flux

import (
	"fmt"
	"sync"

	"github.com/tinyrange/rdgram/internal/wire"
)

// Flux is a bounded FIFO deque of received packets. PushBack enqueues newly
// arrived traffic; PushFront is used by the reorderer's release path, which
// must preserve the relative order of an in-order run at the head of the
// queue ahead of whatever is already waiting.
type Flux struct {
	mu       sync.Mutex
	capacity int
	items    []*wire.ProtocolPacket
}

// New returns an empty Flux bounded to capacity packets (spec default 200).
func New(capacity int) *Flux {
	if capacity <= 0 {
		capacity = 200
	}
	return &Flux{capacity: capacity}
}

// ErrFull is returned by PushBack/PushFront when the flux is at capacity.
var ErrFull = fmt.Errorf("flux: at capacity")

// PushBack appends pkt to the tail.
func (f *Flux) PushBack(pkt *wire.ProtocolPacket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.items) >= f.capacity {
		return ErrFull
	}
	f.items = append(f.items, pkt)
	return nil
}

// PushFront prepends pkt, implementing reorder.Sink.
func (f *Flux) PushFront(pkt *wire.ProtocolPacket) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// The reorderer's release path must never drop a packet it has already
	// committed to delivering, so a front-push is allowed to transiently
	// exceed capacity; PushBack still enforces the bound for new arrivals.
	f.items = append([]*wire.ProtocolPacket{pkt}, f.items...)
}

// PopFront removes and returns the head packet, or (nil, false) if empty.
func (f *Flux) PopFront() (*wire.ProtocolPacket, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.items) == 0 {
		return nil, false
	}
	pkt := f.items[0]
	f.items = f.items[1:]
	return pkt, true
}

// Len reports the number of packets currently queued.
func (f *Flux) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// RemainingCapacity reports how many more packets PushBack will accept
// before returning ErrFull.
func (f *Flux) RemainingCapacity() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.capacity - len(f.items)
}
