package flux

import (
	"sync"

	"github.com/tinyrange/rdgram/internal/netaddr"
	"github.com/tinyrange/rdgram/internal/peerstate"
)

// Entry is the server's per-client table row: the client record itself
// (which already carries its own auxiliary data — pending commands,
// defragmenter, MTU state) plus which flux shard its released traffic is
// routed to.
type Entry struct {
	Client    *peerstate.Client
	FluxIndex int
}

// Table is the identity → client map of §3's client table. Its lock is an
// explicit acquire/release handle rather than a plain mutex so the
// reception loop can hold it across a whole iteration of work, matching
// the lock-order discipline of server → flux → client-list → client.
type Table struct {
	mu      sync.Mutex
	entries map[netaddr.Identity]*Entry
}

// NewTable returns an empty client table.
func NewTable() *Table {
	return &Table{entries: make(map[netaddr.Identity]*Entry)}
}

// Handle is a held lock on a Table, returned by Acquire.
type Handle struct {
	t *Table
}

// Acquire locks the table and returns a handle for the duration of one
// processing iteration. The caller must call Release when done.
func (t *Table) Acquire() *Handle {
	t.mu.Lock()
	return &Handle{t: t}
}

// Release unlocks the table.
func (h *Handle) Release() {
	h.t.mu.Unlock()
}

// Get returns the entry for id, if present.
func (h *Handle) Get(id netaddr.Identity) (*Entry, bool) {
	e, ok := h.t.entries[id]
	return e, ok
}

// GetOrCreate returns the existing entry for id, or creates one via factory
// and assignFlux (invoked only on creation) and stores it.
func (h *Handle) GetOrCreate(id netaddr.Identity, factory func() *peerstate.Client, assignFlux func() int) (*Entry, bool) {
	if e, ok := h.t.entries[id]; ok {
		return e, false
	}
	e := &Entry{Client: factory(), FluxIndex: assignFlux()}
	h.t.entries[id] = e
	return e, true
}

// Delete removes id's entry, if any.
func (h *Handle) Delete(id netaddr.Identity) {
	delete(h.t.entries, id)
}

// Len reports the number of entries.
func (h *Handle) Len() int { return len(h.t.entries) }

// Range calls fn for every entry; fn returning false stops iteration early.
func (h *Handle) Range(fn func(id netaddr.Identity, e *Entry) bool) {
	for id, e := range h.t.entries {
		if !fn(id, e) {
			return
		}
	}
}
