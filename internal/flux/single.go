package flux

import "github.com/tinyrange/rdgram/internal/peerstate"

// Single is the client-side flux variant: exactly one peer (the server),
// so there is no client table or shard routing, only the bounded deque
// itself and the lone Client record it fronts.
type Single struct {
	Flux   *Flux
	Server *peerstate.Client
}

// NewSingle returns a Single flux fronting server, bounded to capacity
// packets.
func NewSingle(server *peerstate.Client, capacity int) *Single {
	return &Single{Flux: New(capacity), Server: server}
}
