// Package peerstate implements the per-peer Client record of §3 and the
// connection state machine of §4.6: status transitions, realm/counter
// bookkeeping, the pending-outbound queue, the acknowledged-reception set,
// and the embedded reorderer/cache/latency-planner/command-queue/crypto
// handle instances, all behind a single per-client mutex.
package peerstate

import "fmt"

// Status is one state in the connection lifecycle of §4.6.
type Status uint8

const (
	Disconnected Status = iota
	Acknowledged
	MTUDiscovered
	Connected
	Authenticated
	Timeout
)

// String returns the status's label, used in logs and diagnostics.
func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Acknowledged:
		return "acknowledged"
	case MTUDiscovered:
		return "mtu-discovered"
	case Connected:
		return "connected"
	case Authenticated:
		return "authenticated"
	case Timeout:
		return "timeout"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}
