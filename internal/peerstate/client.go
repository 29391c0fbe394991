package peerstate

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tinyrange/rdgram/internal/ackcache"
	"github.com/tinyrange/rdgram/internal/command"
	"github.com/tinyrange/rdgram/internal/config"
	"github.com/tinyrange/rdgram/internal/dtlscrypto"
	"github.com/tinyrange/rdgram/internal/frag"
	"github.com/tinyrange/rdgram/internal/latency"
	"github.com/tinyrange/rdgram/internal/netaddr"
	"github.com/tinyrange/rdgram/internal/reorder"
	"github.com/tinyrange/rdgram/internal/wire"
)

// Client is the per-peer record of §3: sequencing counters for both
// directions, the connection state machine of §4.6, the embedded
// defragmenter/reorderer/ack-cache/latency-planner/command-queue, the
// pending outbound queue, and a rate limiter exposed through Limiter, which
// nothing in this module consults. Methods that read or change mutable
// state take the single mutex described in §3; the immutable getters and
// the subsystem accessors return without locking.
type Client struct {
	mu sync.Mutex

	identity netaddr.Identity
	side     command.Side
	cfg      config.Config

	status         Status
	statusDeadline time.Time

	// Local (outbound) sequencing. Counter wraps mod 2^16 and bumps realm on
	// wraparound; ReorderedCounter only advances for reorderable traffic.
	localRealm            uint8
	localCounter          uint16
	localReorderedCounter uint16

	// Peer (inbound) cursor, read by the reorderer through PeerCursor.
	peerRealm            uint8
	peerCounter          uint16
	peerReorderedCounter uint16
	doNotReorderMode     bool

	handshakeMagic string

	localAdapterMTU int
	mtuCeiling      int
	mtuFloorV4      int
	mtuFloorV6      int
	localMTUFinal   int
	peerMTUFinal    int
	havePeerMTUFinal bool
	mtuCandidate    int

	dtls *dtlscrypto.Session

	commands  command.Queue
	defrag    *frag.Defragmenter
	reorderer *reorder.Reorderer
	cache     *ackcache.Cache
	planner   *latency.Planner
	limiter   *rate.Limiter

	outbound  []*wire.ProtocolPacket
	ackLabels []ackcache.Label

	lost          uint64
	lostThreshold uint64
	onLostLimit   func(*Client)

	allowMorePending bool

	lastSendAt time.Time
}

// New constructs a Client for identity, on the given side of the
// connection, governed by cfg. adapterMTU is the local socket's discovered
// path-MTU hint (0 if unknown).
func New(identity netaddr.Identity, side command.Side, cfg config.Config, adapterMTU int) *Client {
	c := &Client{
		identity:         identity,
		side:             side,
		cfg:              cfg,
		status:           Disconnected,
		statusDeadline:   time.Now().Add(cfg.DefaultStatusTimeout),
		handshakeMagic:   cfg.HandshakeMagic,
		localAdapterMTU:  adapterMTU,
		mtuCeiling:       cfg.MTUCeiling,
		mtuFloorV4:       cfg.MTUFloorV4,
		mtuFloorV6:       cfg.MTUFloorV6,
		defrag:           frag.New(cfg.DefragmenterMaxGroups),
		reorderer:        reorder.New(cfg.ReordererCapacity),
		cache:            ackcache.New(cfg.CacheMax, cfg.CacheDelayFactor, cfg.CacheMinLatency, cfg.CacheRetryLimit),
		planner:          latency.New(cfg.DefaultLatency, cfg.LatencyOffsetWindow),
		limiter:          rate.NewLimiter(rate.Every(cfg.PacketReturnRate), cfg.MaxFluxPackets),
		allowMorePending: true,
	}
	return c
}

// Identity returns the peer's address/port key.
func (c *Client) Identity() netaddr.Identity { return c.identity }

// Side reports which end of the connection this record represents.
func (c *Client) Side() command.Side { return c.side }

// Status returns the current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// setStatus transitions status and resets the idle deadline; callers must
// hold the lock.
func (c *Client) setStatus(s Status) {
	c.status = s
	if s == Connected || s == Authenticated {
		c.statusDeadline = time.Now().Add(c.cfg.ConnectedTimeout)
	} else {
		c.statusDeadline = time.Now().Add(c.cfg.DefaultStatusTimeout)
	}
}

// Touch extends the idle deadline without changing status, called whenever
// any packet is received from this peer.
func (c *Client) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == Connected || c.status == Authenticated {
		c.statusDeadline = time.Now().Add(c.cfg.ConnectedTimeout)
	} else {
		c.statusDeadline = time.Now().Add(c.cfg.DefaultStatusTimeout)
	}
}

// CheckTimeout reports whether the peer has been idle past its deadline; if
// so it transitions to Timeout and returns true.
func (c *Client) CheckTimeout(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == Disconnected || c.status == Timeout {
		return c.status == Timeout
	}
	if now.After(c.statusDeadline) {
		c.status = Timeout
		return true
	}
	return false
}

// MarkMTUDiscovered advances MTUDiscovered once both sides' final MTUs are
// known; it is a no-op if the peer is already past that point.
func (c *Client) MarkMTUDiscovered() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == Acknowledged {
		c.setStatus(MTUDiscovered)
	}
}

// MarkConnected advances the peer to Connected once its DTLS handshake has
// completed, resetting both sequencing counters to 0 per §4.6.
func (c *Client) MarkConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStatus(Connected)
	c.localRealm = 0
	c.localCounter = 0
	c.localReorderedCounter = 0
	c.peerRealm = 0
	c.peerCounter = 0
	c.peerReorderedCounter = 0
}

// MarkAuthenticated advances the peer to Authenticated once the
// application layer has confirmed identity beyond transport-level trust.
func (c *Client) MarkAuthenticated() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStatus(Authenticated)
}

// DiscoveredMTU returns the negotiated MTU: the smaller of both sides'
// finalized values, or 0 if discovery has not completed.
func (c *Client) DiscoveredMTU() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.localMTUFinal == 0 || !c.havePeerMTUFinal {
		return 0
	}
	if c.localMTUFinal < c.peerMTUFinal {
		return c.localMTUFinal
	}
	return c.peerMTUFinal
}

// --- command.Target ---

func (c *Client) HandshakeMagic() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshakeMagic
}

func (c *Client) SetAcknowledged() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStatus(Acknowledged)
}

func (c *Client) MarkMTUCandidate(mtu int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mtuCandidate = mtu
}

func (c *Client) LocalAdapterMTU() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localAdapterMTU
}

func (c *Client) SetLocalMTUFinal(mtu int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localMTUFinal = mtu
	if c.havePeerMTUFinal {
		c.setStatus(MTUDiscovered)
	}
}

func (c *Client) PeerMTUFinal() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerMTUFinal, c.havePeerMTUFinal
}

func (c *Client) SetPeerMTUFinal(mtu int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerMTUFinal = mtu
	c.havePeerMTUFinal = true
	if c.localMTUFinal > 0 {
		c.setStatus(MTUDiscovered)
	}
}

func (c *Client) MTUCeiling() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mtuCeiling
}

func (c *Client) MTUFloor() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity.Addr.Family() == netaddr.FamilyV6 {
		return c.mtuFloorV6
	}
	return c.mtuFloorV4
}

func (c *Client) SetDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = Disconnected
}

// --- reorder.PeerCursor ---

func (c *Client) CurrentRealm() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerRealm
}

func (c *Client) PeerCounter() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerCounter
}

func (c *Client) PeerReorderedCounter() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerReorderedCounter
}

func (c *Client) DoNotReorderMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doNotReorderMode
}

// AdvancePeerCursor records a newly accepted inbound packet's sequencing
// fields; it is passed as the reorderer's advance callback.
func (c *Client) AdvancePeerCursor(realm uint8, counter, reordered uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerRealm = realm
	c.peerCounter = counter
	c.peerReorderedCounter = reordered
}

// SetDoNotReorderMode toggles whether this peer's stream is currently being
// treated as unordered (e.g. while a MTU probe or handshake is in flight).
func (c *Client) SetDoNotReorderMode(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.doNotReorderMode = v
}

// --- ackcache.Pacer ---

func (c *Client) ReturnRate() time.Duration {
	return c.cfg.PacketReturnRate
}

func (c *Client) RTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.planner.RTTEstimate()
}

func (c *Client) IncrementLost() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lost++
	if c.lostThreshold > 0 && c.lost >= c.lostThreshold && c.onLostLimit != nil {
		c.onLostLimit(c)
	}
}

func (c *Client) AllowMorePendingPackets(allow bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowMorePending = allow
}

// SetLostThreshold installs the lost-packet alarm of §4.5: once the
// cumulative loss counter reaches threshold, IncrementLost invokes fn with
// the Client's mutex still held, so fn must not call any Client method that
// takes that mutex.
func (c *Client) SetLostThreshold(threshold uint64, fn func(*Client)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lostThreshold = threshold
	c.onLostLimit = fn
}

// --- wire.LatencyCorrectorSource ---

func (c *Client) CorrectorLatencyMillis() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.planner.CorrectorLatencyMillis()
}

// --- pending outbound queue ---

// PushBack appends pkt to the tail of the pending outbound queue.
func (c *Client) PushBack(pkt *wire.ProtocolPacket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outbound = append(c.outbound, pkt)
}

// PushFront prepends pkt, used for retransmits that must go out ahead of
// newer traffic.
func (c *Client) PushFront(pkt *wire.ProtocolPacket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outbound = append([]*wire.ProtocolPacket{pkt}, c.outbound...)
}

// PopFront removes and returns the head of the pending outbound queue, or
// nil if empty.
func (c *Client) PopFront() *wire.ProtocolPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.outbound) == 0 {
		return nil
	}
	pkt := c.outbound[0]
	c.outbound = c.outbound[1:]
	return pkt
}

// PendingLen reports the depth of the outbound queue.
func (c *Client) PendingLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbound)
}

// AllowMorePending reports whether backpressure from the ack cache
// currently permits enqueuing further do-not-discard traffic.
func (c *Client) AllowMorePending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allowMorePending
}

// --- outbound sequencing ---

// NextSequence assigns the next (realm, counter) pair to an outbound
// packet, rolling the realm forward on counter wraparound, and additionally
// advances the reordered-counter when the packet is reorderable.
func (c *Client) NextSequence(reorderable bool) (realm uint8, counter, reordered uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.localCounter == 0xFFFF {
		c.localCounter = 0
		c.localRealm++
	} else {
		c.localCounter++
	}
	if reorderable {
		c.localReorderedCounter++
	}
	return c.localRealm, c.localCounter, c.localReorderedCounter
}

// --- subsystem accessors; the embedded collaborators already carry their
// own internal invariants and are only ever touched while Client's lock is
// held by the engine's single per-peer goroutine path, so these return the
// live instance rather than a defensive copy. ---

func (c *Client) Defragmenter() *frag.Defragmenter { return c.defrag }
func (c *Client) Reorderer() *reorder.Reorderer    { return c.reorderer }
func (c *Client) Cache() *ackcache.Cache           { return c.cache }
func (c *Client) Planner() *latency.Planner        { return c.planner }
func (c *Client) Commands() *command.Queue         { return &c.commands }
func (c *Client) Limiter() *rate.Limiter           { return c.limiter }

// SetDTLSSession installs the peer's DTLS collaborator once its handshake
// session has been created.
func (c *Client) SetDTLSSession(s *dtlscrypto.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dtls = s
}

// DTLSSession returns the installed DTLS session, or nil before one has
// been created.
func (c *Client) DTLSSession() *dtlscrypto.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dtls
}

// QueueAck records an inbound label for piggy-back acknowledgement on the
// next outbound return packet.
func (c *Client) QueueAck(label ackcache.Label) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ackLabels = append(c.ackLabels, label)
}

// DrainAcks returns and clears the pending acknowledgement labels.
func (c *Client) DrainAcks() []ackcache.Label {
	c.mu.Lock()
	defer c.mu.Unlock()
	labels := c.ackLabels
	c.ackLabels = nil
	return labels
}

// LostCount returns the cumulative number of packets dropped after
// exhausting the ack cache's retry limit.
func (c *Client) LostCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lost
}

// ResetLastSendTs records now as the time of the most recent transmission,
// used by the transmission thread's per-peer pacing.
func (c *Client) ResetLastSendTs() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSendAt = time.Now()
}

// SinceLastSend reports how long it has been since ResetLastSendTs was last
// called (or since the client was created, if never sent to).
func (c *Client) SinceLastSend() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastSendAt.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return time.Since(c.lastSendAt)
}

// PacingInterval returns the minimum spacing the transmission thread must
// honor before sending this peer another packet: the STOC latency on the
// server side, the CTOS latency on the client side, both surfaced by the
// latency planner as "our" one-way estimate.
func (c *Client) PacingInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.planner.OurLatency()
}
