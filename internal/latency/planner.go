// Package latency implements the per-peer latency planner of §4.4: one-way
// CTOS/STOC latency estimation, RTT, and a smoothed clock offset, carried
// on the wire layout embedded in return packets.
package latency

import "time"

// SentinelLatencyMillis marks "no measurement yet" in the wire layout's
// 16-bit latency fields.
const SentinelLatencyMillis uint16 = 0xFFFF

// Sample is the decoded wire layout appended to a return packet (§4.4):
//
//	our-timestamp        u16  local ms-modulo at send
//	latency-corrector    u16  time we held the peer's last timestamp
//	our-computed-latency u16  our measurement of the peer's direction, or sentinel
//	full-timestamp       u64  local ms full-resolution at send
//	sync-stat            u8   bit0 = we-have-their-timestamp
//	their-timestamp      u16  echoed only if sync-stat.bit0 is set
type Sample struct {
	OurTimestamp    uint16
	Corrector       uint16
	OurLatency      uint16
	FullTimestamp   uint64
	HaveTheirTS     bool
	TheirTimestamp  uint16
}

const syncStatHaveTheirTimestampBit = 1 << 0

// EncodeSyncStat packs the sync-stat byte.
func EncodeSyncStat(haveTheirTS bool) uint8 {
	if haveTheirTS {
		return syncStatHaveTheirTimestampBit
	}
	return 0
}

// Planner tracks one peer's latency state: the echoed-timestamp we are
// waiting on, the last externally-stored timestamp to echo back, the
// other side's self-reported latency, and a sliding window of clock-offset
// samples.
type Planner struct {
	defaultLatency time.Duration

	ourLatencyEstimate   time.Duration
	haveOurEstimate      bool
	otherSideLatency     time.Duration
	haveOtherSideLatency bool

	// awaitingEcho is the millisecond timestamp we sent and have not yet
	// seen echoed back.
	awaitingEcho     uint16
	awaitingEchoSent time.Time
	haveAwaitingEcho bool

	// externalStoredTimestamp is the peer's timestamp we have not yet
	// acknowledged; set on receive, cleared once echoed on our next send.
	externalStoredTimestamp uint16
	haveExternalStored      bool
	correctorStart          time.Time

	offsets    []time.Duration
	offsetCap  int
	offsetNext int
	offsetLen  int
}

// New returns a Planner seeded with defaultLatency for both directions and
// an offset window of offsetWindow samples (spec default 8).
func New(defaultLatency time.Duration, offsetWindow int) *Planner {
	if offsetWindow <= 0 {
		offsetWindow = 8
	}
	return &Planner{
		defaultLatency:     defaultLatency,
		ourLatencyEstimate: defaultLatency,
		otherSideLatency:   defaultLatency,
		offsets:            make([]time.Duration, offsetWindow),
		offsetCap:          offsetWindow,
	}
}

// OurLatency returns our current one-way latency estimate for the
// direction we measure (e.g. CTOS on a server planner).
func (p *Planner) OurLatency() time.Duration { return p.ourLatencyEstimate }

// OtherSideLatency returns the peer's self-reported latency for their
// direction, or the default if never reported.
func (p *Planner) OtherSideLatency() time.Duration { return p.otherSideLatency }

// ClockOffsetMean returns the mean of the sliding offset window (zero if no
// samples yet).
func (p *Planner) ClockOffsetMean() time.Duration {
	if p.offsetLen == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < p.offsetLen; i++ {
		sum += p.offsets[i]
	}
	return sum / time.Duration(p.offsetLen)
}

// CorrectorLatencyMillis returns the time, in milliseconds, we have held
// the peer's last unacknowledged timestamp. Used by
// wire.OptionUpdateCorrectionLatency.
func (p *Planner) CorrectorLatencyMillis() uint16 {
	if !p.haveExternalStored {
		return 0
	}
	elapsed := time.Since(p.correctorStart).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > 0xFFFF {
		elapsed = 0xFFFF
	}
	return uint16(elapsed)
}

// PrepareSend records the timestamp we are about to embed (via the wire
// pending-option machinery) so a later Receive of the peer's echo can
// compute RTT. Call this once per outbound return packet, with the exact
// millisecond value written to the wire.
func (p *Planner) PrepareSend(tsMillis16 uint16, now time.Time) {
	p.awaitingEcho = tsMillis16
	p.awaitingEchoSent = now
	p.haveAwaitingEcho = true
}

// BuildSample produces the outbound wire Sample for the current state: our
// measured latency for the peer's direction (or sentinel if unknown), the
// corrector for any timestamp we're holding, and the echo of their
// timestamp if we have one pending.
func (p *Planner) BuildSample(ourTimestamp uint16, fullTimestamp uint64) Sample {
	s := Sample{
		OurTimestamp:  ourTimestamp,
		Corrector:     p.CorrectorLatencyMillis(),
		FullTimestamp: fullTimestamp,
	}
	if p.haveOurEstimate {
		s.OurLatency = uint16(p.ourLatencyEstimate.Milliseconds())
	} else {
		s.OurLatency = SentinelLatencyMillis
	}
	if p.haveExternalStored {
		s.HaveTheirTS = true
		s.TheirTimestamp = p.externalStoredTimestamp
	}
	return s
}

// Receive runs the §4.4 algorithm against a decoded Sample from the peer,
// given the local full-resolution millisecond clock at receipt time.
func (p *Planner) Receive(s Sample, nowFullMillis uint64, now time.Time) {
	if !p.haveExternalStored {
		p.externalStoredTimestamp = s.OurTimestamp
		p.haveExternalStored = true
		p.correctorStart = now
	}

	if s.OurLatency != SentinelLatencyMillis {
		p.otherSideLatency = time.Duration(s.OurLatency) * time.Millisecond
		p.haveOtherSideLatency = true
	}

	if s.HaveTheirTS && p.haveAwaitingEcho && s.TheirTimestamp == p.awaitingEcho {
		rtt := now.Sub(p.awaitingEchoSent)
		p.haveAwaitingEcho = false

		if s.Corrector != SentinelLatencyMillis {
			corrector := time.Duration(s.Corrector) * time.Millisecond
			estimate := (rtt - corrector) / 2
			if estimate < p.defaultLatency {
				estimate = p.defaultLatency
			}
			p.ourLatencyEstimate = estimate
			p.haveOurEstimate = true
		}

		offset := time.Duration(int64(nowFullMillis)-int64(s.FullTimestamp))*time.Millisecond + p.ourLatencyEstimate
		p.pushOffset(offset)
	}

	// Once we've echoed their timestamp (reflected by them having seen it
	// on their prior receive), a fresh external timestamp replaces the
	// stored one; callers signal this by invoking AckExternalEcho once the
	// outbound packet carrying the echo has actually been sent.
}

// AckExternalEcho clears the pending external timestamp once an outbound
// packet has echoed it, allowing the next inbound timestamp to start a new
// corrector window.
func (p *Planner) AckExternalEcho() {
	p.haveExternalStored = false
}

func (p *Planner) pushOffset(d time.Duration) {
	p.offsets[p.offsetNext] = d
	p.offsetNext = (p.offsetNext + 1) % p.offsetCap
	if p.offsetLen < p.offsetCap {
		p.offsetLen++
	}
}

// RTTEstimate derives an RTT estimate from the two one-way latencies,
// useful to callers (e.g. the ack cache) that only need a single duration.
func (p *Planner) RTTEstimate() time.Duration {
	return p.ourLatencyEstimate + p.otherSideLatency
}
