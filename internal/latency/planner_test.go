package latency

import (
	"testing"
	"time"
)

func TestNewDefaultsOffsetWindow(t *testing.T) {
	p := New(50*time.Millisecond, 0)
	if p.offsetCap != 8 {
		t.Fatalf("offsetCap = %d, want 8 when offsetWindow <= 0", p.offsetCap)
	}
}

func TestBuildSampleBeforeAnyReceive(t *testing.T) {
	p := New(50*time.Millisecond, 4)
	s := p.BuildSample(100, 100000)

	if s.OurLatency != SentinelLatencyMillis {
		t.Fatalf("OurLatency = %d, want sentinel %d before any measurement", s.OurLatency, SentinelLatencyMillis)
	}
	if s.Corrector != 0 {
		t.Fatalf("Corrector = %d, want 0 with nothing stored", s.Corrector)
	}
	if s.HaveTheirTS {
		t.Fatalf("HaveTheirTS = true, want false before any receive")
	}
}

func TestReceiveClampsEstimateToDefaultLatency(t *testing.T) {
	p := New(50*time.Millisecond, 4)
	base := time.Now()
	p.PrepareSend(1234, base)

	sample := Sample{
		OurTimestamp:   42,
		Corrector:      5,
		OurLatency:     30,
		FullTimestamp:  4900,
		HaveTheirTS:    true,
		TheirTimestamp: 1234,
	}
	// rtt = 80ms, corrector = 5ms -> raw estimate 37.5ms, below the 50ms
	// default floor, so the estimate must clamp to the default.
	p.Receive(sample, 5000, base.Add(80*time.Millisecond))

	if got := p.OurLatency(); got != 50*time.Millisecond {
		t.Fatalf("OurLatency() = %v, want clamped default 50ms", got)
	}
	if got := p.OtherSideLatency(); got != 30*time.Millisecond {
		t.Fatalf("OtherSideLatency() = %v, want 30ms (from sample.OurLatency)", got)
	}
}

func TestReceiveEstimateAboveDefaultIsUsedAsIs(t *testing.T) {
	p := New(5*time.Millisecond, 4)
	base := time.Now()
	p.PrepareSend(1, base)

	sample := Sample{Corrector: 0, OurLatency: SentinelLatencyMillis, HaveTheirTS: true, TheirTimestamp: 1, FullTimestamp: 0}
	// rtt = 200ms, corrector = 0 -> estimate 100ms, above the 5ms default.
	p.Receive(sample, 0, base.Add(200*time.Millisecond))

	if got := p.OurLatency(); got != 100*time.Millisecond {
		t.Fatalf("OurLatency() = %v, want 100ms", got)
	}
	// Sentinel self-reported latency must not overwrite the default.
	if got := p.OtherSideLatency(); got != 5*time.Millisecond {
		t.Fatalf("OtherSideLatency() = %v, want default 5ms when sample reports sentinel", got)
	}
}

func TestReceiveIgnoresEchoWithMismatchedTimestamp(t *testing.T) {
	p := New(5*time.Millisecond, 4)
	base := time.Now()
	p.PrepareSend(1, base)

	sample := Sample{HaveTheirTS: true, TheirTimestamp: 999, FullTimestamp: 0}
	p.Receive(sample, 0, base.Add(200*time.Millisecond))

	// The echoed timestamp (999) doesn't match what we sent (1), so no RTT
	// estimate update happens, and the pending echo is still outstanding.
	if got := p.OurLatency(); got != 5*time.Millisecond {
		t.Fatalf("OurLatency() = %v, want unchanged default 5ms", got)
	}
	if !p.haveAwaitingEcho {
		t.Fatalf("haveAwaitingEcho = false, want true (no matching echo consumed)")
	}
}

func TestClockOffsetMeanRingBuffer(t *testing.T) {
	p := New(50*time.Millisecond, 3)
	base := time.Now()

	diffsMillis := []uint64{10, 20, 30, 40, 50}
	for i, diff := range diffsMillis {
		p.PrepareSend(uint16(i), base)
		sample := Sample{Corrector: 5, OurLatency: SentinelLatencyMillis, HaveTheirTS: true, TheirTimestamp: uint16(i), FullTimestamp: 1000}
		p.Receive(sample, 1000+diff, base.Add(80*time.Millisecond))
	}

	if p.offsetLen != 3 {
		t.Fatalf("offsetLen = %d, want 3 (capped at window size)", p.offsetLen)
	}

	// Estimate clamps to the 50ms default every iteration (rtt 80ms,
	// corrector 5ms -> raw 37.5ms, below the floor), so each offset is
	// diff + 50ms. Only the last 3 of 5 survive in the ring buffer.
	want := (time.Duration(30)*time.Millisecond + 50*time.Millisecond +
		time.Duration(40)*time.Millisecond + 50*time.Millisecond +
		time.Duration(50)*time.Millisecond + 50*time.Millisecond) / 3
	if got := p.ClockOffsetMean(); got != want {
		t.Fatalf("ClockOffsetMean() = %v, want %v", got, want)
	}
}

func TestClockOffsetMeanEmpty(t *testing.T) {
	p := New(50*time.Millisecond, 4)
	if got := p.ClockOffsetMean(); got != 0 {
		t.Fatalf("ClockOffsetMean() = %v, want 0 with no samples", got)
	}
}

func TestAckExternalEchoResetsCorrectorWindow(t *testing.T) {
	p := New(50*time.Millisecond, 4)
	now := time.Now()
	sample := Sample{OurTimestamp: 77, FullTimestamp: 0, OurLatency: SentinelLatencyMillis}
	p.Receive(sample, 0, now)

	if !p.haveExternalStored {
		t.Fatalf("haveExternalStored = false after Receive, want true")
	}
	built := p.BuildSample(1, 1)
	if !built.HaveTheirTS || built.TheirTimestamp != 77 {
		t.Fatalf("BuildSample() = %+v, want HaveTheirTS with TheirTimestamp 77", built)
	}

	p.AckExternalEcho()
	if p.haveExternalStored {
		t.Fatalf("haveExternalStored = true after AckExternalEcho, want false")
	}
	if got := p.CorrectorLatencyMillis(); got != 0 {
		t.Fatalf("CorrectorLatencyMillis() = %d after ack, want 0", got)
	}

	built = p.BuildSample(2, 2)
	if built.HaveTheirTS {
		t.Fatalf("BuildSample() after ack still reports HaveTheirTS")
	}
}

func TestRTTEstimateSumsBothDirections(t *testing.T) {
	p := New(10*time.Millisecond, 4)
	base := time.Now()
	p.PrepareSend(1, base)

	sample := Sample{Corrector: 0, OurLatency: 25, HaveTheirTS: true, TheirTimestamp: 1, FullTimestamp: 0}
	p.Receive(sample, 0, base.Add(100*time.Millisecond))

	want := p.OurLatency() + p.OtherSideLatency()
	if got := p.RTTEstimate(); got != want {
		t.Fatalf("RTTEstimate() = %v, want %v", got, want)
	}
	if p.OtherSideLatency() != 25*time.Millisecond {
		t.Fatalf("OtherSideLatency() = %v, want 25ms", p.OtherSideLatency())
	}
}
