package tcp

import "time"

// bbrMode is BBR's state machine (spec.md §4.6).
type bbrMode int

const (
	bbrStartup bbrMode = iota
	bbrDrain
	bbrProbeBW
	bbrProbeRTT
)

const (
	// startupGain/drainGain bracket STARTUP's exponential bandwidth
	// search and DRAIN's matching pacing-rate cut: a gain of 2.77
	// (about 4·ln 2) and its reciprocal.
	startupGain = 2.77
	drainGain   = 1 / startupGain

	probeBWCwndGain = 2.0
	steadyGain      = 1.0

	// probeRTTInterval is how often BBR spends one round trip at a
	// floor cwnd to get a fresh min_rtt sample, since a path's minimum
	// RTT can only be re-measured when the sender briefly stops
	// keeping the bottleneck queue full.
	probeRTTInterval = 10 * time.Second
	probeRTTCwnd     = 4 // segments, per spec.md's "cwnd clamped to floor"

	// startupGrowthRounds/startupGrowthThreshold: STARTUP exits to
	// DRAIN once bottleneck_bw hasn't grown by this fraction over this
	// many consecutive RTT samples (spec.md §4.6).
	startupGrowthRounds    = 3
	startupGrowthThreshold = 0.25
)

// bbr holds one PCB's BBR model state, mirroring spec.md §4.6's
// {min_rtt, bottleneck_bw, pacing_gain, cwnd_gain, mode, cycle_index}.
type bbr struct {
	minRTT        time.Duration
	bottleneckBW  float64 // bytes/sec
	pacingGain    float64
	cwndGain      float64
	mode          bbrMode
	cycleIndex    int
	segMSS        int
	flatRounds    int // consecutive RTTs without >=25% bottleneckBW growth
	lastGrowthBW  float64
	probeRTTSince time.Time
	inProbeRTT    bool
	lastInflight  float64
}

func newBBR(mss int) *bbr {
	return &bbr{
		pacingGain: startupGain,
		cwndGain:   probeBWCwndGain,
		mode:       bbrStartup,
		segMSS:     mss,
		minRTT:     time.Duration(1<<63 - 1),
	}
}

// sample feeds one ACKed RTT/delivery measurement into the model
// (spec.md §4.6: "on every ACKed RTT sample (rtt, delivered_bytes)").
func (b *bbr) sample(now time.Time, rtt time.Duration, deliveredBytes int) {
	if rtt <= 0 {
		return
	}
	if rtt < b.minRTT {
		b.minRTT = rtt
	}
	bwSample := float64(deliveredBytes) / rtt.Seconds()
	if bwSample > b.bottleneckBW {
		b.bottleneckBW = bwSample
	}

	switch b.mode {
	case bbrStartup:
		if b.lastGrowthBW == 0 || b.bottleneckBW >= b.lastGrowthBW*(1+startupGrowthThreshold) {
			b.lastGrowthBW = b.bottleneckBW
			b.flatRounds = 0
		} else {
			b.flatRounds++
		}
		if b.flatRounds >= startupGrowthRounds {
			b.mode = bbrDrain
			b.pacingGain = drainGain
			b.cwndGain = probeBWCwndGain
		}
	case bbrDrain:
		if b.inflightBytes() <= b.bdp() {
			b.mode = bbrProbeBW
			b.pacingGain = steadyGain
			b.cwndGain = probeBWCwndGain
		}
	case bbrProbeBW:
		if !b.inProbeRTT && now.Sub(b.probeRTTSince) >= probeRTTInterval {
			b.mode = bbrProbeRTT
			b.inProbeRTT = true
			b.probeRTTSince = now
			b.pacingGain = steadyGain
			b.cwndGain = 0 // clamped separately via Cwnd()
		}
	case bbrProbeRTT:
		if now.Sub(b.probeRTTSince) >= rtt {
			b.mode = bbrProbeBW
			b.inProbeRTT = false
			b.probeRTTSince = now
			b.pacingGain = steadyGain
			b.cwndGain = probeBWCwndGain
		}
	}
}

// inflightBytes is tracked by the owning Pcb (snd_nxt - snd_una); bdp
// estimates the bandwidth-delay product the pipe can hold.
func (b *bbr) bdp() float64 {
	if b.minRTT <= 0 || b.minRTT == time.Duration(1<<63-1) {
		return 0
	}
	return b.bottleneckBW * b.minRTT.Seconds()
}

// inflightBytes is supplied by the caller via setInflight before
// sample() runs the DRAIN check; kept as a field rather than a method
// receiver argument so sample()'s signature matches the "(rtt,
// delivered_bytes)" shape spec.md names.
func (b *bbr) inflightBytes() float64 { return b.lastInflight }

// setInflight is called by Pcb before each sample() to report
// snd_nxt - snd_una (bytes currently unacknowledged).
func (b *bbr) setInflight(n int) { b.lastInflight = float64(n) }

// Cwnd returns the effective congestion window in bytes: cwnd_gain *
// bottleneck_bw * min_rtt (spec.md §4.6), clamped to a small floor
// during PROBE_RTT.
func (b *bbr) Cwnd() int {
	if b.mode == bbrProbeRTT {
		return probeRTTCwnd * b.segMSS
	}
	cwnd := b.cwndGain * b.bdp()
	if cwnd < float64(2*b.segMSS) {
		cwnd = float64(2 * b.segMSS)
	}
	return int(cwnd)
}

// PacingRate returns pacing_gain * bottleneck_bw, in bytes/sec.
func (b *bbr) PacingRate() float64 {
	return b.pacingGain * b.bottleneckBW
}

func (b *bbr) Mode() bbrMode { return b.mode }
