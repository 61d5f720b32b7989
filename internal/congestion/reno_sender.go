package congestion

import (
	"time"

	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/utils"
)

// renoSender is a NewReno congestion controller (RFC 5681, applied to QUIC
// per RFC 9002 appendix B). The teacher ships a full Cubic/BBR stack; this
// module only needs one well-understood algorithm to exercise the sent
// packet handler's congestion-window accounting; NewReno is simple enough
// to state clearly while still being a real, non-trivial algorithm.
type renoSender struct {
	clock    Clock
	rttStats *utils.RTTStats
	pacer    *pacer

	congestionWindow    protocol.ByteCount
	slowStartThreshold  protocol.ByteCount
	minCongestionWindow protocol.ByteCount
	maxCongestionWindow protocol.ByteCount

	largestSentPacketNumber    protocol.PacketNumber
	largestAckedPacketNumber   protocol.PacketNumber
	largestSentAtLastCutback   protocol.PacketNumber
	lastCutbackExitedSlowstart bool

	numAckedPackets uint64
}

// NewRenoSender builds the default congestion controller. It is wired into
// the sent packet handler the way the teacher wires NewCubicSender.
func NewRenoSender(clock Clock, rttStats *utils.RTTStats) SendAlgorithm {
	r := &renoSender{
		clock:                clock,
		rttStats:             rttStats,
		congestionWindow:     protocol.InitialCongestionWindow,
		minCongestionWindow:  protocol.MinCongestionWindow,
		maxCongestionWindow:  protocol.DefaultMaxCongestionWindow,
		slowStartThreshold:   protocol.MaxByteCount,
		largestSentPacketNumber:  protocol.InvalidPacketNumber,
		largestAckedPacketNumber: protocol.InvalidPacketNumber,
		largestSentAtLastCutback: protocol.InvalidPacketNumber,
	}
	r.pacer = newPacer(r.bandwidth)
	return r
}

func (r *renoSender) bandwidth() uint64 {
	rtt := minRTT(r.rttStats)
	if rtt <= 0 {
		return uint64(r.congestionWindow) * 2
	}
	return uint64(float64(r.congestionWindow) / rtt.Seconds())
}

func (r *renoSender) TimeUntilSend(bytesInFlight protocol.ByteCount) time.Time {
	return r.pacer.TimeUntilSend()
}

func (r *renoSender) HasPacingBudget() bool {
	return r.pacer.Budget(r.clock.Now()) >= maxDatagramSize
}

func (r *renoSender) CanSend(bytesInFlight protocol.ByteCount) bool {
	return bytesInFlight < r.congestionWindow
}

func (r *renoSender) InSlowStart() bool {
	return r.congestionWindow < r.slowStartThreshold
}

func (r *renoSender) InRecovery() bool {
	return r.largestAckedPacketNumber != protocol.InvalidPacketNumber &&
		r.largestAckedPacketNumber <= r.largestSentAtLastCutback
}

func (r *renoSender) GetCongestionWindow() protocol.ByteCount {
	return r.congestionWindow
}

func (r *renoSender) MaybeExitSlowStart() {}

func (r *renoSender) OnPacketSent(sentTime time.Time, bytesInFlight protocol.ByteCount, pn protocol.PacketNumber, bytes protocol.ByteCount, isRetransmittable bool) {
	r.pacer.SentPacket(sentTime, bytes)
	if !isRetransmittable {
		return
	}
	r.largestSentPacketNumber = pn
}

func (r *renoSender) OnPacketAcked(pn protocol.PacketNumber, ackedBytes, priorInFlight protocol.ByteCount, eventTime time.Time) {
	r.largestAckedPacketNumber = utils.MaxPacketNumber(r.largestAckedPacketNumber, pn)
	if r.InRecovery() {
		return
	}
	r.maybeIncreaseCwnd(ackedBytes, priorInFlight)
}

// maybeIncreaseCwnd grows the window by one MSS per RTT-worth of acked
// bytes during congestion avoidance, and by the full acked size during
// slow start (RFC 9002 §7.3.1/§7.3.2).
func (r *renoSender) maybeIncreaseCwnd(ackedBytes, priorInFlight protocol.ByteCount) {
	if priorInFlight < r.congestionWindow {
		return
	}
	if r.InSlowStart() {
		r.congestionWindow += ackedBytes
		if r.congestionWindow > r.maxCongestionWindow {
			r.congestionWindow = r.maxCongestionWindow
		}
		return
	}
	r.numAckedPackets++
	cwndInPackets := r.congestionWindow / maxDatagramSize
	if cwndInPackets == 0 {
		cwndInPackets = 1
	}
	if protocol.ByteCount(r.numAckedPackets) >= cwndInPackets {
		r.numAckedPackets = 0
		r.congestionWindow = utils.MinByteCount(r.congestionWindow+maxDatagramSize, r.maxCongestionWindow)
	}
}

func (r *renoSender) OnPacketLost(pn protocol.PacketNumber, lostBytes, priorInFlight protocol.ByteCount) {
	// Only cut the window once per round trip (RFC 9002 §7.3.3): ignore
	// losses for packets sent before the last window reduction.
	if pn <= r.largestSentAtLastCutback {
		return
	}
	r.lastCutbackExitedSlowstart = r.InSlowStart()
	r.largestSentAtLastCutback = r.largestSentPacketNumber
	r.congestionWindow = utils.MaxByteCount(r.congestionWindow/2, r.minCongestionWindow)
	r.slowStartThreshold = r.congestionWindow
}
