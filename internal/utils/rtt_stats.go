package utils

import "time"

const (
	rttAlpha        = 0.125
	oneMinusRTTAlpha = 1 - rttAlpha
	rttBeta          = 0.25
	oneMinusRTTBeta  = 1 - rttBeta

	// initialRTT is used until the first real sample is taken.
	initialRTT = 100 * time.Millisecond
)

// RTTStats tracks smoothed RTT, RTT variance, and min RTT for one session,
// grounded on the teacher's internal/utils.RTTStats (referenced throughout
// connection.go as s.rttStats).
type RTTStats struct {
	hasMeasurement bool

	minRTT        time.Duration
	latestRTT     time.Duration
	smoothedRTT   time.Duration
	meanDeviation time.Duration

	maxAckDelay time.Duration
}

// SetInitialRTT seeds the smoothed RTT before any sample has been taken,
// e.g. from a cached token (client.go's TokenStore round trip).
func (r *RTTStats) SetInitialRTT(rtt time.Duration) {
	if r.hasMeasurement {
		return
	}
	r.smoothedRTT = rtt
	r.latestRTT = rtt
}

// UpdateRTT updates the RTT sample using a newly acknowledged packet's send
// time and the peer's reported ack delay.
func (r *RTTStats) UpdateRTT(sendDelta, ackDelay time.Duration) {
	if sendDelta <= 0 {
		return
	}
	if r.minRTT == 0 || sendDelta < r.minRTT {
		r.minRTT = sendDelta
	}
	sample := sendDelta
	if sample-r.minRTT >= ackDelay {
		sample -= ackDelay
	}
	r.latestRTT = sample
	if !r.hasMeasurement {
		r.hasMeasurement = true
		r.smoothedRTT = sample
		r.meanDeviation = sample / 2
		return
	}
	r.meanDeviation = time.Duration(oneMinusRTTBeta*float64(r.meanDeviation) + rttBeta*float64(absDuration(r.smoothedRTT-sample)))
	r.smoothedRTT = time.Duration(oneMinusRTTAlpha*float64(r.smoothedRTT) + rttAlpha*float64(sample))
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// SmoothedRTT returns the current smoothed RTT estimate, seeded with
// initialRTT until the first sample.
func (r *RTTStats) SmoothedRTT() time.Duration {
	if !r.hasMeasurement {
		return initialRTT
	}
	return r.smoothedRTT
}

// MinRTT returns the lowest observed RTT sample.
func (r *RTTStats) MinRTT() time.Duration { return r.minRTT }

// LatestRTT returns the most recent RTT sample.
func (r *RTTStats) LatestRTT() time.Duration { return r.latestRTT }

// MeanDeviation returns the RTT variance estimate.
func (r *RTTStats) MeanDeviation() time.Duration { return r.meanDeviation }

// PTO computes the probe timeout: smoothed RTT + 4*meanDeviation + max ack
// delay (RFC 9002 §6.2.1). includeMaxAckDelay is false for the handshake
// packet number spaces, which don't delay acks.
func (r *RTTStats) PTO(includeMaxAckDelay bool) time.Duration {
	if r.smoothedRTT == 0 {
		return 2 * initialRTT
	}
	pto := r.SmoothedRTT() + maxDuration(4*r.meanDeviation, granularity)
	if includeMaxAckDelay {
		pto += r.maxAckDelay
	}
	return pto
}

// SetMaxAckDelay records the peer's advertised max_ack_delay transport
// parameter for use in PTO.
func (r *RTTStats) SetMaxAckDelay(d time.Duration) { r.maxAckDelay = d }

// MaxAckDelay returns the peer's advertised max_ack_delay.
func (r *RTTStats) MaxAckDelay() time.Duration { return r.maxAckDelay }

// granularity is the system timer granularity assumed by the loss
// detection logic (RFC 9002 §6.1.2 "kGranularity").
const granularity = time.Millisecond

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
