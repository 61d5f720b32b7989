// Package congestion implements the sending-rate control the session's
// packet pipeline consults before releasing data onto the wire, grounded
// on the teacher's internal/congestion package.
package congestion

import (
	"time"

	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/utils"
)

// SendAlgorithm is the congestion controller contract the sent-packet
// handler drives.
type SendAlgorithm interface {
	TimeUntilSend(bytesInFlight protocol.ByteCount) time.Time
	HasPacingBudget() bool
	OnPacketSent(sentTime time.Time, bytesInFlight protocol.ByteCount, packetNumber protocol.PacketNumber, bytes protocol.ByteCount, isRetransmittable bool)
	CanSend(bytesInFlight protocol.ByteCount) bool
	MaybeExitSlowStart()
	OnPacketAcked(number protocol.PacketNumber, ackedBytes protocol.ByteCount, priorInFlight protocol.ByteCount, eventTime time.Time)
	OnPacketLost(number protocol.PacketNumber, lostBytes protocol.ByteCount, priorInFlight protocol.ByteCount)
	GetCongestionWindow() protocol.ByteCount
	InSlowStart() bool
	InRecovery() bool
}

// Clock abstracts time.Now for deterministic tests, grounded on the
// teacher's congestion.Clock/DefaultClock pair.
type Clock interface {
	Now() time.Time
}

// DefaultClock is the production Clock backed by the system clock.
type DefaultClock struct{}

func (DefaultClock) Now() time.Time { return time.Now() }

const maxDatagramSize = protocol.InitialPacketSize

func minRTT(rttStats *utils.RTTStats) time.Duration {
	if rtt := rttStats.MinRTT(); rtt > 0 {
		return rtt
	}
	return rttStats.SmoothedRTT()
}
