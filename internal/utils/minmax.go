package utils

import (
	"time"

	"github.com/zys-contribs/quic/internal/protocol"
)

// MinByteCount returns the smaller of two ByteCounts, grounded on the
// teacher's internal/utils package of small numeric helpers used
// throughout flow control window math.
func MinByteCount(a, b protocol.ByteCount) protocol.ByteCount {
	if a < b {
		return a
	}
	return b
}

// MaxByteCount returns the larger of two ByteCounts.
func MaxByteCount(a, b protocol.ByteCount) protocol.ByteCount {
	if a > b {
		return a
	}
	return b
}

// MaxPacketNumber returns the larger of two packet numbers.
func MaxPacketNumber(a, b protocol.PacketNumber) protocol.PacketNumber {
	if a > b {
		return a
	}
	return b
}

// MinDuration returns the smaller of two durations.
func MinDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// MaxDuration returns the larger of two durations.
func MaxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
