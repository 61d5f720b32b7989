package protocol

// PacketNumber is a QUIC packet number. Each encryption level has its own
// monotonically increasing packet number space, starting at 0.
type PacketNumber int64

// InvalidPacketNumber is used as a sentinel for "no packet number yet".
const InvalidPacketNumber PacketNumber = -1

// MaxPacketNumber is the largest packet number representable in 62 bits,
// the point at which a packet number space is exhausted and the session
// performing a silent close is the only valid next step.
const MaxPacketNumber PacketNumber = (1 << 62) - 1

// PacketNumberLen is the number of bytes used to encode a packet number on
// the wire (1 to 4 for QUIC v1 long/short headers).
type PacketNumberLen uint8

const (
	PacketNumberLen1 PacketNumberLen = 1
	PacketNumberLen2 PacketNumberLen = 2
	PacketNumberLen3 PacketNumberLen = 3
	PacketNumberLen4 PacketNumberLen = 4
)

// PacketNumberLengthForHeader returns the number of bytes needed to encode
// fullPN given the largest packet number the peer has acknowledged.
func PacketNumberLengthForHeader(fullPN, largestAcked PacketNumber) PacketNumberLen {
	numUnacked := int64(fullPN)
	if largestAcked != InvalidPacketNumber {
		numUnacked = int64(fullPN - largestAcked)
	}
	switch {
	case numUnacked < 1<<(8-1):
		return PacketNumberLen1
	case numUnacked < 1<<(16-1):
		return PacketNumberLen2
	case numUnacked < 1<<(24-1):
		return PacketNumberLen3
	default:
		return PacketNumberLen4
	}
}

// ByteCount counts bytes sent, received, or buffered.
type ByteCount int64

// MaxByteCount is the largest offset representable in a QUIC varint,
// (1<<62)-1, the point at which a stream's flow control is exhausted.
const MaxByteCount ByteCount = (1 << 62) - 1

// StreamNum counts streams of one direction/origin combination.
type StreamNum int64
