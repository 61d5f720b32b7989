package protocol

import "time"

// Packet size limits, grounded on the QUIC v1 path-MTU defaults (RFC 9000 §14).
const (
	MaxPacketSizeIPv4 ByteCount = 1252
	MaxPacketSizeIPv6 ByteCount = 1232

	// MinInitialPacketSize is the minimum size of a UDP datagram carrying a
	// client Initial packet. Anything shorter is dropped unparsed.
	MinInitialPacketSize ByteCount = 1200

	// MinMaxCryptoBufferSize is the minimum amount of buffered outbound crypto
	// data an implementation must allow per level, to prevent handshake
	// starvation under a constrained congestion window.
	MinMaxCryptoBufferSize ByteCount = 16 * 1024
)

// Transport parameter defaults.
const (
	DefaultActiveConnectionIDLimit = 7
	DefaultMaxIdleTimeout          = 30 * time.Second
	DefaultHandshakeTimeout        = 10 * time.Second
	DefaultMaxIncomingStreams      = 100
	DefaultMaxIncomingUniStreams   = 100

	DefaultInitialStreamReceiveWindow     ByteCount = 512 * 1024
	DefaultMaxStreamReceiveWindow         ByteCount = 6 * 1024 * 1024
	DefaultInitialConnectionReceiveWindow ByteCount = 512 * 1024
	DefaultMaxConnectionReceiveWindow     ByteCount = 15 * 1024 * 1024

	DefaultMaxAckDelay    = 25 * time.Millisecond
	AckDelayExponent      = 3
	MaxStreamsMultiplier  = 1.25
	MaxStreamsMinIncrease = 20

	DefaultRetryTokenExpiration = 15 * time.Second

	// WindowUpdateThreshold is the fraction of the receive window increment
	// that must be consumed before a MAX_DATA/MAX_STREAM_DATA update is
	// sent: an update is due once less than (1 - WindowUpdateThreshold) of
	// the increment remains unconsumed.
	WindowUpdateThreshold = 0.25
)

// Congestion and loss-detection constants (RFC 9002).
const (
	InitialPacketSize ByteCount = 1252

	// InitialCongestionWindow is the number of datagrams a sender may have
	// in flight before any RTT sample exists (RFC 9002 §7.2).
	InitialCongestionWindow ByteCount = 10 * InitialPacketSize
	// DefaultMaxCongestionWindow bounds how large NewReno may grow cwnd.
	DefaultMaxCongestionWindow ByteCount = 10000 * InitialPacketSize
	// MinCongestionWindow is the floor cwnd is clamped to after a loss.
	MinCongestionWindow ByteCount = 2 * InitialPacketSize

	// TimerGranularity is the assumed system timer granularity (RFC 9002
	// §6.1.2 "kGranularity").
	TimerGranularity = time.Millisecond

	// MinPacingDelay is the smallest gap the pacer will schedule between
	// two packets, avoiding a tight spin loop at high bandwidth.
	MinPacingDelay = time.Millisecond

	// MaxTrackedSentPackets bounds the sent-packet history kept per packet
	// number space, a DoS guard against unbounded memory growth if the
	// peer never acknowledges anything.
	MaxTrackedSentPackets = 2 * MaxOutstandingSentPackets
	// MaxOutstandingSentPackets is the point past which new data stops
	// being sent, though ACKs and retransmissions still go out.
	MaxOutstandingSentPackets = 2 * 1024

	// SkipPacketAveragePeriodLength is the average number of packets
	// between packet-number-space optimistic-ACK defenses (RFC 9000 §21.4).
	SkipPacketAveragePeriodLength PacketNumber = 500
)

// MaxNewStreamIDDelta bounds how far ahead of the highest-opened peer
// stream a newly referenced ID may be, a DoS guard against a single
// reference to stream 2^60 forcing allocation of a billion stream objects.
const MaxNewStreamIDDelta = 4 * 256
