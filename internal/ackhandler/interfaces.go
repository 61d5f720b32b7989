package ackhandler

import (
	"time"

	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/wire"
)

// SentPacketHandler tracks outgoing packets per packet number space, feeds
// the congestion controller, and drives loss detection (RFC 9002).
type SentPacketHandler interface {
	SentPacket(packet *Packet)
	ReceivedAck(ack *wire.AckFrame, encLevel protocol.EncryptionLevel, rcvTime time.Time) error
	ReceivedBytes(protocol.ByteCount)
	DropPackets(protocol.EncryptionLevel)
	ResetForRetry()
	SetHandshakeConfirmed()

	// SetPacketsLostCallback installs fn to be called with every batch
	// of packets loss detection declares lost, for callers that want to
	// observe loss without re-deriving it from ReceivedAck/
	// OnLossDetectionTimeout themselves.
	SetPacketsLostCallback(fn func([]*Packet))

	SendMode() SendMode
	AmplificationWindow() protocol.ByteCount
	TimeUntilSend() time.Time
	HasPacingBudget() bool

	QueueProbePacket(protocol.EncryptionLevel) bool

	PeekPacketNumber(protocol.EncryptionLevel) (protocol.PacketNumber, protocol.PacketNumberLen)
	PopPacketNumber(protocol.EncryptionLevel) protocol.PacketNumber

	GetLossDetectionTimeout() time.Time
	OnLossDetectionTimeout() error

	BytesInFlight() protocol.ByteCount
	CongestionWindow() protocol.ByteCount
}

// ReceivedPacketHandler tracks incoming packet numbers per space and
// decides when an ACK frame is due.
type ReceivedPacketHandler interface {
	IsPotentiallyDuplicate(pn protocol.PacketNumber, encLevel protocol.EncryptionLevel) bool
	ReceivedPacket(pn protocol.PacketNumber, encLevel protocol.EncryptionLevel, rcvTime time.Time, shouldInstigateAck bool) error
	DropPackets(protocol.EncryptionLevel)

	GetAlarmTimeout() time.Time
	GetAckFrame(encLevel protocol.EncryptionLevel, onlyIfQueued bool) *wire.AckFrame
	HasAckPending(encLevel protocol.EncryptionLevel) bool
}
