package ackhandler

import (
	"time"

	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/wire"
)

// Frame pairs a wire frame with callbacks fired once its packet is
// acknowledged or declared lost, grounded on the teacher's
// internal/ackhandler.Frame. Frame content (not just its fate) matters for
// retransmission: STREAM/CRYPTO frames get resent verbatim or re-split on
// loss, so OnLost receives the Frame itself rather than a bare notice.
type Frame struct {
	Frame wire.Frame

	OnAcked func(wire.Frame)
	OnLost  func(wire.Frame)
}

// Packet is one sent packet tracked until it is acknowledged, declared
// lost, or its packet number space is dropped.
type Packet struct {
	PacketNumber    protocol.PacketNumber
	Frames          []Frame
	LargestAcked    protocol.PacketNumber
	Length          protocol.ByteCount
	EncryptionLevel protocol.EncryptionLevel
	SendTime        time.Time

	includedInBytesInFlight bool
	skippedPacket           bool
}

func (p *Packet) outstanding() bool {
	return !p.skippedPacket
}

// IsAckEliciting reports whether this packet carries at least one frame
// that obligates the peer to acknowledge it.
func (p *Packet) IsAckEliciting() bool {
	return len(p.Frames) > 0
}
