package wire

import (
	"bytes"

	"github.com/zys-contribs/quic/internal/protocol"
)

// Frame is any QUIC frame that can be serialized into a packet.
type Frame interface {
	Write(b *bytes.Buffer) error
	Length() protocol.ByteCount
}

// IsProbingFrame reports whether f is one of the frames that can be sent
// on a new path without the path being considered validated by it (RFC
// 9000 §9.1): PATH_CHALLENGE, PATH_RESPONSE, NEW_CONNECTION_ID, PADDING.
func IsProbingFrame(f Frame) bool {
	switch f.(type) {
	case *PathChallengeFrame, *PathResponseFrame, *NewConnectionIDFrame, *PaddingFrame:
		return true
	default:
		return false
	}
}

// IsAckEliciting reports whether receipt of f obligates the peer to send
// an ACK, per RFC 9000 §13.2: everything except ACK and PADDING.
func IsAckEliciting(f Frame) bool {
	switch f.(type) {
	case *AckFrame, *PaddingFrame:
		return false
	default:
		return true
	}
}
