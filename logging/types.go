// Package logging defines event sinks for observing a connection or an
// endpoint from the outside, without coupling the core transport code to
// any particular backend (qlog, Prometheus, an in-memory test recorder).
package logging

import "github.com/zys-contribs/quic/internal/protocol"

// PacketDropReason explains why an inbound packet never reached frame
// processing.
type PacketDropReason uint8

const (
	PacketDropKeyUnavailable PacketDropReason = iota
	PacketDropUnknownConnectionID
	PacketDropHeaderParseError
	PacketDropPayloadDecryptError
	PacketDropDuplicate
	PacketDropDOSPrevention
)

func (r PacketDropReason) String() string {
	switch r {
	case PacketDropKeyUnavailable:
		return "key_unavailable"
	case PacketDropUnknownConnectionID:
		return "unknown_connection_id"
	case PacketDropHeaderParseError:
		return "header_parse_error"
	case PacketDropPayloadDecryptError:
		return "payload_decrypt_error"
	case PacketDropDuplicate:
		return "duplicate"
	case PacketDropDOSPrevention:
		return "dos_prevention"
	default:
		return "unknown"
	}
}

// PacketLossReason explains why a sent packet was declared lost.
type PacketLossReason uint8

const (
	PacketLossReorderingThreshold PacketLossReason = iota
	PacketLossTimeThreshold
)

func (r PacketLossReason) String() string {
	if r == PacketLossTimeThreshold {
		return "time_threshold"
	}
	return "reordering_threshold"
}

// CloseReason categorizes why a connection tore down, mirroring the four
// cases a peer or the local stack can observe.
type CloseReason struct {
	Remote    bool
	Err       error
	Timeout   bool
	ResetToken *protocol.StatelessResetToken
}
