package logging

import (
	"net"
	"time"

	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/wire"
)

// ConnectionTracer is a tagged set of callbacks a Session invokes as it
// processes packets and frames. Every field is independently optional; a
// caller that only cares about a handful of events sets only those fields
// and leaves the rest nil. This is a deliberate departure from the
// teacher's ConnectionTracer interface (logging/interface.go): an
// interface forces every sink to stub out dozens of methods it doesn't
// care about, where a struct of function pointers lets a sink implement
// exactly what it needs.
type ConnectionTracer struct {
	StartedConnection  func(local, remote net.Addr, srcConnID, destConnID protocol.ConnectionID)
	ClosedConnection   func(CloseReason)
	SentTransportParameters     func(*wire.TransportParameters)
	ReceivedTransportParameters func(*wire.TransportParameters)

	SentPacket     func(pn protocol.PacketNumber, level protocol.EncryptionLevel, size protocol.ByteCount, ackEliciting bool)
	ReceivedPacket func(pn protocol.PacketNumber, level protocol.EncryptionLevel, size protocol.ByteCount)
	DroppedPacket  func(level protocol.EncryptionLevel, size protocol.ByteCount, reason PacketDropReason)
	BufferedPacket func(level protocol.EncryptionLevel)

	ReceivedVersionNegotiationPacket func(versions []protocol.Version)
	ReceivedRetry                    func()
	ReceivedStatelessReset           func(token protocol.StatelessResetToken)

	AcknowledgedPacket func(level protocol.EncryptionLevel, pn protocol.PacketNumber)
	LostPacket         func(level protocol.EncryptionLevel, pn protocol.PacketNumber, reason PacketLossReason)

	UpdatedMetrics func(rttStats RTTSnapshot, cwnd, bytesInFlight protocol.ByteCount, packetsInFlight int)
	UpdatedPTOCount func(value uint32)

	UpdatedKeyFromTLS       func(level protocol.EncryptionLevel, perspective protocol.Perspective)
	UpdatedKey              func(generation protocol.KeyPhaseBit, remote bool)
	DroppedEncryptionLevel  func(protocol.EncryptionLevel)

	SetLossTimer    func(kind TimerType, level protocol.EncryptionLevel, t time.Time)
	LossTimerCanceled func()

	Close func()
}

// RTTSnapshot is the subset of round-trip-time statistics a tracer needs,
// decoupled from the congestion package's internal RTTStats type so that
// logging never has to import congestion.
type RTTSnapshot struct {
	MinRTT, SmoothedRTT, LatestRTT, RTTVariance time.Duration
}

// TimerType distinguishes the loss-detection timers a ConnectionTracer can
// be notified about.
type TimerType uint8

const (
	TimerTypeACK TimerType = iota
	TimerTypePTO
)

// EndpointTracer is the socket-level counterpart to ConnectionTracer,
// invoked for events that happen before any Session exists yet (an
// unroutable packet, a stateless reset sent in reply) or that span every
// connection an Endpoint multiplexes.
type EndpointTracer struct {
	SentPacket     func(addr net.Addr, size protocol.ByteCount)
	DroppedPacket  func(addr net.Addr, size protocol.ByteCount, reason PacketDropReason)
	SentStatelessReset func(addr net.Addr)
}

// Combine merges any number of ConnectionTracers into one, the
// struct-of-funcs equivalent of the teacher's
// NewMultiplexedConnectionTracer. With two or more tracers, the result
// fans out StartedConnection, ClosedConnection, SentPacket,
// ReceivedPacket, LostPacket, UpdatedMetrics and Close to each tracer's
// non-nil callback in order; every other callback is left nil on the
// combined tracer and is not forwarded.
func Combine(tracers ...*ConnectionTracer) *ConnectionTracer {
	nonNil := make([]*ConnectionTracer, 0, len(tracers))
	for _, t := range tracers {
		if t != nil {
			nonNil = append(nonNil, t)
		}
	}
	if len(nonNil) == 0 {
		return &ConnectionTracer{}
	}
	if len(nonNil) == 1 {
		return nonNil[0]
	}
	out := &ConnectionTracer{}
	out.StartedConnection = func(local, remote net.Addr, src, dst protocol.ConnectionID) {
		for _, t := range nonNil {
			if t.StartedConnection != nil {
				t.StartedConnection(local, remote, src, dst)
			}
		}
	}
	out.ClosedConnection = func(r CloseReason) {
		for _, t := range nonNil {
			if t.ClosedConnection != nil {
				t.ClosedConnection(r)
			}
		}
	}
	out.SentPacket = func(pn protocol.PacketNumber, level protocol.EncryptionLevel, size protocol.ByteCount, ackEliciting bool) {
		for _, t := range nonNil {
			if t.SentPacket != nil {
				t.SentPacket(pn, level, size, ackEliciting)
			}
		}
	}
	out.ReceivedPacket = func(pn protocol.PacketNumber, level protocol.EncryptionLevel, size protocol.ByteCount) {
		for _, t := range nonNil {
			if t.ReceivedPacket != nil {
				t.ReceivedPacket(pn, level, size)
			}
		}
	}
	out.LostPacket = func(level protocol.EncryptionLevel, pn protocol.PacketNumber, reason PacketLossReason) {
		for _, t := range nonNil {
			if t.LostPacket != nil {
				t.LostPacket(level, pn, reason)
			}
		}
	}
	out.UpdatedMetrics = func(rtt RTTSnapshot, cwnd, bytesInFlight protocol.ByteCount, packetsInFlight int) {
		for _, t := range nonNil {
			if t.UpdatedMetrics != nil {
				t.UpdatedMetrics(rtt, cwnd, bytesInFlight, packetsInFlight)
			}
		}
	}
	out.Close = func() {
		for _, t := range nonNil {
			if t.Close != nil {
				t.Close()
			}
		}
	}
	return out
}
