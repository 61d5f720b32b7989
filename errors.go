package quic

import (
	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/qerr"
)

// TransportError is a CONNECTION_CLOSE carrying a QUIC transport error
// code (the "session" error family).
type TransportError = qerr.TransportError

// ApplicationError is a CONNECTION_CLOSE carrying an opaque
// application-defined error code (the "application" error family).
type ApplicationError = qerr.ApplicationError

// StreamError reports a RESET_STREAM/STOP_SENDING error code for a single
// stream; receiving or sending one never closes the session.
type StreamError = qerr.StreamError

// TransportErrorCode is one of the codes registered in RFC 9000 §20.1.
type TransportErrorCode = qerr.TransportErrorCode

const (
	NoError                   = qerr.NoError
	InternalError             = qerr.InternalError
	ConnectionRefused         = qerr.ConnectionRefused
	FlowControlError          = qerr.FlowControlError
	StreamLimitError          = qerr.StreamLimitError
	StreamStateError          = qerr.StreamStateError
	FinalSizeError            = qerr.FinalSizeError
	FrameEncodingError        = qerr.FrameEncodingError
	TransportParameterError   = qerr.TransportParameterError
	ConnectionIDLimitError    = qerr.ConnectionIDLimitError
	ProtocolViolation         = qerr.ProtocolViolation
	InvalidToken              = qerr.InvalidToken
	CryptoBufferExceeded      = qerr.CryptoBufferExceeded
	KeyUpdateError            = qerr.KeyUpdateError
	AEADLimitReached          = qerr.AEADLimitReached
	NoViablePath              = qerr.NoViablePath
)

// ApplicationErrorCode identifies an application-defined CONNECTION_CLOSE
// or RESET_STREAM/STOP_SENDING reason.
type ApplicationErrorCode uint64

// IdleTimeoutError is returned from a Session/Stream operation when the
// connection was torn down locally because no traffic was seen from the
// peer within MaxIdleTimeout. It carries no wire representation; the
// session is destroyed silently, per the "Silent" propagation policy.
type IdleTimeoutError struct{}

func (IdleTimeoutError) Error() string { return "quic: timeout: no recent network activity" }

// HandshakeTimeoutError is returned when the handshake did not complete
// within HandshakeIdleTimeout.
type HandshakeTimeoutError struct{}

func (HandshakeTimeoutError) Error() string { return "quic: timeout: handshake did not complete in time" }

// VersionNegotiationError is returned to a client when no common version
// exists between the offered set and the server's Version Negotiation
// reply.
type VersionNegotiationError struct {
	Ours, Theirs []protocol.Version
}

func (e *VersionNegotiationError) Error() string {
	return "quic: no compatible QUIC version found"
}

// StatelessResetError is returned when an endpoint receives a verified
// STATELESS_RESET for an active session; the peer has definitively lost
// this connection's state.
type StatelessResetError struct{}

func (StatelessResetError) Error() string { return "quic: received a stateless reset" }
