package flowcontrol

import "github.com/zys-contribs/quic/internal/protocol"

// StreamFlowController is the per-stream flow control contract (RFC 9000
// §4.1).
type StreamFlowController interface {
	// AddBytesSent records locally-sent stream data.
	AddBytesSent(protocol.ByteCount)
	// SendWindowSize returns how many more bytes may be sent right now.
	SendWindowSize() protocol.ByteCount
	// UpdateSendWindow applies a MAX_STREAM_DATA offset from the peer.
	UpdateSendWindow(protocol.ByteCount)

	// AddBytesRead records locally-consumed stream data, possibly freeing
	// window to advertise back to the peer.
	AddBytesRead(protocol.ByteCount)
	// UpdateHighestReceived records a STREAM frame's end offset, returning
	// an error if it violates the advertised receive window or shrinks
	// below a previously seen value while finalized.
	UpdateHighestReceived(offset protocol.ByteCount, final bool) error
	// GetWindowUpdate returns a MAX_STREAM_DATA offset to send, or 0 if
	// none is due yet.
	GetWindowUpdate() protocol.ByteCount

	// Abandon releases this stream's contribution to the connection-level
	// window once it's closed and fully read; abandoned streams stop
	// consuming connection flow control.
	Abandon()
}

// ConnectionFlowController is the per-session flow control contract.
type ConnectionFlowController interface {
	AddBytesSent(protocol.ByteCount)
	SendWindowSize() protocol.ByteCount
	UpdateSendWindow(protocol.ByteCount)

	AddBytesRead(protocol.ByteCount)
	IncrementHighestReceived(protocol.ByteCount) error
	GetWindowUpdate() protocol.ByteCount

	// EnsureMinimumWindowIncrement keeps the connection-level window
	// increment at least as large as any stream's, so a single fast
	// stream's auto-tuning isn't throttled by the connection.
	EnsureMinimumWindowIncrement(protocol.ByteCount)
}
