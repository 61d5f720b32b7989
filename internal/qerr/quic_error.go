package qerr

import "fmt"

// TransportError is a CONNECTION_CLOSE with a frame type 0x1c: a QUIC
// transport-level error (RFC 9000 §20.1).
type TransportError struct {
	ErrorCode    TransportErrorCode
	FrameType    uint64
	ErrorMessage string

	// Remote is set when this error was received from the peer rather
	// than generated locally.
	Remote bool
}

func (e *TransportError) Error() string {
	if e.ErrorMessage == "" {
		return e.ErrorCode.String()
	}
	return fmt.Sprintf("%s: %s", e.ErrorCode.String(), e.ErrorMessage)
}

// Is allows errors.Is(err, qerr.TransportError{ErrorCode: X}) style checks
// against the error code alone.
func (e *TransportError) Is(target error) bool {
	t, ok := target.(*TransportError)
	return ok && t.ErrorCode == e.ErrorCode
}

// ApplicationError is a CONNECTION_CLOSE with frame type 0x1d: an opaque
// application-level error code meaningful only to the application layer.
type ApplicationError struct {
	ErrorCode    uint64
	ErrorMessage string
	Remote       bool
}

func (e *ApplicationError) Error() string {
	if e.ErrorMessage == "" {
		return fmt.Sprintf("Application error %#x", e.ErrorCode)
	}
	return fmt.Sprintf("Application error %#x: %s", e.ErrorCode, e.ErrorMessage)
}

// StreamError reports a RESET_STREAM/STOP_SENDING error code for one
// stream; it never closes the session.
type StreamError struct {
	ErrorCode uint64
	Remote    bool
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream reset with error code %#x", e.ErrorCode)
}

// NewLocalCryptoError builds a TransportError for a local TLS alert.
func NewLocalCryptoError(alert uint8, msg string) *TransportError {
	return &TransportError{ErrorCode: NewCryptoError(alert), ErrorMessage: msg}
}
