package qerr

// TransportErrorCode is one of the QUIC transport-level error codes
// (RFC 9000 §20.1).
type TransportErrorCode uint64

const (
	NoError                    TransportErrorCode = 0x0
	InternalError              TransportErrorCode = 0x1
	ConnectionRefused          TransportErrorCode = 0x2
	FlowControlError           TransportErrorCode = 0x3
	StreamLimitError           TransportErrorCode = 0x4
	StreamStateError           TransportErrorCode = 0x5
	FinalSizeError             TransportErrorCode = 0x6
	FrameEncodingError         TransportErrorCode = 0x7
	TransportParameterError    TransportErrorCode = 0x8
	ConnectionIDLimitError     TransportErrorCode = 0x9
	ProtocolViolation          TransportErrorCode = 0xa
	InvalidToken               TransportErrorCode = 0xb
	ApplicationErrorErrorCode  TransportErrorCode = 0xc
	CryptoBufferExceeded       TransportErrorCode = 0xd
	KeyUpdateError             TransportErrorCode = 0xe
	AEADLimitReached           TransportErrorCode = 0xf
	NoViablePath               TransportErrorCode = 0x10

	// PacketNumberSpaceExhausted is not a wire error code: it marks a
	// locally-triggered silent close with no CONNECTION_CLOSE sent.
	PacketNumberSpaceExhausted TransportErrorCode = 1 << 62

	// CryptoErrorCodeOffset is added to a TLS alert number to produce the
	// 0x0100-0x01ff "CRYPTO_ERROR" transport error code range (RFC 9000
	// §20.1).
	CryptoErrorCodeOffset TransportErrorCode = 0x100
)

func (e TransportErrorCode) String() string {
	switch e {
	case NoError:
		return "NO_ERROR"
	case InternalError:
		return "INTERNAL_ERROR"
	case ConnectionRefused:
		return "CONNECTION_REFUSED"
	case FlowControlError:
		return "FLOW_CONTROL_ERROR"
	case StreamLimitError:
		return "STREAM_LIMIT_ERROR"
	case StreamStateError:
		return "STREAM_STATE_ERROR"
	case FinalSizeError:
		return "FINAL_SIZE_ERROR"
	case FrameEncodingError:
		return "FRAME_ENCODING_ERROR"
	case TransportParameterError:
		return "TRANSPORT_PARAMETER_ERROR"
	case ConnectionIDLimitError:
		return "CONNECTION_ID_LIMIT_ERROR"
	case ProtocolViolation:
		return "PROTOCOL_VIOLATION"
	case InvalidToken:
		return "INVALID_TOKEN"
	case CryptoBufferExceeded:
		return "CRYPTO_BUFFER_EXCEEDED"
	case KeyUpdateError:
		return "KEY_UPDATE_ERROR"
	case AEADLimitReached:
		return "AEAD_LIMIT_REACHED"
	case NoViablePath:
		return "NO_VIABLE_PATH"
	case PacketNumberSpaceExhausted:
		return "PACKET_NUMBER_SPACE_EXHAUSTED"
	default:
		if e >= CryptoErrorCodeOffset && e <= CryptoErrorCodeOffset+0xff {
			return "CRYPTO_ERROR"
		}
		return "UNKNOWN_ERROR"
	}
}

// IsCryptoError reports whether e is in the CRYPTO_ERROR range, and if so
// returns the TLS alert number it wraps, carried in the low byte.
func (e TransportErrorCode) IsCryptoError() (alert uint8, ok bool) {
	if e < CryptoErrorCodeOffset || e > CryptoErrorCodeOffset+0xff {
		return 0, false
	}
	return uint8(e - CryptoErrorCodeOffset), true
}

// NewCryptoError builds the transport error code for a given TLS alert.
func NewCryptoError(alert uint8) TransportErrorCode {
	return CryptoErrorCodeOffset + TransportErrorCode(alert)
}
