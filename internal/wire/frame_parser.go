package wire

import (
	"bytes"
	"fmt"

	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/utils"
)

// FrameParser parses one frame at a time from a packet's decrypted
// payload. It is stateful only in ackDelayExponent, which an endpoint
// learns from the peer's transport parameters.
type FrameParser struct {
	AckDelayExponent uint8
}

// NewFrameParser returns a parser using protocol.AckDelayExponent; a
// different exponent is applied by assigning the AckDelayExponent field.
func NewFrameParser() *FrameParser {
	return &FrameParser{AckDelayExponent: protocol.AckDelayExponent}
}

// ParseNext parses one frame from data at the given encryption level,
// returning the frame, the number of bytes consumed, and any error.
// A nil frame with no error means data contained only trailing padding.
func (p *FrameParser) ParseNext(data []byte, encLevel protocol.EncryptionLevel) (Frame, int, error) {
	r := bytes.NewReader(data)
	for {
		typeByte, err := r.ReadByte()
		if err != nil {
			return nil, len(data) - r.Len(), nil
		}
		if frameType(typeByte) == typePadding {
			continue // padding frames are skipped transparently
		}
		if err := r.UnreadByte(); err != nil {
			return nil, 0, err
		}
		break
	}
	typeByteVal, err := utils.ReadVarInt(r)
	if err != nil {
		return nil, 0, err
	}
	typ := frameType(typeByteVal)
	if err := p.checkAllowed(typ, encLevel); err != nil {
		return nil, 0, err
	}

	var f Frame
	switch {
	case typ == typePing:
		f = &PingFrame{}
	case typ == typeAck || typ == typeAckECN:
		f, err = parseAckFrame(r, typ, p.AckDelayExponent)
	case typ == typeResetStream:
		f, err = parseResetStreamFrame(r)
	case typ == typeStopSending:
		f, err = parseStopSendingFrame(r)
	case typ == typeCrypto:
		f, err = parseCryptoFrame(r)
	case typ == typeNewToken:
		f, err = parseNewTokenFrame(r)
	case typ >= typeStream && typ <= typeStream+0x07:
		f, err = parseStreamFrame(r, typ)
	case typ == typeMaxData:
		f, err = parseMaxDataFrame(r)
	case typ == typeMaxStreamData:
		f, err = parseMaxStreamDataFrame(r)
	case typ == typeMaxStreamsBidi:
		f, err = parseMaxStreamsFrame(r, protocol.StreamTypeBidi)
	case typ == typeMaxStreamsUni:
		f, err = parseMaxStreamsFrame(r, protocol.StreamTypeUni)
	case typ == typeDataBlocked:
		f, err = parseDataBlockedFrame(r)
	case typ == typeStreamDataBlocked:
		f, err = parseStreamDataBlockedFrame(r)
	case typ == typeStreamsBlockedBidi:
		f, err = parseStreamsBlockedFrame(r, protocol.StreamTypeBidi)
	case typ == typeStreamsBlockedUni:
		f, err = parseStreamsBlockedFrame(r, protocol.StreamTypeUni)
	case typ == typeNewConnectionID:
		f, err = parseNewConnectionIDFrame(r)
	case typ == typeRetireConnectionID:
		f, err = parseRetireConnectionIDFrame(r)
	case typ == typePathChallenge:
		f, err = parsePathChallengeFrame(r)
	case typ == typePathResponse:
		f, err = parsePathResponseFrame(r)
	case typ == typeConnectionClose || typ == typeConnectionCloseApp:
		f, err = parseConnectionCloseFrame(r, typ)
	case typ == typeHandshakeDone:
		f = &HandshakeDoneFrame{}
	default:
		return nil, 0, fmt.Errorf("wire: unknown frame type %#x", typ)
	}
	if err != nil {
		return nil, 0, err
	}
	return f, len(data) - r.Len(), nil
}

// checkAllowed rejects frames the QUIC spec forbids at a given encryption
// level (RFC 9000 §12.4 table), e.g. STREAM frames in Initial packets.
func (p *FrameParser) checkAllowed(typ frameType, encLevel protocol.EncryptionLevel) error {
	if encLevel == protocol.Encryption1RTT {
		return nil
	}
	switch typ {
	case typePing, typeAck, typeAckECN, typeCrypto, typeConnectionClose, typePadding:
		return nil
	}
	return fmt.Errorf("wire: frame type %#x not allowed at encryption level %s", typ, encLevel)
}

func parseResetStreamFrame(r *bytes.Reader) (*ResetStreamFrame, error) {
	sid, err := utils.ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	ec, err := utils.ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	fs, err := utils.ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	return &ResetStreamFrame{StreamID: protocol.StreamID(sid), ErrorCode: ec, FinalSize: protocol.ByteCount(fs)}, nil
}

func parseStopSendingFrame(r *bytes.Reader) (*StopSendingFrame, error) {
	sid, err := utils.ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	ec, err := utils.ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	return &StopSendingFrame{StreamID: protocol.StreamID(sid), ErrorCode: ec}, nil
}

func parseNewTokenFrame(r *bytes.Reader) (*NewTokenFrame, error) {
	l, err := utils.ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	token := make([]byte, l)
	if _, err := r.Read(token); err != nil {
		return nil, err
	}
	return &NewTokenFrame{Token: token}, nil
}

func parseMaxDataFrame(r *bytes.Reader) (*MaxDataFrame, error) {
	v, err := utils.ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	return &MaxDataFrame{MaximumData: protocol.ByteCount(v)}, nil
}

func parseMaxStreamDataFrame(r *bytes.Reader) (*MaxStreamDataFrame, error) {
	sid, err := utils.ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	v, err := utils.ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	return &MaxStreamDataFrame{StreamID: protocol.StreamID(sid), MaximumStreamData: protocol.ByteCount(v)}, nil
}

func parseMaxStreamsFrame(r *bytes.Reader, t protocol.StreamType) (*MaxStreamsFrame, error) {
	v, err := utils.ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	return &MaxStreamsFrame{Type: t, MaxStreamNum: protocol.StreamNum(v)}, nil
}

func parseDataBlockedFrame(r *bytes.Reader) (*DataBlockedFrame, error) {
	v, err := utils.ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	return &DataBlockedFrame{MaximumData: protocol.ByteCount(v)}, nil
}

func parseStreamDataBlockedFrame(r *bytes.Reader) (*StreamDataBlockedFrame, error) {
	sid, err := utils.ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	v, err := utils.ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	return &StreamDataBlockedFrame{StreamID: protocol.StreamID(sid), MaximumStreamData: protocol.ByteCount(v)}, nil
}

func parseStreamsBlockedFrame(r *bytes.Reader, t protocol.StreamType) (*StreamsBlockedFrame, error) {
	v, err := utils.ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	return &StreamsBlockedFrame{Type: t, StreamLimit: protocol.StreamNum(v)}, nil
}

func parsePathChallengeFrame(r *bytes.Reader) (*PathChallengeFrame, error) {
	f := &PathChallengeFrame{}
	if _, err := r.Read(f.Data[:]); err != nil {
		return nil, err
	}
	return f, nil
}

func parsePathResponseFrame(r *bytes.Reader) (*PathResponseFrame, error) {
	f := &PathResponseFrame{}
	if _, err := r.Read(f.Data[:]); err != nil {
		return nil, err
	}
	return f, nil
}
