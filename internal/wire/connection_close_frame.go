package wire

import (
	"bytes"
	"io"

	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/qerr"
	"github.com/zys-contribs/quic/internal/utils"
)

// ConnectionCloseFrame is a CONNECTION_CLOSE frame, grounded on the
// teacher's internal/wire.ConnectionCloseFrame. IsApplicationError
// distinguishes frame type 0x1c (transport) from 0x1d (application).
type ConnectionCloseFrame struct {
	IsApplicationError bool
	ErrorCode          uint64
	FrameType          uint64 // only meaningful for transport errors
	ReasonPhrase       string
}

func parseConnectionCloseFrame(r *bytes.Reader, typ frameType) (*ConnectionCloseFrame, error) {
	f := &ConnectionCloseFrame{IsApplicationError: typ == typeConnectionCloseApp}
	ec, err := utils.ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	f.ErrorCode = ec
	if !f.IsApplicationError {
		ft, err := utils.ReadVarInt(r)
		if err != nil {
			return nil, err
		}
		f.FrameType = ft
	}
	reasonLen, err := utils.ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	if int(reasonLen) > r.Len() {
		return nil, io.EOF
	}
	reason := make([]byte, reasonLen)
	if _, err := io.ReadFull(r, reason); err != nil {
		return nil, err
	}
	f.ReasonPhrase = string(reason)
	return f, nil
}

func (f *ConnectionCloseFrame) Length() protocol.ByteCount {
	length := 1 + utils.VarIntLen(f.ErrorCode) + utils.VarIntLen(uint64(len(f.ReasonPhrase))) + protocol.ByteCount(len(f.ReasonPhrase))
	if !f.IsApplicationError {
		length += utils.VarIntLen(f.FrameType)
	}
	return length
}

func (f *ConnectionCloseFrame) Write(b *bytes.Buffer) error {
	if f.IsApplicationError {
		b.WriteByte(byte(typeConnectionCloseApp))
	} else {
		b.WriteByte(byte(typeConnectionClose))
	}
	utils.WriteVarInt(b, f.ErrorCode)
	if !f.IsApplicationError {
		utils.WriteVarInt(b, f.FrameType)
	}
	utils.WriteVarInt(b, uint64(len(f.ReasonPhrase)))
	b.WriteString(f.ReasonPhrase)
	return nil
}

// ToTransportError converts a received transport CONNECTION_CLOSE into a
// qerr.TransportError.
func (f *ConnectionCloseFrame) ToTransportError() *qerr.TransportError {
	return &qerr.TransportError{
		ErrorCode:    qerr.TransportErrorCode(f.ErrorCode),
		FrameType:    f.FrameType,
		ErrorMessage: f.ReasonPhrase,
		Remote:       true,
	}
}

// ToApplicationError converts a received application CONNECTION_CLOSE into
// a qerr.ApplicationError.
func (f *ConnectionCloseFrame) ToApplicationError() *qerr.ApplicationError {
	return &qerr.ApplicationError{ErrorCode: f.ErrorCode, ErrorMessage: f.ReasonPhrase, Remote: true}
}
