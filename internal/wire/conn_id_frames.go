package wire

import (
	"bytes"
	"errors"
	"io"

	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/utils"
)

// NewConnectionIDFrame advertises an additional connection ID, with its
// stateless reset token, that the peer may use to address this endpoint.
type NewConnectionIDFrame struct {
	SequenceNumber      uint64
	RetirePriorTo       uint64
	ConnectionID        protocol.ConnectionID
	StatelessResetToken protocol.StatelessResetToken
}

func parseNewConnectionIDFrame(r *bytes.Reader) (*NewConnectionIDFrame, error) {
	f := &NewConnectionIDFrame{}
	seq, err := utils.ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	f.SequenceNumber = seq
	retire, err := utils.ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	f.RetirePriorTo = retire
	if f.RetirePriorTo > f.SequenceNumber {
		return nil, errors.New("wire: NEW_CONNECTION_ID retires a sequence number greater than its own")
	}
	length, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if length == 0 || length > protocol.MaxConnectionIDLen {
		return nil, errors.New("wire: invalid connection ID length in NEW_CONNECTION_ID")
	}
	f.ConnectionID, err = protocol.ReadConnectionID(r, int(length))
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, f.StatelessResetToken[:]); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *NewConnectionIDFrame) Write(b *bytes.Buffer) error {
	b.WriteByte(byte(typeNewConnectionID))
	utils.WriteVarInt(b, f.SequenceNumber)
	utils.WriteVarInt(b, f.RetirePriorTo)
	b.WriteByte(uint8(f.ConnectionID.Len()))
	b.Write(f.ConnectionID.Bytes())
	b.Write(f.StatelessResetToken[:])
	return nil
}

func (f *NewConnectionIDFrame) Length() protocol.ByteCount {
	return 1 + utils.VarIntLen(f.SequenceNumber) + utils.VarIntLen(f.RetirePriorTo) + 1 + protocol.ByteCount(f.ConnectionID.Len()) + 16
}

// RetireConnectionIDFrame asks the peer to stop using and forget one of
// this endpoint's previously advertised connection IDs.
type RetireConnectionIDFrame struct {
	SequenceNumber uint64
}

func parseRetireConnectionIDFrame(r *bytes.Reader) (*RetireConnectionIDFrame, error) {
	seq, err := utils.ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	return &RetireConnectionIDFrame{SequenceNumber: seq}, nil
}

func (f *RetireConnectionIDFrame) Write(b *bytes.Buffer) error {
	b.WriteByte(byte(typeRetireConnectionID))
	utils.WriteVarInt(b, f.SequenceNumber)
	return nil
}

func (f *RetireConnectionIDFrame) Length() protocol.ByteCount {
	return 1 + utils.VarIntLen(f.SequenceNumber)
}
