package wire

import (
	"bytes"
	"errors"
	"io"

	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/utils"
)

// StreamFrame carries application data for one stream.
type StreamFrame struct {
	StreamID protocol.StreamID
	Offset   protocol.ByteCount
	Data     []byte
	Fin      bool

	// DataLenPresent controls whether the LEN bit is set on write; a
	// frame packed last in a packet may omit it and consume the rest of
	// the packet instead, saving 1-2 bytes.
	DataLenPresent bool
}

func parseStreamFrame(r *bytes.Reader, typ frameType) (*StreamFrame, error) {
	hasOffset := typ&0x04 > 0
	hasLen := typ&0x02 > 0
	fin := typ&0x01 > 0

	sid, err := utils.ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	f := &StreamFrame{StreamID: protocol.StreamID(sid), Fin: fin, DataLenPresent: hasLen}
	if hasOffset {
		off, err := utils.ReadVarInt(r)
		if err != nil {
			return nil, err
		}
		f.Offset = protocol.ByteCount(off)
	}
	var dataLen uint64
	if hasLen {
		dataLen, err = utils.ReadVarInt(r)
		if err != nil {
			return nil, err
		}
		if int(dataLen) > r.Len() {
			return nil, io.EOF
		}
	} else {
		dataLen = uint64(r.Len())
	}
	if dataLen > 0 {
		f.Data = make([]byte, dataLen)
		if _, err := io.ReadFull(r, f.Data); err != nil {
			return nil, err
		}
	}
	if f.Offset+protocol.ByteCount(len(f.Data)) > protocol.MaxByteCount {
		return nil, errors.New("wire: STREAM frame overflows maximum offset")
	}
	return f, nil
}

func (f *StreamFrame) Write(b *bytes.Buffer) error {
	typ := byte(typeStream)
	if f.Fin {
		typ |= 0x01
	}
	if f.DataLenPresent {
		typ |= 0x02
	}
	if f.Offset != 0 {
		typ |= 0x04
	}
	b.WriteByte(typ)
	utils.WriteVarInt(b, uint64(f.StreamID))
	if f.Offset != 0 {
		utils.WriteVarInt(b, uint64(f.Offset))
	}
	if f.DataLenPresent {
		utils.WriteVarInt(b, uint64(len(f.Data)))
	}
	b.Write(f.Data)
	return nil
}

// Length returns the serialized length, matching the DataLenPresent flag
// as currently set.
func (f *StreamFrame) Length() protocol.ByteCount {
	length := protocol.ByteCount(1) + utils.VarIntLen(uint64(f.StreamID))
	if f.Offset != 0 {
		length += utils.VarIntLen(uint64(f.Offset))
	}
	if f.DataLenPresent {
		length += utils.VarIntLen(uint64(len(f.Data)))
	}
	return length + protocol.ByteCount(len(f.Data))
}

// MaxDataLen returns how many bytes of stream data would fit in maxSize
// total bytes, given the frame's type byte, stream ID and offset. Room for
// a LEN field is always reserved, whether or not DataLenPresent is set.
func (f *StreamFrame) MaxDataLen(maxSize protocol.ByteCount) protocol.ByteCount {
	headerLen := protocol.ByteCount(1) + utils.VarIntLen(uint64(f.StreamID))
	if f.Offset != 0 {
		headerLen += utils.VarIntLen(uint64(f.Offset))
	}
	if maxSize < headerLen {
		return 0
	}
	maxPayload := maxSize - headerLen
	// the LEN field itself costs 1-8 bytes; it is sized for maxPayload,
	// which may be one varint size larger than the returned data length
	// needs.
	if maxPayload <= 0 {
		return 0
	}
	lenFieldLen := utils.VarIntLen(uint64(maxPayload))
	if maxPayload <= lenFieldLen {
		return 0
	}
	return maxPayload - lenFieldLen
}

// CryptoFrame carries handshake bytes for one encryption level's crypto
// stream; it has no stream ID since crypto data isn't multiplexed with
// application streams.
type CryptoFrame struct {
	Offset protocol.ByteCount
	Data   []byte
}

func parseCryptoFrame(r *bytes.Reader) (*CryptoFrame, error) {
	off, err := utils.ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	dataLen, err := utils.ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	if int(dataLen) > r.Len() {
		return nil, io.EOF
	}
	data := make([]byte, dataLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return &CryptoFrame{Offset: protocol.ByteCount(off), Data: data}, nil
}

func (f *CryptoFrame) Write(b *bytes.Buffer) error {
	b.WriteByte(byte(typeCrypto))
	utils.WriteVarInt(b, uint64(f.Offset))
	utils.WriteVarInt(b, uint64(len(f.Data)))
	b.Write(f.Data)
	return nil
}

func (f *CryptoFrame) Length() protocol.ByteCount {
	return 1 + utils.VarIntLen(uint64(f.Offset)) + utils.VarIntLen(uint64(len(f.Data))) + protocol.ByteCount(len(f.Data))
}

// MaxDataLen returns how much payload would fit in maxSize total bytes.
func (f *CryptoFrame) MaxDataLen(maxSize protocol.ByteCount) protocol.ByteCount {
	headerLen := protocol.ByteCount(1) + utils.VarIntLen(uint64(f.Offset))
	if maxSize <= headerLen {
		return 0
	}
	maxPayload := maxSize - headerLen
	lenFieldLen := utils.VarIntLen(uint64(maxPayload))
	if maxPayload <= lenFieldLen {
		return 0
	}
	return maxPayload - lenFieldLen
}
