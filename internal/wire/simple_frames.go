package wire

import (
	"bytes"

	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/utils"
)

// PingFrame elicits an ACK without carrying application data.
type PingFrame struct{}

func (f *PingFrame) Write(b *bytes.Buffer) error { b.WriteByte(byte(typePing)); return nil }
func (f *PingFrame) Length() protocol.ByteCount   { return 1 }

// PaddingFrame is a single zero byte, used to pad a packet to the minimum
// size or to probe PMTU.
type PaddingFrame struct{}

func (f *PaddingFrame) Write(b *bytes.Buffer) error { b.WriteByte(byte(typePadding)); return nil }
func (f *PaddingFrame) Length() protocol.ByteCount   { return 1 }

// HandshakeDoneFrame tells the client the handshake is confirmed; sent
// only by the server, exactly once.
type HandshakeDoneFrame struct{}

func (f *HandshakeDoneFrame) Write(b *bytes.Buffer) error {
	b.WriteByte(byte(typeHandshakeDone))
	return nil
}
func (f *HandshakeDoneFrame) Length() protocol.ByteCount { return 1 }

// MaxDataFrame raises the connection-level flow control limit.
type MaxDataFrame struct {
	MaximumData protocol.ByteCount
}

func (f *MaxDataFrame) Write(b *bytes.Buffer) error {
	b.WriteByte(byte(typeMaxData))
	utils.WriteVarInt(b, uint64(f.MaximumData))
	return nil
}
func (f *MaxDataFrame) Length() protocol.ByteCount {
	return 1 + utils.VarIntLen(uint64(f.MaximumData))
}

// DataBlockedFrame signals the sender is flow-control blocked at the
// connection level.
type DataBlockedFrame struct {
	MaximumData protocol.ByteCount
}

func (f *DataBlockedFrame) Write(b *bytes.Buffer) error {
	b.WriteByte(byte(typeDataBlocked))
	utils.WriteVarInt(b, uint64(f.MaximumData))
	return nil
}
func (f *DataBlockedFrame) Length() protocol.ByteCount {
	return 1 + utils.VarIntLen(uint64(f.MaximumData))
}

// MaxStreamDataFrame raises a single stream's flow control limit.
type MaxStreamDataFrame struct {
	StreamID          protocol.StreamID
	MaximumStreamData protocol.ByteCount
}

func (f *MaxStreamDataFrame) Write(b *bytes.Buffer) error {
	b.WriteByte(byte(typeMaxStreamData))
	utils.WriteVarInt(b, uint64(f.StreamID))
	utils.WriteVarInt(b, uint64(f.MaximumStreamData))
	return nil
}
func (f *MaxStreamDataFrame) Length() protocol.ByteCount {
	return 1 + utils.VarIntLen(uint64(f.StreamID)) + utils.VarIntLen(uint64(f.MaximumStreamData))
}

// StreamDataBlockedFrame signals the sender is blocked on a stream's flow
// control window.
type StreamDataBlockedFrame struct {
	StreamID          protocol.StreamID
	MaximumStreamData protocol.ByteCount
}

func (f *StreamDataBlockedFrame) Write(b *bytes.Buffer) error {
	b.WriteByte(byte(typeStreamDataBlocked))
	utils.WriteVarInt(b, uint64(f.StreamID))
	utils.WriteVarInt(b, uint64(f.MaximumStreamData))
	return nil
}
func (f *StreamDataBlockedFrame) Length() protocol.ByteCount {
	return 1 + utils.VarIntLen(uint64(f.StreamID)) + utils.VarIntLen(uint64(f.MaximumStreamData))
}

// MaxStreamsFrame raises the limit on streams the peer may open.
type MaxStreamsFrame struct {
	Type         protocol.StreamType
	MaxStreamNum protocol.StreamNum
}

func (f *MaxStreamsFrame) Write(b *bytes.Buffer) error {
	if f.Type == protocol.StreamTypeUni {
		b.WriteByte(byte(typeMaxStreamsUni))
	} else {
		b.WriteByte(byte(typeMaxStreamsBidi))
	}
	utils.WriteVarInt(b, uint64(f.MaxStreamNum))
	return nil
}
func (f *MaxStreamsFrame) Length() protocol.ByteCount {
	return 1 + utils.VarIntLen(uint64(f.MaxStreamNum))
}

// StreamsBlockedFrame signals the sender wanted to open a stream of Type
// but hit the peer's MAX_STREAMS limit.
type StreamsBlockedFrame struct {
	Type        protocol.StreamType
	StreamLimit protocol.StreamNum
}

func (f *StreamsBlockedFrame) Write(b *bytes.Buffer) error {
	if f.Type == protocol.StreamTypeUni {
		b.WriteByte(byte(typeStreamsBlockedUni))
	} else {
		b.WriteByte(byte(typeStreamsBlockedBidi))
	}
	utils.WriteVarInt(b, uint64(f.StreamLimit))
	return nil
}
func (f *StreamsBlockedFrame) Length() protocol.ByteCount {
	return 1 + utils.VarIntLen(uint64(f.StreamLimit))
}

// ResetStreamFrame abruptly terminates the sending side of a stream.
type ResetStreamFrame struct {
	StreamID  protocol.StreamID
	ErrorCode uint64
	FinalSize protocol.ByteCount
}

func (f *ResetStreamFrame) Write(b *bytes.Buffer) error {
	b.WriteByte(byte(typeResetStream))
	utils.WriteVarInt(b, uint64(f.StreamID))
	utils.WriteVarInt(b, f.ErrorCode)
	utils.WriteVarInt(b, uint64(f.FinalSize))
	return nil
}
func (f *ResetStreamFrame) Length() protocol.ByteCount {
	return 1 + utils.VarIntLen(uint64(f.StreamID)) + utils.VarIntLen(f.ErrorCode) + utils.VarIntLen(uint64(f.FinalSize))
}

// StopSendingFrame asks the peer to abandon the sending side of a stream.
type StopSendingFrame struct {
	StreamID  protocol.StreamID
	ErrorCode uint64
}

func (f *StopSendingFrame) Write(b *bytes.Buffer) error {
	b.WriteByte(byte(typeStopSending))
	utils.WriteVarInt(b, uint64(f.StreamID))
	utils.WriteVarInt(b, f.ErrorCode)
	return nil
}
func (f *StopSendingFrame) Length() protocol.ByteCount {
	return 1 + utils.VarIntLen(uint64(f.StreamID)) + utils.VarIntLen(f.ErrorCode)
}

// NewTokenFrame carries an address-validation token the client may present
// in a future Initial.
type NewTokenFrame struct {
	Token []byte
}

func (f *NewTokenFrame) Write(b *bytes.Buffer) error {
	b.WriteByte(byte(typeNewToken))
	utils.WriteVarInt(b, uint64(len(f.Token)))
	b.Write(f.Token)
	return nil
}
func (f *NewTokenFrame) Length() protocol.ByteCount {
	return 1 + utils.VarIntLen(uint64(len(f.Token))) + protocol.ByteCount(len(f.Token))
}

// PathChallengeFrame probes reachability of a path; the peer must echo
// Data back in a PATH_RESPONSE.
type PathChallengeFrame struct {
	Data [8]byte
}

func (f *PathChallengeFrame) Write(b *bytes.Buffer) error {
	b.WriteByte(byte(typePathChallenge))
	b.Write(f.Data[:])
	return nil
}
func (f *PathChallengeFrame) Length() protocol.ByteCount { return 9 }

// PathResponseFrame echoes a PathChallengeFrame's data.
type PathResponseFrame struct {
	Data [8]byte
}

func (f *PathResponseFrame) Write(b *bytes.Buffer) error {
	b.WriteByte(byte(typePathResponse))
	b.Write(f.Data[:])
	return nil
}
func (f *PathResponseFrame) Length() protocol.ByteCount { return 9 }
