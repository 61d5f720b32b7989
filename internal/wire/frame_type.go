package wire

// frameType is the varint-encoded first byte (or first few bits) of a
// QUIC frame, RFC 9000 §19.
type frameType uint64

const (
	typePadding            frameType = 0x00
	typePing               frameType = 0x01
	typeAck                frameType = 0x02
	typeAckECN             frameType = 0x03
	typeResetStream        frameType = 0x04
	typeStopSending        frameType = 0x05
	typeCrypto             frameType = 0x06
	typeNewToken           frameType = 0x07
	typeStream             frameType = 0x08 // 0x08-0x0f, three flag bits
	typeMaxData            frameType = 0x10
	typeMaxStreamData      frameType = 0x11
	typeMaxStreamsBidi     frameType = 0x12
	typeMaxStreamsUni      frameType = 0x13
	typeDataBlocked        frameType = 0x14
	typeStreamDataBlocked  frameType = 0x15
	typeStreamsBlockedBidi frameType = 0x16
	typeStreamsBlockedUni  frameType = 0x17
	typeNewConnectionID    frameType = 0x18
	typeRetireConnectionID frameType = 0x19
	typePathChallenge      frameType = 0x1a
	typePathResponse       frameType = 0x1b
	typeConnectionClose    frameType = 0x1c
	typeConnectionCloseApp frameType = 0x1d
	typeHandshakeDone      frameType = 0x1e
)
