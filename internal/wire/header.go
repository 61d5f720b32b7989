package wire

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/utils"
)

// PacketType distinguishes the long-header packet types.
type PacketType uint8

const (
	PacketTypeInitial PacketType = iota
	PacketTypeRetry
	PacketTypeHandshake
	PacketType0RTT
)

// ErrUnsupportedVersion is returned by ParseHeader when a long header
// carries a version this endpoint doesn't speak; the caller should react
// by sending Version Negotiation rather than treating it as malformed.
var ErrUnsupportedVersion = errors.New("unsupported version")

// Header is a QUIC long-header prefix, parsed ahead of knowing whether
// decryption of the rest of the packet will succeed.
type Header struct {
	IsLongHeader bool
	Type         PacketType

	Version protocol.Version

	DestConnectionID protocol.ConnectionID
	SrcConnectionID  protocol.ConnectionID

	Token []byte // Initial packets only

	// Length is the Length field of an Initial/0-RTT/Handshake header: the
	// number of bytes following it that belong to this packet.
	Length protocol.ByteCount

	// ParsedLen is how many bytes of the input ParseHeader consumed for
	// the header itself (excludes Length's payload).
	ParsedLen protocol.ByteCount
}

// IsVersionNegotiationPacket reports whether the first byte pattern plus a
// zero version marks a Version Negotiation packet (RFC 9000 §17.2.1: any
// long-header form with Version 0).
func IsVersionNegotiationPacket(b []byte) bool {
	return len(b) >= 5 && b[0]&0x80 > 0 && b[1] == 0 && b[2] == 0 && b[3] == 0 && b[4] == 0
}

// IsLongHeaderPacket reports whether the first byte of b indicates a long
// header (the form bit is set).
func IsLongHeaderPacket(firstByte byte) bool { return firstByte&0x80 > 0 }

// ParseHeader parses either a long header or the bare first-byte
// information of a short header. For short headers, only
// DestConnectionID is filled in (its length is supplied by the caller,
// since it isn't carried on the wire); everything else requires removing
// header protection first, which the unpacker does.
func ParseHeader(data []byte, shortHeaderConnIDLen int) (*Header, error) {
	if len(data) == 0 {
		return nil, errors.New("header: empty packet")
	}
	firstByte := data[0]
	if !IsLongHeaderPacket(firstByte) {
		if len(data) < 1+shortHeaderConnIDLen {
			return nil, errors.New("header: short header packet too small")
		}
		return &Header{
			IsLongHeader:     false,
			DestConnectionID: protocol.ConnectionID(data[1 : 1+shortHeaderConnIDLen]),
			ParsedLen:        protocol.ByteCount(1 + shortHeaderConnIDLen),
		}, nil
	}

	r := bytes.NewReader(data[1:])
	h := &Header{IsLongHeader: true}

	var version uint32
	for i := 0; i < 4; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		version = version<<8 | uint32(b)
	}
	h.Version = protocol.Version(version)

	destLen, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	h.DestConnectionID, err = protocol.ReadConnectionID(r, int(destLen))
	if err != nil {
		return nil, err
	}
	srcLen, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	h.SrcConnectionID, err = protocol.ReadConnectionID(r, int(srcLen))
	if err != nil {
		return nil, err
	}

	if version == 0 {
		// Version Negotiation: caller should use ParseVersionNegotiation.
		h.ParsedLen = protocol.ByteCount(len(data) - r.Len())
		return h, nil
	}
	if !protocol.IsSupportedVersion(h.Version) {
		return h, ErrUnsupportedVersion
	}

	packetType := (firstByte & 0x30) >> 4
	switch packetType {
	case 0x0:
		h.Type = PacketTypeInitial
		tokenLen, err := utils.ReadVarInt(r)
		if err != nil {
			return nil, err
		}
		if tokenLen > 0 {
			h.Token = make([]byte, tokenLen)
			if _, err := r.Read(h.Token); err != nil {
				return nil, err
			}
		}
	case 0x1:
		h.Type = PacketType0RTT
	case 0x2:
		h.Type = PacketTypeHandshake
	case 0x3:
		h.Type = PacketTypeRetry
		// Retry packets carry an opaque token up to the end of the
		// packet minus the 16-byte integrity tag; the caller handles
		// that split since it isn't length-prefixed.
		h.ParsedLen = protocol.ByteCount(len(data) - r.Len())
		return h, nil
	}

	length, err := utils.ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	h.Length = protocol.ByteCount(length)
	h.ParsedLen = protocol.ByteCount(len(data) - r.Len())
	return h, nil
}

// WriteHeader serializes the long-header prefix described by h, with
// packet number length pnLen and the given Length field value.
func WriteHeader(b *bytes.Buffer, h *Header, pnLen protocol.PacketNumberLen, length protocol.ByteCount) {
	typeBits := map[PacketType]byte{
		PacketTypeInitial:   0x0,
		PacketType0RTT:      0x1,
		PacketTypeHandshake: 0x2,
		PacketTypeRetry:     0x3,
	}[h.Type]
	firstByte := byte(0x80) | 0x40 | (typeBits << 4)
	if h.Type != PacketTypeRetry {
		firstByte |= byte(pnLen - 1)
	}
	b.WriteByte(firstByte)
	writeVersion(b, h.Version)
	b.WriteByte(uint8(h.DestConnectionID.Len()))
	b.Write(h.DestConnectionID.Bytes())
	b.WriteByte(uint8(h.SrcConnectionID.Len()))
	b.Write(h.SrcConnectionID.Bytes())
	if h.Type == PacketTypeInitial {
		utils.WriteVarInt(b, uint64(len(h.Token)))
		b.Write(h.Token)
	}
	if h.Type != PacketTypeRetry {
		utils.WriteVarInt(b, uint64(length))
	}
}

func writeVersion(b *bytes.Buffer, v protocol.Version) {
	b.WriteByte(uint8(v >> 24))
	b.WriteByte(uint8(v >> 16))
	b.WriteByte(uint8(v >> 8))
	b.WriteByte(uint8(v))
}

// WriteShortHeader serializes a 1-RTT short header.
func WriteShortHeader(b *bytes.Buffer, destConnID protocol.ConnectionID, kp protocol.KeyPhaseBit, pnLen protocol.PacketNumberLen) {
	firstByte := byte(0x40) | kp.Bit()<<2 | byte(pnLen-1)
	b.WriteByte(firstByte)
	b.Write(destConnID.Bytes())
}

// ParseVersionNegotiation parses a Version Negotiation packet's supported
// version list, given the header prefix has already been consumed.
func ParseVersionNegotiation(data []byte) ([]protocol.Version, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("wire: malformed version list, %d bytes", len(data))
	}
	versions := make([]protocol.Version, 0, len(data)/4)
	for i := 0; i < len(data); i += 4 {
		v := uint32(data[i])<<24 | uint32(data[i+1])<<16 | uint32(data[i+2])<<8 | uint32(data[i+3])
		versions = append(versions, protocol.Version(v))
	}
	return versions, nil
}

// ComposeVersionNegotiation builds a full Version Negotiation packet in
// response to srcConnID/destConnID swapped from the triggering Initial.
func ComposeVersionNegotiation(destConnID, srcConnID protocol.ConnectionID) []byte {
	b := &bytes.Buffer{}
	b.WriteByte(0x80 | 0x7f) // arbitrary reserved bits set, form bit set
	writeVersion(b, protocol.VersionUnknown)
	b.WriteByte(uint8(destConnID.Len()))
	b.Write(destConnID.Bytes())
	b.WriteByte(uint8(srcConnID.Len()))
	b.Write(srcConnID.Bytes())
	for _, v := range protocol.SupportedVersions {
		writeVersion(b, v)
	}
	return b.Bytes()
}
