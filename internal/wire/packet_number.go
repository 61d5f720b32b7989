package wire

import "github.com/zys-contribs/quic/internal/protocol"

// EncodePacketNumber truncates a full packet number to the wire length
// computed by protocol.PacketNumberLengthForHeader.
func EncodePacketNumber(pn protocol.PacketNumber, l protocol.PacketNumberLen) []byte {
	b := make([]byte, l)
	v := uint64(pn)
	for i := int(l) - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

// DecodePacketNumber reverses truncation given the largest packet number
// successfully processed in this space so far (RFC 9000 §17.1).
func DecodePacketNumber(l protocol.PacketNumberLen, largestPN protocol.PacketNumber, truncated protocol.PacketNumber) protocol.PacketNumber {
	expectedPN := largestPN + 1
	pnWin := protocol.PacketNumber(1) << (8 * uint8(l))
	pnHWin := pnWin / 2
	pnMask := pnWin - 1

	candidate := (expectedPN &^ pnMask) | truncated
	if candidate <= expectedPN-pnHWin && candidate < (protocol.PacketNumber(1)<<62)-pnWin {
		return candidate + pnWin
	}
	if candidate > expectedPN+pnHWin && candidate >= pnWin {
		return candidate - pnWin
	}
	return candidate
}
