package wire

import (
	"bytes"
	"errors"
	"time"

	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/utils"
)

// AckRange is one contiguous range of acknowledged packet numbers.
type AckRange struct {
	Smallest protocol.PacketNumber
	Largest  protocol.PacketNumber
}

// Len is the number of packet numbers covered by the range.
func (r AckRange) Len() protocol.PacketNumber { return r.Largest - r.Smallest + 1 }

// AckFrame is an ACK frame: a largest-acknowledged packet number, an ack
// delay, and a set of ranges descending from the largest. Ranges is always
// non-empty and sorted from largest to smallest.
type AckFrame struct {
	Ranges  []AckRange
	DelayTime time.Duration

	ECT0, ECT1, ECNCE uint64
	ECN               bool
}

// LargestAcked returns the largest acknowledged packet number.
func (f *AckFrame) LargestAcked() protocol.PacketNumber { return f.Ranges[0].Largest }

// SmallestAcked returns the smallest acknowledged packet number.
func (f *AckFrame) SmallestAcked() protocol.PacketNumber { return f.Ranges[len(f.Ranges)-1].Smallest }

// LowestAcked is an alias for SmallestAcked, matching the naming the
// sent-packet handler uses when walking a packet history in ascending
// order alongside an AckFrame's ranges.
func (f *AckFrame) LowestAcked() protocol.PacketNumber { return f.SmallestAcked() }

// Contains is an alias for AcksPacket.
func (f *AckFrame) Contains(pn protocol.PacketNumber) bool { return f.AcksPacket(pn) }

// HasMissingRanges reports whether this ACK has more than one range, i.e.
// whether the acknowledged packet numbers have a gap.
func (f *AckFrame) HasMissingRanges() bool { return len(f.Ranges) > 1 }

// AcksPacket reports whether pn is covered by one of the ranges.
func (f *AckFrame) AcksPacket(pn protocol.PacketNumber) bool {
	if pn < f.SmallestAcked() || pn > f.LargestAcked() {
		return false
	}
	for _, r := range f.Ranges {
		if pn >= r.Smallest && pn <= r.Largest {
			return true
		}
	}
	return false
}

func parseAckFrame(r *bytes.Reader, typ frameType, ackDelayExponent uint8) (*AckFrame, error) {
	f := &AckFrame{ECN: typ == typeAckECN}

	la, err := utils.ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	largestAcked := protocol.PacketNumber(la)
	delay, err := utils.ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	f.DelayTime = time.Duration(delay) * time.Duration(1<<ackDelayExponent) * time.Microsecond

	numRanges, err := utils.ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	firstBlock, err := utils.ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	smallest := largestAcked - protocol.PacketNumber(firstBlock)
	if smallest < 0 {
		return nil, errors.New("wire: invalid ACK frame (negative packet number)")
	}
	f.Ranges = append(f.Ranges, AckRange{Smallest: smallest, Largest: largestAcked})

	largest := smallest
	for i := uint64(0); i < numRanges; i++ {
		gap, err := utils.ReadVarInt(r)
		if err != nil {
			return nil, err
		}
		block, err := utils.ReadVarInt(r)
		if err != nil {
			return nil, err
		}
		newLargest := largest - protocol.PacketNumber(gap) - 2
		newSmallest := newLargest - protocol.PacketNumber(block)
		if newSmallest < 0 {
			return nil, errors.New("wire: invalid ACK frame (negative packet number)")
		}
		f.Ranges = append(f.Ranges, AckRange{Smallest: newSmallest, Largest: newLargest})
		largest = newSmallest
	}

	if f.ECN {
		for i := 0; i < 3; i++ {
			v, err := utils.ReadVarInt(r)
			if err != nil {
				return nil, err
			}
			switch i {
			case 0:
				f.ECT0 = v
			case 1:
				f.ECT1 = v
			case 2:
				f.ECNCE = v
			}
		}
	}
	return f, nil
}

func (f *AckFrame) Write(b *bytes.Buffer) error {
	if f.ECN {
		b.WriteByte(byte(typeAckECN))
	} else {
		b.WriteByte(byte(typeAck))
	}
	utils.WriteVarInt(b, uint64(f.LargestAcked()))
	utils.WriteVarInt(b, uint64(f.DelayTime/time.Microsecond)>>protocol.AckDelayExponent)
	utils.WriteVarInt(b, uint64(len(f.Ranges)-1))

	first := f.Ranges[0]
	utils.WriteVarInt(b, uint64(first.Len()-1))
	largest := first.Smallest
	for _, r := range f.Ranges[1:] {
		gap := largest - r.Largest - 2
		utils.WriteVarInt(b, uint64(gap))
		utils.WriteVarInt(b, uint64(r.Len()-1))
		largest = r.Smallest
	}
	if f.ECN {
		utils.WriteVarInt(b, f.ECT0)
		utils.WriteVarInt(b, f.ECT1)
		utils.WriteVarInt(b, f.ECNCE)
	}
	return nil
}

func (f *AckFrame) Length() protocol.ByteCount {
	length := protocol.ByteCount(1) + utils.VarIntLen(uint64(f.LargestAcked())) + utils.VarIntLen(uint64(f.DelayTime/time.Microsecond)>>protocol.AckDelayExponent)
	length += utils.VarIntLen(uint64(len(f.Ranges) - 1))
	length += utils.VarIntLen(uint64(f.Ranges[0].Len() - 1))
	largest := f.Ranges[0].Smallest
	for _, r := range f.Ranges[1:] {
		gap := largest - r.Largest - 2
		length += utils.VarIntLen(uint64(gap)) + utils.VarIntLen(uint64(r.Len()-1))
		largest = r.Smallest
	}
	if f.ECN {
		length += utils.VarIntLen(f.ECT0) + utils.VarIntLen(f.ECT1) + utils.VarIntLen(f.ECNCE)
	}
	return length
}
