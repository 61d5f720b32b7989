package ackhandler

import (
	"fmt"

	"github.com/zys-contribs/quic/internal/protocol"
)

// sentPacketHistory is a dense, packet-number-indexed record of one packet
// number space's outstanding packets, grounded on the teacher's
// internal/ackhandler.sentPacketHistory. Slots for acknowledged or lost
// packets are nil'd rather than removed, keeping index math O(1); a run of
// leading nils is trimmed off the front as packets are confirmed gone.
type sentPacketHistory struct {
	packets             []*Packet
	numOutstanding      int
	highestPacketNumber protocol.PacketNumber
}

func newSentPacketHistory() *sentPacketHistory {
	return &sentPacketHistory{
		packets:             make([]*Packet, 0, 32),
		highestPacketNumber: protocol.InvalidPacketNumber,
	}
}

func (h *sentPacketHistory) SentPacket(p *Packet) {
	h.addSkippedPacketsBefore(p.PacketNumber)
	h.packets = append(h.packets, p)
	if p.outstanding() {
		h.numOutstanding++
	}
	h.highestPacketNumber = p.PacketNumber
}

func (h *sentPacketHistory) addSkippedPacketsBefore(pn protocol.PacketNumber) {
	var start protocol.PacketNumber
	if h.highestPacketNumber != protocol.InvalidPacketNumber {
		start = h.highestPacketNumber + 1
	}
	for p := start; p < pn; p++ {
		h.packets = append(h.packets, &Packet{PacketNumber: p, skippedPacket: true})
	}
}

func (h *sentPacketHistory) Iterate(cb func(*Packet) (cont bool, err error)) error {
	for _, p := range h.packets {
		if p == nil {
			continue
		}
		cont, err := cb(p)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (h *sentPacketHistory) FirstOutstanding() *Packet {
	if h.numOutstanding == 0 {
		return nil
	}
	for _, p := range h.packets {
		if p != nil && p.outstanding() {
			return p
		}
	}
	return nil
}

func (h *sentPacketHistory) GetPacket(pn protocol.PacketNumber) *Packet {
	idx, ok := h.index(pn)
	if !ok {
		return nil
	}
	return h.packets[idx]
}

func (h *sentPacketHistory) Len() int { return len(h.packets) }

func (h *sentPacketHistory) HasOutstandingPackets() bool { return h.numOutstanding > 0 }

func (h *sentPacketHistory) Remove(pn protocol.PacketNumber) error {
	idx, ok := h.index(pn)
	if !ok {
		return fmt.Errorf("ackhandler: packet %d not found in sent packet history", pn)
	}
	p := h.packets[idx]
	if p.outstanding() {
		h.numOutstanding--
	}
	h.packets[idx] = nil
	for idx > 0 {
		idx--
		prev := h.packets[idx]
		if prev == nil || !prev.skippedPacket {
			break
		}
		h.packets[idx] = nil
	}
	h.trimFront()
	return nil
}

func (h *sentPacketHistory) index(pn protocol.PacketNumber) (int, bool) {
	if len(h.packets) == 0 {
		return 0, false
	}
	first := h.packets[0].PacketNumber
	idx := int(pn - first)
	if idx < 0 || idx > len(h.packets)-1 {
		return 0, false
	}
	return idx, true
}

func (h *sentPacketHistory) trimFront() {
	for i, p := range h.packets {
		if p != nil {
			h.packets = h.packets[i:]
			return
		}
	}
	h.packets = h.packets[:0]
}
