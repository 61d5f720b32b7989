package ackhandler

import (
	"time"

	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/wire"
)

// maxAckRanges bounds how many disjoint gaps one packet number space's ACK
// frame tracks, a DoS guard against a peer forcing unbounded ACK state.
const maxAckRanges = 32

// receivedPacketTracker is the received-side bookkeeping for a single
// packet number space: which packet numbers have arrived, and whether an
// ACK is currently owed. No implementation file for this shipped in the
// retrieval pack (only its tests did), so the range-list representation
// below follows the same "ranges sorted descending" shape wire.AckFrame
// already uses, rather than introducing a second data structure.
type receivedPacketTracker struct {
	ranges []wire.AckRange

	largestObserved     protocol.PacketNumber
	largestObservedTime time.Time

	ackElicitingSinceLastAck int
	ackQueued                bool
	ackAlarm                 time.Time

	ackDelay time.Duration
}

func newReceivedPacketTracker(ackDelay time.Duration) *receivedPacketTracker {
	return &receivedPacketTracker{largestObserved: protocol.InvalidPacketNumber, ackDelay: ackDelay}
}

func (t *receivedPacketTracker) IsPotentiallyDuplicate(pn protocol.PacketNumber) bool {
	for _, r := range t.ranges {
		if pn >= r.Smallest && pn <= r.Largest {
			return true
		}
	}
	return false
}

func (t *receivedPacketTracker) ReceivedPacket(pn protocol.PacketNumber, rcvTime time.Time, shouldInstigateAck bool) {
	t.insert(pn)
	if pn > t.largestObserved {
		t.largestObserved = pn
		t.largestObservedTime = rcvTime
	}
	if !shouldInstigateAck {
		return
	}
	t.ackElicitingSinceLastAck++
	if t.ackElicitingSinceLastAck >= 2 {
		// Immediately ack every other ack-eliciting packet (RFC 9000
		// §13.2.1 recommends at least one ACK per 2 ack-eliciting
		// packets).
		t.ackQueued = true
	} else if t.ackAlarm.IsZero() {
		t.ackAlarm = rcvTime.Add(t.ackDelay)
	}
}

func (t *receivedPacketTracker) insert(pn protocol.PacketNumber) {
	for i, r := range t.ranges {
		switch {
		case pn >= r.Smallest && pn <= r.Largest:
			return
		case pn == r.Largest+1:
			t.ranges[i].Largest = pn
			t.mergeForward(i)
			return
		case pn == r.Smallest-1:
			t.ranges[i].Smallest = pn
			return
		case pn > r.Largest:
			t.ranges = append(t.ranges, wire.AckRange{})
			copy(t.ranges[i+1:], t.ranges[i:])
			t.ranges[i] = wire.AckRange{Smallest: pn, Largest: pn}
			t.trim()
			return
		}
	}
	t.ranges = append(t.ranges, wire.AckRange{Smallest: pn, Largest: pn})
	t.trim()
}

func (t *receivedPacketTracker) mergeForward(i int) {
	if i == 0 {
		return
	}
	if t.ranges[i].Largest+1 == t.ranges[i-1].Smallest {
		t.ranges[i-1].Smallest = t.ranges[i].Smallest
		t.ranges = append(t.ranges[:i], t.ranges[i+1:]...)
	}
}

// trim drops the lowest ranges once the tracker exceeds maxAckRanges, the
// same bound RFC 9000 §13.2.3 recommends enforcing locally.
func (t *receivedPacketTracker) trim() {
	if len(t.ranges) > maxAckRanges {
		t.ranges = t.ranges[:maxAckRanges]
	}
}

func (t *receivedPacketTracker) hasNewAck() bool {
	return t.ackQueued || (!t.ackAlarm.IsZero() && !time.Now().Before(t.ackAlarm))
}

func (t *receivedPacketTracker) GetAckFrame(ackDelayExponent uint8, onlyIfQueued bool) *wire.AckFrame {
	if onlyIfQueued && !t.hasNewAck() {
		return nil
	}
	if len(t.ranges) == 0 {
		return nil
	}
	t.ackQueued = false
	t.ackAlarm = time.Time{}
	t.ackElicitingSinceLastAck = 0
	ranges := make([]wire.AckRange, len(t.ranges))
	copy(ranges, t.ranges)
	return &wire.AckFrame{Ranges: ranges, DelayTime: time.Since(t.largestObservedTime)}
}

type receivedPacketHandler struct {
	initial     *receivedPacketTracker
	handshake   *receivedPacketTracker
	appData     *receivedPacketTracker
	ackDelayExp uint8
}

var _ ReceivedPacketHandler = &receivedPacketHandler{}

// NewReceivedPacketHandler builds the default received-packet handler.
func NewReceivedPacketHandler(maxAckDelay time.Duration, ackDelayExponent uint8) ReceivedPacketHandler {
	return &receivedPacketHandler{
		initial:     newReceivedPacketTracker(0),
		handshake:   newReceivedPacketTracker(0),
		appData:     newReceivedPacketTracker(maxAckDelay),
		ackDelayExp: ackDelayExponent,
	}
}

func (h *receivedPacketHandler) tracker(encLevel protocol.EncryptionLevel) *receivedPacketTracker {
	switch encLevel {
	case protocol.EncryptionInitial:
		return h.initial
	case protocol.EncryptionHandshake:
		return h.handshake
	default:
		return h.appData
	}
}

func (h *receivedPacketHandler) IsPotentiallyDuplicate(pn protocol.PacketNumber, encLevel protocol.EncryptionLevel) bool {
	return h.tracker(encLevel).IsPotentiallyDuplicate(pn)
}

func (h *receivedPacketHandler) ReceivedPacket(pn protocol.PacketNumber, encLevel protocol.EncryptionLevel, rcvTime time.Time, shouldInstigateAck bool) error {
	h.tracker(encLevel).ReceivedPacket(pn, rcvTime, shouldInstigateAck)
	return nil
}

func (h *receivedPacketHandler) DropPackets(encLevel protocol.EncryptionLevel) {
	switch encLevel {
	case protocol.EncryptionInitial:
		h.initial = newReceivedPacketTracker(0)
	case protocol.EncryptionHandshake:
		h.handshake = newReceivedPacketTracker(0)
	}
}

func (h *receivedPacketHandler) GetAlarmTimeout() time.Time {
	var t time.Time
	for _, tr := range []*receivedPacketTracker{h.initial, h.handshake, h.appData} {
		if tr.ackAlarm.IsZero() {
			continue
		}
		if t.IsZero() || tr.ackAlarm.Before(t) {
			t = tr.ackAlarm
		}
	}
	return t
}

func (h *receivedPacketHandler) GetAckFrame(encLevel protocol.EncryptionLevel, onlyIfQueued bool) *wire.AckFrame {
	return h.tracker(encLevel).GetAckFrame(h.ackDelayExp, onlyIfQueued)
}

// HasAckPending reports whether an ACK is currently owed at encLevel,
// without consuming it the way GetAckFrame does.
func (h *receivedPacketHandler) HasAckPending(encLevel protocol.EncryptionLevel) bool {
	return h.tracker(encLevel).hasNewAck()
}
