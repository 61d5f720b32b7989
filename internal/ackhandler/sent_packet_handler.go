package ackhandler

import (
	"fmt"
	"time"

	"github.com/zys-contribs/quic/internal/congestion"
	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/qerr"
	"github.com/zys-contribs/quic/internal/utils"
	"github.com/zys-contribs/quic/internal/wire"
)

const (
	// timeThreshold is the RTT multiplier past which time-based loss
	// detection considers a packet lost (RFC 9002 §6.1.2, kTimeThreshold).
	timeThreshold = 9.0 / 8
	// packetThreshold is the packet reordering threshold for loss
	// detection (RFC 9002 §6.1.1, kPacketThreshold).
	packetThreshold = 3
	// amplificationFactor bounds how much more than it has received an
	// unvalidated server may send (RFC 9000 §8.1, 3x amplification limit).
	amplificationFactor = 3
)

type packetNumberSpace struct {
	history *sentPacketHistory
	pns     *packetNumberGenerator

	lossTime                   time.Time
	lastAckElicitingPacketTime time.Time

	largestAcked protocol.PacketNumber
	largestSent  protocol.PacketNumber
}

func newPacketNumberSpace(initialPN protocol.PacketNumber) *packetNumberSpace {
	return &packetNumberSpace{
		history:      newSentPacketHistory(),
		pns:          newPacketNumberGenerator(initialPN, protocol.SkipPacketAveragePeriodLength),
		largestSent:  protocol.InvalidPacketNumber,
		largestAcked: protocol.InvalidPacketNumber,
	}
}

// sentPacketHandler implements SentPacketHandler, grounded on the
// teacher's internal/ackhandler.sentPacketHandler with quictrace/qlog
// removed in favor of the module's own logging.Logger hooks, installed
// separately by the session via a ConnectionTracer.
type sentPacketHandler struct {
	initialPackets   *packetNumberSpace
	handshakePackets *packetNumberSpace
	appDataPackets   *packetNumberSpace

	peerCompletedAddressValidation bool
	peerAddressValidated           bool
	handshakeConfirmed             bool

	bytesReceived protocol.ByteCount
	bytesSent     protocol.ByteCount
	bytesInFlight protocol.ByteCount

	lowestNotConfirmedAcked protocol.PacketNumber

	congestion congestion.SendAlgorithm
	rttStats   *utils.RTTStats

	ptoCount        uint32
	ptoMode         SendMode
	numProbesToSend int

	alarm time.Time

	perspective protocol.Perspective
	logger      utils.Logger

	onPacketsLost func([]*Packet)
}

var _ SentPacketHandler = &sentPacketHandler{}

// NewSentPacketHandler builds the default sent-packet handler, wiring in a
// NewReno congestion controller the way the teacher wires NewCubicSender.
func NewSentPacketHandler(initialPN protocol.PacketNumber, rttStats *utils.RTTStats, pers protocol.Perspective, logger utils.Logger) SentPacketHandler {
	return &sentPacketHandler{
		peerCompletedAddressValidation: pers == protocol.PerspectiveServer,
		peerAddressValidated:           pers == protocol.PerspectiveClient,
		initialPackets:                 newPacketNumberSpace(initialPN),
		handshakePackets:               newPacketNumberSpace(0),
		appDataPackets:                 newPacketNumberSpace(0),
		rttStats:                       rttStats,
		congestion:                     congestion.NewRenoSender(congestion.DefaultClock{}, rttStats),
		perspective:                    pers,
		lowestNotConfirmedAcked:        protocol.InvalidPacketNumber,
		logger:                         logger,
	}
}

func (h *sentPacketHandler) SetPacketsLostCallback(fn func([]*Packet)) {
	h.onPacketsLost = fn
}

func (h *sentPacketHandler) getPacketNumberSpace(encLevel protocol.EncryptionLevel) *packetNumberSpace {
	switch encLevel {
	case protocol.EncryptionInitial:
		return h.initialPackets
	case protocol.EncryptionHandshake:
		return h.handshakePackets
	default:
		return h.appDataPackets
	}
}

func (h *sentPacketHandler) DropPackets(encLevel protocol.EncryptionLevel) {
	if h.perspective == protocol.PerspectiveClient && encLevel == protocol.EncryptionInitial {
		return
	}
	h.dropPackets(encLevel)
}

func (h *sentPacketHandler) dropPackets(encLevel protocol.EncryptionLevel) {
	if h.perspective == protocol.PerspectiveClient && encLevel == protocol.EncryptionHandshake {
		h.peerCompletedAddressValidation = true
	}
	if encLevel == protocol.EncryptionInitial || encLevel == protocol.EncryptionHandshake {
		pnSpace := h.getPacketNumberSpace(encLevel)
		pnSpace.history.Iterate(func(p *Packet) (bool, error) {
			if p.includedInBytesInFlight {
				h.bytesInFlight -= p.Length
			}
			return true, nil
		})
	}
	switch encLevel {
	case protocol.EncryptionInitial:
		h.initialPackets = nil
	case protocol.EncryptionHandshake:
		h.handshakePackets = nil
	case protocol.Encryption0RTT:
		h.appDataPackets.history.Iterate(func(p *Packet) (bool, error) {
			if p.EncryptionLevel != protocol.Encryption0RTT {
				return false, nil
			}
			h.queueFramesForRetransmission(p)
			if p.includedInBytesInFlight {
				h.bytesInFlight -= p.Length
			}
			h.appDataPackets.history.Remove(p.PacketNumber)
			return true, nil
		})
	default:
		panic(fmt.Sprintf("ackhandler: cannot drop keys for encryption level %s", encLevel))
	}
	h.ptoCount = 0
	h.numProbesToSend = 0
	h.ptoMode = SendNone
	h.setLossDetectionTimer()
}

func (h *sentPacketHandler) ReceivedBytes(n protocol.ByteCount) { h.bytesReceived += n }

func (h *sentPacketHandler) packetsInFlight() int {
	n := h.appDataPackets.history.Len()
	if h.handshakePackets != nil {
		n += h.handshakePackets.history.Len()
	}
	if h.initialPackets != nil {
		n += h.initialPackets.history.Len()
	}
	return n
}

func (h *sentPacketHandler) SentPacket(packet *Packet) {
	h.bytesSent += packet.Length
	if h.perspective == protocol.PerspectiveClient && packet.EncryptionLevel == protocol.EncryptionHandshake && h.initialPackets != nil {
		h.dropPackets(protocol.EncryptionInitial)
	}
	isAckEliciting := h.sentPacketImpl(packet)
	if isAckEliciting {
		h.getPacketNumberSpace(packet.EncryptionLevel).history.SentPacket(packet)
	}
	if isAckEliciting || !h.peerCompletedAddressValidation {
		h.setLossDetectionTimer()
	}
}

func (h *sentPacketHandler) sentPacketImpl(packet *Packet) bool {
	pnSpace := h.getPacketNumberSpace(packet.EncryptionLevel)
	pnSpace.largestSent = packet.PacketNumber
	isAckEliciting := packet.IsAckEliciting()

	if isAckEliciting {
		pnSpace.lastAckElicitingPacketTime = packet.SendTime
		packet.includedInBytesInFlight = true
		h.bytesInFlight += packet.Length
		if h.numProbesToSend > 0 {
			h.numProbesToSend--
		}
	}
	h.congestion.OnPacketSent(packet.SendTime, h.bytesInFlight, packet.PacketNumber, packet.Length, isAckEliciting)
	return isAckEliciting
}

func (h *sentPacketHandler) ReceivedAck(ack *wire.AckFrame, encLevel protocol.EncryptionLevel, rcvTime time.Time) error {
	pnSpace := h.getPacketNumberSpace(encLevel)
	largestAcked := ack.LargestAcked()
	if largestAcked > pnSpace.largestSent {
		return &qerr.TransportError{ErrorCode: qerr.ProtocolViolation, ErrorMessage: "received ACK for an unsent packet"}
	}
	pnSpace.largestAcked = utils.MaxPacketNumber(pnSpace.largestAcked, largestAcked)

	if h.perspective == protocol.PerspectiveClient && !h.peerCompletedAddressValidation &&
		(encLevel == protocol.EncryptionHandshake || encLevel == protocol.Encryption1RTT) {
		h.peerCompletedAddressValidation = true
		h.setLossDetectionTimer()
	}

	if p := pnSpace.history.GetPacket(largestAcked); p != nil {
		var ackDelay time.Duration
		if encLevel == protocol.Encryption1RTT {
			ackDelay = utils.MinDuration(ack.DelayTime, h.rttStats.MaxAckDelay())
		}
		h.rttStats.UpdateRTT(rcvTime.Sub(p.SendTime), ackDelay)
		h.congestion.MaybeExitSlowStart()
	}

	priorInFlight := h.bytesInFlight
	ackedPackets, err := h.detectAndRemoveAckedPackets(ack, encLevel)
	if err != nil || len(ackedPackets) == 0 {
		return err
	}
	lostPackets, err := h.detectAndRemoveLostPackets(rcvTime, encLevel)
	if err != nil {
		return err
	}
	for _, p := range lostPackets {
		h.congestion.OnPacketLost(p.PacketNumber, p.Length, priorInFlight)
	}
	for _, p := range ackedPackets {
		if p.includedInBytesInFlight {
			h.congestion.OnPacketAcked(p.PacketNumber, p.Length, priorInFlight, rcvTime)
		}
	}
	if h.peerCompletedAddressValidation {
		h.ptoCount = 0
	}
	h.numProbesToSend = 0
	h.setLossDetectionTimer()
	return nil
}

func (h *sentPacketHandler) GetLowestPacketNotConfirmedAcked() protocol.PacketNumber {
	return h.lowestNotConfirmedAcked
}

func (h *sentPacketHandler) detectAndRemoveAckedPackets(ack *wire.AckFrame, encLevel protocol.EncryptionLevel) ([]*Packet, error) {
	pnSpace := h.getPacketNumberSpace(encLevel)
	var acked []*Packet
	lowest, largest := ack.LowestAcked(), ack.LargestAcked()
	if err := pnSpace.history.Iterate(func(p *Packet) (bool, error) {
		if p.PacketNumber < lowest {
			return true, nil
		}
		if p.PacketNumber > largest {
			return false, nil
		}
		if ack.Contains(p.PacketNumber) {
			acked = append(acked, p)
		}
		return true, nil
	}); err != nil {
		return nil, err
	}

	for _, p := range acked {
		if p.LargestAcked != protocol.InvalidPacketNumber && encLevel == protocol.Encryption1RTT {
			h.lowestNotConfirmedAcked = utils.MaxPacketNumber(h.lowestNotConfirmedAcked, p.LargestAcked+1)
		}
		for _, f := range p.Frames {
			if f.OnAcked != nil {
				f.OnAcked(f.Frame)
			}
		}
		if p.includedInBytesInFlight {
			h.bytesInFlight -= p.Length
		}
		if err := pnSpace.history.Remove(p.PacketNumber); err != nil {
			return nil, err
		}
	}
	return acked, nil
}

func (h *sentPacketHandler) getLossTimeAndSpace() (time.Time, protocol.EncryptionLevel) {
	var encLevel protocol.EncryptionLevel
	var lossTime time.Time

	if h.initialPackets != nil {
		lossTime = h.initialPackets.lossTime
		encLevel = protocol.EncryptionInitial
	}
	if h.handshakePackets != nil && (lossTime.IsZero() || (!h.handshakePackets.lossTime.IsZero() && h.handshakePackets.lossTime.Before(lossTime))) {
		lossTime = h.handshakePackets.lossTime
		encLevel = protocol.EncryptionHandshake
	}
	if lossTime.IsZero() || (!h.appDataPackets.lossTime.IsZero() && h.appDataPackets.lossTime.Before(lossTime)) {
		lossTime = h.appDataPackets.lossTime
		encLevel = protocol.Encryption1RTT
	}
	return lossTime, encLevel
}

func (h *sentPacketHandler) getPTOTimeAndSpace() (time.Time, protocol.EncryptionLevel) {
	if !h.hasOutstandingPackets() {
		t := time.Now().Add(h.rttStats.PTO(false) << h.ptoCount)
		if h.initialPackets != nil {
			return t, protocol.EncryptionInitial
		}
		return t, protocol.EncryptionHandshake
	}

	var encLevel protocol.EncryptionLevel
	var pto time.Time
	if h.initialPackets != nil {
		encLevel = protocol.EncryptionInitial
		if t := h.initialPackets.lastAckElicitingPacketTime; !t.IsZero() {
			pto = t.Add(h.rttStats.PTO(false) << h.ptoCount)
		}
	}
	if h.handshakePackets != nil && !h.handshakePackets.lastAckElicitingPacketTime.IsZero() {
		t := h.handshakePackets.lastAckElicitingPacketTime.Add(h.rttStats.PTO(false) << h.ptoCount)
		if pto.IsZero() || t.Before(pto) {
			pto, encLevel = t, protocol.EncryptionHandshake
		}
	}
	if h.handshakeConfirmed && !h.appDataPackets.lastAckElicitingPacketTime.IsZero() {
		t := h.appDataPackets.lastAckElicitingPacketTime.Add(h.rttStats.PTO(true) << h.ptoCount)
		if pto.IsZero() || t.Before(pto) {
			pto, encLevel = t, protocol.Encryption1RTT
		}
	}
	return pto, encLevel
}

func (h *sentPacketHandler) hasOutstandingCryptoPackets() bool {
	var initial, handshake bool
	if h.initialPackets != nil {
		initial = h.initialPackets.history.HasOutstandingPackets()
	}
	if h.handshakePackets != nil {
		handshake = h.handshakePackets.history.HasOutstandingPackets()
	}
	return initial || handshake
}

func (h *sentPacketHandler) hasOutstandingPackets() bool {
	return (h.handshakeConfirmed && h.appDataPackets.history.HasOutstandingPackets()) || h.hasOutstandingCryptoPackets()
}

func (h *sentPacketHandler) setLossDetectionTimer() {
	if lossTime, _ := h.getLossTimeAndSpace(); !lossTime.IsZero() {
		h.alarm = lossTime
		return
	}
	if !h.hasOutstandingPackets() && h.peerCompletedAddressValidation {
		h.alarm = time.Time{}
		return
	}
	ptoTime, _ := h.getPTOTimeAndSpace()
	h.alarm = ptoTime
}

func (h *sentPacketHandler) detectAndRemoveLostPackets(now time.Time, encLevel protocol.EncryptionLevel) ([]*Packet, error) {
	pnSpace := h.getPacketNumberSpace(encLevel)
	pnSpace.lossTime = time.Time{}

	maxRTT := float64(utils.MaxDuration(h.rttStats.LatestRTT(), h.rttStats.SmoothedRTT()))
	lossDelay := utils.MaxDuration(time.Duration(timeThreshold*maxRTT), protocol.TimerGranularity)
	lostSendTime := now.Add(-lossDelay)

	var lost []*Packet
	if err := pnSpace.history.Iterate(func(p *Packet) (bool, error) {
		if p.PacketNumber > pnSpace.largestAcked {
			return false, nil
		}
		switch {
		case p.SendTime.Before(lostSendTime):
			lost = append(lost, p)
		case pnSpace.largestAcked >= p.PacketNumber+packetThreshold:
			lost = append(lost, p)
		case pnSpace.lossTime.IsZero():
			pnSpace.lossTime = p.SendTime.Add(lossDelay)
		}
		return true, nil
	}); err != nil {
		return nil, err
	}

	for _, p := range lost {
		h.queueFramesForRetransmission(p)
		if p.includedInBytesInFlight {
			h.bytesInFlight -= p.Length
		}
		if err := pnSpace.history.Remove(p.PacketNumber); err != nil {
			return nil, err
		}
	}
	if len(lost) > 0 && h.onPacketsLost != nil {
		h.onPacketsLost(lost)
	}
	return lost, nil
}

func (h *sentPacketHandler) OnLossDetectionTimeout() error {
	if h.hasOutstandingPackets() || !h.peerCompletedAddressValidation {
		if err := h.onVerifiedLossDetectionTimeout(); err != nil {
			return err
		}
	}
	h.setLossDetectionTimer()
	return nil
}

func (h *sentPacketHandler) onVerifiedLossDetectionTimeout() error {
	earliestLossTime, encLevel := h.getLossTimeAndSpace()
	if !earliestLossTime.IsZero() {
		priorInFlight := h.bytesInFlight
		lost, err := h.detectAndRemoveLostPackets(time.Now(), encLevel)
		if err != nil {
			return err
		}
		for _, p := range lost {
			h.congestion.OnPacketLost(p.PacketNumber, p.Length, priorInFlight)
		}
		return nil
	}

	h.ptoCount++
	if h.bytesInFlight > 0 {
		_, encLevel = h.getPTOTimeAndSpace()
		h.numProbesToSend += 2
		switch encLevel {
		case protocol.EncryptionInitial:
			h.ptoMode = SendPTOInitial
		case protocol.EncryptionHandshake:
			h.ptoMode = SendPTOHandshake
		case protocol.Encryption1RTT:
			h.ptoMode = SendPTOAppData
		default:
			return fmt.Errorf("ackhandler: PTO timer fired in unexpected encryption level %s", encLevel)
		}
	} else {
		if h.perspective == protocol.PerspectiveServer {
			return fmt.Errorf("ackhandler: PTO fired with no bytes in flight")
		}
		h.numProbesToSend++
		switch {
		case h.initialPackets != nil:
			h.ptoMode = SendPTOInitial
		case h.handshakePackets != nil:
			h.ptoMode = SendPTOHandshake
		default:
			return fmt.Errorf("ackhandler: PTO fired with no bytes in flight and no crypto space left")
		}
	}
	return nil
}

func (h *sentPacketHandler) GetLossDetectionTimeout() time.Time { return h.alarm }

func (h *sentPacketHandler) PeekPacketNumber(encLevel protocol.EncryptionLevel) (protocol.PacketNumber, protocol.PacketNumberLen) {
	pnSpace := h.getPacketNumberSpace(encLevel)
	lowestUnacked := pnSpace.largestAcked + 1
	if p := pnSpace.history.FirstOutstanding(); p != nil {
		lowestUnacked = p.PacketNumber
	}
	pn := pnSpace.pns.Peek()
	return pn, protocol.PacketNumberLengthForHeader(pn, lowestUnacked)
}

func (h *sentPacketHandler) PopPacketNumber(encLevel protocol.EncryptionLevel) protocol.PacketNumber {
	return h.getPacketNumberSpace(encLevel).pns.Pop()
}

func (h *sentPacketHandler) SendMode() SendMode {
	numTracked := h.appDataPackets.history.Len()
	if h.initialPackets != nil {
		numTracked += h.initialPackets.history.Len()
	}
	if h.handshakePackets != nil {
		numTracked += h.handshakePackets.history.Len()
	}
	if h.AmplificationWindow() == 0 {
		return SendNone
	}
	if numTracked >= protocol.MaxTrackedSentPackets {
		return SendNone
	}
	if h.numProbesToSend > 0 {
		return h.ptoMode
	}
	if !h.congestion.CanSend(h.bytesInFlight) {
		return SendAck
	}
	if numTracked >= protocol.MaxOutstandingSentPackets {
		return SendAck
	}
	return SendAny
}

func (h *sentPacketHandler) TimeUntilSend() time.Time { return h.congestion.TimeUntilSend(h.bytesInFlight) }

func (h *sentPacketHandler) HasPacingBudget() bool { return h.congestion.HasPacingBudget() }

func (h *sentPacketHandler) AmplificationWindow() protocol.ByteCount {
	if h.peerAddressValidated {
		return protocol.MaxByteCount
	}
	if h.bytesSent >= amplificationFactor*h.bytesReceived {
		return 0
	}
	return amplificationFactor*h.bytesReceived - h.bytesSent
}

func (h *sentPacketHandler) QueueProbePacket(encLevel protocol.EncryptionLevel) bool {
	pnSpace := h.getPacketNumberSpace(encLevel)
	p := pnSpace.history.FirstOutstanding()
	if p == nil {
		return false
	}
	h.queueFramesForRetransmission(p)
	if p.includedInBytesInFlight {
		h.bytesInFlight -= p.Length
	}
	if err := pnSpace.history.Remove(p.PacketNumber); err != nil {
		panic(err)
	}
	return true
}

func (h *sentPacketHandler) queueFramesForRetransmission(p *Packet) {
	for _, f := range p.Frames {
		if f.OnLost != nil {
			f.OnLost(f.Frame)
		}
	}
}

func (h *sentPacketHandler) ResetForRetry() {
	h.bytesInFlight = 0
	var firstSendTime time.Time
	h.initialPackets.history.Iterate(func(p *Packet) (bool, error) {
		if firstSendTime.IsZero() {
			firstSendTime = p.SendTime
		}
		h.queueFramesForRetransmission(p)
		return true, nil
	})
	h.appDataPackets.history.Iterate(func(p *Packet) (bool, error) {
		h.queueFramesForRetransmission(p)
		return true, nil
	})
	if h.ptoCount == 0 && !firstSendTime.IsZero() {
		h.rttStats.UpdateRTT(time.Since(firstSendTime), 0)
	}
	h.initialPackets = newPacketNumberSpace(h.initialPackets.pns.Pop())
	h.appDataPackets = newPacketNumberSpace(h.appDataPackets.pns.Pop())
	h.alarm = time.Time{}
	h.ptoCount = 0
}

func (h *sentPacketHandler) SetHandshakeConfirmed() {
	h.handshakeConfirmed = true
	h.setLossDetectionTimer()
}

func (h *sentPacketHandler) BytesInFlight() protocol.ByteCount { return h.bytesInFlight }

func (h *sentPacketHandler) CongestionWindow() protocol.ByteCount { return h.congestion.GetCongestionWindow() }
