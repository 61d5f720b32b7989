package quic

import (
	"bytes"
	"time"

	"github.com/zys-contribs/quic/internal/ackhandler"
	"github.com/zys-contribs/quic/internal/handshake"
	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/wire"
)

// sendPackets drains everything the run loop currently owes the wire:
// probes first (the ackhandler demands those be sent before anything
// else once armed), then as many regular packets as the congestion
// window, the anti-amplification limit, and the pacer allow. Grounded on
// the teacher's connection.sendPackets, generalized from its one
// 1-RTT-only path to all four packet number spaces.
func (s *Session) sendPackets() error {
	if err := s.maybeSendProbe(); err != nil {
		return err
	}
	for i := 0; i < protocol.MaxOutstandingSentPackets; i++ {
		sent, err := s.maybeSendPacket()
		if err != nil {
			return err
		}
		if !sent {
			return nil
		}
	}
	return nil
}

func (s *Session) maybeSendProbe() error {
	mode := s.sentPacketHandler.SendMode()
	var level protocol.EncryptionLevel
	switch mode {
	case ackhandler.SendPTOInitial:
		level = protocol.EncryptionInitial
	case ackhandler.SendPTOHandshake:
		level = protocol.EncryptionHandshake
	case ackhandler.SendPTOAppData:
		level = protocol.Encryption1RTT
	default:
		return nil
	}
	s.sentPacketHandler.QueueProbePacket(level)
	_, err := s.sendPacketAt(level, true)
	return err
}

// maybeSendPacket sends at most one regular (non-probe) packet,
// reporting whether it did. The caller loops this to drain everything
// currently sendable in one run-loop iteration.
func (s *Session) maybeSendPacket() (bool, error) {
	mode := s.sentPacketHandler.SendMode()
	if mode == ackhandler.SendNone {
		return false, nil
	}
	if !s.sentPacketHandler.HasPacingBudget() {
		return false, nil
	}
	level, ok := s.nextSendableLevel(mode == ackhandler.SendAck)
	if !ok {
		return false, nil
	}
	sent, err := s.sendPacketAt(level, false)
	if err != nil {
		return false, err
	}
	return sent, nil
}

// nextSendableLevel picks the lowest encryption level that currently has
// something to say: an owed ACK, buffered CRYPTO data, or (ackOnly false)
// queued control/stream frames. Levels whose write keys have already
// been dropped are skipped.
func (s *Session) nextSendableLevel(ackOnly bool) (protocol.EncryptionLevel, bool) {
	for _, level := range []protocol.EncryptionLevel{protocol.EncryptionInitial, protocol.EncryptionHandshake, protocol.Encryption1RTT} {
		if s.keys[level].write == nil {
			continue
		}
		if s.receivedPacketHandler.HasAckPending(level) {
			return level, true
		}
		if ackOnly {
			continue
		}
		if level != protocol.Encryption1RTT && s.cryptoBufs.Get(level).HasData() {
			return level, true
		}
		if level == protocol.Encryption1RTT && (len(s.sendQueue) > 0 || s.hasPendingStreamData()) {
			return level, true
		}
	}
	return 0, false
}

func (s *Session) hasPendingStreamData() bool {
	for _, st := range s.streamsMap.streamsWithData() {
		if st.hasStreamData() {
			return true
		}
	}
	return false
}

// sendPacketAt builds and transmits one packet at level, reporting
// whether anything was actually sent. probe forces a PING when nothing
// else ack-eliciting was available, since RFC 9002 §6.2.4 requires a
// PTO probe to elicit an ACK even with nothing outstanding to resend.
func (s *Session) sendPacketAt(level protocol.EncryptionLevel, probe bool) (bool, error) {
	keys := s.keys[level]
	if keys.write == nil {
		return false, nil
	}

	budget := protocol.ByteCount(protocol.MaxPacketSizeIPv4)
	if w := s.sentPacketHandler.AmplificationWindow(); w < budget {
		budget = w
	}
	if budget <= 0 {
		return false, nil
	}

	wireFrames, tracked := s.buildFrames(level, budget, probe)
	if len(wireFrames) == 0 {
		return false, nil
	}

	pn, pnLen := s.sentPacketHandler.PeekPacketNumber(level)
	raw, err := s.encodePacket(level, pn, pnLen, wireFrames, keys.write, s.keyPhase)
	if err != nil {
		return false, err
	}
	s.sentPacketHandler.PopPacketNumber(level)

	if err := s.conn.writePacket(raw, s.remoteAddr); err != nil {
		return false, err
	}
	now := time.Now()
	s.lastPacketSentTime = now
	s.stats.onPacketSent(protocol.ByteCount(len(raw)))
	if s.tracer != nil && s.tracer.SentPacket != nil {
		s.tracer.SentPacket(pn, level, protocol.ByteCount(len(raw)), len(tracked) > 0)
	}
	s.sentPacketHandler.SentPacket(&ackhandler.Packet{
		PacketNumber:    pn,
		Frames:          tracked,
		Length:          protocol.ByteCount(len(raw)),
		EncryptionLevel: level,
		SendTime:        now,
	})

	if level == protocol.Encryption1RTT && s.firstSentWithKeyPhase == protocol.InvalidPacketNumber {
		s.firstSentWithKeyPhase = pn
	}
	if level == protocol.EncryptionHandshake && s.perspective == protocol.PerspectiveServer {
		s.dropInitialKeys()
	}
	return true, nil
}

// buildFrames packs as much as fits into budget bytes of payload, ACK
// first, then CRYPTO/control/stream data. wireFrames is every frame to
// serialize (including ACK/PADDING); tracked is the subset
// ackhandler.Packet.Frames must see, since its IsAckEliciting check is
// len(Frames) > 0 and must never count ACK or PADDING.
func (s *Session) buildFrames(level protocol.EncryptionLevel, budget protocol.ByteCount, probe bool) (wireFrames []wire.Frame, tracked []ackhandler.Frame) {
	const minFrameOverhead = 2

	if ack := s.receivedPacketHandler.GetAckFrame(level, true); ack != nil && ack.Length() < budget {
		wireFrames = append(wireFrames, ack)
		budget -= ack.Length()
	}

	if level != protocol.Encryption1RTT {
		buf := s.cryptoBufs.Get(level)
		for budget > minFrameOverhead {
			maxData := (&wire.CryptoFrame{}).MaxDataLen(budget)
			if maxData <= 0 {
				break
			}
			offset, data, ok := buf.PopCryptoFrame(maxData)
			if !ok {
				break
			}
			f := &wire.CryptoFrame{Offset: offset, Data: data}
			wireFrames = append(wireFrames, f)
			budget -= f.Length()
			tracked = append(tracked, ackhandler.Frame{
				Frame:   f,
				OnAcked: func(wire.Frame) { buf.Ack(offset, len(data)) },
				OnLost:  func(wire.Frame) { buf.QueueRetransmission(offset, data) },
			})
		}
	} else {
		for budget > minFrameOverhead && len(s.sendQueue) > 0 {
			f := s.sendQueue[0]
			l := f.Length()
			if l > budget {
				break
			}
			s.sendQueue = s.sendQueue[1:]
			wireFrames = append(wireFrames, f)
			budget -= l
			tracked = append(tracked, ackhandler.Frame{Frame: f})
		}
		for _, st := range s.streamsMap.streamsWithData() {
			if budget <= minFrameOverhead {
				break
			}
			maxData := (&wire.StreamFrame{StreamID: st.id, DataLenPresent: true}).MaxDataLen(budget)
			if maxData < 0 {
				continue
			}
			af, ok := st.popStreamFrame(maxData)
			if !ok {
				continue
			}
			wireFrames = append(wireFrames, af.Frame)
			budget -= af.Frame.Length()
			tracked = append(tracked, af)
		}
	}

	if probe && len(tracked) == 0 {
		f := &wire.PingFrame{}
		wireFrames = append(wireFrames, f)
		tracked = append(tracked, ackhandler.Frame{Frame: f})
		budget -= f.Length()
	}

	if len(wireFrames) == 0 {
		return nil, nil
	}

	if level == protocol.EncryptionInitial && s.perspective == protocol.PerspectiveClient {
		wireFrames = padInitial(wireFrames, budget)
	}
	return wireFrames, tracked
}

// padInitial appends PADDING frames so a client Initial always reaches
// protocol.MinInitialPacketSize once combined with the long-header
// overhead (RFC 9000 §14.1), estimated conservatively here; encodePacket
// re-measures the real header size, so slight over-padding just wastes a
// few bytes rather than under-shooting the floor.
func padInitial(frames []wire.Frame, budget protocol.ByteCount) []wire.Frame {
	const assumedHeaderOverhead = 32
	var payloadLen protocol.ByteCount
	for _, f := range frames {
		payloadLen += f.Length()
	}
	want := protocol.MinInitialPacketSize - assumedHeaderOverhead - payloadLen
	for want > 0 && budget > 0 {
		frames = append(frames, &wire.PaddingFrame{})
		want--
		budget--
	}
	return frames
}

// encodePacket serializes, seals, and applies header protection to one
// packet carrying payload, returning the raw datagram bytes ready to
// write to the socket (RFC 9001 §5.4).
func (s *Session) encodePacket(level protocol.EncryptionLevel, pn protocol.PacketNumber, pnLen protocol.PacketNumberLen, payload []wire.Frame, keys *handshake.Keys, kp protocol.KeyPhaseBit) ([]byte, error) {
	b := &bytes.Buffer{}
	if level == protocol.Encryption1RTT {
		wire.WriteShortHeader(b, s.destConnID, kp, pnLen)
	} else {
		h := &wire.Header{
			IsLongHeader:     true,
			Type:             longHeaderTypeFor(level),
			Version:          s.version,
			DestConnectionID: s.destConnID,
			SrcConnectionID:  s.srcConnID,
		}
		if level == protocol.EncryptionInitial && s.perspective == protocol.PerspectiveClient {
			h.Token = s.token
		}
		var plaintextLen protocol.ByteCount = protocol.ByteCount(pnLen)
		for _, f := range payload {
			plaintextLen += f.Length()
		}
		wire.WriteHeader(b, h, pnLen, plaintextLen+protocol.ByteCount(keys.Overhead()))
	}
	headerOnlyLen := b.Len()
	b.Write(wire.EncodePacketNumber(pn, pnLen))
	fullHeaderLen := b.Len()

	for _, f := range payload {
		if err := f.Write(b); err != nil {
			return nil, err
		}
	}

	ad := append([]byte(nil), b.Bytes()[:fullHeaderLen]...)
	plaintext := b.Bytes()[fullHeaderLen:]

	out := make([]byte, 0, fullHeaderLen+len(plaintext)+keys.Overhead())
	out = append(out, ad...)
	out = keys.Seal(out, plaintext, pn, ad)

	sampleOffset := headerOnlyLen + 4
	if sampleOffset+16 > len(out) {
		out = append(out, make([]byte, sampleOffset+16-len(out))...)
	}
	mask, err := keys.HeaderProtectionMask(out[sampleOffset : sampleOffset+16])
	if err != nil {
		return nil, err
	}
	if level == protocol.Encryption1RTT {
		out[0] ^= mask[0] & 0x1f
	} else {
		out[0] ^= mask[0] & 0x0f
	}
	pnStart := headerOnlyLen
	for i := 0; i < int(pnLen); i++ {
		out[pnStart+i] ^= mask[1+i]
	}
	return out, nil
}

func longHeaderTypeFor(level protocol.EncryptionLevel) wire.PacketType {
	switch level {
	case protocol.EncryptionInitial:
		return wire.PacketTypeInitial
	case protocol.EncryptionHandshake:
		return wire.PacketTypeHandshake
	default:
		return wire.PacketType0RTT
	}
}

// sendSingleFramePacket sends exactly one frame as its own packet,
// outside normal ackhandler tracking, used for CONNECTION_CLOSE: a
// closing session stops participating in loss detection and instead
// retransmits on its own schedule via closingBudget.
func (s *Session) sendSingleFramePacket(f wire.Frame, level protocol.EncryptionLevel) error {
	keys := s.keys[level]
	if keys.write == nil {
		return nil
	}
	pn, pnLen := s.sentPacketHandler.PeekPacketNumber(level)
	raw, err := s.encodePacket(level, pn, pnLen, []wire.Frame{f}, keys.write, s.keyPhase)
	if err != nil {
		return err
	}
	s.sentPacketHandler.PopPacketNumber(level)
	return s.conn.writePacket(raw, s.remoteAddr)
}
