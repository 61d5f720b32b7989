package quic

import (
	"errors"
	"net"
	"time"

	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/qerr"
	"github.com/zys-contribs/quic/internal/wire"
	"github.com/zys-contribs/quic/logging"
)

// handleDatagram is the entry point for one inbound UDP datagram,
// invoked on the run loop. A datagram may carry several coalesced
// long-header packets (RFC 9000 §12.2); each is unprotected and
// processed independently, stopping at the first one this session
// fails to make sense of, since nothing meaningful follows a corrupt or
// undecryptable packet in the same datagram.
func (s *Session) handleDatagram(data []byte, addr net.Addr, rcvTime time.Time) {
	s.lastPacketReceivedTime = rcvTime
	s.sentPacketHandler.ReceivedBytes(protocol.ByteCount(len(data)))
	s.stats.onPacketReceived(protocol.ByteCount(len(data)))

	switch s.getState() {
	case stateClosing:
		s.maybeRetransmitClose()
		return
	case stateDraining, stateDestroyed:
		return
	}

	for len(data) > 0 {
		n, isLong := s.processOnePacket(data, addr, rcvTime)
		if n <= 0 {
			return
		}
		if !isLong {
			break // short headers consume the rest of the datagram
		}
		data = data[n:]
	}
	s.maybeQueueConnectionWindowUpdate()
}

// maybeRetransmitClose re-sends the closing CONNECTION_CLOSE in response
// to a packet received while closing, until closingBudget's send cap is
// reached (RFC 9000 §10.2.1's "limited retransmission" guidance). Elapsed
// time is not checked.
func (s *Session) maybeRetransmitClose() {
	if !s.closingBudget.ShouldRetransmit() {
		return
	}
	s.closingBudget.RecordSent()
	s.sendConnectionClose(s.closeErr)
}

// processOnePacket unprotects and dispatches one packet starting at the
// front of data, returning how many bytes it consumed and whether it was
// a long-header packet (and so may be followed by more coalesced
// packets in the same datagram). A return of (0, _) means the datagram
// should be abandoned.
func (s *Session) processOnePacket(data []byte, addr net.Addr, rcvTime time.Time) (int, bool) {
	shortConnIDLen := s.srcConnID.Len()
	hdr, err := wire.ParseHeader(data, shortConnIDLen)
	if err != nil || hdr == nil {
		return 0, false
	}
	if !hdr.IsLongHeader {
		s.decryptAndDispatch(data, hdr, protocol.Encryption1RTT, addr, rcvTime)
		return len(data), false
	}

	level := levelForHeader(hdr)
	total := int(hdr.ParsedLen + hdr.Length)
	if total > len(data) || total <= int(hdr.ParsedLen) {
		return 0, true
	}
	s.decryptAndDispatch(data[:total], hdr, level, addr, rcvTime)
	return total, true
}

func levelForHeader(hdr *wire.Header) protocol.EncryptionLevel {
	switch hdr.Type {
	case wire.PacketTypeInitial:
		return protocol.EncryptionInitial
	case wire.PacketType0RTT:
		return protocol.Encryption0RTT
	default:
		return protocol.EncryptionHandshake
	}
}

// decryptAndDispatch removes header protection, opens the AEAD payload,
// and hands every frame inside to handleFrame. A packet that can't be
// decrypted for want of keys is buffered for a retry once the matching
// secret installs; any other failure is dropped silently, the same
// "can't tell a corrupt packet from an attacker's probe" stance RFC 9000
// §12.3 asks for.
func (s *Session) decryptAndDispatch(raw []byte, hdr *wire.Header, level protocol.EncryptionLevel, addr net.Addr, rcvTime time.Time) {
	keys := s.keys[level].read
	if keys == nil {
		s.bufferUndecryptable(raw, addr, rcvTime, level)
		return
	}

	pnOffset := int(hdr.ParsedLen)
	sampleOffset := pnOffset + 4
	if sampleOffset+16 > len(raw) {
		return
	}
	mask, err := keys.HeaderProtectionMask(raw[sampleOffset : sampleOffset+16])
	if err != nil {
		return
	}
	protectedFirstByte := raw[0]
	if hdr.IsLongHeader {
		raw[0] ^= mask[0] & 0x0f
	} else {
		raw[0] ^= mask[0] & 0x1f
	}
	pnLen := protocol.PacketNumberLen(raw[0]&0x03) + 1
	if pnOffset+int(pnLen) > len(raw) {
		raw[0] = protectedFirstByte
		return
	}
	for i := 0; i < int(pnLen); i++ {
		raw[pnOffset+i] ^= mask[1+i]
	}

	var truncated protocol.PacketNumber
	for i := 0; i < int(pnLen); i++ {
		truncated = truncated<<8 | protocol.PacketNumber(raw[pnOffset+i])
	}
	pn := wire.DecodePacketNumber(pnLen, s.largestRcvdPN[level], truncated)

	if s.receivedPacketHandler.IsPotentiallyDuplicate(pn, level) {
		raw[0] = protectedFirstByte
		return
	}

	ad := raw[:pnOffset+int(pnLen)]
	ciphertext := raw[pnOffset+int(pnLen):]
	var plaintext []byte
	if level == protocol.Encryption1RTT {
		kp := protocol.KeyPhaseFromBit(raw[0] >> 2)
		plaintext, err = s.openAppData(kp, pn, ciphertext, ad)
	} else {
		plaintext, err = keys.Open(ciphertext[:0], ciphertext, pn, ad)
	}
	if err != nil {
		raw[0] = protectedFirstByte
		var te *qerr.TransportError
		if errors.As(err, &te) {
			s.closeLocal(te)
			return
		}
		if s.tracer != nil && s.tracer.DroppedPacket != nil {
			s.tracer.DroppedPacket(level, protocol.ByteCount(len(raw)), logging.PacketDropPayloadDecryptError)
		}
		return
	}

	if pn > s.largestRcvdPN[level] {
		s.largestRcvdPN[level] = pn
	}
	if s.tracer != nil && s.tracer.ReceivedPacket != nil {
		s.tracer.ReceivedPacket(pn, level, protocol.ByteCount(len(raw)))
	}

	ackEliciting := false
	for len(plaintext) > 0 {
		f, n, err := s.frameParser.ParseNext(plaintext, level)
		if err != nil {
			return
		}
		if n == 0 && f == nil {
			break
		}
		plaintext = plaintext[n:]
		if f == nil {
			continue
		}
		if wire.IsAckEliciting(f) {
			ackEliciting = true
		}
		if err := s.handleFrame(f, level, addr); err != nil {
			s.closeLocal(err)
			return
		}
	}
	if err := s.receivedPacketHandler.ReceivedPacket(pn, level, rcvTime, ackEliciting); err != nil {
		s.closeLocal(err)
		return
	}

	if level == protocol.EncryptionHandshake {
		if s.perspective == protocol.PerspectiveServer {
			s.dropInitialKeys()
		}
	}
	if s.getState() == stateHandshaking {
		s.drainTLSEvents()
	}
}

// openAppData decrypts a 1-RTT payload, accounting for the key-phase bit
// (RFC 9001 §6.3). A bit matching the current phase decrypts normally. A
// mismatched bit is ambiguous with only one bit of signal: it is either a
// reordered packet from before this side's last local key update (tried
// against prevAppReadKeys, while no packet has yet been confirmed under
// the current phase) or the peer initiating its own update, confirmed by
// a successful trial decrypt under the next derived epoch. On the latter,
// this side rolls its own keys to match.
func (s *Session) openAppData(kp protocol.KeyPhaseBit, pn protocol.PacketNumber, ciphertext, ad []byte) ([]byte, error) {
	cur := s.keys[protocol.Encryption1RTT].read
	if kp == s.keyPhase {
		plaintext, err := cur.Open(ciphertext[:0], ciphertext, pn, ad)
		if err != nil {
			return nil, err
		}
		if s.firstRcvdWithKeyPhase == protocol.InvalidPacketNumber {
			s.firstRcvdWithKeyPhase = pn
			s.awaitingPeerRollover = false
		}
		return plaintext, nil
	}

	if s.prevAppReadKeys != nil && (s.firstRcvdWithKeyPhase == protocol.InvalidPacketNumber || pn < s.firstRcvdWithKeyPhase) {
		return s.prevAppReadKeys.Open(ciphertext[:0], ciphertext, pn, ad)
	}

	next, err := cur.NextKeys()
	if err != nil {
		return nil, err
	}
	plaintext, err := next.Open(ciphertext[:0], ciphertext, pn, ad)
	if err != nil {
		return nil, err
	}
	if s.firstSentWithKeyPhase == protocol.InvalidPacketNumber {
		return nil, &qerr.TransportError{ErrorCode: qerr.KeyUpdateError, ErrorMessage: "peer updated keys before this side sent anything under the current phase"}
	}
	if err := s.rollAppKeys(false); err != nil {
		return nil, err
	}
	s.firstRcvdWithKeyPhase = pn
	s.awaitingPeerRollover = false
	return plaintext, nil
}

// bufferUndecryptable holds onto a packet that arrived before this
// session had the keys for its encryption level, most commonly 0-RTT or
// Handshake racing Initial key installation. tryDecryptBuffered replays
// these once the matching secret arrives.
func (s *Session) bufferUndecryptable(raw []byte, addr net.Addr, rcvTime time.Time, level protocol.EncryptionLevel) {
	const maxBuffered = 32
	if len(s.undecryptable) >= maxBuffered {
		return
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	s.undecryptable = append(s.undecryptable, receivedPacket{data: cp, addr: addr, rcvTime: rcvTime, encLevel: level})
}

// tryDecryptBuffered retries every packet buffered for want of level's
// read key, called right after that key installs.
func (s *Session) tryDecryptBuffered(level protocol.EncryptionLevel) {
	if len(s.undecryptable) == 0 {
		return
	}
	remaining := s.undecryptable[:0]
	for _, p := range s.undecryptable {
		if p.encLevel != level {
			remaining = append(remaining, p)
			continue
		}
		s.handleDatagram(p.data, p.addr, p.rcvTime)
	}
	s.undecryptable = remaining
}

// handleFrame dispatches one parsed frame to the piece of session state
// it belongs to.
func (s *Session) handleFrame(f wire.Frame, level protocol.EncryptionLevel, addr net.Addr) error {
	switch fr := f.(type) {
	case *wire.PingFrame, *wire.PaddingFrame:
		return nil
	case *wire.AckFrame:
		return s.sentPacketHandler.ReceivedAck(fr, level, time.Now())
	case *wire.CryptoFrame:
		return s.handleCryptoFrame(fr, level)
	case *wire.StreamFrame:
		return s.handleStreamFrameRecv(fr)
	case *wire.ResetStreamFrame:
		return s.handleResetStreamFrameRecv(fr)
	case *wire.StopSendingFrame:
		return s.handleStopSendingFrameRecv(fr)
	case *wire.MaxDataFrame:
		s.connFC.UpdateSendWindow(fr.MaximumData)
		return nil
	case *wire.MaxStreamDataFrame:
		return s.handleMaxStreamDataFrame(fr)
	case *wire.DataBlockedFrame:
		return nil // informational; no local action needed
	case *wire.StreamDataBlockedFrame:
		return nil
	case *wire.MaxStreamsFrame:
		s.streamsMap.UpdateOutgoingLimit(fr.Type, fr.MaxStreamNum)
		return nil
	case *wire.StreamsBlockedFrame:
		return nil
	case *wire.NewConnectionIDFrame:
		s.peerConnIDs = append(s.peerConnIDs, *fr)
		if s.registerPeerResetToken != nil {
			s.registerPeerResetToken(fr.StatelessResetToken)
		}
		return nil
	case *wire.RetireConnectionIDFrame:
		if s.onRetireLocalCID != nil {
			s.onRetireLocalCID(fr.SequenceNumber)
		}
		return nil
	case *wire.PathChallengeFrame:
		s.queueControlFrame(&wire.PathResponseFrame{Data: fr.Data})
		return nil
	case *wire.PathResponseFrame:
		s.evs.emit(Event{Kind: EventPathValidation, LocalAddr: nil, RemoteAddr: addr, PathValid: true})
		return nil
	case *wire.NewTokenFrame:
		if s.config.TokenStore != nil && s.remoteAddr != nil {
			s.config.TokenStore.Put(s.remoteAddr.String(), fr.Token)
		}
		return nil
	case *wire.HandshakeDoneFrame:
		if s.perspective == protocol.PerspectiveClient {
			s.handshakeConfirmed = true
			s.sentPacketHandler.SetHandshakeConfirmed()
			s.tls.SetHandshakeConfirmed()
			s.dropHandshakeKeys()
		}
		return nil
	case *wire.ConnectionCloseFrame:
		return s.handlePeerConnectionClose(fr)
	default:
		return nil
	}
}

func (s *Session) handleCryptoFrame(f *wire.CryptoFrame, level protocol.EncryptionLevel) error {
	if err := s.tls.HandleMessage(f.Data, level); err != nil {
		return &qerr.TransportError{ErrorCode: qerr.ProtocolViolation, ErrorMessage: err.Error()}
	}
	s.drainTLSEvents()
	return nil
}

func (s *Session) handleStreamFrameRecv(f *wire.StreamFrame) error {
	st, err := s.streamsMap.GetOrOpenRemoteStream(f.StreamID, len(f.Data) > 0 || f.Fin)
	if err != nil {
		return err
	}
	if st == nil {
		return nil
	}
	return st.handleStreamFrame(f)
}

func (s *Session) handleResetStreamFrameRecv(f *wire.ResetStreamFrame) error {
	st, err := s.streamsMap.GetOrOpenRemoteStream(f.StreamID, true)
	if err != nil {
		return err
	}
	if st == nil {
		return nil
	}
	s.evs.emit(Event{Kind: EventStreamReset, StreamID: f.StreamID})
	return st.handleResetStreamFrame(f)
}

func (s *Session) handleStopSendingFrameRecv(f *wire.StopSendingFrame) error {
	st, err := s.streamsMap.GetOrOpenRemoteStream(f.StreamID, true)
	if err != nil {
		return err
	}
	if st == nil {
		return nil
	}
	st.handleStopSendingFrame(f)
	return nil
}

func (s *Session) handleMaxStreamDataFrame(f *wire.MaxStreamDataFrame) error {
	st, ok := s.streamsMap.Get(f.StreamID)
	if !ok {
		return nil
	}
	st.flowCtrl.UpdateSendWindow(f.MaximumStreamData)
	return nil
}

func (s *Session) handlePeerConnectionClose(f *wire.ConnectionCloseFrame) error {
	var err error
	if f.IsApplicationError {
		err = f.ToApplicationError()
	} else {
		err = f.ToTransportError()
	}
	s.mu.Lock()
	already := s.state >= stateClosing
	if !already {
		s.closeErr = err
		s.state = stateDraining
	}
	s.mu.Unlock()
	if already {
		return nil
	}
	s.evs.emit(Event{Kind: EventSessionClose, Err: err})
	s.streamsMap.CloseWithError(err)
	s.enterDraining()
	return nil
}
