package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/zys-contribs/quic/internal/ackhandler"
	"github.com/zys-contribs/quic/internal/flowcontrol"
	"github.com/zys-contribs/quic/internal/handshake"
	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/qerr"
	"github.com/zys-contribs/quic/internal/utils"
	"github.com/zys-contribs/quic/internal/wire"
	"github.com/zys-contribs/quic/logging"
)

// sessionState is one node of the session lifecycle: initial ->
// handshaking -> established -> (graceful_closing?) -> closing ->
// draining -> destroyed.
type sessionState uint8

const (
	stateInitial sessionState = iota
	stateHandshaking
	stateEstablished
	stateGracefulClosing
	stateClosing
	stateDraining
	stateDestroyed
)

func (s sessionState) String() string {
	switch s {
	case stateInitial:
		return "initial"
	case stateHandshaking:
		return "handshaking"
	case stateEstablished:
		return "established"
	case stateGracefulClosing:
		return "graceful_closing"
	case stateClosing:
		return "closing"
	case stateDraining:
		return "draining"
	case stateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// packetDest is how a session hands an outgoing datagram back to the
// Endpoint that owns the socket, without the session needing to know
// about net.PacketConn itself.
type packetDest interface {
	writePacket(b []byte, addr net.Addr) error
}

// Session is one QUIC connection: the core state machine driving the
// handshake, stream multiplexing, and loss recovery. Most of its fields
// are only ever touched from the run() goroutine;
// everything an application goroutine calls (OpenStream, AcceptStream,
// Close, ...) crosses into the run loop via a channel or a data
// structure (streamsMap, eventSink) designed to be safe for that, the
// same cooperative-single-thread-per-connection model the teacher's
// connection.run() uses.
type Session struct {
	perspective protocol.Perspective
	version     protocol.Version
	config      *Config
	logger      utils.Logger

	conn       packetDest
	remoteAddr net.Addr

	destConnID protocol.ConnectionID
	srcConnID  protocol.ConnectionID
	origDestConnID protocol.ConnectionID

	tls          TLSProvider
	ourParams    *wire.TransportParameters
	peerParams   *wire.TransportParameters
	cryptoBufs   *cryptoBuffers
	keys         [4]levelKeys

	// alpnProtocols is this side's offered application protocols, carried
	// over from the dial/listen *tls.Config so a completed handshake that
	// negotiated none of them can be rejected (RFC 9001 §8.1). Empty means
	// no ALPN requirement was configured.
	alpnProtocols []string

	// token is a NEW_TOKEN value this client previously received from
	// this server (Config.TokenStore), presented on the first Initial
	// packet to skip the address-validation Retry round trip (RFC 9000
	// §8.1.3). Unset on the server side.
	token []byte

	streamsMap *streamsMap
	connFC     flowcontrol.ConnectionFlowController

	sentPacketHandler     ackhandler.SentPacketHandler
	receivedPacketHandler ackhandler.ReceivedPacketHandler
	rttStats              *utils.RTTStats
	frameParser           *wire.FrameParser

	stats  *sessionStats
	evs    *eventSink
	tracer *logging.ConnectionTracer

	mu    sync.Mutex
	state sessionState

	handshakeConfirmed bool
	handshakeStart     time.Time
	handshakeDoneCh    chan struct{}
	handshakeCloseOnce sync.Once
	handshakeFailure   error

	lastPacketSentTime     time.Time
	lastPacketReceivedTime time.Time

	closeErr       error
	closeOnce      sync.Once
	ctx            context.Context
	cancelCtx      context.CancelFunc
	closingBudget  *closingPeriodRetransmitBudget

	undecryptable []receivedPacket

	initialKeysDropped   bool
	handshakeKeysDropped bool

	// keyPhase is the current 1-RTT key-update epoch, toggled by
	// rollAppKeys (RFC 9001 §6). prevAppReadKeys holds the previous
	// epoch's read key for a short window after a rollover, since a
	// packet the peer sent just before observing the update can still
	// arrive under the old phase. firstSentWithKeyPhase/
	// firstRcvdWithKeyPhase are the packet numbers of the first packet
	// sent/received under the current phase, reset to
	// protocol.InvalidPacketNumber on every rollover. awaitingPeerRollover
	// is set by a locally-initiated UpdateKey and cleared once a packet
	// decrypts under the new phase's read key, gating a second local
	// update until the first one is known to have reached the peer.
	keyPhase               protocol.KeyPhaseBit
	prevAppReadKeys        *handshake.Keys
	firstSentWithKeyPhase  protocol.PacketNumber
	firstRcvdWithKeyPhase  protocol.PacketNumber
	awaitingPeerRollover   bool

	// largestRcvdPN tracks the largest successfully processed packet
	// number per encryption level, needed to reverse packet number
	// truncation on the next received packet (RFC 9000 §17.1).
	largestRcvdPN [4]protocol.PacketNumber

	peerConnIDs []wire.NewConnectionIDFrame
	// onRetireLocalCID is set by the Endpoint multiplexing this session's
	// socket, so a RETIRE_CONNECTION_ID from the peer can tell the
	// connection ID table to stop routing that sequence number here.
	onRetireLocalCID func(seq uint64)

	sendQueue []wire.Frame // pending connection-level control frames

	runChan chan func()
	timer   *connectionTimer

	// registerPeerResetToken is set by the Endpoint multiplexing this
	// session's socket, recording a stateless reset token the peer
	// advertised for one of its own connection IDs so a later opaque
	// datagram ending in that token is recognized as a genuine reset
	// rather than dropped (RFC 9000 §10.3).
	registerPeerResetToken func(protocol.StatelessResetToken)
}

// levelKeys holds the AEAD/header-protection state for one encryption
// level in both directions; nil until the corresponding secret has been
// installed by the TLS provider.
type levelKeys struct {
	read, write *handshake.Keys
}

// receivedPacket is one still-encrypted datagram buffered because it
// arrived before the keys needed to decrypt it (out-of-order 0-RTT
// racing the Initial, or Handshake racing key installation).
type receivedPacket struct {
	data      []byte
	addr      net.Addr
	rcvTime   time.Time
	encLevel  protocol.EncryptionLevel
}

func newSessionCommon(perspective protocol.Perspective, conn packetDest, remoteAddr net.Addr, destConnID, srcConnID protocol.ConnectionID, conf *Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		perspective:   perspective,
		version:       protocol.Version1,
		config:        conf,
		logger:        conf.Logger,
		conn:          conn,
		remoteAddr:    remoteAddr,
		destConnID:    destConnID,
		srcConnID:     srcConnID,
		cryptoBufs:    newCryptoBuffers(),
		rttStats:      &utils.RTTStats{},
		frameParser:   wire.NewFrameParser(),
		stats:         newSessionStats(),
		evs:           newEventSink(32),
		state:         stateInitial,
		ctx:           ctx,
		cancelCtx:     cancel,
		runChan:         make(chan func(), 16),
		timer:           newConnectionTimer(),
		handshakeDoneCh: make(chan struct{}),
	}
	for i := range s.largestRcvdPN {
		s.largestRcvdPN[i] = protocol.InvalidPacketNumber
	}
	s.firstSentWithKeyPhase = protocol.InvalidPacketNumber
	s.firstRcvdWithKeyPhase = protocol.InvalidPacketNumber
	s.rttStats.SetMaxAckDelay(protocol.DefaultMaxAckDelay)
	s.connFC = flowcontrol.NewConnectionFlowController(
		protocol.ByteCount(conf.InitialConnectionReceiveWindow),
		protocol.ByteCount(conf.MaxConnectionReceiveWindow),
		0,
		s.rttStats,
		s.logger,
	)
	s.sentPacketHandler = ackhandler.NewSentPacketHandler(protocol.PacketNumber(0), s.rttStats, perspective, s.logger)
	s.sentPacketHandler.SetPacketsLostCallback(s.onPacketsLost)
	s.receivedPacketHandler = ackhandler.NewReceivedPacketHandler(protocol.DefaultMaxAckDelay, protocol.AckDelayExponent)
	s.streamsMap = newStreamsMap(perspective, s, s.connFC, protocol.StreamNum(conf.MaxIncomingStreams), protocol.StreamNum(conf.MaxIncomingUniStreams), s.newStreamFlowController)
	s.closingBudget = newClosingPeriodRetransmitBudget(100 * time.Millisecond)
	if conf.Tracer != nil {
		s.tracer = conf.Tracer(perspective, srcConnID)
	}
	if s.tracer != nil && s.tracer.StartedConnection != nil {
		s.tracer.StartedConnection(nil, remoteAddr, srcConnID, destConnID)
	}
	return s
}

func (s *Session) newStreamFlowController(id protocol.StreamID) flowcontrol.StreamFlowController {
	return flowcontrol.NewStreamFlowController(
		id,
		s.connFC,
		protocol.ByteCount(s.config.InitialStreamReceiveWindow),
		protocol.ByteCount(s.config.MaxStreamReceiveWindow),
		0,
		s.rttStats,
		s.logger,
	)
}

// onPacketsLost updates lifetime stats and notifies the tracer for every
// packet loss detection declares lost, installed on sentPacketHandler so
// this session doesn't need to re-derive loss from ReceivedAck/
// OnLossDetectionTimeout itself.
func (s *Session) onPacketsLost(lost []*ackhandler.Packet) {
	for _, p := range lost {
		s.stats.onPacketLost()
		if len(p.Frames) > 0 {
			s.stats.onRetransmit()
		}
		if s.tracer != nil && s.tracer.LostPacket != nil {
			s.tracer.LostPacket(p.EncryptionLevel, p.PacketNumber, logging.PacketLossTimeThreshold)
		}
	}
}

// maybeQueueConnectionWindowUpdate is polled by the receive pipeline after
// every packet that consumed connection-level flow control budget, mirroring
// how a stream's own Read polls its stream-level controller.
func (s *Session) maybeQueueConnectionWindowUpdate() {
	if offset := s.connFC.GetWindowUpdate(); offset > 0 {
		s.queueControlFrame(&wire.MaxDataFrame{MaximumData: offset})
	}
}

// newClientSession builds a Session that will dial out, grounded on the
// teacher's newClientConnection.
func newClientSession(conn packetDest, remoteAddr net.Addr, destConnID, srcConnID protocol.ConnectionID, conf *Config, tlsConf *tls.Config) *Session {
	s := newSessionCommon(protocol.PerspectiveClient, conn, remoteAddr, destConnID, srcConnID, conf)
	s.ourParams = defaultTransportParameters(conf, srcConnID, nil)
	s.alpnProtocols = tlsConf.NextProtos
	if conf.TokenStore != nil {
		s.token = conf.TokenStore.Get(remoteAddr.String())
	}
	s.tls = newTLSProviderClient(baseTLSConfig(tlsConf), s.ourParams.Marshal(), conf.Allow0RTT)
	s.installInitialKeys(destConnID)
	return s
}

// newServerSession builds a Session accepting an already-validated
// client Initial, grounded on the teacher's newConnection (server side).
func newServerSession(conn packetDest, remoteAddr net.Addr, destConnID, srcConnID, origDestConnID protocol.ConnectionID, conf *Config, tlsConf *tls.Config) *Session {
	s := newSessionCommon(protocol.PerspectiveServer, conn, remoteAddr, destConnID, srcConnID, conf)
	s.origDestConnID = origDestConnID
	s.ourParams = defaultTransportParameters(conf, srcConnID, origDestConnID)
	s.alpnProtocols = tlsConf.NextProtos
	s.tls = newTLSProviderServer(baseTLSConfig(tlsConf), s.ourParams.Marshal(), conf.Allow0RTT)
	s.installInitialKeys(origDestConnID)
	return s
}

func defaultTransportParameters(conf *Config, srcConnID protocol.ConnectionID, origDestConnID protocol.ConnectionID) *wire.TransportParameters {
	p := &wire.TransportParameters{
		InitialSourceConnectionID:      srcConnID,
		MaxIdleTimeout:                 conf.MaxIdleTimeout.Milliseconds(),
		MaxUDPPayloadSize:              protocol.MaxPacketSizeIPv4,
		InitialMaxData:                 protocol.ByteCount(conf.InitialConnectionReceiveWindow),
		InitialMaxStreamDataBidiLocal:  protocol.ByteCount(conf.InitialStreamReceiveWindow),
		InitialMaxStreamDataBidiRemote: protocol.ByteCount(conf.InitialStreamReceiveWindow),
		InitialMaxStreamDataUni:        protocol.ByteCount(conf.InitialStreamReceiveWindow),
		InitialMaxStreamsBidi:          protocol.StreamNum(conf.MaxIncomingStreams),
		InitialMaxStreamsUni:           protocol.StreamNum(conf.MaxIncomingUniStreams),
		AckDelayExponent:               protocol.AckDelayExponent,
		MaxAckDelay:                    protocol.DefaultMaxAckDelay.Milliseconds(),
		ActiveConnectionIDLimit:        protocol.DefaultActiveConnectionIDLimit,
	}
	if origDestConnID != nil {
		p.OriginalDestinationConnectionID = origDestConnID
		if conf.PreferredAddress != nil {
			p.PreferredAddress = conf.PreferredAddress.encode()
		}
	}
	return p
}

// run is the session's goroutine: it drives the handshake, then
// alternates between processing inbound work and sending outbound
// packets until the session is destroyed. Grounded on the teacher's
// connection.run(), collapsed to use a single runChan of closures
// instead of several purpose-built channels, since every cross-goroutine
// call this session needs (queueControlFrame, handlePacket, Close) has
// the same "run this on the owning goroutine" shape.
func (s *Session) run() error {
	defer s.cancelCtx()
	s.mu.Lock()
	s.state = stateHandshaking
	s.handshakeStart = time.Now()
	s.mu.Unlock()

	if s.perspective == protocol.PerspectiveClient {
		if err := s.tls.StartHandshake(s.ctx); err != nil {
			return s.closeLocal(err)
		}
		s.drainTLSEvents()
	}

	s.timer.Reset(s.nextTimeout())

	for {
		select {
		case fn := <-s.runChan:
			fn()
		case <-s.timer.Chan():
			if err := s.onTimeout(); err != nil {
				return s.closeLocal(err)
			}
		case <-s.ctx.Done():
			return s.closeErr
		}
		if s.getState() == stateDestroyed {
			return s.closeErr
		}
		// Once closing, the only datagram this session still owes the
		// wire is the CONNECTION_CLOSE already sent by closeLocal; the
		// regular send path stays silent for the rest of draining (RFC
		// 9000 §10.2.2).
		if s.getState() < stateClosing {
			if err := s.sendPackets(); err != nil {
				return s.closeLocal(err)
			}
		}
		s.timer.Reset(s.nextTimeout())
	}
}

func (s *Session) nextTimeout() time.Time {
	idle := idleTimeoutDeadline(s.lastActivity(), s.effectiveIdleTimeout())
	loss := s.sentPacketHandler.GetLossDetectionTimeout()
	ack := s.receivedPacketHandler.GetAlarmTimeout()
	return earliest(idle, loss, ack)
}

func (s *Session) lastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastPacketReceivedTime.After(s.lastPacketSentTime) {
		return s.lastPacketReceivedTime
	}
	return s.lastPacketSentTime
}

func (s *Session) effectiveIdleTimeout() time.Duration {
	if s.getState() < stateEstablished {
		return s.config.HandshakeIdleTimeout
	}
	return s.config.MaxIdleTimeout
}

func (s *Session) onTimeout() error {
	now := time.Now()
	idle := idleTimeoutDeadline(s.lastActivity(), s.effectiveIdleTimeout())
	if !idle.IsZero() && !now.Before(idle) {
		s.evs.emit(Event{Kind: EventSilentClose, Err: IdleTimeoutError{}})
		s.destroy(IdleTimeoutError{})
		return nil
	}
	if loss := s.sentPacketHandler.GetLossDetectionTimeout(); !loss.IsZero() && !now.Before(loss) {
		return s.sentPacketHandler.OnLossDetectionTimeout()
	}
	return nil
}

// run loop entrypoints reached from other goroutines

func (s *Session) runOnLoop(fn func()) {
	select {
	case s.runChan <- fn:
	case <-s.ctx.Done():
	}
}

func (s *Session) queueControlFrame(f wire.Frame) {
	s.runOnLoop(func() { s.sendQueue = append(s.sendQueue, f) })
}

func (s *Session) onHasStreamData(protocol.StreamID) {
	s.runOnLoop(func() {})
}

func (s *Session) onStreamCompleted(id protocol.StreamID) {
	s.runOnLoop(func() { s.streamsMap.DeleteStream(id) })
}

func (s *Session) getState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st sessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// --- public API ---

func (s *Session) OpenStream() (Stream, error)           { return s.streamsMap.OpenStream() }
func (s *Session) OpenStreamSync(context.Context) (Stream, error) {
	return s.streamsMap.OpenStreamSync()
}
func (s *Session) AcceptStream(context.Context) (Stream, error) { return s.streamsMap.AcceptStream() }
func (s *Session) OpenUniStream() (SendStream, error)            { return s.streamsMap.OpenUniStream() }
func (s *Session) AcceptUniStream(context.Context) (ReceiveStream, error) {
	return s.streamsMap.AcceptUniStream()
}

// Events returns the channel on which this session's lifecycle and
// stream events are delivered.
func (s *Session) Events() <-chan Event { return s.evs.events() }

// handshakeDone is closed once the handshake either completes or the
// session closes before reaching that point, letting Dial block on
// whichever happens first without polling session state.
func (s *Session) handshakeDone() <-chan struct{} { return s.handshakeDoneCh }

func (s *Session) handshakeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakeFailure
}

func (s *Session) signalHandshakeDone(err error) {
	s.handshakeCloseOnce.Do(func() {
		s.mu.Lock()
		s.handshakeFailure = err
		s.mu.Unlock()
		close(s.handshakeDoneCh)
	})
}

// Stats returns a snapshot of the session's traffic and loss counters.
func (s *Session) Stats() SessionStats {
	s.stats.setCongestion(s.sentPacketHandler.BytesInFlight(), s.sentPacketHandler.CongestionWindow())
	s.stats.setRTT(s.rttStats.SmoothedRTT(), s.rttStats.MinRTT())
	return s.stats.snapshot()
}

// Context is done once the session has been fully destroyed.
func (s *Session) Context() context.Context { return s.ctx }

// ConnectionState returns the TLS connection state reported by this
// session's TLS provider.
func (s *Session) ConnectionState() tls.ConnectionState {
	return s.tls.ConnectionState().ConnectionState
}

// CloseWithError gracefully closes the session with an application
// error code and reason, sending CONNECTION_CLOSE and entering the
// closing state (RFC 9000 §10.2).
func (s *Session) CloseWithError(code ApplicationErrorCode, reason string) error {
	return s.closeLocal(&qerr.ApplicationError{ErrorCode: uint64(code), ErrorMessage: reason})
}

// Close is equivalent to CloseWithError(0, "").
func (s *Session) Close() error { return s.CloseWithError(0, "") }

func (s *Session) closeLocal(err error) error {
	s.closeOnce.Do(func() {
		s.runOnLoop(func() {
			if s.getState() >= stateClosing {
				return
			}
			s.closeErr = err
			s.setState(stateClosing)
			s.evs.emit(Event{Kind: EventSessionClose, Err: err})
			s.streamsMap.CloseWithError(err)
			s.sendConnectionClose(err)
			s.enterDraining()
			s.signalHandshakeDone(err)
		})
	})
	return err
}

func (s *Session) enterDraining() {
	s.setState(stateDraining)
	pto := s.rttStats.PTO(true)
	time.AfterFunc(drainingTimeout(pto), func() {
		s.destroy(s.closeErr)
	})
}

func (s *Session) destroy(err error) {
	s.mu.Lock()
	if s.state == stateDestroyed {
		s.mu.Unlock()
		return
	}
	s.state = stateDestroyed
	if s.closeErr == nil {
		s.closeErr = err
	}
	s.mu.Unlock()
	s.tls.Close()
	s.evs.close()
	s.cancelCtx()
	if s.tracer != nil {
		if s.tracer.ClosedConnection != nil {
			s.tracer.ClosedConnection(logging.CloseReason{Err: err})
		}
		if s.tracer.Close != nil {
			s.tracer.Close()
		}
	}
}

func (s *Session) sendConnectionClose(err error) {
	f := connectionCloseFrameFor(err)
	level := protocol.Encryption1RTT
	if !s.handshakeConfirmed {
		level = protocol.EncryptionHandshake
		if s.getState() == stateHandshaking {
			level = protocol.EncryptionInitial
		}
	}
	s.sendSingleFramePacket(f, level)
}

func connectionCloseFrameFor(err error) *wire.ConnectionCloseFrame {
	var te *qerr.TransportError
	var ae *qerr.ApplicationError
	switch e := err.(type) {
	case *qerr.TransportError:
		te = e
	case *qerr.ApplicationError:
		ae = e
	default:
		te = &qerr.TransportError{ErrorCode: qerr.InternalError, ErrorMessage: fmt.Sprint(err)}
	}
	if ae != nil {
		return &wire.ConnectionCloseFrame{IsApplicationError: true, ErrorCode: ae.ErrorCode, ReasonPhrase: ae.ErrorMessage}
	}
	return &wire.ConnectionCloseFrame{ErrorCode: uint64(te.ErrorCode), FrameType: te.FrameType, ReasonPhrase: te.ErrorMessage}
}

// drainTLSEvents pumps the TLS provider's NextEvent loop until it has
// nothing left to say, installing keys and feeding CRYPTO data into the
// outbound buffers as events arrive. The handshake engine is driven as a
// pull loop rather than a push/callback contract; see DESIGN.md.
func (s *Session) drainTLSEvents() {
	for {
		ev := s.tls.NextEvent()
		switch ev.Kind {
		case TLSEventNoEvent:
			return
		case TLSEventWriteData:
			s.cryptoBufs.Get(ev.Level).Submit(ev.Data)
		case TLSEventReceivedWriteSecret, TLSEventReceivedReadSecret:
			s.installSecret(ev)
		case TLSEventTransportParameters:
			s.handlePeerTransportParameters(ev.Data)
		case TLSEventHandshakeComplete:
			s.onHandshakeComplete()
		case TLSEventHandshakeConfirmed:
			s.handshakeConfirmed = true
			s.sentPacketHandler.SetHandshakeConfirmed()
			s.tls.SetHandshakeConfirmed()
			s.dropHandshakeKeys()
		case TLSEventRejectedEarlyData:
			// 0-RTT data was rejected; the session simply resends it as
			// 1-RTT once the handshake completes, same as a fresh write.
		}
	}
}

// alpnAccepted reports whether the negotiated application protocol is one
// this side actually offered. A handshake can complete at the TLS layer
// while still leaving ALPN unsatisfied if the provider doesn't enforce it
// itself; the session rejects that case explicitly (RFC 9001 §8.1).
func (s *Session) alpnAccepted() bool {
	if len(s.alpnProtocols) == 0 {
		return true
	}
	negotiated := s.tls.ConnectionState().NegotiatedProtocol
	for _, p := range s.alpnProtocols {
		if p == negotiated {
			return true
		}
	}
	return false
}

func (s *Session) onHandshakeComplete() {
	if !s.alpnAccepted() {
		s.closeLocal(qerr.NewLocalCryptoError(120, "no application protocol"))
		return
	}
	s.setState(stateEstablished)
	s.stats.onHandshakeComplete(time.Since(s.handshakeStart))
	s.evs.emit(Event{Kind: EventSessionReady, ConnectionState: s.tls.ConnectionState().ConnectionState})
	s.signalHandshakeDone(nil)
	if s.perspective == protocol.PerspectiveServer {
		s.queueControlFrame(&wire.HandshakeDoneFrame{})
		s.handshakeConfirmed = true
		s.sentPacketHandler.SetHandshakeConfirmed()
		s.tls.SetHandshakeConfirmed()
		s.dropInitialKeys()
		s.dropHandshakeKeys()
	}
}

// installInitialKeys derives and installs the Initial encryption level's
// read/write keys from a destination connection ID, grounded on RFC 9001
// §5.2. Called once, right after a Session is constructed, since Initial
// secrets come from the connection ID rather than from the TLS provider.
func (s *Session) installInitialKeys(destConnID protocol.ConnectionID) {
	clientSecret, serverSecret := handshake.DeriveInitialSecrets(destConnID)
	ourSecret, peerSecret := serverSecret, clientSecret
	if s.perspective == protocol.PerspectiveClient {
		ourSecret, peerSecret = clientSecret, serverSecret
	}
	write, err := handshake.NewInitialKeys(ourSecret)
	if err != nil {
		s.logger.Errorf("deriving initial write keys: %s", err)
		return
	}
	read, err := handshake.NewInitialKeys(peerSecret)
	if err != nil {
		s.logger.Errorf("deriving initial read keys: %s", err)
		return
	}
	s.keys[protocol.EncryptionInitial] = levelKeys{read: read, write: write}
}

// dropInitialKeys discards the Initial encryption level once both sides
// have moved on to Handshake (RFC 9001 §4.9.1). The client does this
// automatically inside sentPacketHandler.SentPacket on its first
// Handshake-level send; the server has no such hook and must call this
// explicitly once it has sent or processed a Handshake-level packet.
func (s *Session) dropInitialKeys() {
	if s.initialKeysDropped {
		return
	}
	s.initialKeysDropped = true
	s.keys[protocol.EncryptionInitial] = levelKeys{}
	s.sentPacketHandler.DropPackets(protocol.EncryptionInitial)
	s.receivedPacketHandler.DropPackets(protocol.EncryptionInitial)
	s.tls.DiscardInitialKeys()
}

// dropHandshakeKeys discards the Handshake encryption level once the
// handshake is confirmed (RFC 9001 §4.9.2).
func (s *Session) dropHandshakeKeys() {
	if s.handshakeKeysDropped {
		return
	}
	s.handshakeKeysDropped = true
	s.keys[protocol.EncryptionHandshake] = levelKeys{}
	s.sentPacketHandler.DropPackets(protocol.EncryptionHandshake)
	s.receivedPacketHandler.DropPackets(protocol.EncryptionHandshake)
}

// UpdateKey starts a new 1-RTT key-update epoch (RFC 9001 §6): the
// current traffic secrets are advanced via the "quic ku" label and the
// session switches to the derived keys for outgoing packets
// immediately, keeping the previous read key live briefly so a packet
// the peer sent just before observing the update still decrypts. It
// refuses to start a second update before this side has seen the peer
// roll forward in response to the first one.
func (s *Session) UpdateKey() error {
	done := make(chan error, 1)
	s.runOnLoop(func() { done <- s.updateKeyLocked() })
	select {
	case err := <-done:
		return err
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *Session) updateKeyLocked() error {
	if !s.handshakeConfirmed {
		return errors.New("quic: cannot update keys before the handshake is confirmed")
	}
	if s.awaitingPeerRollover {
		return errors.New("quic: key update already in progress")
	}
	return s.rollAppKeys(true)
}

// rollAppKeys advances the 1-RTT key epoch, shared by a locally
// initiated UpdateKey and a peer-initiated update detected on receipt
// (decryptAndDispatch). local is true only for the former; it gates a
// second local UpdateKey until the peer is seen using the new phase.
func (s *Session) rollAppKeys(local bool) error {
	cur := s.keys[protocol.Encryption1RTT]
	if cur.read == nil || cur.write == nil {
		return errors.New("quic: 1-RTT keys not installed yet")
	}
	nextWrite, err := cur.write.NextKeys()
	if err != nil {
		return err
	}
	nextRead, err := cur.read.NextKeys()
	if err != nil {
		return err
	}
	s.prevAppReadKeys = cur.read
	s.keys[protocol.Encryption1RTT] = levelKeys{read: nextRead, write: nextWrite}
	s.keyPhase = s.keyPhase.Peek()
	s.firstSentWithKeyPhase = protocol.InvalidPacketNumber
	s.firstRcvdWithKeyPhase = protocol.InvalidPacketNumber
	s.stats.onKeyUpdate()
	if s.tracer != nil && s.tracer.UpdatedKey != nil {
		s.tracer.UpdatedKey(s.keyPhase, !local)
	}
	if local {
		s.awaitingPeerRollover = true
	}
	return nil
}

// installSecret installs the AEAD/header-protection keys carried by a
// EventReceivedReadSecret/EventReceivedWriteSecret TLS event, then
// retries any packet buffered earlier for want of these exact keys.
func (s *Session) installSecret(ev TLSEvent) {
	keys, err := handshake.NewKeysFromTLS(ev.CipherSuite(), ev.Secret())
	if err != nil {
		s.closeLocal(&qerr.TransportError{ErrorCode: qerr.InternalError, ErrorMessage: err.Error()})
		return
	}
	if ev.Kind == TLSEventReceivedReadSecret {
		s.keys[ev.Level].read = keys
		s.tryDecryptBuffered(ev.Level)
	} else {
		s.keys[ev.Level].write = keys
	}
}

func (s *Session) handlePeerTransportParameters(data []byte) {
	params, err := wire.ParseTransportParameters(data)
	if err != nil {
		s.closeLocal(&qerr.TransportError{ErrorCode: qerr.TransportParameterError, ErrorMessage: err.Error()})
		return
	}
	s.peerParams = params
	s.connFC.UpdateSendWindow(params.InitialMaxData)
	s.streamsMap.SetMaxIncoming(params.InitialMaxStreamsBidi, params.InitialMaxStreamsUni)
	if params.StatelessResetToken != nil && s.registerPeerResetToken != nil {
		s.registerPeerResetToken(*params.StatelessResetToken)
	}
}

// handlePeerStatelessReset destroys this session immediately on
// recognizing a genuine stateless reset sent by the peer (RFC 9000
// §10.3): the peer has already forgotten the connection, so there is
// nothing left to acknowledge and no CONNECTION_CLOSE worth sending.
func (s *Session) handlePeerStatelessReset() {
	if s.getState() >= stateClosing {
		return
	}
	err := StatelessResetError{}
	s.mu.Lock()
	s.closeErr = err
	s.state = stateClosing
	s.mu.Unlock()
	s.evs.emit(Event{Kind: EventSilentClose, Err: err})
	s.streamsMap.CloseWithError(err)
	s.signalHandshakeDone(err)
	s.destroy(err)
}
