package quic

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zys-contribs/quic/internal/handshake"
	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/qerr"
	"github.com/zys-contribs/quic/internal/wire"
)

// fakeTLSProvider is a hand-rolled TLSProvider standing in for
// crypto/tls's QUICConn: it plays back a fixed queue of events instead of
// driving a real TLS 1.3 state machine. It deliberately never produces
// EventReceivedReadSecret/EventReceivedWriteSecret, since those events
// carry key material session.go derives through unexported accessors a
// fake outside internal/handshake has no way to populate realistically;
// tests that need installed keys call installInitialKeys directly instead.
type fakeTLSProvider struct {
	mu          sync.Mutex
	events      []TLSEvent
	connState   TLSConnectionState
	closed      bool
	confirmed   bool
	startCalled bool
}

func (f *fakeTLSProvider) StartHandshake(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalled = true
	return nil
}

func (f *fakeTLSProvider) HandleMessage([]byte, protocol.EncryptionLevel) error { return nil }

func (f *fakeTLSProvider) NextEvent() TLSEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return TLSEvent{Kind: TLSEventNoEvent}
	}
	ev := f.events[0]
	f.events = f.events[1:]
	return ev
}

func (f *fakeTLSProvider) SetHandshakeConfirmed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed = true
}

func (f *fakeTLSProvider) DiscardInitialKeys()            {}
func (f *fakeTLSProvider) GetSessionTicket() ([]byte, error) { return nil, nil }
func (f *fakeTLSProvider) UpdateKey() error                { return nil }
func (f *fakeTLSProvider) ConnectionState() TLSConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connState
}
func (f *fakeTLSProvider) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fakePacketDest records every datagram a Session under test hands back
// to its owning Endpoint, standing in for the UDP socket.
type fakePacketDest struct {
	mu    sync.Mutex
	sent  [][]byte
	addrs []net.Addr
}

func (f *fakePacketDest) writePacket(b []byte, addr net.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(b))
	copy(cp, b)
	f.sent = append(f.sent, cp)
	f.addrs = append(f.addrs, addr)
	return nil
}

func (f *fakePacketDest) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// newTestSession builds a bare Session wired to a fakeTLSProvider and a
// fakePacketDest, bypassing newClientSession/newServerSession (and the
// real crypto/tls handshake they wire up) so Session's own orchestration
// logic can be driven and observed directly.
func newTestSession(t *testing.T, perspective protocol.Perspective) (*Session, *fakePacketDest, *fakeTLSProvider) {
	t.Helper()
	conf := populateConfig(&Config{
		HandshakeIdleTimeout: 50 * time.Millisecond,
		MaxIdleTimeout:       time.Second,
	})
	dest := &fakePacketDest{}
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4433}
	destCID := protocol.ConnectionID{1, 2, 3, 4}
	srcCID := protocol.ConnectionID{5, 6, 7, 8}

	s := newSessionCommon(perspective, dest, addr, destCID, srcCID, conf)
	fake := &fakeTLSProvider{}
	s.tls = fake
	s.installInitialKeys(destCID)
	// closeLocal sends CONNECTION_CLOSE after already having moved the
	// state past stateHandshaking, so it always picks the Handshake
	// level's write key; reuse the Initial ones so tests that close a
	// session don't need a real handshake to have keys to send with.
	s.keys[protocol.EncryptionHandshake] = s.keys[protocol.EncryptionInitial]
	return s, dest, fake
}

// drainOneClosure reads and runs exactly one pending closure off a
// Session's run channel, standing in for one iteration of run()'s select
// loop without needing the rest of it (timers, sendPackets) running.
func drainOneClosure(t *testing.T, s *Session) {
	t.Helper()
	select {
	case fn := <-s.runChan:
		fn()
	case <-time.After(time.Second):
		t.Fatal("expected a closure queued on the run loop, found none")
	}
}

func assertRunChanEmpty(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.runChan:
		t.Fatal("run loop channel had an unexpected second closure queued")
	default:
	}
}

// TestSessionCloseIsIdempotent covers close idempotence: calling
// CloseWithError more than once must not re-enter the closing sequence or
// send a second CONNECTION_CLOSE.
func TestSessionCloseIsIdempotent(t *testing.T) {
	s, dest, _ := newTestSession(t, protocol.PerspectiveServer)
	s.setState(stateHandshaking)

	s.CloseWithError(1, "bye")
	s.CloseWithError(2, "bye again")
	s.CloseWithError(3, "and again")

	drainOneClosure(t, s)
	assertRunChanEmpty(t, s)

	require.Equal(t, stateDraining, s.getState())
	require.Equal(t, 1, dest.writeCount())

	var ae *qerr.ApplicationError
	require.ErrorAs(t, s.closeErr, &ae)
	require.EqualValues(t, 1, ae.ErrorCode)
}

// TestSessionDrainingSilence covers draining silence: once a session has
// entered the closing/draining sequence, the regular send path run()
// guards around sendPackets must never be taken again, even if frames
// are still queued.
func TestSessionDrainingSilence(t *testing.T) {
	s, dest, _ := newTestSession(t, protocol.PerspectiveServer)
	s.setState(stateHandshaking)

	s.CloseWithError(0, "")
	drainOneClosure(t, s)
	require.Equal(t, stateDraining, s.getState())
	sentDuringClose := dest.writeCount()
	require.Equal(t, 1, sentDuringClose)

	// queue more control data, as a stray RETIRE_CONNECTION_ID/MAX_DATA
	// frame handled after close might.
	s.sendQueue = append(s.sendQueue, &wire.MaxDataFrame{MaximumData: 1000})

	// this mirrors the gate run()'s loop applies around sendPackets;
	// while draining it must never run.
	if s.getState() < stateClosing {
		require.NoError(t, s.sendPackets())
	}

	require.Equal(t, sentDuringClose, dest.writeCount(), "draining session must emit nothing beyond its CONNECTION_CLOSE")
}

// TestSessionIdleTimerUsesHandshakeTimeoutBeforeEstablished and
// TestSessionIdleTimerPostponesOnActivity together cover idle timer
// monotonicity: the effective timeout switches from
// HandshakeIdleTimeout to MaxIdleTimeout at handshake completion, and
// each later activity strictly postpones the deadline.
func TestSessionIdleTimerUsesHandshakeTimeoutBeforeEstablished(t *testing.T) {
	s, _, _ := newTestSession(t, protocol.PerspectiveServer)
	s.setState(stateHandshaking)
	require.Equal(t, s.config.HandshakeIdleTimeout, s.effectiveIdleTimeout())

	s.onHandshakeComplete()
	require.Equal(t, s.config.MaxIdleTimeout, s.effectiveIdleTimeout())
}

func TestSessionIdleTimerPostponesOnActivity(t *testing.T) {
	s, _, _ := newTestSession(t, protocol.PerspectiveServer)
	s.setState(stateEstablished)

	t1 := time.Now()
	s.lastPacketReceivedTime = t1
	deadline1 := idleTimeoutDeadline(s.lastActivity(), s.effectiveIdleTimeout())

	t2 := t1.Add(10 * time.Millisecond)
	s.lastPacketReceivedTime = t2
	deadline2 := idleTimeoutDeadline(s.lastActivity(), s.effectiveIdleTimeout())

	require.True(t, deadline2.After(deadline1), "a later receive must strictly postpone the idle deadline")
}

// TestSessionALPNMatchAcceptsNegotiatedProtocol and
// TestSessionALPNMismatchClosesSession cover ALPN match: a handshake
// completing with a protocol this side never offered must close instead
// of establishing.
func TestSessionALPNMatchAcceptsNegotiatedProtocol(t *testing.T) {
	s, _, fake := newTestSession(t, protocol.PerspectiveClient)
	s.setState(stateHandshaking)
	s.alpnProtocols = []string{"h3-29"}
	fake.connState.NegotiatedProtocol = "h3-29"

	s.onHandshakeComplete()

	require.Equal(t, stateEstablished, s.getState())
	assertRunChanEmpty(t, s)
}

func TestSessionALPNMismatchClosesSession(t *testing.T) {
	s, _, fake := newTestSession(t, protocol.PerspectiveServer)
	s.setState(stateHandshaking)
	s.alpnProtocols = []string{"h3-29"}
	fake.connState.NegotiatedProtocol = ""

	s.onHandshakeComplete()
	require.NotEqual(t, stateEstablished, s.getState())

	drainOneClosure(t, s)
	require.Equal(t, stateDraining, s.getState())

	var te *qerr.TransportError
	require.ErrorAs(t, s.closeErr, &te)
	alert, ok := te.ErrorCode.IsCryptoError()
	require.True(t, ok)
	require.EqualValues(t, 120, alert)
}

// TestSessionRecognizesPeerStatelessResetToken covers the review's
// stateless-reset-recognition requirement: a peer-advertised
// stateless_reset_token transport parameter, delivered through a fake
// provider/transport-parameter round trip, must be registered with the
// connection ID table, and a later recognized reset must silently
// destroy the session.
func TestSessionRecognizesPeerStatelessResetToken(t *testing.T) {
	s, _, fake := newTestSession(t, protocol.PerspectiveClient)
	s.setState(stateHandshaking)

	cids := newCIDTable()
	s.registerPeerResetToken = func(tok protocol.StatelessResetToken) { cids.AddPeerResetToken(tok, s) }

	var tok protocol.StatelessResetToken
	copy(tok[:], []byte("0123456789abcdef"))
	peerParams := &wire.TransportParameters{
		InitialSourceConnectionID: protocol.ConnectionID{9, 9, 9},
		StatelessResetToken:       &tok,
	}
	fake.events = append(fake.events, TLSEvent{Kind: TLSEventTransportParameters, Data: peerParams.Marshal()})

	s.drainTLSEvents()

	got, ok := cids.LookupByPeerResetToken(tok)
	require.True(t, ok)
	require.Same(t, s, got)

	events := s.Events()

	s.handlePeerStatelessReset()

	require.Equal(t, stateDestroyed, s.getState())
	var sre StatelessResetError
	require.ErrorAs(t, s.closeErr, &sre)

	select {
	case ev := <-events:
		require.Equal(t, EventSilentClose, ev.Kind)
		require.ErrorAs(t, ev.Err, &sre)
	case <-time.After(time.Second):
		t.Fatal("expected a silent_close event")
	}
}

// TestSessionHandshakeDoneSignalsOnce confirms signalHandshakeDone, which
// both the success path (onHandshakeComplete) and every closing path
// (closeLocal, handlePeerStatelessReset) call, only ever closes
// handshakeDoneCh once, so a caller blocked in Dial never double-reads a
// result or panics on a second close.
func TestSessionHandshakeDoneSignalsOnce(t *testing.T) {
	s, _, _ := newTestSession(t, protocol.PerspectiveClient)
	s.setState(stateHandshaking)

	s.onHandshakeComplete()
	require.Nil(t, s.handshakeErr())

	// a later failure path must not override the first result or panic
	// on re-closing handshakeDoneCh.
	require.NotPanics(t, func() { s.signalHandshakeDone(qerr.NewLocalCryptoError(1, "too late")) })
	require.Nil(t, s.handshakeErr())

	select {
	case <-s.handshakeDone():
	default:
		t.Fatal("handshakeDoneCh should already be closed")
	}
}

// install1RTTKeys gives a test session a symmetric pair of 1-RTT keys
// (the same Keys for both directions), enough to exercise the key-update
// state machine without a real handshake having produced distinct
// client/server secrets.
func install1RTTKeys(t *testing.T, s *Session) *handshake.Keys {
	t.Helper()
	keys, err := handshake.NewInitialKeys(make([]byte, 32))
	require.NoError(t, err)
	s.keys[protocol.Encryption1RTT] = levelKeys{read: keys, write: keys}
	s.handshakeConfirmed = true
	return keys
}

// TestSessionUpdateKeyLocalRoll covers a locally-initiated key update:
// rollAppKeys must advance the key phase, replace the installed 1-RTT
// keys with the next epoch, stash the old read key for reordered
// packets, bump KeyUpdateCount, and mark the rollover as awaiting the
// peer's confirmation.
func TestSessionUpdateKeyLocalRoll(t *testing.T) {
	s, _, _ := newTestSession(t, protocol.PerspectiveServer)
	oldKeys := install1RTTKeys(t, s)
	s.firstSentWithKeyPhase = 5

	require.NoError(t, s.updateKeyLocked())

	require.Equal(t, protocol.KeyPhaseOne, s.keyPhase)
	require.Same(t, oldKeys, s.prevAppReadKeys)
	require.NotSame(t, oldKeys, s.keys[protocol.Encryption1RTT].read)
	require.True(t, s.awaitingPeerRollover)
	require.Equal(t, protocol.InvalidPacketNumber, s.firstSentWithKeyPhase)
	require.EqualValues(t, 1, s.stats.snapshot().KeyUpdateCount)

	// a second update can't start until the peer is known to have moved
	// to the phase this side already rolled to.
	require.Error(t, s.updateKeyLocked())
}

// TestSessionOpenAppDataDetectsPeerRoll covers the receive side of a
// peer-initiated key update: a short-header packet arriving with the
// other key-phase bit, decrypting successfully under the next derived
// epoch, must roll this side's keys to match.
func TestSessionOpenAppDataDetectsPeerRoll(t *testing.T) {
	s, _, _ := newTestSession(t, protocol.PerspectiveServer)
	keys0 := install1RTTKeys(t, s)
	s.firstSentWithKeyPhase = 0

	next0, err := keys0.NextKeys()
	require.NoError(t, err)

	ad := []byte{0x40, 1, 2, 3}
	ciphertext := next0.Seal(nil, []byte("hello"), 7, ad)

	plaintext, err := s.openAppData(protocol.KeyPhaseOne, 7, ciphertext, ad)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), plaintext)

	require.Equal(t, protocol.KeyPhaseOne, s.keyPhase)
	require.EqualValues(t, 7, s.firstRcvdWithKeyPhase)
	require.False(t, s.awaitingPeerRollover)
	require.EqualValues(t, 1, s.stats.snapshot().KeyUpdateCount)
}

// TestSessionOpenAppDataAcceptsReorderedOldPhasePacket covers the other
// branch of the ambiguous key-phase bit: a packet reordered in from
// before this side's own local rollover must still decrypt against the
// stashed previous read key, not be mistaken for a forward roll.
func TestSessionOpenAppDataAcceptsReorderedOldPhasePacket(t *testing.T) {
	s, _, _ := newTestSession(t, protocol.PerspectiveServer)
	keys0 := install1RTTKeys(t, s)
	s.firstSentWithKeyPhase = 5

	require.NoError(t, s.updateKeyLocked())

	ad := []byte{0x40, 9, 9, 9}
	ciphertext := keys0.Seal(nil, []byte("stale"), 3, ad)

	plaintext, err := s.openAppData(protocol.KeyPhaseZero, 3, ciphertext, ad)
	require.NoError(t, err)
	require.Equal(t, []byte("stale"), plaintext)

	// a reordered packet from the old phase must not be confused for
	// having received anything under the new one.
	require.Equal(t, protocol.InvalidPacketNumber, s.firstRcvdWithKeyPhase)
	require.True(t, s.awaitingPeerRollover)
}

// TestSessionOpenAppDataRejectsPrematureRoll covers the abuse guard: a
// peer rolling forward before this side has sent a single packet under
// the current phase gets a KeyUpdateError, not a silently accepted
// rollover.
func TestSessionOpenAppDataRejectsPrematureRoll(t *testing.T) {
	s, _, _ := newTestSession(t, protocol.PerspectiveServer)
	keys0 := install1RTTKeys(t, s)
	s.firstSentWithKeyPhase = protocol.InvalidPacketNumber

	next0, err := keys0.NextKeys()
	require.NoError(t, err)

	ad := []byte{0x40, 4, 4, 4}
	ciphertext := next0.Seal(nil, []byte("early"), 1, ad)

	_, err = s.openAppData(protocol.KeyPhaseOne, 1, ciphertext, ad)
	require.Error(t, err)
	var te *qerr.TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, qerr.KeyUpdateError, te.ErrorCode)
}

// TestSessionUpdateKeyPublicAPI covers the exported Session.UpdateKey
// path end to end through the run loop's closure dispatch.
func TestSessionUpdateKeyPublicAPI(t *testing.T) {
	s, _, _ := newTestSession(t, protocol.PerspectiveServer)
	install1RTTKeys(t, s)
	s.firstSentWithKeyPhase = 0

	errCh := make(chan error, 1)
	go func() { errCh <- s.UpdateKey() }()

	drainOneClosure(t, s)

	require.NoError(t, <-errCh)
	require.Equal(t, protocol.KeyPhaseOne, s.keyPhase)
}
