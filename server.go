package quic

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zys-contribs/quic/internal/handshake"
	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/qerr"
	"github.com/zys-contribs/quic/internal/wire"
)

// retryIntegrityKey and retryIntegrityNonce are the fixed values RFC
// 9001 §5.8 defines for authenticating QUIC v1 Retry packets. They are
// public constants, not secrets.
var (
	retryIntegrityKey   = [16]byte{0xbe, 0x0c, 0x69, 0x0b, 0x9f, 0x66, 0x57, 0x5a, 0x1d, 0x76, 0x6b, 0x54, 0xe3, 0x68, 0xc8, 0x4e}
	retryIntegrityNonce = [12]byte{0x46, 0x15, 0x99, 0xd3, 0x5d, 0x63, 0x2b, 0xf2, 0x23, 0x98, 0x25, 0xbb}
)

func newRetryIntegrityAEAD() (cipher.AEAD, error) {
	block, err := aes.NewCipher(retryIntegrityKey[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Listener accepts incoming QUIC connections on one UDP socket,
// grounded on the teacher's pre-fork Server type: one background read
// loop, one map of in-flight/established sessions keyed by connection
// ID, and a channel handing fully-dialed-in Sessions to Accept.
type Listener struct {
	ep      *endpoint
	tlsConf *tls.Config
	config  *Config

	retryKey [32]byte

	acceptChan chan *Session
	errChan    chan error
	// eg coordinates the goroutines backing the accept loop (today just
	// the endpoint's read loop, but the same group any future per-path
	// or per-worker goroutines join); the group's first error is sent on
	// errChan, where Accept returns it.
	eg *errgroup.Group
}

// Listen starts accepting QUIC connections on conn. tlsConf must have at
// least one certificate configured.
func Listen(conn net.PacketConn, tlsConf *tls.Config, conf *Config) (*Listener, error) {
	if tlsConf == nil {
		return nil, errors.New("quic: Listen requires a tls.Config")
	}
	conf = populateConfig(conf)
	l := &Listener{
		tlsConf:    tlsConf,
		config:     conf,
		acceptChan: make(chan *Session, 16),
		errChan:    make(chan error, 1),
	}
	if _, err := rand.Read(l.retryKey[:]); err != nil {
		return nil, err
	}
	l.ep = newEndpoint(conn, protocol.PerspectiveServer, conf)
	l.ep.onNewConnection = l.handleNewConnection
	l.eg = &errgroup.Group{}
	l.eg.Go(l.ep.run)
	go func() { l.errChan <- l.eg.Wait() }()
	return l, nil
}

// ListenAddr is a convenience wrapper that opens addr itself.
func ListenAddr(addr string, tlsConf *tls.Config, conf *Config) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	l, err := Listen(conn, tlsConf, conf)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return l, nil
}

// Accept blocks until a client completes its handshake, returning the
// resulting Session.
func (l *Listener) Accept() (*Session, error) {
	select {
	case sess := <-l.acceptChan:
		return sess, nil
	case err := <-l.errChan:
		return nil, err
	}
}

// Close stops accepting new connections and closes the underlying
// socket; already-accepted Sessions are unaffected.
func (l *Listener) Close() error { return l.ep.Close() }

func (l *Listener) Addr() net.Addr { return l.ep.conn.LocalAddr() }

// Stats returns a snapshot of this listener's lifetime admission and
// defense counters.
func (l *Listener) Stats() EndpointStats { return l.ep.Stats() }

// handleNewConnection is the endpoint's callback for any datagram whose
// destination connection ID isn't already registered; everything but a
// long-header Initial is dropped here. Grounded on the teacher's
// Server.handlePacket.
func (l *Listener) handleNewConnection(raw []byte, addr net.Addr) {
	hdr, err := wire.ParseHeader(raw, protocol.DefaultConnectionIDLength)
	if err != nil {
		if errors.Is(err, wire.ErrUnsupportedVersion) {
			l.ep.writePacket(wire.ComposeVersionNegotiation(hdr.SrcConnectionID, hdr.DestConnectionID), addr)
		}
		return
	}
	if !hdr.IsLongHeader || hdr.Type != wire.PacketTypeInitial {
		// A non-Initial packet for an unknown connection ID: either very
		// late data for a session this endpoint already forgot, or
		// unsolicited traffic. Neither deserves a reply.
		return
	}
	if protocol.ByteCount(len(raw)) < protocol.MinInitialPacketSize {
		return
	}
	if hdr.Version == protocol.VersionUnknown {
		l.ep.writePacket(wire.ComposeVersionNegotiation(hdr.SrcConnectionID, hdr.DestConnectionID), addr)
		l.ep.stats.onVersionNegotiation()
		return
	}

	origDestConnID := hdr.DestConnectionID
	if l.requiresRetry(addr) {
		if len(hdr.Token) == 0 {
			l.sendRetry(hdr, addr)
			l.ep.stats.onRetry()
			return
		}
		validatedOrigDCID, ok := l.validateRetryToken(hdr.Token, addr, hdr.DestConnectionID)
		if !ok {
			l.sendRetry(hdr, addr)
			l.ep.stats.onRetry()
			return
		}
		origDestConnID = validatedOrigDCID
		l.ep.addrs.MarkValidated(addr.String())
	}

	if l.config.ServerBusy {
		l.ep.stats.onServerBusy()
		l.sendImmediateClose(hdr, addr, "server busy")
		return
	}
	if !l.ep.addrs.AdmitConnection(addr.String()) {
		l.ep.stats.onRejected()
		l.sendImmediateClose(hdr, addr, "connection limit reached")
		return
	}
	if l.config.MaxConnections > 0 && l.ep.cids.sessionCount() >= l.config.MaxConnections {
		l.ep.addrs.ReleaseConnection(addr.String())
		l.ep.stats.onRejected()
		l.sendImmediateClose(hdr, addr, "connection limit reached")
		return
	}

	srcConnID, err := protocol.GenerateConnectionID(protocol.DefaultConnectionIDLength)
	if err != nil {
		l.ep.addrs.ReleaseConnection(addr.String())
		return
	}
	sess := newServerSession(l.ep, addr, hdr.SrcConnectionID, srcConnID, origDestConnID, l.config, l.tlsConf)
	sess.onRetireLocalCID = func(seq uint64) {} // no active CID rotation; see DESIGN.md
	sess.registerPeerResetToken = func(tok protocol.StatelessResetToken) { l.ep.cids.AddPeerResetToken(tok, sess) }
	l.ep.cids.Add(srcConnID, sess)
	l.ep.cids.Add(origDestConnID, sess)

	go l.runSession(sess, addr)
	go l.awaitHandshake(sess)
	sess.runOnLoop(func() { sess.handleDatagram(raw, addr, time.Now()) })
}

// sendImmediateClose replies to an Initial packet this listener refuses
// to admit a session for (server_busy, or a connection cap) with a
// single Initial-protected CONNECTION_CLOSE, the demux step the teacher
// never needed since it had no admission caps of its own to enforce.
func (l *Listener) sendImmediateClose(hdr *wire.Header, addr net.Addr, reason string) {
	raw, err := composeStatelessInitialClose(hdr, qerr.ConnectionRefused, reason)
	if err != nil {
		return
	}
	l.ep.writePacket(raw, addr)
}

// composeStatelessInitialClose builds a single Initial packet carrying a
// CONNECTION_CLOSE frame, addressed back at the client that sent hdr,
// without any Session or established state: the Initial secrets are
// rederivable from hdr.DestConnectionID alone (RFC 9001 §5.2), which is
// all RFC 9000 §10.2.3's immediate-close-before-session-exists requires.
func composeStatelessInitialClose(hdr *wire.Header, code qerr.TransportErrorCode, reason string) ([]byte, error) {
	_, serverSecret := handshake.DeriveInitialSecrets(hdr.DestConnectionID)
	keys, err := handshake.NewInitialKeys(serverSecret)
	if err != nil {
		return nil, err
	}

	frame := &wire.ConnectionCloseFrame{ErrorCode: uint64(code), ReasonPhrase: reason}
	const pn protocol.PacketNumber = 0
	const pnLen = protocol.PacketNumberLen1

	b := &bytes.Buffer{}
	h := &wire.Header{
		IsLongHeader:     true,
		Type:             wire.PacketTypeInitial,
		Version:          hdr.Version,
		DestConnectionID: hdr.SrcConnectionID,
		SrcConnectionID:  hdr.DestConnectionID,
	}
	plaintextLen := protocol.ByteCount(pnLen) + frame.Length()
	wire.WriteHeader(b, h, pnLen, plaintextLen+protocol.ByteCount(keys.Overhead()))
	headerOnlyLen := b.Len()
	b.Write(wire.EncodePacketNumber(pn, pnLen))
	fullHeaderLen := b.Len()
	if err := frame.Write(b); err != nil {
		return nil, err
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
	out[0] ^= mask[0] & 0x0f
	for i := 0; i < int(pnLen); i++ {
		out[headerOnlyLen+i] ^= mask[1+i]
	}
	return out, nil
}

func (l *Listener) runSession(sess *Session, addr net.Addr) {
	sess.run()
	l.ep.cids.RemoveSession([]protocol.ConnectionID{sess.srcConnID, sess.origDestConnID})
	l.ep.addrs.ReleaseConnection(addr.String())
}

// awaitHandshake hands a server session to Accept once its handshake
// completes, or drops it silently if the session closed before getting
// there (the client never completed the handshake).
func (l *Listener) awaitHandshake(sess *Session) {
	<-sess.handshakeDone()
	if sess.handshakeErr() != nil {
		l.ep.stats.onDropped()
		return
	}
	l.ep.stats.onAccepted()
	if addr := sess.remoteAddr; addr != nil {
		l.ep.addrs.MarkValidated(addr.String())
	}
	select {
	case l.acceptChan <- sess:
	case <-sess.ctx.Done():
	}
}

// requiresRetry decides whether a client at addr must complete an
// address-validation round trip before a session is created for it.
func (l *Listener) requiresRetry(addr net.Addr) bool {
	if l.config.RequireAddressValidation {
		return true
	}
	return !l.ep.addrs.IsValidated(addr.String())
}

func (l *Listener) sendRetry(hdr *wire.Header, addr net.Addr) {
	newDestConnID, err := protocol.GenerateConnectionID(protocol.DefaultConnectionIDLength)
	if err != nil {
		return
	}
	token := l.newRetryToken(addr, hdr.DestConnectionID)
	b := &bytes.Buffer{}
	wire.WriteHeader(b, &wire.Header{
		IsLongHeader:     true,
		Type:             wire.PacketTypeRetry,
		Version:          hdr.Version,
		DestConnectionID: hdr.SrcConnectionID,
		SrcConnectionID:  newDestConnID,
	}, 0, 0)
	b.Write(token)
	b.Write(retryIntegrityTag(b.Bytes(), hdr.DestConnectionID))
	l.ep.writePacket(b.Bytes(), addr)
}

// retryTokenLifetime bounds how long a Retry or NEW_TOKEN token stays
// acceptable after issuance.
func (l *Listener) retryTokenLifetime() time.Duration {
	if l.config.RetryTokenExpiration > 0 {
		return l.config.RetryTokenExpiration
	}
	return protocol.DefaultRetryTokenExpiration
}

// newRetryToken produces an HMAC-authenticated token binding the
// client's address and its original destination connection ID, the
// default AcceptToken-free path (RFC 9000 §8.1.2).
func (l *Listener) newRetryToken(addr net.Addr, origDestConnID protocol.ConnectionID) []byte {
	expiry := time.Now().Add(l.retryTokenLifetime()).UnixNano()
	payload := &bytes.Buffer{}
	payload.WriteString(addr.String())
	payload.WriteByte(0)
	payload.WriteByte(byte(origDestConnID.Len()))
	payload.Write(origDestConnID.Bytes())
	binary.Write(payload, binary.BigEndian, expiry)

	mac := hmac.New(sha256.New, l.retryKey[:])
	mac.Write(payload.Bytes())
	sig := mac.Sum(nil)

	out := &bytes.Buffer{}
	out.Write(sig)
	out.Write(payload.Bytes())
	return out.Bytes()
}

// validateRetryToken checks a token presented on the post-Retry Initial,
// returning the original destination connection ID it was issued for.
func (l *Listener) validateRetryToken(token []byte, addr net.Addr, currentDestConnID protocol.ConnectionID) (protocol.ConnectionID, bool) {
	if l.config.AcceptToken != nil {
		if !l.config.AcceptToken(addr, token) {
			return nil, false
		}
		return currentDestConnID, true
	}
	const sigLen = sha256.Size
	if len(token) < sigLen+1 {
		return nil, false
	}
	sig, payload := token[:sigLen], token[sigLen:]
	mac := hmac.New(sha256.New, l.retryKey[:])
	mac.Write(payload)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, false
	}

	r := bytes.NewReader(payload)
	wantAddr := make([]byte, 0, 32)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, false
		}
		if b == 0 {
			break
		}
		wantAddr = append(wantAddr, b)
	}
	if string(wantAddr) != addr.String() {
		return nil, false
	}
	cidLen, err := r.ReadByte()
	if err != nil {
		return nil, false
	}
	cid, err := protocol.ReadConnectionID(r, int(cidLen))
	if err != nil {
		return nil, false
	}
	var expiry int64
	if err := binary.Read(r, binary.BigEndian, &expiry); err != nil {
		return nil, false
	}
	if time.Now().UnixNano() > expiry {
		return nil, false
	}
	return cid, true
}

// retryIntegrityTag computes the fixed-key AEAD tag that authenticates a
// Retry packet as originating from a server that saw the original
// Initial, per RFC 9001 §5.8. The key and nonce are constants defined by
// the RFC, not secrets, since a Retry's only job is detecting an
// off-path attacker forging the packet, not providing confidentiality.
func retryIntegrityTag(retryPacketWithoutTag []byte, origDestConnID protocol.ConnectionID) []byte {
	aead, err := newRetryIntegrityAEAD()
	if err != nil {
		return make([]byte, 16)
	}
	pseudo := &bytes.Buffer{}
	pseudo.WriteByte(byte(origDestConnID.Len()))
	pseudo.Write(origDestConnID.Bytes())
	pseudo.Write(retryPacketWithoutTag)
	tag := aead.Seal(nil, retryIntegrityNonce[:], nil, pseudo.Bytes())
	return tag
}
