package quic

import (
	"crypto/rand"
	"net"
	"sync"
	"time"

	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/utils"
)

// minStatelessResetSize is the smallest packet this endpoint will treat
// as a candidate stateless reset, large enough that a genuine short
// header packet could never be mistaken for one (RFC 9000 §10.3: at
// least 21 bytes to stay indistinguishable from a 1-RTT packet with a
// short connection ID).
const minStatelessResetSize = 21

// endpoint owns one UDP socket and demultiplexes every datagram that
// arrives on it to the Session whose connection ID it carries, shared by
// both Listener (server side) and the client side of Dial. Grounded on
// the teacher's packetHandlerMap-owning Server/Client pair, collapsed
// into one type here since a client's "accept new connection" path is
// just a server path with exactly one registered session.
type endpoint struct {
	conn   net.PacketConn
	config *Config
	logger utils.Logger

	cids  *cidTable
	addrs *addressBook

	perspective protocol.Perspective

	// onNewConnection is invoked for every datagram whose destination
	// connection ID isn't registered and that isn't a recognized peer
	// stateless reset; while it is set, dispatch never reaches
	// maybeSendStatelessReset. nil on the client side, where only the
	// dialed session is ever expected.
	onNewConnection func(raw []byte, addr net.Addr)

	stats *endpointStats

	mu       sync.Mutex
	closed   bool
	closeErr error
}

func newEndpoint(conn net.PacketConn, perspective protocol.Perspective, conf *Config) *endpoint {
	e := &endpoint{
		conn:        conn,
		config:      conf,
		logger:      conf.Logger,
		cids:        newCIDTable(),
		addrs:       newAddressBook(conf.MaxConnectionsPerHost, conf.MaxStatelessResetsPerHost, 4096),
		perspective: perspective,
		stats:       newEndpointStats(),
	}
	if !conf.DisablePathMTUDiscovery {
		if err := setDontFragment(conn); err != nil {
			e.logger.Debugf("setting don't-fragment on the socket: %s", err)
		}
	}
	if conf.ReceiveBufferSize > 0 {
		if err := forceSetReceiveBuffer(conn, conf.ReceiveBufferSize); err != nil {
			e.logger.Debugf("raising the socket's receive buffer: %s", err)
		}
	}
	return e
}

// Stats returns a snapshot of this endpoint's lifetime admission and
// defense counters.
func (e *endpoint) Stats() EndpointStats { return e.stats.snapshot() }

// writePacket implements packetDest for every Session this endpoint owns.
func (e *endpoint) writePacket(b []byte, addr net.Addr) error {
	_, err := e.conn.WriteTo(b, addr)
	return err
}

// run reads datagrams off the socket until it's closed, dispatching each
// to the session its destination connection ID names, grounded on the
// teacher's Server.ListenAndServe/Client.Listen read loops collapsed
// into one shape.
func (e *endpoint) run() error {
	buf := make([]byte, maxPacketBufferSize)
	for {
		n, addr, err := e.conn.ReadFrom(buf)
		if err != nil {
			e.mu.Lock()
			closed := e.closed
			e.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		e.dispatch(data, addr, time.Now())
	}
}

func (e *endpoint) dispatch(data []byte, addr net.Addr, rcvTime time.Time) {
	if len(data) == 0 {
		return
	}
	destCID, ok := destConnIDOf(data)
	if !ok {
		return
	}
	if sess, ok := e.cids.Lookup(destCID); ok {
		sess.runOnLoop(func() { sess.handleDatagram(data, addr, rcvTime) })
		return
	}
	if sess, ok := e.lookupPeerStatelessReset(data); ok {
		sess.runOnLoop(sess.handlePeerStatelessReset)
		return
	}
	if e.onNewConnection != nil {
		e.onNewConnection(data, addr)
		return
	}
	e.maybeSendStatelessReset(data, addr)
}

// lookupPeerStatelessReset checks whether an unroutable short-header
// packet's trailing 16 bytes match a reset token some peer advertised
// for one of its own connection IDs (RFC 9000 §10.3.1).
func (e *endpoint) lookupPeerStatelessReset(data []byte) (*Session, bool) {
	if data[0]&0x80 != 0 {
		return nil, false
	}
	if len(data) < minStatelessResetSize {
		return nil, false
	}
	var tok protocol.StatelessResetToken
	copy(tok[:], data[len(data)-16:])
	return e.cids.LookupByPeerResetToken(tok)
}

// destConnIDOf extracts the destination connection ID from a packet
// without needing to know which encryption level it's at: long headers
// carry an explicit length prefix, short headers use the fixed length
// this endpoint always generates for its own connection IDs.
func destConnIDOf(data []byte) (protocol.ConnectionID, bool) {
	if len(data) < 1 {
		return nil, false
	}
	if data[0]&0x80 == 0 {
		if len(data) < 1+protocol.DefaultConnectionIDLength {
			return nil, false
		}
		return protocol.ConnectionID(data[1 : 1+protocol.DefaultConnectionIDLength]), true
	}
	if len(data) < 6 {
		return nil, false
	}
	dcidLen := int(data[5])
	if len(data) < 6+dcidLen {
		return nil, false
	}
	return protocol.ConnectionID(data[6 : 6+dcidLen]), true
}

// maybeSendStatelessReset replies to an unroutable short-header packet
// with a STATELESS_RESET (RFC 9000 §10.3), but only when the packet's
// trailing 16 bytes equal a reset token this endpoint issued; the token is
// not derived from the packet's destination connection ID, so a packet
// for a forgotten connection that does not end in such a token gets no
// reply. Long-header packets for an unknown connection ID are dropped
// rather than reset, since absent a registered session there is no
// stateless reset token to prove ownership with anyway.
func (e *endpoint) maybeSendStatelessReset(data []byte, addr net.Addr) {
	if e.config.DisableStatelessReset {
		return
	}
	if data[0]&0x80 != 0 {
		return
	}
	if len(data) < minStatelessResetSize {
		return
	}
	var tok protocol.StatelessResetToken
	copy(tok[:], data[len(data)-16:])
	if _, ok := e.cids.LookupByResetToken(tok); !ok {
		return
	}
	if !e.addrs.AllowStatelessReset(addr.String()) {
		return
	}
	e.writePacket(buildStatelessReset(tok), addr)
	e.stats.onStatelessReset()
}

// buildStatelessReset produces a packet indistinguishable in size and
// form from a short header, ending in the genuine token, per RFC 9000
// §10.3's "looks like a 1-RTT packet" requirement.
func buildStatelessReset(tok protocol.StatelessResetToken) []byte {
	const padded = 32
	out := make([]byte, padded)
	rand.Read(out[:padded-16])
	out[0] = (out[0] & 0x3f) | 0x40
	copy(out[padded-16:], tok[:])
	return out
}

func (e *endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	return e.conn.Close()
}
