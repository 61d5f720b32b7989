package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"net"

	"github.com/zys-contribs/quic/internal/protocol"
)

// Dial opens a QUIC connection to addr over conn, blocking until the
// handshake completes or ctx is done. Grounded on the teacher's
// pre-fork Client.Listen/NewClient pair, collapsed into one call that
// returns only once the session is usable rather than handing back a
// Client object whose session might still be mid-handshake.
func Dial(ctx context.Context, conn net.PacketConn, addr net.Addr, tlsConf *tls.Config, conf *Config) (*Session, error) {
	if tlsConf == nil {
		return nil, errors.New("quic: Dial requires a tls.Config")
	}
	conf = populateConfig(conf)

	destConnID, err := protocol.GenerateConnectionIDForInitial()
	if err != nil {
		return nil, err
	}
	srcConnID, err := protocol.GenerateConnectionID(protocol.DefaultConnectionIDLength)
	if err != nil {
		return nil, err
	}

	ep := newEndpoint(conn, protocol.PerspectiveClient, conf)
	sess := newClientSession(ep, addr, destConnID, srcConnID, conf, tlsConf)
	sess.registerPeerResetToken = func(tok protocol.StatelessResetToken) { ep.cids.AddPeerResetToken(tok, sess) }
	ep.cids.Add(srcConnID, sess)

	go ep.run()
	go func() {
		sess.run()
		ep.Close()
	}()

	select {
	case <-sess.handshakeDone():
		if err := sess.handshakeErr(); err != nil {
			ep.Close()
			return nil, err
		}
		return sess, nil
	case <-ctx.Done():
		sess.closeLocal(ctx.Err())
		ep.Close()
		return nil, ctx.Err()
	}
}

// DialAddr is a convenience wrapper that opens its own ephemeral socket.
func DialAddr(ctx context.Context, addr string, tlsConf *tls.Config, conf *Config) (*Session, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, err
	}
	sess, err := Dial(ctx, conn, udpAddr, tlsConf, conf)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return sess, nil
}
