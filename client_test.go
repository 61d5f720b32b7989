package quic

import (
	"context"
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/wire"
)

// fakeTokenStore is a minimal in-memory TokenStore, standing in for a
// caller's persistent cache across dials to the same server.
type fakeTokenStore struct {
	tokens map[string][]byte
}

func (f *fakeTokenStore) Put(key string, data []byte) {
	if f.tokens == nil {
		f.tokens = make(map[string][]byte)
	}
	f.tokens[key] = data
}

func (f *fakeTokenStore) Get(key string) []byte { return f.tokens[key] }

func TestDialRequiresTLSConfig(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	_, err = Dial(context.Background(), conn, conn.LocalAddr(), nil, nil)
	require.Error(t, err)
}

// TestDialContextCancelledBeforeHandshake exercises Dial's own
// ctx.Done() branch: dialing a silent address with an already-expired
// context must return ctx.Err() instead of hanging until some other
// timeout, and must not leak the endpoint's read loop.
func TestDialContextCancelledBeforeHandshake(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	blackhole, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer blackhole.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = Dial(ctx, conn, blackhole.LocalAddr(), &tls.Config{NextProtos: []string{"test"}}, nil)
	require.ErrorIs(t, err, context.Canceled)
}

// TestClientSessionHandshakeDoneUnblocksOnSuccess and
// TestClientSessionHandshakeDoneUnblocksOnFailure cover the contract
// Dial relies on: handshakeDone() closes exactly once handshake
// resolution is known, with handshakeErr() reporting which way it went.
// Built on the same bare-Session harness as session_test.go, since
// exercising this through a real handshake would need two live
// crypto/tls QUIC connections talking to each other.
func TestClientSessionHandshakeDoneUnblocksOnSuccess(t *testing.T) {
	s, _, _ := newTestSession(t, protocol.PerspectiveClient)
	s.setState(stateHandshaking)

	s.onHandshakeComplete()

	select {
	case <-s.handshakeDone():
	case <-time.After(time.Second):
		t.Fatal("handshakeDone() did not unblock after onHandshakeComplete")
	}
	require.NoError(t, s.handshakeErr())
}

// TestDialPresentsStoredToken covers the TokenStore.Get side of session
// resumption: a client dialing a server it holds a NEW_TOKEN value for
// must carry that token on its first Initial packet, skipping the
// Retry round trip the server would otherwise require.
func TestDialPresentsStoredToken(t *testing.T) {
	store := &fakeTokenStore{}
	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 4433}
	store.Put(addr.String(), []byte("stored-token"))

	conf := populateConfig(&Config{TokenStore: store})
	dest := &fakePacketDest{}
	destConnID := protocol.ConnectionID{1, 2, 3, 4}
	srcConnID := protocol.ConnectionID{5, 6, 7, 8}

	s := newClientSession(dest, addr, destConnID, srcConnID, conf, &tls.Config{NextProtos: []string{"test"}})
	require.Equal(t, []byte("stored-token"), s.token)

	raw, err := s.encodePacket(protocol.EncryptionInitial, 0, protocol.PacketNumberLen1,
		[]wire.Frame{&wire.PingFrame{}}, s.keys[protocol.EncryptionInitial].write, protocol.KeyPhaseZero)
	require.NoError(t, err)

	hdr, err := wire.ParseHeader(raw, protocol.DefaultConnectionIDLength)
	require.NoError(t, err)
	require.Equal(t, []byte("stored-token"), hdr.Token)
}

func TestClientSessionHandshakeDoneUnblocksOnFailure(t *testing.T) {
	s, _, _ := newTestSession(t, protocol.PerspectiveClient)
	s.setState(stateHandshaking)

	s.closeLocal(HandshakeTimeoutError{})
	drainOneClosure(t, s)

	select {
	case <-s.handshakeDone():
	case <-time.After(time.Second):
		t.Fatal("handshakeDone() did not unblock after closeLocal")
	}
	require.ErrorIs(t, s.handshakeErr(), HandshakeTimeoutError{})
}
