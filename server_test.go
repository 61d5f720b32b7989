package quic

import (
	"bytes"
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zys-contribs/quic/internal/handshake"
	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/wire"
)

// buildClientInitial constructs a real, individually-encrypted client
// Initial packet (RFC 9001 §5.2) addressed at destConnID, padded past the
// minimum datagram size, so tests can drive Listener.handleNewConnection
// without a full client Session.
func buildClientInitial(t *testing.T, destConnID, srcConnID protocol.ConnectionID) []byte {
	t.Helper()
	clientSecret, _ := handshake.DeriveInitialSecrets(destConnID)
	keys, err := handshake.NewInitialKeys(clientSecret)
	require.NoError(t, err)

	const pn protocol.PacketNumber = 0
	const pnLen = protocol.PacketNumberLen1

	frames := []wire.Frame{&wire.CryptoFrame{Offset: 0, Data: []byte("client hello placeholder")}}
	var payloadLen protocol.ByteCount
	for _, f := range frames {
		payloadLen += f.Length()
	}
	for payloadLen < protocol.MinInitialPacketSize {
		frames = append(frames, &wire.PaddingFrame{})
		payloadLen++
	}

	b := &bytes.Buffer{}
	h := &wire.Header{
		IsLongHeader:     true,
		Type:             wire.PacketTypeInitial,
		Version:          protocol.Version1,
		DestConnectionID: destConnID,
		SrcConnectionID:  srcConnID,
	}
	var plaintextLen protocol.ByteCount = protocol.ByteCount(pnLen)
	for _, f := range frames {
		plaintextLen += f.Length()
	}
	wire.WriteHeader(b, h, pnLen, plaintextLen+protocol.ByteCount(keys.Overhead()))
	headerOnlyLen := b.Len()
	b.Write(wire.EncodePacketNumber(pn, pnLen))
	fullHeaderLen := b.Len()
	for _, f := range frames {
		require.NoError(t, f.Write(b))
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
	require.NoError(t, err)
	out[0] ^= mask[0] & 0x0f
	for i := 0; i < int(pnLen); i++ {
		out[headerOnlyLen+i] ^= mask[1+i]
	}
	return out
}

func newTestListener(t *testing.T, conf *Config) *Listener {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	l, err := Listen(conn, &tls.Config{}, conf)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestListenerRetryTokenRoundTrip(t *testing.T) {
	l := newTestListener(t, nil)
	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 4242}
	origDCID := protocol.ConnectionID{9, 8, 7, 6}

	token := l.newRetryToken(addr, origDCID)
	gotDCID, ok := l.validateRetryToken(token, addr, protocol.ConnectionID{1})
	require.True(t, ok)
	require.Equal(t, origDCID, gotDCID)
}

func TestListenerRetryTokenRejectsWrongAddress(t *testing.T) {
	l := newTestListener(t, nil)
	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 4242}
	otherAddr := &net.UDPAddr{IP: net.ParseIP("203.0.113.6"), Port: 4242}
	origDCID := protocol.ConnectionID{1, 2, 3}

	token := l.newRetryToken(addr, origDCID)
	_, ok := l.validateRetryToken(token, otherAddr, protocol.ConnectionID{1})
	require.False(t, ok)
}

func TestListenerRetryTokenRejectsTamperedToken(t *testing.T) {
	l := newTestListener(t, nil)
	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 4242}
	token := l.newRetryToken(addr, protocol.ConnectionID{1, 2, 3})
	token[0] ^= 0xFF

	_, ok := l.validateRetryToken(token, addr, protocol.ConnectionID{1})
	require.False(t, ok)
}

func TestListenerRetryTokenExpires(t *testing.T) {
	l := newTestListener(t, &Config{RetryTokenExpiration: time.Nanosecond})
	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 4242}
	token := l.newRetryToken(addr, protocol.ConnectionID{1, 2, 3})

	time.Sleep(5 * time.Millisecond)
	_, ok := l.validateRetryToken(token, addr, protocol.ConnectionID{1})
	require.False(t, ok)
}

func TestListenerValidateRetryTokenDelegatesToAcceptToken(t *testing.T) {
	var seenToken []byte
	l := newTestListener(t, &Config{
		AcceptToken: func(_ interface{ String() string }, token []byte) bool {
			seenToken = token
			return true
		},
	})
	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 4242}
	origDCID := protocol.ConnectionID{4, 4, 4}

	got, ok := l.validateRetryToken([]byte("custom-token"), addr, origDCID)
	require.True(t, ok)
	require.Equal(t, origDCID, got)
	require.Equal(t, []byte("custom-token"), seenToken)
}

func TestListenerRequiresRetryHonorsForceFlag(t *testing.T) {
	l := newTestListener(t, &Config{RequireAddressValidation: true})
	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 4242}
	require.True(t, l.requiresRetry(addr))
}

func TestListenerRequiresRetryFalseOnceValidated(t *testing.T) {
	l := newTestListener(t, nil)
	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 4242}
	require.True(t, l.requiresRetry(addr))

	l.ep.addrs.MarkValidated(addr.String())
	require.False(t, l.requiresRetry(addr))
}

func TestRetryIntegrityTagIsDeterministic(t *testing.T) {
	origDCID := protocol.ConnectionID{1, 2, 3, 4}
	pkt := []byte("fake retry packet bytes")
	tag1 := retryIntegrityTag(pkt, origDCID)
	tag2 := retryIntegrityTag(pkt, origDCID)
	require.Equal(t, tag1, tag2)
	require.Len(t, tag1, 16)
}

func TestListenerStatsStartsZero(t *testing.T) {
	l := newTestListener(t, nil)
	require.Equal(t, EndpointStats{}, l.Stats())
}

// TestListenerRejectsOverCapWithConnectionClose covers the demux step a
// server must take when a new Initial packet would exceed MaxConnections:
// an immediate CONNECTION_CLOSE, not a silent drop.
func TestListenerRejectsOverCapWithConnectionClose(t *testing.T) {
	l := newTestListener(t, &Config{MaxConnections: 1})
	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.7"), Port: 4433}
	l.ep.addrs.MarkValidated(addr.String())

	existingCID := protocol.ConnectionID{0xaa, 0xbb, 0xcc, 0xdd}
	l.ep.cids.Add(existingCID, &Session{})

	destConnID := protocol.ConnectionID{1, 2, 3, 4, 5, 6, 7, 8}
	srcConnID := protocol.ConnectionID{9, 10, 11, 12}
	raw := buildClientInitial(t, destConnID, srcConnID)

	l.handleNewConnection(raw, addr)

	require.EqualValues(t, 1, l.Stats().SessionsRejected)
	require.Equal(t, 1, l.ep.cids.sessionCount(), "a rejected connection must not register a session")

	select {
	case sess := <-l.acceptChan:
		t.Fatalf("over-cap connection must not be accepted, got %v", sess)
	case <-time.After(20 * time.Millisecond):
	}
}

// TestListenerServerBusyRejectsWithConnectionClose covers the
// server_busy kill-switch: every new connection attempt is refused,
// regardless of MaxConnections, and counted separately.
func TestListenerServerBusyRejectsWithConnectionClose(t *testing.T) {
	l := newTestListener(t, &Config{ServerBusy: true})
	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.8"), Port: 4433}
	l.ep.addrs.MarkValidated(addr.String())

	destConnID := protocol.ConnectionID{1, 1, 1, 1}
	srcConnID := protocol.ConnectionID{2, 2, 2, 2}
	raw := buildClientInitial(t, destConnID, srcConnID)

	l.handleNewConnection(raw, addr)

	require.EqualValues(t, 1, l.Stats().ServerBusyRejections)
	require.Equal(t, 0, l.ep.cids.sessionCount())
}

// TestComposeStatelessInitialCloseProducesDecryptableClose covers the
// stateless immediate-close packet's own correctness: a client deriving
// Initial secrets from the same destination connection ID it sent must
// be able to decrypt it and recover the CONNECTION_CLOSE frame.
func TestComposeStatelessInitialCloseProducesDecryptableClose(t *testing.T) {
	destConnID := protocol.ConnectionID{7, 7, 7, 7}
	srcConnID := protocol.ConnectionID{8, 8, 8, 8}
	hdr := &wire.Header{
		IsLongHeader:     true,
		Type:             wire.PacketTypeInitial,
		Version:          protocol.Version1,
		DestConnectionID: destConnID,
		SrcConnectionID:  srcConnID,
	}

	raw, err := composeStatelessInitialClose(hdr, 0x2, "server busy")
	require.NoError(t, err)

	parsed, err := wire.ParseHeader(raw, protocol.DefaultConnectionIDLength)
	require.NoError(t, err)
	require.True(t, parsed.IsLongHeader)
	require.Equal(t, srcConnID, parsed.DestConnectionID)

	_, serverSecret := handshake.DeriveInitialSecrets(destConnID)
	keys, err := handshake.NewInitialKeys(serverSecret)
	require.NoError(t, err)

	pnOffset := int(parsed.ParsedLen)
	sampleOffset := pnOffset + 4
	mask, err := keys.HeaderProtectionMask(raw[sampleOffset : sampleOffset+16])
	require.NoError(t, err)
	raw[0] ^= mask[0] & 0x0f
	raw[pnOffset] ^= mask[1]
	ad := raw[:pnOffset+1]
	plaintext, err := keys.Open(nil, raw[pnOffset+1:], 0, ad)
	require.NoError(t, err)

	frame, _, err := wire.NewFrameParser().ParseNext(plaintext, protocol.EncryptionInitial)
	require.NoError(t, err)
	closeFrame, ok := frame.(*wire.ConnectionCloseFrame)
	require.True(t, ok)
	require.EqualValues(t, 0x2, closeFrame.ErrorCode)
	require.Equal(t, "server busy", closeFrame.ReasonPhrase)
}
