package quic

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zys-contribs/quic/internal/protocol"
)

func newTestEndpoint(t *testing.T, conf *Config) *endpoint {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	if conf == nil {
		conf = populateConfig(nil)
	}
	return newEndpoint(conn, protocol.PerspectiveServer, conf)
}

func TestDestConnIDOfLongHeader(t *testing.T) {
	cid := protocol.ConnectionID{1, 2, 3, 4}
	data := make([]byte, 6+len(cid))
	data[0] = 0x80 // long header bit set
	data[5] = byte(len(cid))
	copy(data[6:], cid)

	got, ok := destConnIDOf(data)
	require.True(t, ok)
	require.Equal(t, cid, got)
}

func TestDestConnIDOfShortHeader(t *testing.T) {
	cid := make([]byte, protocol.DefaultConnectionIDLength)
	for i := range cid {
		cid[i] = byte(i + 1)
	}
	data := append([]byte{0x40}, cid...)

	got, ok := destConnIDOf(data)
	require.True(t, ok)
	require.Equal(t, protocol.ConnectionID(cid), got)
}

func TestDestConnIDOfTooShortReturnsFalse(t *testing.T) {
	_, ok := destConnIDOf(nil)
	require.False(t, ok)
	_, ok = destConnIDOf([]byte{0x80, 0x01})
	require.False(t, ok)
}

func TestBuildStatelessResetEndsInToken(t *testing.T) {
	var tok protocol.StatelessResetToken
	copy(tok[:], []byte("0123456789ABCDEF"))

	pkt := buildStatelessReset(tok)
	require.Len(t, pkt, 32)
	require.Equal(t, tok[:], pkt[len(pkt)-16:])
	require.Equal(t, byte(0x40), pkt[0]&0xc0, "must look like a short header, not long")
}

func TestMaybeSendStatelessResetSkipsLongHeaderPackets(t *testing.T) {
	e := newTestEndpoint(t, nil)
	longHeaderPkt := make([]byte, minStatelessResetSize)
	longHeaderPkt[0] = 0x80

	e.maybeSendStatelessReset(longHeaderPkt, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1})
	require.Equal(t, uint64(0), e.Stats().StatelessResetsSent)
}

func TestMaybeSendStatelessResetSkipsUnknownToken(t *testing.T) {
	e := newTestEndpoint(t, nil)
	pkt := make([]byte, minStatelessResetSize)

	e.maybeSendStatelessReset(pkt, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1})
	require.Equal(t, uint64(0), e.Stats().StatelessResetsSent)
}

func TestMaybeSendStatelessResetSkipsWhenDisabled(t *testing.T) {
	conf := populateConfig(&Config{DisableStatelessReset: true})
	e := newTestEndpoint(t, conf)

	var tok protocol.StatelessResetToken
	e.cids.AddResetToken(tok, &Session{})

	pkt := make([]byte, minStatelessResetSize)
	copy(pkt[len(pkt)-16:], tok[:])
	e.maybeSendStatelessReset(pkt, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1})
	require.Equal(t, uint64(0), e.Stats().StatelessResetsSent)
}

func TestMaybeSendStatelessResetSendsForKnownToken(t *testing.T) {
	e := newTestEndpoint(t, nil)
	var tok protocol.StatelessResetToken
	copy(tok[:], []byte("sixteen-byte-tok"))
	e.cids.AddResetToken(tok, &Session{})

	pkt := make([]byte, minStatelessResetSize)
	copy(pkt[len(pkt)-16:], tok[:])

	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}
	e.maybeSendStatelessReset(pkt, addr)
	require.Equal(t, uint64(1), e.Stats().StatelessResetsSent)
}

func TestEndpointCloseIsIdempotent(t *testing.T) {
	e := newTestEndpoint(t, nil)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
}
