package quic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zys-contribs/quic/internal/protocol"
)

func TestSessionStatsAccumulates(t *testing.T) {
	s := newSessionStats()
	s.onPacketSent(100)
	s.onPacketSent(50)
	s.onPacketReceived(200)
	s.onPacketLost()
	s.onRetransmit()
	s.onStreamOpened()
	s.onStreamOpened()
	s.onStreamAccepted()
	s.onKeyUpdate()
	s.onHandshakeComplete(42 * time.Millisecond)
	s.setRTT(10*time.Millisecond, 5*time.Millisecond)
	s.setCongestion(1000, 4000)

	snap := s.snapshot()
	require.Equal(t, uint64(2), snap.PacketsSent)
	require.Equal(t, uint64(150), snap.BytesSent)
	require.Equal(t, uint64(1), snap.PacketsReceived)
	require.Equal(t, uint64(200), snap.BytesReceived)
	require.Equal(t, uint64(1), snap.PacketsLost)
	require.Equal(t, uint64(1), snap.RetransmittedPackets)
	require.Equal(t, uint64(2), snap.StreamsOpened)
	require.Equal(t, uint64(1), snap.StreamsAccepted)
	require.Equal(t, uint64(1), snap.KeyUpdateCount)
	require.Equal(t, 42*time.Millisecond, snap.HandshakeDuration)
	require.Equal(t, 10*time.Millisecond, snap.SmoothedRTT)
	require.Equal(t, 5*time.Millisecond, snap.MinRTT)
	require.Equal(t, protocol.ByteCount(1000), snap.BytesInFlight)
	require.Equal(t, protocol.ByteCount(4000), snap.CongestionWindow)
}

func TestEndpointStatsAccumulates(t *testing.T) {
	e := newEndpointStats()
	e.onAccepted()
	e.onAccepted()
	e.onRejected()
	e.onDropped()
	e.onRetry()
	e.onStatelessReset()
	e.onVersionNegotiation()

	snap := e.snapshot()
	require.Equal(t, uint64(2), snap.SessionsAccepted)
	require.Equal(t, uint64(1), snap.SessionsRejected)
	require.Equal(t, uint64(1), snap.SessionsDropped)
	require.Equal(t, uint64(1), snap.RetriesIssued)
	require.Equal(t, uint64(1), snap.StatelessResetsSent)
	require.Equal(t, uint64(1), snap.VersionNegotiationsSent)
}

func TestEndpointStatsZeroValue(t *testing.T) {
	e := newEndpointStats()
	require.Equal(t, EndpointStats{}, e.snapshot())
}
