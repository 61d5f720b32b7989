package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/logging"
)

func TestNewConnectionTracerRecordsStartedConnection(t *testing.T) {
	tr := NewConnectionTracer(protocol.PerspectiveClient)
	before := testutil.ToFloat64(connectionsStarted.WithLabelValues("client"))

	tr.StartedConnection(nil, nil, protocol.ConnectionID{1}, protocol.ConnectionID{2})

	after := testutil.ToFloat64(connectionsStarted.WithLabelValues("client"))
	require.Equal(t, before+1, after)
}

func TestNewConnectionTracerRecordsClosedConnectionErrored(t *testing.T) {
	tr := NewConnectionTracer(protocol.PerspectiveServer)
	before := testutil.ToFloat64(connectionsClosed.WithLabelValues("server", "true"))

	tr.ClosedConnection(logging.CloseReason{Err: errors.New("boom")})

	after := testutil.ToFloat64(connectionsClosed.WithLabelValues("server", "true"))
	require.Equal(t, before+1, after)
}

func TestNewConnectionTracerRecordsSentAndReceivedPackets(t *testing.T) {
	tr := NewConnectionTracer(protocol.PerspectiveClient)
	beforeSent := testutil.ToFloat64(packetsSent.WithLabelValues(protocol.EncryptionInitial.String()))
	beforeBytes := testutil.ToFloat64(bytesSent.WithLabelValues(protocol.EncryptionInitial.String()))

	tr.SentPacket(1, protocol.EncryptionInitial, 1200, true)

	require.Equal(t, beforeSent+1, testutil.ToFloat64(packetsSent.WithLabelValues(protocol.EncryptionInitial.String())))
	require.Equal(t, beforeBytes+1200, testutil.ToFloat64(bytesSent.WithLabelValues(protocol.EncryptionInitial.String())))

	beforeRecv := testutil.ToFloat64(packetsReceived.WithLabelValues(protocol.Encryption1RTT.String()))
	tr.ReceivedPacket(2, protocol.Encryption1RTT, 500)
	require.Equal(t, beforeRecv+1, testutil.ToFloat64(packetsReceived.WithLabelValues(protocol.Encryption1RTT.String())))
}

func TestNewConnectionTracerRecordsDroppedAndLostPackets(t *testing.T) {
	tr := NewConnectionTracer(protocol.PerspectiveServer)
	beforeDropped := testutil.ToFloat64(packetsDropped.WithLabelValues(logging.PacketDropDuplicate.String()))
	tr.DroppedPacket(protocol.EncryptionHandshake, 100, logging.PacketDropDuplicate)
	require.Equal(t, beforeDropped+1, testutil.ToFloat64(packetsDropped.WithLabelValues(logging.PacketDropDuplicate.String())))

	beforeLost := testutil.ToFloat64(packetsLost.WithLabelValues(logging.PacketLossTimeThreshold.String()))
	tr.LostPacket(protocol.Encryption1RTT, 3, logging.PacketLossTimeThreshold)
	require.Equal(t, beforeLost+1, testutil.ToFloat64(packetsLost.WithLabelValues(logging.PacketLossTimeThreshold.String())))
}

func TestTracerAdapterIgnoresConnectionID(t *testing.T) {
	tr := Tracer(protocol.PerspectiveClient, protocol.ConnectionID{9, 9})
	require.NotNil(t, tr)
	require.NotNil(t, tr.StartedConnection)
}

func TestDefaultCollectorsNonEmpty(t *testing.T) {
	require.NotEmpty(t, DefaultCollectors)
}
