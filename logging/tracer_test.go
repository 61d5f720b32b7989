package logging

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zys-contribs/quic/internal/protocol"
)

func TestCombineNoTracersReturnsEmpty(t *testing.T) {
	out := Combine()
	require.NotNil(t, out)
	require.Nil(t, out.SentPacket)
}

func TestCombineNilTracersIgnored(t *testing.T) {
	out := Combine(nil, nil)
	require.NotNil(t, out)
	require.Nil(t, out.SentPacket)
}

func TestCombineSingleTracerReturnedDirectly(t *testing.T) {
	tr := &ConnectionTracer{}
	out := Combine(tr)
	require.Same(t, tr, out)
}

func TestCombineFansOutToEveryTracer(t *testing.T) {
	var firstCalled, secondCalled bool
	first := &ConnectionTracer{
		SentPacket: func(protocol.PacketNumber, protocol.EncryptionLevel, protocol.ByteCount, bool) {
			firstCalled = true
		},
	}
	second := &ConnectionTracer{
		SentPacket: func(protocol.PacketNumber, protocol.EncryptionLevel, protocol.ByteCount, bool) {
			secondCalled = true
		},
	}
	third := &ConnectionTracer{} // no SentPacket set, must not panic

	out := Combine(first, second, third)
	require.NotSame(t, first, out)
	out.SentPacket(1, protocol.EncryptionInitial, 100, true)

	require.True(t, firstCalled)
	require.True(t, secondCalled)
}

func TestCombineClosedConnectionFansOut(t *testing.T) {
	var calls int
	mk := func() *ConnectionTracer {
		return &ConnectionTracer{
			ClosedConnection: func(CloseReason) { calls++ },
		}
	}
	out := Combine(mk(), mk())
	out.ClosedConnection(CloseReason{})
	require.Equal(t, 2, calls)
}
