package quic

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zys-contribs/quic/internal/protocol"
)

func TestSentinelErrorMessages(t *testing.T) {
	require.Equal(t, "quic: timeout: no recent network activity", IdleTimeoutError{}.Error())
	require.Equal(t, "quic: timeout: handshake did not complete in time", HandshakeTimeoutError{}.Error())
	require.Equal(t, "quic: received a stateless reset", StatelessResetError{}.Error())
}

func TestVersionNegotiationErrorCarriesVersions(t *testing.T) {
	err := &VersionNegotiationError{
		Ours:   []protocol.Version{1},
		Theirs: []protocol.Version{2, 3},
	}
	require.Equal(t, "quic: no compatible QUIC version found", err.Error())
	require.Equal(t, []protocol.Version{1}, err.Ours)
	require.Equal(t, []protocol.Version{2, 3}, err.Theirs)
}
