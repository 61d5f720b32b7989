package quic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPopulateConfigNilFillsDefaults(t *testing.T) {
	c := populateConfig(nil)
	require.Equal(t, Default.Versions, c.Versions)
	require.Equal(t, Default.HandshakeIdleTimeout, c.HandshakeIdleTimeout)
	require.Equal(t, Default.MaxIdleTimeout, c.MaxIdleTimeout)
	require.Equal(t, Default.InitialStreamReceiveWindow, c.InitialStreamReceiveWindow)
	require.Equal(t, Default.MaxStreamReceiveWindow, c.MaxStreamReceiveWindow)
	require.Equal(t, Default.MaxIncomingStreams, c.MaxIncomingStreams)
	require.NotNil(t, c.Logger)
}

func TestPopulateConfigPreservesOverrides(t *testing.T) {
	c := populateConfig(&Config{
		HandshakeIdleTimeout: 42 * time.Second,
		MaxConnections:       7,
		DisableStatelessReset: true,
	})
	require.Equal(t, 42*time.Second, c.HandshakeIdleTimeout)
	require.Equal(t, 7, c.MaxConnections)
	require.True(t, c.DisableStatelessReset)
	// untouched fields still fall back to Default
	require.Equal(t, Default.MaxIdleTimeout, c.MaxIdleTimeout)
}

func TestConfigCloneIsIndependent(t *testing.T) {
	c := &Config{MaxConnections: 3}
	clone := c.Clone()
	clone.MaxConnections = 9
	require.Equal(t, 3, c.MaxConnections)
	require.Equal(t, 9, clone.MaxConnections)
}

func TestConfigCloneNilReceiverPopulatesDefaults(t *testing.T) {
	var c *Config
	clone := c.Clone()
	require.Equal(t, Default.Versions, clone.Versions)
}

func TestValidateConfigClampsOversizedStreamLimits(t *testing.T) {
	c := &Config{MaxIncomingStreams: 1 << 61, MaxIncomingUniStreams: 1 << 62}
	require.NoError(t, validateConfig(c))
	require.Equal(t, int64(1<<60), c.MaxIncomingStreams)
	require.Equal(t, int64(1<<60), c.MaxIncomingUniStreams)
}
