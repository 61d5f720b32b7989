package quic

import (
	"crypto/tls"
	"encoding/binary"
	"net"
	"time"

	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/utils"
	"github.com/zys-contribs/quic/logging"
)

// TokenStore persists and retrieves session tickets and address-validation
// tokens across connections to the same server, the way a client library
// caches them between dials.
type TokenStore interface {
	Put(key string, data []byte)
	Get(key string) []byte
}

// PreferredAddress advertises an alternate server address a client may
// migrate to once the handshake completes (RFC 9000 §18.2's
// preferred_address transport parameter). Either IPv4 or IPv6 may be
// left nil; a client ignores whichever family it doesn't support.
type PreferredAddress struct {
	IPv4                *net.UDPAddr
	IPv6                *net.UDPAddr
	ConnectionID        protocol.ConnectionID
	StatelessResetToken protocol.StatelessResetToken
}

// encode lays out the preferred_address transport parameter's fixed
// fields in RFC 9000 §18.2 order: IPv4 address, IPv4 port, IPv6 address,
// IPv6 port, connection ID length and bytes, stateless reset token.
func (pa *PreferredAddress) encode() []byte {
	b := make([]byte, 0, 4+2+16+2+1+pa.ConnectionID.Len()+16)
	var v4 [4]byte
	var v4Port uint16
	if pa.IPv4 != nil {
		if ip4 := pa.IPv4.IP.To4(); ip4 != nil {
			copy(v4[:], ip4)
		}
		v4Port = uint16(pa.IPv4.Port)
	}
	b = append(b, v4[:]...)
	b = binary.BigEndian.AppendUint16(b, v4Port)

	var v6 [16]byte
	var v6Port uint16
	if pa.IPv6 != nil {
		if ip6 := pa.IPv6.IP.To16(); ip6 != nil {
			copy(v6[:], ip6)
		}
		v6Port = uint16(pa.IPv6.Port)
	}
	b = append(b, v6[:]...)
	b = binary.BigEndian.AppendUint16(b, v6Port)

	b = append(b, byte(pa.ConnectionID.Len()))
	b = append(b, pa.ConnectionID.Bytes()...)
	b = append(b, pa.StatelessResetToken[:]...)
	return b
}

// Config configures an Endpoint (client or server side). A nil Config
// passed to Dial/Listen is replaced by a clone of Default.
type Config struct {
	// Versions lists, in preference order, the QUIC versions this
	// endpoint is willing to speak. A nil/empty slice means
	// protocol.SupportedVersions.
	Versions []protocol.Version

	HandshakeIdleTimeout time.Duration
	MaxIdleTimeout       time.Duration
	KeepAlivePeriod      time.Duration

	InitialStreamReceiveWindow     uint64
	MaxStreamReceiveWindow         uint64
	InitialConnectionReceiveWindow uint64
	MaxConnectionReceiveWindow     uint64

	MaxIncomingStreams    int64
	MaxIncomingUniStreams int64

	// TokenStore, if set, lets a client remember session tickets and
	// NEW_TOKEN tokens between dials to the same server.
	TokenStore TokenStore

	// Allow0RTT lets a client send, or a server accept, 0-RTT data.
	Allow0RTT bool

	DisablePathMTUDiscovery bool

	// ReceiveBufferSize, if set, raises the socket's receive buffer past
	// the kernel default via SO_RCVBUFFORCE on platforms that support it.
	// 0 leaves the OS default in place.
	ReceiveBufferSize int

	// MaxConnections bounds how many sessions a server-side Endpoint
	// will admit concurrently. 0 means no bound.
	MaxConnections int
	// MaxConnectionsPerHost bounds sessions admitted from any one
	// source address. Addresses are keyed by their String() form, IP and
	// port together, so the same IP on different ports counts
	// separately. 0 means no bound.
	MaxConnectionsPerHost int
	// MaxStatelessResetsPerHost rate-limits STATELESS_RESET packets
	// sent to a single address (IP and port, keyed the same way) per
	// second. 0 means no bound.
	MaxStatelessResetsPerHost int

	// RequireAddressValidation forces every new connection through a
	// Retry before a Session is created, independent of anti-DoS
	// heuristics.
	RequireAddressValidation bool
	RetryTokenExpiration     time.Duration

	// ServerBusy is a kill-switch: when set, every new connection attempt
	// is refused with an immediate CONNECTION_CLOSE instead of admitted,
	// regardless of MaxConnections.
	ServerBusy bool

	// PreferredAddress, if set on a server Config, is advertised in this
	// session's transport parameters so the client may migrate to it
	// once the handshake completes.
	PreferredAddress *PreferredAddress

	DisableStatelessReset bool

	// AcceptToken overrides the default NEW_TOKEN/Retry token
	// acceptance check (address-bound HMAC). Returning false rejects
	// the token as if it had never been presented.
	AcceptToken func(clientAddr interface{ String() string }, token []byte) bool

	// Tracer, if set, is called once per Session to obtain the event sink
	// that session's lifetime reports to. Returning nil from Tracer is
	// the same as leaving it unset for that connection.
	Tracer func(perspective protocol.Perspective, connID protocol.ConnectionID) *logging.ConnectionTracer
	Logger utils.Logger

	// rxLoss/txLoss hooks are wired in by tests to simulate a lossy
	// path without needing real network impairment.
	rxLoss float64
	txLoss float64
}

// Default is the baseline Config every Dial/Listen call starts from.
var Default = &Config{
	Versions:                       protocol.SupportedVersions,
	HandshakeIdleTimeout:           protocol.DefaultHandshakeTimeout,
	MaxIdleTimeout:                 protocol.DefaultMaxIdleTimeout,
	InitialStreamReceiveWindow:     uint64(protocol.DefaultInitialStreamReceiveWindow),
	MaxStreamReceiveWindow:         uint64(protocol.DefaultMaxStreamReceiveWindow),
	InitialConnectionReceiveWindow: uint64(protocol.DefaultInitialConnectionReceiveWindow),
	MaxConnectionReceiveWindow:     uint64(protocol.DefaultMaxConnectionReceiveWindow),
	MaxIncomingStreams:             protocol.DefaultMaxIncomingStreams,
	MaxIncomingUniStreams:          protocol.DefaultMaxIncomingUniStreams,
	RetryTokenExpiration:           protocol.DefaultRetryTokenExpiration,
}

// Clone returns a copy of c that can be mutated without affecting c.
func (c *Config) Clone() *Config {
	if c == nil {
		return populateConfig(nil)
	}
	clone := *c
	return &clone
}

func validateConfig(c *Config) error {
	if c.MaxIncomingStreams > 1<<60 {
		c.MaxIncomingStreams = 1 << 60
	}
	if c.MaxIncomingUniStreams > 1<<60 {
		c.MaxIncomingUniStreams = 1 << 60
	}
	return nil
}

// populateConfig fills in a zero-valued Config's unset fields from
// Default, mirroring the teacher's populateServerConfig/
// populateClientConfig split collapsed into one function since this
// module's defaults don't otherwise differ by perspective.
func populateConfig(c *Config) *Config {
	if c == nil {
		c = &Config{}
	}
	versions := c.Versions
	if len(versions) == 0 {
		versions = Default.Versions
	}
	handshakeIdleTimeout := c.HandshakeIdleTimeout
	if handshakeIdleTimeout == 0 {
		handshakeIdleTimeout = Default.HandshakeIdleTimeout
	}
	idleTimeout := c.MaxIdleTimeout
	if idleTimeout == 0 {
		idleTimeout = Default.MaxIdleTimeout
	}
	initialStreamWindow := c.InitialStreamReceiveWindow
	if initialStreamWindow == 0 {
		initialStreamWindow = Default.InitialStreamReceiveWindow
	}
	maxStreamWindow := c.MaxStreamReceiveWindow
	if maxStreamWindow == 0 {
		maxStreamWindow = Default.MaxStreamReceiveWindow
	}
	initialConnWindow := c.InitialConnectionReceiveWindow
	if initialConnWindow == 0 {
		initialConnWindow = Default.InitialConnectionReceiveWindow
	}
	maxConnWindow := c.MaxConnectionReceiveWindow
	if maxConnWindow == 0 {
		maxConnWindow = Default.MaxConnectionReceiveWindow
	}
	maxIncomingStreams := c.MaxIncomingStreams
	if maxIncomingStreams == 0 {
		maxIncomingStreams = Default.MaxIncomingStreams
	}
	maxIncomingUniStreams := c.MaxIncomingUniStreams
	if maxIncomingUniStreams == 0 {
		maxIncomingUniStreams = Default.MaxIncomingUniStreams
	}
	retryExp := c.RetryTokenExpiration
	if retryExp == 0 {
		retryExp = Default.RetryTokenExpiration
	}
	logger := c.Logger
	if logger == nil {
		logger = utils.NopLogger
	}

	return &Config{
		Versions:                       versions,
		HandshakeIdleTimeout:           handshakeIdleTimeout,
		MaxIdleTimeout:                 idleTimeout,
		KeepAlivePeriod:                c.KeepAlivePeriod,
		InitialStreamReceiveWindow:     initialStreamWindow,
		MaxStreamReceiveWindow:         maxStreamWindow,
		InitialConnectionReceiveWindow: initialConnWindow,
		MaxConnectionReceiveWindow:     maxConnWindow,
		MaxIncomingStreams:             maxIncomingStreams,
		MaxIncomingUniStreams:          maxIncomingUniStreams,
		TokenStore:                     c.TokenStore,
		Allow0RTT:                      c.Allow0RTT,
		DisablePathMTUDiscovery:        c.DisablePathMTUDiscovery,
		ReceiveBufferSize:              c.ReceiveBufferSize,
		MaxConnections:                 c.MaxConnections,
		MaxConnectionsPerHost:          c.MaxConnectionsPerHost,
		MaxStatelessResetsPerHost:      c.MaxStatelessResetsPerHost,
		RequireAddressValidation:       c.RequireAddressValidation,
		RetryTokenExpiration:           retryExp,
		ServerBusy:                     c.ServerBusy,
		PreferredAddress:               c.PreferredAddress,
		DisableStatelessReset:          c.DisableStatelessReset,
		AcceptToken:                    c.AcceptToken,
		Tracer:                         c.Tracer,
		Logger:                         logger,
		rxLoss:                         c.rxLoss,
		txLoss:                         c.txLoss,
	}
}

// baseTLSConfig returns a clone of conf with MinVersion raised to TLS 1.3
// when the caller's *tls.Config leaves it unset; no other field is
// changed.
func baseTLSConfig(conf *tls.Config) *tls.Config {
	c := conf.Clone()
	if c.MinVersion == 0 {
		c.MinVersion = tls.VersionTLS13
	}
	return c
}
