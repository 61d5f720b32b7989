package quic

import (
	"context"
	"crypto/tls"

	"github.com/zys-contribs/quic/internal/handshake"
	"github.com/zys-contribs/quic/internal/protocol"
)

// TLSEventKind tags the variant carried by a TLSEvent, re-exporting
// internal/handshake's tagged event set at the package boundary so a
// custom TLSProvider never needs to import crypto/tls itself.
type TLSEventKind = handshake.EventKind

const (
	TLSEventNoEvent              = handshake.EventNoEvent
	TLSEventWriteData            = handshake.EventWriteData
	TLSEventReceivedReadSecret   = handshake.EventReceivedReadSecret
	TLSEventReceivedWriteSecret  = handshake.EventReceivedWriteSecret
	TLSEventTransportParameters  = handshake.EventTransportParameters
	TLSEventHandshakeComplete    = handshake.EventHandshakeComplete
	TLSEventHandshakeConfirmed   = handshake.EventHandshakeConfirmed
	TLSEventRejectedEarlyData    = handshake.EventRejectedEarlyData
)

// TLSEvent is one state change a TLSProvider reports from NextEvent.
type TLSEvent = handshake.Event

// TLSConnectionState mirrors the negotiated cipher/ALPN/servername and
// peer certificate verification results of a completed handshake.
type TLSConnectionState = handshake.ConnectionState

// TLSProvider is the pluggable handshake engine a Session drives to
// completion. The session calls HandleMessage with received CRYPTO
// frame bytes and drains NextEvent in a loop after every call that might
// produce new output. The default provider wraps the
// standard library's native QUIC-TLS support; a caller may substitute
// any other implementation of this interface (e.g. one fronting a
// hardware security module) without the rest of the session needing to
// change.
type TLSProvider interface {
	StartHandshake(ctx context.Context) error
	HandleMessage(data []byte, level protocol.EncryptionLevel) error
	NextEvent() TLSEvent
	SetHandshakeConfirmed()
	DiscardInitialKeys()
	GetSessionTicket() ([]byte, error)
	UpdateKey() error
	ConnectionState() TLSConnectionState
	Close() error
}

// newTLSProviderClient builds the default client-side TLSProvider.
func newTLSProviderClient(tlsConf *tls.Config, ourParams []byte, allow0RTT bool) TLSProvider {
	return handshake.NewCryptoSetupClient(tlsConf, ourParams, allow0RTT)
}

// newTLSProviderServer builds the default server-side TLSProvider.
func newTLSProviderServer(tlsConf *tls.Config, ourParams []byte, allow0RTT bool) TLSProvider {
	return handshake.NewCryptoSetupServer(tlsConf, ourParams, allow0RTT)
}
