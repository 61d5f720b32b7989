package handshake

import (
	"crypto/tls"

	"github.com/zys-contribs/quic/internal/protocol"
)

// EventKind tags the variant carried by an Event, mirroring
// crypto/tls's QUICEventKind: a closed set of tagged variants rather than
// an open interface hierarchy, since a caller only ever needs to switch
// on Kind.
type EventKind uint8

const (
	EventNoEvent EventKind = iota
	EventWriteData
	EventReceivedReadSecret
	EventReceivedWriteSecret
	EventTransportParameters
	EventHandshakeComplete
	EventHandshakeConfirmed
	EventRejectedEarlyData
)

// Event is one state change the TLS provider reports back to the session
// from NextEvent.
type Event struct {
	Kind  EventKind
	Level protocol.EncryptionLevel
	Data  []byte // WriteData payload, or the remote transport parameters

	readSecret, writeSecret []byte
	suite                   uint16
}

// Secret returns the key material carried by a
// EventReceivedReadSecret/EventReceivedWriteSecret event, selecting
// whichever of the two the Kind names.
func (e Event) Secret() []byte {
	if e.Kind == EventReceivedReadSecret {
		return e.readSecret
	}
	return e.writeSecret
}

// CipherSuite returns the TLS cipher suite negotiated for the secret
// carried by this event.
func (e Event) CipherSuite() uint16 { return e.suite }

func eventFromTLS(e tls.QUICEvent) Event {
	ev := Event{Level: levelFromTLS(e.Level), Data: e.Data}
	switch e.Kind {
	case tls.QUICNoEvent:
		ev.Kind = EventNoEvent
	case tls.QUICWriteData:
		ev.Kind = EventWriteData
	case tls.QUICSetReadSecret:
		ev.Kind = EventReceivedReadSecret
		ev.readSecret = e.Data
		ev.suite = e.Suite
	case tls.QUICSetWriteSecret:
		ev.Kind = EventReceivedWriteSecret
		ev.writeSecret = e.Data
		ev.suite = e.Suite
	case tls.QUICTransportParameters:
		ev.Kind = EventTransportParameters
	case tls.QUICHandshakeDone:
		ev.Kind = EventHandshakeComplete
	case tls.QUICRejectedEarlyData:
		ev.Kind = EventRejectedEarlyData
	default:
		ev.Kind = EventNoEvent
	}
	return ev
}

func levelFromTLS(l tls.QUICEncryptionLevel) protocol.EncryptionLevel {
	switch l {
	case tls.QUICEncryptionLevelInitial:
		return protocol.EncryptionInitial
	case tls.QUICEncryptionLevelHandshake:
		return protocol.EncryptionHandshake
	case tls.QUICEncryptionLevelEarly:
		return protocol.Encryption0RTT
	case tls.QUICEncryptionLevelApplication:
		return protocol.Encryption1RTT
	default:
		return protocol.EncryptionInitial
	}
}

func levelToTLS(l protocol.EncryptionLevel) tls.QUICEncryptionLevel {
	switch l {
	case protocol.EncryptionInitial:
		return tls.QUICEncryptionLevelInitial
	case protocol.EncryptionHandshake:
		return tls.QUICEncryptionLevelHandshake
	case protocol.Encryption0RTT:
		return tls.QUICEncryptionLevelEarly
	default:
		return tls.QUICEncryptionLevelApplication
	}
}
