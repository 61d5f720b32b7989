package quic

import (
	"crypto/tls"
	"net"

	"github.com/zys-contribs/quic/internal/protocol"
)

// EventKind tags the variant carried by an Event delivered on a Session's
// or Endpoint's event channel. Tagged variants over one channel, rather
// than a callback per event name, keep the application surface to a
// single blocking receive loop.
type EventKind uint8

const (
	EventSessionReady EventKind = iota
	EventCertRequest
	EventClientHello
	EventHandshake
	EventKeyLog
	EventPathValidation
	EventSilentClose
	EventSessionClose
	EventSessionTicket
	EventVersionNegotiation
	EventStreamReady
	EventStreamClose
	EventStreamReset
)

func (k EventKind) String() string {
	switch k {
	case EventSessionReady:
		return "session_ready"
	case EventCertRequest:
		return "cert_request"
	case EventClientHello:
		return "client_hello"
	case EventHandshake:
		return "handshake"
	case EventKeyLog:
		return "keylog"
	case EventPathValidation:
		return "path_validation"
	case EventSilentClose:
		return "silent_close"
	case EventSessionClose:
		return "session_close"
	case EventSessionTicket:
		return "session_ticket"
	case EventVersionNegotiation:
		return "version_negotiation"
	case EventStreamReady:
		return "stream_ready"
	case EventStreamClose:
		return "stream_close"
	case EventStreamReset:
		return "stream_reset"
	default:
		return "unknown"
	}
}

// Event is one application-visible occurrence on a Session, delivered on
// Session.Events(). Only the fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	// EventHandshake / EventSessionClose / EventSilentClose
	Err error

	// EventClientHello / EventCertRequest
	ServerName string

	// EventKeyLog
	KeyLogLabel  string
	KeyLogSecret []byte

	// EventPathValidation
	LocalAddr, RemoteAddr net.Addr
	PathValid             bool

	// EventSessionTicket
	SessionTicket []byte

	// EventVersionNegotiation
	SupportedVersions []protocol.Version

	// EventStreamReady / EventStreamClose / EventStreamReset
	StreamID protocol.StreamID

	// EventSessionReady
	ConnectionState tls.ConnectionState
}

// eventSink is a bounded fan-out channel plus a non-blocking send, used
// by Session and Endpoint alike so a slow application can never stall
// the run loop feeding it. Overflow drops the oldest unread event rather
// than the newest, since stale lifecycle events are less useful than
// fresh ones.
type eventSink struct {
	ch chan Event
}

func newEventSink(capacity int) *eventSink {
	return &eventSink{ch: make(chan Event, capacity)}
}

func (s *eventSink) emit(e Event) {
	select {
	case s.ch <- e:
	default:
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

func (s *eventSink) events() <-chan Event { return s.ch }

func (s *eventSink) close() { close(s.ch) }
