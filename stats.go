package quic

import (
	"sync"
	"time"

	"github.com/zys-contribs/quic/internal/protocol"
)

// SessionStats is a fixed-layout snapshot of one session's lifetime
// counters, returned by Session.Stats.
type SessionStats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64

	PacketsLost uint64

	StreamsOpened        uint64
	StreamsAccepted      uint64
	KeyUpdateCount       uint64
	RetransmittedPackets uint64

	SmoothedRTT time.Duration
	MinRTT      time.Duration

	HandshakeDuration time.Duration

	BytesInFlight     protocol.ByteCount
	CongestionWindow  protocol.ByteCount
}

// sessionStats is the mutable accumulator a Session updates as it runs;
// Stats() takes a consistent snapshot under mu.
type sessionStats struct {
	mu sync.Mutex
	s  SessionStats
}

func newSessionStats() *sessionStats { return &sessionStats{} }

func (s *sessionStats) onPacketSent(n protocol.ByteCount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s.PacketsSent++
	s.s.BytesSent += uint64(n)
}

func (s *sessionStats) onPacketReceived(n protocol.ByteCount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s.PacketsReceived++
	s.s.BytesReceived += uint64(n)
}

func (s *sessionStats) onPacketLost() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s.PacketsLost++
}

func (s *sessionStats) onRetransmit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s.RetransmittedPackets++
}

func (s *sessionStats) onStreamOpened() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s.StreamsOpened++
}

func (s *sessionStats) onStreamAccepted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s.StreamsAccepted++
}

func (s *sessionStats) onKeyUpdate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s.KeyUpdateCount++
}

func (s *sessionStats) onHandshakeComplete(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s.HandshakeDuration = d
}

func (s *sessionStats) setRTT(smoothed, min time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s.SmoothedRTT = smoothed
	s.s.MinRTT = min
}

func (s *sessionStats) setCongestion(inFlight, cwnd protocol.ByteCount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s.BytesInFlight = inFlight
	s.s.CongestionWindow = cwnd
}

func (s *sessionStats) snapshot() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s
}

// EndpointStats aggregates counters across every session an Endpoint has
// ever handled, plus socket-level admission/defense counters.
type EndpointStats struct {
	SessionsAccepted        uint64
	SessionsRejected        uint64
	SessionsDropped         uint64
	RetriesIssued           uint64
	StatelessResetsSent     uint64
	VersionNegotiationsSent uint64
	ServerBusyRejections    uint64
}

type endpointStats struct {
	mu sync.Mutex
	s  EndpointStats
}

func newEndpointStats() *endpointStats { return &endpointStats{} }

func (e *endpointStats) onAccepted() {
	e.mu.Lock()
	e.s.SessionsAccepted++
	e.mu.Unlock()
}

func (e *endpointStats) onRejected() {
	e.mu.Lock()
	e.s.SessionsRejected++
	e.mu.Unlock()
}

func (e *endpointStats) onDropped() {
	e.mu.Lock()
	e.s.SessionsDropped++
	e.mu.Unlock()
}

func (e *endpointStats) onRetry() {
	e.mu.Lock()
	e.s.RetriesIssued++
	e.mu.Unlock()
}

func (e *endpointStats) onStatelessReset() {
	e.mu.Lock()
	e.s.StatelessResetsSent++
	e.mu.Unlock()
}

func (e *endpointStats) onVersionNegotiation() {
	e.mu.Lock()
	e.s.VersionNegotiationsSent++
	e.mu.Unlock()
}

func (e *endpointStats) onServerBusy() {
	e.mu.Lock()
	e.s.ServerBusyRejections++
	e.mu.Unlock()
}

func (e *endpointStats) snapshot() EndpointStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s
}
