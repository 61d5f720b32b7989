// Package metrics wraps the logging package's tagged tracers with
// Prometheus counters and histograms, additive instrumentation a caller
// opts into by assigning Config.Tracer; nothing in this module imports
// metrics itself, and no HTTP exporter is started here.
package metrics

import (
	"net"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/logging"
)

// Namespace is the Prometheus metric namespace every collector in this
// package registers under.
const Namespace = "quic"

var (
	connectionsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "connections_started_total",
		Help:      "Number of QUIC connections started, by perspective.",
	}, []string{"perspective"})

	connectionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "connections_closed_total",
		Help:      "Number of QUIC connections closed, by perspective and whether an error was recorded.",
	}, []string{"perspective", "errored"})

	packetsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "packets_sent_total",
		Help:      "Number of packets sent, by encryption level.",
	}, []string{"encryption_level"})

	packetsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "packets_received_total",
		Help:      "Number of packets received, by encryption level.",
	}, []string{"encryption_level"})

	packetsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "packets_dropped_total",
		Help:      "Number of packets dropped, by drop reason.",
	}, []string{"reason"})

	packetsLost = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "packets_lost_total",
		Help:      "Number of packets declared lost, by loss reason.",
	}, []string{"reason"})

	bytesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "bytes_sent_total",
		Help:      "Bytes sent on the wire, by encryption level.",
	}, []string{"encryption_level"})

	bytesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "bytes_received_total",
		Help:      "Bytes received on the wire, by encryption level.",
	}, []string{"encryption_level"})

	smoothedRTT = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "smoothed_rtt_seconds",
		Help:      "Smoothed round-trip time reported on UpdatedMetrics events.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	congestionWindow = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "congestion_window_bytes",
		Help:      "Congestion window size reported on UpdatedMetrics events.",
		Buckets:   prometheus.ExponentialBuckets(1<<10, 2, 16),
	})

	ptoCount = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "pto_count",
		Help:      "PTO count at the time it was updated.",
		Buckets:   prometheus.LinearBuckets(0, 1, 10),
	})
)

// DefaultCollectors lists every collector this package registers,
// mirroring the teacher's DefaultViews so a caller can pass this straight
// to a prometheus.Registry.Register loop.
var DefaultCollectors = []prometheus.Collector{
	connectionsStarted,
	connectionsClosed,
	packetsSent,
	packetsReceived,
	packetsDropped,
	packetsLost,
	bytesSent,
	bytesReceived,
	smoothedRTT,
	congestionWindow,
	ptoCount,
}

// MustRegister registers every collector in DefaultCollectors with reg,
// panicking if a collector with the same fully-qualified name is already
// registered (the same fail-fast MustRegister contract client_golang
// itself uses).
func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(DefaultCollectors...)
}

// NewConnectionTracer returns a ConnectionTracer that records every event
// it observes as a Prometheus sample, grounded on the teacher's
// metrics/connection_tracer.go recording pattern but targeting
// client_golang instead of OpenCensus.
func NewConnectionTracer(perspective protocol.Perspective) *logging.ConnectionTracer {
	persp := perspectiveLabel(perspective)
	return &logging.ConnectionTracer{
		StartedConnection: func(net.Addr, net.Addr, protocol.ConnectionID, protocol.ConnectionID) {
			connectionsStarted.WithLabelValues(persp).Inc()
		},
		ClosedConnection: func(reason logging.CloseReason) {
			errored := "false"
			if reason.Err != nil {
				errored = "true"
			}
			connectionsClosed.WithLabelValues(persp, errored).Inc()
		},
		SentPacket: func(_ protocol.PacketNumber, level protocol.EncryptionLevel, size protocol.ByteCount, _ bool) {
			packetsSent.WithLabelValues(level.String()).Inc()
			bytesSent.WithLabelValues(level.String()).Add(float64(size))
		},
		ReceivedPacket: func(_ protocol.PacketNumber, level protocol.EncryptionLevel, size protocol.ByteCount) {
			packetsReceived.WithLabelValues(level.String()).Inc()
			bytesReceived.WithLabelValues(level.String()).Add(float64(size))
		},
		DroppedPacket: func(_ protocol.EncryptionLevel, _ protocol.ByteCount, reason logging.PacketDropReason) {
			packetsDropped.WithLabelValues(reason.String()).Inc()
		},
		LostPacket: func(_ protocol.EncryptionLevel, _ protocol.PacketNumber, reason logging.PacketLossReason) {
			packetsLost.WithLabelValues(reason.String()).Inc()
		},
		UpdatedMetrics: func(rtt logging.RTTSnapshot, cwnd, _ protocol.ByteCount, _ int) {
			smoothedRTT.Observe(rtt.SmoothedRTT.Seconds())
			congestionWindow.Observe(float64(cwnd))
		},
		UpdatedPTOCount: func(value uint32) {
			ptoCount.Observe(float64(value))
		},
	}
}

// Tracer adapts NewConnectionTracer to the shape Config.Tracer expects,
// ignoring the connection ID since every sample here is aggregated across
// connections rather than broken out per connection.
func Tracer(perspective protocol.Perspective, _ protocol.ConnectionID) *logging.ConnectionTracer {
	return NewConnectionTracer(perspective)
}

func perspectiveLabel(p protocol.Perspective) string {
	if p == protocol.PerspectiveServer {
		return "server"
	}
	return "client"
}
