// Package metrics holds the Prometheus collectors exported by the agent runtime.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "otelfleet_agent"

// Label values for DroppedFrames.
const (
	ReasonHeaderMismatch = "header_mismatch"
	ReasonMalformed      = "malformed"
	ReasonTooLarge       = "too_large"
	ReasonNotBinary      = "not_binary"
	ReasonBacklog        = "backlog"
)

// Label values for Heartbeats.
const (
	HeartbeatSent    = "sent"
	HeartbeatSkipped = "skipped"
	HeartbeatFailed  = "failed"
)

type Metrics struct {
	FramesSent      *prometheus.CounterVec
	FramesReceived  *prometheus.CounterVec
	FramesDropped   *prometheus.CounterVec
	BytesSent       *prometheus.CounterVec
	BytesReceived   *prometheus.CounterVec
	SendFailures    *prometheus.CounterVec
	OverflowBuffers prometheus.Counter

	SequenceNum prometheus.Gauge

	Heartbeats        *prometheus.CounterVec
	HeartbeatInterval prometheus.Gauge

	Connected  prometheus.Gauge
	Reconnects prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Agent-to-server frames handed to the wire.",
		}, []string{"transport"}),
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Server-to-agent frames decoded and dispatched.",
		}, []string{"transport"}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames discarded before dispatch.",
		}, []string{"reason"}),
		BytesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Bytes written to the transport, headers included.",
		}, []string{"transport"}),
		BytesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Bytes read from the transport, headers included.",
		}, []string{"transport"}),
		SendFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Failed transport sends.",
		}, []string{"transport"}),
		OverflowBuffers: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receive_overflow_buffers_total",
			Help:      "Pooled buffers rented because a message outgrew the primary receive buffer.",
		}),
		SequenceNum: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sequence_num",
			Help:      "Sequence number of the last agent-to-server message sent.",
		}),
		Heartbeats: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeat ticks by outcome.",
		}, []string{"result"}),
		HeartbeatInterval: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heartbeat_interval_seconds",
			Help:      "Effective heartbeat interval.",
		}),
		Connected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while the agent holds a connection to the OpAMP server.",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Successful reconnections after a lost connection.",
		}),
	}
}

// OrDiscard returns m, or a set of unregistered collectors when m is nil.
func OrDiscard(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return New(nil)
}
