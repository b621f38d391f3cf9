// Package metrics exposes the Prometheus instrumentation the connection
// and transport layers update as they process frames and stream
// lifecycle events, as a single struct of pre-registered collectors
// handed to whatever needs them, rather than package-level globals.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the counters and gauges h2core updates. A nil *Metrics
// is valid everywhere it's consulted — callers check for nil before
// touching a field — so instrumentation is opt-in.
type Metrics struct {
	ConnectionsOpened  prometheus.Counter
	ConnectionsClosed  prometheus.Counter
	StreamsOpened      *prometheus.CounterVec // label: initiator
	FramesReceived     *prometheus.CounterVec // label: type
	FramesSent         *prometheus.CounterVec // label: type
	GoAwaysSent        prometheus.Counter
	StreamErrorsByCode *prometheus.CounterVec // label: code
	BytesRead          prometheus.Counter
	BytesWritten       prometheus.Counter
	ActiveStreams      prometheus.Gauge
	ActiveConnections  prometheus.Gauge
}

// New registers and returns a Metrics bound to reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the default
// global registry across parallel test binaries.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "h2core_connections_opened_total",
			Help: "Total HTTP/2 connections accepted.",
		}),
		ConnectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "h2core_connections_closed_total",
			Help: "Total HTTP/2 connections closed.",
		}),
		StreamsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "h2core_streams_opened_total",
			Help: "Total streams opened, by initiator.",
		}, []string{"initiator"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "h2core_frames_received_total",
			Help: "Total frames received, by frame type.",
		}, []string{"type"}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "h2core_frames_sent_total",
			Help: "Total frames sent, by frame type.",
		}, []string{"type"}),
		GoAwaysSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "h2core_goaways_sent_total",
			Help: "Total GOAWAY frames sent.",
		}),
		StreamErrorsByCode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "h2core_stream_errors_total",
			Help: "Total stream errors, by HTTP/2 error code.",
		}, []string{"code"}),
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "h2core_bytes_read_total",
			Help: "Total bytes read from connection sockets.",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "h2core_bytes_written_total",
			Help: "Total bytes written to connection sockets.",
		}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "h2core_active_streams",
			Help: "Currently active (open or half-closed) streams.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "h2core_active_connections",
			Help: "Currently open connections.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ConnectionsOpened, m.ConnectionsClosed, m.StreamsOpened,
			m.FramesReceived, m.FramesSent, m.GoAwaysSent, m.StreamErrorsByCode,
			m.BytesRead, m.BytesWritten, m.ActiveStreams, m.ActiveConnections,
		)
	}
	return m
}
