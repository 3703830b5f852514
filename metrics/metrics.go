package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Client holds the collectors updated by the client-side components.
// A nil *Client is valid and records nothing.
type Client struct {
	DeltasApplied    prometheus.Counter
	DeltasDropped    *prometheus.CounterVec
	StreamsCancelled prometheus.Counter
	ConnectAttempts  *prometheus.CounterVec
	SnapshotAttempts *prometheus.CounterVec
	Submissions      *prometheus.CounterVec
}

// NewClient creates the client collectors and registers them with reg when reg is non-nil.
func NewClient(reg prometheus.Registerer) *Client {
	c := &Client{
		DeltasApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatstream",
			Subsystem: "engine",
			Name:      "deltas_applied_total",
			Help:      "Stream deltas folded into the conversation view.",
		}),
		DeltasDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatstream",
			Subsystem: "engine",
			Name:      "deltas_dropped_total",
			Help:      "Stream deltas discarded by the engine, by reason.",
		}, []string{"reason"}),
		StreamsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatstream",
			Subsystem: "engine",
			Name:      "streams_cancelled_total",
			Help:      "Streams cancelled locally.",
		}),
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatstream",
			Subsystem: "transport",
			Name:      "connect_attempts_total",
			Help:      "Transport connection attempts, by result.",
		}, []string{"result"}),
		SnapshotAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatstream",
			Subsystem: "snapshot",
			Name:      "attempts_total",
			Help:      "Snapshot fetch attempts, by result.",
		}, []string{"result"}),
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatstream",
			Subsystem: "submit",
			Name:      "submissions_total",
			Help:      "Message submissions, by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(c.DeltasApplied, c.DeltasDropped, c.StreamsCancelled,
			c.ConnectAttempts, c.SnapshotAttempts, c.Submissions)
	}
	return c
}

func (c *Client) DeltaApplied() {
	if c == nil {
		return
	}
	c.DeltasApplied.Inc()
}

func (c *Client) DeltaDropped(reason string) {
	if c == nil {
		return
	}
	c.DeltasDropped.WithLabelValues(reason).Inc()
}

func (c *Client) StreamCancelled() {
	if c == nil {
		return
	}
	c.StreamsCancelled.Inc()
}

func (c *Client) ConnectAttempt(result string) {
	if c == nil {
		return
	}
	c.ConnectAttempts.WithLabelValues(result).Inc()
}

func (c *Client) SnapshotAttempt(result string) {
	if c == nil {
		return
	}
	c.SnapshotAttempts.WithLabelValues(result).Inc()
}

func (c *Client) Submission(result string) {
	if c == nil {
		return
	}
	c.Submissions.WithLabelValues(result).Inc()
}

// Server holds the collectors updated by the reference server.
type Server struct {
	ActiveStreams  prometheus.Gauge
	StreamsStarted prometheus.Counter
	StreamsAborted *prometheus.CounterVec
	ConnectedPeers prometheus.Gauge
	RateLimited    prometheus.Counter
}

func NewServer(reg prometheus.Registerer) *Server {
	s := &Server{
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatstream",
			Subsystem: "server",
			Name:      "active_streams",
			Help:      "Assistant replies currently streaming.",
		}),
		StreamsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatstream",
			Subsystem: "server",
			Name:      "streams_started_total",
			Help:      "Assistant replies started.",
		}),
		StreamsAborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatstream",
			Subsystem: "server",
			Name:      "streams_aborted_total",
			Help:      "Assistant replies aborted, by cause.",
		}, []string{"cause"}),
		ConnectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatstream",
			Subsystem: "server",
			Name:      "connected_peers",
			Help:      "Open websocket connections.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatstream",
			Subsystem: "server",
			Name:      "rate_limited_total",
			Help:      "Message submissions rejected by the rate limiter.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.ActiveStreams, s.StreamsStarted, s.StreamsAborted, s.ConnectedPeers, s.RateLimited)
	}
	return s
}
