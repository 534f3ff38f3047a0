// Package metrics exposes a session's progress as Prometheus gauges/counters
// and serves them, along with a small JSON status endpoint, over HTTP.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles the session's metrics under one Prometheus registerer so
// main can wire a dedicated registry per process instead of polluting the
// global default one.
type Registry struct {
	PiecesVerified   prometheus.Counter
	PiecesCorrupt    prometheus.Counter
	BytesDownloaded  prometheus.Counter
	BytesUploaded    prometheus.Counter
	PeersConnected   prometheus.Gauge
	MessagesReceived prometheus.Counter
	MessagesSent     prometheus.Counter
	AnnounceFailures prometheus.Counter
}

// NewRegistry builds and registers a fresh set of metrics against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	return &Registry{
		PiecesVerified: f.NewCounter(prometheus.CounterOpts{
			Name: "leech_pieces_verified_total",
			Help: "Pieces that passed SHA-1 verification.",
		}),
		PiecesCorrupt: f.NewCounter(prometheus.CounterOpts{
			Name: "leech_pieces_corrupt_total",
			Help: "Pieces that failed SHA-1 verification and were discarded.",
		}),
		BytesDownloaded: f.NewCounter(prometheus.CounterOpts{
			Name: "leech_bytes_downloaded_total",
			Help: "Payload bytes received in PIECE messages.",
		}),
		BytesUploaded: f.NewCounter(prometheus.CounterOpts{
			Name: "leech_bytes_uploaded_total",
			Help: "Payload bytes sent in PIECE messages.",
		}),
		PeersConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "leech_peers_connected",
			Help: "Currently connected peer count.",
		}),
		MessagesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "leech_messages_received_total",
			Help: "Wire messages received across all peers.",
		}),
		MessagesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "leech_messages_sent_total",
			Help: "Wire messages sent across all peers.",
		}),
		AnnounceFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "leech_tracker_announce_failures_total",
			Help: "Tracker announces that did not succeed.",
		}),
	}
}
