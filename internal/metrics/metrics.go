// Package metrics registers the Prometheus collectors that observe
// session health: RPC latency, pending-request backlog, flood-wait
// engagements, ack flushes, and handshake duration.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors is a bundle of named metrics, constructed once per
// process (or per registry, for tests) and shared across sessions.
type Collectors struct {
	RPCLatency        prometheus.Histogram
	PendingRequests   prometheus.Gauge
	FloodWaitEngaged  prometheus.Counter
	AckFlushes        prometheus.Counter
	HandshakeDuration prometheus.Histogram
}

// New registers a fresh set of collectors against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the
// default global registry across test runs.
func New(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		RPCLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mtproto2json",
			Subsystem: "session",
			Name:      "rpc_latency_seconds",
			Help:      "Time from _rpc_call dispatch to pending-slot resolution.",
			Buckets:   prometheus.DefBuckets,
		}),
		PendingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mtproto2json",
			Subsystem: "session",
			Name:      "pending_requests",
			Help:      "Number of in-flight PendingRequest entries awaiting resolution.",
		}),
		FloodWaitEngaged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mtproto2json",
			Subsystem: "session",
			Name:      "flood_wait_engaged_total",
			Help:      "Number of times a FLOOD_WAIT_N backoff gate was engaged.",
		}),
		AckFlushes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mtproto2json",
			Subsystem: "session",
			Name:      "ack_flushes_total",
			Help:      "Number of msgs_ack flushes issued.",
		}),
		HandshakeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mtproto2json",
			Subsystem: "handshake",
			Name:      "duration_seconds",
			Help:      "Wall-clock time to complete the 4-round handshake.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
