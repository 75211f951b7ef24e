// Package metrics exposes the Prometheus counters and gauges both binaries
// update as streams, frames, and reconnects happen.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "linkproxy"

var (
	// StreamsTotal counts streams that reached CLOSED, labeled by kind
	// (request/tunnel) and outcome (ok/error).
	StreamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Streams completed, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// FramesTotal counts frames sent or received, labeled by direction and kind.
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames written or read on the link, by direction and kind",
		},
		[]string{"direction", "kind"},
	)

	// QueueDepth reports the current depth of the ship's pending-work FIFO.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Pending work items waiting for the link",
		},
	)

	// LinkUp reports 1 while the link is connected, 0 while reconnecting.
	LinkUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "link_up",
			Help:      "1 while the ship<->shore link is connected",
		},
	)

	// ReconnectsTotal counts ship-side reconnect attempts.
	ReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total reconnect attempts made by the ship",
		},
	)

	// OriginDialFailuresTotal counts shore-side failures to reach an origin.
	OriginDialFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "origin_dial_failures_total",
			Help:      "Total origin dial failures observed by the shore",
		},
	)
)
