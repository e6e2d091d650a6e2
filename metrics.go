package wsbridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level metric collectors, registered once at package init
// rather than per Server/Client instance (packetd-packetd's
// controller/metrics.go pattern) so that repeatedly constructing
// Server/Client values in tests never trips a duplicate-registration
// panic against the default registerer.
var (
	connectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "wsbridge",
			Name:      "connections_active",
			Help:      "Currently active WebSocket connections.",
		},
		[]string{"role"},
	)

	streamsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "wsbridge",
			Name:      "streams_active",
			Help:      "Currently active multiplexed streams.",
		},
		[]string{"role"},
	)

	framesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wsbridge",
			Name:      "frames_total",
			Help:      "Frames processed, by role, direction, and flag class.",
		},
		[]string{"role", "direction", "kind"},
	)

	resetStreamTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wsbridge",
			Name:      "reset_stream_total",
			Help:      "RST_STREAM frames observed, by role and reset code.",
		},
		[]string{"role", "code"},
	)

	reconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "wsbridge",
			Name:      "client_reconnects_total",
			Help:      "Client reconnection attempts made after a dropped connection.",
		},
	)

	decodeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wsbridge",
			Name:      "decode_errors_total",
			Help:      "Frame decode failures, by role and error kind.",
		},
		[]string{"role", "kind"},
	)
)

func decodeErrorKindLabel(err *frameDecodeError) string {
	switch err.kind {
	case decodeErrTooSmall:
		return "too_small"
	case decodeErrOversize:
		return "oversize"
	case decodeErrTruncated:
		return "truncated"
	default:
		return "unknown"
	}
}
