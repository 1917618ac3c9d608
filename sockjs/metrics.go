package sockjs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Per-endpoint instruments on the default registry. Label cardinality is one
// series per endpoint name, so several endpoints in one process coexist.
var (
	metricSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sockjs",
		Name:      "sessions",
		Help:      "Number of registered sessions.",
	}, []string{"endpoint"})

	metricAcquired = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sockjs",
		Name:      "acquired_transports",
		Help:      "Number of sessions currently held by a transport connection.",
	}, []string{"endpoint"})

	metricFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sockjs",
		Name:      "frames_total",
		Help:      "Frames delivered to clients, by frame tag.",
	}, []string{"endpoint", "frame"})

	metricBroadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sockjs",
		Name:      "broadcasts_total",
		Help:      "Broadcast fan-outs performed.",
	}, []string{"endpoint"})
)
