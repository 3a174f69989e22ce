package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Call signaling metrics for monitoring the call lifecycle
var (
	// Lifecycle metrics
	CallStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_started_total",
		Help: "Total number of calls started",
	})

	CallEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_ended_total",
		Help: "Total number of calls ended, by terminal reason",
	}, []string{"reason"})

	CallDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "call_duration_seconds",
		Help:    "Duration of answered calls in seconds",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	// Signaling operation metrics
	CallSignalingErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_signaling_errors_total",
		Help: "Total number of rejected call signaling operations, by error code",
	}, []string{"operation", "code"})

	// Stream replay metrics
	CallStreamReplayEventsTotal = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "call_stream_replay_events",
		Help:    "Number of events folded per call state derivation",
		Buckets: []float64{1, 2, 5, 10, 20, 50},
	})

	// Real-time fan-out metrics
	CallEventsBroadcastTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_events_broadcast_total",
		Help: "Total number of call events published for real-time delivery",
	}, []string{"event", "status"})

	CallWebsocketClientsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "call_websocket_clients_active",
		Help: "Current number of connected call event WebSocket clients",
	})
)
