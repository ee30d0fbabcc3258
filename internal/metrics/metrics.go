// Package metrics exposes Prometheus counters for session, chat and call
// activity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Realtime session metrics
	SessionsOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ychat_sessions_opened_total",
			Help: "Realtime session connect attempts",
		},
		[]string{"result"}, // "connected" or "failed"
	)

	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ychat_events_emitted_total",
			Help: "Events written to the realtime session",
		},
		[]string{"event"},
	)

	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ychat_events_received_total",
			Help: "Events read from the realtime session",
		},
		[]string{"event"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ychat_events_dropped_total",
			Help: "Events not sent because the session was down",
		},
		[]string{"event"},
	)

	// Chat metrics
	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ychat_messages_sent_total",
			Help: "Chat messages sent",
		},
	)

	HistoryFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ychat_history_fallbacks_total",
			Help: "History loads that fell back to HTTP",
		},
	)

	// Call metrics
	Calls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ychat_calls_total",
			Help: "Call lifecycle transitions",
		},
		[]string{"outcome"}, // started, accepted, answered, timeout, hangup, remote_end
	)

	// API metrics
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ychat_api_requests_total",
			Help: "Backend API requests",
		},
		[]string{"op", "status"},
	)

	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ychat_api_request_duration_seconds",
			Help:    "Backend API request duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"op"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
