package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchwire_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "matchwire_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Gateway metrics
	OpenConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "matchwire_open_connections",
			Help: "Currently open persistent connections",
		},
	)

	AuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "matchwire_auth_failures_total",
			Help: "Connection attempts refused for a bad credential",
		},
	)

	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchwire_events_received_total",
			Help: "Inbound events by type",
		},
		[]string{"type"},
	)

	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchwire_events_rejected_total",
			Help: "Inbound events answered with an error, by code",
		},
		[]string{"code"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "matchwire_events_dropped_total",
			Help: "Outbound events dropped because a send queue was full or closed",
		},
	)

	// Business metrics
	MessagesRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchwire_messages_relayed_total",
			Help: "Accepted chat messages",
		},
		[]string{"type"},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchwire_notifications_total",
			Help: "Off-room notifications by channel",
		},
		[]string{"channel"}, // "socket" or "telegram"
	)

	CallsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchwire_calls_started_total",
			Help: "Call offers accepted for ringing",
		},
		[]string{"call_type"},
	)

	CallsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchwire_calls_ended_total",
			Help: "Finished calls by reason",
		},
		[]string{"reason"},
	)

	PresenceQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchwire_presence_queries_total",
			Help: "Presence queries by result",
		},
		[]string{"result"}, // "ok" or "degraded"
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "matchwire_store_latency_seconds",
			Help:    "Collaborator store call latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"op"},
	)
)
