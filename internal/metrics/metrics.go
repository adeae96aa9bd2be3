package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawsend_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clawsend_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Business metrics
	ChallengesIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clawsend_challenges_issued_total",
			Help: "Total registration challenges issued",
		},
	)

	AgentsRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clawsend_agents_registered_total",
			Help: "Total agents registered",
		},
	)

	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawsend_messages_sent_total",
			Help: "Total messages accepted for relay",
		},
		[]string{"type"}, // envelope type
	)

	MessagesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clawsend_messages_delivered_total",
			Help: "Total messages handed to recipients",
		},
	)

	MessagesAcked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clawsend_messages_acked_total",
			Help: "Total messages acknowledged by recipients",
		},
	)

	MessagesSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clawsend_messages_swept_total",
			Help: "Total expired messages removed by the sweeper",
		},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clawsend_rate_limit_hits_total",
			Help: "Total sends rejected by the rate limiter",
		},
	)

	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawsend_auth_failures_total",
			Help: "Total rejected signed requests",
		},
		[]string{"reason"},
	)
)
