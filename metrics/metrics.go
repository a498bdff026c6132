package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AdmissionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medgate_admission_decisions_total",
			Help: "Total number of admission decisions by terminal stage and outcome",
		},
		[]string{"stage", "outcome"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "medgate_stage_duration_seconds",
			Help:    "Time spent in each admission stage",
			Buckets: []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .025, .05},
		},
		[]string{"stage"},
	)

	ScannerBlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medgate_scanner_blocks_total",
			Help: "Total number of requests blocked by the threat scanner",
		},
		[]string{"category"},
	)

	RateLimitDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medgate_rate_limit_denials_total",
			Help: "Total number of requests denied by a rate limit tier",
		},
		[]string{"class"},
	)

	Lockouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "medgate_lockouts_total",
			Help: "Total number of accounts that crossed the lockout threshold",
		},
	)

	RateLimitStoreFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "medgate_ratelimit_store_fallbacks_total",
			Help: "Total number of rate limit decisions served by the local store after a Redis error",
		},
	)

	RedisErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medgate_redis_errors_total",
			Help: "Total number of Redis errors by operation",
		},
		[]string{"operation"},
	)

	AuthorizationDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medgate_authorization_denials_total",
			Help: "Total number of authorization denials by reason",
		},
		[]string{"reason"},
	)

	BreakGlassGrants = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medgate_break_glass_grants_total",
			Help: "Total number of emergency access attempts by outcome",
		},
		[]string{"outcome"},
	)

	AuditEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medgate_audit_records_total",
			Help: "Total number of audit records accepted by the emitter",
		},
		[]string{"event_type"},
	)

	AuditDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "medgate_audit_dropped_total",
			Help: "Total number of audit records dropped because the buffer was full or the sink never recovered",
		},
	)

	AuditSinkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medgate_audit_sink_errors_total",
			Help: "Total number of audit sink write failures",
		},
		[]string{"sink"},
	)

	AuditQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "medgate_audit_queue_depth",
			Help: "Number of audit records waiting to be written",
		},
	)

	APIPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medgate_api_panics_total",
			Help: "Total number of recovered handler panics",
		},
		[]string{"method"},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medgate_review_notifications_total",
			Help: "Total number of review notifications by channel type and result",
		},
		[]string{"channel", "result"},
	)

	NotificationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "medgate_review_notifications_dropped_total",
			Help: "Total number of review notifications dropped because the queue was full or closed",
		},
	)
)
