package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session pool metrics
var (
	PoolSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "junkguard_pool_sessions",
			Help: "Pooled provider sessions by connection state",
		},
		[]string{"state"},
	)

	PoolEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "junkguard_pool_evictions_total",
			Help: "Sessions removed from the pool",
		},
		[]string{"reason"},
	)

	PoolConnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "junkguard_pool_connects_total",
			Help: "Session connect attempts",
		},
		[]string{"provider", "result"},
	)

	OAuthRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "junkguard_oauth_refreshes_total",
			Help: "OAuth access token refresh attempts",
		},
		[]string{"provider", "result"},
	)
)

// Scanner metrics
var (
	ChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "junkguard_checks_total",
			Help: "Account checks by trigger and outcome",
		},
		[]string{"trigger", "result"},
	)

	CheckDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "junkguard_check_duration_seconds",
			Help:    "Duration of one account check",
			Buckets: prometheus.DefBuckets,
		},
	)

	ChecksSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "junkguard_checks_skipped_total",
			Help: "Checks skipped because one was already running for the account",
		},
	)

	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "junkguard_messages_processed_total",
			Help: "Scanned messages by outcome",
		},
		[]string{"outcome"},
	)

	ScheduledAccounts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "junkguard_scheduled_accounts",
			Help: "Accounts with an active polling schedule",
		},
	)
)
