package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label value constants to prevent typos
const (
	// Queue types
	QueueTypeWebhook = "webhook"
	QueueTypeSyncJob = "sync_job"

	// Queue results
	ResultSuccess = "success"
	ResultRetry   = "retry"
	ResultDropped = "dropped"
	ResultFailure = "failure"

	// Worker outcomes
	OutcomeWebhookFound = "webhook_found"
	OutcomeSyncJobFound = "sync_job_found"
	OutcomeIdle         = "idle"

	// HTTP endpoints
	EndpointOAuthStart       = "oauth_start"
	EndpointOAuthCallback    = "oauth_callback"
	EndpointWebhook          = "webhook_callback"
	EndpointLeaderboard      = "leaderboard"
	EndpointLeaderboardRange = "leaderboard_range"
	EndpointBreakdown        = "athlete_breakdown"
	EndpointResync           = "resync"
	EndpointHealth           = "health"

	// Strava API operations
	OpExchangeCode       = "exchange_code"
	OpRefreshToken       = "refresh_token"
	OpGetActivity        = "get_activity"
	OpListActivities     = "list_activities"
	OpCreateSubscription = "create_subscription"
	OpDeleteSubscription = "delete_subscription"
	OpListSubscriptions  = "list_subscriptions"

	// Quota windows
	WindowShort = "short"
	WindowLong  = "long"

	// Quota buckets
	BucketLimit = "limit"
	BucketUsage = "usage"

	// Leaderboard query types
	QueryWeekly    = "weekly"
	QueryRange     = "range"
	QueryBreakdown = "breakdown"

	// Database operations
	DBOpEnqueueWebhook             = "enqueue_webhook"
	DBOpClaimWebhook               = "claim_webhook"
	DBOpDeleteWebhook              = "delete_webhook"
	DBOpReleaseWebhook             = "release_webhook"
	DBOpEnqueueSyncJob             = "enqueue_sync_job"
	DBOpClaimSyncJob               = "claim_sync_job"
	DBOpDeleteSyncJob              = "delete_sync_job"
	DBOpReleaseSyncJob             = "release_sync_job"
	DBOpGetAthlete                 = "get_athlete"
	DBOpUpsertAthlete              = "upsert_athlete"
	DBOpUpdateAthleteTokens        = "update_athlete_tokens"
	DBOpUpsertActivity             = "upsert_activity"
	DBOpMarkActivityDeleted        = "mark_activity_deleted"
	DBOpListEligibleActivities     = "list_eligible_activities"
)

// HTTP Metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint", "status_code"},
	)
)

// Queue Metrics
var (
	QueueDepthTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth_total",
			Help: "Total number of items in queue (all states)",
		},
		[]string{"queue_type"},
	)

	QueueDepthReady = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth_ready",
			Help: "Number of items ready for processing",
		},
		[]string{"queue_type"},
	)

	QueueEnqueueTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_enqueue_total",
			Help: "Total number of items enqueued",
		},
		[]string{"queue_type"},
	)

	QueueDequeueTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_dequeue_total",
			Help: "Total number of items dequeued with outcome",
		},
		[]string{"queue_type", "result"},
	)

	QueueProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queue_processing_duration_seconds",
			Help:    "Time spent processing queue items",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"queue_type", "result"},
	)

	QueueRetryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_retry_total",
			Help: "Total number of retry attempts",
		},
		[]string{"queue_type", "retry_count"},
	)
)

// Worker Metrics
var (
	WorkerPollCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_poll_cycles_total",
			Help: "Total number of worker poll cycles by outcome",
		},
		[]string{"outcome"},
	)

	WorkerActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_active",
			Help: "Whether the worker is currently active (1) or not (0)",
		},
	)
)

// Strava API Metrics
var (
	StravaAPIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strava_api_requests_total",
			Help: "Total number of Strava API requests",
		},
		[]string{"operation", "status_code"},
	)

	StravaAPIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "strava_api_request_duration_seconds",
			Help:    "Strava API request latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"operation", "status_code"},
	)
)

// Quota Metrics
var (
	QuotaAdmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_admissions_total",
			Help: "Total number of calls admitted through the quota limiter",
		},
		[]string{"priority"},
	)

	QuotaWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quota_wait_duration_seconds",
			Help:    "Time callers spent waiting for quota admission",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"priority"},
	)

	QuotaWindowUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quota_window_usage",
			Help: "Quota window usage and limits",
		},
		[]string{"window", "bucket"},
	)

	QuotaCooldownsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_cooldowns_total",
			Help: "Total number of remote-reported rate limit cooldowns",
		},
		[]string{"window"},
	)
)

// Token Metrics
var (
	TokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_refreshes_total",
			Help: "Total number of OAuth token refreshes",
		},
		[]string{"result"},
	)
)

// Scoring Metrics
var (
	LeaderboardQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leaderboard_query_duration_seconds",
			Help:    "Leaderboard query latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"query"},
	)
)

// Database Metrics
var (
	DBOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_operation_duration_seconds",
			Help:    "Database operation latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)

	DBOperationErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_operation_errors_total",
			Help: "Total number of database operation errors",
		},
		[]string{"operation"},
	)
)

// Business Metrics
var (
	WebhookEventsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_processed_total",
			Help: "Total number of webhook events processed",
		},
		[]string{"object_type", "aspect_type"},
	)

	SyncJobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_jobs_completed_total",
			Help: "Total number of sync jobs completed",
		},
		[]string{"job_type"},
	)

	BackfillActivitiesCount = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "backfill_activities_count",
			Help:    "Number of activities listed per sync_all_activities job",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
	)
)
