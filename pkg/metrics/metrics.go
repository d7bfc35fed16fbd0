package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP API metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_http_requests_total",
			Help: "Total number of HTTP API requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tern_http_request_duration_seconds",
			Help:    "Duration of HTTP API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_authentication_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"result"},
	)
)

// Rule engine metrics
var (
	RuleEvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_rule_evaluations_total",
			Help: "Total number of rule evaluations against messages",
		},
		[]string{"result"},
	)

	RuleApplicationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_rule_applications_total",
			Help: "Total number of rule action applications",
		},
		[]string{"action", "status"},
	)

	RuleApplyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tern_rule_apply_duration_seconds",
			Help:    "Duration of rule apply operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"mode"},
	)

	RulesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tern_rules_active",
			Help: "Number of active rules across all accounts",
		},
	)
)

// Analyzer metrics
var (
	AnalysesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_analyses_total",
			Help: "Total number of message analyses performed",
		},
		[]string{"status"},
	)

	AnalysisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tern_analysis_duration_seconds",
			Help:    "Duration of message analysis in seconds",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1.0},
		},
	)
)

// Database performance metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status", "role"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tern_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation", "role"},
	)

	DBPoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tern_db_pool_connections",
			Help: "Current database pool connections by state",
		},
		[]string{"role", "state"},
	)

	AccountsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tern_accounts_total",
			Help: "Total number of accounts",
		},
	)
)

// Storage metrics
var (
	S3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_s3_operations_total",
			Help: "Total number of S3 operations",
		},
		[]string{"operation", "status"},
	)

	S3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tern_s3_operation_duration_seconds",
			Help:    "Duration of S3 operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	MessagesStoredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_messages_stored_total",
			Help: "Total number of messages stored",
		},
		[]string{"status"},
	)
)
