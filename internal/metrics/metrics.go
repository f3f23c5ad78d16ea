// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "passguard"

var (
	// PassOperations counts successful ledger mutations.
	PassOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pass_operations_total",
			Help:      "Pass ledger operations by operation and pass type",
		},
		[]string{"operation", "pass_type"},
	)

	// QuotesTotal counts priced bookings.
	QuotesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quotes_total",
			Help:      "Booking quotes by whether a pass was applied",
		},
		[]string{"pass_applied"},
	)

	QuoteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "quote_duration_seconds",
			Help:      "Latency of the price-and-reserve path",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// DispatchFailures counts fraud events the booking path failed to hand off.
	DispatchFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fraud_dispatch_failures_total",
			Help:      "Fraud events that could not be published",
		},
	)

	EventsEvaluated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fraud_events_evaluated_total",
			Help:      "Events run through the fraud evaluator by kind",
		},
		[]string{"kind"},
	)

	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fraud_evaluation_duration_seconds",
			Help:      "Latency of one fraud evaluation including history reads",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// DuplicateDeliveries counts redelivered events dropped by the worker.
	DuplicateDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fraud_duplicate_deliveries_total",
			Help:      "Redelivered fraud events skipped by the worker",
		},
	)

	// DegradedEvaluations counts history sources that failed open.
	DegradedEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fraud_degraded_evaluations_total",
			Help:      "Evaluations that skipped rules because a history source timed out or failed",
		},
		[]string{"source"},
	)

	RuleFirings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fraud_rule_firings_total",
			Help:      "Candidate alerts produced by rule type",
		},
		[]string{"rule_type"},
	)

	RulesEnabled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fraud_rules_enabled",
			Help:      "Enabled rules in the current snapshot",
		},
	)

	AlertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_created_total",
			Help:      "Alerts opened by type and severity",
		},
		[]string{"type", "severity"},
	)

	AlertsCoalesced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_coalesced_total",
			Help:      "Candidates folded into an existing alert",
		},
		[]string{"type"},
	)

	AlertsEscalated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_escalated_total",
			Help:      "Alerts whose severity was bumped",
		},
		[]string{"type"},
	)

	AlertTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_transitions_total",
			Help:      "Alert status changes by target status",
		},
		[]string{"to"},
	)

	NotifyFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_notify_failures_total",
			Help:      "Alert notifications that could not be published",
		},
	)

	// ScheduledRuns counts expiry sweeps by outcome.
	ScheduledRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_runs_total",
			Help:      "Scheduled job runs by job and outcome",
		},
		[]string{"job", "outcome"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method, route and status",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// BusMessages counts event bus traffic by topic and outcome.
	BusMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_messages_total",
			Help:      "Event bus messages by topic and outcome",
		},
		[]string{"topic", "outcome"},
	)

	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Cache calls by backend, operation and result",
		},
		[]string{"backend", "op", "result"},
	)
)
