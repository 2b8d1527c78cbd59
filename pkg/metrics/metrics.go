// Package metrics defines the Prometheus collectors for the mailrelay
// server. All collectors are registered with the default registry via
// promauto; the HTTP API server exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingestion metrics
var (
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailrelay_messages_received_total",
			Help: "Total number of messages accepted by the SMTP listener",
		},
		[]string{"status"},
	)

	MessageSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailrelay_message_size_bytes",
			Help:    "Size of received messages in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)

	ParseFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailrelay_parse_failures_total",
			Help: "Total number of transmissions rejected due to parse errors",
		},
	)
)

// Rule evaluation metrics
var (
	RuleEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailrelay_rule_evaluations_total",
			Help: "Total number of rule evaluations",
		},
		[]string{"result"}, // "match" or "no_match"
	)
)

// Action execution metrics
var (
	ActionExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailrelay_action_executions_total",
			Help: "Total number of action execution attempts",
		},
		[]string{"action_type", "status"},
	)

	ActionRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailrelay_action_retries_total",
			Help: "Total number of action retry attempts",
		},
		[]string{"action_type"},
	)

	ActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailrelay_action_duration_seconds",
			Help:    "Duration of action executions in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action_type"},
	)

	ValidationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailrelay_action_validation_failures_total",
			Help: "Total number of actions rejected by configuration validation",
		},
		[]string{"action_type"},
	)

	OutcomesRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailrelay_outcomes_recorded_total",
			Help: "Total number of per-action outcome records written",
		},
		[]string{"status"},
	)
)

// Database metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailrelay_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailrelay_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation"},
	)

	DBPoolTotalConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailrelay_db_pool_total_conns",
			Help: "Total number of connections in the database pool",
		},
	)

	DBPoolIdleConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailrelay_db_pool_idle_conns",
			Help: "Number of idle connections in the database pool",
		},
	)
)
