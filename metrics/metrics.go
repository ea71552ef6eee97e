package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RulesLoaded counts rules placed in a forest.
	// Labels:
	//   - strategy: "root", "if_sid", "if_level", "if_group", "category" or "overwrite"
	RulesLoaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "analysisd",
			Name:      "rules_loaded_total",
			Help:      "Total number of rules inserted into the rule forest",
		},
		[]string{"strategy"},
	)

	ForestNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "analysisd",
			Name:      "forest_nodes",
			Help:      "Number of tree positions in the published rule forest",
		},
	)

	ForestRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "analysisd",
			Name:      "forest_records",
			Help:      "Number of distinct rules in the published rule forest",
		},
	)

	RuleRelocations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "analysisd",
			Name:      "rule_relocations_total",
			Help:      "Total number of rules moved to a new parent by an overwrite",
		},
	)

	// CorrelationMarks counts match history links wired by the correlation marker.
	// Labels:
	//   - kind: "sid", "group" or "sid_missing"
	CorrelationMarks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "analysisd",
			Name:      "correlation_marks_total",
			Help:      "Total number of if_matched_sid/if_matched_group links",
		},
		[]string{"kind"},
	)

	HistoryAppends = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "analysisd",
			Name:      "history_appends_total",
			Help:      "Total number of matches recorded in match history lists",
		},
	)

	// EventsEvaluated counts evaluated events.
	// Labels:
	//   - result: "match" or "no_match"
	EventsEvaluated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "analysisd",
			Name:      "events_evaluated_total",
			Help:      "Total number of events evaluated against the rule forest",
		},
		[]string{"result"},
	)

	EventEvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "analysisd",
			Name:      "event_evaluation_duration_seconds",
			Help:      "Time taken to walk the rule forest for one event",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		},
	)

	// RegexErrors counts regex patterns that failed to compile or timed out.
	// Labels:
	//   - reason: "compile" or "timeout"
	RegexErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "analysisd",
			Name:      "regex_errors_total",
			Help:      "Total number of regex compile failures and match timeouts",
		},
		[]string{"reason"},
	)

	// AlertsStored counts alerts handled by the alert store.
	// Labels:
	//   - result: "stored", "duplicate" or "failed"
	AlertsStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "analysisd",
			Name:      "alerts_stored_total",
			Help:      "Total number of alerts written to the alert database",
		},
		[]string{"result"},
	)

	// IngestEvents counts events received by the network listeners.
	// Labels:
	//   - protocol: "tcp" or "udp"
	//   - result: "accepted", "malformed", "rate_limited" or "dropped"
	IngestEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "analysisd",
			Name:      "ingest_events_total",
			Help:      "Total number of events received by the event listeners",
		},
		[]string{"protocol", "result"},
	)

	TCPConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "analysisd",
			Name:      "ingest_tcp_connections_active",
			Help:      "Number of open event listener connections",
		},
	)

	TCPConnectionsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "analysisd",
			Name:      "ingest_tcp_connections_rejected_total",
			Help:      "Total number of connections refused by the event listener limits",
		},
	)

	WorkerPoolActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "analysisd",
			Name:      "worker_pool_active_workers",
			Help:      "Number of running workers per pool",
		},
		[]string{"pool_type"},
	)

	WorkerPoolQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "analysisd",
			Name:      "worker_pool_queue_size",
			Help:      "Number of queued tasks per pool",
		},
		[]string{"pool_type"},
	)

	WorkerPoolTasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "analysisd",
			Name:      "worker_pool_tasks_processed_total",
			Help:      "Total number of tasks completed per pool",
		},
		[]string{"pool_type"},
	)
)
