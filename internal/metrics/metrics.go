// Package metrics provides Prometheus metrics for the orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts jobs by final status.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lightningloop",
			Subsystem: "invene",
			Name:      "jobs_total",
			Help:      "Total number of jobs by final status",
		},
		[]string{"status"}, // "completed", "failed", "cancelled"
	)

	// JobActive is 1 while a job is held, 0 otherwise.
	JobActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lightningloop",
			Subsystem: "invene",
			Name:      "job_active",
			Help:      "Whether a job is currently being executed",
		},
	)

	// JobDuration tracks job execution duration.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lightningloop",
			Subsystem: "invene",
			Name:      "job_duration_seconds",
			Help:      "Job execution duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	// NodesTotal counts nodes executed by terminal status.
	NodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lightningloop",
			Subsystem: "invene",
			Name:      "nodes_total",
			Help:      "Total number of nodes executed by terminal status",
		},
		[]string{"status"}, // "done", "failed", "blocked", "skipped"
	)

	// NodeDuration tracks node execution duration.
	NodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lightningloop",
			Subsystem: "invene",
			Name:      "node_duration_seconds",
			Help:      "Node execution duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)

	// EventsPosted counts events posted to the relay by type.
	EventsPosted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lightningloop",
			Subsystem: "invene",
			Name:      "events_posted_total",
			Help:      "Total number of events posted to the relay",
		},
		[]string{"type"},
	)

	// ClaimPollsTotal counts job claim polls by outcome.
	ClaimPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lightningloop",
			Subsystem: "invene",
			Name:      "claim_polls_total",
			Help:      "Total number of relay claim polls",
		},
		[]string{"outcome"}, // "claimed", "empty", "error"
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lightningloop",
			Subsystem: "invene",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lightningloop",
			Subsystem: "invene",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SSEClientsActive tracks open event stream connections.
	SSEClientsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lightningloop",
			Subsystem: "invene",
			Name:      "sse_clients_active",
			Help:      "Number of open event stream connections",
		},
	)

	// EventLogDepth tracks retained events in the local mirror.
	EventLogDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lightningloop",
			Subsystem: "invene",
			Name:      "eventlog_depth",
			Help:      "Number of events retained for the current graph",
		},
	)
)
