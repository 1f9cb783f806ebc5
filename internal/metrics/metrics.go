// Package metrics declares the relay's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request duration, upgrades excluded",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Connection metrics
	OpenSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_open_sessions",
			Help: "Websocket sessions currently open",
		},
	)

	RejectedFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_rejected_frames_total",
			Help: "Inbound frames that closed their connection",
		},
		[]string{"reason"},
	)

	// Relay metrics
	MessagesCommitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_messages_committed_total",
			Help: "Messages written to the mailbox",
		},
	)

	CommitFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_commit_failures_total",
			Help: "Mailbox commits that failed",
		},
	)

	MessagesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_messages_delivered_total",
			Help: "Payloads queued to a peer socket",
		},
	)

	CorruptEntries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_corrupt_entries_total",
			Help: "Scanned mailbox entries skipped for having an unexpected shape",
		},
	)

	ScanFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_scan_failures_total",
			Help: "Mailbox scans aborted by a store error",
		},
	)

	MailboxLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_mailbox_latency_seconds",
			Help:    "Mailbox operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		},
		[]string{"op"},
	)
)
