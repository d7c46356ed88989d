// Package metrics holds the Prometheus collectors for the ingestion
// service. Collectors are package-level and registered on the default
// registry via promauto; the transport layer exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values for EventsTotal.
const (
	OutcomeStored    = "stored"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

var (
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_events_total",
			Help: "Events seen by the pipeline, by outcome",
		},
		[]string{"outcome"},
	)

	WarningsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_warnings_total",
			Help: "Soft validation warnings attached to accepted events",
		},
		[]string{"code"},
	)

	IngestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_duration_seconds",
			Help:    "End-to-end pipeline duration per request",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"}, // "single", "batch"
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_batch_size",
			Help:    "Submitted batch sizes, before validation and dedupe",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1..512
		},
	)

	DedupeEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dedupe_entries",
			Help: "Fingerprints currently held in the dedupe window",
		},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status class",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration by method and route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)
