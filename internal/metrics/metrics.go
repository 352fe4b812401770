package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Investigation metrics
	InvestigationsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_investigations_started_total",
			Help: "Total number of investigations started",
		},
	)

	InvestigationsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_investigations_completed_total",
			Help: "Total number of investigations finished, by terminal status",
		},
		[]string{"status"},
	)

	InvestigationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_investigation_duration_seconds",
			Help:    "Investigation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	InvestigationsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_investigations_in_flight",
			Help: "Number of investigations currently running",
		},
	)

	// Retriever metrics
	RetrieverChunksScored = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_retriever_chunks_scored",
			Help:    "Candidate chunks considered per retrieval",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500},
		},
	)

	RetrieverDocumentsReturned = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_retriever_documents_returned",
			Help:    "Documents returned per retrieval pass",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	// Embedding cache metrics
	EmbeddingCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_embedding_cache_hits_total",
			Help: "Embedding cache hits by tier",
		},
		[]string{"tier"},
	)

	EmbeddingCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_embedding_cache_misses_total",
			Help: "Embedding cache misses that reached the provider",
		},
	)

	EmbeddingProviderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_embedding_provider_duration_seconds",
			Help:    "Embedding provider call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	// Queue metrics
	QueueMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_queue_messages_consumed_total",
			Help: "Messages consumed from the investigation stream, by outcome",
		},
		[]string{"outcome"},
	)

	QueueRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_queue_retries_total",
			Help: "Messages requeued after a transient failure",
		},
	)

	QueueDeadLetters = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_queue_dead_letters_total",
			Help: "Messages published to the dead-letter stream",
		},
	)

	// Watchdog metrics
	WatchdogTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_watchdog_timeouts_total",
			Help: "Routes moved to timeout by the stale sweep",
		},
	)

	WatchdogPendingRepublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_watchdog_pending_republished_total",
			Help: "Pending routes re-published to the work queue",
		},
	)
)
