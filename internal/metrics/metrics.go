package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow metrics
	WorkflowsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_workflows_started_total",
			Help: "Total number of advisor workflow runs started",
		},
		[]string{"mode"},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_workflows_completed_total",
			Help: "Total number of advisor workflow runs completed",
		},
		[]string{"mode", "outcome"},
	)

	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "advisor_workflow_duration_seconds",
			Help:    "Workflow execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"mode"},
	)

	NodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "advisor_node_duration_seconds",
			Help:    "Workflow node execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"node", "status"},
	)

	// Safety and intent metrics
	SafetyVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_safety_verdicts_total",
			Help: "Safety gate verdicts by tier and reason",
		},
		[]string{"tier", "reason"},
	)

	IntentClassifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_intent_classifications_total",
			Help: "Intent classifications by intent",
		},
		[]string{"intent"},
	)

	// Source metrics
	SourceFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_source_fetches_total",
			Help: "Source adapter fetches by source and status",
		},
		[]string{"source", "status"},
	)

	SourceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "advisor_source_latency_seconds",
			Help:    "Source adapter latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	FallbackDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_fallback_decisions_total",
			Help: "Fallback controller decisions",
		},
		[]string{"state", "reason"},
	)

	// LLM metrics
	LLMCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_llm_calls_total",
			Help: "LLM calls by purpose and status",
		},
		[]string{"purpose", "status"},
	)

	LLMRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_llm_retries_total",
			Help: "LLM calls retried after a timeout",
		},
		[]string{"purpose"},
	)

	LLMLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "advisor_llm_latency_seconds",
			Help:    "LLM call latency in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"purpose"},
	)

	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "advisor_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	SessionTurnsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_session_turns_appended_total",
			Help: "History turns appended to sessions",
		},
		[]string{"status"},
	)

	SessionCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "advisor_session_cache_hits_total",
			Help: "Total number of session cache hits",
		},
	)

	SessionCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "advisor_session_cache_misses_total",
			Help: "Total number of session cache misses",
		},
	)

	SessionCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "advisor_session_cache_evictions_total",
			Help: "Total number of sessions evicted from cache",
		},
	)

	// Vector DB metrics
	VectorSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_vector_search_total",
			Help: "Total number of vector searches",
		},
		[]string{"collection", "status"},
	)

	VectorSearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "advisor_vector_search_latency_seconds",
			Help:    "Vector search latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_embedding_requests_total",
			Help: "Total number of embedding requests",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "advisor_embedding_latency_seconds",
			Help:    "Embedding generation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	EmbeddingCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_embedding_cache_hits_total",
			Help: "Embedding cache hits by tier",
		},
		[]string{"tier"},
	)

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_http_requests_total",
			Help: "API requests by route and status code",
		},
		[]string{"route", "code"},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "advisor_http_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
	)
)

// RecordWorkflowMetrics records metrics for a completed workflow run
func RecordWorkflowMetrics(mode, outcome string, durationSeconds float64) {
	WorkflowsCompleted.WithLabelValues(mode, outcome).Inc()
	WorkflowDuration.WithLabelValues(mode).Observe(durationSeconds)
}

// RecordNodeMetrics records a single node execution
func RecordNodeMetrics(node, status string, durationSeconds float64) {
	NodeDuration.WithLabelValues(node, status).Observe(durationSeconds)
}

// RecordSourceMetrics records a source adapter fetch
func RecordSourceMetrics(source, status string, durationSeconds float64) {
	SourceFetches.WithLabelValues(source, status).Inc()
	if durationSeconds > 0 {
		SourceLatency.WithLabelValues(source).Observe(durationSeconds)
	}
}

// RecordLLMMetrics records an LLM call
func RecordLLMMetrics(purpose, status string, durationSeconds float64) {
	LLMCalls.WithLabelValues(purpose, status).Inc()
	if durationSeconds > 0 {
		LLMLatency.WithLabelValues(purpose).Observe(durationSeconds)
	}
}

// RecordVectorSearchMetrics records vector search metrics
func RecordVectorSearchMetrics(collection, status string, durationSeconds float64) {
	VectorSearches.WithLabelValues(collection, status).Inc()
	if durationSeconds > 0 {
		VectorSearchLatency.WithLabelValues(collection).Observe(durationSeconds)
	}
}

// RecordEmbeddingMetrics records embedding metrics
func RecordEmbeddingMetrics(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}
