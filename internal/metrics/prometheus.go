package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TurnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voice_rag_turn_duration_seconds",
			Help:    "Turn processing duration in seconds, transcription to reply",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"outcome"},
	)

	TurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voice_rag_turns_total",
			Help: "Total number of turns by terminal outcome",
		},
		[]string{"outcome"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voice_rag_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voice_rag_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	CacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voice_rag_cache_evictions_total",
			Help: "Total cache evictions",
		},
		[]string{"cache_type"},
	)

	GateBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voice_rag_gate_blocks_total",
			Help: "Queries blocked by the safety gate",
		},
		[]string{"reason", "language"},
	)

	IrrelevantQueries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voice_rag_irrelevant_queries_total",
			Help: "Queries the relevance check marked as off-topic",
		},
	)

	Summarizations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voice_rag_context_summarizations_total",
			Help: "Context blobs compressed because they exceeded the budget",
		},
	)

	ExternalCallErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voice_rag_external_call_errors_total",
			Help: "Failed calls to external collaborators",
		},
		[]string{"call"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voice_rag_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "voice_rag_active_sessions",
			Help: "Open websocket sessions",
		},
	)

	RetrievedChunks = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voice_rag_retrieved_chunks",
			Help:    "Number of chunks handed to the context assembler per turn",
			Buckets: []float64{0, 1, 2, 5, 10, 20},
		},
	)

	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "voice_rag_circuit_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			TurnDuration,
			TurnsTotal,
			CacheHits,
			CacheMisses,
			CacheEvictions,
			GateBlocks,
			IrrelevantQueries,
			Summarizations,
			ExternalCallErrors,
			LLMTokensUsed,
			ActiveSessions,
			RetrievedChunks,
			CircuitState,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
