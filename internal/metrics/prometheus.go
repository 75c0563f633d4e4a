package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docqa_query_duration_seconds",
			Help:    "Answer pipeline duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"outcome"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqa_query_total",
			Help: "Total questions processed",
		},
		[]string{"status"},
	)

	RetrievedChunks = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docqa_retrieved_chunks",
			Help:    "Chunks returned per vector search",
			Buckets: []float64{0, 1, 2, 5, 10, 20},
		},
	)

	NoAccessShortCircuits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docqa_no_access_short_circuits_total",
			Help: "Questions answered without generation because the user had no accessible documents",
		},
	)

	GenerationTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqa_generation_tokens_total",
			Help: "Generation backend tokens used",
		},
		[]string{"model", "type"},
	)

	EmbeddingCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqa_embedding_cache_total",
			Help: "Embedding cache lookups",
		},
		[]string{"result"},
	)

	DocumentsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqa_documents_ingested_total",
			Help: "Documents processed by the ingestion pipeline",
		},
		[]string{"status"},
	)

	ChunksIndexed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docqa_chunks_indexed_total",
			Help: "Chunks upserted into the vector index",
		},
	)

	IndexDeletes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqa_index_deletes_total",
			Help: "File deletions from the vector index",
		},
		[]string{"status"},
	)
)

func Init() {
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(QueryTotal)
	prometheus.MustRegister(RetrievedChunks)
	prometheus.MustRegister(NoAccessShortCircuits)
	prometheus.MustRegister(GenerationTokens)
	prometheus.MustRegister(EmbeddingCacheHits)
	prometheus.MustRegister(DocumentsIngested)
	prometheus.MustRegister(ChunksIndexed)
	prometheus.MustRegister(IndexDeletes)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
