// Package metrics holds the Prometheus collectors shared by the pipeline
// stages, the LLM layer and the HTTP server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	StageItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventgraph_stage_items_total",
			Help: "Work items processed per stage, by outcome",
		},
		[]string{"stage", "outcome"},
	)
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventgraph_stage_duration_seconds",
			Help:    "Duration of complete stage runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"stage"},
	)
	LLMRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventgraph_llm_requests_total",
			Help: "LLM chat requests per task, by outcome",
		},
		[]string{"task", "outcome"},
	)
	EmbeddingCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventgraph_embedding_cache_total",
			Help: "Embedding cache lookups, by result",
		},
		[]string{"result"},
	)
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventgraph_http_requests_total",
			Help: "HTTP API requests",
		},
		[]string{"method", "path", "status"},
	)
)

func init() {
	prometheus.MustRegister(StageItems, StageDuration, LLMRequests, EmbeddingCache, HTTPRequests)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
