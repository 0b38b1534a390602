// Package observability exposes Prometheus metrics for query traffic
// and cache effectiveness.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueriesTotal counts completed queries by provider and outcome.
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docuchat_queries_total",
		Help: "Completed queries by provider and outcome.",
	}, []string{"provider", "outcome"})

	// InputTokensTotal counts uncached prompt tokens billed at full rate.
	InputTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docuchat_input_tokens_total",
		Help: "Uncached input tokens by provider.",
	}, []string{"provider"})

	// OutputTokensTotal counts generated tokens.
	OutputTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docuchat_output_tokens_total",
		Help: "Output tokens by provider.",
	}, []string{"provider"})

	// CacheReadTokensTotal counts prompt tokens served from cache.
	CacheReadTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docuchat_cache_read_tokens_total",
		Help: "Prompt tokens served from provider cache.",
	}, []string{"provider"})

	// CacheWriteTokensTotal counts tokens written into provider caches.
	CacheWriteTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docuchat_cache_write_tokens_total",
		Help: "Tokens written into provider caches.",
	}, []string{"provider"})

	// ProviderRetriesTotal counts retried provider calls.
	ProviderRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docuchat_provider_retries_total",
		Help: "Retried provider calls by provider.",
	}, []string{"provider"})

	// CacheHitRate observes the per-query cache hit rate.
	CacheHitRate = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docuchat_cache_hit_rate",
		Help:    "Per-query cache hit rate.",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	}, []string{"provider"})

	// QueryDuration observes end-to-end query latency.
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docuchat_query_duration_seconds",
		Help:    "End-to-end query latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
