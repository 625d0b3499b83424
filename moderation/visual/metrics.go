package visual

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var providerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "unimod_provider_duration_sec",
	Help:    "Duration of classifier provider calls",
	Buckets: prometheus.ExponentialBuckets(0.05, 2, 11),
}, []string{"provider"})

var providerCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "unimod_provider_count",
	Help: "Number of classifier provider calls, by outcome",
}, []string{"provider", "outcome"})

var vendorStatusCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "unimod_provider_http_count",
	Help: "Number of classifier vendor HTTP calls, by HTTP status code",
}, []string{"provider", "status"})

var recommendationCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "unimod_ai_recommendation_count",
	Help: "Number of aggregated AI analyses, by recommendation",
}, []string{"recommendation"})

var fallbackCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "unimod_ai_fallback_count",
	Help: "Number of analyses where the local heuristic stood in for all providers",
})

var cacheHitCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "unimod_ai_cache_hit_count",
	Help: "Number of analyses served from the result cache",
})
