package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var decisionCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "unimod_decision_count",
	Help: "Number of moderation decisions, by outcome and stage",
}, []string{"decision", "stage"})

var decisionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "unimod_decision_duration_sec",
	Help:    "Duration of moderating one submission",
	Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
})
