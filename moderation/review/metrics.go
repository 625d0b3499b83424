package review

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var transitionCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "unimod_review_transition_count",
	Help: "Number of moderator transitions, by kind (case, appeal, post) and resulting status",
}, []string{"kind", "status"})
