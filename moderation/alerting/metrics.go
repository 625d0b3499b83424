package alerting

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var alertCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "unimod_alert_count",
	Help: "Number of alert notifications sent, by rule, channel and outcome",
}, []string{"rule", "channel", "outcome"})

var ruleErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "unimod_alert_rule_error_count",
	Help: "Number of failed monitor rule evaluations",
}, []string{"rule"})
