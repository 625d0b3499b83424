package alerting

import (
	"time"
)

// Policy holds the thresholds, windows and cadences of the monitor.
type Policy struct {
	HighRiskThreshold   int64
	NsfwThreshold       int64
	QueueThreshold      int64
	AppealThreshold     int64
	RejectionsThreshold int64

	// minimum AI score counted as an NSFW detection
	NsfwScore float64

	HighRiskWindow   time.Duration
	NsfwWindow       time.Duration
	RejectionsWindow time.Duration

	ShortInterval  time.Duration
	DigestInterval time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		HighRiskThreshold:   5,
		NsfwThreshold:       3,
		QueueThreshold:      10,
		AppealThreshold:     5,
		RejectionsThreshold: 3,
		NsfwScore:           0.8,
		HighRiskWindow:      time.Hour,
		NsfwWindow:          time.Hour,
		RejectionsWindow:    time.Hour,
		ShortInterval:       5 * time.Minute,
		DigestInterval:      24 * time.Hour,
	}
}

// withDefaults fills zero fields from DefaultPolicy.
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.HighRiskThreshold <= 0 {
		p.HighRiskThreshold = d.HighRiskThreshold
	}
	if p.NsfwThreshold <= 0 {
		p.NsfwThreshold = d.NsfwThreshold
	}
	if p.QueueThreshold <= 0 {
		p.QueueThreshold = d.QueueThreshold
	}
	if p.AppealThreshold <= 0 {
		p.AppealThreshold = d.AppealThreshold
	}
	if p.RejectionsThreshold <= 0 {
		p.RejectionsThreshold = d.RejectionsThreshold
	}
	if p.NsfwScore <= 0 {
		p.NsfwScore = d.NsfwScore
	}
	if p.HighRiskWindow <= 0 {
		p.HighRiskWindow = d.HighRiskWindow
	}
	if p.NsfwWindow <= 0 {
		p.NsfwWindow = d.NsfwWindow
	}
	if p.RejectionsWindow <= 0 {
		p.RejectionsWindow = d.RejectionsWindow
	}
	if p.ShortInterval <= 0 {
		p.ShortInterval = d.ShortInterval
	}
	if p.DigestInterval <= 0 {
		p.DigestInterval = d.DigestInterval
	}
	return p
}
