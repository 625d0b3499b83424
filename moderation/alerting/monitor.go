// Package alerting watches the review case store for abuse spikes and queue
// backlogs, and notifies moderators through the configured channels.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/unicon-campus/unimod/moderation"
	"github.com/unicon-campus/unimod/moderation/casestore"
)

const (
	SubjectHighRisk    = "High-Risk Upload Spike"
	SubjectNsfw        = "NSFW Detection Spike"
	SubjectQueue       = "Quarantine Queue Backlog"
	SubjectAppeals     = "Appeal Backlog"
	SubjectSuspicious  = "Suspicious User Activity"
	SubjectDailyReport = "Daily Moderation Report"
	defaultSendTimeout = 30 * time.Second
)

// Store is the read side of the case store the monitor evaluates rules against.
type Store interface {
	CountRiskSince(ctx context.Context, risk moderation.RiskLevel, since time.Time) (int64, error)
	CountNsfwSince(ctx context.Context, minScore float64, since time.Time) (int64, error)
	CountStatuses(ctx context.Context, statuses ...moderation.CaseStatus) (int64, error)
	CountPendingAppeals(ctx context.Context) (int64, error)
	RejectedBySubmitterSince(ctx context.Context, since time.Time, minCount int64) ([]casestore.SubmitterCount, error)
	Digest(ctx context.Context, from, to time.Time) (*casestore.DailyDigest, error)
}

type Monitor struct {
	Store    Store
	Channels []Channel
	Policy   Policy
	Logger   *slog.Logger
	Now      func() time.Time

	SendTimeout time.Duration

	// murmur3 of submitter id -> when they were last reported
	notified   map[uint64]time.Time
	notifiedMu sync.Mutex

	sends sync.WaitGroup

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewMonitor(store Store, channels []Channel, policy Policy, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		Store:       store,
		Channels:    channels,
		Policy:      policy.withDefaults(),
		Logger:      logger.With("system", "alerting"),
		Now:         time.Now,
		SendTimeout: defaultSendTimeout,
		notified:    make(map[uint64]time.Time),
	}
}

// Start runs both cadences in the background until Stop is called or ctx is
// done. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
	m.Logger.Info("monitor started", "interval", m.Policy.ShortInterval, "digestInterval", m.Policy.DigestInterval)
}

// Stop cancels the schedule and waits for the running cycle and any
// in-flight notifications to finish.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.sends.Wait()
	m.Logger.Info("monitor stopped")
}

// Wait blocks until every notification dispatched so far has been attempted.
func (m *Monitor) Wait() {
	m.sends.Wait()
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	short := time.NewTicker(m.Policy.ShortInterval)
	defer short.Stop()
	digest := time.NewTicker(m.Policy.DigestInterval)
	defer digest.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-short.C:
			m.RunShortCycle(ctx)
		case <-digest.C:
			m.RunDailyDigest(ctx)
		}
	}
}

type rule struct {
	name string
	eval func(ctx context.Context, now time.Time) error
}

// RunShortCycle evaluates every threshold rule once. A failing rule is
// logged and does not stop the others.
func (m *Monitor) RunShortCycle(ctx context.Context) {
	now := m.Now()
	rules := []rule{
		{"high_risk", m.checkHighRisk},
		{"nsfw", m.checkNsfw},
		{"queue", m.checkQueue},
		{"appeals", m.checkAppeals},
		{"suspicious_users", m.checkSuspiciousUsers},
	}
	for _, r := range rules {
		if ctx.Err() != nil {
			return
		}
		if err := r.eval(ctx, now); err != nil {
			ruleErrorCount.WithLabelValues(r.name).Inc()
			m.Logger.Error("monitor rule failed", "rule", r.name, "err", err)
		}
	}
}

func (m *Monitor) checkHighRisk(ctx context.Context, now time.Time) error {
	n, err := m.Store.CountRiskSince(ctx, moderation.RiskHigh, now.Add(-m.Policy.HighRiskWindow))
	if err != nil {
		return err
	}
	if n >= m.Policy.HighRiskThreshold {
		m.dispatch(ctx, "high_risk", SubjectHighRisk,
			fmt.Sprintf("%d high-risk content uploads detected in the last %s. Immediate review recommended.", n, windowText(m.Policy.HighRiskWindow)),
			PriorityHigh)
	}
	return nil
}

func (m *Monitor) checkNsfw(ctx context.Context, now time.Time) error {
	n, err := m.Store.CountNsfwSince(ctx, m.Policy.NsfwScore, now.Add(-m.Policy.NsfwWindow))
	if err != nil {
		return err
	}
	if n >= m.Policy.NsfwThreshold {
		m.dispatch(ctx, "nsfw", SubjectNsfw,
			fmt.Sprintf("%d NSFW content detections in the last %s. AI confidence levels high.", n, windowText(m.Policy.NsfwWindow)),
			PriorityHigh)
	}
	return nil
}

func (m *Monitor) checkQueue(ctx context.Context, now time.Time) error {
	n, err := m.Store.CountStatuses(ctx, moderation.StatusPending, moderation.StatusQuarantined)
	if err != nil {
		return err
	}
	if n >= m.Policy.QueueThreshold {
		m.dispatch(ctx, "queue", SubjectQueue,
			fmt.Sprintf("Quarantine queue has %d items pending review. Consider increasing review capacity.", n),
			PriorityMedium)
	}
	return nil
}

func (m *Monitor) checkAppeals(ctx context.Context, now time.Time) error {
	n, err := m.Store.CountPendingAppeals(ctx)
	if err != nil {
		return err
	}
	if n >= m.Policy.AppealThreshold {
		m.dispatch(ctx, "appeals", SubjectAppeals,
			fmt.Sprintf("%d content appeals pending review. Users may be waiting for responses.", n),
			PriorityMedium)
	}
	return nil
}

func (m *Monitor) checkSuspiciousUsers(ctx context.Context, now time.Time) error {
	rows, err := m.Store.RejectedBySubmitterSince(ctx, now.Add(-m.Policy.RejectionsWindow), m.Policy.RejectionsThreshold)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if !m.markNotified(row.UploadedBy, now) {
			continue
		}
		m.dispatch(ctx, "suspicious_users", SubjectSuspicious,
			fmt.Sprintf("User %s has %d rejected uploads in the last %s. Consider reviewing their account.", row.UploadedBy, row.Count, windowText(m.Policy.RejectionsWindow)),
			PriorityMedium)
	}
	return nil
}

// markNotified reports whether the submitter may be reported now, and
// records it. A submitter is reported at most once per rejections window.
func (m *Monitor) markNotified(submitter string, now time.Time) bool {
	key := murmur3.Sum64([]byte(submitter))
	m.notifiedMu.Lock()
	defer m.notifiedMu.Unlock()
	for k, at := range m.notified {
		if now.Sub(at) >= m.Policy.RejectionsWindow {
			delete(m.notified, k)
		}
	}
	if _, ok := m.notified[key]; ok {
		return false
	}
	m.notified[key] = now
	return true
}

// DigestRange is the previous UTC calendar day relative to now.
func DigestRange(now time.Time) (from, to time.Time) {
	now = now.UTC()
	to = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return to.AddDate(0, 0, -1), to
}

// RunDailyDigest reports the previous calendar day's cases by status and risk.
func (m *Monitor) RunDailyDigest(ctx context.Context) {
	from, to := DigestRange(m.Now())
	if err := m.SendDigest(ctx, from, to); err != nil {
		ruleErrorCount.WithLabelValues("digest").Inc()
		m.Logger.Error("daily digest failed", "from", from, "err", err)
	}
}

func (m *Monitor) SendDigest(ctx context.Context, from, to time.Time) error {
	d, err := m.Store.Digest(ctx, from, to)
	if err != nil {
		return err
	}
	m.dispatch(ctx, "digest", SubjectDailyReport, FormatDigest(d), PriorityLow)
	return nil
}

func FormatDigest(d *casestore.DailyDigest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Daily Content Moderation Report - %s\n\n", d.From.Format("Mon Jan 02 2006"))
	b.WriteString("Summary\n")
	fmt.Fprintf(&b, "- Total uploads: %d\n", d.Total)
	for _, s := range []moderation.CaseStatus{moderation.StatusApproved, moderation.StatusRejected, moderation.StatusQuarantined} {
		fmt.Fprintf(&b, "- %s: %d\n", strings.ToUpper(string(s[:1]))+string(s[1:]), d.ByStatus[string(s)])
	}
	b.WriteString("\nRisk Distribution\n")
	writeCounts(&b, d.ByRisk)
	b.WriteString("\nStatus Distribution\n")
	writeCounts(&b, d.ByStatus)
	return b.String()
}

func writeCounts(b *strings.Builder, counts map[string]int64) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "- %s: %d\n", k, counts[k])
	}
}

func windowText(d time.Duration) string {
	if d == time.Hour {
		return "hour"
	}
	return d.String()
}

// dispatch hands the alert to every channel without waiting for delivery.
func (m *Monitor) dispatch(ctx context.Context, ruleName, subject, body string, priority Priority) {
	m.Logger.Info("alert triggered", "rule", ruleName, "subject", subject, "priority", priority)
	// deliveries outlive the cycle; only the send timeout bounds them
	sendCtx := context.WithoutCancel(ctx)
	for _, ch := range m.Channels {
		m.sends.Add(1)
		go func() {
			defer m.sends.Done()
			ctx, cancel := context.WithTimeout(sendCtx, m.SendTimeout)
			defer cancel()
			if err := ch.Send(ctx, subject, body, priority); err != nil {
				alertCount.WithLabelValues(ruleName, ch.Name(), "error").Inc()
				m.Logger.Error("failed to send alert", "channel", ch.Name(), "subject", subject, "err", err)
				return
			}
			alertCount.WithLabelValues(ruleName, ch.Name(), "ok").Inc()
		}()
	}
}
