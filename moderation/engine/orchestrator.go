package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/unicon-campus/unimod/moderation"
	"github.com/unicon-campus/unimod/moderation/casestore"
	"github.com/unicon-campus/unimod/moderation/filestore"
	"github.com/unicon-campus/unimod/moderation/intake"
	"github.com/unicon-campus/unimod/moderation/visual"
)

var tracer = otel.Tracer("engine")

// DefaultMaxAnalysisBytes is well above the intake image limit. Oversized
// images are routed to the AI stage.
const DefaultMaxAnalysisBytes int64 = 5 * intake.DefaultMaxImageBytes

// Analyzer is the AI aggregation step.
type Analyzer interface {
	Analyze(ctx context.Context, img visual.Image) (*moderation.AIAnalysis, error)
}

// CaseRecorder persists review cases.
type CaseRecorder interface {
	CreateCase(ctx context.Context, c *casestore.ReviewCase) error
}

type Config struct {
	// treat the AI "review" band as quarantine instead of approval
	ReviewBandQuarantine bool
	// bound on the AI stage; exceeding it counts as an AI failure
	DecisionTimeout time.Duration
	// largest prefix of an upload read into memory for AI analysis,
	// independent of the intake size limits
	MaxAnalysisBytes int64
}

// Orchestrator is the intake entry point. It sequences the risk engine, the
// AI analysis and case recording, and owns writes to the file store.
type Orchestrator struct {
	Risk     *RiskEngine
	Analyzer Analyzer
	Cases    CaseRecorder
	Files    filestore.FileStore
	Config   Config
	Logger   *slog.Logger
}

func NewOrchestrator(risk *RiskEngine, analyzer Analyzer, cases CaseRecorder, files filestore.FileStore, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DecisionTimeout <= 0 {
		cfg.DecisionTimeout = 2 * visual.DefaultProviderTimeout
	}
	if cfg.MaxAnalysisBytes <= 0 {
		cfg.MaxAnalysisBytes = DefaultMaxAnalysisBytes
	}
	return &Orchestrator{
		Risk:     risk,
		Analyzer: analyzer,
		Cases:    cases,
		Files:    files,
		Config:   cfg,
		Logger:   logger.With("system", "orchestrator"),
	}
}

// Moderate decides one submission. Errors are infrastructure failures (file
// store or case store); when one is returned no decision was recorded and
// the upload has been removed.
func (o *Orchestrator) Moderate(ctx context.Context, sub *Submission) (Decision, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.Moderate")
	defer span.End()
	start := time.Now()
	defer func() {
		decisionDuration.Observe(time.Since(start).Seconds())
	}()

	write := func(ctx context.Context, up *Upload) (string, error) {
		return o.Files.Write(ctx, up.Content, up.FileName, sub.SubmitterID)
	}
	a, err := o.Risk.Assess(ctx, sub, write)
	if err != nil {
		return nil, err
	}
	res := a.Result
	span.SetAttributes(attribute.String("risk", string(res.RiskAssessment.OverallRisk)))

	if a.Violation != "" {
		if a.StoredPath != "" {
			o.deleteFile(ctx, a.StoredPath)
		}
		return o.block(res, a.Violation, "validation"), nil
	}

	if sub.File == nil {
		decisionCount.WithLabelValues("allow", "text").Inc()
		return Allow{}, nil
	}

	if res.RiskAssessment.OverallRisk == moderation.RiskHigh || res.Quarantine || sub.ForceQuarantine {
		return o.quarantine(ctx, sub, a, ReasonManualReview, "risk")
	}

	if res.RiskAssessment.OverallRisk == moderation.RiskMedium {
		analysis := o.analyze(ctx, sub, a)
		a.Result.AIAnalysis = analysis
		if analysis.Failed {
			return o.quarantine(ctx, sub, a, visual.ReasonAnalysisFailed, "ai-failure")
		}
		switch analysis.Recommendation {
		case moderation.RecommendBlock:
			// the file goes before the case is written, so no case ever points at a live file
			o.deleteFile(ctx, a.StoredPath)
			return o.rejectAfterAI(ctx, sub, a)
		case moderation.RecommendQuarantine:
			return o.quarantine(ctx, sub, a, ReasonAIReview, "ai")
		case moderation.RecommendReview:
			if o.Config.ReviewBandQuarantine {
				return o.quarantine(ctx, sub, a, ReasonAIReview, "ai-review")
			}
		}
	}

	return o.approve(ctx, sub, a)
}

// analyze runs the aggregator under the decision deadline. Any failure comes
// back as a failed analysis, never as an error.
func (o *Orchestrator) analyze(ctx context.Context, sub *Submission, a *Assessment) *moderation.AIAnalysis {
	failed := &moderation.AIAnalysis{
		Analyses:       []moderation.ProviderResult{},
		Recommendation: moderation.RecommendReview,
		Reasons:        []string{visual.ReasonAnalysisFailed},
		Failed:         true,
	}
	if o.Analyzer == nil {
		return failed
	}

	ctx, cancel := context.WithTimeout(ctx, o.Config.DecisionTimeout)
	defer cancel()

	data, truncated, err := filestore.ReadHead(ctx, o.Files, a.StoredPath, o.Config.MaxAnalysisBytes)
	if err != nil {
		o.Logger.Warn("could not read upload for AI analysis", "path", a.StoredPath, "err", err)
		return failed
	}
	if truncated {
		o.Logger.Info("analysing head of large upload", "path", a.StoredPath, "limit", o.Config.MaxAnalysisBytes)
	}
	img := visual.Image{Data: data, MimeType: sub.File.MimeType, Size: sub.File.Size}
	if fa := a.Result.FileAnalysis; fa != nil && fa.Hash != nil {
		img.Hash = fa.Hash.Hash
	}

	analysis, err := o.Analyzer.Analyze(ctx, img)
	if err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("decision deadline exceeded after %s", o.Config.DecisionTimeout)
	}
	if err != nil {
		o.Logger.Warn("AI analysis failed, routing to review", "submitter", sub.SubmitterID, "err", err)
		if analysis != nil && analysis.Failed {
			return analysis
		}
		return failed
	}
	return analysis
}

func (o *Orchestrator) block(res moderation.ModerationResult, reason, stage string) Block {
	res.Action = moderation.ActionBlock
	id := uuid.NewString()
	o.Logger.Info("submission blocked",
		"moderationId", id,
		"submitter", res.SubmitterID,
		"reason", reason,
		"factors", res.RiskAssessment.Factors,
	)
	decisionCount.WithLabelValues("block", stage).Inc()
	return Block{Reason: reason, ModerationID: id}
}

func (o *Orchestrator) newCase(sub *Submission, a *Assessment, status moderation.CaseStatus) *casestore.ReviewCase {
	action, _ := moderation.ActionForStatus(status)
	a.Result.Action = action
	var kind moderation.FileKind
	if fa := a.Result.FileAnalysis; fa != nil && fa.FileType != nil {
		kind = fa.FileType.FileType
	}
	c := &casestore.ReviewCase{
		OriginalFileName: sub.File.FileName,
		FilePath:         a.StoredPath,
		FileType:         kind,
		FileSize:         max(sub.File.Size, 0),
		UploadedBy:       sub.SubmitterID,
		UploadDate:       a.Result.Timestamp,
		Status:           status,
		Action:           action,
	}
	c.SetResults(a.Result)
	return c
}

// record persists the case. On failure the upload is removed so nothing
// unrecorded stays on disk.
func (o *Orchestrator) record(ctx context.Context, c *casestore.ReviewCase) error {
	if err := o.Cases.CreateCase(ctx, c); err != nil {
		o.Logger.Error("failed to record moderation case", "submitter", c.UploadedBy, "status", c.Status, "err", err)
		if c.Status != moderation.StatusRejected {
			o.deleteFile(ctx, c.FilePath)
		}
		return fmt.Errorf("recording moderation decision: %w", err)
	}
	return nil
}

func (o *Orchestrator) quarantine(ctx context.Context, sub *Submission, a *Assessment, reason, stage string) (Decision, error) {
	c := o.newCase(sub, a, moderation.StatusQuarantined)
	if err := o.record(ctx, c); err != nil {
		return nil, err
	}
	o.Logger.Info("submission quarantined", "case", c.ID, "submitter", sub.SubmitterID, "stage", stage, "factors", a.Result.RiskAssessment.Factors)
	decisionCount.WithLabelValues("quarantine", stage).Inc()
	return Quarantine{CaseID: c.ID, Reason: reason}, nil
}

func (o *Orchestrator) rejectAfterAI(ctx context.Context, sub *Submission, a *Assessment) (Decision, error) {
	c := o.newCase(sub, a, moderation.StatusRejected)
	if err := o.record(ctx, c); err != nil {
		return nil, err
	}
	b := o.block(a.Result, ReasonAIBlocked, "ai")
	b.CaseID = c.ID
	return b, nil
}

func (o *Orchestrator) approve(ctx context.Context, sub *Submission, a *Assessment) (Decision, error) {
	c := o.newCase(sub, a, moderation.StatusApproved)
	if err := o.record(ctx, c); err != nil {
		return nil, err
	}
	decisionCount.WithLabelValues("allow", "file").Inc()
	return Allow{CaseID: c.ID}, nil
}

func (o *Orchestrator) deleteFile(ctx context.Context, path string) {
	if path == "" {
		return
	}
	if err := o.Files.Delete(ctx, path); err != nil {
		o.Logger.Error("failed to delete upload", "path", path, "err", err)
	}
}
