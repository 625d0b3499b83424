package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/unicon-campus/unimod/moderation"
	"github.com/unicon-campus/unimod/moderation/filestore"
	"github.com/unicon-campus/unimod/moderation/hashes"
	"github.com/unicon-campus/unimod/moderation/intake"
)

// ScoreFactors applies the counting policy: no factors is low risk, one is
// medium, two or more is high.
func ScoreFactors(factors []string) moderation.RiskAssessment {
	if factors == nil {
		factors = []string{}
	}
	ra := moderation.RiskAssessment{Factors: factors}
	switch {
	case len(factors) == 0:
		ra.OverallRisk, ra.Confidence = moderation.RiskLow, 0.9
	case len(factors) == 1:
		ra.OverallRisk, ra.Confidence = moderation.RiskMedium, 0.7
	default:
		ra.OverallRisk, ra.Confidence = moderation.RiskHigh, 0.8
	}
	return ra
}

func hardViolation(factors []string, reason string) moderation.RiskAssessment {
	return moderation.RiskAssessment{
		OverallRisk: moderation.RiskHigh,
		Factors:     append(factors, reason),
		Confidence:  1.0,
	}
}

// Assessment is the outcome of the validator layers for one submission.
type Assessment struct {
	Result moderation.ModerationResult
	// public reason of the hard violation that stopped the assessment, empty when none
	Violation string
	// where the upload was written, empty if it never was
	StoredPath string
}

// WriteFunc persists an upload and returns its storage path.
type WriteFunc func(ctx context.Context, up *Upload) (string, error)

// RiskEngine runs the validator layers in order. Hard violations stop it at
// once, soft signals are collected as factors and scored at the end.
type RiskEngine struct {
	Files  *intake.FileValidator
	Text   *intake.TextValidator
	Hashes *hashes.Checker
	Store  filestore.FileStore
	Logger *slog.Logger
}

func NewRiskEngine(files *intake.FileValidator, text *intake.TextValidator, hc *hashes.Checker, store filestore.FileStore, logger *slog.Logger) *RiskEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &RiskEngine{
		Files:  files,
		Text:   text,
		Hashes: hc,
		Store:  store,
		Logger: logger.With("system", "risk"),
	}
}

// Assess validates text, URLs and, when present, the file. The file is only
// written (through write) once its type and name have passed. An error is
// returned only for infrastructure failures; bad content is reported through
// the Assessment.
func (e *RiskEngine) Assess(ctx context.Context, sub *Submission, write WriteFunc) (*Assessment, error) {
	a := &Assessment{
		Result: moderation.ModerationResult{
			Timestamp:   time.Now().UTC(),
			SubmitterID: sub.SubmitterID,
		},
	}
	res := &a.Result
	factors := []string{}

	stop := func(reason string) (*Assessment, error) {
		a.Violation = reason
		res.RiskAssessment = hardViolation(factors, reason)
		return a, nil
	}

	text := strings.TrimSpace(sub.Title + " " + sub.Description)
	if text != "" {
		tc := e.Text.CheckText(text)
		res.TextAnalysis = &tc
		if !tc.Valid {
			return stop(moderation.ReasonInappropriateText)
		}
	}
	for _, raw := range sub.URLFields {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		uc := e.Text.CheckURL(raw)
		res.URLAnalysis = append(res.URLAnalysis, uc)
		if !uc.Valid {
			return stop(moderation.ReasonSuspiciousURL)
		}
	}

	if sub.File == nil {
		res.RiskAssessment = ScoreFactors(factors)
		return a, nil
	}

	up := sub.File
	fa := &moderation.FileAnalysis{}
	res.FileAnalysis = fa

	ft := e.Files.CheckFile(up.MimeType, up.Size)
	fa.FileType = &ft
	if !ft.Valid {
		if ft.RiskLevel == moderation.RiskHigh {
			return stop(ft.Error)
		}
		factors = append(factors, ft.Error)
	}

	fn := e.Text.CheckFilename(up.FileName)
	fa.FileName = &fn
	if !fn.Valid {
		return stop(moderation.ReasonSuspiciousFilename)
	}

	path, err := write(ctx, up)
	if err != nil {
		return nil, fmt.Errorf("storing upload: %w", err)
	}
	a.StoredPath = path

	if e.Hashes != nil {
		hc, err := e.checkHash(ctx, path)
		if err != nil {
			e.Logger.Warn("hash check unavailable, continuing without it", "path", path, "err", err)
		}
		fa.Hash = hc
		if hc != nil && hc.KnownBad {
			return stop(moderation.ReasonKnownBadContent)
		}
	}

	md := e.checkMetadata(ctx, path, up.MimeType)
	fa.Metadata = &md
	if md.Suspicious {
		factors = append(factors, moderation.ReasonSuspiciousMetadata)
		res.Quarantine = true
	}

	res.RiskAssessment = ScoreFactors(factors)
	return a, nil
}

func (e *RiskEngine) checkHash(ctx context.Context, path string) (*moderation.HashCheck, error) {
	rc, err := e.Store.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", hashes.ErrHashUnavailable, err)
	}
	defer rc.Close()
	return e.Hashes.Check(ctx, rc)
}

func (e *RiskEngine) checkMetadata(ctx context.Context, path, declared string) moderation.MetadataCheck {
	rc, err := e.Store.Open(ctx, path)
	if err != nil {
		return moderation.MetadataCheck{
			DeclaredType: declared,
			Suspicious:   true,
			RiskLevel:    moderation.RiskMedium,
			Error:        err.Error(),
		}
	}
	defer rc.Close()
	md := intake.AnalyzeMetadata(rc, declared)
	if md.Suspicious {
		e.Logger.Info("suspicious upload metadata", "path", path, "declared", declared, "detected", md.DetectedType, "err", md.Error)
	}
	return md
}
