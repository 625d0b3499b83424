// Package moderation holds the value types shared by the upload moderation
// pipeline: per-check results, the risk assessment, AI analysis output and
// the status/action vocabulary of review cases.
package moderation

import (
	"time"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Action is the last decision taken on a submission or case.
type Action string

const (
	ActionAllow      Action = "allow"
	ActionBlock      Action = "block"
	ActionQuarantine Action = "quarantine"
	ActionEscalate   Action = "escalate"
)

// CaseStatus is the lifecycle state of a review case.
type CaseStatus string

const (
	StatusPending     CaseStatus = "pending"
	StatusApproved    CaseStatus = "approved"
	StatusRejected    CaseStatus = "rejected"
	StatusQuarantined CaseStatus = "quarantined"
	StatusEscalated   CaseStatus = "escalated"
)

var statusActions = map[CaseStatus]Action{
	StatusApproved:    ActionAllow,
	StatusRejected:    ActionBlock,
	StatusQuarantined: ActionQuarantine,
	StatusEscalated:   ActionEscalate,
}

// ActionForStatus returns the action mirrored into a case whenever it enters the given status.
func ActionForStatus(s CaseStatus) (Action, bool) {
	a, ok := statusActions[s]
	return a, ok
}

func (s CaseStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusQuarantined, StatusEscalated:
		return true
	}
	return false
}

func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

type FileKind string

const (
	KindImage FileKind = "image"
	KindVideo FileKind = "video"
)

// Public, non-leaky reasons returned to submitters.
const (
	ReasonUnsupportedType    = "Unsupported file type"
	ReasonFileTooLarge       = "File too large"
	ReasonSuspiciousFilename = "Suspicious filename detected"
	ReasonInappropriateText  = "Inappropriate content detected in text"
	ReasonSuspiciousURL      = "Suspicious URL detected"
	ReasonKnownBadContent    = "Known inappropriate content detected"
	ReasonSuspiciousMetadata = "Suspicious metadata detected"
)

type FileTypeCheck struct {
	Valid     bool      `json:"valid"`
	RiskLevel RiskLevel `json:"riskLevel"`
	FileType  FileKind  `json:"fileType,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// TextCheck is the outcome of matching free text, a filename or a URL against the blocklist.
type TextCheck struct {
	Valid          bool      `json:"valid"`
	RiskLevel      RiskLevel `json:"riskLevel"`
	MatchedPattern string    `json:"matchedPattern,omitempty"`
	Error          string    `json:"error,omitempty"`
}

type URLCheck struct {
	URL string `json:"url"`
	TextCheck
}

type HashCheck struct {
	Hash       string  `json:"hash"`
	KnownBad   bool    `json:"knownBad"`
	Confidence float64 `json:"confidence"`
}

type MetadataCheck struct {
	DeclaredType string    `json:"declaredType,omitempty"`
	DetectedType string    `json:"detectedType,omitempty"`
	Suspicious   bool      `json:"suspicious"`
	RiskLevel    RiskLevel `json:"riskLevel"`
	Error        string    `json:"error,omitempty"`
}

type FileAnalysis struct {
	FileType *FileTypeCheck `json:"fileType,omitempty"`
	FileName *TextCheck     `json:"fileName,omitempty"`
	Hash     *HashCheck     `json:"hash,omitempty"`
	Metadata *MetadataCheck `json:"metadata,omitempty"`
}

type RiskAssessment struct {
	OverallRisk RiskLevel `json:"overallRisk"`
	Factors     []string  `json:"factors"`
	Confidence  float64   `json:"confidence"`
}

// ProviderResult is one classifier's verdict on an image. Scores are in [0,1].
type ProviderResult struct {
	Provider   string             `json:"provider"`
	NsfwScore  float64            `json:"nsfwScore"`
	Confidence float64            `json:"confidence"`
	Details    map[string]float64 `json:"details,omitempty"`
}

type Recommendation string

const (
	RecommendAllow      Recommendation = "allow"
	RecommendReview     Recommendation = "review"
	RecommendQuarantine Recommendation = "quarantine"
	RecommendBlock      Recommendation = "block"
)

type AIAnalysis struct {
	OverallNsfwScore float64          `json:"overallNsfwScore"`
	Confidence       float64          `json:"confidence"`
	Analyses         []ProviderResult `json:"analyses"`
	Recommendation   Recommendation   `json:"recommendation"`
	Reasons          []string         `json:"reasons"`
	// set when no provider (fallback included) produced a usable result
	Failed bool `json:"failed,omitempty"`
	// set when the local heuristic stood in for the external providers
	Fallback bool `json:"fallback,omitempty"`
}

// ModerationResult is the full record of one pass through the pipeline.
type ModerationResult struct {
	Timestamp      time.Time      `json:"timestamp"`
	SubmitterID    string         `json:"submitterId"`
	FileAnalysis   *FileAnalysis  `json:"fileAnalysis,omitempty"`
	TextAnalysis   *TextCheck     `json:"textAnalysis,omitempty"`
	URLAnalysis    []URLCheck     `json:"urlAnalysis,omitempty"`
	RiskAssessment RiskAssessment `json:"riskAssessment"`
	AIAnalysis     *AIAnalysis    `json:"aiAnalysis,omitempty"`
	Action         Action         `json:"action"`
	Quarantine     bool           `json:"quarantine"`
}
