package engine

// Decision is the outcome of moderating one submission: Allow, Block or Quarantine.
type Decision interface {
	isDecision()
}

// Allow means the content may go live. CaseID is zero for text-only submissions.
type Allow struct {
	CaseID uint64
}

// Block carries the public reason. CaseID is set only when a case was
// recorded (AI blocks); ModerationID correlates the decision with logs.
type Block struct {
	Reason       string
	CaseID       uint64
	ModerationID string
}

// Quarantine means the content is held for a moderator.
type Quarantine struct {
	CaseID uint64
	Reason string
}

func (Allow) isDecision()      {}
func (Block) isDecision()      {}
func (Quarantine) isDecision() {}

// public reasons for decisions taken after the validators
const (
	ReasonManualReview = "Content flagged for manual review"
	ReasonAIBlocked    = "AI detected inappropriate content"
	ReasonAIReview     = "AI flagged content for review"
)
