package casestore

import (
	"time"

	"gorm.io/datatypes"

	"github.com/unicon-campus/unimod/moderation"
)

type AppealStatus string

const (
	AppealPending  AppealStatus = "pending"
	AppealApproved AppealStatus = "approved"
	AppealRejected AppealStatus = "rejected"
)

// Appeal is embedded in ReviewCase. When Requested is false every other field is nil.
type Appeal struct {
	Requested     bool `gorm:"not null;default:false"`
	RequestedBy   *string
	RequestedDate *time.Time
	Reason        *string
	Status        *AppealStatus `gorm:"index"`
	ReviewedBy    *string
	ReviewDate    *time.Time
	ReviewNotes   *string
}

// ReviewCase is one moderated file submission.
type ReviewCase struct {
	ID               uint64              `gorm:"primaryKey"`
	OriginalFileName string              `gorm:"not null"`
	FilePath         string              `gorm:"not null"`
	FileType         moderation.FileKind `gorm:"not null"`
	FileSize         int64               `gorm:"not null"`
	UploadedBy       string              `gorm:"not null;index"`
	UploadDate       time.Time           `gorm:"not null"`

	ModerationResults datatypes.JSONType[moderation.ModerationResult]
	// denormalized from ModerationResults for the monitor and listing queries
	OverallRisk moderation.RiskLevel `gorm:"not null;index"`
	NsfwScore   *float64             `gorm:"index"`

	Status      moderation.CaseStatus `gorm:"not null;index"`
	Action      moderation.Action     `gorm:"not null"`
	ReviewedBy  *string
	ReviewDate  *time.Time
	ReviewNotes *string

	Appeal Appeal `gorm:"embedded;embeddedPrefix:appeal_"`

	// bumped on every update, compared to reject stale writes
	Version   int64     `gorm:"not null;default:1"`
	CreatedAt time.Time `gorm:"not null;index"`
	UpdatedAt time.Time `gorm:"not null"`
}

// Results returns the decoded moderation record.
func (c *ReviewCase) Results() moderation.ModerationResult {
	return c.ModerationResults.Data()
}

// SetResults stores the moderation record and refreshes the denormalized columns.
func (c *ReviewCase) SetResults(r moderation.ModerationResult) {
	c.ModerationResults = datatypes.NewJSONType(r)
	c.OverallRisk = r.RiskAssessment.OverallRisk
	c.NsfwScore = nil
	if r.AIAnalysis != nil && !r.AIAnalysis.Failed {
		score := r.AIAnalysis.OverallNsfwScore
		c.NsfwScore = &score
	}
}

// PostReviewCase is a non-file submission (skill, lost item, note) awaiting admin approval.
type PostReviewCase struct {
	ID          uint64                `gorm:"primaryKey"`
	Type        string                `gorm:"not null"`
	Payload     datatypes.JSON        `gorm:"not null"`
	UploadedBy  string                `gorm:"not null;index"`
	Status      moderation.CaseStatus `gorm:"not null;index:idx_post_review_status_created"`
	Action      moderation.Action     `gorm:"not null"`
	ReviewedBy  *string
	ReviewDate  *time.Time
	ReviewNotes *string
	Version     int64     `gorm:"not null;default:1"`
	CreatedAt   time.Time `gorm:"not null;index:idx_post_review_status_created"`
	UpdatedAt   time.Time `gorm:"not null"`
}

// PublishedPost is the default home of approved post payloads.
type PublishedPost struct {
	ID         uint64         `gorm:"primaryKey"`
	Collection string         `gorm:"not null;index"`
	ReviewID   uint64         `gorm:"not null;uniqueIndex"`
	AuthorID   string         `gorm:"not null;index"`
	Payload    datatypes.JSON `gorm:"not null"`
	CreatedAt  time.Time      `gorm:"not null"`
}
