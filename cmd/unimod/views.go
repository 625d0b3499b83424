package main

import (
	"encoding/json"
	"time"

	"github.com/unicon-campus/unimod/moderation"
	"github.com/unicon-campus/unimod/moderation/casestore"
)

type GenericError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type appealView struct {
	Requested     bool                    `json:"requested"`
	RequestedBy   *string                 `json:"requestedBy,omitempty"`
	RequestedDate *time.Time              `json:"requestedDate,omitempty"`
	Reason        *string                 `json:"reason,omitempty"`
	AppealStatus  *casestore.AppealStatus `json:"appealStatus,omitempty"`
	ReviewedBy    *string                 `json:"reviewedBy,omitempty"`
	ReviewDate    *time.Time              `json:"reviewDate,omitempty"`
	ReviewNotes   *string                 `json:"reviewNotes,omitempty"`
}

type caseView struct {
	ID                uint64                      `json:"id"`
	OriginalFileName  string                      `json:"originalFileName"`
	FileType          moderation.FileKind         `json:"fileType"`
	FileSize          int64                       `json:"fileSize"`
	UploadedBy        string                      `json:"uploadedBy"`
	UploadDate        time.Time                   `json:"uploadDate"`
	ModerationResults moderation.ModerationResult `json:"moderationResults"`
	Status            moderation.CaseStatus       `json:"status"`
	Action            moderation.Action           `json:"action"`
	ReviewedBy        *string                     `json:"reviewedBy,omitempty"`
	ReviewDate        *time.Time                  `json:"reviewDate,omitempty"`
	ReviewNotes       *string                     `json:"reviewNotes,omitempty"`
	Appeal            appealView                  `json:"appeal"`
	CreatedAt         time.Time                   `json:"createdAt"`
	UpdatedAt         time.Time                   `json:"updatedAt"`
}

func newCaseView(c *casestore.ReviewCase) caseView {
	return caseView{
		ID:                c.ID,
		OriginalFileName:  c.OriginalFileName,
		FileType:          c.FileType,
		FileSize:          c.FileSize,
		UploadedBy:        c.UploadedBy,
		UploadDate:        c.UploadDate,
		ModerationResults: c.Results(),
		Status:            c.Status,
		Action:            c.Action,
		ReviewedBy:        c.ReviewedBy,
		ReviewDate:        c.ReviewDate,
		ReviewNotes:       c.ReviewNotes,
		Appeal: appealView{
			Requested:     c.Appeal.Requested,
			RequestedBy:   c.Appeal.RequestedBy,
			RequestedDate: c.Appeal.RequestedDate,
			Reason:        c.Appeal.Reason,
			AppealStatus:  c.Appeal.Status,
			ReviewedBy:    c.Appeal.ReviewedBy,
			ReviewDate:    c.Appeal.ReviewDate,
			ReviewNotes:   c.Appeal.ReviewNotes,
		},
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func newCaseViews(cases []casestore.ReviewCase) []caseView {
	out := make([]caseView, 0, len(cases))
	for i := range cases {
		out = append(out, newCaseView(&cases[i]))
	}
	return out
}

type postView struct {
	ID          uint64                `json:"id"`
	Type        string                `json:"type"`
	Payload     json.RawMessage       `json:"payload"`
	UploadedBy  string                `json:"uploadedBy"`
	Status      moderation.CaseStatus `json:"status"`
	Action      moderation.Action     `json:"action"`
	ReviewedBy  *string               `json:"reviewedBy,omitempty"`
	ReviewNotes *string               `json:"reviewNotes,omitempty"`
	CreatedAt   time.Time             `json:"createdAt"`
}

func newPostViews(posts []casestore.PostReviewCase) []postView {
	out := make([]postView, 0, len(posts))
	for _, p := range posts {
		out = append(out, postView{
			ID:          p.ID,
			Type:        p.Type,
			Payload:     json.RawMessage(p.Payload),
			UploadedBy:  p.UploadedBy,
			Status:      p.Status,
			Action:      p.Action,
			ReviewedBy:  p.ReviewedBy,
			ReviewNotes: p.ReviewNotes,
			CreatedAt:   p.CreatedAt,
		})
	}
	return out
}

type intakeResponse struct {
	Message      string                `json:"message"`
	Status       moderation.CaseStatus `json:"status,omitempty"`
	CaseID       uint64                `json:"caseId,omitempty"`
	Reason       string                `json:"reason,omitempty"`
	ModerationID string                `json:"moderationId,omitempty"`
}

type reviewRequest struct {
	Action string `json:"action"`
	Notes  string `json:"notes"`
}

type appealRequest struct {
	Reason string `json:"reason"`
}

type appealReviewRequest struct {
	Approved bool   `json:"approved"`
	Notes    string `json:"notes"`
}

type postRequest struct {
	Type        string          `json:"type"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	URLs        []string        `json:"urls"`
	Payload     json.RawMessage `json:"payload"`
}

type caseResponse struct {
	Message string   `json:"message"`
	Case    caseView `json:"case"`
}

type casesResponse struct {
	Cases      []caseView           `json:"cases"`
	Pagination casestore.Pagination `json:"pagination"`
}

type postsResponse struct {
	Posts      []postView           `json:"reviews"`
	Pagination casestore.Pagination `json:"pagination"`
}

type postSubmitResponse struct {
	Message  string `json:"message"`
	ReviewID uint64 `json:"reviewId,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type postReviewResponse struct {
	Message  string                `json:"message"`
	ReviewID uint64                `json:"reviewId"`
	Status   moderation.CaseStatus `json:"status"`
	Action   moderation.Action     `json:"action"`
}
