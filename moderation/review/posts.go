package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gorm.io/datatypes"

	"github.com/unicon-campus/unimod/moderation"
	"github.com/unicon-campus/unimod/moderation/casestore"
)

var (
	ErrUnknownPostType = errors.New("unknown post type")
	ErrPostReviewed    = errors.New("post has already been reviewed")
	ErrInvalidPayload  = errors.New("post payload is not valid JSON")
)

// Materializer turns an approved post payload into live content. It runs
// inside the transaction that records the approval.
type Materializer interface {
	Materialize(ctx context.Context, tx *casestore.Store, post *casestore.PostReviewCase) error
}

type MaterializerFunc func(ctx context.Context, tx *casestore.Store, post *casestore.PostReviewCase) error

func (f MaterializerFunc) Materialize(ctx context.Context, tx *casestore.Store, post *casestore.PostReviewCase) error {
	return f(ctx, tx, post)
}

// Publish stores approved payloads in the published posts table under collection.
func Publish(collection string) Materializer {
	return MaterializerFunc(func(ctx context.Context, tx *casestore.Store, post *casestore.PostReviewCase) error {
		return tx.CreatePublished(ctx, &casestore.PublishedPost{
			Collection: collection,
			ReviewID:   post.ID,
			AuthorID:   post.UploadedBy,
			Payload:    post.Payload,
		})
	})
}

// DefaultMaterializers maps each post type to the collection it is published into.
func DefaultMaterializers() map[string]Materializer {
	resources := Publish("resources")
	return map[string]Materializer{
		"lostitem": Publish("lost_items"),
		"skill":    Publish("skills"),
		"note":     resources,
		"notes":    resources,
		"resource": resources,
	}
}

type PostSubmission struct {
	SubmitterID string
	Type        string
	Title       string
	Description string
	URLFields   []string
	Payload     json.RawMessage
}

// PostOutcome is either a pending review id or the reason the post was blocked.
type PostOutcome struct {
	ReviewID    uint64
	BlockReason string
}

func (o PostOutcome) Blocked() bool {
	return o.BlockReason != ""
}

// SubmitPost screens the text of a post and queues it for admin approval.
func (w *Workflow) SubmitPost(ctx context.Context, sub PostSubmission) (PostOutcome, error) {
	if _, ok := w.Materializers[sub.Type]; !ok {
		return PostOutcome{}, fmt.Errorf("%w: %q", ErrUnknownPostType, sub.Type)
	}
	if !json.Valid(sub.Payload) {
		return PostOutcome{}, ErrInvalidPayload
	}

	text := strings.TrimSpace(sub.Title + " " + sub.Description)
	if text != "" {
		if tc := w.Text.CheckText(text); !tc.Valid {
			w.Logger.Info("post blocked", "submitter", sub.SubmitterID, "type", sub.Type, "pattern", tc.MatchedPattern)
			return PostOutcome{BlockReason: moderation.ReasonInappropriateText}, nil
		}
	}
	for _, raw := range sub.URLFields {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if uc := w.Text.CheckURL(raw); !uc.Valid {
			w.Logger.Info("post blocked", "submitter", sub.SubmitterID, "type", sub.Type, "url", uc.URL)
			return PostOutcome{BlockReason: moderation.ReasonSuspiciousURL}, nil
		}
	}

	p := &casestore.PostReviewCase{
		Type:       sub.Type,
		Payload:    datatypes.JSON(sub.Payload),
		UploadedBy: sub.SubmitterID,
		Status:     moderation.StatusPending,
		Action:     moderation.ActionBlock,
	}
	if err := w.Cases.CreatePost(ctx, p); err != nil {
		return PostOutcome{}, err
	}
	return PostOutcome{ReviewID: p.ID}, nil
}

// ReviewPost approves or rejects a pending post. Approval publishes the
// payload in the same transaction. Repeating the decision a post already
// carries is a no-op.
func (w *Workflow) ReviewPost(ctx context.Context, id uint64, action Action, reviewerID, notes string) (*casestore.PostReviewCase, error) {
	if action != ActionApprove && action != ActionReject {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	target := action.Status()

	var out *casestore.PostReviewCase
	err := w.Cases.Transaction(ctx, func(tx *casestore.Store) error {
		p, err := tx.GetPost(ctx, id)
		if err != nil {
			return err
		}
		if p.Status == target {
			out = p
			return nil
		}
		if p.Status != moderation.StatusPending {
			return fmt.Errorf("%w: post %d is %s", ErrPostReviewed, p.ID, p.Status)
		}

		now := w.now()
		p.Status = target
		p.Action, _ = moderation.ActionForStatus(target)
		p.ReviewedBy = &reviewerID
		p.ReviewDate = &now
		p.ReviewNotes = &notes

		if target == moderation.StatusApproved {
			m, ok := w.Materializers[p.Type]
			if !ok {
				return fmt.Errorf("%w: %q", ErrUnknownPostType, p.Type)
			}
			if err := m.Materialize(ctx, tx, p); err != nil {
				return fmt.Errorf("publishing %s post %d: %w", p.Type, p.ID, err)
			}
		}
		if err := tx.SavePostReview(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	transitionCount.WithLabelValues("post", string(out.Status)).Inc()
	w.Logger.Info("post reviewed", "post", out.ID, "type", out.Type, "status", out.Status, "reviewer", reviewerID)
	return out, nil
}
