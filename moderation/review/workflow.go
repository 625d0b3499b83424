// Package review implements the moderator side of the pipeline: status
// transitions on review cases, the appeal sub-flow, and approval of
// non-file post submissions.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/unicon-campus/unimod/moderation"
	"github.com/unicon-campus/unimod/moderation/casestore"
	"github.com/unicon-campus/unimod/moderation/filestore"
	"github.com/unicon-campus/unimod/moderation/intake"
)

var (
	ErrInvalidAction          = errors.New("invalid action, must be approve, reject, quarantine or escalate")
	ErrInvalidTransition      = errors.New("transition not allowed from the current status")
	ErrForbidden              = errors.New("you can only appeal your own content")
	ErrAppealNotAllowed       = errors.New("only rejected content can be appealed")
	ErrAppealAlreadyRequested = errors.New("appeal already requested for this content")
	ErrNoAppeal               = errors.New("no appeal requested for this content")
	ErrAppealClosed           = errors.New("appeal has already been reviewed")
)

// Action is a moderator verb. Each one moves a case into exactly one status.
type Action string

const (
	ActionApprove    Action = "approve"
	ActionReject     Action = "reject"
	ActionQuarantine Action = "quarantine"
	ActionEscalate   Action = "escalate"
)

var actionStatus = map[Action]moderation.CaseStatus{
	ActionApprove:    moderation.StatusApproved,
	ActionReject:     moderation.StatusRejected,
	ActionQuarantine: moderation.StatusQuarantined,
	ActionEscalate:   moderation.StatusEscalated,
}

func ParseAction(s string) (Action, error) {
	a := Action(s)
	if _, ok := actionStatus[a]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
	}
	return a, nil
}

// Status is the case status the action leads to.
func (a Action) Status() moderation.CaseStatus {
	return actionStatus[a]
}

// reviewable is every status a moderator can move a case into
var reviewable = map[moderation.CaseStatus]bool{
	moderation.StatusApproved:    true,
	moderation.StatusRejected:    true,
	moderation.StatusQuarantined: true,
	moderation.StatusEscalated:   true,
}

// validTransitions is keyed by current status. A rejected case has lost its
// file, so only an approved appeal brings it back.
var validTransitions = map[moderation.CaseStatus]map[moderation.CaseStatus]bool{
	moderation.StatusPending:     reviewable,
	moderation.StatusQuarantined: reviewable,
	moderation.StatusEscalated:   reviewable,
	moderation.StatusApproved:    reviewable,
	moderation.StatusRejected:    {moderation.StatusRejected: true},
}

func CanTransition(from, to moderation.CaseStatus) bool {
	return validTransitions[from][to]
}

// Workflow owns every mutation of review cases after intake. Updates are
// version-checked by the store, so two moderators acting on the same case
// cannot silently overwrite each other; the loser gets casestore.ErrStaleCase.
type Workflow struct {
	Cases         *casestore.Store
	Files         filestore.FileStore
	Text          *intake.TextValidator
	Materializers map[string]Materializer
	Logger        *slog.Logger
	Now           func() time.Time
}

func NewWorkflow(cases *casestore.Store, files filestore.FileStore, text *intake.TextValidator, logger *slog.Logger) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	if text == nil {
		text = intake.NewTextValidator()
	}
	return &Workflow{
		Cases:         cases,
		Files:         files,
		Text:          text,
		Materializers: DefaultMaterializers(),
		Logger:        logger.With("system", "review"),
		Now:           time.Now,
	}
}

func (w *Workflow) now() time.Time {
	return w.Now().UTC()
}

// Review applies a moderator action to a case. Repeating the action a case
// is already in re-stamps the review fields and is otherwise a no-op.
// Rejecting also removes the stored file.
func (w *Workflow) Review(ctx context.Context, caseID uint64, action Action, reviewerID, notes string) (*casestore.ReviewCase, error) {
	target, ok := actionStatus[action]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	c, err := w.Cases.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(c.Status, target) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, c.Status, target)
	}

	from := c.Status
	now := w.now()
	c.Status = target
	c.Action, _ = moderation.ActionForStatus(target)
	c.ReviewedBy = &reviewerID
	c.ReviewDate = &now
	c.ReviewNotes = &notes
	if err := w.Cases.SaveReview(ctx, c); err != nil {
		return nil, err
	}
	transitionCount.WithLabelValues("case", string(target)).Inc()
	w.Logger.Info("case reviewed", "case", c.ID, "from", from, "to", target, "reviewer", reviewerID)

	if target == moderation.StatusRejected && w.Files != nil && c.FilePath != "" {
		if err := w.Files.Delete(ctx, c.FilePath); err != nil {
			w.Logger.Error("failed to delete rejected upload", "case", c.ID, "path", c.FilePath, "err", err)
		}
	}
	return c, nil
}

// RequestAppeal opens an appeal on a rejected case. Only the submitter may
// appeal, and only once.
func (w *Workflow) RequestAppeal(ctx context.Context, caseID uint64, userID, reason string) (*casestore.ReviewCase, error) {
	c, err := w.Cases.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.UploadedBy != userID {
		return nil, ErrForbidden
	}
	if c.Appeal.Requested {
		return nil, ErrAppealAlreadyRequested
	}
	if c.Status != moderation.StatusRejected {
		return nil, ErrAppealNotAllowed
	}

	now := w.now()
	pending := casestore.AppealPending
	c.Appeal = casestore.Appeal{
		Requested:     true,
		RequestedBy:   &userID,
		RequestedDate: &now,
		Reason:        &reason,
		Status:        &pending,
	}
	if err := w.Cases.SaveReview(ctx, c); err != nil {
		return nil, err
	}
	transitionCount.WithLabelValues("appeal", string(casestore.AppealPending)).Inc()
	w.Logger.Info("appeal requested", "case", c.ID, "user", userID)
	return c, nil
}

// ReviewAppeal decides a pending appeal. Approval promotes the case back to
// approved; a rejected appeal leaves the case rejected.
func (w *Workflow) ReviewAppeal(ctx context.Context, caseID uint64, reviewerID string, approved bool, notes string) (*casestore.ReviewCase, error) {
	c, err := w.Cases.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if !c.Appeal.Requested {
		return nil, ErrNoAppeal
	}
	if c.Appeal.Status != nil && *c.Appeal.Status != casestore.AppealPending {
		return nil, ErrAppealClosed
	}

	now := w.now()
	status := casestore.AppealRejected
	if approved {
		status = casestore.AppealApproved
		c.Status = moderation.StatusApproved
		c.Action = moderation.ActionAllow
	}
	c.Appeal.Status = &status
	c.Appeal.ReviewedBy = &reviewerID
	c.Appeal.ReviewDate = &now
	c.Appeal.ReviewNotes = &notes
	if err := w.Cases.SaveReview(ctx, c); err != nil {
		return nil, err
	}
	transitionCount.WithLabelValues("appeal", string(status)).Inc()
	w.Logger.Info("appeal reviewed", "case", c.ID, "approved", approved, "reviewer", reviewerID)
	return c, nil
}
