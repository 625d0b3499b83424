package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/unicon-campus/unimod/moderation"
	"github.com/unicon-campus/unimod/moderation/casestore"
	"github.com/unicon-campus/unimod/moderation/engine"
	"github.com/unicon-campus/unimod/moderation/review"
)

var tracer = otel.Tracer("unimod")

// form fields that may carry an external URL alongside an upload
var urlFormFields = []string{"thumbnailUrl", "videoUrl", "url"}

const statsWindow = 7 * 24 * time.Hour

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, GenericError{
		Error:   "BadRequest",
		Message: msg,
	})
}

// domainError maps workflow and store errors onto HTTP responses.
func (srv *Server) domainError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, casestore.ErrNotFound):
		return c.JSON(http.StatusNotFound, GenericError{Error: "NotFound", Message: err.Error()})
	case errors.Is(err, casestore.ErrStaleCase):
		return c.JSON(http.StatusConflict, GenericError{Error: "Conflict", Message: err.Error()})
	case errors.Is(err, review.ErrForbidden):
		return c.JSON(http.StatusForbidden, GenericError{Error: "Forbidden", Message: err.Error()})
	case errors.Is(err, review.ErrInvalidAction),
		errors.Is(err, review.ErrInvalidTransition),
		errors.Is(err, review.ErrAppealNotAllowed),
		errors.Is(err, review.ErrAppealAlreadyRequested),
		errors.Is(err, review.ErrNoAppeal),
		errors.Is(err, review.ErrAppealClosed),
		errors.Is(err, review.ErrUnknownPostType),
		errors.Is(err, review.ErrPostReviewed),
		errors.Is(err, review.ErrInvalidPayload):
		return badRequest(c, err.Error())
	}
	srv.logger.Error("request failed", "path", c.Path(), "err", err)
	return c.JSON(http.StatusInternalServerError, GenericError{
		Error:   "InternalServerError",
		Message: "server error",
	})
}

func parseID(c echo.Context, name string) (uint64, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, c.Param(name))
	}
	return id, nil
}

func parsePage(c echo.Context) (casestore.Page, error) {
	var p casestore.Page
	var err error
	if s := c.QueryParam("page"); s != "" {
		if p.Page, err = strconv.Atoi(s); err != nil || p.Page > casestore.MaxPage {
			return p, fmt.Errorf("invalid page: %q", s)
		}
	}
	if s := c.QueryParam("limit"); s != "" {
		if p.Limit, err = strconv.Atoi(s); err != nil || p.Limit < 0 {
			return p, fmt.Errorf("invalid limit: %q", s)
		}
	}
	return p, nil
}

func (srv *Server) HandleHealthCheck(c echo.Context) error {
	if err := srv.cases.DB.WithContext(c.Request().Context()).Exec("SELECT 1").Error; err != nil {
		srv.logger.Error("health check failed", "err", err)
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"status": "error", "err": "database unavailable"})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
}

// HandleUpload runs one multipart upload through the orchestrator. The
// "file" part is optional; without it only the text fields are screened.
func (srv *Server) HandleUpload(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HandleUpload", trace.WithAttributes(
		attribute.String("submitter", callerID(c)),
	))
	defer span.End()

	sub := &engine.Submission{
		SubmitterID: callerID(c),
		Title:       c.FormValue("title"),
		Description: c.FormValue("description"),
	}
	for _, name := range urlFormFields {
		if v := strings.TrimSpace(c.FormValue(name)); v != "" {
			sub.URLFields = append(sub.URLFields, v)
		}
	}
	if s := c.FormValue("forceQuarantine"); s != "" {
		force, err := strconv.ParseBool(s)
		if err != nil {
			return badRequest(c, fmt.Sprintf("invalid forceQuarantine: %q", s))
		}
		sub.ForceQuarantine = force
	}

	fh, err := c.FormFile("file")
	switch {
	case errors.Is(err, http.ErrMissingFile):
	case err != nil:
		return badRequest(c, "could not read uploaded file")
	default:
		f, err := fh.Open()
		if err != nil {
			return fmt.Errorf("opening multipart file: %w", err)
		}
		defer f.Close()
		sub.File = &engine.Upload{
			FileName: fh.Filename,
			MimeType: fh.Header.Get("Content-Type"),
			Size:     fh.Size,
			Content:  f,
		}
	}
	if sub.File == nil && strings.TrimSpace(sub.Title+sub.Description) == "" && len(sub.URLFields) == 0 {
		return badRequest(c, "nothing to upload")
	}

	decision, err := srv.orch.Moderate(ctx, sub)
	if err != nil {
		return srv.domainError(c, err)
	}
	switch d := decision.(type) {
	case engine.Allow:
		return c.JSON(http.StatusOK, intakeResponse{
			Message: "Content approved and uploaded successfully",
			Status:  moderation.StatusApproved,
			CaseID:  d.CaseID,
		})
	case engine.Block:
		return c.JSON(http.StatusBadRequest, intakeResponse{
			Message:      "Content blocked",
			Reason:       d.Reason,
			CaseID:       d.CaseID,
			ModerationID: d.ModerationID,
		})
	case engine.Quarantine:
		return c.JSON(http.StatusAccepted, intakeResponse{
			Message: "Content uploaded but requires review",
			Status:  moderation.StatusQuarantined,
			CaseID:  d.CaseID,
			Reason:  d.Reason,
		})
	}
	return fmt.Errorf("unexpected decision %T", decision)
}

func (srv *Server) HandlePending(c echo.Context) error {
	page, err := parsePage(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	filter := casestore.CaseFilter{
		Statuses: []moderation.CaseStatus{moderation.StatusPending, moderation.StatusQuarantined},
	}
	if s := c.QueryParam("status"); s != "" {
		st := moderation.CaseStatus(s)
		if !st.Valid() {
			return badRequest(c, fmt.Sprintf("invalid status: %q", s))
		}
		filter.Statuses = []moderation.CaseStatus{st}
	}
	if s := c.QueryParam("riskLevel"); s != "" {
		r := moderation.RiskLevel(s)
		if !r.Valid() {
			return badRequest(c, fmt.Sprintf("invalid riskLevel: %q", s))
		}
		filter.Risk = r
	}

	cases, pg, err := srv.cases.ListCases(c.Request().Context(), filter, page)
	if err != nil {
		return srv.domainError(c, err)
	}
	return c.JSON(http.StatusOK, casesResponse{Cases: newCaseViews(cases), Pagination: pg})
}

func (srv *Server) HandleReview(c echo.Context) error {
	id, err := parseID(c, "caseId")
	if err != nil {
		return badRequest(c, err.Error())
	}
	var body reviewRequest
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	action, err := review.ParseAction(body.Action)
	if err != nil {
		return srv.domainError(c, err)
	}
	rc, err := srv.workflow.Review(c.Request().Context(), id, action, callerID(c), body.Notes)
	if err != nil {
		return srv.domainError(c, err)
	}
	return c.JSON(http.StatusOK, caseResponse{
		Message: fmt.Sprintf("Content %s successfully", rc.Status),
		Case:    newCaseView(rc),
	})
}

func (srv *Server) HandleStats(c echo.Context) error {
	since := time.Now().UTC().Add(-statsWindow)
	st, err := srv.cases.Statistics(c.Request().Context(), since)
	if err != nil {
		return srv.domainError(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

func (srv *Server) HandleAppeal(c echo.Context) error {
	id, err := parseID(c, "caseId")
	if err != nil {
		return badRequest(c, err.Error())
	}
	var body appealRequest
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if strings.TrimSpace(body.Reason) == "" {
		return badRequest(c, "appeal reason is required")
	}
	rc, err := srv.workflow.RequestAppeal(c.Request().Context(), id, callerID(c), body.Reason)
	if err != nil {
		return srv.domainError(c, err)
	}
	return c.JSON(http.StatusOK, caseResponse{
		Message: "Appeal submitted successfully",
		Case:    newCaseView(rc),
	})
}

func (srv *Server) HandleAppealReview(c echo.Context) error {
	id, err := parseID(c, "caseId")
	if err != nil {
		return badRequest(c, err.Error())
	}
	var body appealReviewRequest
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	rc, err := srv.workflow.ReviewAppeal(c.Request().Context(), id, callerID(c), body.Approved, body.Notes)
	if err != nil {
		return srv.domainError(c, err)
	}
	msg := "Appeal rejected"
	if body.Approved {
		msg = "Appeal approved"
	}
	return c.JSON(http.StatusOK, caseResponse{Message: msg, Case: newCaseView(rc)})
}

// HandleUserCases lists one submitter's cases. Users may only see their own
// history unless they are an admin.
func (srv *Server) HandleUserCases(c echo.Context) error {
	userID := c.Param("userId")
	if userID != callerID(c) && callerRole(c) != RoleAdmin {
		return c.JSON(http.StatusForbidden, GenericError{
			Error:   "Forbidden",
			Message: "you can only view your own moderation history",
		})
	}
	page, err := parsePage(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	cases, pg, err := srv.cases.ListCases(c.Request().Context(), casestore.CaseFilter{UploadedBy: userID}, page)
	if err != nil {
		return srv.domainError(c, err)
	}
	return c.JSON(http.StatusOK, casesResponse{Cases: newCaseViews(cases), Pagination: pg})
}

func (srv *Server) HandleSubmitPost(c echo.Context) error {
	var body postRequest
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if len(body.Payload) == 0 {
		return badRequest(c, "payload is required")
	}
	out, err := srv.workflow.SubmitPost(c.Request().Context(), review.PostSubmission{
		SubmitterID: callerID(c),
		Type:        body.Type,
		Title:       body.Title,
		Description: body.Description,
		URLFields:   body.URLs,
		Payload:     body.Payload,
	})
	if err != nil {
		return srv.domainError(c, err)
	}
	if out.Blocked() {
		return c.JSON(http.StatusBadRequest, postSubmitResponse{
			Message: "Content blocked",
			Reason:  out.BlockReason,
		})
	}
	return c.JSON(http.StatusAccepted, postSubmitResponse{
		Message:  "Post submitted for review",
		ReviewID: out.ReviewID,
	})
}

func (srv *Server) HandlePendingPosts(c echo.Context) error {
	page, err := parsePage(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	posts, pg, err := srv.cases.ListPendingPosts(c.Request().Context(), page)
	if err != nil {
		return srv.domainError(c, err)
	}
	return c.JSON(http.StatusOK, postsResponse{Posts: newPostViews(posts), Pagination: pg})
}

func (srv *Server) HandlePostReview(c echo.Context) error {
	id, err := parseID(c, "caseId")
	if err != nil {
		return badRequest(c, err.Error())
	}
	var body reviewRequest
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	action := review.Action(body.Action)
	if action != review.ActionApprove && action != review.ActionReject {
		return badRequest(c, "Invalid action")
	}
	p, err := srv.workflow.ReviewPost(c.Request().Context(), id, action, callerID(c), body.Notes)
	if err != nil {
		return srv.domainError(c, err)
	}
	msg := "Post rejected and removed"
	if action == review.ActionApprove {
		msg = "Post approved and published"
	}
	return c.JSON(http.StatusOK, postReviewResponse{
		Message:  msg,
		ReviewID: p.ID,
		Status:   p.Status,
		Action:   p.Action,
	})
}
