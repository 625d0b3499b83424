package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/unicon-campus/unimod/moderation"
	"github.com/unicon-campus/unimod/moderation/alerting"
	"github.com/unicon-campus/unimod/moderation/casestore"
	"github.com/unicon-campus/unimod/moderation/engine"
	"github.com/unicon-campus/unimod/moderation/filestore"
	"github.com/unicon-campus/unimod/moderation/hashes"
	"github.com/unicon-campus/unimod/moderation/intake"
	"github.com/unicon-campus/unimod/moderation/review"
	"github.com/unicon-campus/unimod/moderation/visual"
)

var (
	testSecret = []byte("test-secret-0123456789")
	pngHeader  = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")
)

type stubAnalyzer struct {
	analysis *moderation.AIAnalysis
}

func (s stubAnalyzer) Analyze(ctx context.Context, img visual.Image) (*moderation.AIAnalysis, error) {
	return s.analysis, nil
}

func testServer(t *testing.T, secret []byte) (*Server, *casestore.Store) {
	return testServerWithRegistry(t, secret, prometheus.NewRegistry())
}

func testServerWithRegistry(t *testing.T, secret []byte, reg prometheus.Registerer) (*Server, *casestore.Store) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	sqldb, err := db.DB()
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	cases := casestore.NewStore(db)
	require.NoError(t, cases.Migrate())

	files, err := filestore.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	logger := slog.Default()
	text := intake.NewTextValidator()
	risk := engine.NewRiskEngine(
		intake.NewFileValidator(0, 0),
		text,
		hashes.NewChecker(hashes.NewMemRegistry(), logger),
		files,
		logger,
	)
	an := stubAnalyzer{analysis: &moderation.AIAnalysis{Recommendation: moderation.RecommendAllow, Reasons: []string{}}}
	orch := engine.NewOrchestrator(risk, an, cases, files, engine.Config{}, logger)
	monitor := alerting.NewMonitor(cases, []alerting.Channel{&alerting.LogChannel{Logger: logger}}, alerting.DefaultPolicy(), logger)

	srv := newServer(Config{MetricsRegisterer: reg}, secret, logger, deps{
		cases:    cases,
		orch:     orch,
		monitor:  monitor,
		workflow: review.NewWorkflow(cases, files, text, logger),
	})
	return srv, cases
}

func token(t *testing.T, user, role string) string {
	tok, err := IssueToken(testSecret, user, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func do(t *testing.T, srv *Server, method, path, tok string, body io.Reader, contentType string) (int, map[string]any) {
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func doJSON(t *testing.T, srv *Server, method, path, tok string, body any) (int, map[string]any) {
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	return do(t, srv, method, path, tok, r, "application/json")
}

// upload builds a multipart request; a nil content skips the file part.
func upload(t *testing.T, srv *Server, tok string, fields map[string]string, fileName string, content []byte) (int, map[string]any) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if content != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, fileName))
		h.Set("Content-Type", "image/png")
		part, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return do(t, srv, http.MethodPost, "/api/content/upload", tok, &buf, w.FormDataContentType())
}

func caseID(t *testing.T, body map[string]any) uint64 {
	v, ok := body["caseId"].(float64)
	require.True(t, ok, "no caseId in %v", body)
	return uint64(v)
}

func TestAuth(t *testing.T) {
	assert := assert.New(t)
	srv, _ := testServer(t, testSecret)

	code, body := doJSON(t, srv, http.MethodGet, "/api/moderation/pending", "", nil)
	assert.Equal(http.StatusUnauthorized, code)
	assert.Equal("Unauthorized", body["error"])

	code, _ = doJSON(t, srv, http.MethodGet, "/api/moderation/pending", "not-a-jwt", nil)
	assert.Equal(http.StatusUnauthorized, code)

	other, err := IssueToken([]byte("some-other-secret-value"), "u1", RoleAdmin, time.Hour)
	require.NoError(t, err)
	code, _ = doJSON(t, srv, http.MethodGet, "/api/moderation/pending", other, nil)
	assert.Equal(http.StatusUnauthorized, code)

	expired, err := IssueToken(testSecret, "u1", RoleAdmin, -time.Minute)
	require.NoError(t, err)
	code, _ = doJSON(t, srv, http.MethodGet, "/api/moderation/pending", expired, nil)
	assert.Equal(http.StatusUnauthorized, code)

	code, body = doJSON(t, srv, http.MethodGet, "/api/moderation/pending", token(t, "u1", "student"), nil)
	assert.Equal(http.StatusForbidden, code)
	assert.Equal("Forbidden", body["error"])

	code, _ = doJSON(t, srv, http.MethodGet, "/api/moderation/pending", token(t, "admin", RoleAdmin), nil)
	assert.Equal(http.StatusOK, code)

	unconfigured, _ := testServer(t, nil)
	code, _ = doJSON(t, unconfigured, http.MethodGet, "/api/moderation/pending", token(t, "u1", RoleAdmin), nil)
	assert.Equal(http.StatusInternalServerError, code)
}

func TestUploadApproved(t *testing.T) {
	assert := assert.New(t)
	srv, cases := testServer(t, testSecret)

	code, body := upload(t, srv, token(t, "u1", "student"), map[string]string{"title": "Library at dusk"}, "library.png", pngHeader)
	assert.Equal(http.StatusOK, code)
	assert.Equal("Content approved and uploaded successfully", body["message"])
	assert.Equal("approved", body["status"])

	rc, err := cases.GetCase(context.Background(), caseID(t, body))
	require.NoError(t, err)
	assert.Equal("u1", rc.UploadedBy)
	assert.Equal(moderation.StatusApproved, rc.Status)
}

func TestUploadBlocked(t *testing.T) {
	assert := assert.New(t)
	srv, _ := testServer(t, testSecret)
	tok := token(t, "u1", "student")

	code, body := upload(t, srv, tok, map[string]string{"title": "xxx party"}, "", nil)
	assert.Equal(http.StatusBadRequest, code)
	assert.Equal("Content blocked", body["message"])
	assert.Equal(moderation.ReasonInappropriateText, body["reason"])
	assert.NotEmpty(body["moderationId"])

	code, body = upload(t, srv, tok, map[string]string{"thumbnailUrl": "https://nsfw.example.com/a.jpg"}, "", nil)
	assert.Equal(http.StatusBadRequest, code)
	assert.Equal(moderation.ReasonSuspiciousURL, body["reason"])

	code, _ = upload(t, srv, tok, nil, "", nil)
	assert.Equal(http.StatusBadRequest, code)

	code, _ = upload(t, srv, tok, map[string]string{"forceQuarantine": "maybe"}, "a.png", pngHeader)
	assert.Equal(http.StatusBadRequest, code)
}

func TestReviewAndAppeal(t *testing.T) {
	assert := assert.New(t)
	srv, _ := testServer(t, testSecret)
	owner := token(t, "u1", "student")
	admin := token(t, "mod1", RoleAdmin)

	code, body := upload(t, srv, owner, map[string]string{"forceQuarantine": "true"}, "poster.png", pngHeader)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal("quarantined", body["status"])
	assert.Equal("Content uploaded but requires review", body["message"])
	id := caseID(t, body)
	casePath := fmt.Sprintf("/api/moderation/review/%d", id)

	code, body = doJSON(t, srv, http.MethodGet, "/api/moderation/pending", admin, nil)
	assert.Equal(http.StatusOK, code)
	assert.Len(body["cases"], 1)

	code, _ = doJSON(t, srv, http.MethodPost, casePath, admin, reviewRequest{Action: "delete"})
	assert.Equal(http.StatusBadRequest, code)

	code, _ = doJSON(t, srv, http.MethodPost, "/api/moderation/review/999", admin, reviewRequest{Action: "approve"})
	assert.Equal(http.StatusNotFound, code)

	code, _ = doJSON(t, srv, http.MethodPost, "/api/moderation/review/abc", admin, reviewRequest{Action: "approve"})
	assert.Equal(http.StatusBadRequest, code)

	code, body = doJSON(t, srv, http.MethodPost, casePath, admin, reviewRequest{Action: "reject", Notes: "spam"})
	assert.Equal(http.StatusOK, code)
	rc := body["case"].(map[string]any)
	assert.Equal("rejected", rc["status"])
	assert.Equal("block", rc["action"])
	assert.Equal("mod1", rc["reviewedBy"])

	appealPath := fmt.Sprintf("/api/moderation/appeal/%d", id)
	code, _ = doJSON(t, srv, http.MethodPost, appealPath, token(t, "u2", "student"), appealRequest{Reason: "mine"})
	assert.Equal(http.StatusForbidden, code)

	code, _ = doJSON(t, srv, http.MethodPost, appealPath, owner, appealRequest{})
	assert.Equal(http.StatusBadRequest, code)

	code, body = doJSON(t, srv, http.MethodPost, appealPath, owner, appealRequest{Reason: "it is an event poster"})
	assert.Equal(http.StatusOK, code)
	appeal := body["case"].(map[string]any)["appeal"].(map[string]any)
	assert.Equal(true, appeal["requested"])
	assert.Equal("pending", appeal["appealStatus"])

	code, _ = doJSON(t, srv, http.MethodPost, appealPath, owner, appealRequest{Reason: "again"})
	assert.Equal(http.StatusBadRequest, code)

	code, _ = doJSON(t, srv, http.MethodPost, appealPath+"/review", owner, appealReviewRequest{Approved: true})
	assert.Equal(http.StatusForbidden, code)

	code, body = doJSON(t, srv, http.MethodPost, appealPath+"/review", admin, appealReviewRequest{Approved: true, Notes: "ok"})
	assert.Equal(http.StatusOK, code)
	assert.Equal("Appeal approved", body["message"])
	rc = body["case"].(map[string]any)
	assert.Equal("approved", rc["status"])
	assert.Equal("allow", rc["action"])
}

func TestPendingFilters(t *testing.T) {
	assert := assert.New(t)
	srv, _ := testServer(t, testSecret)
	admin := token(t, "mod1", RoleAdmin)

	code, _ := doJSON(t, srv, http.MethodGet, "/api/moderation/pending?status=bogus", admin, nil)
	assert.Equal(http.StatusBadRequest, code)
	code, _ = doJSON(t, srv, http.MethodGet, "/api/moderation/pending?riskLevel=extreme", admin, nil)
	assert.Equal(http.StatusBadRequest, code)
	code, _ = doJSON(t, srv, http.MethodGet, "/api/moderation/pending?page=x", admin, nil)
	assert.Equal(http.StatusBadRequest, code)
	code, _ = doJSON(t, srv, http.MethodGet, "/api/moderation/pending?page=9223372036854775807&limit=100", admin, nil)
	assert.Equal(http.StatusBadRequest, code)
	code, _ = doJSON(t, srv, http.MethodGet, "/api/moderation/pending?limit=-1", admin, nil)
	assert.Equal(http.StatusBadRequest, code)

	code, body := doJSON(t, srv, http.MethodGet, "/api/moderation/pending?status=approved&limit=5", admin, nil)
	assert.Equal(http.StatusOK, code)
	pg := body["pagination"].(map[string]any)
	assert.Equal(float64(1), pg["currentPage"])
	assert.Equal(float64(0), pg["totalItems"])
}

func TestStats(t *testing.T) {
	assert := assert.New(t)
	srv, _ := testServer(t, testSecret)

	code, _ := upload(t, srv, token(t, "u1", "student"), nil, "a.png", pngHeader)
	require.Equal(t, http.StatusOK, code)

	code, body := doJSON(t, srv, http.MethodGet, "/api/moderation/stats", token(t, "mod1", RoleAdmin), nil)
	assert.Equal(http.StatusOK, code)
	assert.Equal(float64(1), body["byStatus"].(map[string]any)["approved"])
	assert.Equal(float64(1), body["byRisk"].(map[string]any)["low"])
	assert.Len(body["recentActivity"], 1)
}

func TestUserHistory(t *testing.T) {
	assert := assert.New(t)
	srv, _ := testServer(t, testSecret)

	code, _ := upload(t, srv, token(t, "u1", "student"), nil, "a.png", pngHeader)
	require.Equal(t, http.StatusOK, code)

	code, body := doJSON(t, srv, http.MethodGet, "/api/moderation/user/u1", token(t, "u1", "student"), nil)
	assert.Equal(http.StatusOK, code)
	assert.Len(body["cases"], 1)

	code, _ = doJSON(t, srv, http.MethodGet, "/api/moderation/user/u1", token(t, "u2", "student"), nil)
	assert.Equal(http.StatusForbidden, code)

	code, body = doJSON(t, srv, http.MethodGet, "/api/moderation/user/u1", token(t, "mod1", RoleAdmin), nil)
	assert.Equal(http.StatusOK, code)
	assert.Len(body["cases"], 1)
}

func TestPosts(t *testing.T) {
	assert := assert.New(t)
	srv, cases := testServer(t, testSecret)
	user := token(t, "u1", "student")
	admin := token(t, "mod1", RoleAdmin)

	code, body := doJSON(t, srv, http.MethodPost, "/api/posts", user, postRequest{
		Type:    "skill",
		Title:   "Guitar lessons",
		Payload: json.RawMessage(`{"title":"Guitar lessons"}`),
	})
	assert.Equal(http.StatusAccepted, code)
	id := uint64(body["reviewId"].(float64))

	code, body = doJSON(t, srv, http.MethodPost, "/api/posts", user, postRequest{
		Type:    "skill",
		Title:   "nude modelling",
		Payload: json.RawMessage(`{}`),
	})
	assert.Equal(http.StatusBadRequest, code)
	assert.Equal(moderation.ReasonInappropriateText, body["reason"])

	code, _ = doJSON(t, srv, http.MethodPost, "/api/posts", user, postRequest{Type: "poll", Payload: json.RawMessage(`{}`)})
	assert.Equal(http.StatusBadRequest, code)

	code, _ = doJSON(t, srv, http.MethodGet, "/api/posts/pending", user, nil)
	assert.Equal(http.StatusForbidden, code)

	code, body = doJSON(t, srv, http.MethodGet, "/api/posts/pending", admin, nil)
	assert.Equal(http.StatusOK, code)
	assert.Len(body["reviews"], 1)

	reviewPath := fmt.Sprintf("/api/posts/review/%d", id)
	code, body = doJSON(t, srv, http.MethodPost, reviewPath, admin, reviewRequest{Action: "escalate"})
	assert.Equal(http.StatusBadRequest, code)
	assert.Equal("Invalid action", body["message"])

	code, body = doJSON(t, srv, http.MethodPost, reviewPath, admin, reviewRequest{Action: "approve"})
	assert.Equal(http.StatusOK, code)
	assert.Equal("Post approved and published", body["message"])

	published, err := cases.ListPublished(context.Background(), "skills")
	require.NoError(t, err)
	assert.Len(published, 1)

	code, _ = doJSON(t, srv, http.MethodPost, reviewPath, admin, reviewRequest{Action: "reject"})
	assert.Equal(http.StatusBadRequest, code)
}

func TestHealthCheck(t *testing.T) {
	assert := assert.New(t)
	srv, _ := testServer(t, testSecret)

	code, body := do(t, srv, http.MethodGet, "/_health", "", strings.NewReader(""), "")
	assert.Equal(http.StatusOK, code)
	assert.Equal("ok", body["status"])
}

func TestServersKeepSeparateMetrics(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	regA, regB := prometheus.NewRegistry(), prometheus.NewRegistry()
	a, _ := testServerWithRegistry(t, testSecret, regA)
	b, _ := testServerWithRegistry(t, testSecret, regB)

	code, _ := do(t, a, http.MethodGet, "/_health", "", strings.NewReader(""), "")
	assert.Equal(http.StatusOK, code)
	code, _ = do(t, b, http.MethodGet, "/_health", "", strings.NewReader(""), "")
	assert.Equal(http.StatusOK, code)

	for _, reg := range []*prometheus.Registry{regA, regB} {
		families, err := reg.Gather()
		require.NoError(err)
		var names []string
		for _, f := range families {
			names = append(names, f.GetName())
		}
		assert.Contains(names, "unimod_requests_total")
	}
}
