package casestore

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/unicon-campus/unimod/moderation"
)

func testStore(t *testing.T) *Store {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	sqldb, err := db.DB()
	require.NoError(t, err)
	// every connection to ":memory:" is a separate database
	sqldb.SetMaxOpenConns(1)
	s := NewStore(db)
	require.NoError(t, s.Migrate())
	return s
}

func newCase(user string, status moderation.CaseStatus, risk moderation.RiskLevel, created time.Time) *ReviewCase {
	action, _ := moderation.ActionForStatus(status)
	c := &ReviewCase{
		OriginalFileName: "photo.png",
		FilePath:         "photo_x.png",
		FileType:         moderation.KindImage,
		FileSize:         100,
		UploadedBy:       user,
		Status:           status,
		Action:           action,
		CreatedAt:        created,
	}
	c.SetResults(moderation.ModerationResult{
		SubmitterID:    user,
		RiskAssessment: moderation.RiskAssessment{OverallRisk: risk, Factors: []string{}},
	})
	return c
}

func TestCreateAndGet(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s := testStore(t)

	c := newCase("u1", moderation.StatusQuarantined, moderation.RiskHigh, time.Time{})
	c.SetResults(moderation.ModerationResult{
		SubmitterID:    "u1",
		RiskAssessment: moderation.RiskAssessment{OverallRisk: moderation.RiskMedium, Factors: []string{"File too large"}, Confidence: 0.7},
		AIAnalysis:     &moderation.AIAnalysis{OverallNsfwScore: 0.6, Confidence: 0.9, Recommendation: moderation.RecommendQuarantine},
	})
	require.NoError(s.CreateCase(ctx, c))
	assert.NotZero(c.ID)
	assert.Equal(int64(1), c.Version)

	got, err := s.GetCase(ctx, c.ID)
	require.NoError(err)
	assert.Equal(moderation.RiskMedium, got.OverallRisk)
	require.NotNil(got.NsfwScore)
	assert.InDelta(0.6, *got.NsfwScore, 0.0001)
	assert.Equal([]string{"File too large"}, got.Results().RiskAssessment.Factors)
	assert.Equal(moderation.RecommendQuarantine, got.Results().AIAnalysis.Recommendation)
	assert.False(got.Appeal.Requested)
	assert.Nil(got.Appeal.Status)

	_, err = s.GetCase(ctx, 9999)
	assert.ErrorIs(err, ErrNotFound)
}

func TestSaveReviewVersionCheck(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s := testStore(t)

	c := newCase("u1", moderation.StatusQuarantined, moderation.RiskHigh, time.Time{})
	require.NoError(s.CreateCase(ctx, c))

	first, err := s.GetCase(ctx, c.ID)
	require.NoError(err)
	second, err := s.GetCase(ctx, c.ID)
	require.NoError(err)

	reviewer := "mod-1"
	first.Status = moderation.StatusApproved
	first.Action = moderation.ActionAllow
	first.ReviewedBy = &reviewer
	require.NoError(s.SaveReview(ctx, first))
	assert.Equal(int64(2), first.Version)

	second.Status = moderation.StatusRejected
	second.Action = moderation.ActionBlock
	assert.ErrorIs(s.SaveReview(ctx, second), ErrStaleCase)

	got, err := s.GetCase(ctx, c.ID)
	require.NoError(err)
	assert.Equal(moderation.StatusApproved, got.Status)
	assert.Equal("mod-1", *got.ReviewedBy)

	missing := &ReviewCase{ID: 4242, Version: 1}
	assert.ErrorIs(s.SaveReview(ctx, missing), ErrNotFound)
}

func TestListCasesPagination(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s := testStore(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 25; i++ {
		status := moderation.StatusQuarantined
		if i%5 == 0 {
			status = moderation.StatusApproved
		}
		require.NoError(s.CreateCase(ctx, newCase("u1", status, moderation.RiskMedium, base.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(s.CreateCase(ctx, newCase("u2", moderation.StatusPending, moderation.RiskHigh, base)))

	cases, pg, err := s.ListCases(ctx, CaseFilter{Statuses: []moderation.CaseStatus{moderation.StatusPending, moderation.StatusQuarantined}}, Page{Page: 1, Limit: 10})
	require.NoError(err)
	assert.Len(cases, 10)
	assert.Equal(Pagination{CurrentPage: 1, TotalPages: 3, TotalItems: 21, HasNext: true, HasPrev: false}, pg)
	// newest first
	assert.True(cases[0].CreatedAt.After(cases[1].CreatedAt))

	_, pg, err = s.ListCases(ctx, CaseFilter{Statuses: []moderation.CaseStatus{moderation.StatusPending, moderation.StatusQuarantined}}, Page{Page: 3, Limit: 10})
	require.NoError(err)
	assert.False(pg.HasNext)
	assert.True(pg.HasPrev)

	cases, pg, err = s.ListCases(ctx, CaseFilter{Risk: moderation.RiskHigh}, Page{})
	require.NoError(err)
	assert.Len(cases, 1)
	assert.Equal("u2", cases[0].UploadedBy)
	assert.Equal(1, pg.TotalPages)

	_, pg, err = s.ListCases(ctx, CaseFilter{UploadedBy: "u1"}, Page{Limit: 1000})
	require.NoError(err)
	assert.Equal(int64(25), pg.TotalItems)
	assert.Equal(1, pg.TotalPages)

	// a huge page is clamped instead of overflowing the offset
	cases, pg, err = s.ListCases(ctx, CaseFilter{UploadedBy: "u1"}, Page{Page: math.MaxInt, Limit: MaxPageLimit})
	require.NoError(err)
	assert.Empty(cases)
	assert.Equal(MaxPage, pg.CurrentPage)
	assert.False(pg.HasNext)
}

func TestStatisticsAndMonitorQueries(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s := testStore(t)

	now := time.Now().UTC()
	require.NoError(s.CreateCase(ctx, newCase("u1", moderation.StatusRejected, moderation.RiskHigh, now.Add(-10*time.Minute))))
	require.NoError(s.CreateCase(ctx, newCase("u1", moderation.StatusRejected, moderation.RiskHigh, now.Add(-20*time.Minute))))
	require.NoError(s.CreateCase(ctx, newCase("u1", moderation.StatusRejected, moderation.RiskMedium, now.Add(-3*time.Hour))))
	require.NoError(s.CreateCase(ctx, newCase("u2", moderation.StatusApproved, moderation.RiskLow, now.Add(-48*time.Hour))))

	nsfw := newCase("u3", moderation.StatusQuarantined, moderation.RiskMedium, now.Add(-5*time.Minute))
	nsfw.SetResults(moderation.ModerationResult{
		RiskAssessment: moderation.RiskAssessment{OverallRisk: moderation.RiskMedium},
		AIAnalysis:     &moderation.AIAnalysis{OverallNsfwScore: 0.85},
	})
	require.NoError(s.CreateCase(ctx, nsfw))

	st, err := s.Statistics(ctx, now.Add(-7*24*time.Hour))
	require.NoError(err)
	assert.Equal(int64(3), st.ByStatus["rejected"])
	assert.Equal(int64(1), st.ByStatus["approved"])
	assert.Equal(int64(2), st.ByRisk["high"])
	assert.Equal(int64(3), st.ByAction["block"])
	assert.NotEmpty(st.RecentActivity)
	var total int64
	for _, a := range st.RecentActivity {
		total += a.Count
	}
	assert.Equal(int64(5), total)

	hourAgo := now.Add(-time.Hour)
	n, err := s.CountRiskSince(ctx, moderation.RiskHigh, hourAgo)
	assert.NoError(err)
	assert.Equal(int64(2), n)

	n, err = s.CountNsfwSince(ctx, 0.8, hourAgo)
	assert.NoError(err)
	assert.Equal(int64(1), n)

	n, err = s.CountStatuses(ctx, moderation.StatusPending, moderation.StatusQuarantined)
	assert.NoError(err)
	assert.Equal(int64(1), n)

	rows, err := s.RejectedBySubmitterSince(ctx, hourAgo, 2)
	assert.NoError(err)
	assert.Equal([]SubmitterCount{{UploadedBy: "u1", Count: 2}}, rows)

	rows, err = s.RejectedBySubmitterSince(ctx, hourAgo, 3)
	assert.NoError(err)
	assert.Empty(rows)

	d, err := s.Digest(ctx, now.Add(-4*time.Hour), now)
	assert.NoError(err)
	assert.Equal(int64(4), d.Total)
	assert.Equal(int64(3), d.ByStatus["rejected"])
	assert.Equal(int64(1), d.ByStatus["quarantined"])
}

func TestPendingAppealsCount(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s := testStore(t)

	c := newCase("u1", moderation.StatusRejected, moderation.RiskHigh, time.Time{})
	require.NoError(s.CreateCase(ctx, c))
	pending := AppealPending
	reason := "it is a diagram"
	c.Appeal = Appeal{Requested: true, RequestedBy: &c.UploadedBy, Reason: &reason, Status: &pending}
	require.NoError(s.SaveReview(ctx, c))

	n, err := s.CountPendingAppeals(ctx)
	assert.NoError(err)
	assert.Equal(int64(1), n)
}

func TestPosts(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s := testStore(t)

	for i := 0; i < 3; i++ {
		require.NoError(s.CreatePost(ctx, &PostReviewCase{
			Type:       "skill",
			Payload:    datatypes.JSON(`{"title":"Guitar lessons"}`),
			UploadedBy: "u1",
			Status:     moderation.StatusPending,
			Action:     moderation.ActionBlock,
		}))
	}
	posts, pg, err := s.ListPendingPosts(ctx, Page{})
	require.NoError(err)
	assert.Len(posts, 3)
	assert.Equal(int64(3), pg.TotalItems)

	p := posts[0]
	p.Status = moderation.StatusApproved
	p.Action = moderation.ActionAllow
	require.NoError(s.SavePostReview(ctx, &p))

	stale := posts[0]
	stale.Status = moderation.StatusRejected
	assert.ErrorIs(s.SavePostReview(ctx, &stale), ErrStaleCase)

	posts, _, err = s.ListPendingPosts(ctx, Page{})
	require.NoError(err)
	assert.Len(posts, 2)

	err = s.Transaction(ctx, func(tx *Store) error {
		return tx.CreatePublished(ctx, &PublishedPost{Collection: "skills", ReviewID: p.ID, AuthorID: "u1", Payload: p.Payload})
	})
	require.NoError(err)
	pub, err := s.ListPublished(ctx, "skills")
	require.NoError(err)
	assert.Len(pub, 1)
}
