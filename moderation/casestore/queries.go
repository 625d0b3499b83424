package casestore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/unicon-campus/unimod/moderation"
)

type DailyActivity struct {
	Date   string `json:"date"`
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

type Statistics struct {
	ByStatus       map[string]int64 `json:"byStatus"`
	ByRisk         map[string]int64 `json:"byRisk"`
	ByAction       map[string]int64 `json:"byAction"`
	RecentActivity []DailyActivity  `json:"recentActivity"`
}

type bucketCount struct {
	Bucket string
	Count  int64
}

func (s *Store) groupCount(ctx context.Context, column string, from, to *time.Time) (map[string]int64, error) {
	q := s.DB.WithContext(ctx).Model(&ReviewCase{})
	if from != nil {
		q = q.Where("created_at >= ?", from.UTC())
	}
	if to != nil {
		q = q.Where("created_at < ?", to.UTC())
	}
	var rows []bucketCount
	err := q.Select(column + " AS bucket, count(*) AS count").Group(column).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("grouping review cases by %s: %w", column, err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Bucket] = r.Count
	}
	return out, nil
}

type statusAt struct {
	CreatedAt time.Time
	Status    string
}

// Statistics counts all cases by status, risk and action, plus per-day
// per-status activity for cases created since the given time.
func (s *Store) Statistics(ctx context.Context, since time.Time) (*Statistics, error) {
	var err error
	var st Statistics
	if st.ByStatus, err = s.groupCount(ctx, "status", nil, nil); err != nil {
		return nil, err
	}
	if st.ByRisk, err = s.groupCount(ctx, "overall_risk", nil, nil); err != nil {
		return nil, err
	}
	if st.ByAction, err = s.groupCount(ctx, "action", nil, nil); err != nil {
		return nil, err
	}

	// grouped in Go, calendar-day functions differ between sqlite and postgres
	var recent []statusAt
	err = s.DB.WithContext(ctx).Model(&ReviewCase{}).
		Select("created_at, status").
		Where("created_at >= ?", since.UTC()).
		Scan(&recent).Error
	if err != nil {
		return nil, fmt.Errorf("loading recent activity: %w", err)
	}
	buckets := make(map[[2]string]int64)
	for _, r := range recent {
		buckets[[2]string{r.CreatedAt.UTC().Format(time.DateOnly), r.Status}]++
	}
	st.RecentActivity = make([]DailyActivity, 0, len(buckets))
	for k, n := range buckets {
		st.RecentActivity = append(st.RecentActivity, DailyActivity{Date: k[0], Status: k[1], Count: n})
	}
	sort.Slice(st.RecentActivity, func(i, j int) bool {
		a, b := st.RecentActivity[i], st.RecentActivity[j]
		if a.Date != b.Date {
			return a.Date > b.Date
		}
		return a.Status < b.Status
	})
	return &st, nil
}

func (s *Store) CountRiskSince(ctx context.Context, risk moderation.RiskLevel, since time.Time) (int64, error) {
	var n int64
	err := s.DB.WithContext(ctx).Model(&ReviewCase{}).
		Where("overall_risk = ? AND created_at >= ?", risk, since.UTC()).
		Count(&n).Error
	return n, err
}

func (s *Store) CountNsfwSince(ctx context.Context, minScore float64, since time.Time) (int64, error) {
	var n int64
	err := s.DB.WithContext(ctx).Model(&ReviewCase{}).
		Where("nsfw_score >= ? AND created_at >= ?", minScore, since.UTC()).
		Count(&n).Error
	return n, err
}

func (s *Store) CountStatuses(ctx context.Context, statuses ...moderation.CaseStatus) (int64, error) {
	var n int64
	err := s.DB.WithContext(ctx).Model(&ReviewCase{}).
		Where("status IN ?", statuses).
		Count(&n).Error
	return n, err
}

func (s *Store) CountPendingAppeals(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.WithContext(ctx).Model(&ReviewCase{}).
		Where("appeal_status = ?", AppealPending).
		Count(&n).Error
	return n, err
}

type SubmitterCount struct {
	UploadedBy string
	Count      int64
}

// RejectedBySubmitterSince lists submitters with at least minCount rejected cases created since the given time.
func (s *Store) RejectedBySubmitterSince(ctx context.Context, since time.Time, minCount int64) ([]SubmitterCount, error) {
	var rows []SubmitterCount
	err := s.DB.WithContext(ctx).Model(&ReviewCase{}).
		Select("uploaded_by, count(*) AS count").
		Where("status = ? AND created_at >= ?", moderation.StatusRejected, since.UTC()).
		Group("uploaded_by").
		Having("count(*) >= ?", minCount).
		Order("count desc, uploaded_by").
		Scan(&rows).Error
	return rows, err
}

type DailyDigest struct {
	From     time.Time
	To       time.Time
	Total    int64
	ByStatus map[string]int64
	ByRisk   map[string]int64
}

// Digest counts cases created in [from, to) by status and risk.
func (s *Store) Digest(ctx context.Context, from, to time.Time) (*DailyDigest, error) {
	byStatus, err := s.groupCount(ctx, "status", &from, &to)
	if err != nil {
		return nil, err
	}
	byRisk, err := s.groupCount(ctx, "overall_risk", &from, &to)
	if err != nil {
		return nil, err
	}
	var total int64
	for _, n := range byStatus {
		total += n
	}
	return &DailyDigest{From: from, To: to, Total: total, ByStatus: byStatus, ByRisk: byRisk}, nil
}
