// Package casestore persists review cases and post review cases with gorm.
package casestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/unicon-campus/unimod/moderation"
)

var (
	ErrNotFound  = errors.New("case not found")
	ErrStaleCase = errors.New("case was modified concurrently")
)

type Store struct {
	DB *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{DB: db}
}

func (s *Store) Migrate() error {
	return s.DB.AutoMigrate(&ReviewCase{}, &PostReviewCase{}, &PublishedPost{})
}

// Transaction runs fn against a store bound to one database transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{DB: tx})
	})
}

func (s *Store) CreateCase(ctx context.Context, c *ReviewCase) error {
	if c.Version == 0 {
		c.Version = 1
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UploadDate.IsZero() {
		c.UploadDate = c.CreatedAt
	}
	c.UpdatedAt = now
	if err := s.DB.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("creating review case: %w", err)
	}
	return nil
}

func (s *Store) GetCase(ctx context.Context, id uint64) (*ReviewCase, error) {
	var c ReviewCase
	err := s.DB.WithContext(ctx).First(&c, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading review case %d: %w", id, err)
	}
	return &c, nil
}

// SaveReview writes the review and appeal fields of c, provided the stored
// version still equals c.Version. On success c.Version is bumped.
func (s *Store) SaveReview(ctx context.Context, c *ReviewCase) error {
	now := time.Now().UTC()
	cols := map[string]any{
		"status":                c.Status,
		"action":                c.Action,
		"reviewed_by":           c.ReviewedBy,
		"review_date":           c.ReviewDate,
		"review_notes":          c.ReviewNotes,
		"appeal_requested":      c.Appeal.Requested,
		"appeal_requested_by":   c.Appeal.RequestedBy,
		"appeal_requested_date": c.Appeal.RequestedDate,
		"appeal_reason":         c.Appeal.Reason,
		"appeal_status":         c.Appeal.Status,
		"appeal_reviewed_by":    c.Appeal.ReviewedBy,
		"appeal_review_date":    c.Appeal.ReviewDate,
		"appeal_review_notes":   c.Appeal.ReviewNotes,
		"version":               c.Version + 1,
		"updated_at":            now,
	}
	res := s.DB.WithContext(ctx).Model(&ReviewCase{}).
		Where("id = ? AND version = ?", c.ID, c.Version).
		Updates(cols)
	if res.Error != nil {
		return fmt.Errorf("saving review case %d: %w", c.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetCase(ctx, c.ID); err != nil {
			return err
		}
		return ErrStaleCase
	}
	c.Version++
	c.UpdatedAt = now
	return nil
}

type CaseFilter struct {
	Statuses   []moderation.CaseStatus
	Risk       moderation.RiskLevel
	UploadedBy string
}

// ListCases returns one page of matching cases, newest first, plus the total match count.
func (s *Store) ListCases(ctx context.Context, f CaseFilter, p Page) ([]ReviewCase, Pagination, error) {
	p = p.normalized(DefaultPageLimit)
	q := s.DB.WithContext(ctx).Model(&ReviewCase{})
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.Risk != "" {
		q = q.Where("overall_risk = ?", f.Risk)
	}
	if f.UploadedBy != "" {
		q = q.Where("uploaded_by = ?", f.UploadedBy)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, Pagination{}, fmt.Errorf("counting review cases: %w", err)
	}
	var cases []ReviewCase
	if err := q.Order("created_at desc, id desc").Offset(p.offset()).Limit(p.Limit).Find(&cases).Error; err != nil {
		return nil, Pagination{}, fmt.Errorf("listing review cases: %w", err)
	}
	return cases, NewPagination(p, total), nil
}
