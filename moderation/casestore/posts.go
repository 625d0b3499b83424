package casestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/unicon-campus/unimod/moderation"
)

const DefaultPostPageLimit = 100

func (s *Store) CreatePost(ctx context.Context, p *PostReviewCase) error {
	if p.Version == 0 {
		p.Version = 1
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if err := s.DB.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("creating post review: %w", err)
	}
	return nil
}

func (s *Store) GetPost(ctx context.Context, id uint64) (*PostReviewCase, error) {
	var p PostReviewCase
	err := s.DB.WithContext(ctx).First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading post review %d: %w", id, err)
	}
	return &p, nil
}

// SavePostReview writes the review fields of p under the same version check as SaveReview.
func (s *Store) SavePostReview(ctx context.Context, p *PostReviewCase) error {
	now := time.Now().UTC()
	res := s.DB.WithContext(ctx).Model(&PostReviewCase{}).
		Where("id = ? AND version = ?", p.ID, p.Version).
		Updates(map[string]any{
			"status":       p.Status,
			"action":       p.Action,
			"reviewed_by":  p.ReviewedBy,
			"review_date":  p.ReviewDate,
			"review_notes": p.ReviewNotes,
			"version":      p.Version + 1,
			"updated_at":   now,
		})
	if res.Error != nil {
		return fmt.Errorf("saving post review %d: %w", p.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetPost(ctx, p.ID); err != nil {
			return err
		}
		return ErrStaleCase
	}
	p.Version++
	p.UpdatedAt = now
	return nil
}

func (s *Store) ListPendingPosts(ctx context.Context, p Page) ([]PostReviewCase, Pagination, error) {
	p = p.normalized(DefaultPostPageLimit)
	q := s.DB.WithContext(ctx).Model(&PostReviewCase{}).Where("status = ?", moderation.StatusPending)
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, Pagination{}, fmt.Errorf("counting post reviews: %w", err)
	}
	var posts []PostReviewCase
	if err := q.Order("created_at desc, id desc").Offset(p.offset()).Limit(p.Limit).Find(&posts).Error; err != nil {
		return nil, Pagination{}, fmt.Errorf("listing post reviews: %w", err)
	}
	return posts, NewPagination(p, total), nil
}

func (s *Store) CreatePublished(ctx context.Context, pp *PublishedPost) error {
	if err := s.DB.WithContext(ctx).Create(pp).Error; err != nil {
		return fmt.Errorf("publishing post: %w", err)
	}
	return nil
}

func (s *Store) ListPublished(ctx context.Context, collection string) ([]PublishedPost, error) {
	var out []PublishedPost
	err := s.DB.WithContext(ctx).Where("collection = ?", collection).Order("id").Find(&out).Error
	return out, err
}
