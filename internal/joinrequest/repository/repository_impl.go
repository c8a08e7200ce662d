package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenancy/internal/joinrequest/domain"
	"gorm.io/gorm"
)

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) domain.Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) domain.Repository {
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, req domain.JoinRequest) error {
	return r.db.WithContext(ctx).Create(&req).Error
}

func (r *repository) Get(ctx context.Context, id snowflake.ID) (*domain.JoinRequest, error) {
	var req domain.JoinRequest
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&req).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *repository) HasPending(ctx context.Context, tenantID snowflake.ID, requesterID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.JoinRequest{}).
		Where("tenant_id = ? AND requester_id = ? AND status = ?", tenantID, requesterID, domain.StatusPending).
		Count(&count).Error
	return count > 0, err
}

func (r *repository) List(ctx context.Context, f domain.ListFilter) ([]domain.JoinRequest, error) {
	q := r.db.WithContext(ctx).Model(&domain.JoinRequest{})
	if f.TenantID != 0 {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	if f.RequesterID != "" {
		q = q.Where("requester_id = ?", f.RequesterID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}

	var items []domain.JoinRequest
	err := q.Order("created_at DESC").Order("id DESC").Find(&items).Error
	return items, err
}

func (r *repository) MarkReviewed(ctx context.Context, id snowflake.ID, status domain.Status, reviewerID string, notes *string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.JoinRequest{}).
		Where("id = ? AND status = ?", id, domain.StatusPending).
		Updates(map[string]any{
			"status":       status,
			"reviewer_id":  reviewerID,
			"review_notes": notes,
			"reviewed_at":  now,
			"updated_at":   now,
		})
	return res.RowsAffected > 0, res.Error
}
