package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenancy/internal/invitation/domain"
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

func (r *repository) Create(ctx context.Context, inv domain.Invitation) error {
	return r.db.WithContext(ctx).Create(&inv).Error
}

func (r *repository) Get(ctx context.Context, tenantID, id snowflake.ID) (*domain.Invitation, error) {
	var inv domain.Invitation
	err := r.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).Take(&inv).Error
	return found(&inv, err)
}

func (r *repository) GetByTokenHash(ctx context.Context, tokenHash string) (*domain.Invitation, error) {
	var inv domain.Invitation
	err := r.db.WithContext(ctx).Where("token_hash = ?", tokenHash).Take(&inv).Error
	return found(&inv, err)
}

func (r *repository) HasPending(ctx context.Context, tenantID snowflake.ID, email string, now time.Time) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Invitation{}).
		Where("tenant_id = ? AND email = ? AND status = ? AND expires_at > ?", tenantID, email, domain.StatusPending, now).
		Count(&count).Error
	return count > 0, err
}

// List filters on effective status, so pending rows past expiry count as expired.
func (r *repository) List(ctx context.Context, f domain.ListFilter) ([]domain.Invitation, error) {
	q := r.db.WithContext(ctx).Where("tenant_id = ?", f.TenantID)
	switch f.Status {
	case "":
	case domain.StatusPending:
		q = q.Where("status = ? AND expires_at > ?", domain.StatusPending, f.Now)
	case domain.StatusExpired:
		q = q.Where("status = ? OR (status = ? AND expires_at <= ?)", domain.StatusExpired, domain.StatusPending, f.Now)
	default:
		q = q.Where("status = ?", f.Status)
	}

	if f.BeforeID != 0 {
		q = q.Where("id < ?", f.BeforeID)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var items []domain.Invitation
	err := q.Order("id DESC").Find(&items).Error
	return items, err
}

func (r *repository) MarkAccepted(ctx context.Context, id snowflake.ID, actorID string, workspaceID *snowflake.ID, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.Invitation{}).
		Where("id = ? AND status = ? AND expires_at > ?", id, domain.StatusPending, now).
		Updates(map[string]any{
			"status":                domain.StatusAccepted,
			"accepted_by":           actorID,
			"accepted_at":           now,
			"accepted_workspace_id": workspaceID,
			"updated_at":            now,
		})
	return res.RowsAffected > 0, res.Error
}

func (r *repository) MarkRevoked(ctx context.Context, id snowflake.ID, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.Invitation{}).
		Where("id = ? AND status = ? AND expires_at > ?", id, domain.StatusPending, now).
		Updates(map[string]any{
			"status":     domain.StatusRevoked,
			"revoked_at": now,
			"updated_at": now,
		})
	return res.RowsAffected > 0, res.Error
}

// ExpireStale frees the pending slot for (tenant, email) when the holder is past expiry.
func (r *repository) ExpireStale(ctx context.Context, tenantID snowflake.ID, email string, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&domain.Invitation{}).
		Where("tenant_id = ? AND email = ? AND status = ? AND expires_at <= ?", tenantID, email, domain.StatusPending, now).
		Updates(map[string]any{"status": domain.StatusExpired, "updated_at": now})
	return res.RowsAffected, res.Error
}

func (r *repository) ExpireBatch(ctx context.Context, now time.Time, limit int) (int64, error) {
	db := r.db.WithContext(ctx)
	stale := db.Model(&domain.Invitation{}).
		Select("id").
		Where("status = ? AND expires_at <= ?", domain.StatusPending, now).
		Order("expires_at ASC").
		Limit(limit)

	res := db.Model(&domain.Invitation{}).
		Where("id IN (?)", stale).
		Where("status = ?", domain.StatusPending).
		Updates(map[string]any{"status": domain.StatusExpired, "updated_at": now})
	return res.RowsAffected, res.Error
}

func found[T any](row *T, err error) (*T, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}
