package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// ListFilter pages by descending id. BeforeID and Limit are optional.
type ListFilter struct {
	TenantID snowflake.ID
	Status   Status
	Now      time.Time
	BeforeID snowflake.ID
	Limit    int
}

type Repository interface {
	WithTx(tx *gorm.DB) Repository

	Create(ctx context.Context, inv Invitation) error
	Get(ctx context.Context, tenantID, id snowflake.ID) (*Invitation, error)
	GetByTokenHash(ctx context.Context, tokenHash string) (*Invitation, error)
	HasPending(ctx context.Context, tenantID snowflake.ID, email string, now time.Time) (bool, error)
	List(ctx context.Context, filter ListFilter) ([]Invitation, error)

	// MarkAccepted and MarkRevoked only move pending rows; they report whether one moved.
	MarkAccepted(ctx context.Context, id snowflake.ID, actorID string, workspaceID *snowflake.ID, now time.Time) (bool, error)
	MarkRevoked(ctx context.Context, id snowflake.ID, now time.Time) (bool, error)

	ExpireStale(ctx context.Context, tenantID snowflake.ID, email string, now time.Time) (int64, error)
	ExpireBatch(ctx context.Context, now time.Time, limit int) (int64, error)
}
