package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// ListFilter selects by tenant or by requester; Status is optional.
type ListFilter struct {
	TenantID    snowflake.ID
	RequesterID string
	Status      Status
}

type Repository interface {
	WithTx(tx *gorm.DB) Repository

	Create(ctx context.Context, req JoinRequest) error
	Get(ctx context.Context, id snowflake.ID) (*JoinRequest, error)
	HasPending(ctx context.Context, tenantID snowflake.ID, requesterID string) (bool, error)
	List(ctx context.Context, filter ListFilter) ([]JoinRequest, error)
	// MarkReviewed only moves a pending row and reports whether it did.
	MarkReviewed(ctx context.Context, id snowflake.ID, status Status, reviewerID string, notes *string, now time.Time) (bool, error)
}
