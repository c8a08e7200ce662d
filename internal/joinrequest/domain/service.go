package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenancy/internal/actor"
	"github.com/smallbiznis/tenancy/pkg/apperror"
)

var (
	ErrJoinRequestNotFound   = apperror.NotFoundOrExpired("join_request_not_found", "join request not found")
	ErrTenantNotFound        = apperror.NotFoundOrExpired("tenant_not_found", "tenant not found")
	ErrJoinRequestsDisabled  = apperror.Authorization("join_requests_disabled", "tenant does not accept join requests")
	ErrAlreadyMember         = apperror.Conflict("already_member", "actor is already a member of the tenant")
	ErrPendingRequestExists  = apperror.Conflict("pending_join_request_exists", "a pending join request already exists")
	ErrJoinRequestNotPending = apperror.Conflict("join_request_not_pending", "join request was already reviewed")
	ErrInvalidAction         = apperror.Validation("invalid_action", "action must be approve or reject")
	ErrInvalidStatus         = apperror.Validation("invalid_status", "unknown join request status")
	ErrMessageTooLong        = apperror.Validation("message_too_long", "message must be at most 1000 characters")
)

// SystemReviewer marks requests approved without an admin.
const SystemReviewer = "system"

type CreateRequest struct {
	TenantID snowflake.ID `json:"tenant_id"`
	Message  string       `json:"message" validate:"max=1000"`
}

type ReviewRequest struct {
	RequestID snowflake.ID `json:"request_id"`
	Action    Action       `json:"action" validate:"required,oneof=approve reject"`
	Notes     string       `json:"notes,omitempty" validate:"max=1000"`
}

type Service interface {
	Create(ctx context.Context, a actor.Actor, req CreateRequest) (*JoinRequest, error)
	// ListForTenant needs member-management permission; ListOwn returns the caller's requests.
	ListForTenant(ctx context.Context, a actor.Actor, tenantID snowflake.ID, status string) ([]JoinRequest, error)
	ListOwn(ctx context.Context, a actor.Actor, status string) ([]JoinRequest, error)
	Review(ctx context.Context, a actor.Actor, req ReviewRequest) (*JoinRequest, error)
}
