package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenancy/internal/actor"
	"github.com/smallbiznis/tenancy/pkg/apperror"
	"github.com/smallbiznis/tenancy/pkg/db/pagination"
)

var (
	ErrInvitationNotFound      = apperror.NotFoundOrExpired("invitation_not_found", "invitation not found or expired")
	ErrPendingInvitationExists = apperror.Conflict("pending_invitation_exists", "a pending invitation already exists for this email")
	ErrAlreadyMember           = apperror.Conflict("already_member", "email already belongs to a member")
	ErrInvitationNotPending    = apperror.Conflict("invitation_not_pending", "only pending invitations can be revoked")
	ErrInvalidStatus           = apperror.Validation("invalid_status", "unknown invitation status")
	ErrOwnerInvite             = apperror.Validation("owner_invite", "ownership cannot be granted by invitation")
	ErrWorkspaceMismatch       = apperror.Validation("workspace_mismatch", "workspace does not belong to the tenant")
	ErrInvalidPageToken        = apperror.Validation("invalid_page_token", "page token is malformed")
)

type CreateRequest struct {
	TenantID      snowflake.ID  `json:"tenant_id"`
	Email         string        `json:"email" validate:"required,email,max=320"`
	TenantRole    string        `json:"tenant_role"`
	WorkspaceID   *snowflake.ID `json:"workspace_id,omitempty"`
	WorkspaceRole string        `json:"workspace_role,omitempty"`
}

// Created carries the raw token, which is only ever returned here.
type Created struct {
	Invitation Invitation `json:"invitation"`
	Token      string     `json:"token"`
}

type AcceptResult struct {
	TenantID    snowflake.ID  `json:"tenant_id"`
	WorkspaceID *snowflake.ID `json:"workspace_id,omitempty"`
}

type Service interface {
	Create(ctx context.Context, a actor.Actor, req CreateRequest) (*Created, error)
	Accept(ctx context.Context, a actor.Actor, token string) (*AcceptResult, error)
	Revoke(ctx context.Context, a actor.Actor, tenantID, invitationID snowflake.ID) error
	List(ctx context.Context, a actor.Actor, tenantID snowflake.ID, status string, page pagination.Pagination) ([]Invitation, pagination.PageInfo, error)
	// Sweep flips pending rows past expiry to expired. Correctness never depends on it.
	Sweep(ctx context.Context, batchSize int) (int64, error)
}
