package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenancy/internal/actor"
	"github.com/smallbiznis/tenancy/pkg/apperror"
)

var (
	ErrInvalidName          = apperror.Validation("invalid_name", "name is required and must be at most 120 characters")
	ErrInvalidEmailDomain   = apperror.Validation("invalid_email_domain", "email domain must be a host name")
	ErrEnforceWithoutValue  = apperror.Validation("enforce_without_value", "an enforced setting needs a tenant default")
	ErrTenantNotFound       = apperror.NotFoundOrExpired("tenant_not_found", "tenant not found")
	ErrWorkspaceNotFound    = apperror.NotFoundOrExpired("workspace_not_found", "workspace not found")
	ErrSlugTaken            = apperror.Conflict("slug_taken", "slug is already taken")
	ErrDefaultWorkspace     = apperror.Conflict("default_workspace", "the default workspace cannot be deleted")
	ErrTransferToSelf       = apperror.Conflict("transfer_to_self", "you already own this tenant")
	ErrTransferTarget       = apperror.Validation("transfer_target_not_member", "new owner must be a tenant member")
	ErrTransferTargetLocked = apperror.Conflict("transfer_target_suspended", "a suspended actor cannot become owner")
)

const (
	DefaultWorkspaceName = "General"
	MaxNameLength        = 120
)

type CreateTenantRequest struct {
	Name              string `json:"name"`
	EmailDomain       string `json:"email_domain,omitempty"`
	Discoverable      bool   `json:"discoverable"`
	AllowJoinRequests bool   `json:"allow_join_requests"`
	AllowDomainSignup bool   `json:"allow_domain_signup"`
}

// UpdateSettingsRequest is a partial update; nil fields keep their value.
// Clear* flags reset nullable defaults.
type UpdateSettingsRequest struct {
	Name                  *string `json:"name,omitempty"`
	EmailDomain           *string `json:"email_domain,omitempty"`
	Discoverable          *bool   `json:"discoverable,omitempty"`
	AllowJoinRequests     *bool   `json:"allow_join_requests,omitempty"`
	RequireAdminApproval  *bool   `json:"require_admin_approval,omitempty"`
	AllowDomainSignup     *bool   `json:"allow_domain_signup,omitempty"`
	DefaultTimezone       *string `json:"default_timezone,omitempty"`
	ClearDefaultTimezone  bool    `json:"clear_default_timezone,omitempty"`
	EnforceTimezone       *bool   `json:"enforce_timezone,omitempty"`
	BusinessHoursStart    *string `json:"business_hours_start,omitempty"`
	BusinessHoursEnd      *string `json:"business_hours_end,omitempty"`
	BusinessDays          []int   `json:"business_days,omitempty"`
	SessionTimeoutMinutes *int    `json:"session_timeout_minutes,omitempty"`
	ClearSessionTimeout   bool    `json:"clear_session_timeout,omitempty"`
	EnforceSessionTimeout *bool   `json:"enforce_session_timeout,omitempty"`
}

type CreateWorkspaceRequest struct {
	TenantID snowflake.ID `json:"tenant_id"`
	Name     string       `json:"name"`
}

type Service interface {
	CreateTenant(ctx context.Context, a actor.Actor, req CreateTenantRequest) (*Tenant, error)
	GetTenant(ctx context.Context, a actor.Actor, tenantID snowflake.ID) (*Tenant, error)
	UpdateSettings(ctx context.Context, a actor.Actor, tenantID snowflake.ID, req UpdateSettingsRequest) (*Tenant, error)
	TransferOwnership(ctx context.Context, a actor.Actor, tenantID snowflake.ID, newOwnerID string) error
	DeleteTenant(ctx context.Context, a actor.Actor, tenantID snowflake.ID) error
	ListTenantsForActor(ctx context.Context, a actor.Actor) ([]TenantListItem, error)
	ListMembers(ctx context.Context, a actor.Actor, tenantID snowflake.ID) ([]MemberListItem, error)

	CreateWorkspace(ctx context.Context, a actor.Actor, req CreateWorkspaceRequest) (*Workspace, error)
	ListWorkspaces(ctx context.Context, a actor.Actor, tenantID snowflake.ID) ([]Workspace, error)
	DeleteWorkspace(ctx context.Context, a actor.Actor, workspaceID snowflake.ID) error

	// EnsureProfile records the identity claim on first sight.
	EnsureProfile(ctx context.Context, a actor.Actor) (*ActorProfile, error)
}
