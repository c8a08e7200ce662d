// Package domain declares the membership mutation contract.
package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenancy/internal/actor"
	"github.com/smallbiznis/tenancy/internal/authorization"
	"github.com/smallbiznis/tenancy/internal/role"
	"github.com/smallbiznis/tenancy/pkg/apperror"
	"gorm.io/gorm"
)

var (
	ErrMembershipNotFound = apperror.NotFoundOrExpired("membership_not_found", "membership not found")
	ErrAlreadyMember      = apperror.Conflict("already_member", "actor is already a member")
	ErrOwnerProtected     = apperror.Conflict("owner_protected", "the owner membership cannot be changed here")
	ErrLastAdministrator  = apperror.Conflict("last_administrator", "a tenant must keep at least one administrator")
	ErrSelfModification   = apperror.Conflict("self_modification", "you cannot change your own membership")
	ErrOwnerAssignment    = apperror.Validation("owner_assignment", "ownership is granted only by transfer")
	ErrNotTenantMember    = apperror.Validation("not_tenant_member", "actor must belong to the tenant first")
	ErrWorkspaceMismatch  = apperror.Validation("workspace_mismatch", "workspace does not belong to the tenant")
	ErrWorkspaceNotFound  = apperror.NotFoundOrExpired("workspace_not_found", "workspace not found")
	ErrInvalidOverride    = apperror.Validation("invalid_permission_override", "overrides apply to non-owner tenant permissions only")
)

// Grant describes a membership to insert on admission. WorkspaceID is optional;
// without it the actor lands in the tenant's default workspace.
//
// Email seeds the profile of an actor seen for the first time. It only refreshes
// a known profile when OwnClaim is set, meaning it came from the admitted
// actor's own identity claim rather than from another caller.
type Grant struct {
	TenantID      snowflake.ID
	ActorID       string
	Email         string
	OwnClaim      bool
	TenantRole    role.TenantRole
	WorkspaceID   *snowflake.ID
	WorkspaceRole role.WorkspaceRole
}

// Admission is the outcome of Admit. Created is false when the actor was
// already a member and nothing new was written for the tenant.
type Admission struct {
	TenantID    snowflake.ID  `json:"tenant_id"`
	WorkspaceID *snowflake.ID `json:"workspace_id,omitempty"`
	Created     bool          `json:"-"`
}

type AddMemberRequest struct {
	Scope   authorization.Scope
	ActorID string `validate:"required,max=255"`
	Email   string `validate:"omitempty,email,max=320"`
	Role    string `validate:"required"`
}

type ChangeRoleRequest struct {
	Scope   authorization.Scope
	ActorID string `validate:"required,max=255"`
	Role    string `validate:"required"`
}

type RemoveMemberRequest struct {
	Scope   authorization.Scope
	ActorID string `validate:"required,max=255"`
}

type SuspensionRequest struct {
	TenantID  snowflake.ID
	ActorID   string `validate:"required,max=255"`
	Suspended bool
}

type OverridesRequest struct {
	TenantID  snowflake.ID
	ActorID   string `validate:"required,max=255"`
	Overrides map[role.Permission]bool
}

type Service interface {
	// Admit writes the membership side effect shared by invitation accept and
	// join-request approval. It runs inside the caller's transaction and is
	// idempotent for an existing member.
	Admit(ctx context.Context, tx *gorm.DB, grant Grant) (*Admission, error)

	AddMember(ctx context.Context, a actor.Actor, req AddMemberRequest) error
	ChangeRole(ctx context.Context, a actor.Actor, req ChangeRoleRequest) error
	RemoveMember(ctx context.Context, a actor.Actor, req RemoveMemberRequest) error
	SetSuspension(ctx context.Context, a actor.Actor, req SuspensionRequest) error
	SetPermissionOverrides(ctx context.Context, a actor.Actor, req OverridesRequest) error
}
