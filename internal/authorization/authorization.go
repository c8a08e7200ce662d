// Package authorization computes effective roles and answers permission checks.
package authorization

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenancy/internal/actor"
	"github.com/smallbiznis/tenancy/internal/role"
	"github.com/smallbiznis/tenancy/pkg/apperror"
)

var (
	ErrInvalidScope      = apperror.Validation("invalid_scope", "exactly one of tenant or workspace must be set")
	ErrWorkspaceNotFound = apperror.NotFoundOrExpired("workspace_not_found", "workspace not found")
)

// Scope names the resource a permission is checked against. Exactly one id is set.
type Scope struct {
	TenantID    snowflake.ID
	WorkspaceID snowflake.ID
}

func TenantScope(id snowflake.ID) Scope    { return Scope{TenantID: id} }
func WorkspaceScope(id snowflake.ID) Scope { return Scope{WorkspaceID: id} }

func (s Scope) validate() error {
	if (s.TenantID == 0) == (s.WorkspaceID == 0) {
		return ErrInvalidScope
	}
	return nil
}

// RoleSource tells how an effective workspace role was obtained.
type RoleSource string

const (
	SourceTenantOverride RoleSource = "tenant_override"
	SourceDirect         RoleSource = "direct"
	SourceNone           RoleSource = "none"
)

// EffectiveWorkspaceRole is the outcome of the two-step workspace resolution.
// Role is empty when Source is SourceNone.
type EffectiveWorkspaceRole struct {
	TenantID snowflake.ID       `json:"tenant_id"`
	Role     role.WorkspaceRole `json:"role,omitempty"`
	Source   RoleSource         `json:"source"`
}

// ResolveWorkspaceRole applies the tenant override: tenant owners and admins
// are workspace admins regardless of any direct membership.
func ResolveWorkspaceRole(tenantRole role.TenantRole, direct role.WorkspaceRole) (role.WorkspaceRole, RoleSource) {
	if tenantRole.IsAdministrative() {
		return role.WorkspaceAdmin, SourceTenantOverride
	}
	if tenantRole != "" && direct != "" {
		return direct, SourceDirect
	}
	return "", SourceNone
}

type Service interface {
	EffectiveTenantRole(ctx context.Context, a actor.Actor, tenantID snowflake.ID) (role.TenantRole, error)
	EffectiveWorkspaceRole(ctx context.Context, a actor.Actor, workspaceID snowflake.ID) (EffectiveWorkspaceRole, error)
	HasPermission(ctx context.Context, a actor.Actor, perm role.Permission, scope Scope) (bool, error)
	// Authorize is HasPermission returning ErrActorSuspended or ErrForbidden on denial.
	Authorize(ctx context.Context, a actor.Actor, perm role.Permission, scope Scope) error
	Permissions(ctx context.Context, a actor.Actor, scope Scope) ([]role.Permission, error)
	// Invalidate drops cached decisions for the given actors.
	Invalidate(ctx context.Context, actorIDs ...string)
}
