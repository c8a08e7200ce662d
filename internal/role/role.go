// Package role holds the static permission matrices for tenant and workspace roles.
package role

import "github.com/smallbiznis/tenancy/pkg/apperror"

type TenantRole string

const (
	TenantOwner  TenantRole = "owner"
	TenantAdmin  TenantRole = "admin"
	TenantMember TenantRole = "member"
)

type WorkspaceRole string

const (
	WorkspaceAdmin  WorkspaceRole = "admin"
	WorkspaceEditor WorkspaceRole = "editor"
	WorkspaceViewer WorkspaceRole = "viewer"
)

type Permission string

// Tenant-scoped permissions.
const (
	PermTenantView              Permission = "tenant.view"
	PermTenantSettingsUpdate    Permission = "tenant.settings.update"
	PermTenantDelete            Permission = "tenant.delete"
	PermTenantTransferOwnership Permission = "tenant.transfer_ownership"
	PermMemberView              Permission = "member.view"
	PermMemberInvite            Permission = "member.invite"
	PermMemberManage            Permission = "member.manage"
	PermMemberSuspend           Permission = "member.suspend"
	PermWorkspaceCreate         Permission = "workspace.create"
	PermWorkspaceDelete         Permission = "workspace.delete"
)

// Workspace-scoped permissions.
const (
	PermWorkspaceView          Permission = "workspace.view"
	PermWorkspaceUpdate        Permission = "workspace.update"
	PermWorkspaceMembersManage Permission = "workspace.members.manage"
	PermResourceView           Permission = "resource.view"
	PermResourceEdit           Permission = "resource.edit"
)

var (
	ErrInvalidTenantRole    = apperror.Validation("invalid_tenant_role", "tenant role must be owner, admin or member")
	ErrInvalidWorkspaceRole = apperror.Validation("invalid_workspace_role", "workspace role must be admin, editor or viewer")
)

var workspacePermissions = map[Permission]struct{}{
	PermWorkspaceView:          {},
	PermWorkspaceUpdate:        {},
	PermWorkspaceMembersManage: {},
	PermResourceView:           {},
	PermResourceEdit:           {},
}

// Owner-only permissions follow the owner row and nothing else.
var ownerOnlyPermissions = map[Permission]struct{}{
	PermTenantDelete:            {},
	PermTenantTransferOwnership: {},
}

// IsOwnerOnly reports whether perm is reserved to the tenant owner and so can
// never be granted by a permission override.
func (p Permission) IsOwnerOnly() bool {
	_, ok := ownerOnlyPermissions[p]
	return ok
}

// IsWorkspaceScoped reports whether perm is evaluated against a workspace role.
func (p Permission) IsWorkspaceScoped() bool {
	_, ok := workspacePermissions[p]
	return ok
}

func ParseTenantRole(raw string) (TenantRole, error) {
	switch r := TenantRole(raw); r {
	case TenantOwner, TenantAdmin, TenantMember:
		return r, nil
	default:
		return "", ErrInvalidTenantRole
	}
}

func ParseWorkspaceRole(raw string) (WorkspaceRole, error) {
	switch r := WorkspaceRole(raw); r {
	case WorkspaceAdmin, WorkspaceEditor, WorkspaceViewer:
		return r, nil
	default:
		return "", ErrInvalidWorkspaceRole
	}
}

// IsAdministrative reports whether r counts toward the tenant's admin quorum.
func (r TenantRole) IsAdministrative() bool {
	return r == TenantOwner || r == TenantAdmin
}

func (r TenantRole) subject() string    { return "tenant:" + string(r) }
func (r WorkspaceRole) subject() string { return "workspace:" + string(r) }
