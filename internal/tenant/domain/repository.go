package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository is the single store for tenants, workspaces, profiles and
// memberships. Mutating callers bind it to their transaction with WithTx.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	CreateTenant(ctx context.Context, tenant Tenant) error
	GetTenant(ctx context.Context, id snowflake.ID) (*Tenant, error)
	SlugExists(ctx context.Context, slug string) (bool, error)
	UpdateTenantSettings(ctx context.Context, tenant Tenant) error
	DeleteTenant(ctx context.Context, id snowflake.ID) error
	ListTenantsByActor(ctx context.Context, actorID string) ([]TenantListItem, error)
	ListDiscoverableTenants(ctx context.Context) ([]DiscoverableTenant, error)
	ListTenantsByDomain(ctx context.Context, domain string) ([]DiscoverableTenant, error)

	CreateWorkspace(ctx context.Context, ws Workspace) error
	GetWorkspace(ctx context.Context, id snowflake.ID) (*Workspace, error)
	ListWorkspaces(ctx context.Context, tenantID snowflake.ID) ([]Workspace, error)
	WorkspaceSlugExists(ctx context.Context, tenantID snowflake.ID, slug string) (bool, error)
	DefaultWorkspace(ctx context.Context, tenantID snowflake.ID) (*Workspace, error)
	DeleteWorkspace(ctx context.Context, id snowflake.ID) error

	GetProfile(ctx context.Context, actorID string) (*ActorProfile, error)
	EnsureProfile(ctx context.Context, profile ActorProfile) error
	InsertProfileIfAbsent(ctx context.Context, profile ActorProfile) error
	SetSuspended(ctx context.Context, actorID string, suspended bool) error
	SetHomeTenantIfUnset(ctx context.Context, actorID string, tenantID snowflake.ID) error
	ClearHomeTenant(ctx context.Context, actorID string, tenantID snowflake.ID) error
	UpdatePreferences(ctx context.Context, actorID string, timezone *string, sessionTimeout *int) error

	GetTenantMembership(ctx context.Context, tenantID snowflake.ID, actorID string) (*TenantMembership, error)
	ListTenantMembers(ctx context.Context, tenantID snowflake.ID) ([]MemberListItem, error)
	ListTenantMemberIDs(ctx context.Context, tenantID snowflake.ID) ([]string, error)
	IsMemberByEmail(ctx context.Context, tenantID snowflake.ID, email string) (bool, error)
	CreateTenantMembership(ctx context.Context, m TenantMembership) error
	InsertTenantMembershipIfAbsent(ctx context.Context, m TenantMembership) (bool, error)
	UpdateTenantMembershipRole(ctx context.Context, tenantID snowflake.ID, actorID string, role string) error
	UpdatePermissionOverrides(ctx context.Context, tenantID snowflake.ID, actorID string, overrides map[string]any) error
	DeleteTenantMembership(ctx context.Context, tenantID snowflake.ID, actorID string) error
	CountAdministrators(ctx context.Context, tenantID snowflake.ID) (int64, error)
	CountOwners(ctx context.Context, tenantID snowflake.ID) (int64, error)
	CountOwnedTenants(ctx context.Context, actorID string) (int64, error)

	GetWorkspaceMembership(ctx context.Context, workspaceID snowflake.ID, actorID string) (*WorkspaceMembership, error)
	InsertWorkspaceMembershipIfAbsent(ctx context.Context, m WorkspaceMembership) (bool, error)
	UpdateWorkspaceMembershipRole(ctx context.Context, workspaceID snowflake.ID, actorID string, role string) error
	DeleteWorkspaceMembership(ctx context.Context, workspaceID snowflake.ID, actorID string) error
	DeleteWorkspaceMembershipsInTenant(ctx context.Context, tenantID snowflake.ID, actorID string) (int64, error)
	CountWorkspaceMembershipsInTenant(ctx context.Context, tenantID snowflake.ID, actorID string) (int64, error)
}
