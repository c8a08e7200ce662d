package service_test

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenancy/internal/actor"
	"github.com/smallbiznis/tenancy/internal/authorization"
	"github.com/smallbiznis/tenancy/internal/membership/domain"
	"github.com/smallbiznis/tenancy/internal/role"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	"github.com/smallbiznis/tenancy/internal/testkit"
	"github.com/smallbiznis/tenancy/pkg/apperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type fixture struct {
	stack   *testkit.Stack
	owner   actor.Actor
	admin   actor.Actor
	member  actor.Actor
	tenant  *tenantdomain.Tenant
	general snowflake.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	stack := testkit.New(t)
	f := &fixture{
		stack:  stack,
		owner:  testkit.Actor(t, "alice", "alice@acme.com"),
		admin:  testkit.Actor(t, "bob", "bob@acme.com"),
		member: testkit.Actor(t, "carol", "carol@acme.com"),
	}
	f.tenant = stack.CreateTenant(t, f.owner, tenantdomain.CreateTenantRequest{Name: "Acme"})
	stack.Admit(t, f.admin, f.tenant.ID, role.TenantAdmin)
	stack.Admit(t, f.member, f.tenant.ID, role.TenantMember)

	ws, err := stack.TenantRepo.DefaultWorkspace(context.Background(), f.tenant.ID)
	require.NoError(t, err)
	require.NotNil(t, ws)
	f.general = ws.ID
	return f
}

func (f *fixture) tenantRole(t *testing.T, a actor.Actor) role.TenantRole {
	t.Helper()
	got, err := f.stack.Authz.EffectiveTenantRole(context.Background(), a, f.tenant.ID)
	require.NoError(t, err)
	return got
}

func TestAdmitIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dave := testkit.Actor(t, "dave", "Dave@Acme.com")

	var first, second *domain.Admission
	require.NoError(t, f.stack.DB.Transaction(func(tx *gorm.DB) error {
		var err error
		first, err = f.stack.Membership.Admit(ctx, tx, domain.Grant{TenantID: f.tenant.ID, ActorID: dave.ID, Email: dave.Email})
		return err
	}))
	require.NoError(t, f.stack.DB.Transaction(func(tx *gorm.DB) error {
		var err error
		second, err = f.stack.Membership.Admit(ctx, tx, domain.Grant{TenantID: f.tenant.ID, ActorID: dave.ID, Email: dave.Email})
		return err
	}))

	assert.True(t, first.Created)
	assert.False(t, second.Created)
	require.NotNil(t, first.WorkspaceID)
	assert.Equal(t, f.general, *first.WorkspaceID)

	wm, err := f.stack.TenantRepo.GetWorkspaceMembership(ctx, f.general, dave.ID)
	require.NoError(t, err)
	require.NotNil(t, wm)
	assert.Equal(t, string(role.WorkspaceViewer), wm.Role)

	profile, err := f.stack.TenantRepo.GetProfile(ctx, dave.ID)
	require.NoError(t, err)
	assert.Equal(t, "dave@acme.com", profile.Email)
	require.NotNil(t, profile.HomeTenantID)
	assert.Equal(t, f.tenant.ID, *profile.HomeTenantID)
}

func TestAddMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := domain.AddMemberRequest{
		Scope:   authorization.TenantScope(f.tenant.ID),
		ActorID: "dave",
		Email:   "dave@acme.com",
		Role:    string(role.TenantMember),
	}
	assert.ErrorIs(t, f.stack.Membership.AddMember(ctx, f.member, req), apperror.ErrForbidden)
	require.NoError(t, f.stack.Membership.AddMember(ctx, f.admin, req))
	assert.ErrorIs(t, f.stack.Membership.AddMember(ctx, f.admin, req), domain.ErrAlreadyMember)

	req.ActorID = "erin"
	req.Role = string(role.TenantOwner)
	assert.ErrorIs(t, f.stack.Membership.AddMember(ctx, f.owner, req), domain.ErrOwnerAssignment)

	req.Role = "superuser"
	assert.ErrorIs(t, f.stack.Membership.AddMember(ctx, f.owner, req), role.ErrInvalidTenantRole)
}

func TestAddMemberKeepsKnownProfileEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dave := testkit.Actor(t, "dave", "dave@dave.io")
	f.stack.CreateTenant(t, dave, tenantdomain.CreateTenantRequest{Name: "Dave Co"})

	require.NoError(t, f.stack.Membership.AddMember(ctx, f.admin, domain.AddMemberRequest{
		Scope:   authorization.TenantScope(f.tenant.ID),
		ActorID: dave.ID,
		Email:   "someone@elsewhere.com",
		Role:    string(role.TenantMember),
	}))
	profile, err := f.stack.TenantRepo.GetProfile(ctx, dave.ID)
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "dave@dave.io", profile.Email)

	require.NoError(t, f.stack.Membership.AddMember(ctx, f.admin, domain.AddMemberRequest{
		Scope:   authorization.TenantScope(f.tenant.ID),
		ActorID: "erin",
		Email:   "Erin@Acme.com",
		Role:    string(role.TenantMember),
	}))
	profile, err = f.stack.TenantRepo.GetProfile(ctx, "erin")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "erin@acme.com", profile.Email)
}

func TestAddWorkspaceMemberRequiresTenantMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	design, err := f.stack.Tenants.CreateWorkspace(ctx, f.owner, tenantdomain.CreateWorkspaceRequest{TenantID: f.tenant.ID, Name: "Design"})
	require.NoError(t, err)

	outsider := domain.AddMemberRequest{Scope: authorization.WorkspaceScope(design.ID), ActorID: "zed", Role: string(role.WorkspaceEditor)}
	assert.ErrorIs(t, f.stack.Membership.AddMember(ctx, f.admin, outsider), domain.ErrNotTenantMember)

	req := domain.AddMemberRequest{Scope: authorization.WorkspaceScope(design.ID), ActorID: f.member.ID, Role: string(role.WorkspaceEditor)}
	assert.ErrorIs(t, f.stack.Membership.AddMember(ctx, f.member, req), apperror.ErrForbidden)
	require.NoError(t, f.stack.Membership.AddMember(ctx, f.admin, req))
	assert.ErrorIs(t, f.stack.Membership.AddMember(ctx, f.admin, req), domain.ErrAlreadyMember)

	ws, err := f.stack.Authz.EffectiveWorkspaceRole(ctx, f.member, design.ID)
	require.NoError(t, err)
	assert.Equal(t, role.WorkspaceEditor, ws.Role)
	assert.Equal(t, authorization.SourceDirect, ws.Source)
}

func TestChangeRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope := authorization.TenantScope(f.tenant.ID)

	assert.ErrorIs(t, f.stack.Membership.ChangeRole(ctx, f.admin, domain.ChangeRoleRequest{Scope: scope, ActorID: f.admin.ID, Role: "member"}), domain.ErrSelfModification)
	assert.ErrorIs(t, f.stack.Membership.ChangeRole(ctx, f.admin, domain.ChangeRoleRequest{Scope: scope, ActorID: f.owner.ID, Role: "member"}), domain.ErrOwnerProtected)
	assert.ErrorIs(t, f.stack.Membership.ChangeRole(ctx, f.admin, domain.ChangeRoleRequest{Scope: scope, ActorID: f.member.ID, Role: "owner"}), domain.ErrOwnerAssignment)
	assert.ErrorIs(t, f.stack.Membership.ChangeRole(ctx, f.admin, domain.ChangeRoleRequest{Scope: scope, ActorID: "nobody", Role: "admin"}), domain.ErrMembershipNotFound)

	require.NoError(t, f.stack.Membership.ChangeRole(ctx, f.admin, domain.ChangeRoleRequest{Scope: scope, ActorID: f.member.ID, Role: "admin"}))
	assert.Equal(t, role.TenantAdmin, f.tenantRole(t, f.member))

	require.NoError(t, f.stack.Membership.ChangeRole(ctx, f.owner, domain.ChangeRoleRequest{Scope: scope, ActorID: f.admin.ID, Role: "member"}))
	assert.Equal(t, role.TenantMember, f.tenantRole(t, f.admin))
}

func TestChangeWorkspaceRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope := authorization.WorkspaceScope(f.general)

	require.NoError(t, f.stack.Membership.ChangeRole(ctx, f.admin, domain.ChangeRoleRequest{Scope: scope, ActorID: f.member.ID, Role: "editor"}))
	ws, err := f.stack.Authz.EffectiveWorkspaceRole(ctx, f.member, f.general)
	require.NoError(t, err)
	assert.Equal(t, role.WorkspaceEditor, ws.Role)

	assert.ErrorIs(t, f.stack.Membership.ChangeRole(ctx, f.admin, domain.ChangeRoleRequest{Scope: scope, ActorID: "nobody", Role: "editor"}), domain.ErrMembershipNotFound)
}

func TestRemoveMemberCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope := authorization.TenantScope(f.tenant.ID)

	assert.ErrorIs(t, f.stack.Membership.RemoveMember(ctx, f.admin, domain.RemoveMemberRequest{Scope: scope, ActorID: f.owner.ID}), domain.ErrOwnerProtected)
	assert.ErrorIs(t, f.stack.Membership.RemoveMember(ctx, f.admin, domain.RemoveMemberRequest{Scope: scope, ActorID: f.admin.ID}), domain.ErrSelfModification)
	assert.ErrorIs(t, f.stack.Membership.RemoveMember(ctx, f.member, domain.RemoveMemberRequest{Scope: scope, ActorID: f.admin.ID}), apperror.ErrForbidden)

	require.NoError(t, f.stack.Membership.RemoveMember(ctx, f.admin, domain.RemoveMemberRequest{Scope: scope, ActorID: f.member.ID}))

	assert.Equal(t, role.TenantRole(""), f.tenantRole(t, f.member))
	count, err := f.stack.TenantRepo.CountWorkspaceMembershipsInTenant(ctx, f.tenant.ID, f.member.ID)
	require.NoError(t, err)
	assert.Zero(t, count)

	profile, err := f.stack.TenantRepo.GetProfile(ctx, f.member.ID)
	require.NoError(t, err)
	assert.Nil(t, profile.HomeTenantID)

	_, err = f.stack.Tenants.GetTenant(ctx, f.member, f.tenant.ID)
	assert.ErrorIs(t, err, apperror.ErrForbidden)
}

func TestRemoveWorkspaceMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope := authorization.WorkspaceScope(f.general)

	require.NoError(t, f.stack.Membership.RemoveMember(ctx, f.admin, domain.RemoveMemberRequest{Scope: scope, ActorID: f.member.ID}))

	ws, err := f.stack.Authz.EffectiveWorkspaceRole(ctx, f.member, f.general)
	require.NoError(t, err)
	assert.Equal(t, authorization.SourceNone, ws.Source)
	assert.Equal(t, role.TenantMember, f.tenantRole(t, f.member))
}

func TestSuspensionBlocksEveryPermission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.stack.Membership.SetSuspension(ctx, f.admin, domain.SuspensionRequest{TenantID: f.tenant.ID, ActorID: f.owner.ID, Suspended: true}), domain.ErrOwnerProtected)
	assert.ErrorIs(t, f.stack.Membership.SetSuspension(ctx, f.member, domain.SuspensionRequest{TenantID: f.tenant.ID, ActorID: f.admin.ID, Suspended: true}), apperror.ErrForbidden)

	require.NoError(t, f.stack.Membership.SetSuspension(ctx, f.owner, domain.SuspensionRequest{TenantID: f.tenant.ID, ActorID: f.admin.ID, Suspended: true}))

	err := f.stack.Authz.Authorize(ctx, f.admin, role.PermTenantView, authorization.TenantScope(f.tenant.ID))
	assert.ErrorIs(t, err, apperror.ErrActorSuspended)
	err = f.stack.Membership.AddMember(ctx, f.admin, domain.AddMemberRequest{Scope: authorization.TenantScope(f.tenant.ID), ActorID: "dave", Role: "member"})
	assert.ErrorIs(t, err, apperror.ErrActorSuspended)

	require.NoError(t, f.stack.Membership.SetSuspension(ctx, f.owner, domain.SuspensionRequest{TenantID: f.tenant.ID, ActorID: f.admin.ID, Suspended: false}))
	assert.NoError(t, f.stack.Authz.Authorize(ctx, f.admin, role.PermTenantView, authorization.TenantScope(f.tenant.ID)))
}

func TestSuspensionSkipsOwnersOfOtherTenants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	carolCo := f.stack.CreateTenant(t, f.member, tenantdomain.CreateTenantRequest{Name: "Carol Co"})

	err := f.stack.Membership.SetSuspension(ctx, f.admin, domain.SuspensionRequest{TenantID: f.tenant.ID, ActorID: f.member.ID, Suspended: true})
	assert.ErrorIs(t, err, domain.ErrOwnerProtected)

	ok, err := f.stack.Authz.HasPermission(ctx, f.member, role.PermTenantView, authorization.TenantScope(carolCo.ID))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, f.stack.Authz.Authorize(ctx, f.member, role.PermTenantView, authorization.TenantScope(f.tenant.ID)))

	profile, err := f.stack.TenantRepo.GetProfile(ctx, f.member.ID)
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.False(t, profile.Suspended)
}

func TestOwnerOnlyPermissionsCannotBeOverridden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope := authorization.TenantScope(f.tenant.ID)

	for _, perm := range []role.Permission{role.PermTenantDelete, role.PermTenantTransferOwnership} {
		req := domain.OverridesRequest{TenantID: f.tenant.ID, ActorID: f.member.ID, Overrides: map[role.Permission]bool{perm: true}}
		assert.ErrorIs(t, f.stack.Membership.SetPermissionOverrides(ctx, f.admin, req), domain.ErrInvalidOverride, string(perm))
	}

	// Stored grants for owner-only permissions are ignored at evaluation.
	err := f.stack.DB.Model(&tenantdomain.TenantMembership{}).
		Where("tenant_id = ? AND actor_id = ?", f.tenant.ID, f.member.ID).
		Update("permission_overrides", datatypes.JSONMap{
			string(role.PermTenantDelete):            true,
			string(role.PermTenantTransferOwnership): true,
		}).Error
	require.NoError(t, err)
	f.stack.Authz.Invalidate(ctx, f.member.ID)

	ok, err := f.stack.Authz.HasPermission(ctx, f.member, role.PermTenantDelete, scope)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, f.stack.Tenants.DeleteTenant(ctx, f.member, f.tenant.ID), apperror.ErrForbidden)
	assert.ErrorIs(t, f.stack.Tenants.TransferOwnership(ctx, f.member, f.tenant.ID, f.admin.ID), apperror.ErrForbidden)

	tenant, err := f.stack.TenantRepo.GetTenant(ctx, f.tenant.ID)
	require.NoError(t, err)
	assert.NotNil(t, tenant)
}

func TestPermissionOverrides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope := authorization.TenantScope(f.tenant.ID)

	bad := domain.OverridesRequest{TenantID: f.tenant.ID, ActorID: f.member.ID, Overrides: map[role.Permission]bool{role.PermResourceEdit: true}}
	assert.ErrorIs(t, f.stack.Membership.SetPermissionOverrides(ctx, f.admin, bad), domain.ErrInvalidOverride)

	owner := domain.OverridesRequest{TenantID: f.tenant.ID, ActorID: f.owner.ID, Overrides: map[role.Permission]bool{role.PermMemberView: false}}
	assert.ErrorIs(t, f.stack.Membership.SetPermissionOverrides(ctx, f.admin, owner), domain.ErrOwnerProtected)

	grant := domain.OverridesRequest{TenantID: f.tenant.ID, ActorID: f.member.ID, Overrides: map[role.Permission]bool{
		role.PermMemberInvite: true,
		role.PermMemberView:   false,
	}}
	require.NoError(t, f.stack.Membership.SetPermissionOverrides(ctx, f.admin, grant))

	ok, err := f.stack.Authz.HasPermission(ctx, f.member, role.PermMemberInvite, scope)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.stack.Authz.HasPermission(ctx, f.member, role.PermMemberView, scope)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = f.stack.Authz.HasPermission(ctx, f.member, role.PermTenantView, scope)
	require.NoError(t, err)
	assert.True(t, ok)
}
