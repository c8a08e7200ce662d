package service_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/smallbiznis/tenancy/internal/authorization"
	"github.com/smallbiznis/tenancy/internal/role"
	"github.com/smallbiznis/tenancy/internal/tenant/domain"
	"github.com/smallbiznis/tenancy/internal/testkit"
	"github.com/smallbiznis/tenancy/pkg/apperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func TestCreateTenantOnboardsOwner(t *testing.T) {
	stack := testkit.New(t)
	ctx := context.Background()
	alice := testkit.Actor(t, "alice", "alice@acme.com")

	tenant := stack.CreateTenant(t, alice, domain.CreateTenantRequest{Name: "  Acme Corp ", EmailDomain: "Acme.com"})
	assert.Equal(t, "Acme Corp", tenant.Name)
	assert.Equal(t, "acme-corp", tenant.Slug)
	assert.Equal(t, "acme.com", tenant.EmailDomain)
	assert.True(t, tenant.RequireAdminApproval)

	got, err := stack.Authz.EffectiveTenantRole(ctx, alice, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, role.TenantOwner, got)

	workspaces, err := stack.Tenants.ListWorkspaces(ctx, alice, tenant.ID)
	require.NoError(t, err)
	require.Len(t, workspaces, 1)
	assert.Equal(t, domain.DefaultWorkspaceName, workspaces[0].Name)
	assert.True(t, workspaces[0].IsDefault)

	ws, err := stack.Authz.EffectiveWorkspaceRole(ctx, alice, workspaces[0].ID)
	require.NoError(t, err)
	assert.Equal(t, role.WorkspaceAdmin, ws.Role)
	assert.Equal(t, authorization.SourceTenantOverride, ws.Source)

	profile, err := stack.TenantRepo.GetProfile(ctx, alice.ID)
	require.NoError(t, err)
	require.NotNil(t, profile.HomeTenantID)
	assert.Equal(t, tenant.ID, *profile.HomeTenantID)
}

func TestCreateTenantSuffixesTakenSlug(t *testing.T) {
	stack := testkit.New(t)
	alice := testkit.Actor(t, "alice", "alice@acme.com")
	bob := testkit.Actor(t, "bob", "bob@other.io")

	first := stack.CreateTenant(t, alice, domain.CreateTenantRequest{Name: "Acme"})
	second := stack.CreateTenant(t, bob, domain.CreateTenantRequest{Name: "Acme"})
	third := stack.CreateTenant(t, bob, domain.CreateTenantRequest{Name: "acme"})

	assert.Equal(t, "acme", first.Slug)
	assert.Equal(t, "acme-2", second.Slug)
	assert.Equal(t, "acme-3", third.Slug)
}

// hideTenantSlugs makes the first n slug lookups miss every row, as if a rival
// insert committed right after the check.
func hideTenantSlugs(t *testing.T, stack *testkit.Stack, n int32) *atomic.Int32 {
	t.Helper()
	var hidden atomic.Int32
	require.NoError(t, stack.DB.Callback().Query().Before("gorm:query").Register("test:hide_tenant_slugs", func(tx *gorm.DB) {
		if tx.Statement.Table != "tenants" || hidden.Load() >= n {
			return
		}
		hidden.Add(1)
		tx.Statement.AddClause(clause.Where{Exprs: []clause.Expression{clause.Expr{SQL: "1 = 0"}}})
	}))
	return &hidden
}

func TestCreateTenantRetriesSlugLostToRace(t *testing.T) {
	stack := testkit.New(t)
	alice := testkit.Actor(t, "alice", "alice@acme.com")
	bob := testkit.Actor(t, "bob", "bob@other.io")
	stack.CreateTenant(t, alice, domain.CreateTenantRequest{Name: "Acme"})

	hidden := hideTenantSlugs(t, stack, 1)
	tenant := stack.CreateTenant(t, bob, domain.CreateTenantRequest{Name: "Acme"})
	assert.Equal(t, "acme-2", tenant.Slug)
	assert.EqualValues(t, 1, hidden.Load())

	got, err := stack.Authz.EffectiveTenantRole(context.Background(), bob, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, role.TenantOwner, got)
}

func TestCreateTenantGivesUpOnRepeatedSlugRaces(t *testing.T) {
	stack := testkit.New(t)
	alice := testkit.Actor(t, "alice", "alice@acme.com")
	bob := testkit.Actor(t, "bob", "bob@other.io")
	stack.CreateTenant(t, alice, domain.CreateTenantRequest{Name: "Acme"})

	hidden := hideTenantSlugs(t, stack, 100)
	_, err := stack.Tenants.CreateTenant(context.Background(), bob, domain.CreateTenantRequest{Name: "Acme"})
	assert.ErrorIs(t, err, domain.ErrSlugTaken)
	assert.EqualValues(t, 3, hidden.Load())
}

func TestCreateTenantRejectsInvalidInput(t *testing.T) {
	stack := testkit.New(t)
	ctx := context.Background()
	alice := testkit.Actor(t, "alice", "alice@acme.com")

	_, err := stack.Tenants.CreateTenant(ctx, alice, domain.CreateTenantRequest{Name: "   "})
	assert.ErrorIs(t, err, domain.ErrInvalidName)

	_, err = stack.Tenants.CreateTenant(ctx, alice, domain.CreateTenantRequest{Name: "Acme", EmailDomain: "not a domain"})
	assert.ErrorIs(t, err, domain.ErrInvalidEmailDomain)
}

func TestGetTenantRequiresMembership(t *testing.T) {
	stack := testkit.New(t)
	ctx := context.Background()
	alice := testkit.Actor(t, "alice", "alice@acme.com")
	mallory := testkit.Actor(t, "mallory", "mallory@evil.io")
	tenant := stack.CreateTenant(t, alice, domain.CreateTenantRequest{Name: "Acme"})

	_, err := stack.Tenants.GetTenant(ctx, mallory, tenant.ID)
	assert.ErrorIs(t, err, apperror.ErrForbidden)

	got, err := stack.Tenants.GetTenant(ctx, alice, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.ID, got.ID)
}

func TestUpdateSettingsRequiresValueToEnforce(t *testing.T) {
	stack := testkit.New(t)
	ctx := context.Background()
	alice := testkit.Actor(t, "alice", "alice@acme.com")
	tenant := stack.CreateTenant(t, alice, domain.CreateTenantRequest{Name: "Acme"})

	enforce := true
	_, err := stack.Tenants.UpdateSettings(ctx, alice, tenant.ID, domain.UpdateSettingsRequest{EnforceTimezone: &enforce})
	assert.ErrorIs(t, err, domain.ErrEnforceWithoutValue)

	tz := "Europe/London"
	updated, err := stack.Tenants.UpdateSettings(ctx, alice, tenant.ID, domain.UpdateSettingsRequest{
		DefaultTimezone: &tz,
		EnforceTimezone: &enforce,
	})
	require.NoError(t, err)
	require.NotNil(t, updated.DefaultTimezone)
	assert.Equal(t, tz, *updated.DefaultTimezone)
	assert.True(t, updated.EnforceTimezone)
}

func TestUpdateSettingsForbiddenForMember(t *testing.T) {
	stack := testkit.New(t)
	ctx := context.Background()
	alice := testkit.Actor(t, "alice", "alice@acme.com")
	bob := testkit.Actor(t, "bob", "bob@acme.com")
	tenant := stack.CreateTenant(t, alice, domain.CreateTenantRequest{Name: "Acme"})
	stack.Admit(t, bob, tenant.ID, role.TenantMember)

	name := "Renamed"
	_, err := stack.Tenants.UpdateSettings(ctx, bob, tenant.ID, domain.UpdateSettingsRequest{Name: &name})
	assert.ErrorIs(t, err, apperror.ErrForbidden)
}

func TestTransferOwnership(t *testing.T) {
	stack := testkit.New(t)
	ctx := context.Background()
	alice := testkit.Actor(t, "alice", "alice@acme.com")
	bob := testkit.Actor(t, "bob", "bob@acme.com")
	carol := testkit.Actor(t, "carol", "carol@acme.com")
	tenant := stack.CreateTenant(t, alice, domain.CreateTenantRequest{Name: "Acme"})
	stack.Admit(t, bob, tenant.ID, role.TenantMember)

	assert.ErrorIs(t, stack.Tenants.TransferOwnership(ctx, alice, tenant.ID, alice.ID), domain.ErrTransferToSelf)
	assert.ErrorIs(t, stack.Tenants.TransferOwnership(ctx, alice, tenant.ID, carol.ID), domain.ErrTransferTarget)
	assert.ErrorIs(t, stack.Tenants.TransferOwnership(ctx, bob, tenant.ID, alice.ID), apperror.ErrForbidden)

	require.NoError(t, stack.Tenants.TransferOwnership(ctx, alice, tenant.ID, bob.ID))

	got, err := stack.Authz.EffectiveTenantRole(ctx, alice, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, role.TenantAdmin, got)
	got, err = stack.Authz.EffectiveTenantRole(ctx, bob, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, role.TenantOwner, got)

	owners, err := stack.TenantRepo.CountOwners(ctx, tenant.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, owners)
}

func TestDeleteTenantIsOwnerOnly(t *testing.T) {
	stack := testkit.New(t)
	ctx := context.Background()
	alice := testkit.Actor(t, "alice", "alice@acme.com")
	bob := testkit.Actor(t, "bob", "bob@acme.com")
	tenant := stack.CreateTenant(t, alice, domain.CreateTenantRequest{Name: "Acme"})
	stack.Admit(t, bob, tenant.ID, role.TenantAdmin)

	assert.ErrorIs(t, stack.Tenants.DeleteTenant(ctx, bob, tenant.ID), apperror.ErrForbidden)
	require.NoError(t, stack.Tenants.DeleteTenant(ctx, alice, tenant.ID))

	items, err := stack.Tenants.ListTenantsForActor(ctx, bob)
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = stack.Tenants.GetTenant(ctx, alice, tenant.ID)
	assert.Error(t, err)
}

func TestListTenantsForActorCarriesRole(t *testing.T) {
	stack := testkit.New(t)
	ctx := context.Background()
	alice := testkit.Actor(t, "alice", "alice@acme.com")
	bob := testkit.Actor(t, "bob", "bob@acme.com")
	acme := stack.CreateTenant(t, alice, domain.CreateTenantRequest{Name: "Acme"})
	stack.CreateTenant(t, bob, domain.CreateTenantRequest{Name: "Bobco"})
	stack.Admit(t, bob, acme.ID, role.TenantMember)

	items, err := stack.Tenants.ListTenantsForActor(ctx, bob)
	require.NoError(t, err)
	require.Len(t, items, 2)

	roles := map[string]string{}
	for _, item := range items {
		roles[item.Slug] = item.Role
	}
	assert.Equal(t, map[string]string{"acme": "member", "bobco": "owner"}, roles)

	members, err := stack.Tenants.ListMembers(ctx, bob, acme.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestWorkspaceLifecycle(t *testing.T) {
	stack := testkit.New(t)
	ctx := context.Background()
	alice := testkit.Actor(t, "alice", "alice@acme.com")
	bob := testkit.Actor(t, "bob", "bob@acme.com")
	tenant := stack.CreateTenant(t, alice, domain.CreateTenantRequest{Name: "Acme"})
	stack.Admit(t, bob, tenant.ID, role.TenantMember)

	_, err := stack.Tenants.CreateWorkspace(ctx, bob, domain.CreateWorkspaceRequest{TenantID: tenant.ID, Name: "Design"})
	assert.ErrorIs(t, err, apperror.ErrForbidden)

	design, err := stack.Tenants.CreateWorkspace(ctx, alice, domain.CreateWorkspaceRequest{TenantID: tenant.ID, Name: "Design"})
	require.NoError(t, err)
	assert.Equal(t, "design", design.Slug)
	assert.False(t, design.IsDefault)

	workspaces, err := stack.Tenants.ListWorkspaces(ctx, alice, tenant.ID)
	require.NoError(t, err)
	require.Len(t, workspaces, 2)

	var general domain.Workspace
	for _, ws := range workspaces {
		if ws.IsDefault {
			general = ws
		}
	}
	assert.ErrorIs(t, stack.Tenants.DeleteWorkspace(ctx, alice, general.ID), domain.ErrDefaultWorkspace)
	require.NoError(t, stack.Tenants.DeleteWorkspace(ctx, alice, design.ID))

	workspaces, err = stack.Tenants.ListWorkspaces(ctx, alice, tenant.ID)
	require.NoError(t, err)
	assert.Len(t, workspaces, 1)
}
