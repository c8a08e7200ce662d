package role

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := NewCatalog()
	require.NoError(t, err)
	return c
}

func TestTenantRoleHierarchy(t *testing.T) {
	c := newCatalog(t)

	assert.True(t, c.TenantRoleAllows(TenantMember, PermTenantView))
	assert.False(t, c.TenantRoleAllows(TenantMember, PermMemberInvite))

	assert.True(t, c.TenantRoleAllows(TenantAdmin, PermTenantView))
	assert.True(t, c.TenantRoleAllows(TenantAdmin, PermMemberInvite))
	assert.True(t, c.TenantRoleAllows(TenantAdmin, PermMemberSuspend))
	assert.False(t, c.TenantRoleAllows(TenantAdmin, PermTenantTransferOwnership))
	assert.False(t, c.TenantRoleAllows(TenantAdmin, PermTenantDelete))

	assert.True(t, c.TenantRoleAllows(TenantOwner, PermMemberManage))
	assert.True(t, c.TenantRoleAllows(TenantOwner, PermTenantTransferOwnership))
	assert.True(t, c.TenantRoleAllows(TenantOwner, PermTenantDelete))
}

func TestWorkspaceRoleHierarchy(t *testing.T) {
	c := newCatalog(t)

	assert.True(t, c.WorkspaceRoleAllows(WorkspaceViewer, PermResourceView))
	assert.False(t, c.WorkspaceRoleAllows(WorkspaceViewer, PermResourceEdit))

	assert.True(t, c.WorkspaceRoleAllows(WorkspaceEditor, PermResourceEdit))
	assert.False(t, c.WorkspaceRoleAllows(WorkspaceEditor, PermWorkspaceMembersManage))

	assert.True(t, c.WorkspaceRoleAllows(WorkspaceAdmin, PermWorkspaceMembersManage))
	assert.True(t, c.WorkspaceRoleAllows(WorkspaceAdmin, PermResourceView))
}

func TestScopesDoNotCross(t *testing.T) {
	c := newCatalog(t)

	assert.False(t, c.TenantRoleAllows(TenantOwner, PermResourceEdit))
	assert.False(t, c.WorkspaceRoleAllows(WorkspaceAdmin, PermMemberInvite))
	assert.False(t, c.TenantRoleAllows("", PermTenantView))
}

func TestPermissionsAreSupersets(t *testing.T) {
	c := newCatalog(t)

	member := c.TenantPermissions(TenantMember)
	admin := c.TenantPermissions(TenantAdmin)
	owner := c.TenantPermissions(TenantOwner)

	assert.Subset(t, admin, member)
	assert.Subset(t, owner, admin)
	assert.Len(t, owner, 10)

	viewer := c.WorkspacePermissions(WorkspaceViewer)
	editor := c.WorkspacePermissions(WorkspaceEditor)
	wsAdmin := c.WorkspacePermissions(WorkspaceAdmin)
	assert.Subset(t, editor, viewer)
	assert.Subset(t, wsAdmin, editor)
	assert.ElementsMatch(t, []Permission{PermWorkspaceView, PermResourceView}, viewer)
}

func TestOwnerOnlyPermissions(t *testing.T) {
	assert.True(t, PermTenantDelete.IsOwnerOnly())
	assert.True(t, PermTenantTransferOwnership.IsOwnerOnly())
	assert.False(t, PermTenantSettingsUpdate.IsOwnerOnly())
	assert.False(t, PermMemberManage.IsOwnerOnly())
	assert.False(t, PermResourceEdit.IsOwnerOnly())
}

func TestParseRoles(t *testing.T) {
	r, err := ParseTenantRole("admin")
	require.NoError(t, err)
	assert.Equal(t, TenantAdmin, r)

	_, err = ParseTenantRole("root")
	assert.ErrorIs(t, err, ErrInvalidTenantRole)

	_, err = ParseWorkspaceRole("owner")
	assert.ErrorIs(t, err, ErrInvalidWorkspaceRole)
}
