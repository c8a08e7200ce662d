package role

import (
	_ "embed"
	"sort"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

//go:embed model.conf
var modelText string

// Catalog answers permission lookups against the seeded role matrices. It
// performs no I/O after construction and is safe for concurrent use.
type Catalog struct {
	enforcer *casbin.SyncedEnforcer
}

func NewCatalog() (*Catalog, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	return &Catalog{enforcer: enforcer}, nil
}

// TenantRoleAllows reports whether r grants perm. Workspace-scoped permissions
// are never granted directly by a tenant role.
func (c *Catalog) TenantRoleAllows(r TenantRole, perm Permission) bool {
	if r == "" || perm.IsWorkspaceScoped() {
		return false
	}
	return c.enforce(r.subject(), perm)
}

func (c *Catalog) WorkspaceRoleAllows(r WorkspaceRole, perm Permission) bool {
	if r == "" || !perm.IsWorkspaceScoped() {
		return false
	}
	return c.enforce(r.subject(), perm)
}

// TenantPermissions lists every permission r grants, inherited ones included.
func (c *Catalog) TenantPermissions(r TenantRole) []Permission {
	return c.permissions(r.subject())
}

func (c *Catalog) WorkspacePermissions(r WorkspaceRole) []Permission {
	return c.permissions(r.subject())
}

func (c *Catalog) enforce(subject string, perm Permission) bool {
	ok, err := c.enforcer.Enforce(subject, string(perm))
	return err == nil && ok
}

func (c *Catalog) permissions(subject string) []Permission {
	rules, err := c.enforcer.GetImplicitPermissionsForUser(subject)
	if err != nil {
		return nil
	}
	seen := map[Permission]struct{}{}
	out := make([]Permission, 0, len(rules))
	for _, rule := range rules {
		if len(rule) < 2 {
			continue
		}
		perm := Permission(strings.TrimSpace(rule[1]))
		if _, dup := seen[perm]; dup {
			continue
		}
		seen[perm] = struct{}{}
		out = append(out, perm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	grants := map[string][]Permission{
		TenantMember.subject(): {
			PermTenantView,
			PermMemberView,
		},
		TenantAdmin.subject(): {
			PermTenantSettingsUpdate,
			PermMemberInvite,
			PermMemberManage,
			PermMemberSuspend,
			PermWorkspaceCreate,
			PermWorkspaceDelete,
		},
		TenantOwner.subject(): {
			PermTenantDelete,
			PermTenantTransferOwnership,
		},
		WorkspaceViewer.subject(): {
			PermWorkspaceView,
			PermResourceView,
		},
		WorkspaceEditor.subject(): {
			PermResourceEdit,
		},
		WorkspaceAdmin.subject(): {
			PermWorkspaceUpdate,
			PermWorkspaceMembersManage,
		},
	}
	for subject, perms := range grants {
		for _, perm := range perms {
			if _, err := enforcer.AddPolicy(subject, string(perm)); err != nil {
				return err
			}
		}
	}

	// owner > admin > member and admin > editor > viewer
	links := [][2]string{
		{TenantOwner.subject(), TenantAdmin.subject()},
		{TenantAdmin.subject(), TenantMember.subject()},
		{WorkspaceAdmin.subject(), WorkspaceEditor.subject()},
		{WorkspaceEditor.subject(), WorkspaceViewer.subject()},
	}
	for _, link := range links {
		if _, err := enforcer.AddGroupingPolicy(link[0], link[1]); err != nil {
			return err
		}
	}
	return nil
}
