package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenancy/internal/clock"
	"github.com/smallbiznis/tenancy/internal/role"
	"github.com/smallbiznis/tenancy/internal/tenant/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Lookups return (nil, nil) when the row does not exist.
type repository struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewRepository(db *gorm.DB, clk clock.Clock) domain.Repository {
	return &repository{db: db, clock: clk}
}

func (r *repository) WithTx(tx *gorm.DB) domain.Repository {
	return &repository{db: tx, clock: r.clock}
}

func (r *repository) CreateTenant(ctx context.Context, tenant domain.Tenant) error {
	return r.db.WithContext(ctx).Create(&tenant).Error
}

func (r *repository) GetTenant(ctx context.Context, id snowflake.ID) (*domain.Tenant, error) {
	var tenant domain.Tenant
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&tenant).Error
	return found(&tenant, err)
}

func (r *repository) SlugExists(ctx context.Context, slug string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Tenant{}).Where("slug = ?", slug).Count(&count).Error
	return count > 0, err
}

func (r *repository) UpdateTenantSettings(ctx context.Context, t domain.Tenant) error {
	return r.db.WithContext(ctx).Model(&domain.Tenant{}).Where("id = ?", t.ID).Updates(map[string]any{
		"name":                    t.Name,
		"email_domain":            t.EmailDomain,
		"discoverable":            t.Discoverable,
		"allow_join_requests":     t.AllowJoinRequests,
		"require_admin_approval":  t.RequireAdminApproval,
		"allow_domain_signup":     t.AllowDomainSignup,
		"default_timezone":        t.DefaultTimezone,
		"enforce_timezone":        t.EnforceTimezone,
		"business_hours_start":    t.BusinessHoursStart,
		"business_hours_end":      t.BusinessHoursEnd,
		"business_days":           t.BusinessDays,
		"session_timeout_minutes": t.SessionTimeoutMinutes,
		"enforce_session_timeout": t.EnforceSessionTimeout,
		"updated_at":              r.clock.Now(),
	}).Error
}

func (r *repository) DeleteTenant(ctx context.Context, id snowflake.ID) error {
	db := r.db.WithContext(ctx)
	if err := db.Where("tenant_id = ?", id).Delete(&domain.WorkspaceMembership{}).Error; err != nil {
		return err
	}
	if err := db.Where("tenant_id = ?", id).Delete(&domain.Workspace{}).Error; err != nil {
		return err
	}
	if err := db.Where("tenant_id = ?", id).Delete(&domain.TenantMembership{}).Error; err != nil {
		return err
	}
	if err := db.Model(&domain.ActorProfile{}).Where("home_tenant_id = ?", id).
		Updates(map[string]any{"home_tenant_id": nil, "updated_at": r.clock.Now()}).Error; err != nil {
		return err
	}
	return db.Where("id = ?", id).Delete(&domain.Tenant{}).Error
}

func (r *repository) ListTenantsByActor(ctx context.Context, actorID string) ([]domain.TenantListItem, error) {
	var items []domain.TenantListItem
	err := r.db.WithContext(ctx).Raw(
		`SELECT t.id, t.name, t.slug, m.role, t.created_at
		 FROM tenants t
		 JOIN tenant_memberships m ON m.tenant_id = t.id
		 WHERE m.actor_id = ?
		 ORDER BY t.created_at ASC, t.id ASC`,
		actorID,
	).Scan(&items).Error
	return items, err
}

func (r *repository) ListDiscoverableTenants(ctx context.Context) ([]domain.DiscoverableTenant, error) {
	var items []domain.DiscoverableTenant
	err := r.db.WithContext(ctx).Raw(
		`SELECT t.id, t.name, t.slug, t.email_domain, t.allow_domain_signup, COUNT(m.id) AS member_count
		 FROM tenants t
		 LEFT JOIN tenant_memberships m ON m.tenant_id = t.id
		 WHERE t.discoverable = ? AND t.allow_join_requests = ?
		 GROUP BY t.id, t.name, t.slug, t.email_domain, t.allow_domain_signup`,
		true, true,
	).Scan(&items).Error
	return items, err
}

func (r *repository) ListTenantsByDomain(ctx context.Context, emailDomain string) ([]domain.DiscoverableTenant, error) {
	var items []domain.DiscoverableTenant
	err := r.db.WithContext(ctx).Raw(
		`SELECT t.id, t.name, t.slug, t.email_domain, t.allow_domain_signup, COUNT(m.id) AS member_count
		 FROM tenants t
		 LEFT JOIN tenant_memberships m ON m.tenant_id = t.id
		 WHERE LOWER(t.email_domain) = ? AND t.allow_domain_signup = ?
		 GROUP BY t.id, t.name, t.slug, t.email_domain, t.allow_domain_signup
		 ORDER BY member_count DESC, t.id ASC`,
		strings.ToLower(strings.TrimSpace(emailDomain)), true,
	).Scan(&items).Error
	return items, err
}

func (r *repository) CreateWorkspace(ctx context.Context, ws domain.Workspace) error {
	return r.db.WithContext(ctx).Create(&ws).Error
}

func (r *repository) GetWorkspace(ctx context.Context, id snowflake.ID) (*domain.Workspace, error) {
	var ws domain.Workspace
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&ws).Error
	return found(&ws, err)
}

func (r *repository) ListWorkspaces(ctx context.Context, tenantID snowflake.ID) ([]domain.Workspace, error) {
	var items []domain.Workspace
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("is_default DESC").Order("created_at ASC").Order("id ASC").
		Find(&items).Error
	return items, err
}

func (r *repository) WorkspaceSlugExists(ctx context.Context, tenantID snowflake.ID, slug string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Workspace{}).
		Where("tenant_id = ? AND slug = ?", tenantID, slug).
		Count(&count).Error
	return count > 0, err
}

// DefaultWorkspace falls back to the oldest workspace when none is flagged.
func (r *repository) DefaultWorkspace(ctx context.Context, tenantID snowflake.ID) (*domain.Workspace, error) {
	var ws domain.Workspace
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("is_default DESC").Order("created_at ASC").Order("id ASC").
		Take(&ws).Error
	return found(&ws, err)
}

func (r *repository) DeleteWorkspace(ctx context.Context, id snowflake.ID) error {
	db := r.db.WithContext(ctx)
	if err := db.Where("workspace_id = ?", id).Delete(&domain.WorkspaceMembership{}).Error; err != nil {
		return err
	}
	return db.Where("id = ?", id).Delete(&domain.Workspace{}).Error
}

func (r *repository) GetProfile(ctx context.Context, actorID string) (*domain.ActorProfile, error) {
	var profile domain.ActorProfile
	err := r.db.WithContext(ctx).Where("id = ?", actorID).Take(&profile).Error
	return found(&profile, err)
}

// EnsureProfile inserts the profile on first sight and refreshes a known email.
func (r *repository) EnsureProfile(ctx context.Context, profile domain.ActorProfile) error {
	onConflict := clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}
	if profile.Email != "" {
		onConflict = clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"email", "updated_at"}),
		}
	}
	return r.db.WithContext(ctx).Clauses(onConflict).Create(&profile).Error
}

// InsertProfileIfAbsent never touches a known profile.
func (r *repository) InsertProfileIfAbsent(ctx context.Context, profile domain.ActorProfile) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&profile).Error
}

func (r *repository) SetSuspended(ctx context.Context, actorID string, suspended bool) error {
	return r.db.WithContext(ctx).Model(&domain.ActorProfile{}).Where("id = ?", actorID).
		Updates(map[string]any{"suspended": suspended, "updated_at": r.clock.Now()}).Error
}

func (r *repository) SetHomeTenantIfUnset(ctx context.Context, actorID string, tenantID snowflake.ID) error {
	return r.db.WithContext(ctx).Model(&domain.ActorProfile{}).
		Where("id = ? AND home_tenant_id IS NULL", actorID).
		Updates(map[string]any{"home_tenant_id": tenantID, "updated_at": r.clock.Now()}).Error
}

func (r *repository) ClearHomeTenant(ctx context.Context, actorID string, tenantID snowflake.ID) error {
	return r.db.WithContext(ctx).Model(&domain.ActorProfile{}).
		Where("id = ? AND home_tenant_id = ?", actorID, tenantID).
		Updates(map[string]any{"home_tenant_id": nil, "updated_at": r.clock.Now()}).Error
}

func (r *repository) UpdatePreferences(ctx context.Context, actorID string, timezone *string, sessionTimeout *int) error {
	return r.db.WithContext(ctx).Model(&domain.ActorProfile{}).Where("id = ?", actorID).
		Updates(map[string]any{
			"timezone_override":        timezone,
			"session_timeout_override": sessionTimeout,
			"updated_at":               r.clock.Now(),
		}).Error
}

func (r *repository) GetTenantMembership(ctx context.Context, tenantID snowflake.ID, actorID string) (*domain.TenantMembership, error) {
	var m domain.TenantMembership
	err := r.db.WithContext(ctx).Where("tenant_id = ? AND actor_id = ?", tenantID, actorID).Take(&m).Error
	return found(&m, err)
}

func (r *repository) ListTenantMembers(ctx context.Context, tenantID snowflake.ID) ([]domain.MemberListItem, error) {
	var items []domain.MemberListItem
	err := r.db.WithContext(ctx).Raw(
		`SELECT m.actor_id, COALESCE(p.email, '') AS email, m.role, COALESCE(p.suspended, ?) AS suspended, m.tenant_id, m.created_at
		 FROM tenant_memberships m
		 LEFT JOIN actor_profiles p ON p.id = m.actor_id
		 WHERE m.tenant_id = ?
		 ORDER BY m.created_at ASC, m.id ASC`,
		false, tenantID,
	).Scan(&items).Error
	return items, err
}

func (r *repository) ListTenantMemberIDs(ctx context.Context, tenantID snowflake.ID) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&domain.TenantMembership{}).
		Where("tenant_id = ?", tenantID).
		Pluck("actor_id", &ids).Error
	return ids, err
}

func (r *repository) IsMemberByEmail(ctx context.Context, tenantID snowflake.ID, email string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.TenantMembership{}).
		Joins("JOIN actor_profiles p ON p.id = tenant_memberships.actor_id").
		Where("tenant_memberships.tenant_id = ? AND LOWER(p.email) = ?", tenantID, strings.ToLower(email)).
		Count(&count).Error
	return count > 0, err
}

func (r *repository) CreateTenantMembership(ctx context.Context, m domain.TenantMembership) error {
	return r.db.WithContext(ctx).Create(&m).Error
}

// InsertTenantMembershipIfAbsent reports whether a row was written.
func (r *repository) InsertTenantMembershipIfAbsent(ctx context.Context, m domain.TenantMembership) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "actor_id"}},
		DoNothing: true,
	}).Create(&m)
	return res.RowsAffected > 0, res.Error
}

func (r *repository) UpdateTenantMembershipRole(ctx context.Context, tenantID snowflake.ID, actorID string, roleName string) error {
	return r.db.WithContext(ctx).Model(&domain.TenantMembership{}).
		Where("tenant_id = ? AND actor_id = ?", tenantID, actorID).
		Updates(map[string]any{"role": roleName, "updated_at": r.clock.Now()}).Error
}

func (r *repository) UpdatePermissionOverrides(ctx context.Context, tenantID snowflake.ID, actorID string, overrides map[string]any) error {
	return r.db.WithContext(ctx).Model(&domain.TenantMembership{}).
		Where("tenant_id = ? AND actor_id = ?", tenantID, actorID).
		Updates(map[string]any{"permission_overrides": datatypes.JSONMap(overrides), "updated_at": r.clock.Now()}).Error
}

func (r *repository) DeleteTenantMembership(ctx context.Context, tenantID snowflake.ID, actorID string) error {
	return r.db.WithContext(ctx).
		Where("tenant_id = ? AND actor_id = ?", tenantID, actorID).
		Delete(&domain.TenantMembership{}).Error
}

func (r *repository) CountAdministrators(ctx context.Context, tenantID snowflake.ID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.TenantMembership{}).
		Where("tenant_id = ? AND role IN ?", tenantID, []string{string(role.TenantOwner), string(role.TenantAdmin)}).
		Count(&count).Error
	return count, err
}

func (r *repository) CountOwners(ctx context.Context, tenantID snowflake.ID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.TenantMembership{}).
		Where("tenant_id = ? AND role = ?", tenantID, string(role.TenantOwner)).
		Count(&count).Error
	return count, err
}

// CountOwnedTenants counts the tenants actorID owns. Run it before binding the
// caller's claim or row-level security hides tenants the caller cannot see.
func (r *repository) CountOwnedTenants(ctx context.Context, actorID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.TenantMembership{}).
		Where("actor_id = ? AND role = ?", actorID, string(role.TenantOwner)).
		Count(&count).Error
	return count, err
}

func (r *repository) GetWorkspaceMembership(ctx context.Context, workspaceID snowflake.ID, actorID string) (*domain.WorkspaceMembership, error) {
	var m domain.WorkspaceMembership
	err := r.db.WithContext(ctx).Where("workspace_id = ? AND actor_id = ?", workspaceID, actorID).Take(&m).Error
	return found(&m, err)
}

func (r *repository) InsertWorkspaceMembershipIfAbsent(ctx context.Context, m domain.WorkspaceMembership) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "actor_id"}},
		DoNothing: true,
	}).Create(&m)
	return res.RowsAffected > 0, res.Error
}

func (r *repository) UpdateWorkspaceMembershipRole(ctx context.Context, workspaceID snowflake.ID, actorID string, roleName string) error {
	return r.db.WithContext(ctx).Model(&domain.WorkspaceMembership{}).
		Where("workspace_id = ? AND actor_id = ?", workspaceID, actorID).
		Updates(map[string]any{"role": roleName, "updated_at": r.clock.Now()}).Error
}

func (r *repository) DeleteWorkspaceMembership(ctx context.Context, workspaceID snowflake.ID, actorID string) error {
	return r.db.WithContext(ctx).
		Where("workspace_id = ? AND actor_id = ?", workspaceID, actorID).
		Delete(&domain.WorkspaceMembership{}).Error
}

func (r *repository) DeleteWorkspaceMembershipsInTenant(ctx context.Context, tenantID snowflake.ID, actorID string) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("tenant_id = ? AND actor_id = ?", tenantID, actorID).
		Delete(&domain.WorkspaceMembership{})
	return res.RowsAffected, res.Error
}

func (r *repository) CountWorkspaceMembershipsInTenant(ctx context.Context, tenantID snowflake.ID, actorID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.WorkspaceMembership{}).
		Where("tenant_id = ? AND actor_id = ?", tenantID, actorID).
		Count(&count).Error
	return count, err
}

func found[T any](row *T, err error) (*T, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}
