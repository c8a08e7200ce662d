package authorization

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenancy/internal/actor"
	"github.com/smallbiznis/tenancy/internal/observability/metrics"
	"github.com/smallbiznis/tenancy/internal/role"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	"github.com/smallbiznis/tenancy/pkg/apperror"
	"github.com/smallbiznis/tenancy/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Repo    tenantdomain.Repository
	Catalog *role.Catalog
	Cache   Cache
	Log     *zap.Logger
	Metrics *metrics.Metrics `optional:"true"`
}

type service struct {
	repo    tenantdomain.Repository
	catalog *role.Catalog
	cache   Cache
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewService(p Params) Service {
	return &service{
		repo:    p.Repo,
		catalog: p.Catalog,
		cache:   p.Cache,
		log:     p.Log.Named("authorization.service"),
		metrics: p.Metrics,
	}
}

func (s *service) EffectiveTenantRole(ctx context.Context, a actor.Actor, tenantID snowflake.ID) (role.TenantRole, error) {
	if err := a.Validate(); err != nil {
		return "", err
	}
	e, err := s.tenantEntry(ctx, a.ID, tenantID)
	if err != nil {
		return "", err
	}
	return e.TenantRole, nil
}

func (s *service) EffectiveWorkspaceRole(ctx context.Context, a actor.Actor, workspaceID snowflake.ID) (EffectiveWorkspaceRole, error) {
	if err := a.Validate(); err != nil {
		return EffectiveWorkspaceRole{}, err
	}
	e, err := s.workspaceEntry(ctx, a.ID, workspaceID)
	if err != nil {
		return EffectiveWorkspaceRole{}, err
	}
	return EffectiveWorkspaceRole{TenantID: e.TenantID, Role: e.WorkspaceRole, Source: e.Source}, nil
}

func (s *service) HasPermission(ctx context.Context, a actor.Actor, perm role.Permission, scope Scope) (bool, error) {
	allowed, _, err := s.decide(ctx, a, perm, scope)
	return allowed, err
}

func (s *service) Authorize(ctx context.Context, a actor.Actor, perm role.Permission, scope Scope) error {
	allowed, suspended, err := s.decide(ctx, a, perm, scope)
	if err != nil {
		return err
	}
	if suspended {
		return apperror.ErrActorSuspended
	}
	if !allowed {
		return apperror.ErrForbidden
	}
	return nil
}

func (s *service) Permissions(ctx context.Context, a actor.Actor, scope Scope) ([]role.Permission, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if err := scope.validate(); err != nil {
		return nil, err
	}

	if scope.WorkspaceID != 0 {
		e, err := s.workspaceEntry(ctx, a.ID, scope.WorkspaceID)
		if err != nil || e.Suspended || e.WorkspaceRole == "" {
			return []role.Permission{}, err
		}
		return s.catalog.WorkspacePermissions(e.WorkspaceRole), nil
	}

	e, err := s.tenantEntry(ctx, a.ID, scope.TenantID)
	if err != nil || e.Suspended || e.TenantRole == "" {
		return []role.Permission{}, err
	}
	out := []role.Permission{}
	for _, perm := range s.catalog.TenantPermissions(role.TenantOwner) {
		if s.tenantAllows(e, perm) {
			out = append(out, perm)
		}
	}
	return out, nil
}

func (s *service) Invalidate(ctx context.Context, actorIDs ...string) {
	for _, id := range actorIDs {
		s.cache.Invalidate(ctx, id)
	}
}

// decide checks suspension before anything else.
func (s *service) decide(ctx context.Context, a actor.Actor, perm role.Permission, scope Scope) (allowed bool, suspended bool, err error) {
	if err := a.Validate(); err != nil {
		return false, false, err
	}
	if err := scope.validate(); err != nil {
		return false, false, err
	}

	var e Entry
	if perm.IsWorkspaceScoped() {
		if scope.WorkspaceID == 0 {
			return false, false, ErrInvalidScope
		}
		e, err = s.workspaceEntry(ctx, a.ID, scope.WorkspaceID)
		if err != nil {
			return false, false, err
		}
		allowed = !e.Suspended && s.catalog.WorkspaceRoleAllows(e.WorkspaceRole, perm)
	} else {
		tenantID := scope.TenantID
		if scope.WorkspaceID != 0 {
			ws, err := s.workspaceEntry(ctx, a.ID, scope.WorkspaceID)
			if err != nil {
				return false, false, err
			}
			tenantID = ws.TenantID
		}
		e, err = s.tenantEntry(ctx, a.ID, tenantID)
		if err != nil {
			return false, false, err
		}
		allowed = !e.Suspended && s.tenantAllows(e, perm)
	}

	s.metrics.RecordAuthzDecision(ctx, string(perm), allowed)
	return allowed, e.Suspended, nil
}

// tenantAllows applies per-membership overrides on top of the catalog. Owner
// grants cannot be narrowed and owner-only permissions cannot be granted.
func (s *service) tenantAllows(e Entry, perm role.Permission) bool {
	if e.TenantRole == "" {
		return false
	}
	if e.TenantRole != role.TenantOwner && !perm.IsOwnerOnly() {
		if v, ok := e.Overrides[perm]; ok {
			return v
		}
	}
	return s.catalog.TenantRoleAllows(e.TenantRole, perm)
}

func (s *service) tenantEntry(ctx context.Context, actorID string, tenantID snowflake.ID) (Entry, error) {
	key := "t:" + tenantID.String()
	if e, ok := s.cache.Get(ctx, actorID, key); ok {
		s.metrics.RecordPermissionCache(ctx, true)
		return e, nil
	}
	s.metrics.RecordPermissionCache(ctx, false)

	profile, err := s.repo.GetProfile(ctx, actorID)
	if err != nil {
		return Entry{}, db.Classify(err, nil)
	}
	membership, err := s.repo.GetTenantMembership(ctx, tenantID, actorID)
	if err != nil {
		return Entry{}, db.Classify(err, nil)
	}

	e := Entry{TenantID: tenantID, Suspended: profile != nil && profile.Suspended}
	if membership != nil {
		e.TenantRole = role.TenantRole(membership.Role)
		e.Overrides = parseOverrides(membership.PermissionOverrides)
	}
	s.cache.Set(ctx, actorID, key, e)
	return e, nil
}

func (s *service) workspaceEntry(ctx context.Context, actorID string, workspaceID snowflake.ID) (Entry, error) {
	key := "w:" + workspaceID.String()
	if e, ok := s.cache.Get(ctx, actorID, key); ok {
		s.metrics.RecordPermissionCache(ctx, true)
		return e, nil
	}

	ws, err := s.repo.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return Entry{}, db.Classify(err, nil)
	}
	if ws == nil {
		return Entry{}, ErrWorkspaceNotFound
	}

	e, err := s.tenantEntry(ctx, actorID, ws.TenantID)
	if err != nil {
		return Entry{}, err
	}

	var direct role.WorkspaceRole
	if e.TenantRole != "" && !e.TenantRole.IsAdministrative() {
		wm, err := s.repo.GetWorkspaceMembership(ctx, workspaceID, actorID)
		if err != nil {
			return Entry{}, db.Classify(err, nil)
		}
		if wm != nil {
			direct = role.WorkspaceRole(wm.Role)
		}
	}
	e.WorkspaceRole, e.Source = ResolveWorkspaceRole(e.TenantRole, direct)
	s.cache.Set(ctx, actorID, key, e)
	return e, nil
}

func parseOverrides(raw map[string]any) map[role.Permission]bool {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[role.Permission]bool, len(raw))
	for k, v := range raw {
		granted, ok := v.(bool)
		if !ok {
			zap.L().Warn("ignoring non-boolean permission override", zap.String("permission", k), zap.Any("value", v))
			continue
		}
		out[role.Permission(k)] = granted
	}
	return out
}
