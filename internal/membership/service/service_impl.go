package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/tenancy/internal/actor"
	"github.com/smallbiznis/tenancy/internal/authorization"
	"github.com/smallbiznis/tenancy/internal/clock"
	"github.com/smallbiznis/tenancy/internal/events"
	"github.com/smallbiznis/tenancy/internal/membership/domain"
	"github.com/smallbiznis/tenancy/internal/observability/metrics"
	"github.com/smallbiznis/tenancy/internal/role"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	"github.com/smallbiznis/tenancy/pkg/apperror"
	"github.com/smallbiznis/tenancy/pkg/db"
	"github.com/smallbiznis/tenancy/pkg/rls"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	scopeTenant    = "tenant"
	scopeWorkspace = "workspace"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Repo    tenantdomain.Repository
	Authz   authorization.Service
	Events  events.Publisher
	Clock   clock.Clock
	Metrics *metrics.Metrics `optional:"true"`
}

type service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	repo     tenantdomain.Repository
	authz    authorization.Service
	events   events.Publisher
	clock    clock.Clock
	metrics  *metrics.Metrics
	validate *validator.Validate
}

func NewService(p Params) domain.Service {
	return &service{
		db:       p.DB,
		log:      p.Log.Named("membership.service"),
		genID:    p.GenID,
		repo:     p.Repo,
		authz:    p.Authz,
		events:   p.Events,
		clock:    p.Clock,
		metrics:  p.Metrics,
		validate: validator.New(),
	}
}

func (s *service) Admit(ctx context.Context, tx *gorm.DB, g domain.Grant) (*domain.Admission, error) {
	repo := s.repo.WithTx(tx)
	now := s.clock.Now()

	profile := tenantdomain.ActorProfile{
		ID:        g.ActorID,
		Email:     actor.NormalizeEmail(g.Email),
		CreatedAt: now,
		UpdatedAt: now,
	}
	ensure := repo.InsertProfileIfAbsent
	if g.OwnClaim {
		ensure = repo.EnsureProfile
	}
	if err := ensure(ctx, profile); err != nil {
		return nil, err
	}

	tenantRole := g.TenantRole
	if tenantRole == "" {
		tenantRole = role.TenantMember
	}
	created, err := repo.InsertTenantMembershipIfAbsent(ctx, tenantdomain.TenantMembership{
		ID:        s.genID.Generate(),
		TenantID:  g.TenantID,
		ActorID:   g.ActorID,
		Role:      string(tenantRole),
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, err
	}

	workspace, err := s.admissionWorkspace(ctx, repo, g)
	if err != nil {
		return nil, err
	}

	admission := &domain.Admission{TenantID: g.TenantID, Created: created}
	if workspace != nil {
		wsRole := g.WorkspaceRole
		if wsRole == "" {
			wsRole = role.WorkspaceViewer
		}
		if _, err := repo.InsertWorkspaceMembershipIfAbsent(ctx, tenantdomain.WorkspaceMembership{
			ID:          s.genID.Generate(),
			WorkspaceID: workspace.ID,
			TenantID:    g.TenantID,
			ActorID:     g.ActorID,
			Role:        string(wsRole),
			CreatedAt:   now,
			UpdatedAt:   now,
		}); err != nil {
			return nil, err
		}
		id := workspace.ID
		admission.WorkspaceID = &id
	}

	if err := repo.SetHomeTenantIfUnset(ctx, g.ActorID, g.TenantID); err != nil {
		return nil, err
	}

	if created {
		s.metrics.RecordMembershipChange(ctx, scopeTenant, "admitted")
	}
	return admission, nil
}

// admissionWorkspace picks the granted workspace, or the default one when the
// actor has no workspace access in the tenant yet.
func (s *service) admissionWorkspace(ctx context.Context, repo tenantdomain.Repository, g domain.Grant) (*tenantdomain.Workspace, error) {
	if g.WorkspaceID != nil {
		ws, err := repo.GetWorkspace(ctx, *g.WorkspaceID)
		if err != nil {
			return nil, err
		}
		if ws == nil || ws.TenantID != g.TenantID {
			return nil, domain.ErrWorkspaceMismatch
		}
		return ws, nil
	}

	count, err := repo.CountWorkspaceMembershipsInTenant(ctx, g.TenantID, g.ActorID)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, nil
	}
	return repo.DefaultWorkspace(ctx, g.TenantID)
}

func (s *service) AddMember(ctx context.Context, a actor.Actor, req domain.AddMemberRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return apperror.Validation("invalid_request", err.Error())
	}
	req.ActorID = strings.TrimSpace(req.ActorID)

	if req.Scope.WorkspaceID != 0 {
		return s.addWorkspaceMember(ctx, a, req)
	}

	tenantRole, err := role.ParseTenantRole(req.Role)
	if err != nil {
		return err
	}
	if tenantRole == role.TenantOwner {
		return domain.ErrOwnerAssignment
	}
	if err := s.authz.Authorize(ctx, a, role.PermMemberManage, req.Scope); err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := rls.WithActor(tx, a.ID); err != nil {
			return err
		}
		existing, err := s.repo.WithTx(tx).GetTenantMembership(ctx, req.Scope.TenantID, req.ActorID)
		if err != nil {
			return err
		}
		if existing != nil {
			return domain.ErrAlreadyMember
		}

		admission, err := s.Admit(ctx, tx, domain.Grant{
			TenantID:   req.Scope.TenantID,
			ActorID:    req.ActorID,
			Email:      req.Email,
			TenantRole: tenantRole,
		})
		if err != nil {
			return err
		}
		return s.events.WithTx(tx).Publish(ctx, events.Event{
			Topic:    events.TopicMembershipRoleChanged,
			TenantID: req.Scope.TenantID,
			ActorID:  a.ID,
			Payload: map[string]any{
				"target_actor_id": req.ActorID,
				"scope":           scopeTenant,
				"role":            tenantRole,
				"workspace_id":    admission.WorkspaceID,
				"added":           true,
			},
		})
	})
	if err != nil {
		return db.Classify(err, domain.ErrAlreadyMember)
	}

	s.authz.Invalidate(ctx, req.ActorID)
	return nil
}

func (s *service) addWorkspaceMember(ctx context.Context, a actor.Actor, req domain.AddMemberRequest) error {
	wsRole, err := role.ParseWorkspaceRole(req.Role)
	if err != nil {
		return err
	}
	if err := s.authz.Authorize(ctx, a, role.PermWorkspaceMembersManage, req.Scope); err != nil {
		return err
	}

	ws, err := s.repo.GetWorkspace(ctx, req.Scope.WorkspaceID)
	if err != nil {
		return db.Classify(err, nil)
	}
	if ws == nil {
		return domain.ErrWorkspaceNotFound
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := rls.WithActor(tx, a.ID); err != nil {
			return err
		}
		repo := s.repo.WithTx(tx)
		member, err := repo.GetTenantMembership(ctx, ws.TenantID, req.ActorID)
		if err != nil {
			return err
		}
		if member == nil {
			return domain.ErrNotTenantMember
		}

		now := s.clock.Now()
		inserted, err := repo.InsertWorkspaceMembershipIfAbsent(ctx, tenantdomain.WorkspaceMembership{
			ID:          s.genID.Generate(),
			WorkspaceID: ws.ID,
			TenantID:    ws.TenantID,
			ActorID:     req.ActorID,
			Role:        string(wsRole),
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			return domain.ErrAlreadyMember
		}
		return s.events.WithTx(tx).Publish(ctx, events.Event{
			Topic:    events.TopicMembershipRoleChanged,
			TenantID: ws.TenantID,
			ActorID:  a.ID,
			Payload: map[string]any{
				"target_actor_id": req.ActorID,
				"scope":           scopeWorkspace,
				"workspace_id":    ws.ID,
				"role":            wsRole,
				"added":           true,
			},
		})
	})
	if err != nil {
		return db.Classify(err, domain.ErrAlreadyMember)
	}

	s.authz.Invalidate(ctx, req.ActorID)
	s.metrics.RecordMembershipChange(ctx, scopeWorkspace, "added")
	return nil
}

func (s *service) ChangeRole(ctx context.Context, a actor.Actor, req domain.ChangeRoleRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return apperror.Validation("invalid_request", err.Error())
	}
	if err := a.Validate(); err != nil {
		return err
	}
	if req.ActorID == a.ID {
		return domain.ErrSelfModification
	}
	if req.Scope.WorkspaceID != 0 {
		return s.changeWorkspaceRole(ctx, a, req)
	}

	next, err := role.ParseTenantRole(req.Role)
	if err != nil {
		return err
	}
	if next == role.TenantOwner {
		return domain.ErrOwnerAssignment
	}
	if err := s.authz.Authorize(ctx, a, role.PermMemberManage, req.Scope); err != nil {
		return err
	}

	tenantID := req.Scope.TenantID
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := rls.WithActor(tx, a.ID); err != nil {
			return err
		}
		repo := s.repo.WithTx(tx)
		current, err := repo.GetTenantMembership(ctx, tenantID, req.ActorID)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrMembershipNotFound
		}
		currentRole := role.TenantRole(current.Role)
		if currentRole == role.TenantOwner {
			return domain.ErrOwnerProtected
		}
		if currentRole == next {
			return nil
		}
		if currentRole.IsAdministrative() && !next.IsAdministrative() {
			if err := ensureAnotherAdministrator(ctx, repo, tenantID); err != nil {
				return err
			}
		}

		if err := repo.UpdateTenantMembershipRole(ctx, tenantID, req.ActorID, string(next)); err != nil {
			return err
		}
		return s.events.WithTx(tx).Publish(ctx, events.Event{
			Topic:    events.TopicMembershipRoleChanged,
			TenantID: tenantID,
			ActorID:  a.ID,
			Payload: map[string]any{
				"target_actor_id": req.ActorID,
				"scope":           scopeTenant,
				"from":            currentRole,
				"role":            next,
			},
		})
	})
	if err != nil {
		return db.Classify(err, nil)
	}

	s.authz.Invalidate(ctx, req.ActorID)
	s.metrics.RecordMembershipChange(ctx, scopeTenant, "role_changed")
	s.log.Info("tenant role changed",
		zap.String("tenant_id", tenantID.String()),
		zap.String("target_actor_id", req.ActorID),
		zap.String("role", string(next)),
	)
	return nil
}

func (s *service) changeWorkspaceRole(ctx context.Context, a actor.Actor, req domain.ChangeRoleRequest) error {
	next, err := role.ParseWorkspaceRole(req.Role)
	if err != nil {
		return err
	}
	if err := s.authz.Authorize(ctx, a, role.PermWorkspaceMembersManage, req.Scope); err != nil {
		return err
	}
	ws, err := s.repo.GetWorkspace(ctx, req.Scope.WorkspaceID)
	if err != nil {
		return db.Classify(err, nil)
	}
	if ws == nil {
		return domain.ErrWorkspaceNotFound
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := rls.WithActor(tx, a.ID); err != nil {
			return err
		}
		repo := s.repo.WithTx(tx)
		current, err := repo.GetWorkspaceMembership(ctx, ws.ID, req.ActorID)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrMembershipNotFound
		}
		if current.Role == string(next) {
			return nil
		}
		if err := repo.UpdateWorkspaceMembershipRole(ctx, ws.ID, req.ActorID, string(next)); err != nil {
			return err
		}
		return s.events.WithTx(tx).Publish(ctx, events.Event{
			Topic:    events.TopicMembershipRoleChanged,
			TenantID: ws.TenantID,
			ActorID:  a.ID,
			Payload: map[string]any{
				"target_actor_id": req.ActorID,
				"scope":           scopeWorkspace,
				"workspace_id":    ws.ID,
				"from":            current.Role,
				"role":            next,
			},
		})
	})
	if err != nil {
		return db.Classify(err, nil)
	}

	s.authz.Invalidate(ctx, req.ActorID)
	s.metrics.RecordMembershipChange(ctx, scopeWorkspace, "role_changed")
	return nil
}

func (s *service) RemoveMember(ctx context.Context, a actor.Actor, req domain.RemoveMemberRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return apperror.Validation("invalid_request", err.Error())
	}
	if err := a.Validate(); err != nil {
		return err
	}
	if req.ActorID == a.ID {
		return domain.ErrSelfModification
	}
	if req.Scope.WorkspaceID != 0 {
		return s.removeWorkspaceMember(ctx, a, req)
	}
	if err := s.authz.Authorize(ctx, a, role.PermMemberManage, req.Scope); err != nil {
		return err
	}

	tenantID := req.Scope.TenantID
	var cascaded int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := rls.WithActor(tx, a.ID); err != nil {
			return err
		}
		repo := s.repo.WithTx(tx)
		current, err := repo.GetTenantMembership(ctx, tenantID, req.ActorID)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrMembershipNotFound
		}
		currentRole := role.TenantRole(current.Role)
		if currentRole == role.TenantOwner {
			return domain.ErrOwnerProtected
		}
		if currentRole.IsAdministrative() {
			if err := ensureAnotherAdministrator(ctx, repo, tenantID); err != nil {
				return err
			}
		}

		cascaded, err = repo.DeleteWorkspaceMembershipsInTenant(ctx, tenantID, req.ActorID)
		if err != nil {
			return err
		}
		if err := repo.DeleteTenantMembership(ctx, tenantID, req.ActorID); err != nil {
			return err
		}
		if err := repo.ClearHomeTenant(ctx, req.ActorID, tenantID); err != nil {
			return err
		}
		return s.events.WithTx(tx).Publish(ctx, events.Event{
			Topic:    events.TopicMembershipRemoved,
			TenantID: tenantID,
			ActorID:  a.ID,
			Payload: map[string]any{
				"target_actor_id":       req.ActorID,
				"scope":                 scopeTenant,
				"role":                  currentRole,
				"workspace_memberships": cascaded,
			},
		})
	})
	if err != nil {
		return db.Classify(err, nil)
	}

	s.authz.Invalidate(ctx, req.ActorID)
	s.metrics.RecordMembershipChange(ctx, scopeTenant, "removed")
	s.log.Info("tenant member removed",
		zap.String("tenant_id", tenantID.String()),
		zap.String("target_actor_id", req.ActorID),
		zap.Int64("workspace_memberships", cascaded),
	)
	return nil
}

func (s *service) removeWorkspaceMember(ctx context.Context, a actor.Actor, req domain.RemoveMemberRequest) error {
	if err := s.authz.Authorize(ctx, a, role.PermWorkspaceMembersManage, req.Scope); err != nil {
		return err
	}
	ws, err := s.repo.GetWorkspace(ctx, req.Scope.WorkspaceID)
	if err != nil {
		return db.Classify(err, nil)
	}
	if ws == nil {
		return domain.ErrWorkspaceNotFound
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := rls.WithActor(tx, a.ID); err != nil {
			return err
		}
		repo := s.repo.WithTx(tx)
		current, err := repo.GetWorkspaceMembership(ctx, ws.ID, req.ActorID)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrMembershipNotFound
		}
		if err := repo.DeleteWorkspaceMembership(ctx, ws.ID, req.ActorID); err != nil {
			return err
		}
		return s.events.WithTx(tx).Publish(ctx, events.Event{
			Topic:    events.TopicMembershipRemoved,
			TenantID: ws.TenantID,
			ActorID:  a.ID,
			Payload: map[string]any{
				"target_actor_id": req.ActorID,
				"scope":           scopeWorkspace,
				"workspace_id":    ws.ID,
				"role":            current.Role,
			},
		})
	})
	if err != nil {
		return db.Classify(err, nil)
	}

	s.authz.Invalidate(ctx, req.ActorID)
	s.metrics.RecordMembershipChange(ctx, scopeWorkspace, "removed")
	return nil
}

// SetSuspension flips the actor-wide suspension flag. The caller needs
// member.suspend in a tenant the target belongs to. The flag locks the target
// out of every tenant, so an owner of any tenant is never a target.
func (s *service) SetSuspension(ctx context.Context, a actor.Actor, req domain.SuspensionRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return apperror.Validation("invalid_request", err.Error())
	}
	if err := a.Validate(); err != nil {
		return err
	}
	if req.ActorID == a.ID {
		return domain.ErrSelfModification
	}
	if err := s.authz.Authorize(ctx, a, role.PermMemberSuspend, authorization.TenantScope(req.TenantID)); err != nil {
		return err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		owned, err := repo.CountOwnedTenants(ctx, req.ActorID)
		if err != nil {
			return err
		}
		if owned > 0 {
			return domain.ErrOwnerProtected
		}
		if err := rls.WithActor(tx, a.ID); err != nil {
			return err
		}
		target, err := repo.GetTenantMembership(ctx, req.TenantID, req.ActorID)
		if err != nil {
			return err
		}
		if target == nil {
			return domain.ErrMembershipNotFound
		}
		if err := repo.SetSuspended(ctx, req.ActorID, req.Suspended); err != nil {
			return err
		}
		return s.events.WithTx(tx).Publish(ctx, events.Event{
			Topic:    events.TopicActorSuspension,
			TenantID: req.TenantID,
			ActorID:  a.ID,
			Payload: map[string]any{
				"target_actor_id": req.ActorID,
				"suspended":       req.Suspended,
			},
		})
	})
	if err != nil {
		return db.Classify(err, nil)
	}

	s.authz.Invalidate(ctx, req.ActorID)
	eventType := "unsuspended"
	if req.Suspended {
		eventType = "suspended"
	}
	s.metrics.RecordMembershipChange(ctx, scopeTenant, eventType)
	s.log.Info("actor suspension changed",
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("target_actor_id", req.ActorID),
		zap.Bool("suspended", req.Suspended),
	)
	return nil
}

// SetPermissionOverrides replaces the per-membership grants. Owners ignore them.
func (s *service) SetPermissionOverrides(ctx context.Context, a actor.Actor, req domain.OverridesRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return apperror.Validation("invalid_request", err.Error())
	}
	if err := a.Validate(); err != nil {
		return err
	}
	if req.ActorID == a.ID {
		return domain.ErrSelfModification
	}

	raw := make(map[string]any, len(req.Overrides))
	for perm, granted := range req.Overrides {
		if perm.IsWorkspaceScoped() || perm.IsOwnerOnly() || !isTenantPermission(perm) {
			return domain.ErrInvalidOverride
		}
		raw[string(perm)] = granted
	}
	if err := s.authz.Authorize(ctx, a, role.PermMemberManage, authorization.TenantScope(req.TenantID)); err != nil {
		return err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := rls.WithActor(tx, a.ID); err != nil {
			return err
		}
		repo := s.repo.WithTx(tx)
		target, err := repo.GetTenantMembership(ctx, req.TenantID, req.ActorID)
		if err != nil {
			return err
		}
		if target == nil {
			return domain.ErrMembershipNotFound
		}
		if role.TenantRole(target.Role) == role.TenantOwner {
			return domain.ErrOwnerProtected
		}
		return repo.UpdatePermissionOverrides(ctx, req.TenantID, req.ActorID, raw)
	})
	if err != nil {
		return db.Classify(err, nil)
	}

	s.authz.Invalidate(ctx, req.ActorID)
	return nil
}

// ensureAnotherAdministrator rejects a change that would leave the tenant
// without an owner or admin besides the target.
func ensureAnotherAdministrator(ctx context.Context, repo tenantdomain.Repository, tenantID snowflake.ID) error {
	count, err := repo.CountAdministrators(ctx, tenantID)
	if err != nil {
		return err
	}
	if count <= 1 {
		return domain.ErrLastAdministrator
	}
	return nil
}

// tenantPermissions are the permissions an override may name.
var tenantPermissions = map[role.Permission]struct{}{
	role.PermTenantView:           {},
	role.PermTenantSettingsUpdate: {},
	role.PermMemberView:           {},
	role.PermMemberInvite:         {},
	role.PermMemberManage:         {},
	role.PermMemberSuspend:        {},
	role.PermWorkspaceCreate:      {},
	role.PermWorkspaceDelete:      {},
}

func isTenantPermission(p role.Permission) bool {
	_, ok := tenantPermissions[p]
	return ok
}
