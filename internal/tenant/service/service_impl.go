package service

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/tenancy/internal/actor"
	"github.com/smallbiznis/tenancy/internal/authorization"
	"github.com/smallbiznis/tenancy/internal/clock"
	"github.com/smallbiznis/tenancy/internal/events"
	"github.com/smallbiznis/tenancy/internal/role"
	"github.com/smallbiznis/tenancy/internal/settings"
	"github.com/smallbiznis/tenancy/internal/tenant/domain"
	"github.com/smallbiznis/tenancy/pkg/apperror"
	"github.com/smallbiznis/tenancy/pkg/db"
	"github.com/smallbiznis/tenancy/pkg/rls"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	maxSlugAttempts = 50
	// slugRaceRetries bounds how often a create reruns after a concurrent
	// insert took the slug it picked.
	slugRaceRetries = 3
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Repo   domain.Repository
	Authz  authorization.Service
	Events events.Publisher
	Clock  clock.Clock
}

type service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	repo     domain.Repository
	authz    authorization.Service
	events   events.Publisher
	clock    clock.Clock
	validate *validator.Validate
}

func NewService(p Params) domain.Service {
	return &service{
		db:       p.DB,
		log:      p.Log.Named("tenant.service"),
		genID:    p.GenID,
		repo:     p.Repo,
		authz:    p.Authz,
		events:   p.Events,
		clock:    p.Clock,
		validate: validator.New(),
	}
}

// CreateTenant makes the caller owner of a new tenant with a default
// workspace. It runs without a row-level claim because the caller has no
// membership until the transaction commits.
func (s *service) CreateTenant(ctx context.Context, a actor.Actor, req domain.CreateTenantRequest) (*domain.Tenant, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	name, err := normalizeName(req.Name)
	if err != nil {
		return nil, err
	}
	emailDomain, err := s.normalizeDomain(req.EmailDomain)
	if err != nil {
		return nil, err
	}

	profile, err := s.repo.GetProfile(ctx, a.ID)
	if err != nil {
		return nil, db.Classify(err, nil)
	}
	if profile != nil && profile.Suspended {
		return nil, apperror.ErrActorSuspended
	}

	now := s.clock.Now()
	tenant := domain.Tenant{
		ID:                   s.genID.Generate(),
		Name:                 name,
		EmailDomain:          emailDomain,
		Discoverable:         req.Discoverable,
		AllowJoinRequests:    req.AllowJoinRequests,
		RequireAdminApproval: true,
		AllowDomainSignup:    req.AllowDomainSignup && emailDomain != "",
		BusinessHoursStart:   "09:00",
		BusinessHoursEnd:     "17:00",
		BusinessDays:         datatypes.JSONSlice[int](settings.DefaultBusinessDays()),
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	err = withSlugRetry(func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			repo := s.repo.WithTx(tx)

			tenantSlug, err := uniqueSlug(name, "tenant", func(candidate string) (bool, error) {
				return repo.SlugExists(ctx, candidate)
			})
			if err != nil {
				return err
			}
			tenant.Slug = tenantSlug

			if err := repo.EnsureProfile(ctx, domain.ActorProfile{ID: a.ID, Email: a.Email, CreatedAt: now, UpdatedAt: now}); err != nil {
				return err
			}
			if err := repo.CreateTenant(ctx, tenant); err != nil {
				return err
			}
			if err := repo.CreateTenantMembership(ctx, domain.TenantMembership{
				ID:        s.genID.Generate(),
				TenantID:  tenant.ID,
				ActorID:   a.ID,
				Role:      string(role.TenantOwner),
				CreatedAt: now,
				UpdatedAt: now,
			}); err != nil {
				return err
			}
			if err := repo.CreateWorkspace(ctx, domain.Workspace{
				ID:        s.genID.Generate(),
				TenantID:  tenant.ID,
				Name:      domain.DefaultWorkspaceName,
				Slug:      slug.Make(domain.DefaultWorkspaceName),
				IsDefault: true,
				CreatedAt: now,
			}); err != nil {
				return err
			}
			if err := repo.SetHomeTenantIfUnset(ctx, a.ID, tenant.ID); err != nil {
				return err
			}

			return s.events.WithTx(tx).Publish(ctx, events.Event{
				Topic:    events.TopicTenantCreated,
				TenantID: tenant.ID,
				ActorID:  a.ID,
				Payload: map[string]any{
					"name": tenant.Name,
					"slug": tenant.Slug,
				},
			})
		})
	})
	if err != nil {
		return nil, db.Classify(err, domain.ErrSlugTaken)
	}

	s.authz.Invalidate(ctx, a.ID)
	s.log.Info("tenant created",
		zap.String("tenant_id", tenant.ID.String()),
		zap.String("slug", tenant.Slug),
		zap.String("owner_id", a.ID),
	)
	return &tenant, nil
}

func (s *service) GetTenant(ctx context.Context, a actor.Actor, tenantID snowflake.ID) (*domain.Tenant, error) {
	if err := s.authz.Authorize(ctx, a, role.PermTenantView, authorization.TenantScope(tenantID)); err != nil {
		return nil, err
	}
	return s.loadTenant(ctx, s.repo, tenantID)
}

func (s *service) UpdateSettings(ctx context.Context, a actor.Actor, tenantID snowflake.ID, req domain.UpdateSettingsRequest) (*domain.Tenant, error) {
	if err := s.authz.Authorize(ctx, a, role.PermTenantSettingsUpdate, authorization.TenantScope(tenantID)); err != nil {
		return nil, err
	}

	var updated domain.Tenant
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := rls.WithActor(tx, a.ID); err != nil {
			return err
		}
		repo := s.repo.WithTx(tx)
		current, err := s.loadTenant(ctx, repo, tenantID)
		if err != nil {
			return err
		}
		updated = *current
		if err := s.applySettings(&updated, req); err != nil {
			return err
		}
		if err := repo.UpdateTenantSettings(ctx, updated); err != nil {
			return err
		}
		return s.events.WithTx(tx).Publish(ctx, events.Event{
			Topic:    events.TopicTenantSettingsUpdated,
			TenantID: tenantID,
			ActorID:  a.ID,
			Payload:  req,
		})
	})
	if err != nil {
		return nil, db.Classify(err, nil)
	}

	updated.UpdatedAt = s.clock.Now()
	return &updated, nil
}

func (s *service) applySettings(t *domain.Tenant, req domain.UpdateSettingsRequest) error {
	if req.Name != nil {
		name, err := normalizeName(*req.Name)
		if err != nil {
			return err
		}
		t.Name = name
	}
	if req.EmailDomain != nil {
		emailDomain, err := s.normalizeDomain(*req.EmailDomain)
		if err != nil {
			return err
		}
		t.EmailDomain = emailDomain
	}
	if req.Discoverable != nil {
		t.Discoverable = *req.Discoverable
	}
	if req.AllowJoinRequests != nil {
		t.AllowJoinRequests = *req.AllowJoinRequests
	}
	if req.RequireAdminApproval != nil {
		t.RequireAdminApproval = *req.RequireAdminApproval
	}
	if req.AllowDomainSignup != nil {
		t.AllowDomainSignup = *req.AllowDomainSignup
	}

	switch {
	case req.ClearDefaultTimezone:
		t.DefaultTimezone = nil
	case req.DefaultTimezone != nil:
		tz := strings.TrimSpace(*req.DefaultTimezone)
		if _, err := settings.LoadTimezone(tz); err != nil {
			return err
		}
		t.DefaultTimezone = &tz
	}
	if req.EnforceTimezone != nil {
		t.EnforceTimezone = *req.EnforceTimezone
	}
	if t.EnforceTimezone && t.DefaultTimezone == nil {
		return domain.ErrEnforceWithoutValue
	}

	if req.BusinessHoursStart != nil {
		t.BusinessHoursStart = strings.TrimSpace(*req.BusinessHoursStart)
	}
	if req.BusinessHoursEnd != nil {
		t.BusinessHoursEnd = strings.TrimSpace(*req.BusinessHoursEnd)
	}
	if err := (settings.BusinessHours{Start: t.BusinessHoursStart, End: t.BusinessHoursEnd}).Validate(); err != nil {
		return err
	}
	if req.BusinessDays != nil {
		days, err := settings.ValidateBusinessDays(req.BusinessDays)
		if err != nil {
			return err
		}
		t.BusinessDays = datatypes.JSONSlice[int](days)
	}

	switch {
	case req.ClearSessionTimeout:
		t.SessionTimeoutMinutes = nil
	case req.SessionTimeoutMinutes != nil:
		if err := settings.ValidateSessionTimeout(*req.SessionTimeoutMinutes); err != nil {
			return err
		}
		minutes := *req.SessionTimeoutMinutes
		t.SessionTimeoutMinutes = &minutes
	}
	if req.EnforceSessionTimeout != nil {
		t.EnforceSessionTimeout = *req.EnforceSessionTimeout
	}
	if t.EnforceSessionTimeout && t.SessionTimeoutMinutes == nil {
		return domain.ErrEnforceWithoutValue
	}
	return nil
}

// TransferOwnership demotes the current owner to admin before promoting the
// target, so the tenant never holds two owners.
func (s *service) TransferOwnership(ctx context.Context, a actor.Actor, tenantID snowflake.ID, newOwnerID string) error {
	newOwnerID = strings.TrimSpace(newOwnerID)
	if newOwnerID == "" {
		return apperror.ErrInvalidActor
	}
	if newOwnerID == a.ID {
		return domain.ErrTransferToSelf
	}
	if err := s.authz.Authorize(ctx, a, role.PermTenantTransferOwnership, authorization.TenantScope(tenantID)); err != nil {
		return err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := rls.WithActor(tx, a.ID); err != nil {
			return err
		}
		repo := s.repo.WithTx(tx)
		target, err := repo.GetTenantMembership(ctx, tenantID, newOwnerID)
		if err != nil {
			return err
		}
		if target == nil {
			return domain.ErrTransferTarget
		}
		profile, err := repo.GetProfile(ctx, newOwnerID)
		if err != nil {
			return err
		}
		if profile != nil && profile.Suspended {
			return domain.ErrTransferTargetLocked
		}

		if err := repo.UpdateTenantMembershipRole(ctx, tenantID, a.ID, string(role.TenantAdmin)); err != nil {
			return err
		}
		if err := repo.UpdateTenantMembershipRole(ctx, tenantID, newOwnerID, string(role.TenantOwner)); err != nil {
			return err
		}
		// Owners never carry overrides.
		if err := repo.UpdatePermissionOverrides(ctx, tenantID, newOwnerID, nil); err != nil {
			return err
		}

		owners, err := repo.CountOwners(ctx, tenantID)
		if err != nil {
			return err
		}
		if owners != 1 {
			return fmt.Errorf("ownership transfer left %d owners", owners)
		}

		return s.events.WithTx(tx).Publish(ctx, events.Event{
			Topic:    events.TopicOwnershipTransferred,
			TenantID: tenantID,
			ActorID:  a.ID,
			Payload: map[string]any{
				"previous_owner_id": a.ID,
				"new_owner_id":      newOwnerID,
			},
		})
	})
	if err != nil {
		return db.Classify(err, nil)
	}

	s.authz.Invalidate(ctx, a.ID, newOwnerID)
	s.log.Info("tenant ownership transferred",
		zap.String("tenant_id", tenantID.String()),
		zap.String("previous_owner_id", a.ID),
		zap.String("new_owner_id", newOwnerID),
	)
	return nil
}

func (s *service) DeleteTenant(ctx context.Context, a actor.Actor, tenantID snowflake.ID) error {
	if err := s.authz.Authorize(ctx, a, role.PermTenantDelete, authorization.TenantScope(tenantID)); err != nil {
		return err
	}

	var memberIDs []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := rls.WithActor(tx, a.ID); err != nil {
			return err
		}
		repo := s.repo.WithTx(tx)
		tenant, err := s.loadTenant(ctx, repo, tenantID)
		if err != nil {
			return err
		}
		memberIDs, err = repo.ListTenantMemberIDs(ctx, tenantID)
		if err != nil {
			return err
		}
		if err := repo.DeleteTenant(ctx, tenantID); err != nil {
			return err
		}
		return s.events.WithTx(tx).Publish(ctx, events.Event{
			Topic:    events.TopicTenantDeleted,
			TenantID: tenantID,
			ActorID:  a.ID,
			Payload: map[string]any{
				"slug":    tenant.Slug,
				"members": len(memberIDs),
			},
		})
	})
	if err != nil {
		return db.Classify(err, nil)
	}

	s.authz.Invalidate(ctx, memberIDs...)
	s.log.Info("tenant deleted", zap.String("tenant_id", tenantID.String()), zap.Int("members", len(memberIDs)))
	return nil
}

func (s *service) ListTenantsForActor(ctx context.Context, a actor.Actor) ([]domain.TenantListItem, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	items, err := s.repo.ListTenantsByActor(ctx, a.ID)
	if err != nil {
		return nil, db.Classify(err, nil)
	}
	if items == nil {
		items = []domain.TenantListItem{}
	}
	return items, nil
}

func (s *service) ListMembers(ctx context.Context, a actor.Actor, tenantID snowflake.ID) ([]domain.MemberListItem, error) {
	if err := s.authz.Authorize(ctx, a, role.PermMemberView, authorization.TenantScope(tenantID)); err != nil {
		return nil, err
	}
	items, err := s.repo.ListTenantMembers(ctx, tenantID)
	if err != nil {
		return nil, db.Classify(err, nil)
	}
	if items == nil {
		items = []domain.MemberListItem{}
	}
	return items, nil
}

func (s *service) CreateWorkspace(ctx context.Context, a actor.Actor, req domain.CreateWorkspaceRequest) (*domain.Workspace, error) {
	name, err := normalizeName(req.Name)
	if err != nil {
		return nil, err
	}
	if err := s.authz.Authorize(ctx, a, role.PermWorkspaceCreate, authorization.TenantScope(req.TenantID)); err != nil {
		return nil, err
	}

	ws := domain.Workspace{
		ID:        s.genID.Generate(),
		TenantID:  req.TenantID,
		Name:      name,
		CreatedAt: s.clock.Now(),
	}
	err = withSlugRetry(func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := rls.WithActor(tx, a.ID); err != nil {
				return err
			}
			repo := s.repo.WithTx(tx)
			wsSlug, err := uniqueSlug(name, "workspace", func(candidate string) (bool, error) {
				return repo.WorkspaceSlugExists(ctx, req.TenantID, candidate)
			})
			if err != nil {
				return err
			}
			ws.Slug = wsSlug
			if err := repo.CreateWorkspace(ctx, ws); err != nil {
				return err
			}
			return s.events.WithTx(tx).Publish(ctx, events.Event{
				Topic:    events.TopicWorkspaceCreated,
				TenantID: req.TenantID,
				ActorID:  a.ID,
				Payload:  map[string]any{"workspace_id": ws.ID, "slug": ws.Slug},
			})
		})
	})
	if err != nil {
		return nil, db.Classify(err, domain.ErrSlugTaken)
	}
	return &ws, nil
}

func (s *service) ListWorkspaces(ctx context.Context, a actor.Actor, tenantID snowflake.ID) ([]domain.Workspace, error) {
	if err := s.authz.Authorize(ctx, a, role.PermTenantView, authorization.TenantScope(tenantID)); err != nil {
		return nil, err
	}
	items, err := s.repo.ListWorkspaces(ctx, tenantID)
	if err != nil {
		return nil, db.Classify(err, nil)
	}
	if items == nil {
		items = []domain.Workspace{}
	}
	return items, nil
}

func (s *service) DeleteWorkspace(ctx context.Context, a actor.Actor, workspaceID snowflake.ID) error {
	ws, err := s.repo.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return db.Classify(err, nil)
	}
	if ws == nil {
		return domain.ErrWorkspaceNotFound
	}
	if err := s.authz.Authorize(ctx, a, role.PermWorkspaceDelete, authorization.TenantScope(ws.TenantID)); err != nil {
		return err
	}
	if ws.IsDefault {
		return domain.ErrDefaultWorkspace
	}

	var memberIDs []string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := rls.WithActor(tx, a.ID); err != nil {
			return err
		}
		repo := s.repo.WithTx(tx)
		memberIDs, err = repo.ListTenantMemberIDs(ctx, ws.TenantID)
		if err != nil {
			return err
		}
		if err := repo.DeleteWorkspace(ctx, ws.ID); err != nil {
			return err
		}
		return s.events.WithTx(tx).Publish(ctx, events.Event{
			Topic:    events.TopicWorkspaceDeleted,
			TenantID: ws.TenantID,
			ActorID:  a.ID,
			Payload:  map[string]any{"workspace_id": ws.ID, "slug": ws.Slug},
		})
	})
	if err != nil {
		return db.Classify(err, nil)
	}

	s.authz.Invalidate(ctx, memberIDs...)
	return nil
}

func (s *service) EnsureProfile(ctx context.Context, a actor.Actor) (*domain.ActorProfile, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if err := s.repo.EnsureProfile(ctx, domain.ActorProfile{ID: a.ID, Email: a.Email, CreatedAt: now, UpdatedAt: now}); err != nil {
		return nil, db.Classify(err, nil)
	}
	profile, err := s.repo.GetProfile(ctx, a.ID)
	if err != nil {
		return nil, db.Classify(err, nil)
	}
	return profile, nil
}

func (s *service) loadTenant(ctx context.Context, repo domain.Repository, tenantID snowflake.ID) (*domain.Tenant, error) {
	tenant, err := repo.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, domain.ErrTenantNotFound
	}
	return tenant, nil
}

func (s *service) normalizeDomain(raw string) (string, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return "", nil
	}
	if err := s.validate.Var(value, "fqdn"); err != nil {
		return "", domain.ErrInvalidEmailDomain
	}
	return value, nil
}

func normalizeName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" || utf8.RuneCountInString(name) > domain.MaxNameLength {
		return "", domain.ErrInvalidName
	}
	return name, nil
}

// withSlugRetry reruns create while it fails on a unique violation. The rerun
// sees the rival's committed slug and moves on to the next suffix.
func withSlugRetry(create func() error) error {
	var err error
	for attempt := 0; attempt < slugRaceRetries; attempt++ {
		if err = create(); !db.IsDuplicateKeyErr(err) {
			return err
		}
	}
	return err
}

// uniqueSlug appends -2, -3, ... until exists reports a free slug.
func uniqueSlug(name, fallback string, exists func(string) (bool, error)) (string, error) {
	base := slug.Make(name)
	if base == "" {
		base = fallback
	}

	candidate := base
	for attempt := 2; attempt <= maxSlugAttempts+1; attempt++ {
		taken, err := exists(candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, attempt)
	}
	return "", domain.ErrSlugTaken
}
