package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/tenancy/internal/actor"
	"github.com/smallbiznis/tenancy/internal/authorization"
	"github.com/smallbiznis/tenancy/internal/clock"
	"github.com/smallbiznis/tenancy/internal/config"
	"github.com/smallbiznis/tenancy/internal/events"
	"github.com/smallbiznis/tenancy/internal/invitation/domain"
	membershipdomain "github.com/smallbiznis/tenancy/internal/membership/domain"
	"github.com/smallbiznis/tenancy/internal/observability/metrics"
	"github.com/smallbiznis/tenancy/internal/ratelimit"
	"github.com/smallbiznis/tenancy/internal/role"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	"github.com/smallbiznis/tenancy/pkg/db"
	"github.com/smallbiznis/tenancy/pkg/db/pagination"
	"github.com/smallbiznis/tenancy/pkg/rls"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// errAcceptRace rolls back an admission whose status flip lost to a concurrent accept.
var errAcceptRace = errors.New("invitation_accept_race")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	TenantRepo tenantdomain.Repository
	Membership membershipdomain.Service
	Authz      authorization.Service
	Events     events.Publisher
	Clock      clock.Clock
	Policy     config.PolicySource
	Limiter    *ratelimit.ActionLimiter `optional:"true"`
	Metrics    *metrics.Metrics         `optional:"true"`
}

type service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	tenantRepo tenantdomain.Repository
	membership membershipdomain.Service
	authz      authorization.Service
	events     events.Publisher
	clock      clock.Clock
	policy     config.PolicySource
	limiter    *ratelimit.ActionLimiter
	metrics    *metrics.Metrics
	validate   *validator.Validate
}

func NewService(p Params) domain.Service {
	return &service{
		db:         p.DB,
		log:        p.Log.Named("invitation.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		tenantRepo: p.TenantRepo,
		membership: p.Membership,
		authz:      p.Authz,
		events:     p.Events,
		clock:      p.Clock,
		policy:     p.Policy,
		limiter:    p.Limiter,
		metrics:    p.Metrics,
		validate:   validator.New(),
	}
}

func (s *service) Create(ctx context.Context, a actor.Actor, req domain.CreateRequest) (*domain.Created, error) {
	req.Email = actor.NormalizeEmail(req.Email)
	if err := s.validate.Struct(req); err != nil {
		return nil, actor.ErrInvalidEmail
	}

	tenantRole := role.TenantMember
	if strings.TrimSpace(req.TenantRole) != "" {
		parsed, err := role.ParseTenantRole(req.TenantRole)
		if err != nil {
			return nil, err
		}
		tenantRole = parsed
	}
	if tenantRole == role.TenantOwner {
		return nil, domain.ErrOwnerInvite
	}

	var wsRole *string
	if req.WorkspaceID != nil {
		parsed := role.WorkspaceViewer
		if strings.TrimSpace(req.WorkspaceRole) != "" {
			r, err := role.ParseWorkspaceRole(req.WorkspaceRole)
			if err != nil {
				return nil, err
			}
			parsed = r
		}
		value := string(parsed)
		wsRole = &value
	}

	scope := authorization.TenantScope(req.TenantID)
	if err := s.authz.Authorize(ctx, a, role.PermMemberInvite, scope); err != nil {
		return nil, err
	}
	// Granting admin through an invite needs the same right as promoting a member.
	if tenantRole.IsAdministrative() {
		if err := s.authz.Authorize(ctx, a, role.PermMemberManage, scope); err != nil {
			return nil, err
		}
	}
	if err := s.limiter.AllowInvite(ctx, a.ID); err != nil {
		s.metrics.RecordInvitation(ctx, "rate_limited")
		return nil, err
	}

	if req.WorkspaceID != nil {
		ws, err := s.tenantRepo.GetWorkspace(ctx, *req.WorkspaceID)
		if err != nil {
			return nil, db.Classify(err, nil)
		}
		if ws == nil || ws.TenantID != req.TenantID {
			return nil, domain.ErrWorkspaceMismatch
		}
	}

	token, hash, err := newToken()
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	inv := domain.Invitation{
		ID:            s.genID.Generate(),
		TenantID:      req.TenantID,
		InviterID:     a.ID,
		Email:         req.Email,
		TenantRole:    string(tenantRole),
		WorkspaceID:   req.WorkspaceID,
		WorkspaceRole: wsRole,
		TokenHash:     hash,
		Status:        domain.StatusPending,
		ExpiresAt:     now.Add(s.policy.Get().InvitationTTL),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := rls.WithActor(tx, a.ID); err != nil {
			return err
		}
		repo := s.repo.WithTx(tx)
		if _, err := repo.ExpireStale(ctx, req.TenantID, req.Email, now); err != nil {
			return err
		}

		member, err := s.tenantRepo.WithTx(tx).IsMemberByEmail(ctx, req.TenantID, req.Email)
		if err != nil {
			return err
		}
		if member {
			return domain.ErrAlreadyMember
		}
		pending, err := repo.HasPending(ctx, req.TenantID, req.Email, now)
		if err != nil {
			return err
		}
		if pending {
			return domain.ErrPendingInvitationExists
		}

		if err := repo.Create(ctx, inv); err != nil {
			return err
		}
		return s.events.WithTx(tx).Publish(ctx, events.Event{
			Topic:    events.TopicInvitationCreated,
			TenantID: req.TenantID,
			ActorID:  a.ID,
			Payload: map[string]any{
				"invitation_id": inv.ID,
				"email":         inv.Email,
				"tenant_role":   inv.TenantRole,
				"workspace_id":  inv.WorkspaceID,
				"expires_at":    inv.ExpiresAt,
			},
		})
	})
	if err != nil {
		return nil, db.Classify(err, domain.ErrPendingInvitationExists)
	}

	s.metrics.RecordInvitation(ctx, "created")
	s.log.Info("invitation created",
		zap.String("tenant_id", inv.TenantID.String()),
		zap.String("invitation_id", inv.ID.String()),
		zap.String("inviter_id", a.ID),
	)
	return &domain.Created{Invitation: inv, Token: token}, nil
}

// Accept admits the caller. Replaying an invitation the caller already
// accepted returns the original result without touching any row.
func (s *service) Accept(ctx context.Context, a actor.Actor, token string) (*domain.AcceptResult, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(token) == "" || a.Email == "" {
		return nil, domain.ErrInvitationNotFound
	}
	hash := fingerprint(token)

	var (
		result   *domain.AcceptResult
		replayed bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := rls.WithActor(tx, a.ID); err != nil {
			return err
		}
		repo := s.repo.WithTx(tx)
		now := s.clock.Now()

		inv, err := repo.GetByTokenHash(ctx, hash)
		if err != nil {
			return err
		}
		if inv == nil || !strings.EqualFold(inv.Email, a.Email) {
			return domain.ErrInvitationNotFound
		}
		if replay := acceptedBy(inv, a.ID); replay != nil {
			result, replayed = replay, true
			return nil
		}
		if inv.EffectiveStatus(now) != domain.StatusPending {
			return domain.ErrInvitationNotFound
		}
		tenant, err := s.tenantRepo.WithTx(tx).GetTenant(ctx, inv.TenantID)
		if err != nil {
			return err
		}
		if tenant == nil {
			return domain.ErrInvitationNotFound
		}

		grant := membershipdomain.Grant{
			TenantID:    inv.TenantID,
			ActorID:     a.ID,
			Email:       a.Email,
			OwnClaim:    true,
			TenantRole:  role.TenantRole(inv.TenantRole),
			WorkspaceID: inv.WorkspaceID,
		}
		if inv.WorkspaceRole != nil {
			grant.WorkspaceRole = role.WorkspaceRole(*inv.WorkspaceRole)
		}
		admission, err := s.membership.Admit(ctx, tx, grant)
		if err != nil {
			return err
		}

		moved, err := repo.MarkAccepted(ctx, inv.ID, a.ID, admission.WorkspaceID, now)
		if err != nil {
			return err
		}
		if !moved {
			return errAcceptRace
		}

		result = &domain.AcceptResult{TenantID: inv.TenantID, WorkspaceID: admission.WorkspaceID}
		return s.events.WithTx(tx).Publish(ctx, events.Event{
			Topic:    events.TopicInvitationAccepted,
			TenantID: inv.TenantID,
			ActorID:  a.ID,
			Payload: map[string]any{
				"invitation_id":  inv.ID,
				"workspace_id":   admission.WorkspaceID,
				"already_member": !admission.Created,
			},
		})
	})
	if errors.Is(err, errAcceptRace) {
		return s.replayAccept(ctx, a, hash)
	}
	if err != nil {
		return nil, db.Classify(err, nil)
	}

	if !replayed {
		s.authz.Invalidate(ctx, a.ID)
		s.metrics.RecordInvitation(ctx, "accepted")
		s.log.Info("invitation accepted",
			zap.String("tenant_id", result.TenantID.String()),
			zap.String("actor_id", a.ID),
		)
	}
	return result, nil
}

// replayAccept re-reads the row after a lost race; the winner may have been
// the same actor, in which case the accept is still a success.
func (s *service) replayAccept(ctx context.Context, a actor.Actor, hash string) (*domain.AcceptResult, error) {
	inv, err := s.repo.GetByTokenHash(ctx, hash)
	if err != nil {
		return nil, db.Classify(err, nil)
	}
	if replay := acceptedBy(inv, a.ID); replay != nil {
		return replay, nil
	}
	return nil, domain.ErrInvitationNotFound
}

func acceptedBy(inv *domain.Invitation, actorID string) *domain.AcceptResult {
	if inv == nil || inv.Status != domain.StatusAccepted || inv.AcceptedBy == nil || *inv.AcceptedBy != actorID {
		return nil
	}
	return &domain.AcceptResult{TenantID: inv.TenantID, WorkspaceID: inv.AcceptedWorkspaceID}
}

func (s *service) Revoke(ctx context.Context, a actor.Actor, tenantID, invitationID snowflake.ID) error {
	if err := s.authz.Authorize(ctx, a, role.PermMemberInvite, authorization.TenantScope(tenantID)); err != nil {
		return err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := rls.WithActor(tx, a.ID); err != nil {
			return err
		}
		repo := s.repo.WithTx(tx)
		now := s.clock.Now()

		inv, err := repo.Get(ctx, tenantID, invitationID)
		if err != nil {
			return err
		}
		if inv == nil {
			return domain.ErrInvitationNotFound
		}
		if inv.EffectiveStatus(now) != domain.StatusPending {
			return domain.ErrInvitationNotPending
		}
		moved, err := repo.MarkRevoked(ctx, inv.ID, now)
		if err != nil {
			return err
		}
		if !moved {
			return domain.ErrInvitationNotPending
		}
		return s.events.WithTx(tx).Publish(ctx, events.Event{
			Topic:    events.TopicInvitationRevoked,
			TenantID: tenantID,
			ActorID:  a.ID,
			Payload:  map[string]any{"invitation_id": inv.ID, "email": inv.Email},
		})
	})
	if err != nil {
		return db.Classify(err, nil)
	}

	s.metrics.RecordInvitation(ctx, "revoked")
	return nil
}

func (s *service) List(ctx context.Context, a actor.Actor, tenantID snowflake.ID, status string, page pagination.Pagination) ([]domain.Invitation, pagination.PageInfo, error) {
	limit := page.Limit()
	filter := domain.ListFilter{
		TenantID: tenantID,
		Status:   domain.Status(strings.ToLower(strings.TrimSpace(status))),
		Now:      s.clock.Now(),
		Limit:    limit + 1,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, pagination.PageInfo{}, domain.ErrInvalidStatus
	}
	if token := strings.TrimSpace(page.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return nil, pagination.PageInfo{}, domain.ErrInvalidPageToken
		}
		before, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, pagination.PageInfo{}, domain.ErrInvalidPageToken
		}
		filter.BeforeID = before
	}
	if err := s.authz.Authorize(ctx, a, role.PermMemberInvite, authorization.TenantScope(tenantID)); err != nil {
		return nil, pagination.PageInfo{}, err
	}

	items, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, pagination.PageInfo{}, db.Classify(err, nil)
	}
	items, info := pagination.Trim(items, limit, func(inv domain.Invitation) string { return inv.ID.String() })
	for i := range items {
		items[i].Status = items[i].EffectiveStatus(filter.Now)
	}
	if items == nil {
		items = []domain.Invitation{}
	}
	return items, info, nil
}

func (s *service) Sweep(ctx context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = s.policy.Get().SweepBatchSize
	}
	n, err := s.repo.ExpireBatch(ctx, s.clock.Now(), batchSize)
	if err != nil {
		return 0, db.Classify(err, nil)
	}
	if n > 0 {
		s.metrics.RecordInvitation(ctx, "expired")
		s.log.Debug("expired stale invitations", zap.Int64("count", n))
	}
	return n, nil
}
