package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/tenancy/internal/actor"
	"github.com/smallbiznis/tenancy/internal/authorization"
	"github.com/smallbiznis/tenancy/internal/clock"
	"github.com/smallbiznis/tenancy/internal/events"
	"github.com/smallbiznis/tenancy/internal/joinrequest/domain"
	membershipdomain "github.com/smallbiznis/tenancy/internal/membership/domain"
	"github.com/smallbiznis/tenancy/internal/observability/metrics"
	"github.com/smallbiznis/tenancy/internal/ratelimit"
	"github.com/smallbiznis/tenancy/internal/role"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	"github.com/smallbiznis/tenancy/pkg/apperror"
	"github.com/smallbiznis/tenancy/pkg/db"
	"github.com/smallbiznis/tenancy/pkg/rls"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxMessageLength = 1000

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
	limiter    *ratelimit.ActionLimiter
	metrics    *metrics.Metrics
	validate   *validator.Validate
}

func NewService(p Params) domain.Service {
	return &service{
		db:         p.DB,
		log:        p.Log.Named("joinrequest.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		tenantRepo: p.TenantRepo,
		membership: p.Membership,
		authz:      p.Authz,
		events:     p.Events,
		clock:      p.Clock,
		limiter:    p.Limiter,
		metrics:    p.Metrics,
		validate:   validator.New(),
	}
}

// Create files a request. Tenants that waive admin approval admit the
// requester immediately, recorded as approved by the system reviewer.
func (s *service) Create(ctx context.Context, a actor.Actor, req domain.CreateRequest) (*domain.JoinRequest, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	message := strings.TrimSpace(req.Message)
	if utf8.RuneCountInString(message) > maxMessageLength {
		return nil, domain.ErrMessageTooLong
	}

	profile, err := s.tenantRepo.GetProfile(ctx, a.ID)
	if err != nil {
		return nil, db.Classify(err, nil)
	}
	if profile != nil && profile.Suspended {
		return nil, apperror.ErrActorSuspended
	}
	tenant, err := s.tenantRepo.GetTenant(ctx, req.TenantID)
	if err != nil {
		return nil, db.Classify(err, nil)
	}
	if tenant == nil {
		return nil, domain.ErrTenantNotFound
	}
	if !tenant.AllowJoinRequests {
		return nil, domain.ErrJoinRequestsDisabled
	}
	if err := s.limiter.AllowJoinRequest(ctx, a.ID); err != nil {
		s.metrics.RecordJoinRequest(ctx, "rate_limited")
		return nil, err
	}

	now := s.clock.Now()
	jr := domain.JoinRequest{
		ID:          s.genID.Generate(),
		TenantID:    tenant.ID,
		RequesterID: a.ID,
		Email:       a.Email,
		Message:     message,
		Status:      domain.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	autoApprove := !tenant.RequireAdminApproval

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := rls.WithActor(tx, a.ID); err != nil {
			return err
		}
		repo := s.repo.WithTx(tx)
		tenantRepo := s.tenantRepo.WithTx(tx)

		member, err := tenantRepo.GetTenantMembership(ctx, tenant.ID, a.ID)
		if err != nil {
			return err
		}
		if member != nil {
			return domain.ErrAlreadyMember
		}
		pending, err := repo.HasPending(ctx, tenant.ID, a.ID)
		if err != nil {
			return err
		}
		if pending {
			return domain.ErrPendingRequestExists
		}

		if err := tenantRepo.EnsureProfile(ctx, tenantdomain.ActorProfile{ID: a.ID, Email: a.Email, CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		if err := repo.Create(ctx, jr); err != nil {
			return err
		}
		if err := s.events.WithTx(tx).Publish(ctx, events.Event{
			Topic:    events.TopicJoinRequestCreated,
			TenantID: tenant.ID,
			ActorID:  a.ID,
			Payload:  map[string]any{"join_request_id": jr.ID, "auto_approved": autoApprove},
		}); err != nil {
			return err
		}

		if !autoApprove {
			return nil
		}
		return s.approve(ctx, tx, &jr, domain.SystemReviewer, nil, now)
	})
	if err != nil {
		return nil, db.Classify(err, domain.ErrPendingRequestExists)
	}

	s.metrics.RecordJoinRequest(ctx, "created")
	if autoApprove {
		s.authz.Invalidate(ctx, a.ID)
		s.metrics.RecordJoinRequest(ctx, "approved")
	}
	s.log.Info("join request created",
		zap.String("tenant_id", tenant.ID.String()),
		zap.String("join_request_id", jr.ID.String()),
		zap.Bool("auto_approved", autoApprove),
	)
	return &jr, nil
}

func (s *service) ListForTenant(ctx context.Context, a actor.Actor, tenantID snowflake.ID, status string) ([]domain.JoinRequest, error) {
	st, err := parseStatus(status)
	if err != nil {
		return nil, err
	}
	if err := s.authz.Authorize(ctx, a, role.PermMemberManage, authorization.TenantScope(tenantID)); err != nil {
		return nil, err
	}
	return s.list(ctx, domain.ListFilter{TenantID: tenantID, Status: st})
}

func (s *service) ListOwn(ctx context.Context, a actor.Actor, status string) ([]domain.JoinRequest, error) {
	st, err := parseStatus(status)
	if err != nil {
		return nil, err
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return s.list(ctx, domain.ListFilter{RequesterID: a.ID, Status: st})
}

func (s *service) list(ctx context.Context, filter domain.ListFilter) ([]domain.JoinRequest, error) {
	items, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, db.Classify(err, nil)
	}
	if items == nil {
		items = []domain.JoinRequest{}
	}
	return items, nil
}

func (s *service) Review(ctx context.Context, a actor.Actor, req domain.ReviewRequest) (*domain.JoinRequest, error) {
	req.Action = domain.Action(strings.ToLower(strings.TrimSpace(string(req.Action))))
	if err := s.validate.Struct(req); err != nil {
		if req.Action != domain.ActionApprove && req.Action != domain.ActionReject {
			return nil, domain.ErrInvalidAction
		}
		return nil, domain.ErrMessageTooLong
	}

	current, err := s.repo.Get(ctx, req.RequestID)
	if err != nil {
		return nil, db.Classify(err, nil)
	}
	if current == nil {
		return nil, domain.ErrJoinRequestNotFound
	}
	if err := s.authz.Authorize(ctx, a, role.PermMemberManage, authorization.TenantScope(current.TenantID)); err != nil {
		return nil, err
	}

	var notes *string
	if trimmed := strings.TrimSpace(req.Notes); trimmed != "" {
		notes = &trimmed
	}

	var reviewed domain.JoinRequest
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := rls.WithActor(tx, a.ID); err != nil {
			return err
		}
		jr, err := s.repo.WithTx(tx).Get(ctx, req.RequestID)
		if err != nil {
			return err
		}
		if jr == nil {
			return domain.ErrJoinRequestNotFound
		}
		if jr.Status != domain.StatusPending {
			return domain.ErrJoinRequestNotPending
		}

		now := s.clock.Now()
		if req.Action == domain.ActionApprove {
			if err := s.approve(ctx, tx, jr, a.ID, notes, now); err != nil {
				return err
			}
		} else {
			if err := s.markReviewed(ctx, tx, jr, domain.StatusRejected, a.ID, notes, now); err != nil {
				return err
			}
		}
		reviewed = *jr
		return nil
	})
	if err != nil {
		return nil, db.Classify(err, nil)
	}

	if reviewed.Status == domain.StatusApproved {
		s.authz.Invalidate(ctx, reviewed.RequesterID)
	}
	s.metrics.RecordJoinRequest(ctx, string(reviewed.Status))
	s.log.Info("join request reviewed",
		zap.String("join_request_id", reviewed.ID.String()),
		zap.String("status", string(reviewed.Status)),
		zap.String("reviewer_id", a.ID),
	)
	return &reviewed, nil
}

// approve admits the requester as a member, atomically with the status flip.
func (s *service) approve(ctx context.Context, tx *gorm.DB, jr *domain.JoinRequest, reviewerID string, notes *string, now time.Time) error {
	admission, err := s.membership.Admit(ctx, tx, membershipdomain.Grant{
		TenantID:   jr.TenantID,
		ActorID:    jr.RequesterID,
		Email:      jr.Email,
		TenantRole: role.TenantMember,
	})
	if err != nil {
		return err
	}
	if err := s.markReviewed(ctx, tx, jr, domain.StatusApproved, reviewerID, notes, now); err != nil {
		return err
	}
	s.log.Debug("join request admission",
		zap.String("join_request_id", jr.ID.String()),
		zap.Bool("already_member", !admission.Created),
	)
	return nil
}

func (s *service) markReviewed(ctx context.Context, tx *gorm.DB, jr *domain.JoinRequest, status domain.Status, reviewerID string, notes *string, now time.Time) error {
	moved, err := s.repo.WithTx(tx).MarkReviewed(ctx, jr.ID, status, reviewerID, notes, now)
	if err != nil {
		return err
	}
	if !moved {
		return domain.ErrJoinRequestNotPending
	}

	jr.Status = status
	jr.ReviewerID = &reviewerID
	jr.ReviewNotes = notes
	jr.ReviewedAt = &now
	jr.UpdatedAt = now

	return s.events.WithTx(tx).Publish(ctx, events.Event{
		Topic:    events.TopicJoinRequestReviewed,
		TenantID: jr.TenantID,
		ActorID:  reviewerID,
		Payload: map[string]any{
			"join_request_id": jr.ID,
			"requester_id":    jr.RequesterID,
			"status":          status,
		},
	})
}

func parseStatus(raw string) (domain.Status, error) {
	st := domain.Status(strings.ToLower(strings.TrimSpace(raw)))
	if st != "" && !st.Valid() {
		return "", domain.ErrInvalidStatus
	}
	return st, nil
}
