package settings

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenancy/internal/actor"
	"github.com/smallbiznis/tenancy/internal/authorization"
	"github.com/smallbiznis/tenancy/internal/clock"
	"github.com/smallbiznis/tenancy/internal/config"
	"github.com/smallbiznis/tenancy/internal/role"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	"github.com/smallbiznis/tenancy/pkg/apperror"
	"github.com/smallbiznis/tenancy/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrTenantNotFound = apperror.NotFoundOrExpired("tenant_not_found", "tenant not found")

type SessionTimeout struct {
	Minutes int    `json:"minutes"`
	Source  Source `json:"source"`
}

type TimezoneInfo struct {
	Timezone           string        `json:"timezone"`
	Source             Source        `json:"source"`
	Enforced           bool          `json:"enforce"`
	BusinessHours      BusinessHours `json:"business_hours"`
	IsBusinessHoursNow bool          `json:"is_business_hours_now"`
	LocalTime          time.Time     `json:"local_time"`
}

type Service interface {
	GetEffectiveSessionTimeout(ctx context.Context, a actor.Actor) (SessionTimeout, error)
	GetEffectiveTimezoneInfo(ctx context.Context, a actor.Actor, tenantID snowflake.ID) (TimezoneInfo, error)
	SetSessionTimeoutOverride(ctx context.Context, a actor.Actor, minutes *int) error
	SetTimezoneOverride(ctx context.Context, a actor.Actor, timezone *string) error
}

type Params struct {
	fx.In

	Repo   tenantdomain.Repository
	Authz  authorization.Service
	Policy config.PolicySource
	Clock  clock.Clock
	Log    *zap.Logger
}

type service struct {
	repo   tenantdomain.Repository
	authz  authorization.Service
	policy config.PolicySource
	clock  clock.Clock
	log    *zap.Logger
}

func NewService(p Params) Service {
	return &service{
		repo:   p.Repo,
		authz:  p.Authz,
		policy: p.Policy,
		clock:  p.Clock,
		log:    p.Log.Named("settings.service"),
	}
}

// GetEffectiveSessionTimeout resolves against the actor's home tenant.
func (s *service) GetEffectiveSessionTimeout(ctx context.Context, a actor.Actor) (SessionTimeout, error) {
	if err := a.Validate(); err != nil {
		return SessionTimeout{}, err
	}
	profile, tenant, err := s.loadHome(ctx, a.ID)
	if err != nil {
		return SessionTimeout{}, err
	}
	minutes, source := Resolve(sessionTimeoutChain(profile, tenant, s.policy.Get()))
	return SessionTimeout{Minutes: minutes, Source: source}, nil
}

func (s *service) GetEffectiveTimezoneInfo(ctx context.Context, a actor.Actor, tenantID snowflake.ID) (TimezoneInfo, error) {
	if err := s.authz.Authorize(ctx, a, role.PermTenantView, authorization.TenantScope(tenantID)); err != nil {
		return TimezoneInfo{}, err
	}
	tenant, err := s.repo.GetTenant(ctx, tenantID)
	if err != nil {
		return TimezoneInfo{}, db.Classify(err, nil)
	}
	if tenant == nil {
		return TimezoneInfo{}, ErrTenantNotFound
	}
	profile, err := s.repo.GetProfile(ctx, a.ID)
	if err != nil {
		return TimezoneInfo{}, db.Classify(err, nil)
	}

	tz, source := Resolve(timezoneChain(profile, tenant, s.policy.Get()))
	loc, err := LoadTimezone(tz)
	if err != nil {
		// A zone that stopped loading degrades to the system fallback.
		s.log.Warn("stored timezone failed to load", zap.String("timezone", tz), zap.Error(err))
		tz, source, loc = s.policy.Get().Timezone, SourceSystem, time.UTC
		if fallback, ferr := LoadTimezone(tz); ferr == nil {
			loc = fallback
		}
	}

	now := s.clock.Now()
	hours := tenantBusinessHours(tenant)
	return TimezoneInfo{
		Timezone:           tz,
		Source:             source,
		Enforced:           tenant.EnforceTimezone && tenant.DefaultTimezone != nil,
		BusinessHours:      hours,
		IsBusinessHoursNow: IsBusinessHours(now, loc, hours),
		LocalTime:          now.In(loc),
	}, nil
}

func (s *service) SetSessionTimeoutOverride(ctx context.Context, a actor.Actor, minutes *int) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if minutes != nil {
		if err := ValidateSessionTimeout(*minutes); err != nil {
			return err
		}
	}
	profile, err := s.repo.GetProfile(ctx, a.ID)
	if err != nil {
		return db.Classify(err, nil)
	}
	policy := s.policy.Get()
	if err := s.checkMemberTenants(ctx, a.ID, func(t *tenantdomain.Tenant) error {
		return CheckOverride(sessionTimeoutChain(profile, t, policy), minutes)
	}); err != nil {
		return err
	}

	var timezone *string
	if profile != nil {
		timezone = profile.TimezoneOverride
	}
	return s.savePreferences(ctx, a, timezone, minutes)
}

func (s *service) SetTimezoneOverride(ctx context.Context, a actor.Actor, timezone *string) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if timezone != nil {
		trimmed := strings.TrimSpace(*timezone)
		if _, err := LoadTimezone(trimmed); err != nil {
			return err
		}
		timezone = &trimmed
	}
	profile, err := s.repo.GetProfile(ctx, a.ID)
	if err != nil {
		return db.Classify(err, nil)
	}
	policy := s.policy.Get()
	if err := s.checkMemberTenants(ctx, a.ID, func(t *tenantdomain.Tenant) error {
		return CheckOverride(timezoneChain(profile, t, policy), timezone)
	}); err != nil {
		return err
	}

	var minutes *int
	if profile != nil {
		minutes = profile.SessionTimeoutOverride
	}
	return s.savePreferences(ctx, a, timezone, minutes)
}

func (s *service) savePreferences(ctx context.Context, a actor.Actor, timezone *string, minutes *int) error {
	now := s.clock.Now()
	if err := s.repo.EnsureProfile(ctx, tenantdomain.ActorProfile{ID: a.ID, Email: a.Email, CreatedAt: now, UpdatedAt: now}); err != nil {
		return db.Classify(err, nil)
	}
	if err := s.repo.UpdatePreferences(ctx, a.ID, timezone, minutes); err != nil {
		return db.Classify(err, nil)
	}
	return nil
}

// checkMemberTenants runs check against every tenant the actor belongs to. An
// override resolves in any of them, so each enforced default binds it.
func (s *service) checkMemberTenants(ctx context.Context, actorID string, check func(*tenantdomain.Tenant) error) error {
	items, err := s.repo.ListTenantsByActor(ctx, actorID)
	if err != nil {
		return db.Classify(err, nil)
	}
	for _, item := range items {
		tenant, err := s.repo.GetTenant(ctx, item.ID)
		if err != nil {
			return db.Classify(err, nil)
		}
		if tenant == nil {
			continue
		}
		if err := check(tenant); err != nil {
			return err
		}
	}
	return nil
}

// loadHome returns the actor's profile and home tenant; either may be nil.
func (s *service) loadHome(ctx context.Context, actorID string) (*tenantdomain.ActorProfile, *tenantdomain.Tenant, error) {
	profile, err := s.repo.GetProfile(ctx, actorID)
	if err != nil {
		return nil, nil, db.Classify(err, nil)
	}
	if profile == nil || profile.HomeTenantID == nil {
		return profile, nil, nil
	}
	tenant, err := s.repo.GetTenant(ctx, *profile.HomeTenantID)
	if err != nil {
		return nil, nil, db.Classify(err, nil)
	}
	return profile, tenant, nil
}

func sessionTimeoutChain(profile *tenantdomain.ActorProfile, tenant *tenantdomain.Tenant, policy config.Policy) Chain[int] {
	c := Chain[int]{Fallback: policy.SessionTimeoutMinutes}
	if profile != nil {
		c.ActorOverride = profile.SessionTimeoutOverride
	}
	if tenant != nil {
		c.TenantDefault = tenant.SessionTimeoutMinutes
		c.Enforced = tenant.EnforceSessionTimeout
	}
	return c
}

func timezoneChain(profile *tenantdomain.ActorProfile, tenant *tenantdomain.Tenant, policy config.Policy) Chain[string] {
	c := Chain[string]{Fallback: policy.Timezone}
	if profile != nil {
		c.ActorOverride = profile.TimezoneOverride
	}
	if tenant != nil {
		c.TenantDefault = tenant.DefaultTimezone
		c.Enforced = tenant.EnforceTimezone
	}
	return c
}

func tenantBusinessHours(t *tenantdomain.Tenant) BusinessHours {
	days := []int(t.BusinessDays)
	if days == nil {
		days = DefaultBusinessDays()
	}
	return BusinessHours{Start: t.BusinessHoursStart, End: t.BusinessHoursEnd, Days: Weekdays(days)}
}
