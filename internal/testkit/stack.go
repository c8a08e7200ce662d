// Package testkit assembles the tenancy services over an in-memory store for
// package tests.
package testkit

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenancy/internal/actor"
	"github.com/smallbiznis/tenancy/internal/authorization"
	"github.com/smallbiznis/tenancy/internal/clock"
	"github.com/smallbiznis/tenancy/internal/config"
	"github.com/smallbiznis/tenancy/internal/discovery"
	"github.com/smallbiznis/tenancy/internal/events"
	invitationdomain "github.com/smallbiznis/tenancy/internal/invitation/domain"
	invitationrepository "github.com/smallbiznis/tenancy/internal/invitation/repository"
	invitationservice "github.com/smallbiznis/tenancy/internal/invitation/service"
	joinrequestdomain "github.com/smallbiznis/tenancy/internal/joinrequest/domain"
	joinrequestrepository "github.com/smallbiznis/tenancy/internal/joinrequest/repository"
	joinrequestservice "github.com/smallbiznis/tenancy/internal/joinrequest/service"
	membershipdomain "github.com/smallbiznis/tenancy/internal/membership/domain"
	membershipservice "github.com/smallbiznis/tenancy/internal/membership/service"
	"github.com/smallbiznis/tenancy/internal/migration"
	"github.com/smallbiznis/tenancy/internal/ratelimit"
	"github.com/smallbiznis/tenancy/internal/role"
	"github.com/smallbiznis/tenancy/internal/settings"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	tenantrepository "github.com/smallbiznis/tenancy/internal/tenant/repository"
	tenantservice "github.com/smallbiznis/tenancy/internal/tenant/service"
	"github.com/smallbiznis/tenancy/pkg/db"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

// Epoch is a Monday 09:00 UTC.
var Epoch = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

type Options struct {
	Policy  *config.Policy
	Limiter *ratelimit.ActionLimiter
}

type Stack struct {
	DB     *gorm.DB
	Clock  *clock.FakeClock
	Node   *snowflake.Node
	Policy *config.PolicyHolder
	Log    *zap.Logger

	TenantRepo     tenantdomain.Repository
	InvitationRepo invitationdomain.Repository
	JoinRepo       joinrequestdomain.Repository
	Events         events.Publisher

	Authz        authorization.Service
	Tenants      tenantdomain.Service
	Membership   membershipdomain.Service
	Invitations  invitationdomain.Service
	JoinRequests joinrequestdomain.Service
	Discovery    discovery.Service
	Settings     settings.Service
}

// New builds every service against a fresh migrated database.
func New(t testing.TB, opts ...Options) *Stack {
	t.Helper()

	var opt Options
	if len(opts) > 0 {
		opt = opts[0]
	}
	policy := config.DefaultPolicy()
	if opt.Policy != nil {
		policy = *opt.Policy
	}

	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, migration.AutoMigrate(conn))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	catalog, err := role.NewCatalog()
	require.NoError(t, err)

	s := &Stack{
		DB:     conn,
		Clock:  clock.NewFakeClock(Epoch),
		Node:   node,
		Policy: config.StaticPolicy(policy),
		Log:    zaptest.NewLogger(t),
	}
	s.TenantRepo = tenantrepository.NewRepository(conn, s.Clock)
	s.InvitationRepo = invitationrepository.NewRepository(conn)
	s.JoinRepo = joinrequestrepository.NewRepository(conn)
	s.Events = events.NewOutboxPublisher(conn, node, s.Clock)

	s.Authz = authorization.NewService(authorization.Params{
		Repo:    s.TenantRepo,
		Catalog: catalog,
		Cache:   authorization.NewMemoryCache(s.Policy, s.Clock),
		Log:     s.Log,
	})
	s.Tenants = tenantservice.NewService(tenantservice.Params{
		DB:     conn,
		Log:    s.Log,
		GenID:  node,
		Repo:   s.TenantRepo,
		Authz:  s.Authz,
		Events: s.Events,
		Clock:  s.Clock,
	})
	s.Membership = membershipservice.NewService(membershipservice.Params{
		DB:     conn,
		Log:    s.Log,
		GenID:  node,
		Repo:   s.TenantRepo,
		Authz:  s.Authz,
		Events: s.Events,
		Clock:  s.Clock,
	})
	s.Invitations = invitationservice.NewService(invitationservice.Params{
		DB:         conn,
		Log:        s.Log,
		GenID:      node,
		Repo:       s.InvitationRepo,
		TenantRepo: s.TenantRepo,
		Membership: s.Membership,
		Authz:      s.Authz,
		Events:     s.Events,
		Clock:      s.Clock,
		Policy:     s.Policy,
		Limiter:    opt.Limiter,
	})
	s.JoinRequests = joinrequestservice.NewService(joinrequestservice.Params{
		DB:         conn,
		Log:        s.Log,
		GenID:      node,
		Repo:       s.JoinRepo,
		TenantRepo: s.TenantRepo,
		Membership: s.Membership,
		Authz:      s.Authz,
		Events:     s.Events,
		Clock:      s.Clock,
		Limiter:    opt.Limiter,
	})
	s.Discovery = discovery.NewService(discovery.Params{
		Repo:   s.TenantRepo,
		Policy: s.Policy,
		Log:    s.Log,
	})
	s.Settings = settings.NewService(settings.Params{
		Repo:   s.TenantRepo,
		Authz:  s.Authz,
		Policy: s.Policy,
		Clock:  s.Clock,
		Log:    s.Log,
	})
	return s
}

// Actor builds a validated identity claim.
func Actor(t testing.TB, id, email string) actor.Actor {
	t.Helper()
	a, err := actor.New(id, email)
	require.NoError(t, err)
	return a
}

// CreateTenant onboards owner into a new tenant.
func (s *Stack) CreateTenant(t testing.TB, owner actor.Actor, req tenantdomain.CreateTenantRequest) *tenantdomain.Tenant {
	t.Helper()
	tenant, err := s.Tenants.CreateTenant(context.Background(), owner, req)
	require.NoError(t, err)
	return tenant
}

// Admit makes a an existing member of tenantID with the given role.
func (s *Stack) Admit(t testing.TB, a actor.Actor, tenantID snowflake.ID, tenantRole role.TenantRole) {
	t.Helper()
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		_, err := s.Membership.Admit(context.Background(), tx, membershipdomain.Grant{
			TenantID:   tenantID,
			ActorID:    a.ID,
			Email:      a.Email,
			OwnClaim:   true,
			TenantRole: tenantRole,
		})
		return err
	})
	require.NoError(t, err)
	s.Authz.Invalidate(context.Background(), a.ID)
}

// Invite creates an invitation and returns its raw token.
func (s *Stack) Invite(t testing.TB, inviter actor.Actor, tenantID snowflake.ID, email, tenantRole string) *invitationdomain.Created {
	t.Helper()
	created, err := s.Invitations.Create(context.Background(), inviter, invitationdomain.CreateRequest{
		TenantID:   tenantID,
		Email:      email,
		TenantRole: tenantRole,
	})
	require.NoError(t, err)
	return created
}
