package service_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenancy/internal/invitation/domain"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	"github.com/smallbiznis/tenancy/internal/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const racers = 8

func countPending(t *testing.T, stack *testkit.Stack, tenantID snowflake.ID, email string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, stack.DB.Model(&domain.Invitation{}).
		Where("tenant_id = ? AND email = ? AND status = ?", tenantID, email, domain.StatusPending).
		Count(&n).Error)
	return n
}

func TestConcurrentCreateLeavesOnePendingInvitation(t *testing.T) {
	stack := testkit.New(t)
	ctx := context.Background()
	alice := testkit.Actor(t, "alice", "alice@acme.com")
	tenant := stack.CreateTenant(t, alice, tenantdomain.CreateTenantRequest{Name: "Acme"})

	var (
		wg      sync.WaitGroup
		created atomic.Int32
		errs    = make(chan error, racers)
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := stack.Invitations.Create(ctx, alice, domain.CreateRequest{TenantID: tenant.ID, Email: "bob@acme.com"})
			if err != nil {
				errs <- err
				return
			}
			created.Add(1)
		}()
	}
	wg.Wait()
	close(errs)

	assert.EqualValues(t, 1, created.Load())
	for err := range errs {
		assert.ErrorIs(t, err, domain.ErrPendingInvitationExists)
	}
	assert.EqualValues(t, 1, countPending(t, stack, tenant.ID, "bob@acme.com"))
}

func TestConcurrentAcceptAdmitsOnce(t *testing.T) {
	stack := testkit.New(t)
	ctx := context.Background()
	alice := testkit.Actor(t, "alice", "alice@acme.com")
	bob := testkit.Actor(t, "bob", "bob@acme.com")
	tenant := stack.CreateTenant(t, alice, tenantdomain.CreateTenantRequest{Name: "Acme"})
	invite := stack.Invite(t, alice, tenant.ID, bob.Email, "")

	var (
		wg      sync.WaitGroup
		results = make([]*domain.AcceptResult, racers)
		errs    = make([]error, racers)
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = stack.Invitations.Accept(ctx, bob, invite.Token)
		}(i)
	}
	wg.Wait()

	for i := 0; i < racers; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
		assert.Equal(t, results[0], results[i])
	}
	assert.Equal(t, tenant.ID, results[0].TenantID)

	var memberships int64
	require.NoError(t, stack.DB.Model(&tenantdomain.TenantMembership{}).
		Where("tenant_id = ? AND actor_id = ?", tenant.ID, bob.ID).
		Count(&memberships).Error)
	assert.EqualValues(t, 1, memberships)

	var wsMemberships int64
	require.NoError(t, stack.DB.Model(&tenantdomain.WorkspaceMembership{}).
		Where("actor_id = ?", bob.ID).
		Count(&wsMemberships).Error)
	assert.EqualValues(t, 1, wsMemberships)
}

// A rival pending row committed between the in-transaction check and the
// insert must surface as the domain conflict, not as a store failure.
func TestCreateMapsPendingIndexViolation(t *testing.T) {
	stack := testkit.New(t)
	ctx := context.Background()
	alice := testkit.Actor(t, "alice", "alice@acme.com")
	tenant := stack.CreateTenant(t, alice, tenantdomain.CreateTenantRequest{Name: "Acme"})

	var fired atomic.Bool
	require.NoError(t, stack.DB.Callback().Create().Before("gorm:create").Register("test:rival_invitation", func(tx *gorm.DB) {
		if tx.Statement.Table != "invitations" || !fired.CompareAndSwap(false, true) {
			return
		}
		rival := domain.Invitation{
			ID:         stack.Node.Generate(),
			TenantID:   tenant.ID,
			InviterID:  alice.ID,
			Email:      "bob@acme.com",
			TenantRole: "member",
			TokenHash:  "rival",
			Status:     domain.StatusPending,
			ExpiresAt:  testkit.Epoch.Add(time.Hour),
			CreatedAt:  testkit.Epoch,
			UpdatedAt:  testkit.Epoch,
		}
		if err := tx.Session(&gorm.Session{NewDB: true}).Create(&rival).Error; err != nil {
			_ = tx.AddError(err)
		}
	}))

	_, err := stack.Invitations.Create(ctx, alice, domain.CreateRequest{TenantID: tenant.ID, Email: "bob@acme.com"})
	assert.ErrorIs(t, err, domain.ErrPendingInvitationExists)
	assert.True(t, fired.Load())
	assert.Zero(t, countPending(t, stack, tenant.ID, "bob@acme.com"))

	_, err = stack.Invitations.Create(ctx, alice, domain.CreateRequest{TenantID: tenant.ID, Email: "bob@acme.com"})
	require.NoError(t, err)
}

// Losing the conditional status flip rolls the admission back; the loser only
// succeeds when the recorded winner is the same actor.
func TestAcceptLostRaceRollsBackAdmission(t *testing.T) {
	stack := testkit.New(t)
	ctx := context.Background()
	alice := testkit.Actor(t, "alice", "alice@acme.com")
	bob := testkit.Actor(t, "bob", "bob@acme.com")
	tenant := stack.CreateTenant(t, alice, tenantdomain.CreateTenantRequest{Name: "Acme"})
	invite := stack.Invite(t, alice, tenant.ID, bob.Email, "")

	var fired atomic.Bool
	require.NoError(t, stack.DB.Callback().Update().Before("gorm:update").Register("test:lost_accept", func(tx *gorm.DB) {
		if tx.Statement.Table != "invitations" || !fired.CompareAndSwap(false, true) {
			return
		}
		tx.Statement.AddClause(clause.Where{Exprs: []clause.Expression{clause.Expr{SQL: "1 = 0"}}})
	}))

	_, err := stack.Invitations.Accept(ctx, bob, invite.Token)
	assert.ErrorIs(t, err, domain.ErrInvitationNotFound)
	assert.True(t, fired.Load())

	membership, err := stack.TenantRepo.GetTenantMembership(ctx, tenant.ID, bob.ID)
	require.NoError(t, err)
	assert.Nil(t, membership)
	assert.EqualValues(t, 1, countPending(t, stack, tenant.ID, bob.Email))

	result, err := stack.Invitations.Accept(ctx, bob, invite.Token)
	require.NoError(t, err)
	assert.Equal(t, tenant.ID, result.TenantID)
}
