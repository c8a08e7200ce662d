package discovery_test

import (
	"context"
	"testing"

	"github.com/smallbiznis/tenancy/internal/actor"
	"github.com/smallbiznis/tenancy/internal/config"
	"github.com/smallbiznis/tenancy/internal/discovery"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	"github.com/smallbiznis/tenancy/internal/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, stack *testkit.Stack) {
	t.Helper()
	owner := testkit.Actor(t, "founder", "founder@acme.com")
	stack.CreateTenant(t, owner, tenantdomain.CreateTenantRequest{
		Name:              "Acme Corp",
		EmailDomain:       "acme.com",
		Discoverable:      true,
		AllowJoinRequests: true,
		AllowDomainSignup: true,
	})
	stack.CreateTenant(t, owner, tenantdomain.CreateTenantRequest{
		Name:              "Acme Crop",
		Discoverable:      true,
		AllowJoinRequests: true,
	})
	stack.CreateTenant(t, owner, tenantdomain.CreateTenantRequest{Name: "Acme Corp Hidden"})
	stack.CreateTenant(t, owner, tenantdomain.CreateTenantRequest{
		Name:              "Globex",
		Discoverable:      true,
		AllowJoinRequests: true,
	})
}

func TestFindSimilarTenants(t *testing.T) {
	stack := testkit.New(t)
	seed(t, stack)
	ctx := context.Background()

	got, err := stack.Discovery.FindSimilarTenants(ctx, "acme corp", "bob@acme.com")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "Acme Corp", got[0].Name)
	assert.True(t, got[0].ExactMatch)
	assert.True(t, got[0].DomainMatch)
	assert.True(t, got[0].CanAutoJoin)
	assert.EqualValues(t, 1, got[0].MemberCount)
	assert.Equal(t, 1.0, got[0].Similarity)

	assert.Equal(t, "Acme Crop", got[1].Name)
	assert.False(t, got[1].ExactMatch)
	assert.False(t, got[1].DomainMatch)
}

func TestFindSimilarTenantsDomainOnly(t *testing.T) {
	stack := testkit.New(t)
	seed(t, stack)

	got, err := stack.Discovery.FindSimilarTenants(context.Background(), "Totally Different Name", "bob@acme.com")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Acme Corp", got[0].Name)
	assert.True(t, got[0].DomainMatch)
}

func TestFindSimilarTenantsValidation(t *testing.T) {
	stack := testkit.New(t)
	ctx := context.Background()

	_, err := stack.Discovery.FindSimilarTenants(ctx, "  ", "")
	assert.ErrorIs(t, err, discovery.ErrInvalidName)

	_, err = stack.Discovery.FindSimilarTenants(ctx, "Acme", "not-an-email")
	assert.ErrorIs(t, err, actor.ErrInvalidEmail)

	got, err := stack.Discovery.FindSimilarTenants(ctx, "Acme", "")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFindSimilarTenantsHonoursLimit(t *testing.T) {
	policy := config.DefaultPolicy()
	policy.MaxSimilarCandidates = 1
	stack := testkit.New(t, testkit.Options{Policy: &policy})
	seed(t, stack)

	got, err := stack.Discovery.FindSimilarTenants(context.Background(), "Acme Corp", "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Acme Corp", got[0].Name)
}

func TestCheckDomainAccess(t *testing.T) {
	stack := testkit.New(t)
	seed(t, stack)
	ctx := context.Background()

	got, err := stack.Discovery.CheckDomainAccess(ctx, "Bob@ACME.com")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Acme Corp", got[0].Name)
	assert.True(t, got[0].CanAutoJoin)

	got, err = stack.Discovery.CheckDomainAccess(ctx, "bob@globex.io")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = stack.Discovery.CheckDomainAccess(ctx, "nope")
	assert.ErrorIs(t, err, actor.ErrInvalidEmail)
}

func TestCheckDomainAccessIgnoresPublicDomains(t *testing.T) {
	stack := testkit.New(t)
	owner := testkit.Actor(t, "founder", "founder@gmail.com")
	stack.CreateTenant(t, owner, tenantdomain.CreateTenantRequest{
		Name:              "Gmail Fans",
		EmailDomain:       "gmail.com",
		Discoverable:      true,
		AllowJoinRequests: true,
		AllowDomainSignup: true,
	})

	got, err := stack.Discovery.CheckDomainAccess(context.Background(), "someone@gmail.com")
	require.NoError(t, err)
	assert.Empty(t, got)

	similar, err := stack.Discovery.FindSimilarTenants(context.Background(), "Unrelated", "someone@gmail.com")
	require.NoError(t, err)
	assert.Empty(t, similar)
}
