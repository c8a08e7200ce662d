package migration

import (
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenancy/internal/events"
	invitationdomain "github.com/smallbiznis/tenancy/internal/invitation/domain"
	joinrequestdomain "github.com/smallbiznis/tenancy/internal/joinrequest/domain"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	"github.com/smallbiznis/tenancy/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutoMigrateCreatesSchema(t *testing.T) {
	conn, err := db.NewTest()
	require.NoError(t, err)

	require.NoError(t, AutoMigrate(conn))
	require.NoError(t, AutoMigrate(conn), "auto migrate must be repeatable")

	for _, model := range []any{
		&tenantdomain.Tenant{},
		&tenantdomain.Workspace{},
		&tenantdomain.ActorProfile{},
		&tenantdomain.TenantMembership{},
		&tenantdomain.WorkspaceMembership{},
		&invitationdomain.Invitation{},
		&joinrequestdomain.JoinRequest{},
		&events.OutboxEvent{},
	} {
		assert.True(t, conn.Migrator().HasTable(model))
	}
}

func TestSingleOwnerIndex(t *testing.T) {
	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(conn))

	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	owner := tenantdomain.TenantMembership{ID: 1, TenantID: 10, ActorID: "alice", Role: "owner", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, conn.Create(&owner).Error)

	admin := tenantdomain.TenantMembership{ID: 2, TenantID: 10, ActorID: "bob", Role: "admin", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, conn.Create(&admin).Error)

	second := tenantdomain.TenantMembership{ID: 3, TenantID: 10, ActorID: "carol", Role: "owner", CreatedAt: now, UpdatedAt: now}
	err = conn.Create(&second).Error
	require.Error(t, err)
	assert.True(t, db.IsDuplicateKeyErr(err))

	elsewhere := tenantdomain.TenantMembership{ID: 4, TenantID: 11, ActorID: "carol", Role: "owner", CreatedAt: now, UpdatedAt: now}
	assert.NoError(t, conn.Create(&elsewhere).Error)
}

func TestPendingInvitationIndex(t *testing.T) {
	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(conn))

	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	invite := func(id int64, hash string, status invitationdomain.Status) invitationdomain.Invitation {
		return invitationdomain.Invitation{
			ID:         snowflake.ID(id),
			TenantID:   10,
			InviterID:  "alice",
			Email:      "bob@acme.com",
			TenantRole: "member",
			TokenHash:  strings.Repeat(hash, 64),
			Status:     status,
			ExpiresAt:  now.Add(time.Hour),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}

	first := invite(1, "a", invitationdomain.StatusPending)
	require.NoError(t, conn.Create(&first).Error)
	revoked := invite(2, "b", invitationdomain.StatusRevoked)
	require.NoError(t, conn.Create(&revoked).Error)

	dup := invite(3, "c", invitationdomain.StatusPending)
	err = conn.Create(&dup).Error
	require.Error(t, err)
	assert.True(t, db.IsDuplicateKeyErr(err))
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	require.NoError(t, err)

	ups, downs := map[string]bool{}, map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	assert.NotEmpty(t, ups)
	assert.Equal(t, ups, downs)
}
