package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/smallbiznis/tenancy/internal/events"
	invitationdomain "github.com/smallbiznis/tenancy/internal/invitation/domain"
	joinrequestdomain "github.com/smallbiznis/tenancy/internal/joinrequest/domain"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	"gorm.io/gorm"
)

// RunMigrations applies the embedded postgres migrations, including the
// partial unique indexes and row-level policies.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// Models lists every table the service owns.
func Models() []any {
	return []any{
		&tenantdomain.Tenant{},
		&tenantdomain.Workspace{},
		&tenantdomain.ActorProfile{},
		&tenantdomain.TenantMembership{},
		&tenantdomain.WorkspaceMembership{},
		&invitationdomain.Invitation{},
		&joinrequestdomain.JoinRequest{},
		&events.OutboxEvent{},
	}
}

// partialIndexes close the check-then-insert race on pending rows. MySQL has
// no partial indexes, so there the in-transaction checks are the only guard.
var partialIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_invitations_pending_email
	 ON invitations (tenant_id, email) WHERE status = 'pending'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_join_requests_pending_requester
	 ON join_requests (tenant_id, requester_id) WHERE status = 'pending'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_tenant_memberships_single_owner
	 ON tenant_memberships (tenant_id) WHERE role = 'owner'`,
}

// AutoMigrate builds the schema through gorm for sqlite and mysql, where the
// embedded postgres migrations do not apply.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if db.Dialector.Name() == "mysql" {
		return nil
	}
	for _, stmt := range partialIndexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create partial index: %w", err)
		}
	}
	return nil
}
