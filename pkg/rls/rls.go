// Package rls sets the identity claim that postgres row-level policies read.
package rls

import (
	"strings"

	"gorm.io/gorm"
)

// Setting is the session variable consulted by the row-level policies.
const Setting = "app.current_actor_id"

// WithActor binds actorID to the current transaction. It is a no-op on
// dialects without row-level security.
func WithActor(tx *gorm.DB, actorID string) error {
	if tx == nil || tx.Dialector == nil || tx.Dialector.Name() != "postgres" {
		return nil
	}
	return tx.Exec("SELECT set_config(?, ?, true)", Setting, strings.TrimSpace(actorID)).Error
}
