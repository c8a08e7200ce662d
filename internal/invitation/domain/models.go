// Package domain holds the invitation model and its contracts.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusExpired  Status = "expired"
	StatusRevoked  Status = "revoked"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusExpired, StatusRevoked:
		return true
	}
	return false
}

// Invitation is a token invite into a tenant. Only the SHA-256 fingerprint of
// the token is stored. At most one pending row exists per (tenant, email).
type Invitation struct {
	ID            snowflake.ID  `gorm:"primaryKey" json:"id"`
	TenantID      snowflake.ID  `gorm:"not null;index" json:"tenant_id"`
	InviterID     string        `gorm:"type:varchar(255);not null" json:"inviter_id"`
	Email         string        `gorm:"type:varchar(320);not null" json:"email"`
	TenantRole    string        `gorm:"type:varchar(16);not null" json:"tenant_role"`
	WorkspaceID   *snowflake.ID `json:"workspace_id,omitempty"`
	WorkspaceRole *string       `gorm:"type:varchar(16)" json:"workspace_role,omitempty"`
	TokenHash     string        `gorm:"type:char(64);not null;uniqueIndex:ux_invitations_token_hash" json:"-"`
	Status        Status        `gorm:"type:varchar(16);not null;index" json:"status"`
	ExpiresAt     time.Time     `gorm:"not null;index" json:"expires_at"`
	AcceptedBy    *string       `gorm:"type:varchar(255)" json:"accepted_by,omitempty"`
	// AcceptedWorkspaceID is where the accepting actor landed; replays report it.
	AcceptedWorkspaceID *snowflake.ID `json:"accepted_workspace_id,omitempty"`
	AcceptedAt          *time.Time    `json:"accepted_at,omitempty"`
	RevokedAt           *time.Time    `json:"revoked_at,omitempty"`
	CreatedAt           time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt           time.Time     `gorm:"not null" json:"updated_at"`
}

func (Invitation) TableName() string { return "invitations" }

// EffectiveStatus reports a pending row past its expiry as expired.
func (i Invitation) EffectiveStatus(now time.Time) Status {
	if i.Status == StatusPending && !now.Before(i.ExpiresAt) {
		return StatusExpired
	}
	return i.Status
}
