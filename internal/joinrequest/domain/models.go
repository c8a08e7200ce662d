// Package domain holds the join-request model and its contracts.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// JoinRequest is a self-service request to join a tenant. At most one pending
// row exists per (tenant, requester).
type JoinRequest struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID    snowflake.ID `gorm:"not null;index" json:"tenant_id"`
	RequesterID string       `gorm:"type:varchar(255);not null;index" json:"requester_id"`
	Email       string       `gorm:"type:varchar(320)" json:"email"`
	Message     string       `gorm:"type:text" json:"message,omitempty"`
	Status      Status       `gorm:"type:varchar(16);not null" json:"status"`
	ReviewerID  *string      `gorm:"type:varchar(255)" json:"reviewer_id,omitempty"`
	ReviewNotes *string      `gorm:"type:text" json:"review_notes,omitempty"`
	ReviewedAt  *time.Time   `json:"reviewed_at,omitempty"`
	CreatedAt   time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time    `gorm:"not null" json:"updated_at"`
}

func (JoinRequest) TableName() string { return "join_requests" }
