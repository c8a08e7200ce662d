// Package domain contains persistence models for tenants, workspaces and memberships.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Tenant is the organizational unit owning workspaces and memberships.
type Tenant struct {
	ID                    snowflake.ID             `gorm:"primaryKey" json:"id"`
	Name                  string                   `gorm:"type:text;not null" json:"name"`
	Slug                  string                   `gorm:"type:varchar(191);not null;uniqueIndex:ux_tenants_slug" json:"slug"`
	EmailDomain           string                   `gorm:"type:varchar(191);column:email_domain;index" json:"email_domain,omitempty"`
	Discoverable          bool                     `gorm:"not null;default:false" json:"discoverable"`
	AllowJoinRequests     bool                     `gorm:"not null;default:false" json:"allow_join_requests"`
	RequireAdminApproval  bool                     `gorm:"not null;default:true" json:"require_admin_approval"`
	AllowDomainSignup     bool                     `gorm:"not null;default:false" json:"allow_domain_signup"`
	DefaultTimezone       *string                  `gorm:"type:text" json:"default_timezone,omitempty"`
	EnforceTimezone       bool                     `gorm:"not null;default:false" json:"enforce_timezone"`
	BusinessHoursStart    string                   `gorm:"type:varchar(5);not null;default:'09:00'" json:"business_hours_start"`
	BusinessHoursEnd      string                   `gorm:"type:varchar(5);not null;default:'17:00'" json:"business_hours_end"`
	BusinessDays          datatypes.JSONSlice[int] `json:"business_days"`
	SessionTimeoutMinutes *int                     `json:"session_timeout_minutes,omitempty"`
	EnforceSessionTimeout bool                     `gorm:"not null;default:false" json:"enforce_session_timeout"`
	CreatedAt             time.Time                `gorm:"not null" json:"created_at"`
	UpdatedAt             time.Time                `gorm:"not null" json:"updated_at"`
}

func (Tenant) TableName() string { return "tenants" }

// Workspace scopes resources inside a tenant.
type Workspace struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID  snowflake.ID `gorm:"not null;uniqueIndex:ux_workspaces_tenant_slug,priority:1" json:"tenant_id"`
	Name      string       `gorm:"type:text;not null" json:"name"`
	Slug      string       `gorm:"type:varchar(191);not null;uniqueIndex:ux_workspaces_tenant_slug,priority:2" json:"slug"`
	IsDefault bool         `gorm:"not null;default:false" json:"is_default"`
	CreatedAt time.Time    `gorm:"not null" json:"created_at"`
}

func (Workspace) TableName() string { return "workspaces" }

// ActorProfile is keyed by the identity claim.
type ActorProfile struct {
	ID                     string        `gorm:"type:varchar(255);primaryKey" json:"id"`
	Email                  string        `gorm:"type:varchar(320);index" json:"email"`
	Suspended              bool          `gorm:"not null;default:false" json:"suspended"`
	HomeTenantID           *snowflake.ID `json:"home_tenant_id,omitempty"`
	TimezoneOverride       *string       `gorm:"type:text" json:"timezone_override,omitempty"`
	SessionTimeoutOverride *int          `json:"session_timeout_override,omitempty"`
	CreatedAt              time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt              time.Time     `gorm:"not null" json:"updated_at"`
}

func (ActorProfile) TableName() string { return "actor_profiles" }

// TenantMembership grants an actor a role inside a tenant.
type TenantMembership struct {
	ID                  snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID            snowflake.ID      `gorm:"not null;uniqueIndex:ux_tenant_memberships_actor,priority:1" json:"tenant_id"`
	ActorID             string            `gorm:"type:varchar(255);not null;index;uniqueIndex:ux_tenant_memberships_actor,priority:2" json:"actor_id"`
	Role                string            `gorm:"type:varchar(16);not null" json:"role"`
	PermissionOverrides datatypes.JSONMap `json:"permission_overrides,omitempty"`
	CreatedAt           time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt           time.Time         `gorm:"not null" json:"updated_at"`
}

func (TenantMembership) TableName() string { return "tenant_memberships" }

// WorkspaceMembership grants a direct workspace role. TenantID is denormalized
// so tenant-wide cascades need no join.
type WorkspaceMembership struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	WorkspaceID snowflake.ID `gorm:"not null;uniqueIndex:ux_workspace_memberships_actor,priority:1" json:"workspace_id"`
	TenantID    snowflake.ID `gorm:"not null;index:ix_workspace_memberships_tenant_actor,priority:1" json:"tenant_id"`
	ActorID     string       `gorm:"type:varchar(255);not null;uniqueIndex:ux_workspace_memberships_actor,priority:2;index:ix_workspace_memberships_tenant_actor,priority:2" json:"actor_id"`
	Role        string       `gorm:"type:varchar(16);not null" json:"role"`
	CreatedAt   time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time    `gorm:"not null" json:"updated_at"`
}

func (WorkspaceMembership) TableName() string { return "workspace_memberships" }

// MemberListItem is a tenant membership joined with its profile.
type MemberListItem struct {
	ActorID   string       `json:"actor_id"`
	Email     string       `json:"email"`
	Role      string       `json:"role"`
	Suspended bool         `json:"suspended"`
	TenantID  snowflake.ID `json:"tenant_id"`
	CreatedAt time.Time    `json:"created_at"`
}

// TenantListItem is a tenant seen from one actor.
type TenantListItem struct {
	ID        snowflake.ID `json:"id"`
	Name      string       `json:"name"`
	Slug      string       `json:"slug"`
	Role      string       `json:"role"`
	CreatedAt time.Time    `json:"created_at"`
}

// DiscoverableTenant carries what duplicate detection needs.
type DiscoverableTenant struct {
	ID                snowflake.ID
	Name              string
	Slug              string
	EmailDomain       string
	AllowDomainSignup bool
	MemberCount       int64
}
