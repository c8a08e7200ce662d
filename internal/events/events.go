// Package events records domain events in a transactional outbox table.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenancy/internal/clock"
	"github.com/smallbiznis/tenancy/pkg/telemetry/correlation"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	TopicTenantCreated         = "tenant.created"
	TopicTenantSettingsUpdated = "tenant.settings_updated"
	TopicTenantDeleted         = "tenant.deleted"
	TopicWorkspaceCreated      = "workspace.created"
	TopicWorkspaceDeleted      = "workspace.deleted"
	TopicOwnershipTransferred  = "tenant.ownership_transferred"
	TopicInvitationCreated     = "invitation.created"
	TopicInvitationAccepted    = "invitation.accepted"
	TopicInvitationRevoked     = "invitation.revoked"
	TopicJoinRequestCreated    = "join_request.created"
	TopicJoinRequestReviewed   = "join_request.reviewed"
	TopicMembershipRoleChanged = "membership.role_changed"
	TopicMembershipRemoved     = "membership.removed"
	TopicActorSuspension       = "actor.suspension_changed"
)

var ErrMissingTopic = errors.New("missing_topic")

// OutboxEvent is a row in tenancy_events.
type OutboxEvent struct {
	ID        snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID  snowflake.ID      `gorm:"not null;index" json:"tenant_id"`
	Topic     string            `gorm:"type:text;not null;index" json:"topic"`
	ActorID   string            `gorm:"type:text;not null" json:"actor_id"`
	Payload   datatypes.JSON    `gorm:"not null" json:"payload"`
	Metadata  datatypes.JSONMap `json:"metadata"`
	Published bool              `gorm:"not null;default:false" json:"published"`
	CreatedAt time.Time         `gorm:"not null" json:"created_at"`
}

func (OutboxEvent) TableName() string { return "tenancy_events" }

// Event is a domain fact to be recorded alongside the mutation that caused it.
type Event struct {
	Topic    string
	TenantID snowflake.ID
	ActorID  string
	Payload  any
}

type Publisher interface {
	WithTx(tx *gorm.DB) Publisher
	Publish(ctx context.Context, evt Event) error
}

type outboxPublisher struct {
	db    *gorm.DB
	genID *snowflake.Node
	clock clock.Clock
}

func NewOutboxPublisher(db *gorm.DB, genID *snowflake.Node, clk clock.Clock) Publisher {
	return &outboxPublisher{db: db, genID: genID, clock: clk}
}

// WithTx binds the publisher to tx so the event commits or rolls back with the mutation.
func (p *outboxPublisher) WithTx(tx *gorm.DB) Publisher {
	return &outboxPublisher{db: tx, genID: p.genID, clock: p.clock}
}

func (p *outboxPublisher) Publish(ctx context.Context, evt Event) error {
	topic := strings.TrimSpace(evt.Topic)
	if topic == "" {
		return ErrMissingTopic
	}

	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return err
	}

	row := OutboxEvent{
		ID:        p.genID.Generate(),
		TenantID:  evt.TenantID,
		Topic:     topic,
		ActorID:   evt.ActorID,
		Payload:   datatypes.JSON(payload),
		Metadata:  datatypes.JSONMap(correlation.Metadata(ctx)),
		CreatedAt: p.clock.Now(),
	}
	return p.db.WithContext(ctx).Create(&row).Error
}
