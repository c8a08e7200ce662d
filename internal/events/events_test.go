package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenancy/internal/clock"
	"github.com/smallbiznis/tenancy/pkg/db"
	"github.com/smallbiznis/tenancy/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setup(t *testing.T) (*gorm.DB, Publisher) {
	t.Helper()
	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&OutboxEvent{}))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	return conn, NewOutboxPublisher(conn, node, clk)
}

func TestPublishWritesRow(t *testing.T) {
	conn, pub := setup(t)
	ctx := correlation.ContextWithCorrelationID(context.Background(), "cid-42")

	err := pub.Publish(ctx, Event{
		Topic:    TopicInvitationCreated,
		TenantID: 7,
		ActorID:  "actor-1",
		Payload:  map[string]string{"invitation_id": "99"},
	})
	require.NoError(t, err)

	var rows []OutboxEvent
	require.NoError(t, conn.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, TopicInvitationCreated, rows[0].Topic)
	assert.Equal(t, snowflake.ID(7), rows[0].TenantID)
	assert.Equal(t, "cid-42", rows[0].Metadata["correlation_id"])

	var payload map[string]string
	require.NoError(t, json.Unmarshal(rows[0].Payload, &payload))
	assert.Equal(t, "99", payload["invitation_id"])
}

func TestPublishRollsBackWithTransaction(t *testing.T) {
	conn, pub := setup(t)
	boom := errors.New("boom")

	err := conn.Transaction(func(tx *gorm.DB) error {
		if err := pub.WithTx(tx).Publish(context.Background(), Event{Topic: TopicMembershipRemoved, TenantID: 1, ActorID: "a"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int64
	require.NoError(t, conn.Model(&OutboxEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestPublishRequiresTopic(t *testing.T) {
	_, pub := setup(t)
	assert.ErrorIs(t, pub.Publish(context.Background(), Event{}), ErrMissingTopic)
}
