package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenancy/internal/authorization"
	"github.com/smallbiznis/tenancy/internal/cache"
	"github.com/smallbiznis/tenancy/internal/clock"
	"github.com/smallbiznis/tenancy/internal/config"
	"github.com/smallbiznis/tenancy/internal/discovery"
	"github.com/smallbiznis/tenancy/internal/events"
	"github.com/smallbiznis/tenancy/internal/invitation"
	"github.com/smallbiznis/tenancy/internal/joinrequest"
	"github.com/smallbiznis/tenancy/internal/membership"
	"github.com/smallbiznis/tenancy/internal/migration"
	"github.com/smallbiznis/tenancy/internal/observability"
	"github.com/smallbiznis/tenancy/internal/ratelimit"
	"github.com/smallbiznis/tenancy/internal/role"
	"github.com/smallbiznis/tenancy/internal/scheduler"
	"github.com/smallbiznis/tenancy/internal/server"
	"github.com/smallbiznis/tenancy/internal/settings"
	"github.com/smallbiznis/tenancy/internal/tenant"
	"github.com/smallbiznis/tenancy/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		cache.Module,
		ratelimit.Module,

		// Functional Domains
		role.Module,
		authorization.Module,
		events.Module,
		tenant.Module,
		membership.Module,
		invitation.Module,
		joinrequest.Module,
		discovery.Module,
		settings.Module,

		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
