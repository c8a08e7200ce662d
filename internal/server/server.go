package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/tenancy/internal/authorization"
	"github.com/smallbiznis/tenancy/internal/config"
	"github.com/smallbiznis/tenancy/internal/discovery"
	invitationdomain "github.com/smallbiznis/tenancy/internal/invitation/domain"
	joinrequestdomain "github.com/smallbiznis/tenancy/internal/joinrequest/domain"
	membershipdomain "github.com/smallbiznis/tenancy/internal/membership/domain"
	"github.com/smallbiznis/tenancy/internal/observability"
	obslogger "github.com/smallbiznis/tenancy/internal/observability/logger"
	obstracing "github.com/smallbiznis/tenancy/internal/observability/tracing"
	"github.com/smallbiznis/tenancy/internal/settings"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, s *Server, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine         *gin.Engine
	log            *zap.Logger
	tenantSvc      tenantdomain.Service
	membershipSvc  membershipdomain.Service
	invitationSvc  invitationdomain.Service
	joinRequestSvc joinrequestdomain.Service
	discoverySvc   discovery.Service
	settingsSvc    settings.Service
	authzSvc       authorization.Service
}

type ServerParams struct {
	fx.In

	Engine         *gin.Engine
	Log            *zap.Logger
	TenantSvc      tenantdomain.Service
	MembershipSvc  membershipdomain.Service
	InvitationSvc  invitationdomain.Service
	JoinRequestSvc joinrequestdomain.Service
	DiscoverySvc   discovery.Service
	SettingsSvc    settings.Service
	AuthzSvc       authorization.Service
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:         p.Engine,
		log:            p.Log.Named("http.server"),
		tenantSvc:      p.TenantSvc,
		membershipSvc:  p.MembershipSvc,
		invitationSvc:  p.InvitationSvc,
		joinRequestSvc: p.JoinRequestSvc,
		discoverySvc:   p.DiscoverySvc,
		settingsSvc:    p.SettingsSvc,
		authzSvc:       p.AuthzSvc,
	}
	s.registerAPIRoutes()
	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api/v1")
	api.Use(s.Identity())

	me := api.Group("/me")
	{
		me.GET("", s.Me)
		me.GET("/session-timeout", s.GetSessionTimeout)
		me.PUT("/session-timeout", s.SetSessionTimeoutOverride)
		me.PUT("/timezone", s.SetTimezoneOverride)
		me.GET("/join-requests", s.ListOwnJoinRequests)
	}

	discover := api.Group("/discovery")
	{
		discover.GET("/similar", s.FindSimilarTenants)
		discover.GET("/domain-access", s.CheckDomainAccess)
	}

	tenants := api.Group("/tenants")
	{
		tenants.POST("", s.CreateTenant)
		tenants.GET("", s.ListTenants)
		tenants.GET("/:tenant_id", s.GetTenant)
		tenants.PATCH("/:tenant_id/settings", s.UpdateTenantSettings)
		tenants.DELETE("/:tenant_id", s.DeleteTenant)
		tenants.POST("/:tenant_id/transfer-ownership", s.TransferOwnership)
		tenants.GET("/:tenant_id/timezone", s.GetTimezoneInfo)
		tenants.GET("/:tenant_id/permissions", s.GetTenantPermissions)

		tenants.GET("/:tenant_id/members", s.ListMembers)
		tenants.POST("/:tenant_id/members", s.AddTenantMember)
		tenants.PATCH("/:tenant_id/members/:actor_id", s.ChangeTenantMemberRole)
		tenants.DELETE("/:tenant_id/members/:actor_id", s.RemoveTenantMember)
		tenants.PUT("/:tenant_id/members/:actor_id/suspension", s.SetSuspension)
		tenants.PUT("/:tenant_id/members/:actor_id/overrides", s.SetPermissionOverrides)

		tenants.GET("/:tenant_id/workspaces", s.ListWorkspaces)
		tenants.POST("/:tenant_id/workspaces", s.CreateWorkspace)

		tenants.GET("/:tenant_id/invitations", s.ListInvitations)
		tenants.POST("/:tenant_id/invitations", s.CreateInvitation)
		tenants.DELETE("/:tenant_id/invitations/:invitation_id", s.RevokeInvitation)

		tenants.GET("/:tenant_id/join-requests", s.ListTenantJoinRequests)
		tenants.POST("/:tenant_id/join-requests", s.CreateJoinRequest)
	}

	workspaces := api.Group("/workspaces")
	{
		workspaces.DELETE("/:workspace_id", s.DeleteWorkspace)
		workspaces.GET("/:workspace_id/permissions", s.GetWorkspacePermissions)
		workspaces.POST("/:workspace_id/members", s.AddWorkspaceMember)
		workspaces.PATCH("/:workspace_id/members/:actor_id", s.ChangeWorkspaceMemberRole)
		workspaces.DELETE("/:workspace_id/members/:actor_id", s.RemoveWorkspaceMember)
	}

	api.POST("/invitations/accept", s.AcceptInvitation)
	api.POST("/join-requests/:request_id/review", s.ReviewJoinRequest)
}
