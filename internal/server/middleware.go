package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tenancy/internal/actor"
	obscontext "github.com/smallbiznis/tenancy/internal/observability/context"
)

const (
	HeaderActorID    = "X-Actor-ID"
	HeaderActorEmail = "X-Actor-Email"

	contextActorKey = "actor"
)

// Identity turns the pre-verified identity headers into an actor.Actor and
// records the profile on first sight. Handlers read it back with actorFrom.
func (s *Server) Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderActorID))
		if id == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		a, err := actor.New(id, c.GetHeader(HeaderActorEmail))
		if err != nil {
			AbortWithError(c, err)
			return
		}

		ctx := obscontext.WithActorID(c.Request.Context(), a.ID)
		if _, err := s.tenantSvc.EnsureProfile(ctx, a); err != nil {
			AbortWithError(c, err)
			return
		}

		c.Request = c.Request.WithContext(ctx)
		c.Set(contextActorKey, a)
		c.Next()
	}
}

func actorFrom(c *gin.Context) actor.Actor {
	if v, ok := c.Get(contextActorKey); ok {
		if a, ok := v.(actor.Actor); ok {
			return a
		}
	}
	return actor.Actor{}
}

// withTenant tags the request context so logs carry the tenant id.
func withTenant(c *gin.Context, tenantID string) {
	c.Request = c.Request.WithContext(obscontext.WithTenantID(c.Request.Context(), tenantID))
}
