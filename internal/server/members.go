package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tenancy/internal/authorization"
	membershipdomain "github.com/smallbiznis/tenancy/internal/membership/domain"
	"github.com/smallbiznis/tenancy/internal/role"
)

type addMemberRequest struct {
	ActorID string `json:"actor_id"`
	Email   string `json:"email"`
	Role    string `json:"role"`
}

type changeRoleRequest struct {
	Role string `json:"role"`
}

type suspensionRequest struct {
	Suspended *bool `json:"suspended"`
}

type overridesRequest struct {
	Overrides map[string]bool `json:"overrides"`
}

func (s *Server) AddTenantMember(c *gin.Context) {
	tenantID, ok := tenantIDParam(c)
	if !ok {
		return
	}
	s.addMember(c, authorization.TenantScope(tenantID))
}

func (s *Server) AddWorkspaceMember(c *gin.Context) {
	workspaceID, ok := pathID(c, "workspace_id")
	if !ok {
		return
	}
	s.addMember(c, authorization.WorkspaceScope(workspaceID))
}

func (s *Server) addMember(c *gin.Context, scope authorization.Scope) {
	var req addMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	err := s.membershipSvc.AddMember(c.Request.Context(), actorFrom(c), membershipdomain.AddMemberRequest{
		Scope:   scope,
		ActorID: strings.TrimSpace(req.ActorID),
		Email:   strings.TrimSpace(req.Email),
		Role:    strings.TrimSpace(req.Role),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"status": "ok"})
}

func (s *Server) ChangeTenantMemberRole(c *gin.Context) {
	tenantID, ok := tenantIDParam(c)
	if !ok {
		return
	}
	s.changeRole(c, authorization.TenantScope(tenantID))
}

func (s *Server) ChangeWorkspaceMemberRole(c *gin.Context) {
	workspaceID, ok := pathID(c, "workspace_id")
	if !ok {
		return
	}
	s.changeRole(c, authorization.WorkspaceScope(workspaceID))
}

func (s *Server) changeRole(c *gin.Context, scope authorization.Scope) {
	var req changeRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	err := s.membershipSvc.ChangeRole(c.Request.Context(), actorFrom(c), membershipdomain.ChangeRoleRequest{
		Scope:   scope,
		ActorID: strings.TrimSpace(c.Param("actor_id")),
		Role:    strings.TrimSpace(req.Role),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) RemoveTenantMember(c *gin.Context) {
	tenantID, ok := tenantIDParam(c)
	if !ok {
		return
	}
	s.removeMember(c, authorization.TenantScope(tenantID))
}

func (s *Server) RemoveWorkspaceMember(c *gin.Context) {
	workspaceID, ok := pathID(c, "workspace_id")
	if !ok {
		return
	}
	s.removeMember(c, authorization.WorkspaceScope(workspaceID))
}

func (s *Server) removeMember(c *gin.Context, scope authorization.Scope) {
	err := s.membershipSvc.RemoveMember(c.Request.Context(), actorFrom(c), membershipdomain.RemoveMemberRequest{
		Scope:   scope,
		ActorID: strings.TrimSpace(c.Param("actor_id")),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) SetSuspension(c *gin.Context) {
	tenantID, ok := tenantIDParam(c)
	if !ok {
		return
	}

	var req suspensionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Suspended == nil {
		AbortWithError(c, newValidationError("suspended", "invalid_suspended", "suspended is required"))
		return
	}

	err := s.membershipSvc.SetSuspension(c.Request.Context(), actorFrom(c), membershipdomain.SuspensionRequest{
		TenantID:  tenantID,
		ActorID:   strings.TrimSpace(c.Param("actor_id")),
		Suspended: *req.Suspended,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) SetPermissionOverrides(c *gin.Context) {
	tenantID, ok := tenantIDParam(c)
	if !ok {
		return
	}

	var req overridesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	overrides := make(map[role.Permission]bool, len(req.Overrides))
	for perm, granted := range req.Overrides {
		overrides[role.Permission(strings.TrimSpace(perm))] = granted
	}

	err := s.membershipSvc.SetPermissionOverrides(c.Request.Context(), actorFrom(c), membershipdomain.OverridesRequest{
		TenantID:  tenantID,
		ActorID:   strings.TrimSpace(c.Param("actor_id")),
		Overrides: overrides,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
