package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tenancy/internal/authorization"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
)

type createWorkspaceRequest struct {
	Name string `json:"name"`
}

func (s *Server) ListWorkspaces(c *gin.Context) {
	tenantID, ok := tenantIDParam(c)
	if !ok {
		return
	}

	resp, err := s.tenantSvc.ListWorkspaces(c.Request.Context(), actorFrom(c), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CreateWorkspace(c *gin.Context) {
	tenantID, ok := tenantIDParam(c)
	if !ok {
		return
	}

	var req createWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.tenantSvc.CreateWorkspace(c.Request.Context(), actorFrom(c), tenantdomain.CreateWorkspaceRequest{
		TenantID: tenantID,
		Name:     strings.TrimSpace(req.Name),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) DeleteWorkspace(c *gin.Context) {
	workspaceID, ok := pathID(c, "workspace_id")
	if !ok {
		return
	}

	if err := s.tenantSvc.DeleteWorkspace(c.Request.Context(), actorFrom(c), workspaceID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) GetWorkspacePermissions(c *gin.Context) {
	workspaceID, ok := pathID(c, "workspace_id")
	if !ok {
		return
	}

	a := actorFrom(c)
	effective, err := s.authzSvc.EffectiveWorkspaceRole(c.Request.Context(), a, workspaceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	perms, err := s.authzSvc.Permissions(c.Request.Context(), a, authorization.WorkspaceScope(workspaceID))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"role":        effective.Role,
		"source":      effective.Source,
		"permissions": perms,
	}})
}
