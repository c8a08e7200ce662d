package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	invitationdomain "github.com/smallbiznis/tenancy/internal/invitation/domain"
	"github.com/smallbiznis/tenancy/pkg/db/pagination"
)

type createInvitationRequest struct {
	Email         string `json:"email"`
	TenantRole    string `json:"tenant_role"`
	WorkspaceID   string `json:"workspace_id"`
	WorkspaceRole string `json:"workspace_role"`
}

type acceptInvitationRequest struct {
	Token string `json:"token"`
}

func (s *Server) CreateInvitation(c *gin.Context) {
	tenantID, ok := tenantIDParam(c)
	if !ok {
		return
	}

	var req createInvitationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	workspaceID, err := parseOptionalSnowflakeID(req.WorkspaceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.invitationSvc.Create(c.Request.Context(), actorFrom(c), invitationdomain.CreateRequest{
		TenantID:      tenantID,
		Email:         strings.TrimSpace(req.Email),
		TenantRole:    strings.TrimSpace(req.TenantRole),
		WorkspaceID:   workspaceID,
		WorkspaceRole: strings.TrimSpace(req.WorkspaceRole),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListInvitations(c *gin.Context) {
	tenantID, ok := tenantIDParam(c)
	if !ok {
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, info, err := s.invitationSvc.List(c.Request.Context(), actorFrom(c), tenantID, strings.TrimSpace(c.Query("status")), page)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp, "page_info": info})
}

func (s *Server) RevokeInvitation(c *gin.Context) {
	tenantID, ok := tenantIDParam(c)
	if !ok {
		return
	}
	invitationID, ok := pathID(c, "invitation_id")
	if !ok {
		return
	}

	if err := s.invitationSvc.Revoke(c.Request.Context(), actorFrom(c), tenantID, invitationID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// AcceptInvitation takes the token in the body so it never lands in access logs.
func (s *Server) AcceptInvitation(c *gin.Context) {
	var req acceptInvitationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.invitationSvc.Accept(c.Request.Context(), actorFrom(c), strings.TrimSpace(req.Token))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
