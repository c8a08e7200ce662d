package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tenancy/internal/authorization"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
)

type createTenantRequest struct {
	Name              string `json:"name"`
	EmailDomain       string `json:"email_domain"`
	Discoverable      bool   `json:"discoverable"`
	AllowJoinRequests bool   `json:"allow_join_requests"`
	AllowDomainSignup bool   `json:"allow_domain_signup"`
}

type transferOwnershipRequest struct {
	NewOwnerID string `json:"new_owner_id"`
}

func (s *Server) Me(c *gin.Context) {
	a := actorFrom(c)
	profile, err := s.tenantSvc.EnsureProfile(c.Request.Context(), a)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	tenants, err := s.tenantSvc.ListTenantsForActor(c.Request.Context(), a)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"profile": profile,
		"tenants": tenants,
	}})
}

func (s *Server) CreateTenant(c *gin.Context) {
	var req createTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.tenantSvc.CreateTenant(c.Request.Context(), actorFrom(c), tenantdomain.CreateTenantRequest{
		Name:              strings.TrimSpace(req.Name),
		EmailDomain:       strings.TrimSpace(req.EmailDomain),
		Discoverable:      req.Discoverable,
		AllowJoinRequests: req.AllowJoinRequests,
		AllowDomainSignup: req.AllowDomainSignup,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListTenants(c *gin.Context) {
	resp, err := s.tenantSvc.ListTenantsForActor(c.Request.Context(), actorFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetTenant(c *gin.Context) {
	tenantID, ok := tenantIDParam(c)
	if !ok {
		return
	}

	resp, err := s.tenantSvc.GetTenant(c.Request.Context(), actorFrom(c), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) UpdateTenantSettings(c *gin.Context) {
	tenantID, ok := tenantIDParam(c)
	if !ok {
		return
	}

	var req tenantdomain.UpdateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.tenantSvc.UpdateSettings(c.Request.Context(), actorFrom(c), tenantID, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) DeleteTenant(c *gin.Context) {
	tenantID, ok := tenantIDParam(c)
	if !ok {
		return
	}

	if err := s.tenantSvc.DeleteTenant(c.Request.Context(), actorFrom(c), tenantID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) TransferOwnership(c *gin.Context) {
	tenantID, ok := tenantIDParam(c)
	if !ok {
		return
	}

	var req transferOwnershipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	newOwner := strings.TrimSpace(req.NewOwnerID)
	if newOwner == "" {
		AbortWithError(c, newValidationError("new_owner_id", "invalid_new_owner_id", "new_owner_id is required"))
		return
	}

	if err := s.tenantSvc.TransferOwnership(c.Request.Context(), actorFrom(c), tenantID, newOwner); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) GetTenantPermissions(c *gin.Context) {
	tenantID, ok := tenantIDParam(c)
	if !ok {
		return
	}

	a := actorFrom(c)
	tenantRole, err := s.authzSvc.EffectiveTenantRole(c.Request.Context(), a, tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	perms, err := s.authzSvc.Permissions(c.Request.Context(), a, authorization.TenantScope(tenantID))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"role":        tenantRole,
		"permissions": perms,
	}})
}

func (s *Server) ListMembers(c *gin.Context) {
	tenantID, ok := tenantIDParam(c)
	if !ok {
		return
	}

	resp, err := s.tenantSvc.ListMembers(c.Request.Context(), actorFrom(c), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
