package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// FindSimilarTenants runs before onboarding. The email defaults to the
// caller's own address.
func (s *Server) FindSimilarTenants(c *gin.Context) {
	email := strings.TrimSpace(c.Query("email"))
	if email == "" {
		email = actorFrom(c).Email
	}

	resp, err := s.discoverySvc.FindSimilarTenants(c.Request.Context(), c.Query("name"), email)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// CheckDomainAccess only ever looks at the caller's own email domain.
func (s *Server) CheckDomainAccess(c *gin.Context) {
	resp, err := s.discoverySvc.CheckDomainAccess(c.Request.Context(), actorFrom(c).Email)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
