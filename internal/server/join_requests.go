package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	joinrequestdomain "github.com/smallbiznis/tenancy/internal/joinrequest/domain"
)

type createJoinRequestRequest struct {
	Message string `json:"message"`
}

type reviewJoinRequestRequest struct {
	Action string `json:"action"`
	Notes  string `json:"notes"`
}

func (s *Server) CreateJoinRequest(c *gin.Context) {
	tenantID, ok := tenantIDParam(c)
	if !ok {
		return
	}

	var req createJoinRequestRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	resp, err := s.joinRequestSvc.Create(c.Request.Context(), actorFrom(c), joinrequestdomain.CreateRequest{
		TenantID: tenantID,
		Message:  strings.TrimSpace(req.Message),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListTenantJoinRequests(c *gin.Context) {
	tenantID, ok := tenantIDParam(c)
	if !ok {
		return
	}

	resp, err := s.joinRequestSvc.ListForTenant(c.Request.Context(), actorFrom(c), tenantID, strings.TrimSpace(c.Query("status")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListOwnJoinRequests(c *gin.Context) {
	resp, err := s.joinRequestSvc.ListOwn(c.Request.Context(), actorFrom(c), strings.TrimSpace(c.Query("status")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ReviewJoinRequest(c *gin.Context) {
	requestID, ok := pathID(c, "request_id")
	if !ok {
		return
	}

	var req reviewJoinRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.joinRequestSvc.Review(c.Request.Context(), actorFrom(c), joinrequestdomain.ReviewRequest{
		RequestID: requestID,
		Action:    joinrequestdomain.Action(strings.ToLower(strings.TrimSpace(req.Action))),
		Notes:     strings.TrimSpace(req.Notes),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
