package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type sessionTimeoutOverrideRequest struct {
	Minutes *int `json:"minutes"`
}

type timezoneOverrideRequest struct {
	Timezone *string `json:"timezone"`
}

func (s *Server) GetSessionTimeout(c *gin.Context) {
	resp, err := s.settingsSvc.GetEffectiveSessionTimeout(c.Request.Context(), actorFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// SetSessionTimeoutOverride clears the override when minutes is null.
func (s *Server) SetSessionTimeoutOverride(c *gin.Context) {
	var req sessionTimeoutOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.settingsSvc.SetSessionTimeoutOverride(c.Request.Context(), actorFrom(c), req.Minutes); err != nil {
		AbortWithError(c, err)
		return
	}

	s.GetSessionTimeout(c)
}

func (s *Server) SetTimezoneOverride(c *gin.Context) {
	var req timezoneOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.Timezone != nil {
		tz := strings.TrimSpace(*req.Timezone)
		req.Timezone = &tz
	}

	if err := s.settingsSvc.SetTimezoneOverride(c.Request.Context(), actorFrom(c), req.Timezone); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) GetTimezoneInfo(c *gin.Context) {
	tenantID, ok := tenantIDParam(c)
	if !ok {
		return
	}

	resp, err := s.settingsSvc.GetEffectiveTimezoneInfo(c.Request.Context(), actorFrom(c), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
