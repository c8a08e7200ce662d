package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

// pathID parses a snowflake path parameter. Malformed ids are reported as
// not found so callers cannot probe the id space.
func pathID(c *gin.Context, name string) (snowflake.ID, bool) {
	raw := strings.TrimSpace(c.Param(name))
	id, err := snowflake.ParseString(raw)
	if err != nil || id <= 0 {
		AbortWithError(c, ErrNotFound)
		return 0, false
	}
	return id, true
}

func tenantIDParam(c *gin.Context) (snowflake.ID, bool) {
	id, ok := pathID(c, "tenant_id")
	if ok {
		withTenant(c, id.String())
	}
	return id, ok
}

func parseOptionalSnowflakeID(value string) (*snowflake.ID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := snowflake.ParseString(trimmed)
	if err != nil || parsed <= 0 {
		return nil, newValidationError("workspace_id", "invalid_workspace_id", "invalid workspace_id")
	}
	return &parsed, nil
}
