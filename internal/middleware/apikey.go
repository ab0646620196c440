package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

const APIKeyHeader = "X-API-Key"

// Returns the trimmed API key presented by the caller, or ""
func ExtractAPIKey(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(APIKeyHeader))
}
