package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/config"
)

// CORSMiddleware answers preflight requests and sets the allow headers from config.
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	allowedOrigins := "*"
	allowedMethods := "GET, POST, PUT, DELETE, OPTIONS"
	allowedHeaders := "Origin, Content-Type, Accept, Authorization, Idempotency-Key"
	if cfg != nil && cfg.Security.CORS.Enabled {
		cors := cfg.Security.CORS
		if len(cors.AllowedOrigins) > 0 {
			allowedOrigins = strings.Join(cors.AllowedOrigins, ", ")
		}
		if len(cors.AllowedMethods) > 0 {
			allowedMethods = strings.Join(cors.AllowedMethods, ", ")
		}
		if len(cors.AllowedHeaders) > 0 {
			allowedHeaders = strings.Join(cors.AllowedHeaders, ", ")
		}
	}
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", allowedOrigins)
		c.Header("Access-Control-Allow-Methods", allowedMethods)
		c.Header("Access-Control-Allow-Headers", allowedHeaders)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
