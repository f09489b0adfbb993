package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HasPermission reports whether required is granted. Patterns: "*", "resource.*" and
// exact names.
func HasPermission(granted []string, required string) bool {
	required = strings.TrimSpace(required)
	if required == "" {
		return true
	}
	for _, p := range granted {
		p = strings.TrimSpace(p)
		switch {
		case p == "":
			continue
		case p == "*", p == required:
			return true
		case strings.HasSuffix(p, ".*"):
			prefix := strings.TrimSuffix(p, ".*")
			if prefix != "" && (required == prefix || strings.HasPrefix(required, prefix+".")) {
				return true
			}
		}
	}
	return false
}

func forbidden(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
		"error":   "Forbidden",
		"message": msg,
	})
}

// RequirePermissionsAny requires at least one of the listed permissions.
func RequirePermissionsAny(required ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		granted := c.GetStringSlice(ContextPermissions)
		for _, r := range required {
			if HasPermission(granted, r) {
				c.Next()
				return
			}
		}
		forbidden(c, "insufficient permission")
	}
}

// RequireResourcePermission enforces "<resource>.read" for safe methods and
// "<resource>.write" otherwise.
func RequireResourcePermission(resource string) gin.HandlerFunc {
	resource = strings.TrimSpace(resource)
	return func(c *gin.Context) {
		perm := resource + ".write"
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			perm = resource + ".read"
		}
		RequirePermissionsAny(perm)(c)
	}
}

// RequireRolesAny requires one of the listed roles.
func RequireRolesAny(required ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, have := range c.GetStringSlice(ContextRoles) {
			for _, want := range required {
				if have == want {
					c.Next()
					return
				}
			}
		}
		forbidden(c, "insufficient role")
	}
}
