package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/config"
)

// Context keys set by AuthMiddleware.
const (
	ContextUserID      = "user_id"
	ContextRole        = "role"
	ContextRoles       = "roles"
	ContextPermissions = "permissions"
)

// Identity the authenticated caller, used for actor attribution.
type Identity struct {
	UserID string   `json:"userId"`
	Role   string   `json:"role"`
	Roles  []string `json:"roles,omitempty"`
}

// CurrentIdentity returns the identity AuthMiddleware attached to c.
func CurrentIdentity(c *gin.Context) (Identity, bool) {
	uid := c.GetString(ContextUserID)
	if uid == "" {
		return Identity{}, false
	}
	return Identity{
		UserID: uid,
		Role:   c.GetString(ContextRole),
		Roles:  c.GetStringSlice(ContextRoles),
	}, true
}

// defaultRolePermissions applies when RBAC is not configured explicitly.
var defaultRolePermissions = map[string][]string{
	"admin":   {"*"},
	"manager": {"automation.*", "outbox.*", "tickets.*"},
	"staff":   {"automation.read", "tickets.read", "tickets.write", "outbox.read"},
}

// parseToken verifies an HS256 token and returns its claims.
func parseToken(raw, secret string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (interface{}, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30*time.Second),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// IssueToken signs an HS256 token for userID with the given roles.
func IssueToken(secret, userID string, roles []string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   userID,
		"roles": roles,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "Unauthorized",
		"message": msg,
	})
}

// AuthMiddleware enforces Authorization: Bearer <jwt> on protected routes and attaches
// the caller's id, roles and expanded permissions to the context.
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	secret := ""
	var rbac config.RBACConfig
	if cfg != nil {
		secret = cfg.JWT.Secret
		rbac = cfg.Security.RBAC
	}
	return func(c *gin.Context) {
		ah := c.GetHeader("Authorization")
		if !strings.HasPrefix(strings.ToLower(ah), "bearer ") {
			unauthorized(c, "missing bearer token")
			return
		}
		token := strings.TrimSpace(ah[len("Bearer "):])
		if token == "" || secret == "" {
			unauthorized(c, "invalid token or server misconfig")
			return
		}
		claims, err := parseToken(token, secret)
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		uid := claimString(firstNonNil(claims["user_id"], claims["sub"]))
		if uid == "" {
			unauthorized(c, "token has no subject")
			return
		}
		c.Set(ContextUserID, uid)

		roles := normalizeStringList(firstNonNil(claims["roles"], claims["role"]))
		if len(roles) > 0 {
			c.Set(ContextRoles, roles)
			c.Set(ContextRole, roles[0])
		}

		perms := normalizeStringList(firstNonNil(claims["perms"], claims["permissions"]))
		table := defaultRolePermissions
		if rbac.Enabled {
			table = rbac.Roles
		}
		for _, role := range roles {
			perms = append(perms, table[role]...)
		}
		if perms = dedupeStrings(perms); len(perms) > 0 {
			c.Set(ContextPermissions, perms)
		}

		c.Next()
	}
}

func claimString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func firstNonNil(vals ...interface{}) interface{} {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func normalizeStringList(v interface{}) []string {
	var raw []string
	switch t := v.(type) {
	case []string:
		raw = t
	case []interface{}:
		for _, it := range t {
			if s, ok := it.(string); ok {
				raw = append(raw, s)
			}
		}
	case string:
		raw = strings.Split(t, ",")
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func dedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
