package auth

import (
	"net/http"
	"slices"
	"strings"

	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/gin-gonic/gin"
)

const permissionsKey = "permissions"

// Middleware validates bearer tokens. With auth disabled every request is
// granted all permissions.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.enabled {
			c.Set(permissionsKey, []Permission{PermView, PermControl})
			c.Next()
			return
		}

		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse("UNAUTHORIZED", "missing or malformed authorization header", nil))
			return
		}

		claims, perms, err := s.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse("UNAUTHORIZED", "invalid or expired token", nil))
			return
		}

		c.Set(permissionsKey, perms)
		c.Set("username", claims.Username)
		c.Set("role", claims.Role)
		c.Next()
	}
}

// bearerToken reads the Authorization header, or the token query parameter
// for websocket upgrades where browsers cannot set headers.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return c.Query("token")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || scheme != "Bearer" {
		return ""
	}
	return token
}

func RequirePermission(required Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		perms, _ := c.Get(permissionsKey)
		granted, _ := perms.([]Permission)
		if !slices.Contains(granted, required) {
			c.AbortWithStatusJSON(http.StatusForbidden,
				types.NewErrorResponse("FORBIDDEN", "insufficient permissions",
					map[string]string{"required": string(required)}))
			return
		}
		c.Next()
	}
}
