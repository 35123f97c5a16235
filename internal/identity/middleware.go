package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const ctxAdminClaims = "tracker_admin_claims"

// RequireAdmin returns a Gin middleware that enforces a valid admin Bearer
// token. With a nil tokens the routes are open and a warning is logged,
// which keeps local development usable without a signing secret.
func RequireAdmin(tokens *AdminTokens, logger *zap.Logger) gin.HandlerFunc {
	if tokens == nil {
		logger.Warn("admin routes are unauthenticated; set admin.jwt_secret to protect them")
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "admin Bearer token required",
			})
			return
		}

		claims, err := tokens.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token: " + err.Error(),
			})
			return
		}
		if claims.Role != RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "admin role required",
			})
			return
		}

		c.Set(ctxAdminClaims, claims)
		c.Next()
	}
}

// AdminClaimsFromCtx retrieves the claims injected by RequireAdmin, or nil.
func AdminClaimsFromCtx(c *gin.Context) *AdminClaims {
	v, _ := c.Get(ctxAdminClaims)
	claims, _ := v.(*AdminClaims)
	return claims
}
