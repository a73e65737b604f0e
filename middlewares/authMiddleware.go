package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mmdatafocus/synchub_backend/utils"
)

// AuthMiddleware validates the bearer JWT and puts the tenant identity on the
// request context. Requests without a token pass through; handlers that need
// a tenant reject them via RequireTenant.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := strings.TrimSpace(c.Request.Header.Get("Authorization"))
		if auth == "" {
			c.Next()
			return
		}
		if !strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		token := strings.TrimSpace(auth[7:])

		validated, err := utils.JwtValidate(token)
		if err != nil || !validated.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		claim, ok := validated.Claims.(*utils.JwtCustomClaim)
		if !ok || claim.TenantId == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTenantIdInContext(c.Request.Context(), claim.TenantId)
		ctx = utils.SetUserIdInContext(ctx, claim.UserId)
		ctx = utils.SetIsAdminInContext(ctx, strings.EqualFold(claim.Role, "admin"))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireTenant returns the authenticated tenant id or aborts with 401.
func RequireTenant(c *gin.Context) (string, bool) {
	tenantId, ok := utils.GetTenantIdFromContext(c.Request.Context())
	if !ok || tenantId == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		c.Abort()
		return "", false
	}
	return tenantId, true
}
