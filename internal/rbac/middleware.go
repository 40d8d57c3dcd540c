package rbac

import (
	"net/http"

	"callbridge/internal/auth"
	"callbridge/internal/metrics"
	"callbridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

// RequireAccount rejects callers whose token carries no business account.
// Every calling and admin route is tenant-scoped, so this runs first.
func RequireAccount() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := auth.AccountID(c.Request.Context()); err != nil {
			deny(c, http.StatusUnauthorized, "no_account", "account_id required")
			return
		}
		c.Next()
	}
}

// RequireAnyRole admits the listed roles. platform_admin always passes.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	permitted := make(map[string]bool, len(allowed))
	for _, r := range allowed {
		permitted[r] = true
	}

	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		switch {
		case err != nil:
			deny(c, http.StatusUnauthorized, "no_role", "role required")
		case IsPlatformAdmin(role) || permitted[role]:
			c.Next()
		default:
			deny(c, http.StatusForbidden, "role", "forbidden")
		}
	}
}

func deny(c *gin.Context, status int, reason, msg string) {
	metrics.AccessDenied.WithLabelValues(reason).Inc()
	rep, _ := auth.RepresentativeID(c.Request.Context())
	logger.FromGin(c).Warn("access denied", "reason", reason, "representative_id", rep, "path", c.FullPath())
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
