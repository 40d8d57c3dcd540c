package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "

	// EventSource clients cannot set headers, so the realtime stream also
	// accepts the token as a query parameter.
	tokenQueryParam = "access_token"
)

// RequireAccessToken verifies an access token and injects identity into request context.
// It does not perform RBAC checks; those belong to internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return requireAccessToken(m, false)
}

// RequireAccessTokenOrQuery is RequireAccessToken that also reads ?access_token=.
// Use it only on streaming endpoints.
func RequireAccessTokenOrQuery(m *Manager) gin.HandlerFunc {
	return requireAccessToken(m, true)
}

func requireAccessToken(m *Manager, allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := bearerToken(c)
		if tok == "" && allowQuery {
			tok = strings.TrimSpace(c.Query(tokenQueryParam))
		}
		if tok == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := m.Verify(tok, TokenTypeAccess, time.Now())
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, ErrTokenExpired) {
				// the calling widget re-authenticates on this exact message
				msg = "token expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		id := claims.Identity()
		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), id.RepresentativeID, id.AccountID, id.Role))
		c.Set("representative_id", id.RepresentativeID)
		c.Set("account_id", id.AccountID)

		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	raw := strings.TrimSpace(c.GetHeader(authorizationHeader))
	if !strings.HasPrefix(raw, bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(raw, bearerPrefix))
}
