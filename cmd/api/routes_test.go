package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"callbridge/internal/auth"
	"callbridge/internal/config"
	"callbridge/internal/httpapi"
	"callbridge/internal/rbac"
	"callbridge/internal/telephony"
	"callbridge/internal/upstream"
	"callbridge/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testRouter(t *testing.T) (*gin.Engine, *auth.Manager) {
	t.Helper()
	m, err := auth.NewManager(config.AuthConfig{
		JWTSecret:       "routes-secret",
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 24 * time.Hour,
	})
	require.NoError(t, err)

	r := gin.New()
	registerRoutes(r, httpapi.Handlers{Auth: m, Log: logger.Discard()}, nil)
	return r, m
}

func bearer(t *testing.T, m *auth.Manager, role string) string {
	t.Helper()
	pair, err := m.IssuePair(time.Now(), auth.Identity{RepresentativeID: "rep-1", AccountID: "acc-1", Role: role})
	require.NoError(t, err)
	return "Bearer " + pair.AccessToken
}

func TestRoutes_AccessControl(t *testing.T) {
	r, m := testRouter(t)

	cases := []struct {
		name   string
		method string
		path   string
		authz  string
		want   int
	}{
		{"liveness is public", http.MethodGet, "/healthz", "", http.StatusOK},
		{"calling needs a token", http.MethodGet, "/v1/calling/history", "", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/v1/calling/history", "Bearer nope", http.StatusUnauthorized},
		{"viewer cannot call", http.MethodGet, "/v1/calling/history", bearer(t, m, "viewer"), http.StatusForbidden},
		{"representative is not an admin", http.MethodGet, "/v1/accounts/config", bearer(t, m, rbac.RoleRepresentative), http.StatusForbidden},
		{"realtime needs a token", http.MethodGet, "/v1/realtime", "", http.StatusUnauthorized},
		{"install needs a code", http.MethodGet, "/hubspot/install", "", http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.authz != "" {
				req.Header.Set("Authorization", tc.authz)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			require.Equal(t, tc.want, w.Code)
		})
	}
}

func TestTrimGroup(t *testing.T) {
	require.Equal(t, "/voice/inbound", trimGroup(telephony.PathVoiceInbound))
}

func TestConsentLockTTL_OutlastsSendBudget(t *testing.T) {
	s := upstream.Settings{Name: "twilio", Timeout: 10 * time.Second, Attempts: 3}
	require.Greater(t, consentLockTTL(s), s.Budget())
	require.Equal(t, 39*time.Second, consentLockTTL(s))
}
