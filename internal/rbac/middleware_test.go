package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"callbridge/internal/auth"
	"callbridge/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func serveAs(rep, account, role string, chain ...gin.HandlerFunc) int {
	gin.SetMode(gin.TestMode)

	handlers := []gin.HandlerFunc{func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), rep, account, role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}}
	handlers = append(handlers, chain...)
	handlers = append(handlers, func(c *gin.Context) { c.Status(http.StatusOK) })

	r := gin.New()
	r.GET("/x", handlers...)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole_PlatformAdminBypasses(t *testing.T) {
	code := serveAs("u", "acc", RolePlatformAdmin, RequireAccount(), RequireAnyRole(RoleAdmin))
	require.Equal(t, http.StatusOK, code)
}

func TestRequireAnyRole_RepresentativeForbiddenOnAdminRoutes(t *testing.T) {
	code := serveAs("u", "acc", RoleRepresentative, RequireAccount(), RequireAnyRole(RoleAdmin))
	require.Equal(t, http.StatusForbidden, code)
}

func TestRequireAnyRole_AllowsListedRole(t *testing.T) {
	code := serveAs("u", "acc", RoleRepresentative, RequireAccount(), RequireAnyRole(RoleAdmin, RoleRepresentative))
	require.Equal(t, http.StatusOK, code)
}

func TestRequireAccount_MissingAccount(t *testing.T) {
	code := serveAs("u", "", RoleAdmin, RequireAccount(), RequireAnyRole(RoleAdmin))
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestCanCall(t *testing.T) {
	require.True(t, CanCall(RoleRepresentative))
	require.True(t, CanCall(RoleAdmin))
	require.False(t, CanCall("viewer"))
}

func TestDenialsAreCounted(t *testing.T) {
	roleBefore := testutil.ToFloat64(metrics.AccessDenied.WithLabelValues("role"))
	noRoleBefore := testutil.ToFloat64(metrics.AccessDenied.WithLabelValues("no_role"))

	require.Equal(t, http.StatusForbidden, serveAs("u", "acc", "viewer", RequireAnyRole(RoleAdmin)))
	require.Equal(t, http.StatusUnauthorized, serveAs("u", "acc", "", RequireAnyRole(RoleAdmin)))

	require.Equal(t, roleBefore+1, testutil.ToFloat64(metrics.AccessDenied.WithLabelValues("role")))
	require.Equal(t, noRoleBefore+1, testutil.ToFloat64(metrics.AccessDenied.WithLabelValues("no_role")))
}
