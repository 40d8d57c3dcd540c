// Package httpapi holds the HTTP handlers: provider webhooks, the
// representative calling API, the realtime stream and account admin.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"callbridge/internal/accounts"
	"callbridge/internal/audit"
	"callbridge/internal/auth"
	"callbridge/internal/calls"
	"callbridge/internal/crm"
	"callbridge/internal/notify"
	"callbridge/internal/permission"
	"callbridge/internal/presence"
	"callbridge/internal/reporting"
	"callbridge/internal/routing"
	"callbridge/internal/telephony"

	"github.com/gin-gonic/gin"
)

// CallingConfigurator pushes the calling-extension registration to the CRM.
type CallingConfigurator interface {
	ConfigureCallingSettings(ctx context.Context, accountID string, s accounts.CallingSettings) error
}

// CodeExchanger completes the CRM OAuth install.
type CodeExchanger interface {
	ExchangeCode(ctx context.Context, code, redirectURI string) (crm.Installation, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
//
// Webhook handlers answer the provider with 200 for stale, duplicate or
// unknown events; only infrastructure failures produce 5xx so the provider
// retries.
type Handlers struct {
	Auth        *auth.Manager
	Accounts    *accounts.Service
	Router      *routing.Router
	Calls       *calls.Service
	Outbound    *calls.Outbound
	Permissions *permission.Workflow
	Presence    *presence.Registry
	Hub         *notify.Hub
	Reporting   *reporting.Service
	Audit       *audit.Service
	CRM         CallingConfigurator
	OAuth       CodeExchanger
	TwiML       telephony.TwiML

	// BaseURL is the public origin; OAuthRedirectURI must match the one
	// registered with the CRM app.
	BaseURL          string
	OAuthRedirectURI string

	Log *slog.Logger
	Now func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h Handlers) identity(c *gin.Context) (auth.Identity, bool) {
	id, err := auth.IdentityFrom(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return auth.Identity{}, false
	}
	return id, true
}

// Healthz is the liveness probe.
func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// notifyRepresentative delivers ev to the representative's live connection,
// if they have one. Returns false when nothing was delivered.
func (h Handlers) notifyRepresentative(representativeID string, ev notify.Event) bool {
	if h.Hub == nil || h.Presence == nil || representativeID == "" {
		return false
	}
	entry, ok := h.Presence.Lookup(representativeID)
	if !ok {
		return false
	}
	return h.Hub.Send(entry.ConnectionID, ev)
}
