package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"callbridge/internal/accounts"
	"callbridge/internal/audit"
	"callbridge/internal/auth"
	"callbridge/internal/rbac"
	"callbridge/internal/telephony"
	"callbridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	widgetName = "WhatsApp Business Calling"
	widgetPath = "/calling-widget"
)

// Install completes the CRM OAuth flow: store the installation, register the
// calling extension and hand the installing user an admin token pair.
func (h Handlers) Install(c *gin.Context) {
	code := strings.TrimSpace(c.Query("code"))
	if code == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "authorization code required"})
		return
	}
	if h.OAuth == nil || h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "install not configured"})
		return
	}
	log := logger.FromGin(c)
	ctx := audit.WithClientIP(c.Request.Context(), c.ClientIP())

	inst, err := h.OAuth.ExchangeCode(ctx, code, h.OAuthRedirectURI)
	if err != nil {
		log.Error("oauth code exchange failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "installation failed"})
		return
	}
	acc, err := h.Accounts.Install(ctx, inst.Install)
	if err != nil {
		log.Error("store installation failed", "crm_account_id", inst.Install.CRMAccountID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "installation failed"})
		return
	}
	log = log.With("account_id", acc.ID)

	settings := accounts.CallingSettings{Name: widgetName, URL: strings.TrimRight(h.BaseURL, "/") + widgetPath}
	if err := h.Accounts.SetCallingSettings(ctx, acc.ID, settings); err != nil {
		log.Warn("store calling settings failed", "err", err)
	} else {
		acc.CallingSettings = settings
	}
	if h.CRM != nil {
		if err := h.CRM.ConfigureCallingSettings(ctx, acc.ID, settings); err != nil {
			log.Warn("calling settings push failed", "err", err)
		}
	}

	pair, err := h.Auth.IssuePair(time.Now(), auth.Identity{RepresentativeID: inst.UserID, AccountID: acc.ID, Role: rbac.RoleAdmin})
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	if h.Audit != nil {
		if err := h.Audit.LogAdminAction(ctx, acc.ID, inst.UserID, rbac.RoleAdmin, "app installed", ""); err != nil {
			log.Warn("audit append failed", "err", err)
		}
	}

	log.Info("crm app installed", "crm_account_id", acc.CRMAccountID)
	c.JSON(http.StatusOK, gin.H{
		"account":       accountView(acc),
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
	})
}

// ConsentTrail lists the consent audit events for one recipient, newest first.
func (h Handlers) ConsentTrail(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
		return
	}
	phone := telephony.StripChannel(c.Param("phone"))

	events, err := h.Audit.ConsentTrail(c.Request.Context(), id.AccountID, phone, limit)
	if err != nil {
		if errors.Is(err, audit.ErrInvalidEvent) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "phone required"})
			return
		}
		logger.FromGin(c).Error("consent trail failed", "account_id", id.AccountID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch consent trail"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"recipient_phone": phone, "events": events})
}

type validateTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// ValidateToken lets the calling widget check a stored access token and
// fetch the account it belongs to.
func (h Handlers) ValidateToken(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req validateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "token required"})
		return
	}

	claims, err := h.Auth.Verify(req.Token, auth.TokenTypeAccess, time.Now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	acc, err := h.Accounts.Get(c.Request.Context(), claims.AccountID)
	if err != nil || !acc.IsActive {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "account not found or inactive"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":             true,
		"representative_id": claims.RepresentativeID,
		"role":              claims.Role,
		"account":           accountView(acc),
	})
}

// AccountConfig returns the caller's account configuration.
// RBAC: admin.
func (h Handlers) AccountConfig(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	acc, err := h.Accounts.Get(c.Request.Context(), id.AccountID)
	if err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "account lookup failed"})
		return
	}
	c.JSON(http.StatusOK, accountView(acc))
}

type channelAddressRequest struct {
	ChannelAddress string `json:"channel_address" binding:"required"`
}

// SetChannelAddress links the account to its messaging sender and registers
// the calling extension with the CRM (best-effort).
// RBAC: admin.
func (h Handlers) SetChannelAddress(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	var req channelAddressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "channel_address required"})
		return
	}
	log := logger.FromGin(c).With("account_id", id.AccountID)
	ctx := audit.WithClientIP(c.Request.Context(), c.ClientIP())

	acc, err := h.Accounts.SetChannelAddress(ctx, id.AccountID, telephony.StripChannel(req.ChannelAddress))
	if err != nil {
		switch {
		case errors.Is(err, accounts.ErrInvalidArgument):
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, accounts.ErrNotFound):
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "account not found"})
		case errors.Is(err, accounts.ErrDuplicate):
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "channel address already in use"})
		default:
			log.Error("set channel address failed", "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		}
		return
	}

	if h.Audit != nil {
		msg := fmt.Sprintf("channel address set to %s", acc.ChannelAddress)
		if err := h.Audit.LogAdminAction(ctx, acc.ID, id.RepresentativeID, id.Role, msg, ""); err != nil {
			log.Warn("audit append failed", "err", err)
		}
	}

	if h.CRM != nil && acc.CallingSettings.URL != "" {
		if err := h.CRM.ConfigureCallingSettings(ctx, acc.ID, acc.CallingSettings); err != nil {
			log.Warn("calling settings push failed", "err", err)
		}
	}

	c.JSON(http.StatusOK, accountView(acc))
}

type issueTokenRequest struct {
	RepresentativeID string `json:"representative_id" binding:"required"`
	Role             string `json:"role"`
}

// IssueRepresentativeToken mints a token pair for a representative of the
// caller's account, for provisioning the calling widget. Role defaults to
// representative.
// RBAC: admin.
func (h Handlers) IssueRepresentativeToken(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	var req issueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "representative_id required"})
		return
	}
	if req.Role == "" {
		req.Role = rbac.RoleRepresentative
	}
	if req.Role != rbac.RoleRepresentative && req.Role != rbac.RoleAdmin {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "role must be admin or representative"})
		return
	}

	pair, err := h.Auth.IssuePair(time.Now(), auth.Identity{
		RepresentativeID: req.RepresentativeID,
		AccountID:        id.AccountID,
		Role:             req.Role,
	})
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}

	ctx := audit.WithClientIP(c.Request.Context(), c.ClientIP())
	if h.Audit != nil {
		msg := fmt.Sprintf("token issued for representative %s (%s)", req.RepresentativeID, req.Role)
		if err := h.Audit.LogAdminAction(ctx, id.AccountID, id.RepresentativeID, id.Role, msg, ""); err != nil {
			logger.FromGin(c).Warn("audit append failed", "err", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

func accountView(acc accounts.Account) gin.H {
	return gin.H{
		"id":               acc.ID,
		"crm_account_id":   acc.CRMAccountID,
		"channel_address":  acc.ChannelAddress,
		"calling_settings": acc.CallingSettings,
		"is_active":        acc.IsActive,
	}
}
