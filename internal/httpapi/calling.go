package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"callbridge/internal/accounts"
	"callbridge/internal/calls"
	"callbridge/internal/permission"
	"callbridge/internal/reporting"
	"callbridge/internal/telephony"
	"callbridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

const defaultSummaryWindow = 30 * 24 * time.Hour

type outboundCallRequest struct {
	To        string `json:"to" binding:"required"`
	ContactID string `json:"contact_id"`
}

// StartOutbound places a call for the authenticated representative. When
// consent is missing the response is 200 with initiated=false and the
// consent outcome; the client shows it instead of dialing.
func (h Handlers) StartOutbound(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	var req outboundCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to required"})
		return
	}

	res, err := h.Outbound.Start(c.Request.Context(), calls.OutboundRequest{
		AccountID:        id.AccountID,
		RepresentativeID: id.RepresentativeID,
		To:               telephony.StripChannel(req.To),
		ContactID:        req.ContactID,
	})
	if err != nil {
		switch {
		case errors.Is(err, calls.ErrInvalidArgument):
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, accounts.ErrNotFound):
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "account not found"})
		case errors.Is(err, calls.ErrNoChannelAddress):
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "account has no messaging sender configured"})
		default:
			logger.FromGin(c).Error("outbound call failed", "account_id", id.AccountID, "err", err)
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "failed to initiate call"})
		}
		return
	}
	c.JSON(http.StatusOK, res)
}

type permissionRequest struct {
	To string `json:"to" binding:"required"`
}

// RequestPermission sends a consent prompt unless consent is already in
// force or the throttle forbids it.
func (h Handlers) RequestPermission(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	var req permissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to required"})
		return
	}

	ctx := c.Request.Context()
	acc, err := h.Accounts.Get(ctx, id.AccountID)
	if err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "account lookup failed"})
		return
	}
	if acc.ChannelAddress == "" {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "account has no messaging sender configured"})
		return
	}

	res, err := h.Permissions.RequestIfNeeded(ctx, permission.Request{
		From:      acc.ChannelAddress,
		To:        telephony.StripChannel(req.To),
		AccountID: acc.ID,
	})
	if err != nil {
		if errors.Is(err, permission.ErrInvalidArgument) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		logger.FromGin(c).Error("permission request failed", "account_id", acc.ID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to request permission"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// PermissionStatus reports whether the consumer currently permits calls.
func (h Handlers) PermissionStatus(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	phone := telephony.StripChannel(c.Param("phone"))

	res, err := h.Permissions.Check(c.Request.Context(), phone, id.AccountID)
	if err != nil {
		if errors.Is(err, permission.ErrInvalidArgument) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "phone required"})
			return
		}
		logger.FromGin(c).Error("permission check failed", "account_id", id.AccountID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to check permission status"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// History lists the account's calls, newest first.
func (h Handlers) History(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	limit, err1 := queryInt(c, "limit")
	offset, err2 := queryInt(c, "offset")
	if err1 != nil || err2 != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit and offset must be integers"})
		return
	}

	out, err := h.Calls.History(c.Request.Context(), id.AccountID, limit, offset)
	if err != nil {
		logger.FromGin(c).Error("call history failed", "account_id", id.AccountID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch call history"})
		return
	}
	if out == nil {
		out = []calls.Call{}
	}
	c.JSON(http.StatusOK, gin.H{"calls": out, "limit": limit, "offset": offset})
}

// Summary reports call metrics over [from, to). Both are RFC 3339; the
// default window is the last 30 days.
func (h Handlers) Summary(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	to := h.now().UTC()
	from := to.Add(-defaultSummaryWindow)
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC 3339"})
			return
		}
		from = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC 3339"})
			return
		}
		to = t
	}

	out, err := h.Reporting.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		AccountID: id.AccountID,
		Range:     reporting.TimeRange{From: from, To: to},
	})
	if err != nil {
		if errors.Is(err, reporting.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid time range"})
			return
		}
		logger.FromGin(c).Error("calls summary failed", "account_id", id.AccountID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to build summary"})
		return
	}
	c.JSON(http.StatusOK, out)
}

type availabilityRequest struct {
	Available *bool `json:"available" binding:"required"`
}

// SetAvailability toggles whether the representative takes inbound calls.
// It only applies to a representative with a live realtime connection.
func (h Handlers) SetAvailability(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	var req availabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "available required"})
		return
	}

	if !h.Presence.SetAvailability(id.RepresentativeID, *req.Available) {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "no realtime connection registered"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "available": *req.Available})
}

func queryInt(c *gin.Context, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
