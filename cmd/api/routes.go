package main

import (
	"database/sql"
	"net/http"
	"time"

	"callbridge/internal/auth"
	"callbridge/internal/httpapi"
	"callbridge/internal/metrics"
	"callbridge/internal/rbac"
	"callbridge/internal/telephony"
	"callbridge/pkg/utils"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, db *sql.DB, webhookMW ...gin.HandlerFunc) {
	// public
	r.GET("/healthz", httpapi.Healthz)
	r.GET("/readyz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), db, 2*time.Second); err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", metrics.Handler())
	r.POST("/auth/validate", h.ValidateToken)
	r.GET("/hubspot/install", h.Install)

	// Provider webhooks. Signature validation is attached by main when enabled.
	hooks := r.Group("/webhooks")
	hooks.Use(webhookMW...)
	{
		hooks.POST(trimGroup(telephony.PathVoiceInbound), h.VoiceInbound)
		hooks.POST(trimGroup(telephony.PathVoiceOutbound)+":call_id", h.VoiceOutbound)
		hooks.POST(trimGroup(telephony.PathVoiceStatus), h.VoiceStatus)
		hooks.POST(trimGroup(telephony.PathVoiceDialStatus), h.VoiceDialStatus)
		hooks.POST(trimGroup(telephony.PathVoiceClientStatus), h.VoiceClientStatus)
		hooks.POST(trimGroup(telephony.PathVoiceRecording), h.VoiceRecording)
		hooks.POST(trimGroup(telephony.PathVoiceRecordingStatus), h.VoiceRecordingStatus)
		hooks.POST(trimGroup(telephony.PathMessagesIncoming), h.MessagesIncoming)
	}

	callers := []gin.HandlerFunc{rbac.RequireAccount(), rbac.RequireAnyRole(rbac.RoleAdmin, rbac.RoleRepresentative)}

	// The realtime stream also accepts ?access_token= since EventSource
	// cannot set headers.
	realtime := r.Group("/v1/realtime")
	realtime.Use(auth.RequireAccessTokenOrQuery(h.Auth))
	realtime.Use(callers...)
	{
		realtime.GET("", h.Realtime)
		realtime.POST("/calls/:call_id/accept", h.AcceptCall)
		realtime.POST("/calls/:call_id/reject", h.RejectCall)
	}

	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(h.Auth))
	{
		// CALLING routes
		calling := v1.Group("/calling")
		calling.Use(callers...)
		{
			calling.POST("/outbound", h.StartOutbound)
			calling.POST("/request-permission", h.RequestPermission)
			calling.GET("/permission-status/:phone", h.PermissionStatus)
			calling.GET("/history", h.History)
			calling.GET("/summary", h.Summary)
			calling.POST("/availability", h.SetAvailability)
		}

		// ACCOUNT admin routes
		admin := v1.Group("/accounts")
		admin.Use(rbac.RequireAccount(), rbac.RequireAnyRole(rbac.RoleAdmin))
		{
			admin.GET("/config", h.AccountConfig)
			admin.POST("/channel-address", h.SetChannelAddress)
			admin.POST("/tokens", h.IssueRepresentativeToken)
			admin.GET("/consent-trail/:phone", h.ConsentTrail)
		}
	}
}

// trimGroup turns an absolute webhook path into one relative to /webhooks.
func trimGroup(path string) string {
	return path[len("/webhooks"):]
}
