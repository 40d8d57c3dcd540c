package httpapi

import (
	"errors"
	"io"
	"net/http"
	"time"

	"callbridge/internal/calls"
	"callbridge/internal/notify"
	"callbridge/internal/rbac"
	"callbridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

const keepAliveInterval = 25 * time.Second

// Realtime is the representative's live event stream (server-sent events).
//
// Rules:
// - Connecting registers presence (available) under this stream's handle.
// - Disconnecting unregisters it, unless a newer stream replaced it.
// - The first event is "registered" and carries the connection id.
func (h Handlers) Realtime(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	if !rbac.CanCall(id.Role) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "role cannot take calls"})
		return
	}
	log := logger.FromGin(c).With("representative_id", id.RepresentativeID)

	sub := h.Hub.Subscribe(id.RepresentativeID, id.AccountID)
	h.Presence.Register(id.RepresentativeID, sub.ID)
	log.Info("realtime connected", "connection_id", sub.ID)

	defer func() {
		h.Presence.UnregisterConnection(id.RepresentativeID, sub.ID)
		h.Hub.Unsubscribe(sub.ID)
		log.Info("realtime disconnected", "connection_id", sub.ID)
	}()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent(string(notify.EventRegistered), notify.Event{
		Type: notify.EventRegistered,
		Data: notify.Registered{ConnectionID: sub.ID, RepresentativeID: id.RepresentativeID},
		At:   h.now(),
	})
	c.Writer.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	done := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-done:
			return false
		case ev, open := <-sub.Events:
			if !open {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-ticker.C:
			c.SSEvent("ping", gin.H{"at": h.now()})
			return true
		}
	})
}

// AcceptCall and RejectCall relay the representative's answer to an
// incoming-call notification to every open connection of the account.
func (h Handlers) AcceptCall(c *gin.Context) { h.callAction(c, true) }

func (h Handlers) RejectCall(c *gin.Context) { h.callAction(c, false) }

func (h Handlers) callAction(c *gin.Context, accepted bool) {
	id, ok := h.identity(c)
	if !ok {
		return
	}

	call, err := h.Calls.Get(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call lookup failed"})
		return
	}
	if call.AccountID != id.AccountID {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}

	ev := notify.NewCallAction(accepted, call, id.RepresentativeID, h.now())
	delivered := h.Hub.BroadcastAccount(call.AccountID, ev)
	logger.FromGin(c).Info("call action", "call_id", call.ID, "type", ev.Type, "delivered", delivered)
	c.JSON(http.StatusOK, gin.H{"success": true, "event": ev.Type})
}
