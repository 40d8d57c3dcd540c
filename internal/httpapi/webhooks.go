package httpapi

import (
	"errors"
	"net/http"

	"callbridge/internal/accounts"
	"callbridge/internal/calls"
	"callbridge/internal/metrics"
	"callbridge/internal/notify"
	"callbridge/internal/routing"
	"callbridge/internal/telephony"
	"callbridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

const twimlContentType = "text/xml; charset=utf-8"

func (h Handlers) respondTwiML(c *gin.Context, render func() (string, error)) {
	doc, err := render()
	if err != nil {
		logger.FromGin(c).Error("twiml render failed", "err", err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, twimlContentType, []byte(doc))
}

func webhookEvent(kind, result string) {
	metrics.WebhookEvents.WithLabelValues(kind, result).Inc()
}

// VoiceInbound routes an inbound call and answers with TwiML. Any routing
// failure is answered with the generic failure message, never an HTTP error.
func (h Handlers) VoiceInbound(c *gin.Context) {
	log := logger.FromGin(c)

	in, err := telephony.ParseInboundCall(c.Request)
	if err != nil {
		webhookEvent("voice_inbound", "invalid")
		log.Warn("inbound call webhook rejected", "err", err)
		h.respondTwiML(c, h.TwiML.Failure)
		return
	}

	res, err := h.Router.RouteInbound(c.Request.Context(), routing.InboundRequest{
		ProviderCallID: in.CallSid,
		From:           in.From,
		To:             in.To,
	})
	if err != nil {
		webhookEvent("voice_inbound", "error")
		log.Error("inbound routing failed", "call_sid", in.CallSid, "to", in.To, "err", err)
		h.respondTwiML(c, h.TwiML.Failure)
		return
	}
	webhookEvent("voice_inbound", "ok")
	logger.Annotate(c, "call_sid", in.CallSid, "call_id", res.Call.ID, "decision", string(res.Decision))

	representativeID := ""
	if res.Decision.Direct() {
		representativeID = res.OwnerID
		if res.Presence != nil && h.Hub != nil {
			ev := notify.NewIncomingCall(res.Call, res.Contact, h.now())
			if !h.Hub.Send(res.Presence.ConnectionID, ev) {
				log.Warn("incoming call notification not delivered", "call_id", res.Call.ID, "representative_id", representativeID)
			}
		}
	}
	h.respondTwiML(c, func() (string, error) { return h.TwiML.Inbound(representativeID) })
}

// VoiceOutbound connects an answered outbound call to the representative
// who started it.
func (h Handlers) VoiceOutbound(c *gin.Context) {
	log := logger.FromGin(c)

	call, err := h.Calls.Get(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		if !errors.Is(err, calls.ErrNotFound) {
			log.Error("outbound call lookup failed", "call_id", c.Param("call_id"), "err", err)
		}
		webhookEvent("voice_outbound", "unknown")
		h.respondTwiML(c, h.TwiML.Failure)
		return
	}
	webhookEvent("voice_outbound", "ok")
	h.respondTwiML(c, func() (string, error) { return h.TwiML.Outbound(call.RepresentativeID) })
}

// VoiceStatus applies a call status callback and tells the assigned
// representative.
func (h Handlers) VoiceStatus(c *gin.Context) {
	h.applyStatus(c, "voice_status", telephony.ParseStatusCallback)
}

// VoiceDialStatus applies the outcome of ringing the representative.
func (h Handlers) VoiceDialStatus(c *gin.Context) {
	h.applyStatus(c, "voice_dial_status", telephony.ParseDialStatus)
}

func (h Handlers) applyStatus(c *gin.Context, kind string, parse func(*http.Request) (calls.StatusEvent, error)) {
	log := logger.FromGin(c)

	ev, err := parse(c.Request)
	if err != nil {
		webhookEvent(kind, "invalid")
		log.Warn("status webhook rejected", "kind", kind, "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid status callback"})
		return
	}

	logger.Annotate(c, "call_sid", ev.ProviderCallID, "call_status", string(ev.Status))
	call, found, err := h.Calls.ApplyStatus(c.Request.Context(), ev)
	if err != nil {
		webhookEvent(kind, "error")
		log.Error("status update failed", "call_sid", ev.ProviderCallID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "status update failed"})
		return
	}
	if !found {
		webhookEvent(kind, "unknown")
		c.String(http.StatusOK, "OK")
		return
	}
	webhookEvent(kind, "ok")

	h.notifyRepresentative(call.RepresentativeID, notify.NewCallStatusUpdate(call, h.now()))
	c.String(http.StatusOK, "OK")
}

// VoiceRecording stores the voicemail recording and hangs up.
func (h Handlers) VoiceRecording(c *gin.Context) {
	log := logger.FromGin(c)

	rec, err := telephony.ParseRecording(c.Request)
	if err != nil {
		webhookEvent("voice_recording", "invalid")
		log.Warn("recording webhook rejected", "err", err)
		h.respondTwiML(c, h.TwiML.Hangup)
		return
	}

	_, found, err := h.Calls.AttachRecording(c.Request.Context(), rec.CallSid, rec.RecordingURL, rec.TranscriptionText)
	switch {
	case err != nil:
		webhookEvent("voice_recording", "error")
		log.Error("recording attach failed", "call_sid", rec.CallSid, "err", err)
	case !found:
		webhookEvent("voice_recording", "unknown")
	default:
		webhookEvent("voice_recording", "ok")
		log.Info("recording attached", "call_sid", rec.CallSid)
	}
	h.respondTwiML(c, h.TwiML.Hangup)
}

// VoiceClientStatus and VoiceRecordingStatus are informational callbacks.
func (h Handlers) VoiceClientStatus(c *gin.Context) {
	h.logOnly(c, "voice_client_status", "CallStatus")
}

func (h Handlers) VoiceRecordingStatus(c *gin.Context) {
	h.logOnly(c, "voice_recording_status", "RecordingStatus")
}

func (h Handlers) logOnly(c *gin.Context, kind, statusField string) {
	logger.FromGin(c).Info("provider callback",
		"kind", kind,
		"call_sid", c.PostForm("CallSid"),
		"status", c.PostForm(statusField),
	)
	webhookEvent(kind, "ok")
	c.String(http.StatusOK, "OK")
}

// MessagesIncoming handles inbound channel messages. Only consent replies
// are acted on; everything else is acknowledged and dropped.
func (h Handlers) MessagesIncoming(c *gin.Context) {
	log := logger.FromGin(c)

	msg, err := telephony.ParseIncomingMessage(c.Request)
	if err != nil {
		webhookEvent("message", "invalid")
		log.Warn("message webhook rejected", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid message"})
		return
	}
	if !msg.IsPermissionReply() {
		webhookEvent("message", "ignored")
		c.String(http.StatusOK, "OK")
		return
	}

	ctx := c.Request.Context()
	acc, err := h.Accounts.FindByChannelAddress(ctx, msg.To)
	if err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			webhookEvent("permission_reply", "unknown")
			log.Warn("consent reply for unknown channel", "to", msg.To)
			c.String(http.StatusOK, "OK")
			return
		}
		webhookEvent("permission_reply", "error")
		log.Error("account lookup failed", "to", msg.To, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "account lookup failed"})
		return
	}

	res, err := h.Permissions.HandleResponse(ctx, msg.From, msg.ButtonPayload, acc.ID)
	if err != nil {
		webhookEvent("permission_reply", "error")
		log.Error("consent reply failed", "account_id", acc.ID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "consent reply failed"})
		return
	}
	if res.Applied {
		webhookEvent("permission_reply", "ok")
		log.Info("consent reply applied", "account_id", acc.ID, "status", res.Status)
	} else {
		webhookEvent("permission_reply", "stale")
	}
	c.String(http.StatusOK, "OK")
}
