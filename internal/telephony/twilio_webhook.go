package telephony

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"callbridge/internal/calls"
)

// Twilio sends application/x-www-form-urlencoded webhooks. These parsers
// turn them into typed inputs and strip the messaging channel prefix from
// addresses. No routing or persistence happens here.

var ErrMissingField = errors.New("telephony: missing webhook field")

// ChannelPrefix marks messaging-channel addresses ("whatsapp:+1555...").
const ChannelPrefix = "whatsapp:"

// Interactive reply markers for the consent prompt.
const (
	permissionReplyBody = "VOICE_CALL_REQUEST"
	interactiveType     = "interactive"
)

// StripChannel removes the channel prefix and surrounding spaces.
func StripChannel(addr string) string {
	return strings.TrimPrefix(strings.TrimSpace(addr), ChannelPrefix)
}

// WithChannel adds the channel prefix once.
func WithChannel(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, ChannelPrefix) {
		return addr
	}
	return ChannelPrefix + addr
}

type InboundCall struct {
	CallSid    string
	AccountSid string
	From       string
	To         string
	CallStatus string
}

func ParseInboundCall(r *http.Request) (InboundCall, error) {
	if err := r.ParseForm(); err != nil {
		return InboundCall{}, err
	}
	f := InboundCall{
		CallSid:    strings.TrimSpace(r.PostFormValue("CallSid")),
		AccountSid: r.PostFormValue("AccountSid"),
		From:       StripChannel(r.PostFormValue("From")),
		To:         StripChannel(r.PostFormValue("To")),
		CallStatus: r.PostFormValue("CallStatus"),
	}
	if f.CallSid == "" || f.From == "" || f.To == "" {
		return InboundCall{}, fmt.Errorf("%w: CallSid, From and To", ErrMissingField)
	}
	return f, nil
}

// ParseStatusCallback reads a call status callback (CallStatus/CallDuration).
func ParseStatusCallback(r *http.Request) (calls.StatusEvent, error) {
	return parseStatus(r, "CallStatus", "CallDuration")
}

// ParseDialStatus reads the <Dial action> callback (DialCallStatus/DialCallDuration).
func ParseDialStatus(r *http.Request) (calls.StatusEvent, error) {
	return parseStatus(r, "DialCallStatus", "DialCallDuration")
}

func parseStatus(r *http.Request, statusField, durationField string) (calls.StatusEvent, error) {
	if err := r.ParseForm(); err != nil {
		return calls.StatusEvent{}, err
	}
	sid := strings.TrimSpace(r.PostFormValue("CallSid"))
	raw := r.PostFormValue(statusField)
	if sid == "" || raw == "" {
		return calls.StatusEvent{}, fmt.Errorf("%w: CallSid and %s", ErrMissingField, statusField)
	}
	status, ok := calls.ParseProviderStatus(raw)
	if !ok {
		return calls.StatusEvent{}, fmt.Errorf("telephony: unknown call status %q", raw)
	}

	ev := calls.StatusEvent{
		ProviderCallID: sid,
		Status:         status,
		CallID:         strings.TrimSpace(r.URL.Query().Get(CallIDParam)),
	}
	if d := strings.TrimSpace(r.PostFormValue(durationField)); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil || n < 0 {
			return calls.StatusEvent{}, fmt.Errorf("telephony: invalid %s %q", durationField, d)
		}
		ev.Duration = &n
	}
	return ev, nil
}

type Recording struct {
	CallSid           string
	RecordingURL      string
	RecordingStatus   string
	TranscriptionText string
}

func ParseRecording(r *http.Request) (Recording, error) {
	if err := r.ParseForm(); err != nil {
		return Recording{}, err
	}
	rec := Recording{
		CallSid:           strings.TrimSpace(r.PostFormValue("CallSid")),
		RecordingURL:      r.PostFormValue("RecordingUrl"),
		RecordingStatus:   r.PostFormValue("RecordingStatus"),
		TranscriptionText: r.PostFormValue("TranscriptionText"),
	}
	if rec.CallSid == "" {
		return Recording{}, fmt.Errorf("%w: CallSid", ErrMissingField)
	}
	return rec, nil
}

type IncomingMessage struct {
	MessageSid    string
	From          string
	To            string
	Body          string
	ButtonPayload string
	MessageType   string
}

// IsPermissionReply reports whether the message is a tap on the consent
// prompt's buttons.
func (m IncomingMessage) IsPermissionReply() bool {
	return m.Body == permissionReplyBody && m.MessageType == interactiveType
}

func ParseIncomingMessage(r *http.Request) (IncomingMessage, error) {
	if err := r.ParseForm(); err != nil {
		return IncomingMessage{}, err
	}
	m := IncomingMessage{
		MessageSid:    r.PostFormValue("MessageSid"),
		From:          StripChannel(r.PostFormValue("From")),
		To:            StripChannel(r.PostFormValue("To")),
		Body:          strings.TrimSpace(r.PostFormValue("Body")),
		ButtonPayload: strings.TrimSpace(r.PostFormValue("ButtonPayload")),
		MessageType:   r.PostFormValue("MessageType"),
	}
	if m.From == "" || m.To == "" {
		return IncomingMessage{}, fmt.Errorf("%w: From and To", ErrMissingField)
	}
	return m, nil
}
