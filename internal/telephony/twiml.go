package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

// Webhook paths, relative to the public base URL. TwiML documents point the
// provider back at these.
const (
	PathVoiceInbound         = "/webhooks/voice/inbound"
	PathVoiceOutbound        = "/webhooks/voice/outbound/"
	PathVoiceStatus          = "/webhooks/voice/status"
	PathVoiceDialStatus      = "/webhooks/voice/dial-status"
	PathVoiceClientStatus    = "/webhooks/voice/client-status"
	PathVoiceRecording       = "/webhooks/voice/recording"
	PathVoiceRecordingStatus = "/webhooks/voice/recording-status"
	PathMessagesIncoming     = "/webhooks/messages/incoming"
)

const (
	dialTimeoutSeconds = 30
	voicemailMaxLength = 120

	sayUnavailable = "Hello! Thank you for calling. The person you are trying to reach is not available right now."
	sayVoicemail   = "Please leave a message after the tone, and we will get back to you as soon as possible."
	sayGoodbye     = "Thank you for your message. Goodbye!"
	sayFailure     = "Sorry, we are experiencing technical difficulties. Please try again later."
)

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlSay struct {
	XMLName xml.Name `xml:"Say"`
	Text    string   `xml:",chardata"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type twimlDial struct {
	XMLName  xml.Name     `xml:"Dial"`
	Timeout  int          `xml:"timeout,attr,omitempty"`
	Action   string       `xml:"action,attr,omitempty"`
	Method   string       `xml:"method,attr,omitempty"`
	CallerID string       `xml:"callerId,attr,omitempty"`
	Client   *twimlClient `xml:"Client,omitempty"`
}

type twimlClient struct {
	Identity             string `xml:",chardata"`
	StatusCallback       string `xml:"statusCallback,attr,omitempty"`
	StatusCallbackMethod string `xml:"statusCallbackMethod,attr,omitempty"`
}

type twimlRecord struct {
	XMLName                 xml.Name `xml:"Record"`
	Action                  string   `xml:"action,attr"`
	Method                  string   `xml:"method,attr"`
	MaxLength               int      `xml:"maxLength,attr"`
	Transcribe              bool     `xml:"transcribe,attr"`
	RecordingStatusCallback string   `xml:"recordingStatusCallback,attr,omitempty"`
}

// ClientIdentity is the voice client identity a representative's browser
// registers with.
func ClientIdentity(representativeID string) string {
	return "user_" + representativeID
}

// TwiML renders voice responses. BaseURL is the public URL the provider
// reaches this service on; CallerID is optional.
type TwiML struct {
	BaseURL  string
	CallerID string
}

func (t TwiML) url(path string) string {
	return strings.TrimRight(t.BaseURL, "/") + path
}

// Inbound answers an inbound call. With a representative it rings their
// client for 30 seconds; otherwise it apologises. Either way the caller can
// leave a voicemail afterwards.
func (t TwiML) Inbound(representativeID string) (string, error) {
	var r twimlResponse
	if representativeID != "" {
		r.Verbs = append(r.Verbs, t.dialClient(representativeID, true))
	} else {
		r.Verbs = append(r.Verbs, twimlSay{Text: sayUnavailable})
	}

	r.Verbs = append(r.Verbs,
		twimlSay{Text: sayVoicemail},
		twimlRecord{
			Action:                  t.url(PathVoiceRecording),
			Method:                  "POST",
			MaxLength:               voicemailMaxLength,
			Transcribe:              true,
			RecordingStatusCallback: t.url(PathVoiceRecordingStatus),
		},
		twimlSay{Text: sayGoodbye},
	)
	return render(r)
}

// Outbound connects an answered outbound call to the representative's client.
func (t TwiML) Outbound(representativeID string) (string, error) {
	if strings.TrimSpace(representativeID) == "" {
		return "", errors.New("telephony: representative required for outbound connect")
	}
	return render(twimlResponse{Verbs: []any{t.dialClient(representativeID, false)}})
}

// Failure is the generic answer when routing could not complete.
func (t TwiML) Failure() (string, error) {
	return render(twimlResponse{Verbs: []any{twimlSay{Text: sayFailure}}})
}

// Hangup ends the call.
func (t TwiML) Hangup() (string, error) {
	return render(twimlResponse{Verbs: []any{twimlHangup{}}})
}

func (t TwiML) dialClient(representativeID string, withAction bool) twimlDial {
	d := twimlDial{
		Timeout:  dialTimeoutSeconds,
		CallerID: t.CallerID,
		Client: &twimlClient{
			Identity:             ClientIdentity(representativeID),
			StatusCallback:       t.url(PathVoiceClientStatus),
			StatusCallbackMethod: "POST",
		},
	}
	if withAction {
		d.Action = t.url(PathVoiceDialStatus)
		d.Method = "POST"
	}
	return d
}

func render(r twimlResponse) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
