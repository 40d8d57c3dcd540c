package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"callbridge/internal/upstream"
	"callbridge/pkg/logger"

	"github.com/goccy/go-json"
)

const apiVersion = "2010-04-01"

type TwilioConfig struct {
	APIBaseURL         string
	AccountSID         string
	AuthToken          string
	ConsentTemplateSID string
}

// Client is the Twilio REST client: consent prompts over the messaging
// channel and outbound voice calls. Every request goes through the shared
// breaker + retry caller.
type Client struct {
	cfg    TwilioConfig
	caller *upstream.Caller
	log    *slog.Logger
}

func NewClient(cfg TwilioConfig, caller *upstream.Caller, log *slog.Logger) *Client {
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	return &Client{cfg: cfg, caller: caller, log: logger.OrDefault(log).With("component", "twilio")}
}

type resourceResponse struct {
	Sid    string `json:"sid"`
	Status string `json:"status"`
}

// SendConsentRequest sends the "allow calls" template from the account's
// sender to the consumer and returns the message sid.
func (c *Client) SendConsentRequest(ctx context.Context, from, to, accountID string) (string, error) {
	if c.cfg.ConsentTemplateSID == "" {
		return "", errors.New("telephony: consent template not configured")
	}
	form := url.Values{
		"ContentSid": {c.cfg.ConsentTemplateSID},
		"From":       {WithChannel(from)},
		"To":         {WithChannel(to)},
	}
	sid, err := c.create(ctx, "Messages.json", form)
	if err != nil {
		return "", fmt.Errorf("send consent request: %w", err)
	}
	c.log.Info("consent request sent", "message_sid", sid, "account_id", accountID)
	return sid, nil
}

// OutboundCall asks the provider to call To from From. TwiMLURL is fetched
// when the callee answers; StatusCallbackURL receives lifecycle events.
type OutboundCall struct {
	From              string
	To                string
	TwiMLURL          string
	StatusCallbackURL string
}

// PlaceCall creates the call and returns its sid.
func (c *Client) PlaceCall(ctx context.Context, call OutboundCall) (string, error) {
	form := url.Values{
		"From":                 {WithChannel(call.From)},
		"To":                   {WithChannel(call.To)},
		"Url":                  {call.TwiMLURL},
		"StatusCallback":       {call.StatusCallbackURL},
		"StatusCallbackMethod": {"POST"},
		"StatusCallbackEvent":  {"initiated", "ringing", "answered", "completed"},
	}
	sid, err := c.create(ctx, "Calls.json", form)
	if err != nil {
		return "", fmt.Errorf("place call: %w", err)
	}
	return sid, nil
}

func (c *Client) create(ctx context.Context, resource string, form url.Values) (string, error) {
	endpoint := fmt.Sprintf("%s/%s/Accounts/%s/%s", c.cfg.APIBaseURL, apiVersion, url.PathEscape(c.cfg.AccountSID), resource)
	body := form.Encode()

	resp, err := c.caller.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return "", err
	}

	var out resourceResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return "", fmt.Errorf("decode %s: %w", resource, err)
	}
	if out.Sid == "" {
		return "", fmt.Errorf("%s: empty sid", resource)
	}
	return out.Sid, nil
}

// CallIDParam carries the internal call id on outbound status callbacks.
const CallIDParam = "call_id"

// CallPlacer adapts Client to the outbound call flow. Both the answer URL and
// the status callback embed the internal call id: the first connects the
// representative, the second matches callbacks that arrive before the
// provider id is stored.
type CallPlacer struct {
	Client  *Client
	BaseURL string
}

func (p CallPlacer) PlaceCall(ctx context.Context, callID, from, to string) (string, error) {
	base := strings.TrimRight(p.BaseURL, "/")
	return p.Client.PlaceCall(ctx, OutboundCall{
		From:              from,
		To:                to,
		TwiMLURL:          base + PathVoiceOutbound + url.PathEscape(callID),
		StatusCallbackURL: base + PathVoiceStatus + "?" + url.Values{CallIDParam: {callID}}.Encode(),
	})
}
