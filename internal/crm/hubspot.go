package crm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"callbridge/internal/accounts"
	"callbridge/internal/upstream"
	"callbridge/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	// call → contact association, HubSpot-defined.
	callToContactAssociation = 194

	tokenSkew     = time.Minute
	tokenCacheTTL = 5 * time.Minute
)

// TokenStore reads and persists per-account OAuth credentials.
type TokenStore interface {
	Get(ctx context.Context, id string) (accounts.Account, error)
	UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error
}

type Config struct {
	BaseURL         string
	ClientID        string
	ClientSecret    string
	AppID           string
	PhoneProperties []string
}

// Client is the HubSpot implementation of the CRM collaborators.
// All calls are keyed by the internal account id.
type Client struct {
	cfg    Config
	caller *upstream.Caller
	store  TokenStore
	tokens *expirable.LRU[string, string]
	group  singleflight.Group
	log    *slog.Logger

	Now func() time.Time
}

func NewClient(cfg Config, caller *upstream.Caller, store TokenStore, log *slog.Logger) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if len(cfg.PhoneProperties) == 0 {
		cfg.PhoneProperties = []string{"phone", "mobilephone"}
	}
	return &Client{
		cfg:    cfg,
		caller: caller,
		store:  store,
		tokens: expirable.NewLRU[string, string](512, nil, tokenCacheTTL),
		log:    logger.OrDefault(log).With("component", "hubspot"),
		Now:    time.Now,
	}
}

// FindContactByPhone returns the first contact whose phone properties equal
// phone. The boolean is false when nothing matches.
func (c *Client) FindContactByPhone(ctx context.Context, phone, accountID string) (Contact, bool, error) {
	req := searchRequest{
		Properties: []string{"firstname", "lastname", "email", "phone", "mobilephone", "hubspot_owner_id"},
		Limit:      1,
	}
	// One group per property: groups are OR-ed, filters within a group AND-ed.
	for _, p := range c.cfg.PhoneProperties {
		req.FilterGroups = append(req.FilterGroups, searchFilterGroup{
			Filters: []searchFilter{{PropertyName: p, Operator: "EQ", Value: phone}},
		})
	}

	var out searchResponse
	if err := c.call(ctx, accountID, http.MethodPost, "/crm/v3/objects/contacts/search", req, &out); err != nil {
		return Contact{}, false, fmt.Errorf("search contact: %w", err)
	}
	if len(out.Results) == 0 {
		return Contact{}, false, nil
	}

	r := out.Results[0]
	return Contact{
		ID:          r.ID,
		OwnerID:     r.Properties["hubspot_owner_id"],
		FirstName:   r.Properties["firstname"],
		LastName:    r.Properties["lastname"],
		Email:       r.Properties["email"],
		Phone:       r.Properties["phone"],
		MobilePhone: r.Properties["mobilephone"],
	}, true, nil
}

// RecordCallEngagement creates a call engagement associated with the contact.
func (c *Client) RecordCallEngagement(ctx context.Context, contactID string, s CallSummary, accountID string) (string, error) {
	at := s.OccurredAt
	if at.IsZero() {
		at = c.Now()
	}
	props := map[string]string{
		"hs_timestamp":        strconv.FormatInt(at.UnixMilli(), 10),
		"hs_call_title":       callTitle(s.Direction),
		"hs_call_body":        s.Transcript,
		"hs_call_direction":   strings.ToUpper(s.Direction),
		"hs_call_duration":    strconv.FormatInt(int64(s.DurationSeconds)*1000, 10),
		"hs_call_from_number": s.From,
		"hs_call_to_number":   s.To,
		"hs_call_status":      engagementStatus(s.Status),
	}
	if s.RecordingURL != "" {
		props["hs_call_recording_url"] = s.RecordingURL
	}

	body := engagementRequest{Properties: props}
	if contactID != "" {
		var a association
		a.To.ID = contactID
		a.Types = []associationType{{Category: "HUBSPOT_DEFINED", TypeID: callToContactAssociation}}
		body.Associations = []association{a}
	}

	var out objectResponse
	if err := c.call(ctx, accountID, http.MethodPost, "/crm/v3/objects/calls", body, &out); err != nil {
		return "", fmt.Errorf("create call engagement: %w", err)
	}
	return out.ID, nil
}

// ConfigureCallingSettings registers the calling extension for the app.
func (c *Client) ConfigureCallingSettings(ctx context.Context, accountID string, s accounts.CallingSettings) error {
	if c.cfg.AppID == "" {
		return errors.New("hubspot app id not configured")
	}
	body := callingSettingsRequest{
		Name:                  s.Name,
		URL:                   s.URL,
		Height:                orDefault(s.Height, 600),
		Width:                 orDefault(s.Width, 400),
		IsReady:               true,
		SupportsCustomObjects: true,
	}
	path := "/crm/v3/extensions/calling/" + url.PathEscape(c.cfg.AppID) + "/settings"
	if err := c.call(ctx, accountID, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("configure calling settings: %w", err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, accountID, method, path string, in, out any) error {
	token, err := c.accessToken(ctx, accountID)
	if err != nil {
		return err
	}

	var payload []byte
	if in != nil {
		if payload, err = json.Marshal(in); err != nil {
			return err
		}
	}

	resp, err := c.caller.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if upstream.IsStatus(err, http.StatusUnauthorized) {
		// Revoked or rotated elsewhere; force a reload next time.
		c.tokens.Remove(accountID)
	}
	if err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Body, out)
}

// accessToken returns a usable token for the account, refreshing it when the
// stored one is (about to be) expired. Concurrent refreshes are collapsed.
func (c *Client) accessToken(ctx context.Context, accountID string) (string, error) {
	if tok, ok := c.tokens.Get(accountID); ok {
		return tok, nil
	}
	v, err, _ := c.group.Do(accountID, func() (any, error) {
		acc, err := c.store.Get(ctx, accountID)
		if errors.Is(err, accounts.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrAccountMissing, accountID)
		}
		if err != nil {
			return "", err
		}
		if !acc.TokenExpired(c.Now(), tokenSkew) {
			c.tokens.Add(accountID, acc.AccessToken)
			return acc.AccessToken, nil
		}
		return c.refresh(ctx, acc)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) refresh(ctx context.Context, acc accounts.Account) (string, error) {
	tr, err := c.postToken(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"refresh_token": {acc.RefreshToken},
	})
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	if tr.RefreshToken == "" {
		tr.RefreshToken = acc.RefreshToken
	}
	expires := c.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	if err := c.store.UpdateTokens(ctx, acc.ID, tr.AccessToken, tr.RefreshToken, expires); err != nil {
		return "", fmt.Errorf("store refreshed token: %w", err)
	}

	c.log.Info("access token refreshed", "account_id", acc.ID, "expires_at", expires)
	c.tokens.Add(acc.ID, tr.AccessToken)
	return tr.AccessToken, nil
}

// Installation is the outcome of an OAuth install: the credentials to store
// and the CRM user who authorized the app.
type Installation struct {
	Install accounts.Install
	UserID  string
}

// ExchangeCode trades an OAuth authorization code for tokens and looks up
// which portal (and user) they belong to.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) (Installation, error) {
	if strings.TrimSpace(code) == "" {
		return Installation{}, errors.New("crm: authorization code required")
	}
	tr, err := c.postToken(ctx, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"redirect_uri":  {redirectURI},
		"code":          {code},
	})
	if err != nil {
		return Installation{}, fmt.Errorf("exchange code: %w", err)
	}

	resp, err := c.caller.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/oauth/v1/access-tokens/"+url.PathEscape(tr.AccessToken), nil)
	})
	if err != nil {
		return Installation{}, fmt.Errorf("token info: %w", err)
	}
	var info tokenInfo
	if err := json.Unmarshal(resp.Body, &info); err != nil {
		return Installation{}, fmt.Errorf("decode token info: %w", err)
	}
	if info.HubID == 0 {
		return Installation{}, errors.New("crm: token info without hub id")
	}

	return Installation{
		Install: accounts.Install{
			CRMAccountID:   strconv.FormatInt(info.HubID, 10),
			AccessToken:    tr.AccessToken,
			RefreshToken:   tr.RefreshToken,
			TokenExpiresAt: c.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
		},
		UserID: strconv.FormatInt(info.UserID, 10),
	}, nil
}

func (c *Client) postToken(ctx context.Context, form url.Values) (tokenResponse, error) {
	body := form.Encode()
	resp, err := c.caller.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/oauth/v1/token", strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		return tokenResponse{}, err
	}

	var tr tokenResponse
	if err := json.Unmarshal(resp.Body, &tr); err != nil {
		return tokenResponse{}, fmt.Errorf("decode token: %w", err)
	}
	if tr.AccessToken == "" {
		return tokenResponse{}, errors.New("crm: token response without access token")
	}
	return tr, nil
}

func callTitle(direction string) string {
	if strings.EqualFold(direction, "outbound") {
		return "Outbound WhatsApp call"
	}
	return "Inbound WhatsApp call"
}

func engagementStatus(s string) string {
	switch strings.ToLower(s) {
	case "completed":
		return "COMPLETED"
	case "busy":
		return "BUSY"
	case "no-answer":
		return "NO_ANSWER"
	case "failed":
		return "FAILED"
	case "ringing":
		return "RINGING"
	case "in-progress":
		return "IN_PROGRESS"
	default:
		return "QUEUED"
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
