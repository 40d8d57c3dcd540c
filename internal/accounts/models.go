// Package accounts stores business accounts: one CRM installation linked to
// one messaging sender address.
package accounts

import (
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("accounts: not found")
	ErrInvalidArgument = errors.New("accounts: invalid argument")
	ErrDuplicate       = errors.New("accounts: channel address already in use")
)

// Account is a business tenant.
//
// Invariants:
// - CRMAccountID is unique (one row per CRM installation).
// - ChannelAddress, when set, is unique across active accounts.
// - Tokens are secrets; never log them.
type Account struct {
	ID              string          `json:"id"`
	CRMAccountID    string          `json:"crm_account_id"`
	AccessToken     string          `json:"-"`
	RefreshToken    string          `json:"-"`
	TokenExpiresAt  time.Time       `json:"token_expires_at"`
	ChannelAddress  string          `json:"channel_address,omitempty"`
	CallingSettings CallingSettings `json:"calling_settings"`
	IsActive        bool            `json:"is_active"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TokenExpired reports whether the stored access token must be refreshed.
// skew refreshes a little early so in-flight calls do not race expiry.
func (a Account) TokenExpired(now time.Time, skew time.Duration) bool {
	return !now.Add(skew).Before(a.TokenExpiresAt)
}

// CallingSettings is the calling-extension registration pushed to the CRM.
type CallingSettings struct {
	Name   string `json:"name,omitempty"`
	URL    string `json:"url,omitempty"`
	Height int    `json:"height,omitempty"`
	Width  int    `json:"width,omitempty"`
}

// Install is the data captured when a CRM installation authorizes the app.
type Install struct {
	CRMAccountID   string    `json:"crm_account_id" validate:"required"`
	AccessToken    string    `json:"access_token" validate:"required"`
	RefreshToken   string    `json:"refresh_token" validate:"required"`
	TokenExpiresAt time.Time `json:"token_expires_at" validate:"required"`
}
