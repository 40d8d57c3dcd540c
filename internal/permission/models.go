// Package permission keeps the consent ledger and runs the consent workflow:
// a business may only call a consumer over the messaging channel after the
// consumer accepted a consent prompt in the last seven days.
package permission

import (
	"errors"
	"time"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusGranted Status = "granted"
	StatusDenied  Status = "denied"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

const (
	// GrantValidity is how long an accepted consent lasts.
	GrantValidity = 7 * 24 * time.Hour

	// RequestCooldown is the minimum gap between two consent prompts.
	RequestCooldown = 24 * time.Hour

	// RequestWindow and MaxRequestsPerWindow cap prompts over a rolling week.
	RequestWindow        = 7 * 24 * time.Hour
	MaxRequestsPerWindow = 2

	// AcceptPayload is the button payload of the "allow calls" reply.
	AcceptPayload = "ACCEPTED"
)

var (
	ErrNotFound        = errors.New("permission: not found")
	ErrInvalidArgument = errors.New("permission: invalid argument")
)

// Record is the consent state of one (recipient, account) pair.
//
// Invariants:
// - exactly one record per (RecipientPhone, AccountID)
// - Status granted implies ExpiresAt = GrantedAt + GrantValidity
// - a granted record past ExpiresAt is NOT permitted, whatever Status says
type Record struct {
	ID             string     `json:"id"`
	RecipientPhone string     `json:"recipient_phone"`
	AccountID      string     `json:"account_id"`
	Status         Status     `json:"status"`
	GrantedAt      *time.Time `json:"granted_at,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	RequestCount   int        `json:"request_count"`
	LastRequestAt  *time.Time `json:"last_request_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ExpiredAt reports whether a grant has lapsed at now.
func (r Record) ExpiredAt(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// RequestLog is one consent prompt that was actually delivered to the
// messaging provider. The rolling-week cap counts these.
type RequestLog struct {
	ID             string    `json:"id"`
	RecipientPhone string    `json:"recipient_phone"`
	AccountID      string    `json:"account_id"`
	MessageID      string    `json:"message_id"`
	RequestedAt    time.Time `json:"requested_at"`
}

// StatusChange is a conditional status update applied by the ledger.
type StatusChange struct {
	To        Status
	GrantedAt *time.Time
	ExpiresAt *time.Time
	At        time.Time
}

type CheckReason string

const (
	ReasonNoRecord   CheckReason = "no_permission_record"
	ReasonNotGranted CheckReason = "permission_not_granted"
	ReasonExpired    CheckReason = "permission_expired"
)

// CheckResult is the outcome of Check. Status is empty when no record exists.
type CheckResult struct {
	Permitted bool        `json:"permitted"`
	Reason    CheckReason `json:"reason,omitempty"`
	Status    Status      `json:"status,omitempty"`
	Record    *Record     `json:"record,omitempty"`
}

type ThrottleReason string

const (
	ThrottleDaily  ThrottleReason = "rate_limited_24h"
	ThrottleWeekly ThrottleReason = "rate_limited_7d"
)

// Throttle is the outcome of CanRequest.
type Throttle struct {
	Allowed       bool           `json:"allowed"`
	Reason        ThrottleReason `json:"reason,omitempty"`
	NextAllowedAt *time.Time     `json:"next_allowed_at,omitempty"`
	SentInWindow  int            `json:"sent_in_window"`
}

type RequestStatus string

const (
	RequestGranted     RequestStatus = "granted"
	RequestRateLimited RequestStatus = "rate_limited"
	RequestSent        RequestStatus = "permission_requested"
	RequestError       RequestStatus = "error"
)

// RequestResult is the discriminated outcome of RequestIfNeeded.
type RequestResult struct {
	Status        RequestStatus  `json:"status"`
	Reason        ThrottleReason `json:"reason,omitempty"`
	NextAllowedAt *time.Time     `json:"next_allowed_at,omitempty"`
	MessageID     string         `json:"message_id,omitempty"`
	Error         string         `json:"error,omitempty"`
	Record        *Record        `json:"record,omitempty"`
}

// ResponseResult is the outcome of HandleResponse. Applied is false for
// stray or duplicate replies.
type ResponseResult struct {
	Applied bool    `json:"applied"`
	Status  Status  `json:"status,omitempty"`
	Record  *Record `json:"record,omitempty"`
}
