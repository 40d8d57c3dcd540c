package calls

import (
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("calls: not found")
	ErrDuplicate       = errors.New("calls: provider call id already recorded")
	ErrInvalidArgument = errors.New("calls: invalid argument")
)

// Call is one telephony session between a consumer and a business account.
//
// Invariants:
// - ProviderCallID is unique once set and never changes afterwards.
// - Status only moves forward along the state machine (see state.go).
// - DurationSeconds never decreases.
// - Rows are never deleted.
//
// Optional references (contact, representative, recording...) use "" for
// absent; the Postgres repository maps "" to NULL.
type Call struct {
	ID             string `json:"call_id"`
	ProviderCallID string `json:"provider_call_id,omitempty"`
	AccountID      string `json:"account_id"`
	ContactID      string `json:"contact_id,omitempty"`

	From      string     `json:"from"`
	To        string     `json:"to"`
	Direction Direction  `json:"direction"`
	Status    CallStatus `json:"status"`

	DurationSeconds int    `json:"duration"`
	RecordingURL    string `json:"recording_url,omitempty"`
	Transcript      string `json:"transcript,omitempty"`

	RepresentativeID string `json:"representative_id,omitempty"`
	RoutingDecision  string `json:"routing_decision,omitempty"`
	EngagementID     string `json:"engagement_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type CallStatus string

const (
	CallStatusInitiated  CallStatus = "initiated"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in-progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusNoAnswer   CallStatus = "no-answer"
	CallStatusBusy       CallStatus = "busy"
)

// StatusEvent is a provider status callback, already parsed.
// Duration is nil when the callback carried no duration.
type StatusEvent struct {
	ProviderCallID string
	Status         CallStatus
	Duration       *int

	// CallID is the internal id echoed back on outbound callbacks. It finds
	// the record when the callback beats the provider id being stored.
	CallID string
}

// ListFilter selects an account's calls. Zero Since/Until/Limit are unbounded.
type ListFilter struct {
	AccountID string
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}
