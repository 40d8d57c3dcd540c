package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - account_id is required for tenancy isolation.
// - Audit is best-effort; do not block consent or call flows on audit failures.
//
// Storage: table audit_events, INSERT-only, indexed by (account_id, created_at).
type Event struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Type      EventType `json:"type"`

	// ActorID is the representative or operator causing the event, if any.
	// Consent transitions driven by the recipient or by expiry have no actor.
	ActorID   string `json:"actor_id,omitempty"`
	ActorRole string `json:"actor_role,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`

	RecipientPhone string `json:"recipient_phone,omitempty"`
	PermissionID   string `json:"permission_id,omitempty"`
	CallID         string `json:"call_id,omitempty"`

	PreviousStatus string `json:"previous_status,omitempty"`
	CurrentStatus  string `json:"current_status,omitempty"`

	Message  string `json:"message,omitempty"`
	Metadata string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

type EventType string

const (
	EventTypePermissionRequested EventType = "permission_requested"
	EventTypePermissionGranted   EventType = "permission_granted"
	EventTypePermissionDenied    EventType = "permission_denied"
	EventTypePermissionExpired   EventType = "permission_expired"
	EventTypeAdminAction         EventType = "admin_action"
)
