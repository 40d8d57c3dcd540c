// Package notify carries live events to representatives' realtime
// connections.
package notify

import (
	"time"

	"callbridge/internal/calls"
	"callbridge/internal/crm"
)

type EventType string

const (
	EventIncomingCall     EventType = "incoming_call"
	EventCallAccepted     EventType = "call_accepted"
	EventCallRejected     EventType = "call_rejected"
	EventCallStatusUpdate EventType = "call_status_update"

	// EventRegistered is the first event on every stream; it carries the
	// connection id.
	EventRegistered EventType = "registered"
)

type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
	At   time.Time `json:"at"`
}

type IncomingCall struct {
	CallID         string       `json:"call_id"`
	ProviderCallID string       `json:"call_sid"`
	From           string       `json:"from_number"`
	ContactName    string       `json:"contact_name,omitempty"`
	Contact        *crm.Contact `json:"contact,omitempty"`
}

type CallAction struct {
	CallID           string `json:"call_id"`
	ProviderCallID   string `json:"call_sid,omitempty"`
	RepresentativeID string `json:"representative_id"`
}

type CallStatusUpdate struct {
	CallID         string           `json:"call_id"`
	ProviderCallID string           `json:"call_sid"`
	Status         calls.CallStatus `json:"status"`
	Duration       int              `json:"duration"`
}

type Registered struct {
	ConnectionID     string `json:"connection_id"`
	RepresentativeID string `json:"representative_id"`
}

func NewIncomingCall(c calls.Call, contact *crm.Contact, at time.Time) Event {
	p := IncomingCall{CallID: c.ID, ProviderCallID: c.ProviderCallID, From: c.From, Contact: contact}
	if contact != nil {
		p.ContactName = contact.DisplayName()
	}
	return Event{Type: EventIncomingCall, Data: p, At: at}
}

func NewCallAction(accepted bool, c calls.Call, representativeID string, at time.Time) Event {
	t := EventCallRejected
	if accepted {
		t = EventCallAccepted
	}
	return Event{Type: t, Data: CallAction{CallID: c.ID, ProviderCallID: c.ProviderCallID, RepresentativeID: representativeID}, At: at}
}

func NewCallStatusUpdate(c calls.Call, at time.Time) Event {
	return Event{
		Type: EventCallStatusUpdate,
		Data: CallStatusUpdate{CallID: c.ID, ProviderCallID: c.ProviderCallID, Status: c.Status, Duration: c.DurationSeconds},
		At:   at,
	}
}
