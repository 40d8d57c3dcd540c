package routing

import "callbridge/internal/presence"

// Decision is the disposition of one inbound call.
//
// Only DecisionOwner rings a representative. The other three are fallbacks:
// the caller hears an apology and is offered voicemail.
type Decision string

const (
	DecisionOwner            Decision = "owner"
	DecisionOwnerBusy        Decision = "owner_busy"
	DecisionOwnerOffline     Decision = "owner_offline"
	DecisionNoContactOrOwner Decision = "no_contact_or_owner"
)

// Direct reports whether the call goes straight to a representative.
func (d Decision) Direct() bool { return d == DecisionOwner }

// Decide applies the routing precedence. First match wins:
//  1. no owner (or no contact)   -> no_contact_or_owner
//  2. owner not registered       -> owner_offline
//  3. owner registered, not available -> owner_busy
//  4. otherwise                  -> owner
//
// Decide has no side effects; it is the whole routing policy.
func Decide(ownerID string, entry presence.Entry, present bool) Decision {
	switch {
	case ownerID == "":
		return DecisionNoContactOrOwner
	case !present:
		return DecisionOwnerOffline
	case !entry.Available:
		return DecisionOwnerBusy
	default:
		return DecisionOwner
	}
}
