package calls

import "strings"

// Call state machine:
//
//	initiated -> ringing -> in-progress -> completed
//	    \           \            \
//	     +-----------+------------+--> failed | no-answer | busy
//
// Rules:
// - A status only replaces one of lower rank. Providers may skip steps
//   (initiated -> completed) because intermediate callbacks are optional.
// - Terminal statuses are sticky: a late "ringing" after "completed" is
//   dropped, as is a second terminal status for the same leg.
// - Equal status is a no-op for the status but still carries duration.

func rank(s CallStatus) int {
	switch s {
	case CallStatusInitiated:
		return 0
	case CallStatusRinging:
		return 1
	case CallStatusInProgress:
		return 2
	case CallStatusCompleted, CallStatusFailed, CallStatusNoAnswer, CallStatusBusy:
		return 3
	default:
		return -1
	}
}

// Terminal reports whether the leg is over.
func (s CallStatus) Terminal() bool { return rank(s) == 3 }

// Valid reports whether s is a known status.
func (s CallStatus) Valid() bool { return rank(s) >= 0 }

// CanAdvance reports whether a record in from may move to to.
func CanAdvance(from, to CallStatus) bool {
	if !to.Valid() || from.Terminal() {
		return false
	}
	return rank(to) > rank(from)
}

// ParseProviderStatus maps a provider status string (CallStatus or
// DialCallStatus) onto the state machine. Unknown values report false.
func ParseProviderStatus(raw string) (CallStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "initiated":
		return CallStatusInitiated, true
	case "ringing":
		return CallStatusRinging, true
	case "in-progress", "in_progress", "answered":
		return CallStatusInProgress, true
	case "completed":
		return CallStatusCompleted, true
	case "busy":
		return CallStatusBusy, true
	case "no-answer", "no_answer":
		return CallStatusNoAnswer, true
	case "failed", "canceled":
		return CallStatusFailed, true
	default:
		return "", false
	}
}

// apply folds a status event into c and reports what changed.
func apply(c *Call, ev StatusEvent) (statusChanged, durationChanged bool) {
	if CanAdvance(c.Status, ev.Status) {
		c.Status = ev.Status
		statusChanged = true
	}
	if ev.Duration != nil && *ev.Duration > c.DurationSeconds {
		c.DurationSeconds = *ev.Duration
		durationChanged = true
	}
	return statusChanged, durationChanged
}
