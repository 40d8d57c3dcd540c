package reporting

import (
	"time"

	"callbridge/internal/calls"
	"callbridge/internal/routing"
)

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest asks for one account's call metrics over [From, To).
type CallsSummaryRequest struct {
	AccountID string    `json:"account_id"`
	Range     TimeRange `json:"range"`
}

type CallsSummary struct {
	AccountID string    `json:"account_id"`
	Range     TimeRange `json:"range"`

	TotalCalls    int `json:"total_calls"`
	InboundCalls  int `json:"inbound_calls"`
	OutboundCalls int `json:"outbound_calls"`

	// ByStatus counts calls by their latest status.
	ByStatus map[calls.CallStatus]int `json:"by_status"`

	// AnswerRate is completed / terminal calls, 0 when nothing has ended.
	AnswerRate float64 `json:"answer_rate"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	// Voicemails counts calls that left a recording.
	Voicemails int `json:"voicemails"`

	// RoutedToOwner counts inbound calls that rang the contact owner directly.
	RoutedToOwner int `json:"routed_to_owner"`

	// Decisions is the inbound routing breakdown by decision.
	Decisions map[string]int `json:"routing_decisions"`

	// Representatives breaks calls down by the representative they were
	// assigned to. Unassigned calls are not listed.
	Representatives map[string]RepresentativeStats `json:"representatives"`

	terminal int
}

type RepresentativeStats struct {
	Calls           int `json:"calls"`
	Completed       int `json:"completed"`
	DurationSeconds int `json:"duration_seconds"`
}

func newSummary(req CallsSummaryRequest) CallsSummary {
	return CallsSummary{
		AccountID:       req.AccountID,
		Range:           req.Range,
		ByStatus:        map[calls.CallStatus]int{},
		Decisions:       map[string]int{},
		Representatives: map[string]RepresentativeStats{},
	}
}

func (s *CallsSummary) add(c calls.Call) {
	s.TotalCalls++
	s.ByStatus[c.Status]++
	s.TotalDurationSeconds += c.DurationSeconds
	if c.RecordingURL != "" {
		s.Voicemails++
	}
	if c.Status.Terminal() {
		s.terminal++
	}

	switch c.Direction {
	case calls.DirectionInbound:
		s.InboundCalls++
		if c.RoutingDecision != "" {
			s.Decisions[c.RoutingDecision]++
		}
		if c.RoutingDecision == string(routing.DecisionOwner) {
			s.RoutedToOwner++
		}
	case calls.DirectionOutbound:
		s.OutboundCalls++
	}

	if c.RepresentativeID == "" {
		return
	}
	rs := s.Representatives[c.RepresentativeID]
	rs.Calls++
	rs.DurationSeconds += c.DurationSeconds
	if c.Status == calls.CallStatusCompleted {
		rs.Completed++
	}
	s.Representatives[c.RepresentativeID] = rs
}

func (s *CallsSummary) finish() {
	if s.TotalCalls > 0 {
		s.AverageDurationSeconds = s.TotalDurationSeconds / s.TotalCalls
	}
	if s.terminal > 0 {
		s.AnswerRate = float64(s.ByStatus[calls.CallStatusCompleted]) / float64(s.terminal)
	}
}
