package reporting

import (
	"context"
	"errors"

	"callbridge/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository is the read side of the call store. calls.Repository fits.
//
// IMPORTANT: implementations must filter by account.
type Repository interface {
	List(ctx context.Context, f calls.ListFilter) ([]calls.Call, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

// CallsSummary aggregates one account's calls created within [From, To).
func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	r := req.Range
	if req.AccountID == "" || r.From.IsZero() || !r.To.After(r.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.List(ctx, calls.ListFilter{AccountID: req.AccountID, Since: r.From, Until: r.To})
	if err != nil {
		return CallsSummary{}, err
	}

	out := newSummary(req)
	for _, c := range rows {
		out.add(c)
	}
	out.finish()
	return out, nil
}
