package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
// It is append-only: there is no Update or Delete.
type Repository interface {
	Append(ctx context.Context, e Event) error
	ListByRecipient(ctx context.Context, accountID, phone string, limit int) ([]Event, error)
}

const (
	defaultTrailLimit = 50
	maxTrailLimit     = 500
)

// Service records the consent trail and admin actions.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to representatives.
// - Callers treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.AccountID == "" || e.Type == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	if e.IPAddress == "" {
		e.IPAddress = ClientIPFromContext(ctx)
	}
	return s.repo.Append(ctx, e)
}

// LogAdminAction records a configuration change made by an account admin.
func (s *Service) LogAdminAction(ctx context.Context, accountID, actorID, actorRole, message, metadata string) error {
	return s.Append(ctx, Event{
		AccountID: accountID,
		Type:      EventTypeAdminAction,
		ActorID:   actorID,
		ActorRole: actorRole,
		Message:   message,
		Metadata:  metadata,
	})
}

// ConsentTrail returns the newest-first history of consent events for one
// recipient within an account. limit <= 0 means the default page size.
func (s *Service) ConsentTrail(ctx context.Context, accountID, phone string, limit int) ([]Event, error) {
	if accountID == "" || phone == "" {
		return nil, ErrInvalidEvent
	}
	switch {
	case limit <= 0:
		limit = defaultTrailLimit
	case limit > maxTrailLimit:
		limit = maxTrailLimit
	}
	evs, err := s.repo.ListByRecipient(ctx, accountID, phone, limit)
	if err != nil {
		return nil, err
	}
	if evs == nil {
		evs = []Event{}
	}
	return evs, nil
}
