package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"callbridge/internal/crm"
	"callbridge/pkg/logger"

	"github.com/google/uuid"
)

// EngagementRecorder writes a finished call to the CRM.
type EngagementRecorder interface {
	RecordCallEngagement(ctx context.Context, contactID string, s crm.CallSummary, accountID string) (string, error)
}

// Submitter runs best-effort work off the request path. *ants.Pool fits.
type Submitter interface {
	Submit(task func()) error
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
	engagementTimeout   = 30 * time.Second
)

// Service owns call records and applies provider callbacks to them.
type Service struct {
	repo        Repository
	engagements EngagementRecorder
	pool        Submitter
	log         *slog.Logger

	Now   func() time.Time
	NewID func() string
}

func NewService(repo Repository, log *slog.Logger) *Service {
	return &Service{
		repo:  repo,
		log:   logger.OrDefault(log),
		Now:   time.Now,
		NewID: uuid.NewString,
	}
}

// WithEngagements enables CRM engagement recording for completed calls.
func (s *Service) WithEngagements(rec EngagementRecorder, pool Submitter) *Service {
	s.engagements = rec
	s.pool = pool
	return s
}

// Create persists a new call in status initiated.
func (s *Service) Create(ctx context.Context, c Call) (Call, error) {
	if c.AccountID == "" || c.From == "" || c.To == "" {
		return Call{}, fmt.Errorf("%w: account, from and to are required", ErrInvalidArgument)
	}
	if c.Direction != DirectionInbound && c.Direction != DirectionOutbound {
		return Call{}, fmt.Errorf("%w: direction %q", ErrInvalidArgument, c.Direction)
	}

	now := s.Now().UTC()
	if c.ID == "" {
		c.ID = s.NewID()
	}
	c.Status = CallStatusInitiated
	c.CreatedAt, c.UpdatedAt = now, now

	if err := s.repo.Create(ctx, c); err != nil {
		return Call{}, err
	}
	return c, nil
}

func (s *Service) Get(ctx context.Context, id string) (Call, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) GetByProviderCallID(ctx context.Context, providerCallID string) (Call, error) {
	return s.repo.GetByProviderCallID(ctx, providerCallID)
}

// SetProviderCallID records the provider id once the provider accepted the call.
func (s *Service) SetProviderCallID(ctx context.Context, id, providerCallID string) (Call, error) {
	if providerCallID == "" {
		return Call{}, ErrInvalidArgument
	}
	return s.repo.Update(ctx, id, func(c *Call) error {
		if c.ProviderCallID != "" && c.ProviderCallID != providerCallID {
			return fmt.Errorf("%w: provider call id already set", ErrInvalidArgument)
		}
		c.ProviderCallID = providerCallID
		c.UpdatedAt = s.Now().UTC()
		return nil
	})
}

// MarkFailed moves a call to failed, e.g. when the provider refused to dial.
func (s *Service) MarkFailed(ctx context.Context, id string) (Call, error) {
	return s.repo.Update(ctx, id, func(c *Call) error {
		if CanAdvance(c.Status, CallStatusFailed) {
			c.Status = CallStatusFailed
			c.UpdatedAt = s.Now().UTC()
		}
		return nil
	})
}

// ApplyStatus folds a provider status callback into the matching call.
// found is false for an unknown provider call id; that is logged, not an error.
func (s *Service) ApplyStatus(ctx context.Context, ev StatusEvent) (c Call, found bool, err error) {
	if ev.ProviderCallID == "" || !ev.Status.Valid() {
		return Call{}, false, fmt.Errorf("%w: provider call id and status are required", ErrInvalidArgument)
	}
	log := s.log.With("provider_call_id", ev.ProviderCallID, "status", ev.Status)

	existing, err := s.findForStatus(ctx, ev)
	if errors.Is(err, ErrNotFound) {
		log.Warn("status callback for unknown call dropped")
		return Call{}, false, nil
	}
	if err != nil {
		return Call{}, false, err
	}

	ctx = context.WithoutCancel(ctx)
	var statusChanged bool
	updated, err := s.repo.Update(ctx, existing.ID, func(c *Call) error {
		if c.ProviderCallID == "" {
			c.ProviderCallID = ev.ProviderCallID
		}
		sc, dc := apply(c, ev)
		if sc || dc {
			c.UpdatedAt = s.Now().UTC()
		}
		statusChanged = sc
		return nil
	})
	if err != nil {
		return Call{}, true, err
	}
	if !statusChanged && updated.Status != ev.Status {
		log.Info("out-of-order status ignored", "current", updated.Status)
	}

	// Only the transition into completed records the engagement. Status and
	// dial-status callbacks both report completed for the same leg, and the
	// row lock in Update lets exactly one of them see the change.
	if statusChanged && updated.Status == CallStatusCompleted {
		s.recordEngagement(updated)
	}
	return updated, true, nil
}

// findForStatus resolves the call by provider id, falling back to the
// internal id for outbound legs whose provider id is not stored yet.
func (s *Service) findForStatus(ctx context.Context, ev StatusEvent) (Call, error) {
	c, err := s.repo.GetByProviderCallID(ctx, ev.ProviderCallID)
	if !errors.Is(err, ErrNotFound) || ev.CallID == "" {
		return c, err
	}
	if _, perr := uuid.Parse(ev.CallID); perr != nil {
		return Call{}, ErrNotFound
	}
	c, err = s.repo.Get(ctx, ev.CallID)
	if err != nil {
		return Call{}, err
	}
	if c.ProviderCallID != "" && c.ProviderCallID != ev.ProviderCallID {
		// the echoed id belongs to a different leg
		return Call{}, ErrNotFound
	}
	return c, nil
}

// AttachRecording stores a recording reference and transcript. Allowed in
// any status, including terminal ones.
func (s *Service) AttachRecording(ctx context.Context, providerCallID, url, transcript string) (Call, bool, error) {
	existing, err := s.repo.GetByProviderCallID(ctx, providerCallID)
	if errors.Is(err, ErrNotFound) {
		s.log.Warn("recording for unknown call dropped", "provider_call_id", providerCallID)
		return Call{}, false, nil
	}
	if err != nil {
		return Call{}, false, err
	}

	updated, err := s.repo.Update(context.WithoutCancel(ctx), existing.ID, func(c *Call) error {
		if url != "" {
			c.RecordingURL = url
		}
		if transcript != "" {
			c.Transcript = transcript
		}
		c.UpdatedAt = s.Now().UTC()
		return nil
	})
	if err != nil {
		return Call{}, true, err
	}
	return updated, true, nil
}

// History lists an account's calls, newest first.
func (s *Service) History(ctx context.Context, accountID string, limit, offset int) ([]Call, error) {
	if accountID == "" {
		return nil, ErrInvalidArgument
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.List(ctx, ListFilter{AccountID: accountID, Limit: limit, Offset: offset})
}

// recordEngagement hands the CRM write to the worker pool. It never blocks
// or fails the caller; outcomes are only logged.
func (s *Service) recordEngagement(c Call) {
	if s.engagements == nil || c.ContactID == "" || c.EngagementID != "" {
		return
	}
	task := func() {
		ctx, cancel := context.WithTimeout(context.Background(), engagementTimeout)
		defer cancel()
		s.writeEngagement(ctx, c)
	}
	if s.pool == nil {
		task()
		return
	}
	if err := s.pool.Submit(task); err != nil {
		s.log.Warn("engagement task rejected", "call_id", c.ID, "err", err)
	}
}

func (s *Service) writeEngagement(ctx context.Context, c Call) {
	log := s.log.With("call_id", c.ID, "account_id", c.AccountID)

	id, err := s.engagements.RecordCallEngagement(ctx, c.ContactID, crm.CallSummary{
		Direction:       string(c.Direction),
		Status:          string(c.Status),
		From:            c.From,
		To:              c.To,
		DurationSeconds: c.DurationSeconds,
		RecordingURL:    c.RecordingURL,
		Transcript:      c.Transcript,
		OccurredAt:      c.CreatedAt,
	}, c.AccountID)
	if err != nil {
		log.Error("crm engagement failed", "err", err)
		return
	}

	_, err = s.repo.Update(ctx, c.ID, func(cur *Call) error {
		if cur.EngagementID == "" {
			cur.EngagementID = id
			cur.UpdatedAt = s.Now().UTC()
		}
		return nil
	})
	if err != nil {
		log.Error("store engagement id failed", "engagement_id", id, "err", err)
		return
	}
	log.Info("crm engagement recorded", "engagement_id", id)
}
