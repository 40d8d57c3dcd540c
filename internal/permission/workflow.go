package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"callbridge/internal/metrics"
	"callbridge/pkg/logger"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ConsentSender delivers the consent prompt over the messaging channel and
// returns the provider message id once the provider accepted it.
type ConsentSender interface {
	SendConsentRequest(ctx context.Context, from, to, accountID string) (messageID string, err error)
}

// Auditor receives every ledger transition. Failures are logged, never fatal.
type Auditor interface {
	PermissionChanged(ctx context.Context, rec Record, previous Status) error
}

// Request asks for consent from To on behalf of AccountID, sent from the
// account's channel address From.
type Request struct {
	From      string `json:"from" validate:"required"`
	To        string `json:"to" validate:"required"`
	AccountID string `json:"account_id" validate:"required"`
}

var validate = validator.New()

// Workflow orchestrates consent checks, prompts and replies on top of the ledger.
//
// Rules:
// - Every read that answers "is this permitted" compares ExpiresAt with now.
//   A lapsed grant is flipped to expired on the way out (no background sweep).
// - Throttle check, send and ledger update run under one per-pair lock.
// - The ledger only counts a prompt after the provider accepted it.
// - Once a lock is held, ledger writes run to completion even if the caller
//   goes away.
type Workflow struct {
	repo   Repository
	sender ConsentSender
	locker Locker
	audit  Auditor
	log    *slog.Logger

	Now func() time.Time
}

func NewWorkflow(repo Repository, sender ConsentSender, locker Locker, log *slog.Logger) *Workflow {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	return &Workflow{
		repo:   repo,
		sender: sender,
		locker: locker,
		log:    logger.OrDefault(log),
		Now:    time.Now,
	}
}

// WithAuditor attaches the consent audit trail.
func (w *Workflow) WithAuditor(a Auditor) *Workflow {
	w.audit = a
	return w
}

func validatePair(recipient, accountID string) error {
	if strings.TrimSpace(recipient) == "" || strings.TrimSpace(accountID) == "" {
		return fmt.Errorf("%w: recipient and account are required", ErrInvalidArgument)
	}
	return nil
}

// Check reports whether recipient currently permits calls from accountID.
func (w *Workflow) Check(ctx context.Context, recipient, accountID string) (CheckResult, error) {
	if err := validatePair(recipient, accountID); err != nil {
		return CheckResult{}, err
	}

	rec, err := w.repo.Find(ctx, recipient, accountID)
	if errors.Is(err, ErrNotFound) {
		return CheckResult{Reason: ReasonNoRecord}, nil
	}
	if err != nil {
		return CheckResult{}, fmt.Errorf("find permission: %w", err)
	}

	now := w.Now().UTC()
	if rec.Status != StatusGranted {
		return CheckResult{Reason: ReasonNotGranted, Status: rec.Status, Record: &rec}, nil
	}
	if rec.ExpiredAt(now) {
		return w.expire(ctx, rec, now), nil
	}
	return CheckResult{Permitted: true, Status: StatusGranted, Record: &rec}, nil
}

// expire flips a lapsed grant. The answer is "not permitted" either way; a
// failed write only delays the stored status catching up.
func (w *Workflow) expire(ctx context.Context, rec Record, now time.Time) CheckResult {
	ctx = context.WithoutCancel(ctx)

	updated, applied, err := w.repo.ChangeStatus(ctx, rec.ID, StatusGranted, StatusChange{To: StatusExpired, At: now})
	switch {
	case err != nil:
		w.log.Error("permission expiry write failed",
			"permission_id", rec.ID,
			"account_id", rec.AccountID,
			"err", err,
		)
		rec.Status = StatusExpired
	case applied:
		rec = updated
		w.recordAudit(ctx, rec, StatusGranted)
	default:
		// Someone else already moved it on; report what we saw.
		rec.Status = StatusExpired
	}
	return CheckResult{Reason: ReasonExpired, Status: StatusExpired, Record: &rec}
}

// CanRequest evaluates the prompt throttle for the pair.
// It does not lock; RequestIfNeeded calls it under the pair lock.
func (w *Workflow) CanRequest(ctx context.Context, recipient, accountID string) (Throttle, error) {
	if err := validatePair(recipient, accountID); err != nil {
		return Throttle{}, err
	}
	now := w.Now().UTC()

	rec, err := w.repo.Find(ctx, recipient, accountID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Throttle{}, fmt.Errorf("find permission: %w", err)
	}
	if err == nil && rec.LastRequestAt != nil && rec.LastRequestAt.After(now.Add(-RequestCooldown)) {
		next := rec.LastRequestAt.Add(RequestCooldown)
		return Throttle{Reason: ThrottleDaily, NextAllowedAt: &next}, nil
	}

	sent, err := w.repo.CountRequestsSince(ctx, recipient, accountID, now.Add(-RequestWindow))
	if err != nil {
		return Throttle{}, fmt.Errorf("count permission requests: %w", err)
	}
	if sent >= MaxRequestsPerWindow {
		return Throttle{Reason: ThrottleWeekly, SentInWindow: sent}, nil
	}
	return Throttle{Allowed: true, SentInWindow: sent}, nil
}

// RequestIfNeeded returns granted when consent is already in place, otherwise
// sends a consent prompt unless the throttle forbids it.
//
// A provider send failure is reported as RequestError in the result, not as
// an error; the returned error is reserved for infrastructure failures.
func (w *Workflow) RequestIfNeeded(ctx context.Context, req Request) (RequestResult, error) {
	if err := validate.Struct(req); err != nil {
		return RequestResult{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	log := w.log.With("account_id", req.AccountID, "recipient", req.To)

	unlock, err := w.locker.Lock(ctx, lockKey(req.To, req.AccountID))
	if err != nil {
		return RequestResult{}, fmt.Errorf("lock permission pair: %w", err)
	}
	defer unlock()

	// From here on nothing is aborted halfway.
	ctx = context.WithoutCancel(ctx)

	check, err := w.Check(ctx, req.To, req.AccountID)
	if err != nil {
		return RequestResult{}, err
	}
	if check.Permitted {
		metrics.PermissionRequests.WithLabelValues(string(RequestGranted), "").Inc()
		return RequestResult{Status: RequestGranted, Record: check.Record}, nil
	}

	throttle, err := w.CanRequest(ctx, req.To, req.AccountID)
	if err != nil {
		return RequestResult{}, err
	}
	if !throttle.Allowed {
		metrics.PermissionRequests.WithLabelValues(string(RequestRateLimited), string(throttle.Reason)).Inc()
		log.Info("consent request throttled", "reason", throttle.Reason)
		return RequestResult{
			Status:        RequestRateLimited,
			Reason:        throttle.Reason,
			NextAllowedAt: throttle.NextAllowedAt,
			Record:        check.Record,
		}, nil
	}

	msgID, err := w.sender.SendConsentRequest(ctx, req.From, req.To, req.AccountID)
	if err != nil {
		metrics.PermissionRequests.WithLabelValues(string(RequestError), "send_failed").Inc()
		log.Error("consent request send failed", "err", err)
		return RequestResult{Status: RequestError, Error: err.Error(), Record: check.Record}, nil
	}

	previous := check.Status
	rec, err := w.repo.RecordRequest(ctx, RequestLog{
		ID:             uuid.NewString(),
		RecipientPhone: req.To,
		AccountID:      req.AccountID,
		MessageID:      msgID,
		RequestedAt:    w.Now().UTC(),
	})
	if err != nil {
		// The prompt went out but is not counted; surface it loudly.
		log.Error("consent request sent but not recorded", "message_id", msgID, "err", err)
		return RequestResult{}, err
	}
	w.recordAudit(ctx, rec, previous)

	metrics.PermissionRequests.WithLabelValues(string(RequestSent), "").Inc()
	log.Info("consent request sent", "message_id", msgID, "request_count", rec.RequestCount)
	return RequestResult{Status: RequestSent, MessageID: msgID, Record: &rec}, nil
}

// HandleResponse applies the recipient's reply to the pending record.
// Replies with no pending record (stray or duplicate) are logged no-ops.
func (w *Workflow) HandleResponse(ctx context.Context, recipient, payload, accountID string) (ResponseResult, error) {
	if err := validatePair(recipient, accountID); err != nil {
		return ResponseResult{}, err
	}
	ctx = context.WithoutCancel(ctx)
	log := w.log.With("account_id", accountID, "recipient", recipient)

	rec, err := w.repo.Find(ctx, recipient, accountID)
	if errors.Is(err, ErrNotFound) || (err == nil && rec.Status != StatusPending) {
		log.Info("consent reply without pending request ignored")
		return ResponseResult{}, nil
	}
	if err != nil {
		return ResponseResult{}, fmt.Errorf("find permission: %w", err)
	}

	now := w.Now().UTC()
	ch := StatusChange{To: StatusDenied, At: now}
	if strings.TrimSpace(payload) == AcceptPayload {
		expires := now.Add(GrantValidity)
		ch = StatusChange{To: StatusGranted, GrantedAt: &now, ExpiresAt: &expires, At: now}
	}

	updated, applied, err := w.repo.ChangeStatus(ctx, rec.ID, StatusPending, ch)
	if err != nil {
		return ResponseResult{}, err
	}
	if !applied {
		log.Info("consent reply raced with another reply; ignored")
		return ResponseResult{}, nil
	}

	w.recordAudit(ctx, updated, StatusPending)
	log.Info("consent reply applied", "status", updated.Status)
	return ResponseResult{Applied: true, Status: updated.Status, Record: &updated}, nil
}

func (w *Workflow) recordAudit(ctx context.Context, rec Record, previous Status) {
	if w.audit == nil {
		return
	}
	if err := w.audit.PermissionChanged(ctx, rec, previous); err != nil {
		w.log.Warn("permission audit failed", "permission_id", rec.ID, "err", err)
	}
}
