package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"callbridge/internal/accounts"
	"callbridge/internal/permission"
	"callbridge/pkg/logger"

	"github.com/go-playground/validator/v10"
)

var ErrNoChannelAddress = errors.New("calls: account has no channel address")

// AccountGetter resolves the business account placing the call.
type AccountGetter interface {
	Get(ctx context.Context, id string) (accounts.Account, error)
}

// PermissionGate is the consent workflow seen from the calling side.
type PermissionGate interface {
	RequestIfNeeded(ctx context.Context, req permission.Request) (permission.RequestResult, error)
}

// Dialer asks the telephony provider to place a call and returns the
// provider call id.
type Dialer interface {
	PlaceCall(ctx context.Context, callID, from, to string) (providerCallID string, err error)
}

// OutboundRequest is a representative asking to call a consumer.
type OutboundRequest struct {
	AccountID        string `json:"account_id" validate:"required"`
	RepresentativeID string `json:"representative_id" validate:"required"`
	To               string `json:"to" validate:"required,min=4"`
	ContactID        string `json:"contact_id,omitempty"`
}

// OutboundResult tells the caller whether the call was placed. When it was
// not, Reason is "permission_required" and Permission carries the consent
// outcome (prompt sent, throttled or failed).
type OutboundResult struct {
	Initiated  bool                      `json:"initiated"`
	Reason     string                    `json:"reason,omitempty"`
	Call       *Call                     `json:"call,omitempty"`
	Permission *permission.RequestResult `json:"permission,omitempty"`
}

const ReasonPermissionRequired = "permission_required"

var validate = validator.New()

// Outbound starts business-initiated calls behind the consent gate.
type Outbound struct {
	calls    *Service
	accounts AccountGetter
	gate     PermissionGate
	dialer   Dialer
	log      *slog.Logger
}

func NewOutbound(calls *Service, accts AccountGetter, gate PermissionGate, dialer Dialer, log *slog.Logger) *Outbound {
	return &Outbound{calls: calls, accounts: accts, gate: gate, dialer: dialer, log: logger.OrDefault(log)}
}

// Start places an outbound call if the consumer's consent is in force.
//
// Flow:
//  1. validate, resolve the account (must have a channel address)
//  2. consent gate; anything but granted stops here with permission_required
//  3. create the record (initiated), dial, store the provider call id
//
// A dial failure marks the record failed and is returned as an error.
func (o *Outbound) Start(ctx context.Context, req OutboundRequest) (OutboundResult, error) {
	if err := validate.Struct(req); err != nil {
		return OutboundResult{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	acc, err := o.accounts.Get(ctx, req.AccountID)
	if err != nil {
		return OutboundResult{}, err
	}
	if acc.ChannelAddress == "" {
		return OutboundResult{}, ErrNoChannelAddress
	}

	perm, err := o.gate.RequestIfNeeded(ctx, permission.Request{
		From:      acc.ChannelAddress,
		To:        req.To,
		AccountID: acc.ID,
	})
	if err != nil {
		return OutboundResult{}, err
	}
	if perm.Status != permission.RequestGranted {
		return OutboundResult{Reason: ReasonPermissionRequired, Permission: &perm}, nil
	}

	// Past this point the record exists; finish even if the client leaves.
	ctx = context.WithoutCancel(ctx)

	c, err := o.calls.Create(ctx, Call{
		AccountID:        acc.ID,
		ContactID:        req.ContactID,
		From:             acc.ChannelAddress,
		To:               req.To,
		Direction:        DirectionOutbound,
		RepresentativeID: req.RepresentativeID,
	})
	if err != nil {
		return OutboundResult{}, err
	}
	log := o.log.With("call_id", c.ID, "account_id", acc.ID)

	pid, err := o.dialer.PlaceCall(ctx, c.ID, acc.ChannelAddress, req.To)
	if err != nil {
		if _, ferr := o.calls.MarkFailed(ctx, c.ID); ferr != nil {
			log.Error("mark call failed", "err", ferr)
		}
		return OutboundResult{}, fmt.Errorf("place call: %w", err)
	}

	c, err = o.calls.SetProviderCallID(ctx, c.ID, pid)
	if err != nil {
		return OutboundResult{}, err
	}
	log.Info("outbound call placed", "provider_call_id", pid)
	return OutboundResult{Initiated: true, Call: &c}, nil
}
