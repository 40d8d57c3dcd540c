// Package routing decides who receives an inbound call.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"callbridge/internal/accounts"
	"callbridge/internal/calls"
	"callbridge/internal/crm"
	"callbridge/internal/metrics"
	"callbridge/internal/presence"
	"callbridge/pkg/logger"
)

var (
	ErrInvalidRequest = errors.New("routing: invalid inbound request")
	ErrUnknownChannel = errors.New("routing: no account for channel address")
)

// ContactFinder searches the CRM for the caller. found=false is not an error.
type ContactFinder interface {
	FindContactByPhone(ctx context.Context, phone, accountID string) (c crm.Contact, found bool, err error)
}

// AccountResolver maps the dialed channel address (or an explicit id) to
// the business account.
type AccountResolver interface {
	Get(ctx context.Context, id string) (accounts.Account, error)
	FindByChannelAddress(ctx context.Context, address string) (accounts.Account, error)
}

// PresenceLookup is the read side of the presence registry.
type PresenceLookup interface {
	Lookup(representativeID string) (presence.Entry, bool)
}

// CallStore persists the call record.
type CallStore interface {
	Create(ctx context.Context, c calls.Call) (calls.Call, error)
}

// InboundRequest is a provider inbound-call webhook, already parsed.
// AccountID is optional; when empty the account is resolved from To.
type InboundRequest struct {
	ProviderCallID string
	From           string
	To             string
	AccountID      string
}

// Result is everything the webhook layer needs to notify the representative
// and answer the provider.
type Result struct {
	Call     calls.Call       `json:"call"`
	Account  accounts.Account `json:"-"`
	Contact  *crm.Contact     `json:"contact,omitempty"`
	OwnerID  string           `json:"owner_id,omitempty"`
	Decision Decision         `json:"decision"`

	// Presence is set only when Decision is owner.
	Presence *presence.Entry `json:"presence,omitempty"`
}

// Router runs inbound routing: account, contact, owner, presence, record.
//
// Rules:
// - Contact lookup or persistence failures abort routing and are returned.
//   The caller answers with a generic failure; no call is considered routed.
// - Once the record is being written the write completes even if the
//   webhook request is cancelled.
type Router struct {
	accounts AccountResolver
	contacts ContactFinder
	presence PresenceLookup
	calls    CallStore
	log      *slog.Logger
}

func NewRouter(accts AccountResolver, contacts ContactFinder, reg PresenceLookup, store CallStore, log *slog.Logger) *Router {
	return &Router{accounts: accts, contacts: contacts, presence: reg, calls: store, log: logger.OrDefault(log)}
}

// RouteInbound decides the disposition of an inbound call and persists it.
func (r *Router) RouteInbound(ctx context.Context, req InboundRequest) (Result, error) {
	if strings.TrimSpace(req.From) == "" || strings.TrimSpace(req.To) == "" || req.ProviderCallID == "" {
		return Result{}, fmt.Errorf("%w: from, to and provider call id are required", ErrInvalidRequest)
	}
	log := r.log.With("provider_call_id", req.ProviderCallID)

	acc, err := r.resolveAccount(ctx, req)
	if err != nil {
		return Result{}, err
	}
	log = log.With("account_id", acc.ID)

	var contact *crm.Contact
	c, found, err := r.contacts.FindContactByPhone(ctx, req.From, acc.ID)
	if err != nil {
		return Result{}, fmt.Errorf("contact lookup: %w", err)
	}
	if found {
		contact = &c
	}

	ownerID := ""
	if contact != nil {
		ownerID = contact.OwnerID
	}
	entry, present := presence.Entry{}, false
	if ownerID != "" {
		entry, present = r.presence.Lookup(ownerID)
	}
	decision := Decide(ownerID, entry, present)

	rec := calls.Call{
		ProviderCallID:   req.ProviderCallID,
		AccountID:        acc.ID,
		From:             req.From,
		To:               req.To,
		Direction:        calls.DirectionInbound,
		RepresentativeID: ownerID,
		RoutingDecision:  string(decision),
	}
	if contact != nil {
		rec.ContactID = contact.ID
	}
	rec, err = r.calls.Create(context.WithoutCancel(ctx), rec)
	if err != nil {
		return Result{}, fmt.Errorf("persist call: %w", err)
	}

	res := Result{Call: rec, Account: acc, Contact: contact, OwnerID: ownerID, Decision: decision}
	if decision.Direct() {
		e := entry
		res.Presence = &e
	}

	metrics.RoutingDecisions.WithLabelValues(string(decision)).Inc()
	log.Info("inbound call routed", "call_id", rec.ID, "decision", decision, "owner_id", ownerID)
	return res, nil
}

func (r *Router) resolveAccount(ctx context.Context, req InboundRequest) (accounts.Account, error) {
	var (
		acc accounts.Account
		err error
	)
	if req.AccountID != "" {
		acc, err = r.accounts.Get(ctx, req.AccountID)
	} else {
		acc, err = r.accounts.FindByChannelAddress(ctx, req.To)
	}
	if errors.Is(err, accounts.ErrNotFound) {
		return accounts.Account{}, fmt.Errorf("%w: %s", ErrUnknownChannel, req.To)
	}
	if err != nil {
		return accounts.Account{}, err
	}
	if !acc.IsActive {
		return accounts.Account{}, fmt.Errorf("%w: account %s inactive", ErrUnknownChannel, acc.ID)
	}
	return acc, nil
}
