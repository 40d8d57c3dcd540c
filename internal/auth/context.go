package auth

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxRepresentativeID ctxKey = iota
	ctxAccountID
	ctxRole
)

// Identity is the authenticated caller.
type Identity struct {
	RepresentativeID string
	AccountID        string
	Role             string
}

func WithIdentity(ctx context.Context, representativeID, accountID, role string) context.Context {
	ctx = context.WithValue(ctx, ctxRepresentativeID, representativeID)
	ctx = context.WithValue(ctx, ctxAccountID, accountID)
	ctx = context.WithValue(ctx, ctxRole, role)
	return ctx
}

func RepresentativeID(ctx context.Context) (string, error) {
	if s, ok := ctx.Value(ctxRepresentativeID).(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("representative_id not in context")
}

func AccountID(ctx context.Context) (string, error) {
	if s, ok := ctx.Value(ctxAccountID).(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("account_id not in context")
}

func Role(ctx context.Context) (string, error) {
	if s, ok := ctx.Value(ctxRole).(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("role not in context")
}

// IdentityFrom returns the full identity, failing if any part is missing.
func IdentityFrom(ctx context.Context) (Identity, error) {
	rep, err := RepresentativeID(ctx)
	if err != nil {
		return Identity{}, err
	}
	acc, err := AccountID(ctx)
	if err != nil {
		return Identity{}, err
	}
	role, err := Role(ctx)
	if err != nil {
		return Identity{}, err
	}
	return Identity{RepresentativeID: rep, AccountID: acc, Role: role}, nil
}
