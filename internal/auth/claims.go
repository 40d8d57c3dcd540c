package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for this service.
// Tenant invariant: AccountID (the business account the representative acts
// for) must be present on every token. RepresentativeID is the CRM user id,
// the same identifier the CRM stores as a contact owner.
type Claims struct {
	jwt.RegisteredClaims

	RepresentativeID string    `json:"representative_id"`
	AccountID        string    `json:"account_id"`
	Role             string    `json:"role"`
	TokenType        TokenType `json:"token_type"`
}

// Identity is the caller the token speaks for.
func (c Claims) Identity() Identity {
	return Identity{RepresentativeID: c.RepresentativeID, AccountID: c.AccountID, Role: c.Role}
}

// check enforces the shape each token type must have. Refresh tokens carry no
// role; access tokens must.
func (c Claims) check(expected TokenType) error {
	if c.TokenType != expected {
		return fmt.Errorf("%w: got %q, want %q", ErrWrongTokenType, c.TokenType, expected)
	}
	switch {
	case c.RepresentativeID == "":
		return fmt.Errorf("%w: representative_id", ErrIncompleteClaims)
	case c.AccountID == "":
		return fmt.Errorf("%w: account_id", ErrIncompleteClaims)
	case expected == TokenTypeAccess && c.Role == "":
		return fmt.Errorf("%w: role", ErrIncompleteClaims)
	}
	return nil
}
