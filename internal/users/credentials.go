package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/auth"
)

// ErrCredentialRejected wraps every reason a presented credential cannot be used.
var ErrCredentialRejected = errors.New("users: credential rejected")

// TokenValidator validates bearer tokens and exposes their claims.
type TokenValidator interface {
	ValidateToken(token string) (auth.Claims, error)
}

// CredentialVerifier resolves bearer credentials to the identity of a still-existing user.
type CredentialVerifier struct {
	tokens TokenValidator
	users  *Service
}

// NewCredentialVerifier wires token validation to user lookups.
func NewCredentialVerifier(tokens TokenValidator, users *Service) (*CredentialVerifier, error) {
	if tokens == nil {
		return nil, errors.New("users: token validator required")
	}
	if users == nil {
		return nil, errors.New("users: user service required")
	}
	return &CredentialVerifier{tokens: tokens, users: users}, nil
}

// VerifyCredential validates the token and loads the current name and role of its subject.
// Name and role are read from storage, not from the token claims.
func (v *CredentialVerifier) VerifyCredential(ctx context.Context, token string) (auth.Identity, error) {
	claims, err := v.tokens.ValidateToken(token)
	if err != nil {
		return auth.Identity{}, fmt.Errorf("%w: %w", ErrCredentialRejected, err)
	}
	user, err := v.users.FindByID(ctx, claims.Subject)
	if err != nil {
		return auth.Identity{}, fmt.Errorf("%w: %w", ErrCredentialRejected, err)
	}
	return user.Identity(), nil
}
