package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/auth"
	"go.uber.org/zap"
)

const (
	bearerPrefix    = "Bearer "
	tokenQueryParam = "token"
)

var (
	// ErrMissingCredential is returned when a connection attempt carries no bearer token.
	ErrMissingCredential = errors.New("realtime: credential missing")
	// ErrAuthenticationFailed is returned when the credential cannot be verified.
	ErrAuthenticationFailed = errors.New("realtime: authentication failed")

	errMissingVerifier = errors.New("realtime: credential verifier required")
)

// CredentialVerifier resolves a bearer credential to an identity.
type CredentialVerifier interface {
	VerifyCredential(ctx context.Context, token string) (auth.Identity, error)
}

// Gate authenticates connection attempts exactly once, before the upgrade.
type Gate struct {
	verifier CredentialVerifier
	logger   *zap.Logger
}

// NewGate constructs a Gate around verifier.
func NewGate(verifier CredentialVerifier, logger *zap.Logger) (*Gate, error) {
	if verifier == nil {
		return nil, errMissingVerifier
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{verifier: verifier, logger: logger.With(zap.String("component", "realtime_gate"))}, nil
}

// Authenticate extracts the credential from the Authorization header or the token query
// parameter and verifies it.
func (g *Gate) Authenticate(r *http.Request) (auth.Identity, error) {
	token := credentialFromRequest(r)
	if token == "" {
		g.logger.Info("connection rejected", zap.String("reason", "missing_credential"))
		return auth.Identity{}, ErrMissingCredential
	}

	identity, err := g.verifier.VerifyCredential(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			g.logger.Info("connection rejected", zap.String("reason", "expired_credential"))
		} else {
			g.logger.Warn("connection rejected", zap.String("reason", "invalid_credential"), zap.Error(err))
		}
		return auth.Identity{}, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	return identity, nil
}

func credentialFromRequest(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, bearerPrefix) {
		if token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)); token != "" {
			return token
		}
	}
	return strings.TrimSpace(r.URL.Query().Get(tokenQueryParam))
}
