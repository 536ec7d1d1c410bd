// Package providers defines the interface to the upstream OAuth provider
// and shared helpers for the token endpoint round-trips.
package providers

import (
	"context"
	"errors"

	"golang.org/x/oauth2"
)

// ErrRevocationNotSupported is returned by providers that expose no token
// revocation endpoint. The proxy then falls back to clearing its local
// record only.
var ErrRevocationNotSupported = errors.New("provider does not support token revocation")

// Provider is the upstream OAuth provider the proxy delegates user
// authentication to.
type Provider interface {
	// Name returns the provider name (e.g. "airtable").
	Name() string

	// AuthorizationURL builds the URL users are redirected to for
	// authentication. codeChallenge and codeChallengeMethod carry the
	// server-to-provider PKCE leg; pass empty strings to disable.
	AuthorizationURL(state, codeChallenge, codeChallengeMethod string) string

	// ExchangeCode exchanges an authorization code for tokens.
	// codeVerifier is the server-to-provider PKCE verifier.
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error)

	// RefreshToken obtains a fresh token using a refresh token. The
	// returned token may omit a new refresh token, in which case the
	// caller retains the old one.
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// RevokeToken revokes a token at the provider. Providers without a
	// revocation endpoint return ErrRevocationNotSupported.
	RevokeToken(ctx context.Context, token string) error

	// SupportedScopes lists the scope tokens the provider understands.
	SupportedScopes() []string
}
