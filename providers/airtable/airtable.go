// Package airtable implements the provider interface for Airtable's
// OAuth 2.0 service.
package airtable

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/onimsha/airtable-mcp-server-oauth/providers"
)

const (
	// AuthURL is Airtable's authorization endpoint.
	AuthURL = "https://airtable.com/oauth2/v1/authorize"
	// TokenURL is Airtable's token endpoint.
	TokenURL = "https://airtable.com/oauth2/v1/token"

	defaultTimeout = 30 * time.Second
)

// Scopes Airtable grants. Refresh tokens are always issued; there is no
// offline_access scope.
var supportedScopes = []string{
	"data.records:read",
	"data.records:write",
	"data.recordComments:read",
	"data.recordComments:write",
	"schema.bases:read",
	"schema.bases:write",
	"webhook:manage",
}

// Config holds Airtable provider configuration.
type Config struct {
	// ClientID is the OAuth integration's client ID.
	ClientID string
	// ClientSecret is the integration's client secret. Airtable also
	// supports public (secretless) integrations; leave empty for those.
	ClientSecret string
	// RedirectURL is the proxy's callback URL registered with Airtable.
	RedirectURL string
	// Scopes to request. Defaults to all supported scopes when empty.
	Scopes []string
	// HTTPClient used for token endpoint calls. Defaults to a client
	// with a 30 second timeout.
	HTTPClient *http.Client
}

// Provider implements providers.Provider for Airtable.
type Provider struct {
	config     *oauth2.Config
	httpClient *http.Client
}

var _ providers.Provider = (*Provider)(nil)

// NewProvider creates an Airtable provider.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.RedirectURL == "" {
		return nil, fmt.Errorf("redirect URL is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = supportedScopes
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	return &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  AuthURL,
				TokenURL: TokenURL,
				// Airtable requires client_secret_basic for
				// confidential integrations.
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		httpClient: httpClient,
	}, nil
}

// Name returns "airtable".
func (p *Provider) Name() string {
	return "airtable"
}

// AuthorizationURL builds the Airtable authorization URL. Airtable
// requires PKCE on every authorization request.
func (p *Provider) AuthorizationURL(state, codeChallenge, codeChallengeMethod string) string {
	opts := []oauth2.AuthCodeOption{}
	if codeChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", codeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", codeChallengeMethod),
		)
	}
	return p.config.AuthCodeURL(state, opts...)
}

// ExchangeCode exchanges an authorization code for tokens.
func (p *Provider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	return providers.ExchangeCodeWithPKCE(ctx, p.config, code, codeVerifier, p.httpClient)
}

// RefreshToken refreshes an access token. Airtable rotates the refresh
// token on every use; the caller must persist the returned one.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return providers.RefreshTokenGrant(ctx, p.config, refreshToken, p.httpClient)
}

// RevokeToken always returns ErrRevocationNotSupported. Airtable exposes
// no revocation endpoint; revocation is local to the proxy.
func (p *Provider) RevokeToken(_ context.Context, _ string) error {
	return providers.ErrRevocationNotSupported
}

// SupportedScopes returns Airtable's scope set.
func (p *Provider) SupportedScopes() []string {
	scopes := make([]string, len(supportedScopes))
	copy(scopes, supportedScopes)
	return scopes
}

// ValidScope reports whether scope is one Airtable understands.
func ValidScope(scope string) bool {
	for _, s := range supportedScopes {
		if s == scope {
			return true
		}
	}
	return false
}
