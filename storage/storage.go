// Package storage defines the persistence interfaces for OAuth tokens,
// registered clients, and in-flight authorization flows.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development and testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage
package storage

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// TokenStore persists provider tokens keyed by an opaque user key.
// At most one live TokenRecord exists per user key; saving replaces.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// SaveToken stores or replaces the token record for a user key.
	SaveToken(ctx context.Context, userKey string, record *TokenRecord) error

	// GetToken retrieves the token record for a user key.
	// Returns ErrTokenNotFound if no record exists.
	GetToken(ctx context.Context, userKey string) (*TokenRecord, error)

	// DeleteToken removes the token record for a user key.
	DeleteToken(ctx context.Context, userKey string) error

	// SaveRefreshToken records a refresh token to user key mapping with expiry.
	SaveRefreshToken(ctx context.Context, refreshToken, userKey string, expiresAt time.Time) error

	// DeleteRefreshToken removes a refresh token mapping.
	DeleteRefreshToken(ctx context.Context, refreshToken string) error

	// AtomicGetAndDeleteRefreshToken atomically retrieves and deletes a
	// refresh token mapping. Two concurrent calls for the same token must
	// yield exactly one success; the loser gets ErrTokenNotFound. Expired
	// mappings return ErrTokenExpired.
	AtomicGetAndDeleteRefreshToken(ctx context.Context, refreshToken string) (userKey string, err error)
}

// ClientStore manages dynamically registered OAuth clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient stores or replaces a registered client.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID.
	// Returns ErrClientNotFound if no such client exists.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// DeleteClient permanently removes a client registration.
	// Returns ErrClientNotFound if no such client exists.
	DeleteClient(ctx context.Context, clientID string) error

	// ValidateClientSecret checks a client secret against the stored hash.
	// The comparison cost must not reveal whether the client exists.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients lists all registered clients.
	ListClients(ctx context.Context) ([]*Client, error)

	// CheckIPLimit returns ErrRegistrationLimitExceeded when the IP has
	// already registered maxClientsPerIP clients. A limit of 0 disables
	// the check. The counter is incremented on success.
	CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error
}

// FlowStore manages the short-lived artifacts of in-flight authorization
// flows: CSRF states and issued authorization codes.
//
// Two distinct state values exist per flow. The client's own state
// parameter (StateID) is opaque to this server and is echoed back on the
// final redirect. The provider state (ProviderState) is generated here,
// sent to the upstream provider, and consumed exactly once when the
// provider calls back.
//
// All methods accept context.Context for tracing and cancellation.
type FlowStore interface {
	// SaveAuthorizationState stores a pending authorization.
	SaveAuthorizationState(ctx context.Context, state *AuthorizationState) error

	// AtomicConsumeAuthorizationState atomically retrieves and deletes a
	// pending authorization by its provider state. Absent and expired
	// entries both return ErrStateNotFound; expired entries are deleted
	// on the way out. Concurrent consumption of the same state yields
	// exactly one success.
	AtomicConsumeAuthorizationState(ctx context.Context, providerState string) (*AuthorizationState, error)

	// DeleteAuthorizationState removes a pending authorization by its
	// provider state, if present.
	DeleteAuthorizationState(ctx context.Context, providerState string) error

	// SaveAuthorizationCode stores an issued authorization code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// AtomicRedeemAuthorizationCode atomically checks and marks a code as
	// used. The three failure modes are distinct: ErrCodeNotFound (never
	// existed or swept), ErrCodeExpired (existed, past its TTL), and
	// ErrCodeUsed (valid but already redeemed; the stored code is also
	// returned alongside the error so callers can revoke tokens minted
	// from it). Concurrent redemption yields exactly one success.
	AtomicRedeemAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes an authorization code, if present.
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// TokenRecord is the stored token state for one user key.
type TokenRecord struct {
	UserKey      string
	AccessToken  string
	RefreshToken string // empty if the provider issued none
	TokenType    string
	Scope        string
	ExpiresAt    time.Time
	UpdatedAt    time.Time
}

// OAuth2Token converts the record into a golang.org/x/oauth2 token for
// use with provider clients.
func (r *TokenRecord) OAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
		Expiry:       r.ExpiresAt,
	}
}

// NewTokenRecord builds a TokenRecord from a provider token response.
// If the provider omitted a refresh token, prior is consulted so an
// existing refresh token is retained across refreshes.
func NewTokenRecord(userKey string, token *oauth2.Token, scope string, prior *TokenRecord) *TokenRecord {
	record := &TokenRecord{
		UserKey:      userKey,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Scope:        scope,
		ExpiresAt:    token.Expiry,
		UpdatedAt:    time.Now(),
	}
	if record.TokenType == "" {
		record.TokenType = "Bearer"
	}
	if record.RefreshToken == "" && prior != nil {
		record.RefreshToken = prior.RefreshToken
	}
	if record.Scope == "" && prior != nil {
		record.Scope = prior.Scope
	}
	return record
}

// Client represents a dynamically registered OAuth client (RFC 7591).
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash; empty for public clients
	ClientType              string // "public" or "confidential"
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	ClientName              string
	Scopes                  []string
	ClientURI               string
	LogoURI                 string
	Contacts                []string
	ClientIDIssuedAt        time.Time
	UpdatedAt               time.Time
	RegistrationIP          string
}

// AuthorizationState is a pending authorization awaiting the provider
// callback.
type AuthorizationState struct {
	StateID              string // client's state parameter, echoed back verbatim
	ClientID             string
	RedirectURI          string
	Scope                string
	CodeChallenge        string // client-to-server PKCE challenge
	CodeChallengeMethod  string
	ProviderState        string // server-generated state sent upstream
	ProviderCodeVerifier string // server-to-provider PKCE verifier
	CreatedAt            time.Time
	ExpiresAt            time.Time
}

// AuthorizationCode is a proxy-issued, single-use authorization code.
// The code is bound to the original client's PKCE challenge; the provider
// token obtained during the callback rides along until the exchange.
type AuthorizationCode struct {
	Code                string
	UpstreamCode        string // the provider's code, kept for audit
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	UserKey             string
	ProviderToken       *oauth2.Token
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}
