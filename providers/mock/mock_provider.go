// Package mock provides a configurable fake provider for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/onimsha/airtable-mcp-server-oauth/providers"
)

// Provider is a test double for providers.Provider. Each method delegates
// to the corresponding Func field when set and records call counts.
type Provider struct {
	NameValue string

	AuthorizationURLFunc func(state, codeChallenge, codeChallengeMethod string) string
	ExchangeCodeFunc     func(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error)
	RefreshTokenFunc     func(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	RevokeTokenFunc      func(ctx context.Context, token string) error
	SupportedScopesValue []string

	mu         sync.Mutex
	CallCounts map[string]int
}

var _ providers.Provider = (*Provider)(nil)

// New creates a mock provider with working defaults: exchanges succeed
// with a synthetic token, refreshes rotate the refresh token.
func New() *Provider {
	return &Provider{
		NameValue:            "mock",
		SupportedScopesValue: []string{"data.records:read", "data.records:write"},
		CallCounts:           make(map[string]int),
	}
}

func (m *Provider) recordCall(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CallCounts == nil {
		m.CallCounts = make(map[string]int)
	}
	m.CallCounts[method]++
}

// Calls returns how many times method was invoked.
func (m *Provider) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCounts[method]
}

func (m *Provider) Name() string {
	if m.NameValue != "" {
		return m.NameValue
	}
	return "mock"
}

func (m *Provider) AuthorizationURL(state, codeChallenge, codeChallengeMethod string) string {
	m.recordCall("AuthorizationURL")
	if m.AuthorizationURLFunc != nil {
		return m.AuthorizationURLFunc(state, codeChallenge, codeChallengeMethod)
	}
	u := "https://provider.example.com/authorize?state=" + state
	if codeChallenge != "" {
		u += "&code_challenge=" + codeChallenge + "&code_challenge_method=" + codeChallengeMethod
	}
	return u
}

func (m *Provider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	m.recordCall("ExchangeCode")
	if m.ExchangeCodeFunc != nil {
		return m.ExchangeCodeFunc(ctx, code, codeVerifier)
	}
	return &oauth2.Token{
		AccessToken:  "mock-access-" + code,
		RefreshToken: "mock-refresh-" + code,
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

func (m *Provider) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	m.recordCall("RefreshToken")
	if m.RefreshTokenFunc != nil {
		return m.RefreshTokenFunc(ctx, refreshToken)
	}
	return &oauth2.Token{
		AccessToken:  "mock-access-refreshed",
		RefreshToken: refreshToken + "-rotated",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

func (m *Provider) RevokeToken(ctx context.Context, token string) error {
	m.recordCall("RevokeToken")
	if m.RevokeTokenFunc != nil {
		return m.RevokeTokenFunc(ctx, token)
	}
	return providers.ErrRevocationNotSupported
}

func (m *Provider) SupportedScopes() []string {
	if m.SupportedScopesValue != nil {
		return m.SupportedScopesValue
	}
	return []string{"data.records:read"}
}
