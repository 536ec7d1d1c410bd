// Package oauth implements an OAuth 2.0 authorization code proxy with
// PKCE between an MCP client runtime and an upstream provider.
//
// The proxy issues its own authorization codes and registers its own
// clients (RFC 7591) while delegating user authentication to the
// upstream provider. Provider access and refresh tokens are passed
// through to the client and tracked locally per user key so they can be
// refreshed proactively. The upstream provider offers no introspection
// or revocation endpoints, so those operations answer from local state
// only.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/onimsha/airtable-mcp-server-oauth/instrumentation"
	"github.com/onimsha/airtable-mcp-server-oauth/internal/util"
	"github.com/onimsha/airtable-mcp-server-oauth/pkce"
	"github.com/onimsha/airtable-mcp-server-oauth/providers"
	"github.com/onimsha/airtable-mcp-server-oauth/security"
	"github.com/onimsha/airtable-mcp-server-oauth/storage"
)

// Server drives the OAuth flow state machine. It composes the PKCE
// engine, the flow store (states and codes), the token manager, and the
// dynamic client registry over a single provider.
type Server struct {
	provider    providers.Provider
	tokenStore  storage.TokenStore
	clientStore storage.ClientStore
	flowStore   storage.FlowStore

	Auditor     *security.Auditor
	RateLimiter *security.RateLimiter
	Config      *Config

	instrumentation *instrumentation.Instrumentation

	// refreshGroup serializes proactive refreshes per user key so
	// concurrent callers share one upstream refresh call.
	refreshGroup singleflight.Group
}

// New creates a Server. The config is validated and zero values are
// replaced with secure defaults.
func New(
	provider providers.Provider,
	tokenStore storage.TokenStore,
	clientStore storage.ClientStore,
	flowStore storage.FlowStore,
	config *Config,
) (*Server, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if flowStore == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if config == nil {
		config = &Config{}
	}
	config.applySecureDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	srv := &Server{
		provider:    provider,
		tokenStore:  tokenStore,
		clientStore: clientStore,
		flowStore:   flowStore,
		Config:      config,
	}
	if config.Security.EnableAuditLogging {
		srv.Auditor = security.NewAuditor(config.Logger, true)
	}
	if !config.RateLimit.Disabled {
		srv.RateLimiter = security.NewRateLimiter(config.RateLimit.Rate, config.RateLimit.Burst, config.Logger)
	}
	return srv, nil
}

// SetAuditor replaces the security auditor.
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation wires OpenTelemetry metrics and tracing. Safe to
// leave unset; all recording is nil-checked.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
}

// Stop releases background resources (the rate limiter's cleanup loop).
func (s *Server) Stop() {
	if s.RateLimiter != nil {
		s.RateLimiter.Stop()
	}
}

// metrics returns the metrics sink, or nil when uninstrumented.
func (s *Server) metrics() *instrumentation.Metrics {
	if s.instrumentation == nil {
		return nil
	}
	return s.instrumentation.Metrics()
}

// supportedScopes is the effective scope set: the configured override,
// or the provider's set when none is configured.
func (s *Server) supportedScopes() []string {
	if len(s.Config.SupportedScopes) > 0 {
		return s.Config.SupportedScopes
	}
	return s.provider.SupportedScopes()
}

// generateRandomToken returns a cryptographically random URL-safe token.
// oauth2.GenerateVerifier produces 256 bits of entropy, base64url encoded,
// which is the same quality needed for states and authorization codes.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}

// ============================================================
// Authorization flow
// ============================================================

// StartAuthorizationFlow validates an inbound authorization request and
// returns the upstream authorization URL to redirect the user to.
//
// clientState is the client's own state parameter; it is stored and
// echoed back verbatim on the final redirect. A fresh provider-leg state
// and PKCE pair are generated here; the client's code challenge is kept
// for verification at the exchange step.
func (s *Server) StartAuthorizationFlow(ctx context.Context, clientID, redirectURI, scope, codeChallenge, codeChallengeMethod, clientState string) (string, error) {
	if clientState == "" {
		s.auditAuthFailure("", clientID, "missing_state_parameter")
		return "", ErrInvalidRequest("state parameter is required for CSRF protection")
	}
	if len(clientState) < s.Config.MinStateLength {
		s.auditAuthFailure("", clientID, "state_too_short")
		return "", ErrInvalidRequest(fmt.Sprintf("state parameter must be at least %d characters", s.Config.MinStateLength))
	}

	if codeChallenge == "" {
		if !s.Config.Security.AllowAuthWithoutPKCE {
			s.auditAuthFailure("", clientID, "missing_pkce_parameters")
			return "", ErrInvalidRequest("code_challenge is required (PKCE is mandatory)")
		}
	} else {
		switch codeChallengeMethod {
		case pkce.MethodS256:
		case pkce.MethodPlain:
			if !s.Config.Security.AllowPKCEPlain {
				s.auditAuthFailure("", clientID, "plain_pkce_not_allowed")
				return "", ErrInvalidRequest("'plain' code_challenge_method is not allowed (use S256)")
			}
		case "":
			s.auditAuthFailure("", clientID, "missing_code_challenge_method")
			return "", ErrInvalidRequest("code_challenge_method is required when code_challenge is provided")
		default:
			s.auditAuthFailure("", clientID, "invalid_pkce_method")
			return "", ErrInvalidRequest(fmt.Sprintf("unsupported code_challenge_method: %s", codeChallengeMethod))
		}
	}

	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		s.auditAuthFailure("", clientID, ErrorCodeInvalidClient)
		return "", ErrInvalidClient("unknown client")
	}
	if err := s.validateRedirectURI(client, redirectURI); err != nil {
		s.auditAuthFailure("", clientID, ErrorCodeInvalidRedirectURI)
		return "", ErrInvalidRequest(err.Error())
	}
	if err := s.validateScope(scope, client); err != nil {
		s.auditAuthFailure("", clientID, ErrorCodeInvalidScope)
		return "", err
	}

	// Provider-leg PKCE: a fresh verifier for the proxy-to-provider
	// exchange, independent of the client's challenge.
	providerVerifier, providerChallenge, err := pkce.GeneratePair(pkce.MethodS256)
	if err != nil {
		return "", ErrServerError("failed to generate PKCE pair")
	}
	providerState := generateRandomToken()

	now := time.Now()
	authState := &storage.AuthorizationState{
		StateID:              clientState,
		ClientID:             clientID,
		RedirectURI:          redirectURI,
		Scope:                scope,
		CodeChallenge:        codeChallenge,
		CodeChallengeMethod:  codeChallengeMethod,
		ProviderState:        providerState,
		ProviderCodeVerifier: providerVerifier,
		CreatedAt:            now,
		ExpiresAt:            now.Add(s.Config.StateTTL),
	}
	if err := s.flowStore.SaveAuthorizationState(ctx, authState); err != nil {
		return "", ErrServerError("failed to save authorization state")
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventAuthorizationFlowStarted,
			ClientID: clientID,
			Details: map[string]any{
				"redirect_uri":          redirectURI,
				"scope":                 scope,
				"code_challenge_method": codeChallengeMethod,
			},
		})
	}
	if m := s.metrics(); m != nil {
		m.RecordAuthorizationStarted(ctx, clientID)
	}

	return s.provider.AuthorizationURL(providerState, providerChallenge, pkce.MethodS256), nil
}

// HandleProviderCallback processes the upstream provider's redirect back
// to the proxy. It consumes the pending authorization state, exchanges
// the upstream code using the stored provider-leg verifier, issues a
// proxy authorization code bound to the client's original PKCE
// challenge, and returns the full client redirect URL.
//
// A failed state lookup returns an error with no redirect URL: without a
// validated state there is no trustworthy redirect target. Failures
// after state validation return an error redirect to the client.
func (s *Server) HandleProviderCallback(ctx context.Context, providerState, upstreamCode string) (string, error) {
	authState, err := s.consumeState(ctx, providerState)
	if err != nil {
		return "", err
	}

	providerToken, err := s.provider.ExchangeCode(ctx, upstreamCode, authState.ProviderCodeVerifier)
	if err != nil {
		s.Config.Logger.Warn("Upstream code exchange failed",
			"client_id", authState.ClientID,
			"error", err)
		s.auditAuthFailure("", authState.ClientID, "upstream_exchange_failed")
		if m := s.metrics(); m != nil {
			m.RecordCallbackProcessed(ctx, authState.ClientID, false)
		}
		return errorRedirect(authState.RedirectURI, authState.StateID, ErrorCodeInvalidGrant, "upstream code exchange failed"), nil
	}

	code := generateRandomToken()
	now := time.Now()
	authCode := &storage.AuthorizationCode{
		Code:                code,
		UpstreamCode:        upstreamCode,
		ClientID:            authState.ClientID,
		RedirectURI:         authState.RedirectURI,
		Scope:               authState.Scope,
		CodeChallenge:       authState.CodeChallenge,
		CodeChallengeMethod: authState.CodeChallengeMethod,
		UserKey:             authState.ClientID,
		ProviderToken:       providerToken,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.AuthorizationCodeTTL),
	}
	if err := s.flowStore.SaveAuthorizationCode(ctx, authCode); err != nil {
		return "", ErrServerError("failed to save authorization code")
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventAuthorizationCodeIssued,
			UserKey:  authCode.UserKey,
			ClientID: authState.ClientID,
			Details:  map[string]any{"scope": authState.Scope},
		})
	}
	if m := s.metrics(); m != nil {
		m.RecordCallbackProcessed(ctx, authState.ClientID, true)
	}

	redirect, err := url.Parse(authState.RedirectURI)
	if err != nil {
		return "", ErrServerError("stored redirect URI is invalid")
	}
	q := redirect.Query()
	q.Set("code", code)
	q.Set("state", authState.StateID)
	redirect.RawQuery = q.Encode()
	return redirect.String(), nil
}

// HandleProviderDenial processes an upstream callback that carried an
// error instead of a code (user denied consent, provider rejection). The
// error is passed through to the client's redirect URI.
func (s *Server) HandleProviderDenial(ctx context.Context, providerState, errCode, errDescription string) (string, error) {
	authState, err := s.consumeState(ctx, providerState)
	if err != nil {
		return "", err
	}
	if errCode == "" {
		errCode = ErrorCodeAccessDenied
	}
	s.auditAuthFailure("", authState.ClientID, "provider_denied: "+errCode)
	if m := s.metrics(); m != nil {
		m.RecordCallbackProcessed(ctx, authState.ClientID, false)
	}
	return errorRedirect(authState.RedirectURI, authState.StateID, errCode, errDescription), nil
}

// consumeState atomically consumes a pending authorization by provider
// state. Absent, expired, and already-consumed states are
// indistinguishable to the caller.
func (s *Server) consumeState(ctx context.Context, providerState string) (*storage.AuthorizationState, error) {
	if providerState == "" {
		return nil, ErrInvalidRequest("state parameter is required")
	}
	authState, err := s.flowStore.AtomicConsumeAuthorizationState(ctx, providerState)
	if err != nil {
		s.Config.Logger.Debug("Authorization state lookup failed",
			"state_prefix", util.SafeTruncate(providerState, 8),
			"error", err)
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:    security.EventProviderStateMismatch,
				Details: map[string]any{"reason": "state_not_found"},
			})
		}
		return nil, ErrInvalidState("invalid or expired state parameter")
	}
	return authState, nil
}

// ExchangeAuthorizationCode redeems a proxy-issued authorization code
// for the provider tokens captured at callback time. The redemption is
// exactly-once; a reuse attempt revokes every local token minted from
// the code.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, code, clientID, redirectURI, codeVerifier string) (*TokenResponse, error) {
	authCode, err := s.flowStore.AtomicRedeemAuthorizationCode(ctx, code)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrCodeUsed):
			// Reuse of a consumed code indicates interception. Revoke
			// everything minted from it.
			if authCode != nil {
				s.Config.Logger.Error("Authorization code reuse detected, revoking tokens",
					"user_key", authCode.UserKey,
					"client_id", clientID)
				if clearErr := s.Clear(ctx, authCode.UserKey); clearErr != nil {
					s.Config.Logger.Error("Failed to revoke tokens after code reuse", "error", clearErr)
				}
				if s.Auditor != nil {
					s.Auditor.LogCodeReuseDetected(authCode.UserKey, clientID, "")
				}
				if m := s.metrics(); m != nil {
					m.RecordCodeReuseDetected(ctx)
				}
				_ = s.flowStore.DeleteAuthorizationCode(ctx, code)
			}
			return nil, ErrInvalidGrant("authorization code already used")
		case errors.Is(err, storage.ErrCodeExpired):
			s.auditAuthFailure("", clientID, "authorization_code_expired")
			return nil, ErrInvalidGrant("authorization code expired")
		default:
			s.Config.Logger.Debug("Authorization code redemption failed",
				"client_id", clientID,
				"code_prefix", util.SafeTruncate(code, 8),
				"error", err)
			s.auditAuthFailure("", clientID, "invalid_authorization_code")
			return nil, ErrInvalidGrant("invalid authorization code")
		}
	}

	if authCode.ClientID != clientID {
		s.auditAuthFailure(authCode.UserKey, clientID, "client_id_mismatch")
		return nil, ErrInvalidGrant("invalid authorization code")
	}
	// redirect_uri is optional at the token endpoint; the code is already
	// bound to the client and its PKCE challenge. When supplied it must
	// match the one the code was issued for (RFC 6749 section 4.1.3).
	if redirectURI != "" && authCode.RedirectURI != redirectURI {
		s.auditAuthFailure(authCode.UserKey, clientID, "redirect_uri_mismatch")
		return nil, ErrInvalidGrant("invalid authorization code")
	}

	if authCode.CodeChallenge != "" {
		if codeVerifier == "" {
			s.recordPKCEFailure(ctx, authCode, clientID, "missing_code_verifier")
			return nil, ErrInvalidGrant("code_verifier is required")
		}
		if err := pkce.ValidateVerifierFormat(codeVerifier); err != nil {
			s.recordPKCEFailure(ctx, authCode, clientID, err.Error())
			return nil, ErrInvalidGrant(err.Error())
		}
		if !pkce.Validate(codeVerifier, authCode.CodeChallenge, authCode.CodeChallengeMethod) {
			s.recordPKCEFailure(ctx, authCode, clientID, "verifier_mismatch")
			return nil, ErrInvalidGrant("code_verifier does not match code_challenge")
		}
	}

	record, err := s.Store(ctx, authCode.UserKey, authCode.ProviderToken, authCode.Scope)
	if err != nil {
		return nil, ErrServerError("failed to persist token")
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(authCode.UserKey, clientID, "", authCode.Scope)
	}
	if m := s.metrics(); m != nil {
		method := authCode.CodeChallengeMethod
		if method == "" {
			method = "none"
		}
		m.RecordCodeExchange(ctx, clientID, method)
	}

	return tokenResponse(record), nil
}

func (s *Server) recordPKCEFailure(ctx context.Context, authCode *storage.AuthorizationCode, clientID, reason string) {
	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventPKCEValidationFailed,
			UserKey:  authCode.UserKey,
			ClientID: clientID,
			Details:  map[string]any{"reason": reason},
		})
	}
	if m := s.metrics(); m != nil {
		m.RecordPKCEValidationFailed(ctx, authCode.CodeChallengeMethod)
	}
}

// ============================================================
// Request validation
// ============================================================

// validateRedirectURI checks that redirectURI is registered for the
// client, by exact string match per RFC 6749 section 3.1.2.3.
func (s *Server) validateRedirectURI(client *storage.Client, redirectURI string) error {
	for _, uri := range client.RedirectURIs {
		if uri == redirectURI {
			return nil
		}
	}
	return fmt.Errorf("redirect URI is not registered for this client")
}

// validateScope checks each requested scope token against the supported
// set and, when the client registered a scope restriction, against the
// client's allowed set.
func (s *Server) validateScope(scope string, client *storage.Client) error {
	if scope == "" {
		return nil
	}
	supported := s.supportedScopes()
	var invalid []string
	for _, requested := range strings.Fields(scope) {
		if !containsString(supported, requested) {
			invalid = append(invalid, requested)
		}
	}
	if len(invalid) > 0 {
		return ErrInvalidScope(fmt.Sprintf("unsupported scope: %s", strings.Join(invalid, " ")))
	}
	if len(client.Scopes) > 0 {
		for _, requested := range strings.Fields(scope) {
			if !containsString(client.Scopes, requested) {
				// Generic by intent: do not reveal which scopes the
				// client is allowed.
				return ErrInvalidScope("client is not authorized for one or more requested scopes")
			}
		}
	}
	return nil
}

func containsString(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func (s *Server) auditAuthFailure(userKey, clientID, reason string) {
	if s.Auditor != nil {
		s.Auditor.LogAuthFailure(userKey, clientID, "", reason)
	}
}

// errorRedirect builds a client redirect carrying OAuth error query
// parameters, echoing the client's original state.
func errorRedirect(redirectURI, state, errCode, errDescription string) string {
	redirect, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := redirect.Query()
	q.Set("error", errCode)
	if errDescription != "" {
		q.Set("error_description", errDescription)
	}
	if state != "" {
		q.Set("state", state)
	}
	redirect.RawQuery = q.Encode()
	return redirect.String()
}

// tokenResponse converts a stored record into the wire response.
func tokenResponse(record *storage.TokenRecord) *TokenResponse {
	resp := &TokenResponse{
		AccessToken:  record.AccessToken,
		TokenType:    record.TokenType,
		RefreshToken: record.RefreshToken,
		Scope:        record.Scope,
	}
	if !record.ExpiresAt.IsZero() {
		if remaining := time.Until(record.ExpiresAt); remaining > 0 {
			resp.ExpiresIn = int64(remaining.Seconds())
		}
	}
	return resp
}
