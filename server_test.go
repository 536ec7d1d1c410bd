package oauth

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/onimsha/airtable-mcp-server-oauth/providers/mock"
	"github.com/onimsha/airtable-mcp-server-oauth/storage/memory"
)

// RFC 7636 appendix B test vector.
const (
	testVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	testRedirectURI = "https://app.example.com/cb"
	testClientState = "client-state-12345"
)

func newTestServer(t *testing.T) (*Server, *mock.Provider, *memory.Store) {
	t.Helper()

	store := memory.NewWithInterval(time.Hour)
	t.Cleanup(store.Stop)

	provider := mock.New()
	provider.SupportedScopesValue = []string{
		"data.records:read", "data.records:write", "schema.bases:read",
	}

	srv, err := New(provider, store, store, store, &Config{
		Issuer:    "http://localhost:8085",
		RateLimit: RateLimitConfig{Disabled: true},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv, provider, store
}

// registerTestClient registers a confidential client and returns its ID
// and plaintext secret.
func registerTestClient(t *testing.T, srv *Server) (clientID, clientSecret string) {
	t.Helper()
	resp, err := srv.RegisterClient(context.Background(), &ClientRegistrationRequest{
		RedirectURIs: []string{testRedirectURI},
		ClientName:   "test client",
	}, "192.0.2.10")
	if err != nil {
		t.Fatalf("RegisterClient failed: %v", err)
	}
	return resp.ClientID, resp.ClientSecret
}

// startFlow runs the authorize step and returns the provider-leg state
// extracted from the upstream URL.
func startFlow(t *testing.T, srv *Server, clientID string) string {
	t.Helper()
	authURL, err := srv.StartAuthorizationFlow(context.Background(),
		clientID, testRedirectURI, "data.records:read", testChallenge, "S256", testClientState)
	if err != nil {
		t.Fatalf("StartAuthorizationFlow failed: %v", err)
	}
	parsed, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("authorization URL does not parse: %v", err)
	}
	state := parsed.Query().Get("state")
	if state == "" {
		t.Fatal("authorization URL has no state parameter")
	}
	if state == testClientState {
		t.Fatal("provider state must differ from the client state")
	}
	return state
}

func TestAuthorizationFlowEndToEnd(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()
	clientID, _ := registerTestClient(t, srv)

	providerState := startFlow(t, srv, clientID)

	redirect, err := srv.HandleProviderCallback(ctx, providerState, "upstream123")
	if err != nil {
		t.Fatalf("HandleProviderCallback failed: %v", err)
	}
	parsed, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("callback redirect does not parse: %v", err)
	}
	if got := parsed.Scheme + "://" + parsed.Host + parsed.Path; got != testRedirectURI {
		t.Errorf("redirect target = %q, want %q", got, testRedirectURI)
	}
	if got := parsed.Query().Get("state"); got != testClientState {
		t.Errorf("redirect state = %q, want the original client state %q", got, testClientState)
	}
	code := parsed.Query().Get("code")
	if code == "" {
		t.Fatal("redirect carries no authorization code")
	}

	resp, err := srv.ExchangeAuthorizationCode(ctx, code, clientID, testRedirectURI, testVerifier)
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode failed: %v", err)
	}
	if resp.AccessToken != "mock-access-upstream123" {
		t.Errorf("access token = %q, want the provider token passed through", resp.AccessToken)
	}
	if resp.RefreshToken == "" {
		t.Error("expected a refresh token in the response")
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("token type = %q, want Bearer", resp.TokenType)
	}
	if resp.Scope != "data.records:read" {
		t.Errorf("scope = %q, want data.records:read", resp.Scope)
	}
	if resp.ExpiresIn <= 0 {
		t.Errorf("expires_in = %d, want positive", resp.ExpiresIn)
	}

	// Second redemption must fail and revoke the issued tokens.
	if _, err := srv.ExchangeAuthorizationCode(ctx, code, clientID, testRedirectURI, testVerifier); err == nil {
		t.Fatal("second exchange succeeded, want invalid_grant")
	} else if oe, ok := AsOAuthError(err); !ok || oe.Code != ErrorCodeInvalidGrant {
		t.Errorf("second exchange error = %v, want invalid_grant", err)
	}
	if _, err := srv.GetValidToken(ctx, clientID); err == nil {
		t.Error("tokens survived code reuse, want them revoked")
	}
}

func TestStartAuthorizationFlowValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()
	clientID, _ := registerTestClient(t, srv)

	tests := []struct {
		name                         string
		clientID, redirectURI, scope string
		challenge, method, state     string
		wantCode                     string
	}{
		{
			name:     "missing state",
			clientID: clientID, redirectURI: testRedirectURI,
			challenge: testChallenge, method: "S256",
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "short state",
			clientID: clientID, redirectURI: testRedirectURI,
			challenge: testChallenge, method: "S256", state: "abc",
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "missing code challenge",
			clientID: clientID, redirectURI: testRedirectURI,
			state:    testClientState,
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "plain method rejected",
			clientID: clientID, redirectURI: testRedirectURI,
			challenge: testVerifier, method: "plain", state: testClientState,
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "unknown challenge method",
			clientID: clientID, redirectURI: testRedirectURI,
			challenge: testChallenge, method: "S512", state: testClientState,
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "unknown client",
			clientID: "mcp_nonexistent", redirectURI: testRedirectURI,
			challenge: testChallenge, method: "S256", state: testClientState,
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "unregistered redirect URI",
			clientID: clientID, redirectURI: "https://evil.example.com/cb",
			challenge: testChallenge, method: "S256", state: testClientState,
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "unsupported scope",
			clientID: clientID, redirectURI: testRedirectURI, scope: "admin:everything",
			challenge: testChallenge, method: "S256", state: testClientState,
			wantCode: ErrorCodeInvalidScope,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := srv.StartAuthorizationFlow(ctx,
				tt.clientID, tt.redirectURI, tt.scope, tt.challenge, tt.method, tt.state)
			if err == nil {
				t.Fatal("expected an error")
			}
			oe, ok := AsOAuthError(err)
			if !ok {
				t.Fatalf("error %v is not an OAuthError", err)
			}
			if oe.Code != tt.wantCode {
				t.Errorf("error code = %q, want %q", oe.Code, tt.wantCode)
			}
		})
	}
}

func TestInvalidScopeListsOffendingTokens(t *testing.T) {
	srv, _, _ := newTestServer(t)
	clientID, _ := registerTestClient(t, srv)

	_, err := srv.StartAuthorizationFlow(context.Background(),
		clientID, testRedirectURI, "data.records:read admin:everything webhook:bogus",
		testChallenge, "S256", testClientState)
	if err == nil {
		t.Fatal("expected invalid_scope")
	}
	msg := err.Error()
	if !strings.Contains(msg, "admin:everything") || !strings.Contains(msg, "webhook:bogus") {
		t.Errorf("error %q does not name the offending scopes", msg)
	}
	if strings.Contains(msg, "data.records:read") {
		t.Errorf("error %q names a valid scope as offending", msg)
	}
}

func TestCallbackInvalidState(t *testing.T) {
	srv, _, _ := newTestServer(t)
	_, err := srv.HandleProviderCallback(context.Background(), "never-issued", "upstream123")
	if err == nil {
		t.Fatal("callback with unknown state succeeded")
	}
	if oe, ok := AsOAuthError(err); !ok || oe.Code != ErrorCodeInvalidState {
		t.Errorf("error = %v, want invalid_state", err)
	}
}

func TestStateConsumedExactlyOnce(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()
	clientID, _ := registerTestClient(t, srv)
	providerState := startFlow(t, srv, clientID)

	if _, err := srv.HandleProviderCallback(ctx, providerState, "upstream123"); err != nil {
		t.Fatalf("first callback failed: %v", err)
	}
	if _, err := srv.HandleProviderCallback(ctx, providerState, "upstream123"); err == nil {
		t.Fatal("second callback with the same state succeeded")
	}
}

func TestConcurrentStateConsumption(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()
	clientID, _ := registerTestClient(t, srv)
	providerState := startFlow(t, srv, clientID)

	const workers = 10
	var wg sync.WaitGroup
	successes := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := srv.HandleProviderCallback(ctx, providerState, "upstream123"); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)
	if got := len(successes); got != 1 {
		t.Errorf("%d concurrent callbacks succeeded, want exactly 1", got)
	}
}

func TestProviderDenialPassthrough(t *testing.T) {
	srv, _, _ := newTestServer(t)
	clientID, _ := registerTestClient(t, srv)
	providerState := startFlow(t, srv, clientID)

	redirect, err := srv.HandleProviderDenial(context.Background(), providerState, "access_denied", "user declined")
	if err != nil {
		t.Fatalf("HandleProviderDenial failed: %v", err)
	}
	parsed, _ := url.Parse(redirect)
	q := parsed.Query()
	if q.Get("error") != "access_denied" {
		t.Errorf("error = %q, want access_denied", q.Get("error"))
	}
	if q.Get("error_description") != "user declined" {
		t.Errorf("error_description = %q, want passthrough", q.Get("error_description"))
	}
	if q.Get("state") != testClientState {
		t.Errorf("state = %q, want the client state echoed back", q.Get("state"))
	}
}

func TestExchangeVerifierMutationFails(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()
	clientID, _ := registerTestClient(t, srv)
	providerState := startFlow(t, srv, clientID)

	redirect, err := srv.HandleProviderCallback(ctx, providerState, "upstream123")
	if err != nil {
		t.Fatalf("callback failed: %v", err)
	}
	parsed, _ := url.Parse(redirect)
	code := parsed.Query().Get("code")

	mutated := "X" + testVerifier[1:]
	if _, err := srv.ExchangeAuthorizationCode(ctx, code, clientID, testRedirectURI, mutated); err == nil {
		t.Fatal("exchange with a mutated verifier succeeded")
	} else if oe, ok := AsOAuthError(err); !ok || oe.Code != ErrorCodeInvalidGrant {
		t.Errorf("error = %v, want invalid_grant", err)
	}
}

func TestExchangeBindingMismatches(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()
	clientID, _ := registerTestClient(t, srv)
	otherClientID, _ := registerTestClient(t, srv)

	newCode := func() string {
		providerState := startFlow(t, srv, clientID)
		redirect, err := srv.HandleProviderCallback(ctx, providerState, "upstream123")
		if err != nil {
			t.Fatalf("callback failed: %v", err)
		}
		parsed, _ := url.Parse(redirect)
		return parsed.Query().Get("code")
	}

	if _, err := srv.ExchangeAuthorizationCode(ctx, newCode(), otherClientID, testRedirectURI, testVerifier); err == nil {
		t.Error("exchange with the wrong client_id succeeded")
	}
	if _, err := srv.ExchangeAuthorizationCode(ctx, newCode(), clientID, "https://evil.example.com/cb", testVerifier); err == nil {
		t.Error("exchange with the wrong redirect_uri succeeded")
	}
	if _, err := srv.ExchangeAuthorizationCode(ctx, "never-issued", clientID, testRedirectURI, testVerifier); err == nil {
		t.Error("exchange with an unknown code succeeded")
	}
}

// redirect_uri is optional at the token endpoint; the code is bound to
// the client and the PKCE verifier already.
func TestExchangeWithoutRedirectURI(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()
	clientID, _ := registerTestClient(t, srv)
	providerState := startFlow(t, srv, clientID)

	redirect, err := srv.HandleProviderCallback(ctx, providerState, "upstream123")
	if err != nil {
		t.Fatalf("callback failed: %v", err)
	}
	parsed, _ := url.Parse(redirect)
	code := parsed.Query().Get("code")

	resp, err := srv.ExchangeAuthorizationCode(ctx, code, clientID, "", testVerifier)
	if err != nil {
		t.Fatalf("exchange without redirect_uri failed: %v", err)
	}
	if resp.AccessToken != "mock-access-upstream123" {
		t.Errorf("access token = %q, want the provider token passed through", resp.AccessToken)
	}
}

func TestDeletedClientCannotAuthorize(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()
	clientID, _ := registerTestClient(t, srv)

	if err := srv.DeleteClientRegistration(ctx, clientID, ""); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	_, err := srv.StartAuthorizationFlow(ctx,
		clientID, testRedirectURI, "", testChallenge, "S256", testClientState)
	if err == nil {
		t.Fatal("authorize with a deleted client succeeded")
	}
	if oe, ok := AsOAuthError(err); !ok || oe.Code != ErrorCodeInvalidClient {
		t.Errorf("error = %v, want invalid_client", err)
	}
}

func TestUpstreamExchangeFailureRedirectsWithError(t *testing.T) {
	srv, provider, _ := newTestServer(t)
	clientID, _ := registerTestClient(t, srv)
	providerState := startFlow(t, srv, clientID)

	provider.ExchangeCodeFunc = func(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
		return nil, &oauth2.RetrieveError{ErrorCode: "invalid_grant"}
	}
	redirect, err := srv.HandleProviderCallback(context.Background(), providerState, "upstream123")
	if err != nil {
		t.Fatalf("callback returned error, want error redirect: %v", err)
	}
	parsed, _ := url.Parse(redirect)
	if got := parsed.Query().Get("error"); got != ErrorCodeInvalidGrant {
		t.Errorf("redirect error = %q, want invalid_grant", got)
	}
}

func TestProviderLegUsesFreshPKCE(t *testing.T) {
	srv, provider, _ := newTestServer(t)
	clientID, _ := registerTestClient(t, srv)

	var upstreamChallenge string
	provider.AuthorizationURLFunc = func(state, codeChallenge, codeChallengeMethod string) string {
		upstreamChallenge = codeChallenge
		return "https://provider.example.com/authorize?state=" + state
	}
	var upstreamVerifier string
	provider.ExchangeCodeFunc = func(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
		upstreamVerifier = verifier
		return &oauth2.Token{AccessToken: "at", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)}, nil
	}

	providerState := startFlow(t, srv, clientID)
	if upstreamChallenge == "" || upstreamChallenge == testChallenge {
		t.Errorf("upstream challenge = %q, want a fresh server-generated challenge", upstreamChallenge)
	}
	if _, err := srv.HandleProviderCallback(context.Background(), providerState, "upstream123"); err != nil {
		t.Fatalf("callback failed: %v", err)
	}
	if upstreamVerifier == "" || upstreamVerifier == testVerifier {
		t.Errorf("upstream verifier = %q, want the server-generated verifier", upstreamVerifier)
	}
}
