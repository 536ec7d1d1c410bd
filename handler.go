package oauth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/onimsha/airtable-mcp-server-oauth/security"
	"github.com/onimsha/airtable-mcp-server-oauth/storage"
)

// HTTP boundary. Exact paths matter for interoperability with MCP
// clients and the upstream provider; see the metadata documents for the
// advertised surface.

// Routes returns the HTTP handler for the full OAuth surface.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", s.instrument("metadata", s.ServeMetadata))
	mux.HandleFunc("/.well-known/oauth-protected-resource", s.instrument("protected_resource", s.ServeProtectedResourceMetadata))
	mux.HandleFunc("/auth/authorize", s.instrument("authorize", s.rateLimited(s.ServeAuthorization)))
	mux.HandleFunc("/auth/callback", s.instrument("callback", s.rateLimited(s.ServeCallback)))
	mux.HandleFunc("/token", s.instrument("token", s.rateLimited(s.ServeToken)))
	mux.HandleFunc("/oauth/refresh", s.instrument("refresh", s.rateLimited(s.ServeRefresh)))
	mux.HandleFunc("/oauth/introspect", s.instrument("introspect", s.rateLimited(s.ServeIntrospection)))
	mux.HandleFunc("/oauth/revoke", s.instrument("revoke", s.rateLimited(s.ServeRevocation)))
	mux.HandleFunc("/oauth/register", s.instrument("register", s.rateLimited(s.ServeRegistration)))
	mux.HandleFunc("/oauth/register/", s.instrument("register_resource", s.rateLimited(s.ServeRegistrationResource)))
	return mux
}

// ============================================================
// Metadata endpoints
// ============================================================

// ServeMetadata serves the RFC 8414 authorization server metadata.
func (s *Server) ServeMetadata(w http.ResponseWriter, r *http.Request) {
	if s.handlePreflight(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		s.writeError(w, r, ErrInvalidRequest("method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.AuthorizationServerMetadata())
}

// ServeProtectedResourceMetadata serves the RFC 9728 protected resource
// metadata.
func (s *Server) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if s.handlePreflight(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		s.writeError(w, r, ErrInvalidRequest("method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.ProtectedResourceMetadata())
}

// ============================================================
// Authorization flow endpoints
// ============================================================

// ServeAuthorization handles GET /auth/authorize and redirects the user
// agent to the upstream provider.
func (s *Server) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	if s.handlePreflight(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		s.writeError(w, r, ErrInvalidRequest("method not allowed"), http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	if rt := q.Get("response_type"); rt != "code" {
		s.writeError(w, r, NewOAuthError(ErrorCodeUnsupportedResponseType, "only the 'code' response type is supported", http.StatusBadRequest), 0)
		return
	}

	authURL, err := s.StartAuthorizationFlow(r.Context(),
		q.Get("client_id"),
		q.Get("redirect_uri"),
		q.Get("scope"),
		q.Get("code_challenge"),
		q.Get("code_challenge_method"),
		q.Get("state"),
	)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// ServeCallback handles the upstream provider's redirect back to the
// proxy and forwards the result to the client's redirect URI.
func (s *Server) ServeCallback(w http.ResponseWriter, r *http.Request) {
	if s.handlePreflight(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		s.writeError(w, r, ErrInvalidRequest("method not allowed"), http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	state := q.Get("state")

	var redirect string
	var err error
	if upstreamErr := q.Get("error"); upstreamErr != "" {
		redirect, err = s.HandleProviderDenial(r.Context(), state, upstreamErr, q.Get("error_description"))
	} else if code := q.Get("code"); code == "" {
		err = ErrInvalidRequest("code parameter is required")
	} else {
		redirect, err = s.HandleProviderCallback(r.Context(), state, code)
	}
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

// ============================================================
// Token endpoints
// ============================================================

// ServeToken handles POST /token for the authorization_code and
// refresh_token grants.
func (s *Server) ServeToken(w http.ResponseWriter, r *http.Request) {
	if s.handlePreflight(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		s.writeError(w, r, ErrInvalidRequest("method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, ErrInvalidRequest("malformed form body"), 0)
		return
	}

	client, err := s.authenticateTokenRequest(r)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}

	var resp *TokenResponse
	switch grantType := r.PostFormValue("grant_type"); grantType {
	case "authorization_code":
		resp, err = s.ExchangeAuthorizationCode(r.Context(),
			r.PostFormValue("code"),
			client.ClientID,
			r.PostFormValue("redirect_uri"),
			r.PostFormValue("code_verifier"),
		)
	case "refresh_token":
		refreshToken := r.PostFormValue("refresh_token")
		if refreshToken == "" {
			err = ErrInvalidRequest("refresh_token parameter is required")
			break
		}
		resp, err = s.RefreshWithToken(r.Context(), refreshToken, client.ClientID)
	case "":
		err = ErrInvalidRequest("grant_type parameter is required")
	default:
		err = ErrUnsupportedGrantType("unsupported grant_type: " + grantType)
	}
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	s.writeTokenResponse(w, resp)
}

// ServeRefresh handles POST /oauth/refresh: an authenticated client
// forces a proactive refresh of its stored token.
func (s *Server) ServeRefresh(w http.ResponseWriter, r *http.Request) {
	if s.handlePreflight(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		s.writeError(w, r, ErrInvalidRequest("method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, ErrInvalidRequest("malformed form body"), 0)
		return
	}

	client, err := s.authenticateTokenRequest(r)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	record, err := s.Refresh(r.Context(), client.ClientID)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			s.writeError(w, r, ErrInvalidGrant("no refreshable token for this client"), 0)
			return
		}
		s.writeError(w, r, ErrServerError("refresh failed"), 0)
		return
	}
	s.writeTokenResponse(w, tokenResponse(record))
}

// ServeIntrospection handles POST /oauth/introspect. Answers are local
// knowledge only; the upstream provider has no introspection endpoint.
func (s *Server) ServeIntrospection(w http.ResponseWriter, r *http.Request) {
	if s.handlePreflight(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		s.writeError(w, r, ErrInvalidRequest("method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, ErrInvalidRequest("malformed form body"), 0)
		return
	}

	client, err := s.authenticateTokenRequest(r)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	token := r.PostFormValue("token")
	if token == "" {
		s.writeError(w, r, ErrInvalidRequest("token parameter is required"), 0)
		return
	}
	s.writeJSON(w, http.StatusOK, s.Introspect(r.Context(), client.ClientID, token))
}

// ServeRevocation handles POST /oauth/revoke. Only the local record is
// cleared; the provider-side token stays valid until it expires because
// the upstream offers no revocation endpoint. Per RFC 7009 the response
// is 200 even when the token is unknown.
func (s *Server) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	if s.handlePreflight(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		s.writeError(w, r, ErrInvalidRequest("method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, ErrInvalidRequest("malformed form body"), 0)
		return
	}

	client, err := s.authenticateTokenRequest(r)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	token := r.PostFormValue("token")
	if token == "" {
		s.writeError(w, r, ErrInvalidRequest("token parameter is required"), 0)
		return
	}

	// Clear only when the presented token actually matches the stored
	// record, so a client cannot revoke by guessing.
	intro := s.Introspect(r.Context(), client.ClientID, token)
	if intro.TokenType != "" {
		if clearErr := s.Clear(r.Context(), client.ClientID); clearErr != nil {
			s.Config.Logger.Warn("Local revocation failed", "error", clearErr)
		}
	}
	setCORSHeaders(w)
	w.WriteHeader(http.StatusOK)
}

// ============================================================
// Registration endpoints
// ============================================================

// ServeRegistration handles POST /oauth/register (RFC 7591).
func (s *Server) ServeRegistration(w http.ResponseWriter, r *http.Request) {
	if s.handlePreflight(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		s.writeError(w, r, ErrInvalidRequest("method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	if err := s.requireRegistrationToken(r); err != nil {
		s.writeError(w, r, err, 0)
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		s.writeError(w, r, ErrInvalidClientMetadata("malformed registration request body"), 0)
		return
	}
	resp, err := s.RegisterClient(r.Context(), &req, s.clientIP(r))
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

// ServeRegistrationResource handles GET, PUT, and DELETE on
// /oauth/register/{client_id} (RFC 7592). The registration access
// token, when configured, protects reads as well as writes.
func (s *Server) ServeRegistrationResource(w http.ResponseWriter, r *http.Request) {
	if s.handlePreflight(w, r) {
		return
	}
	clientID := strings.TrimPrefix(r.URL.Path, "/oauth/register/")
	if clientID == "" || strings.Contains(clientID, "/") {
		s.writeError(w, r, ErrInvalidRequest("client_id path segment is required"), http.StatusNotFound)
		return
	}
	if err := s.requireRegistrationToken(r); err != nil {
		s.writeError(w, r, err, 0)
		return
	}

	switch r.Method {
	case http.MethodGet:
		resp, err := s.GetClientRegistration(r.Context(), clientID)
		if err != nil {
			s.writeError(w, r, err, 0)
			return
		}
		s.writeJSON(w, http.StatusOK, resp)

	case http.MethodPut:
		var req ClientRegistrationRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
			s.writeError(w, r, ErrInvalidClientMetadata("malformed registration request body"), 0)
			return
		}
		resp, err := s.UpdateClientRegistration(r.Context(), clientID, &req)
		if err != nil {
			s.writeError(w, r, err, 0)
			return
		}
		s.writeJSON(w, http.StatusOK, resp)

	case http.MethodDelete:
		if err := s.DeleteClientRegistration(r.Context(), clientID, s.clientIP(r)); err != nil {
			s.writeError(w, r, err, 0)
			return
		}
		setCORSHeaders(w)
		w.WriteHeader(http.StatusNoContent)

	default:
		s.writeError(w, r, ErrInvalidRequest("method not allowed"), http.StatusMethodNotAllowed)
	}
}

// ============================================================
// Helpers
// ============================================================

// authenticateTokenRequest extracts client credentials from HTTP Basic
// auth (client_secret_basic) or the form body (client_secret_post) and
// authenticates them.
func (s *Server) authenticateTokenRequest(r *http.Request) (*storage.Client, error) {
	clientID, clientSecret, ok := parseBasicAuth(r)
	if !ok {
		clientID = r.PostFormValue("client_id")
		clientSecret = r.PostFormValue("client_secret")
	}
	return s.authenticateClient(r.Context(), clientID, clientSecret)
}

// parseBasicAuth extracts client credentials from the Authorization
// header. Per RFC 6749 section 2.3.1 both values are form-urlencoded
// inside the basic auth pair.
func parseBasicAuth(r *http.Request) (clientID, clientSecret string, ok bool) {
	id, secret, ok := r.BasicAuth()
	if !ok {
		return "", "", false
	}
	if decoded, err := url.QueryUnescape(id); err == nil {
		id = decoded
	}
	if decoded, err := url.QueryUnescape(secret); err == nil {
		secret = decoded
	}
	return id, secret, true
}

// requireRegistrationToken enforces the configured registration access
// token, if any, using a constant-time comparison.
func (s *Server) requireRegistrationToken(r *http.Request) error {
	expected := s.Config.Security.RegistrationAccessToken
	if expected == "" {
		return nil
	}
	auth := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(auth, "Bearer ")
	if !found {
		return NewOAuthError(ErrorCodeInvalidClient, "registration access token required", http.StatusUnauthorized)
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		s.auditAuthFailure("", "", "invalid_registration_token")
		return NewOAuthError(ErrorCodeInvalidClient, "invalid registration access token", http.StatusUnauthorized)
	}
	return nil
}

func (s *Server) clientIP(r *http.Request) string {
	return security.GetClientIP(r, s.Config.Security.TrustProxy, s.Config.Security.TrustedProxyCount)
}

// handlePreflight answers CORS preflight requests. Returns true when the
// request was an OPTIONS preflight and has been handled.
func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) bool {
	setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}

func setCORSHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	h.Set("Access-Control-Max-Age", "3600")
}

// writeError renders an OAuth error response. statusOverride, when
// non-zero, replaces the error's own status.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, statusOverride int) {
	oe, ok := AsOAuthError(err)
	if !ok {
		s.Config.Logger.Error("Unexpected error at HTTP boundary", "error", err, "path", r.URL.Path)
		oe = ErrServerError("internal server error")
	}
	status := oe.Status
	if statusOverride != 0 {
		status = statusOverride
	}

	setCORSHeaders(w)
	security.SetSecurityHeaders(w, s.Config.Issuer)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth", error="`+oe.Code+`"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            oe.Code,
		ErrorDescription: oe.Description,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	setCORSHeaders(w)
	security.SetSecurityHeaders(w, s.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Config.Logger.Error("Failed to encode response", "error", err)
	}
}

// writeTokenResponse renders a token endpoint success with the
// cache-control headers RFC 6749 section 5.1 requires.
func (s *Server) writeTokenResponse(w http.ResponseWriter, resp *TokenResponse) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	s.writeJSON(w, http.StatusOK, resp)
}

// rateLimited wraps a handler with the per-IP rate limiter.
func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.RateLimiter != nil && r.Method != http.MethodOptions {
			ip := s.clientIP(r)
			if !s.RateLimiter.Allow(ip) {
				if s.Auditor != nil {
					s.Auditor.LogRateLimitExceeded(ip, "")
				}
				if m := s.metrics(); m != nil {
					m.RecordRateLimitExceeded(r.Context(), "ip")
				}
				s.writeError(w, r, ErrInvalidRequest("rate limit exceeded"), http.StatusTooManyRequests)
				return
			}
		}
		next(w, r)
	}
}

// instrument records request metrics per logical endpoint.
func (s *Server) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		if m := s.metrics(); m != nil {
			m.RecordHTTPRequest(r.Context(), r.Method, endpoint, sw.status, float64(time.Since(start).Milliseconds()))
		}
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
