package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/onimsha/airtable-mcp-server-oauth/storage"
)

// Dynamic client registry: RFC 7591 registration plus the RFC 7592
// management operations (read, update, delete).

const clientIDPrefix = "mcp_"

// clientSecretBytes is the entropy of generated client secrets.
const clientSecretBytes = 32

var (
	supportedGrantTypes    = []string{"authorization_code", "refresh_token"}
	supportedResponseTypes = []string{"code"}
	supportedAuthMethods   = []string{"client_secret_basic", "client_secret_post", "none"}

	// Schemes that must never appear in a redirect URI.
	dangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}
)

// RegisterClient creates a new client from the supplied metadata,
// generating credentials and applying the documented defaults for
// omitted fields. The plaintext secret appears only in this response.
func (s *Server) RegisterClient(ctx context.Context, req *ClientRegistrationRequest, ip string) (*ClientRegistrationResponse, error) {
	if s.Config.Security.DisableRegistration {
		return nil, NewOAuthError(ErrorCodeInvalidRequest, "dynamic registration is disabled", http.StatusNotFound)
	}

	maxPerIP := s.Config.Security.MaxClientsPerIP
	if maxPerIP < 0 {
		maxPerIP = 0 // the store treats 0 as no limit
	}
	if ip != "" && maxPerIP > 0 {
		if err := s.clientStore.CheckIPLimit(ctx, ip, maxPerIP); err != nil {
			if errors.Is(err, storage.ErrRegistrationLimitExceeded) {
				s.Config.Logger.Warn("Client registration limit reached", "ip", ip)
				return nil, NewOAuthError(ErrorCodeInvalidRequest, "registration limit reached for this address", http.StatusTooManyRequests)
			}
			return nil, ErrServerError("failed to check registration limit")
		}
	}

	applyRegistrationDefaults(req)
	if err := s.validateRegistrationMetadata(req); err != nil {
		return nil, err
	}

	clientID, err := s.newClientID(ctx)
	if err != nil {
		return nil, ErrServerError("failed to allocate client_id")
	}

	clientType := "confidential"
	var secret, secretHash string
	if req.TokenEndpointAuthMethod == "none" {
		clientType = "public"
	} else {
		secret, err = generateClientSecret()
		if err != nil {
			return nil, ErrServerError("failed to generate client secret")
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, ErrServerError("failed to hash client secret")
		}
		secretHash = string(hash)
	}

	now := time.Now()
	client := &storage.Client{
		ClientID:                clientID,
		ClientSecretHash:        secretHash,
		ClientType:              clientType,
		RedirectURIs:            req.RedirectURIs,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		ClientName:              req.ClientName,
		Scopes:                  strings.Fields(req.Scope),
		ClientURI:               req.ClientURI,
		LogoURI:                 req.LogoURI,
		Contacts:                req.Contacts,
		ClientIDIssuedAt:        now,
		UpdatedAt:               now,
		RegistrationIP:          ip,
	}
	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		return nil, ErrServerError("failed to save client")
	}

	if s.Auditor != nil {
		s.Auditor.LogClientRegistered(clientID, clientType, ip)
	}
	if m := s.metrics(); m != nil {
		m.RecordClientRegistration(ctx, clientType)
	}
	s.Config.Logger.Info("Client registered",
		"client_id", clientID,
		"client_type", clientType,
		"client_name", req.ClientName)

	resp := registrationResponse(client)
	resp.ClientSecret = secret
	return resp, nil
}

// GetClientRegistration returns the stored metadata for a client. The
// secret is never returned after creation.
func (s *Server) GetClientRegistration(ctx context.Context, clientID string) (*ClientRegistrationResponse, error) {
	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, NewOAuthError(ErrorCodeInvalidClient, "unknown client", http.StatusNotFound)
		}
		return nil, ErrServerError("failed to read client")
	}
	return registrationResponse(client), nil
}

// UpdateClientRegistration replaces the mutable metadata of a client.
// client_id, client_id_issued_at, and the client secret are immutable;
// values for them in the request body are ignored rather than rejected.
func (s *Server) UpdateClientRegistration(ctx context.Context, clientID string, req *ClientRegistrationRequest) (*ClientRegistrationResponse, error) {
	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, NewOAuthError(ErrorCodeInvalidClient, "unknown client", http.StatusNotFound)
		}
		return nil, ErrServerError("failed to read client")
	}

	applyRegistrationDefaults(req)
	if err := s.validateRegistrationMetadata(req); err != nil {
		return nil, err
	}
	if req.TokenEndpointAuthMethod == "none" && client.ClientType == "confidential" {
		return nil, ErrInvalidClientMetadata("cannot change a confidential client to a public client")
	}

	client.RedirectURIs = req.RedirectURIs
	client.TokenEndpointAuthMethod = req.TokenEndpointAuthMethod
	client.GrantTypes = req.GrantTypes
	client.ResponseTypes = req.ResponseTypes
	client.ClientName = req.ClientName
	client.Scopes = strings.Fields(req.Scope)
	client.ClientURI = req.ClientURI
	client.LogoURI = req.LogoURI
	client.Contacts = req.Contacts
	client.UpdatedAt = time.Now()

	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		return nil, ErrServerError("failed to save client")
	}
	s.Config.Logger.Info("Client updated", "client_id", clientID)
	return registrationResponse(client), nil
}

// DeleteClientRegistration removes a client permanently.
func (s *Server) DeleteClientRegistration(ctx context.Context, clientID, ip string) error {
	if err := s.clientStore.DeleteClient(ctx, clientID); err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return NewOAuthError(ErrorCodeInvalidClient, "unknown client", http.StatusNotFound)
		}
		return ErrServerError("failed to delete client")
	}
	if s.Auditor != nil {
		s.Auditor.LogClientDeleted(clientID, ip)
	}
	s.Config.Logger.Info("Client deleted", "client_id", clientID)
	return nil
}

// authenticateClient validates token endpoint client credentials. Public
// clients authenticate by client_id alone; confidential clients must
// present their secret. Unknown clients and wrong secrets produce the
// same error to prevent client_id enumeration.
func (s *Server) authenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	if clientID == "" {
		return nil, ErrInvalidClient("client authentication required")
	}
	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		// Burn a bcrypt comparison anyway so unknown clients cost the
		// same as wrong secrets.
		_ = s.clientStore.ValidateClientSecret(ctx, clientID, clientSecret)
		s.auditAuthFailure("", clientID, "unknown_client")
		return nil, ErrInvalidClient("invalid client credentials")
	}
	if client.ClientType == "public" {
		return client, nil
	}
	if err := s.clientStore.ValidateClientSecret(ctx, clientID, clientSecret); err != nil {
		s.auditAuthFailure("", clientID, "invalid_client_secret")
		return nil, ErrInvalidClient("invalid client credentials")
	}
	return client, nil
}

// newClientID allocates a prefixed random client ID, retrying on the
// (vanishingly unlikely) collision.
func (s *Server) newClientID(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		id := clientIDPrefix + uuid.NewString()
		if _, err := s.clientStore.GetClient(ctx, id); errors.Is(err, storage.ErrClientNotFound) {
			return id, nil
		} else if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("client_id collision")
}

func generateClientSecret() (string, error) {
	buf := make([]byte, clientSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// applyRegistrationDefaults fills the documented defaults for omitted
// optional fields.
func applyRegistrationDefaults(req *ClientRegistrationRequest) {
	if req.TokenEndpointAuthMethod == "" {
		req.TokenEndpointAuthMethod = "client_secret_basic"
	}
	if len(req.GrantTypes) == 0 {
		req.GrantTypes = append([]string(nil), supportedGrantTypes...)
	}
	if len(req.ResponseTypes) == 0 {
		req.ResponseTypes = append([]string(nil), supportedResponseTypes...)
	}
}

// validateRegistrationMetadata validates every supplied field against
// RFC 7591 constraints and this server's supported sets. Validation is
// eager; nothing is persisted when any field fails.
func (s *Server) validateRegistrationMetadata(req *ClientRegistrationRequest) error {
	if len(req.RedirectURIs) == 0 {
		return ErrInvalidRedirectURI("redirect_uris is required")
	}
	for _, raw := range req.RedirectURIs {
		if err := s.validateRedirectURIFormat(raw); err != nil {
			return ErrInvalidRedirectURI(fmt.Sprintf("redirect_uri %q: %v", raw, err))
		}
	}
	if !containsString(supportedAuthMethods, req.TokenEndpointAuthMethod) {
		return ErrInvalidClientMetadata(fmt.Sprintf("unsupported token_endpoint_auth_method: %s", req.TokenEndpointAuthMethod))
	}
	for _, gt := range req.GrantTypes {
		if !containsString(supportedGrantTypes, gt) {
			return ErrInvalidClientMetadata(fmt.Sprintf("unsupported grant_type: %s", gt))
		}
	}
	for _, rt := range req.ResponseTypes {
		if !containsString(supportedResponseTypes, rt) {
			return ErrInvalidClientMetadata(fmt.Sprintf("unsupported response_type: %s", rt))
		}
	}
	if req.Scope != "" {
		supported := s.supportedScopes()
		for _, sc := range strings.Fields(req.Scope) {
			if !containsString(supported, sc) {
				return ErrInvalidClientMetadata(fmt.Sprintf("unsupported scope: %s", sc))
			}
		}
	}
	if req.ClientURI != "" {
		if err := validateHTTPURI(req.ClientURI); err != nil {
			return ErrInvalidClientMetadata(fmt.Sprintf("client_uri: %v", err))
		}
	}
	if req.LogoURI != "" {
		if err := validateHTTPURI(req.LogoURI); err != nil {
			return ErrInvalidClientMetadata(fmt.Sprintf("logo_uri: %v", err))
		}
	}
	return nil
}

// validateRedirectURIFormat checks a single redirect URI: absolute, no
// fragment, no dangerous scheme, and https for non-loopback http hosts
// when this server itself runs over https.
func (s *Server) validateRedirectURIFormat(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("not a valid URI: %w", err)
	}
	if !parsed.IsAbs() {
		return fmt.Errorf("must be an absolute URI")
	}
	if parsed.Fragment != "" {
		return fmt.Errorf("must not contain a fragment")
	}
	scheme := strings.ToLower(parsed.Scheme)
	for _, dangerous := range dangerousSchemes {
		if scheme == dangerous {
			return fmt.Errorf("scheme %q is not allowed", scheme)
		}
	}
	if scheme == "http" {
		hostname := strings.ToLower(parsed.Hostname())
		if !isLocalhostHostname(hostname) && strings.HasPrefix(s.Config.Issuer, "https://") {
			return fmt.Errorf("must use https for non-loopback hosts")
		}
	}
	return nil
}

func validateHTTPURI(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("not a valid URI: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("must be an http or https URI")
	}
	return nil
}

func registrationResponse(client *storage.Client) *ClientRegistrationResponse {
	return &ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientIDIssuedAt:        client.ClientIDIssuedAt.Unix(),
		ClientSecretExpiresAt:   0, // secrets do not expire
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
		ClientURI:               client.ClientURI,
		LogoURI:                 client.LogoURI,
		Scope:                   strings.Join(client.Scopes, " "),
		Contacts:                client.Contacts,
	}
}
