package oauth

import "github.com/onimsha/airtable-mcp-server-oauth/internal/util"

// Metadata publisher: RFC 8414 authorization server metadata and
// RFC 9728 protected resource metadata. Both documents are pure
// functions of the live configuration, recomputed per request so
// capability changes show up without a restart.

// AuthorizationServerMetadata builds the RFC 8414 document.
func (s *Server) AuthorizationServerMetadata() *AuthorizationServerMetadata {
	issuer := util.NormalizeURL(s.Config.Issuer)

	authMethods := []string{"client_secret_basic", "client_secret_post", "none"}
	challengeMethods := []string{"S256"}
	if s.Config.Security.AllowPKCEPlain {
		challengeMethods = append(challengeMethods, "plain")
	}

	md := &AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/auth/authorize",
		TokenEndpoint:                     issuer + "/token",
		IntrospectionEndpoint:             issuer + "/oauth/introspect",
		RevocationEndpoint:                issuer + "/oauth/revoke",
		ScopesSupported:                   s.supportedScopes(),
		ResponseTypesSupported:            append([]string(nil), supportedResponseTypes...),
		GrantTypesSupported:               append([]string(nil), supportedGrantTypes...),
		TokenEndpointAuthMethodsSupported: authMethods,
		CodeChallengeMethodsSupported:     challengeMethods,
	}
	if !s.Config.Security.DisableRegistration {
		md.RegistrationEndpoint = issuer + "/oauth/register"
	}
	return md
}

// ProtectedResourceMetadata builds the RFC 9728 document for the
// resource this proxy fronts.
func (s *Server) ProtectedResourceMetadata() *ProtectedResourceMetadata {
	issuer := util.NormalizeURL(s.Config.Issuer)
	return &ProtectedResourceMetadata{
		Resource:               issuer,
		AuthorizationServers:   []string{issuer},
		ScopesSupported:        s.supportedScopes(),
		BearerMethodsSupported: []string{"header"},
	}
}
