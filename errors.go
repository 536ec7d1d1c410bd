package oauth

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth 2.0 error codes (RFC 6749 section 5.2, RFC 7591 section 3.2.2).
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeServerError             = "server_error"
	ErrorCodeInvalidClientMetadata   = "invalid_client_metadata"
	ErrorCodeInvalidRedirectURI      = "invalid_redirect_uri"

	// ErrorCodeInvalidState marks a provider callback whose state is
	// unknown, expired, or already consumed. Kept distinct from
	// invalid_grant so callers can tell a broken callback from a bad
	// code redemption.
	ErrorCodeInvalidState = "invalid_state"
)

// ErrUnauthenticated is returned by the token manager when no usable
// token exists for a user key and a refresh is not possible. The caller
// must restart the authorization flow.
var ErrUnauthenticated = errors.New("no valid token available, re-authorization required")

// OAuthError is an OAuth 2.0 protocol error carrying the machine-readable
// error code, a human-readable description, and the HTTP status the error
// maps to at the transport boundary.
type OAuthError struct {
	Code        string
	Description string
	Status      int
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError builds an OAuthError with an explicit status code.
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{Code: code, Description: description, Status: status}
}

// ErrInvalidRequest reports a malformed or incomplete request.
func ErrInvalidRequest(description string) *OAuthError {
	return NewOAuthError(ErrorCodeInvalidRequest, description, http.StatusBadRequest)
}

// ErrInvalidClient reports failed client authentication or an unknown
// client. Per RFC 6749 this maps to 401.
func ErrInvalidClient(description string) *OAuthError {
	return NewOAuthError(ErrorCodeInvalidClient, description, http.StatusUnauthorized)
}

// ErrInvalidGrant reports an invalid, expired, or already-consumed grant
// (authorization code, refresh token, or PKCE verifier mismatch).
func ErrInvalidGrant(description string) *OAuthError {
	return NewOAuthError(ErrorCodeInvalidGrant, description, http.StatusBadRequest)
}

// ErrInvalidState reports a provider callback whose state parameter does
// not match any pending authorization.
func ErrInvalidState(description string) *OAuthError {
	return NewOAuthError(ErrorCodeInvalidState, description, http.StatusBadRequest)
}

// ErrInvalidScope reports a scope outside the supported set.
func ErrInvalidScope(description string) *OAuthError {
	return NewOAuthError(ErrorCodeInvalidScope, description, http.StatusBadRequest)
}

// ErrUnauthorizedClient reports a client not authorized for the requested
// grant type.
func ErrUnauthorizedClient(description string) *OAuthError {
	return NewOAuthError(ErrorCodeUnauthorizedClient, description, http.StatusBadRequest)
}

// ErrUnsupportedGrantType reports an unknown grant_type value.
func ErrUnsupportedGrantType(description string) *OAuthError {
	return NewOAuthError(ErrorCodeUnsupportedGrantType, description, http.StatusBadRequest)
}

// ErrServerError reports an internal failure. The description should stay
// generic; details belong in logs, not in the response body.
func ErrServerError(description string) *OAuthError {
	return NewOAuthError(ErrorCodeServerError, description, http.StatusInternalServerError)
}

// ErrInvalidClientMetadata reports invalid registration metadata
// (RFC 7591 section 3.2.2).
func ErrInvalidClientMetadata(description string) *OAuthError {
	return NewOAuthError(ErrorCodeInvalidClientMetadata, description, http.StatusBadRequest)
}

// ErrInvalidRedirectURI reports a malformed or disallowed redirect URI in
// a registration request.
func ErrInvalidRedirectURI(description string) *OAuthError {
	return NewOAuthError(ErrorCodeInvalidRedirectURI, description, http.StatusBadRequest)
}

// AsOAuthError unwraps err into an *OAuthError if one is in the chain.
func AsOAuthError(err error) (*OAuthError, bool) {
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}
