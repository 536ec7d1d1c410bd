package security

// Event type constants for security audit logging.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when a new access token is issued to a client
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when an access token is refreshed
	EventTokenRefreshed = "token_refreshed"

	// EventTokenProactivelyRefreshed is logged when a token is refreshed before expiry
	EventTokenProactivelyRefreshed = "token_proactively_refreshed"

	// EventTokenRevoked is logged when a token is revoked locally
	EventTokenRevoked = "token_revoked"

	// Authorization flow events

	// EventAuthorizationFlowStarted is logged when an authorization flow is initiated
	EventAuthorizationFlowStarted = "authorization_flow_started"

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when a code is replayed (attack)
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// Client registration events

	// EventClientRegistered is logged when a new OAuth client is registered
	EventClientRegistered = "client_registered"

	// EventClientUpdated is logged when a client registration is modified
	EventClientUpdated = "client_updated"

	// EventClientDeleted is logged when a client registration is deleted
	EventClientDeleted = "client_deleted"

	// EventClientRegistrationRejected is logged when registration is rejected
	EventClientRegistrationRejected = "client_registration_rejected"

	// Security violation events

	// EventAuthFailure is logged when authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when code_verifier validation fails
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventInvalidRedirect is logged when an invalid redirect URI is used
	EventInvalidRedirect = "invalid_redirect"

	// Provider events

	// EventProviderStateMismatch is logged when the provider callback state is unknown
	EventProviderStateMismatch = "provider_state_mismatch"

	// EventProviderCodeExchangeFailed is logged when the upstream exchange fails
	EventProviderCodeExchangeFailed = "provider_code_exchange_failed"

	// EventProactiveRefreshFailed is logged when proactive token refresh fails
	EventProactiveRefreshFailed = "proactive_refresh_failed"
)
