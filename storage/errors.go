package storage

import "errors"

// Sentinel errors returned by store implementations. Callers distinguish
// outcomes with errors.Is; implementations may wrap these with detail.
var (
	// ErrTokenNotFound indicates no token record exists for the key.
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExpired indicates a record exists but is past its expiry.
	ErrTokenExpired = errors.New("token expired")

	// ErrClientNotFound indicates no client is registered under the ID.
	ErrClientNotFound = errors.New("client not found")

	// ErrStateNotFound indicates the authorization state is absent,
	// already consumed, or expired. The three cases are deliberately
	// indistinguishable: an expired state is as good as gone.
	ErrStateNotFound = errors.New("authorization state not found")

	// ErrCodeNotFound indicates the authorization code never existed or
	// was swept after expiry.
	ErrCodeNotFound = errors.New("authorization code not found")

	// ErrCodeExpired indicates the authorization code exists but is past
	// its TTL.
	ErrCodeExpired = errors.New("authorization code expired")

	// ErrCodeUsed indicates the authorization code was already redeemed.
	// Receiving this is a replay signal.
	ErrCodeUsed = errors.New("authorization code already used")

	// ErrRegistrationLimitExceeded indicates the IP reached the client
	// registration cap.
	ErrRegistrationLimitExceeded = errors.New("client registration limit exceeded for IP")
)
