package security

import "time"

const (
	// DefaultClockSkewGracePeriod tolerates NTP drift between this proxy,
	// clients, and the upstream provider when checking expiry.
	DefaultClockSkewGracePeriod = 5 * time.Second

	// DefaultRefreshMargin is how long before expiry a token is treated
	// as expiring and proactively refreshed.
	DefaultRefreshMargin = 5 * time.Minute
)

// IsTokenExpired checks expiry with the default clock skew grace period.
func IsTokenExpired(expiresAt time.Time) bool {
	return IsTokenExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsTokenExpiredWithGracePeriod checks expiry with a custom grace period.
// A zero expiry means no expiration.
func IsTokenExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}

// IsTokenExpiringSoon reports whether the expiry falls within threshold
// from now. A zero expiry never expires.
func IsTokenExpiringSoon(expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().Add(threshold).After(expiresAt)
}
