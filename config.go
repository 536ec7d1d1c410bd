package oauth

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"
)

// Default TTLs and policy values applied by applySecureDefaults.
const (
	DefaultStateTTL             = 10 * time.Minute
	DefaultAuthorizationCodeTTL = 10 * time.Minute
	DefaultRefreshTokenTTL      = 60 * 24 * time.Hour
	DefaultRefreshMargin        = 5 * time.Minute
	DefaultMinStateLength       = 8
	DefaultMaxClientsPerIP      = 10
)

// RateLimitConfig controls the per-IP request rate limiter at the HTTP
// boundary.
type RateLimitConfig struct {
	// Rate is the sustained requests per second allowed per IP.
	Rate int

	// Burst is the burst size allowed per IP.
	Burst int

	// Disabled turns rate limiting off entirely. Intended for tests.
	Disabled bool
}

// SecurityConfig groups the security policy knobs.
type SecurityConfig struct {
	// RegistrationAccessToken, when set, is required as a bearer token on
	// every registration operation, reads included.
	RegistrationAccessToken string

	// DisableRegistration turns off the dynamic registration endpoints.
	DisableRegistration bool

	// MaxClientsPerIP caps dynamic registrations per source IP. 0 means
	// the default cap; negative disables the check.
	MaxClientsPerIP int

	// AllowAuthWithoutPKCE permits authorization requests that carry no
	// code challenge. Off by default; PKCE is mandatory otherwise.
	AllowAuthWithoutPKCE bool

	// AllowPKCEPlain permits the "plain" code challenge method for
	// legacy clients. Off by default; only S256 is accepted.
	AllowPKCEPlain bool

	// AllowInsecureHTTP permits a non-localhost http:// issuer. Off by
	// default; production issuers must be https.
	AllowInsecureHTTP bool

	// TrustProxy enables X-Forwarded-For parsing for client IPs.
	TrustProxy bool

	// TrustedProxyCount is the number of trailing proxies to skip in
	// X-Forwarded-For when TrustProxy is set.
	TrustedProxyCount int

	// EnableAuditLogging turns on the security audit log.
	EnableAuditLogging bool
}

// Config configures the OAuth proxy server.
type Config struct {
	// Issuer is the externally visible base URL of this server, e.g.
	// "https://oauth.example.com". Endpoint URLs in metadata are derived
	// from it. Required.
	Issuer string

	// SupportedScopes restricts the scopes clients may request. When
	// empty, the provider's supported scope set is used.
	SupportedScopes []string

	// StateTTL bounds the lifetime of a pending authorization.
	StateTTL time.Duration

	// AuthorizationCodeTTL bounds the lifetime of a proxy-issued code.
	AuthorizationCodeTTL time.Duration

	// RefreshTokenTTL bounds how long a refresh token mapping is kept.
	RefreshTokenTTL time.Duration

	// RefreshMargin is how far before expiry GetValidToken refreshes
	// proactively.
	RefreshMargin time.Duration

	// MinStateLength is the minimum accepted client state length.
	MinStateLength int

	RateLimit RateLimitConfig
	Security  SecurityConfig

	// Logger receives structured logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// applySecureDefaults fills zero values with secure defaults and returns
// the same config for chaining.
func (c *Config) applySecureDefaults() *Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.StateTTL <= 0 {
		c.StateTTL = DefaultStateTTL
	}
	if c.AuthorizationCodeTTL <= 0 {
		c.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if c.RefreshMargin <= 0 {
		c.RefreshMargin = DefaultRefreshMargin
	}
	if c.MinStateLength <= 0 {
		c.MinStateLength = DefaultMinStateLength
	}
	if c.Security.MaxClientsPerIP == 0 {
		c.Security.MaxClientsPerIP = DefaultMaxClientsPerIP
	}
	if c.RateLimit.Rate <= 0 {
		c.RateLimit.Rate = 10
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 20
	}
	return c
}

// Validate checks the config for misconfiguration that must fail at
// startup rather than at request time.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	issuerURL, err := url.Parse(c.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	switch issuerURL.Scheme {
	case "https":
	case "http":
		hostname := issuerURL.Hostname()
		if !isLocalhostHostname(hostname) && !c.Security.AllowInsecureHTTP {
			return fmt.Errorf("issuer must use https in production (got http://%s); "+
				"set Security.AllowInsecureHTTP to override", hostname)
		}
		if c.Logger != nil {
			c.Logger.Warn("Running OAuth server over plain HTTP",
				"issuer", c.Issuer,
				"risk", "tokens and credentials exposed to interception")
		}
	default:
		return fmt.Errorf("invalid issuer URL scheme: %q (must be http or https)", issuerURL.Scheme)
	}
	if issuerURL.Fragment != "" || issuerURL.RawQuery != "" {
		return fmt.Errorf("issuer URL must not contain a query or fragment")
	}
	return nil
}

// isLocalhostHostname reports whether hostname refers to the local
// machine: localhost, 0.0.0.0, the 127.0.0.0/8 range, or ::1.
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" || hostname == "0.0.0.0" {
		return true
	}
	clean := hostname
	if len(clean) > 2 && clean[0] == '[' && clean[len(clean)-1] == ']' {
		clean = clean[1 : len(clean)-1]
	}
	if ip := net.ParseIP(clean); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
