package airtable

import (
	"fmt"
	"time"
)

// APIError is the generic error for Airtable API failures that are not
// one of the more specific types below.
type APIError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("airtable: %s (status %d)", e.Message, e.StatusCode)
	}
	return "airtable: " + e.Message
}

// AuthError indicates the access token was rejected. The caller should
// re-authorize rather than retry.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return "airtable: authentication failed: " + e.Message
}

// NotFoundError indicates the base, table, or record does not exist or
// is not visible to the authorized user.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return "airtable: not found: " + e.Resource
}

// RateLimitError indicates Airtable returned 429. RetryAfter is the
// server-suggested wait, zero when the header was absent.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return "airtable: rate limit exceeded"
}

// ValidationError indicates Airtable rejected the request body (422).
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "airtable: validation failed: " + e.Message
}
