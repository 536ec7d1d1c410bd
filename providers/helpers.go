package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

const (
	maxAttempts    = 3
	initialBackoff = 100 * time.Millisecond
)

// ExchangeCodeWithPKCE exchanges an authorization code for tokens,
// sending the PKCE code_verifier with the request. httpClient may be nil
// to use the default client.
func ExchangeCodeWithPKCE(ctx context.Context, config *oauth2.Config, code, codeVerifier string, httpClient *http.Client) (*oauth2.Token, error) {
	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}

	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}

	token, err := doWithRetry(ctx, func() (*oauth2.Token, error) {
		return config.Exchange(ctx, code, opts...)
	})
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}
	return token, nil
}

// RefreshTokenGrant performs a refresh_token grant against the provider's
// token endpoint. The returned token keeps the old refresh token if the
// provider did not rotate it.
func RefreshTokenGrant(ctx context.Context, config *oauth2.Config, refreshToken string, httpClient *http.Client) (*oauth2.Token, error) {
	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}

	src := config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := doWithRetry(ctx, src.Token)
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	return token, nil
}

// doWithRetry runs fn with bounded retries. Transport failures and 5xx
// responses are retried with exponential backoff; 4xx responses are
// definitive and returned immediately.
func doWithRetry(ctx context.Context, fn func() (*oauth2.Token, error)) (*oauth2.Token, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := initialBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		token, err := fn()
		if err == nil {
			return token, nil
		}
		lastErr = err

		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			if retrieveErr.Response != nil && retrieveErr.Response.StatusCode < 500 {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

// IsProviderDenial reports whether err is a definitive 4xx rejection from
// the provider's token endpoint, as opposed to a transient failure.
func IsProviderDenial(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return false
	}
	if retrieveErr.Response == nil {
		return false
	}
	code := retrieveErr.Response.StatusCode
	return code >= 400 && code < 500
}
