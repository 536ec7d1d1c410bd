package oauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/onimsha/airtable-mcp-server-oauth/internal/util"
	"github.com/onimsha/airtable-mcp-server-oauth/providers"
	"github.com/onimsha/airtable-mcp-server-oauth/security"
	"github.com/onimsha/airtable-mcp-server-oauth/storage"
)

// Token manager: owns the access/refresh token lifecycle per user key.
// Provider tokens are stored as-is; at most one live record exists per
// user key, and a refresh replaces the record in place.

// Store persists the provider token response under userKey, replacing
// any prior record. The refresh token mapping is kept in sync so the
// refresh_token grant can locate the record later.
func (s *Server) Store(ctx context.Context, userKey string, token *oauth2.Token, scope string) (*storage.TokenRecord, error) {
	prior, _ := s.tokenStore.GetToken(ctx, userKey)

	record := storage.NewTokenRecord(userKey, token, scope, prior)
	if err := s.tokenStore.SaveToken(ctx, userKey, record); err != nil {
		return nil, fmt.Errorf("failed to save token: %w", err)
	}

	if prior != nil && prior.RefreshToken != "" && prior.RefreshToken != record.RefreshToken {
		if err := s.tokenStore.DeleteRefreshToken(ctx, prior.RefreshToken); err != nil {
			s.Config.Logger.Warn("Failed to delete superseded refresh token mapping", "error", err)
		}
	}
	if record.RefreshToken != "" {
		expiresAt := time.Now().Add(s.Config.RefreshTokenTTL)
		if err := s.tokenStore.SaveRefreshToken(ctx, record.RefreshToken, userKey, expiresAt); err != nil {
			s.Config.Logger.Warn("Failed to save refresh token mapping", "error", err)
		}
	}
	return record, nil
}

// GetValidToken returns a usable access token for userKey, refreshing
// proactively when expiry is inside the configured margin. Concurrent
// calls for the same user key share one in-flight refresh.
//
// Returns ErrUnauthenticated when no record exists or the provider
// definitively rejected the refresh; the caller must restart the
// authorization flow.
func (s *Server) GetValidToken(ctx context.Context, userKey string) (string, error) {
	record, err := s.tokenStore.GetToken(ctx, userKey)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) || errors.Is(err, storage.ErrTokenExpired) {
			return "", ErrUnauthenticated
		}
		return "", fmt.Errorf("failed to read token: %w", err)
	}

	if !security.IsTokenExpiringSoon(record.ExpiresAt, s.Config.RefreshMargin) {
		return record.AccessToken, nil
	}
	if record.RefreshToken == "" {
		if security.IsTokenExpired(record.ExpiresAt) {
			return "", ErrUnauthenticated
		}
		// Near expiry but nothing to refresh with; hand out what we have.
		return record.AccessToken, nil
	}

	refreshed, err := s.Refresh(ctx, userKey)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			return "", err
		}
		// Transient upstream failure. The current token may still be
		// inside the margin; hand it out rather than failing the caller.
		if !security.IsTokenExpired(record.ExpiresAt) {
			s.Config.Logger.Warn("Proactive token refresh failed, serving current token",
				"user_key", util.SafeTruncate(userKey, 8),
				"error", err)
			return record.AccessToken, nil
		}
		return "", fmt.Errorf("token refresh failed: %w", err)
	}
	return refreshed.AccessToken, nil
}

// Refresh performs an upstream refresh for userKey and replaces the
// stored record. Calls for the same user key are serialized through
// singleflight so a concurrent second caller reuses the first result;
// providers rotate the refresh token on use, so duplicate upstream
// refreshes would invalidate each other.
//
// A definitive provider rejection (4xx) deletes the local record and
// returns ErrUnauthenticated: the upstream is ground truth and the
// refresh token is gone for good. Transport failures leave the record
// in place.
func (s *Server) Refresh(ctx context.Context, userKey string) (*storage.TokenRecord, error) {
	result, err, _ := s.refreshGroup.Do(userKey, func() (any, error) {
		return s.doRefresh(ctx, userKey)
	})
	if err != nil {
		return nil, err
	}
	return result.(*storage.TokenRecord), nil
}

func (s *Server) doRefresh(ctx context.Context, userKey string) (*storage.TokenRecord, error) {
	record, err := s.tokenStore.GetToken(ctx, userKey)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	if record.RefreshToken == "" {
		return nil, ErrUnauthenticated
	}

	newToken, err := s.provider.RefreshToken(ctx, record.RefreshToken)
	if err != nil {
		if providers.IsProviderDenial(err) {
			s.Config.Logger.Info("Provider rejected refresh token, clearing local record",
				"user_key", util.SafeTruncate(userKey, 8))
			if clearErr := s.Clear(ctx, userKey); clearErr != nil {
				s.Config.Logger.Warn("Failed to clear record after refresh rejection", "error", clearErr)
			}
			s.auditAuthFailure(userKey, "", "refresh_token_rejected")
			return nil, fmt.Errorf("%w: provider rejected refresh token", ErrUnauthenticated)
		}
		return nil, fmt.Errorf("upstream refresh failed: %w", err)
	}

	newRecord := storage.NewTokenRecord(userKey, newToken, record.Scope, record)
	if err := s.tokenStore.SaveToken(ctx, userKey, newRecord); err != nil {
		return nil, fmt.Errorf("failed to save refreshed token: %w", err)
	}

	rotated := newRecord.RefreshToken != record.RefreshToken
	if rotated {
		if err := s.tokenStore.DeleteRefreshToken(ctx, record.RefreshToken); err != nil {
			s.Config.Logger.Warn("Failed to delete rotated refresh token mapping", "error", err)
		}
		expiresAt := time.Now().Add(s.Config.RefreshTokenTTL)
		if err := s.tokenStore.SaveRefreshToken(ctx, newRecord.RefreshToken, userKey, expiresAt); err != nil {
			s.Config.Logger.Warn("Failed to save rotated refresh token mapping", "error", err)
		}
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(userKey, "", "", rotated)
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenRefresh(ctx, userKey, rotated)
	}
	return newRecord, nil
}

// RefreshWithToken services the refresh_token grant at the token
// endpoint. The presented refresh token mapping is consumed atomically,
// so concurrent presentations of the same token yield one success.
func (s *Server) RefreshWithToken(ctx context.Context, refreshToken, clientID string) (*TokenResponse, error) {
	userKey, err := s.tokenStore.AtomicGetAndDeleteRefreshToken(ctx, refreshToken)
	if err != nil {
		s.Config.Logger.Debug("Refresh token lookup failed",
			"client_id", clientID,
			"token_prefix", util.SafeTruncate(refreshToken, 8),
			"error", err)
		s.auditAuthFailure("", clientID, "invalid_refresh_token")
		return nil, ErrInvalidGrant("invalid refresh token")
	}

	// User keys are the issuing client's ID, so a token presented by a
	// different client is a stolen token.
	if clientID != "" && userKey != clientID {
		s.auditAuthFailure(userKey, clientID, "refresh_token_client_mismatch")
		return nil, ErrInvalidGrant("invalid refresh token")
	}

	record, err := s.tokenStore.GetToken(ctx, userKey)
	if err != nil {
		return nil, ErrInvalidGrant("invalid refresh token")
	}
	if subtle.ConstantTimeCompare([]byte(record.RefreshToken), []byte(refreshToken)) != 1 {
		s.auditAuthFailure(userKey, clientID, "refresh_token_mismatch")
		return nil, ErrInvalidGrant("invalid refresh token")
	}

	newToken, err := s.provider.RefreshToken(ctx, refreshToken)
	if err != nil {
		if providers.IsProviderDenial(err) {
			if clearErr := s.Clear(ctx, userKey); clearErr != nil {
				s.Config.Logger.Warn("Failed to clear record after refresh rejection", "error", clearErr)
			}
			s.auditAuthFailure(userKey, clientID, "refresh_token_rejected")
			return nil, ErrInvalidGrant("refresh token rejected by provider")
		}
		// Transient failure. The token was not consumed upstream, so the
		// mapping must survive for the client to retry the grant.
		expiresAt := time.Now().Add(s.Config.RefreshTokenTTL)
		if saveErr := s.tokenStore.SaveRefreshToken(ctx, refreshToken, userKey, expiresAt); saveErr != nil {
			s.Config.Logger.Error("Failed to restore refresh token mapping after transient upstream failure",
				"user_key", util.SafeTruncate(userKey, 8),
				"error", saveErr)
		}
		return nil, ErrServerError("upstream refresh failed")
	}

	newRecord, err := s.Store(ctx, userKey, newToken, record.Scope)
	if err != nil {
		return nil, ErrServerError("failed to persist refreshed token")
	}

	rotated := newRecord.RefreshToken != refreshToken
	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(userKey, clientID, "", rotated)
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenRefresh(ctx, clientID, rotated)
	}
	return tokenResponse(newRecord), nil
}

// Clear deletes the local token record for userKey. The upstream
// provider has no revocation endpoint, so the provider-side token
// remains valid until it expires; this is a documented limitation of
// local revocation, not an error.
func (s *Server) Clear(ctx context.Context, userKey string) error {
	record, err := s.tokenStore.GetToken(ctx, userKey)
	if err == nil && record.RefreshToken != "" {
		if delErr := s.tokenStore.DeleteRefreshToken(ctx, record.RefreshToken); delErr != nil {
			s.Config.Logger.Warn("Failed to delete refresh token mapping", "error", delErr)
		}
	}
	if err == nil && record.AccessToken != "" {
		if revokeErr := s.provider.RevokeToken(ctx, record.AccessToken); revokeErr != nil {
			if errors.Is(revokeErr, providers.ErrRevocationNotSupported) {
				s.Config.Logger.Debug("Provider does not support revocation, token cleared locally only",
					"user_key", util.SafeTruncate(userKey, 8))
			} else {
				s.Config.Logger.Warn("Provider revocation failed", "error", revokeErr)
			}
		}
	}
	if err := s.tokenStore.DeleteToken(ctx, userKey); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	if s.Auditor != nil {
		s.Auditor.LogTokenRevoked(userKey, "", "", "local")
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenRevocation(ctx, userKey)
	}
	return nil
}

// Introspect answers RFC 7662 introspection from local state only. A
// token is active when it matches the stored record for userKey and its
// expiry, past the clock-skew grace, has not passed. Expired records
// still report their exp so callers can distinguish expiry from
// revocation.
func (s *Server) Introspect(ctx context.Context, userKey, token string) *IntrospectionResponse {
	record, err := s.tokenStore.GetToken(ctx, userKey)
	if err != nil {
		return &IntrospectionResponse{Active: false}
	}

	matchesAccess := subtle.ConstantTimeCompare([]byte(record.AccessToken), []byte(token)) == 1
	matchesRefresh := record.RefreshToken != "" &&
		subtle.ConstantTimeCompare([]byte(record.RefreshToken), []byte(token)) == 1
	if !matchesAccess && !matchesRefresh {
		return &IntrospectionResponse{Active: false}
	}

	resp := &IntrospectionResponse{
		ClientID: userKey,
		Scope:    record.Scope,
	}
	if matchesRefresh {
		resp.TokenType = "refresh_token"
		resp.Active = true
		return resp
	}
	resp.TokenType = record.TokenType
	resp.Active = !security.IsTokenExpired(record.ExpiresAt)
	if !record.ExpiresAt.IsZero() {
		resp.ExpiresAt = record.ExpiresAt.Unix()
	}
	return resp
}
