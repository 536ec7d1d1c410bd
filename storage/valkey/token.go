package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/onimsha/airtable-mcp-server-oauth/storage"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// tokenRecordJSON is the JSON representation of a token record
type tokenRecordJSON struct {
	UserKey      string `json:"user_key"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	UpdatedAt    int64  `json:"updated_at"`
}

func toTokenRecordJSON(record *storage.TokenRecord) *tokenRecordJSON {
	j := &tokenRecordJSON{
		UserKey:      record.UserKey,
		AccessToken:  record.AccessToken,
		RefreshToken: record.RefreshToken,
		TokenType:    record.TokenType,
		Scope:        record.Scope,
		UpdatedAt:    record.UpdatedAt.Unix(),
	}
	if !record.ExpiresAt.IsZero() {
		j.ExpiresAt = record.ExpiresAt.Unix()
	}
	return j
}

func fromTokenRecordJSON(j *tokenRecordJSON) *storage.TokenRecord {
	if j == nil {
		return nil
	}
	record := &storage.TokenRecord{
		UserKey:      j.UserKey,
		AccessToken:  j.AccessToken,
		RefreshToken: j.RefreshToken,
		TokenType:    j.TokenType,
		Scope:        j.Scope,
		UpdatedAt:    time.Unix(j.UpdatedAt, 0),
	}
	if j.ExpiresAt > 0 {
		record.ExpiresAt = time.Unix(j.ExpiresAt, 0)
	}
	return record
}

// SaveToken stores or replaces the token record for a user key.
// Records with a refresh token are stored without TTL so they survive
// access token expiry; unrefreshable records expire with the token.
func (s *Store) SaveToken(ctx context.Context, userKey string, record *storage.TokenRecord) error {
	if userKey == "" {
		return fmt.Errorf("user key cannot be empty")
	}
	if record == nil {
		return fmt.Errorf("token record cannot be nil")
	}
	if err := validateStringLength(userKey, MaxIDLength, "userKey"); err != nil {
		return err
	}

	data, err := json.Marshal(toTokenRecordJSON(record))
	if err != nil {
		return fmt.Errorf("failed to marshal token record: %w", err)
	}
	if len(data) > MaxRecordSize {
		return errInputTooLarge
	}

	key := s.tokenKey(userKey)

	var execErr error
	if record.RefreshToken == "" && !record.ExpiresAt.IsZero() {
		ttl := calculateTTL(record.ExpiresAt)
		if ttl <= 0 {
			return fmt.Errorf("token already expired")
		}
		execErr = s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build()).Error()
	} else {
		execErr = s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error()
	}
	if execErr != nil {
		return fmt.Errorf("failed to save token record: %w", execErr)
	}

	s.logger.Debug("Saved token", "user_key", userKey)
	return nil
}

// GetToken retrieves the token record for a user key.
func (s *Store) GetToken(ctx context.Context, userKey string) (*storage.TokenRecord, error) {
	key := s.tokenKey(userKey)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token record: %w", err)
	}

	var j tokenRecordJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token record: %w", err)
	}

	record := fromTokenRecordJSON(&j)

	// Expired with no refresh token is unrecoverable
	if !record.ExpiresAt.IsZero() && time.Now().After(record.ExpiresAt) && record.RefreshToken == "" {
		return nil, storage.ErrTokenExpired
	}

	return record, nil
}

// DeleteToken removes the token record for a user key.
func (s *Store) DeleteToken(ctx context.Context, userKey string) error {
	key := s.tokenKey(userKey)

	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete token record: %w", err)
	}

	s.logger.Debug("Deleted token", "user_key", userKey)
	return nil
}

// SaveRefreshToken records a refresh token to user key mapping.
// TTL enforcement is delegated to Valkey.
func (s *Store) SaveRefreshToken(ctx context.Context, refreshToken, userKey string, expiresAt time.Time) error {
	if refreshToken == "" {
		return fmt.Errorf("refresh token cannot be empty")
	}
	if userKey == "" {
		return fmt.Errorf("user key cannot be empty")
	}
	if err := validateStringLength(refreshToken, MaxTokenLength, "refreshToken"); err != nil {
		return err
	}
	if err := validateStringLength(userKey, MaxIDLength, "userKey"); err != nil {
		return err
	}

	key := s.refreshTokenKey(refreshToken)

	ttl := calculateTTL(expiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh token already expired")
	}

	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(userKey).Ex(ttl).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}

	s.logger.Debug("Saved refresh token", "user_key", userKey, "expires_at", expiresAt)
	return nil
}

// DeleteRefreshToken removes a refresh token mapping.
func (s *Store) DeleteRefreshToken(ctx context.Context, refreshToken string) error {
	key := s.refreshTokenKey(refreshToken)

	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}

	s.logger.Debug("Deleted refresh token")
	return nil
}

// luaAtomicGetAndDeleteRefresh atomically retrieves and deletes a refresh
// token mapping. Expired keys are removed by Valkey's TTL, so a present
// key is live by definition.
//
// KEYS[1] = refresh token key
//
// Returns the user key on success, or "NOT_FOUND".
const luaAtomicGetAndDeleteRefresh = `
local userKey = redis.call('GET', KEYS[1])
if not userKey then
    return 'NOT_FOUND'
end
redis.call('DEL', KEYS[1])
return userKey
`

// AtomicGetAndDeleteRefreshToken atomically retrieves and deletes a
// refresh token mapping via a Lua script. Only one concurrent caller can
// succeed; all others get ErrTokenNotFound.
func (s *Store) AtomicGetAndDeleteRefreshToken(ctx context.Context, refreshToken string) (string, error) {
	key := s.refreshTokenKey(refreshToken)

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaAtomicGetAndDeleteRefresh).
			Numkeys(1).
			Key(key).
			Build(),
	).ToString()
	if err != nil {
		return "", fmt.Errorf("failed to execute atomic refresh token operation: %w", err)
	}

	if result == "NOT_FOUND" {
		return "", fmt.Errorf("%w: refresh token not found or already rotated", storage.ErrTokenNotFound)
	}

	s.logger.Debug("Atomically consumed refresh token", "user_key", result)
	return result, nil
}
