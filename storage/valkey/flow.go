package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/onimsha/airtable-mcp-server-oauth/storage"
)

// ============================================================
// FlowStore Implementation
// ============================================================

// authorizationStateJSON is the JSON representation of a pending
// authorization
type authorizationStateJSON struct {
	StateID              string `json:"state_id"`
	ClientID             string `json:"client_id"`
	RedirectURI          string `json:"redirect_uri"`
	Scope                string `json:"scope"`
	CodeChallenge        string `json:"code_challenge,omitempty"`
	CodeChallengeMethod  string `json:"code_challenge_method,omitempty"`
	ProviderState        string `json:"provider_state"`
	ProviderCodeVerifier string `json:"provider_code_verifier,omitempty"`
	CreatedAt            int64  `json:"created_at"`
	ExpiresAt            int64  `json:"expires_at"`
}

func toAuthorizationStateJSON(state *storage.AuthorizationState) *authorizationStateJSON {
	return &authorizationStateJSON{
		StateID:              state.StateID,
		ClientID:             state.ClientID,
		RedirectURI:          state.RedirectURI,
		Scope:                state.Scope,
		CodeChallenge:        state.CodeChallenge,
		CodeChallengeMethod:  state.CodeChallengeMethod,
		ProviderState:        state.ProviderState,
		ProviderCodeVerifier: state.ProviderCodeVerifier,
		CreatedAt:            state.CreatedAt.Unix(),
		ExpiresAt:            state.ExpiresAt.Unix(),
	}
}

func fromAuthorizationStateJSON(j *authorizationStateJSON) *storage.AuthorizationState {
	if j == nil {
		return nil
	}
	return &storage.AuthorizationState{
		StateID:              j.StateID,
		ClientID:             j.ClientID,
		RedirectURI:          j.RedirectURI,
		Scope:                j.Scope,
		CodeChallenge:        j.CodeChallenge,
		CodeChallengeMethod:  j.CodeChallengeMethod,
		ProviderState:        j.ProviderState,
		ProviderCodeVerifier: j.ProviderCodeVerifier,
		CreatedAt:            time.Unix(j.CreatedAt, 0),
		ExpiresAt:            time.Unix(j.ExpiresAt, 0),
	}
}

// authorizationCodeJSON is the JSON representation of an authorization code
type authorizationCodeJSON struct {
	Code                string        `json:"code"`
	UpstreamCode        string        `json:"upstream_code,omitempty"`
	ClientID            string        `json:"client_id"`
	RedirectURI         string        `json:"redirect_uri"`
	Scope               string        `json:"scope"`
	CodeChallenge       string        `json:"code_challenge,omitempty"`
	CodeChallengeMethod string        `json:"code_challenge_method,omitempty"`
	UserKey             string        `json:"user_key"`
	ProviderToken       *oauth2.Token `json:"provider_token,omitempty"`
	CreatedAt           int64         `json:"created_at"`
	ExpiresAt           int64         `json:"expires_at"`
	Used                bool          `json:"used"`
}

func toAuthorizationCodeJSON(code *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		Code:                code.Code,
		UpstreamCode:        code.UpstreamCode,
		ClientID:            code.ClientID,
		RedirectURI:         code.RedirectURI,
		Scope:               code.Scope,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		UserKey:             code.UserKey,
		ProviderToken:       code.ProviderToken,
		CreatedAt:           code.CreatedAt.Unix(),
		ExpiresAt:           code.ExpiresAt.Unix(),
		Used:                code.Used,
	}
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	if j == nil {
		return nil
	}
	return &storage.AuthorizationCode{
		Code:                j.Code,
		UpstreamCode:        j.UpstreamCode,
		ClientID:            j.ClientID,
		RedirectURI:         j.RedirectURI,
		Scope:               j.Scope,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		UserKey:             j.UserKey,
		ProviderToken:       j.ProviderToken,
		CreatedAt:           time.Unix(j.CreatedAt, 0),
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
		Used:                j.Used,
	}
}

// SaveAuthorizationState stores a pending authorization, keyed by the
// provider state the callback will present. The TTL enforces expiry.
func (s *Store) SaveAuthorizationState(ctx context.Context, state *storage.AuthorizationState) error {
	if state == nil || state.ProviderState == "" {
		return fmt.Errorf("invalid authorization state")
	}

	data, err := json.Marshal(toAuthorizationStateJSON(state))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization state: %w", err)
	}

	ttl := calculateTTL(state.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization state already expired")
	}

	key := s.stateKey(state.ProviderState)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save authorization state: %w", err)
	}

	s.logger.Debug("Saved authorization state",
		"client_id", state.ClientID,
		"provider_state_prefix", safeTruncate(state.ProviderState, tokenIDLogLength))
	return nil
}

// luaAtomicConsumeState atomically retrieves and deletes a pending
// authorization. Expired keys are removed by Valkey's TTL, so a present
// key is live by definition.
//
// KEYS[1] = state key
//
// Returns the JSON data on success, or "NOT_FOUND".
const luaAtomicConsumeState = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end
redis.call('DEL', KEYS[1])
return data
`

// AtomicConsumeAuthorizationState atomically retrieves and deletes a
// pending authorization by provider state via a Lua script. Absent and
// expired entries both yield ErrStateNotFound.
func (s *Store) AtomicConsumeAuthorizationState(ctx context.Context, providerState string) (*storage.AuthorizationState, error) {
	key := s.stateKey(providerState)

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaAtomicConsumeState).
			Numkeys(1).
			Key(key).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic state consume: %w", err)
	}

	if result == "NOT_FOUND" {
		return nil, fmt.Errorf("%w: provider state", storage.ErrStateNotFound)
	}

	var j authorizationStateJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization state: %w", err)
	}

	state := fromAuthorizationStateJSON(&j)

	// TTL should have removed it, but guard against clock drift
	if time.Now().After(state.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization state expired", storage.ErrStateNotFound)
	}

	s.logger.Debug("Consumed authorization state",
		"client_id", state.ClientID,
		"provider_state_prefix", safeTruncate(providerState, tokenIDLogLength))
	return state, nil
}

// DeleteAuthorizationState removes a pending authorization, if present.
func (s *Store) DeleteAuthorizationState(ctx context.Context, providerState string) error {
	key := s.stateKey(providerState)

	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete authorization state: %w", err)
	}

	s.logger.Debug("Deleted authorization state")
	return nil
}

// SaveAuthorizationCode stores an issued authorization code with a TTL.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	ttl := calculateTTL(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	key := s.codeKey(code.Code)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", safeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// luaAtomicRedeemCode atomically checks that an authorization code is
// unused and marks it as used. Only one concurrent caller can succeed.
//
// KEYS[1] = code key
// ARGV[1] = current Unix timestamp in seconds
//
// Returns:
//   - the original JSON data if the code was unused and is now marked used
//   - "NOT_FOUND" if the key doesn't exist
//   - "EXPIRED" if the stored expiry has passed
//   - "ALREADY_USED:<json>" if the code was already redeemed
const luaAtomicRedeemCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)

local now = tonumber(ARGV[1])
local expiresAt = tonumber(code.expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end

if code.used then
    return 'ALREADY_USED:' .. data
end

code.used = true
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')

return data
`

// AtomicRedeemAuthorizationCode atomically checks and marks a code as
// used via a Lua script. The stored code is returned alongside
// ErrCodeUsed so callers can revoke tokens minted from the first
// redemption; not-found and expired outcomes return nil.
func (s *Store) AtomicRedeemAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	key := s.codeKey(code)

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaAtomicRedeemCode).
			Numkeys(1).
			Key(key).
			Arg(fmt.Sprintf("%d", time.Now().Unix())).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic code redemption: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrCodeNotFound
	case result == "EXPIRED":
		return nil, fmt.Errorf("%w: authorization code expired", storage.ErrCodeExpired)
	case strings.HasPrefix(result, "ALREADY_USED:"):
		codeData := strings.TrimPrefix(result, "ALREADY_USED:")
		var j authorizationCodeJSON
		if err := json.Unmarshal([]byte(codeData), &j); err != nil {
			return nil, fmt.Errorf("%w: failed to parse reused code", storage.ErrCodeUsed)
		}
		return fromAuthorizationCodeJSON(&j), storage.ErrCodeUsed
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse authorization code: %w", err)
	}

	s.logger.Debug("Redeemed authorization code",
		"code_prefix", safeTruncate(code, tokenIDLogLength))

	return fromAuthorizationCodeJSON(&j), nil
}

// DeleteAuthorizationCode removes an authorization code, if present.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	key := s.codeKey(code)

	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}

	s.logger.Debug("Deleted authorization code")
	return nil
}
