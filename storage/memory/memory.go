// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/onimsha/airtable-mcp-server-oauth/instrumentation"
	"github.com/onimsha/airtable-mcp-server-oauth/internal/util"
	"github.com/onimsha/airtable-mcp-server-oauth/security"
	"github.com/onimsha/airtable-mcp-server-oauth/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging
	// token and code prefixes.
	tokenIDLogLength = 8
)

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.RWMutex

	// Token storage, keyed by user key
	tokens map[string]*storage.TokenRecord

	// Refresh token tracking (rotation)
	refreshTokens        map[string]string // refresh token -> user key
	refreshTokenExpiries map[string]time.Time

	// Client storage
	clients      map[string]*storage.Client
	clientsPerIP map[string]int

	// Flow storage; states are keyed by provider state, which is the
	// only lookup key the callback has
	authStates map[string]*storage.AuthorizationState
	authCodes  map[string]*storage.AuthorizationCode

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for lock-free gauge callbacks
	tokensCountAtomic        atomic.Int64
	clientsCountAtomic       atomic.Int64
	flowsCountAtomic         atomic.Int64
	refreshTokensCountAtomic atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.ClientStore = (*Store)(nil)
	_ storage.FlowStore   = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval
// (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup
// interval. If cleanupInterval is 0 or negative, 1 minute is used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		tokens:               make(map[string]*storage.TokenRecord),
		refreshTokens:        make(map[string]string),
		refreshTokenExpiries: make(map[string]time.Time),
		clients:              make(map[string]*storage.Client),
		clientsPerIP:         make(map[string]int),
		authStates:           make(map[string]*storage.AuthorizationState),
		authCodes:            make(map[string]*storage.AuthorizationCode),
		cleanupInterval:      cleanupInterval,
		stopCleanup:          make(chan struct{}),
		logger:               slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation attaches OpenTelemetry instrumentation and registers
// the storage size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}

	s.tokensCountAtomic.Store(int64(len(s.tokens)))
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.flowsCountAtomic.Store(int64(len(s.authStates) + len(s.authCodes)))
	s.refreshTokensCountAtomic.Store(int64(len(s.refreshTokens)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.tokensCountAtomic.Load() },
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.flowsCountAtomic.Load() },
			func() int64 { return s.refreshTokensCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveToken stores or replaces the token record for a user key.
func (s *Store) SaveToken(ctx context.Context, userKey string, record *storage.TokenRecord) error {
	ctx, span := s.startStorageSpan(ctx, "save_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_token", err, startTime)
	}()

	if userKey == "" {
		err = fmt.Errorf("user key cannot be empty")
		return err
	}
	if record == nil {
		err = fmt.Errorf("token record cannot be nil")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.tokens[userKey]
	s.tokens[userKey] = record

	if !existed {
		s.tokensCountAtomic.Add(1)
	}

	s.logger.Debug("Saved token", "user_key", userKey)
	return nil
}

// GetToken retrieves the token record for a user key. Records whose
// access token has expired are still returned when a refresh token is
// present, so callers can refresh.
func (s *Store) GetToken(ctx context.Context, userKey string) (*storage.TokenRecord, error) {
	ctx, span := s.startStorageSpan(ctx, "get_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_token", err, startTime)
	}()

	s.mu.RLock()
	record, ok := s.tokens[userKey]
	s.mu.RUnlock()

	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrTokenNotFound, userKey)
		return nil, err
	}

	// Expired with no refresh token is unrecoverable
	if security.IsTokenExpired(record.ExpiresAt) && record.RefreshToken == "" {
		err = fmt.Errorf("%w: %s", storage.ErrTokenExpired, userKey)
		return nil, err
	}

	recordCopy := *record
	return &recordCopy, nil
}

// DeleteToken removes the token record for a user key.
func (s *Store) DeleteToken(ctx context.Context, userKey string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "delete_token", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.tokens[userKey]
	delete(s.tokens, userKey)

	if existed {
		s.tokensCountAtomic.Add(-1)
	}

	s.logger.Debug("Deleted token", "user_key", userKey)
	return nil
}

// SaveRefreshToken records a refresh token to user key mapping with expiry.
func (s *Store) SaveRefreshToken(ctx context.Context, refreshToken, userKey string, expiresAt time.Time) error {
	if refreshToken == "" {
		return fmt.Errorf("refresh token cannot be empty")
	}
	if userKey == "" {
		return fmt.Errorf("user key cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.refreshTokens[refreshToken]
	s.refreshTokens[refreshToken] = userKey
	s.refreshTokenExpiries[refreshToken] = expiresAt

	if !existed {
		s.refreshTokensCountAtomic.Add(1)
	}

	s.logger.Debug("Saved refresh token", "user_key", userKey, "expires_at", expiresAt)
	return nil
}

// DeleteRefreshToken removes a refresh token mapping.
func (s *Store) DeleteRefreshToken(ctx context.Context, refreshToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.refreshTokens[refreshToken]
	delete(s.refreshTokens, refreshToken)
	delete(s.refreshTokenExpiries, refreshToken)

	if existed {
		s.refreshTokensCountAtomic.Add(-1)
	}

	s.logger.Debug("Deleted refresh token")
	return nil
}

// AtomicGetAndDeleteRefreshToken atomically retrieves and deletes a
// refresh token mapping. Only one concurrent caller can succeed; all
// others get ErrTokenNotFound.
func (s *Store) AtomicGetAndDeleteRefreshToken(ctx context.Context, refreshToken string) (string, error) {
	ctx, span := s.startStorageSpan(ctx, "rotate_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "rotate_refresh_token", err, startTime)
	}()

	s.mu.Lock() // write lock is required for atomic get-and-delete
	defer s.mu.Unlock()

	userKey, ok := s.refreshTokens[refreshToken]
	if !ok {
		err = fmt.Errorf("%w: refresh token not found or already rotated", storage.ErrTokenNotFound)
		return "", err
	}

	if expiresAt, hasExpiry := s.refreshTokenExpiries[refreshToken]; hasExpiry {
		if security.IsTokenExpired(expiresAt) {
			delete(s.refreshTokens, refreshToken)
			delete(s.refreshTokenExpiries, refreshToken)
			s.refreshTokensCountAtomic.Add(-1)
			err = fmt.Errorf("%w: refresh token expired", storage.ErrTokenExpired)
			return "", err
		}
	}

	delete(s.refreshTokens, refreshToken)
	delete(s.refreshTokenExpiries, refreshToken)
	s.refreshTokensCountAtomic.Add(-1)

	s.logger.Debug("Atomically consumed refresh token", "user_key", userKey)
	return userKey, nil
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient stores or replaces a registered client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_client", err, startTime)
	}()

	if client == nil || client.ClientID == "" {
		err = fmt.Errorf("invalid client")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.clients[client.ClientID]
	s.clients[client.ClientID] = client

	if !existed {
		s.clientsCountAtomic.Add(1)
		if client.RegistrationIP != "" {
			s.clientsPerIP[client.RegistrationIP]++
		}
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_client", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}

	clientCopy := *client
	return &clientCopy, nil
}

// DeleteClient permanently removes a client registration.
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "delete_client", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return err
	}

	delete(s.clients, clientID)
	s.clientsCountAtomic.Add(-1)
	if client.RegistrationIP != "" && s.clientsPerIP[client.RegistrationIP] > 0 {
		s.clientsPerIP[client.RegistrationIP]--
	}

	s.logger.Debug("Deleted client", "client_id", clientID)
	return nil
}

// ValidateClientSecret validates a client's secret using bcrypt. A bcrypt
// comparison is always performed so the cost does not reveal whether the
// client exists.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	// Pre-computed dummy hash for non-existent clients (bcrypt hash of "test")
	dummyHash := "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

	client, err := s.GetClient(ctx, clientID)

	hashToCompare := dummyHash
	isPublicClient := false

	if err == nil {
		if client.ClientType == "public" {
			isPublicClient = true
		} else if client.ClientSecretHash != "" {
			hashToCompare = client.ClientSecretHash
		}
	}

	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	if isPublicClient && err == nil {
		return nil
	}

	// Generic error prevents distinguishing "client not found" from
	// "wrong secret".
	if err != nil {
		return fmt.Errorf("invalid client credentials")
	}
	if bcryptErr != nil {
		return fmt.Errorf("invalid client credentials")
	}

	return nil
}

// ListClients lists all registered clients.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clientCopy := *client
		clients = append(clients, &clientCopy)
	}

	return clients, nil
}

// CheckIPLimit returns ErrRegistrationLimitExceeded when the IP has
// reached the registration limit.
func (s *Store) CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error {
	if maxClientsPerIP <= 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.clientsPerIP[ip] >= maxClientsPerIP {
		s.logger.Warn("Client registration limit reached",
			"ip", ip,
			"max_allowed", maxClientsPerIP)
		return storage.ErrRegistrationLimitExceeded
	}

	return nil
}

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveAuthorizationState stores a pending authorization, keyed by the
// provider state the callback will present.
func (s *Store) SaveAuthorizationState(ctx context.Context, state *storage.AuthorizationState) error {
	if state == nil || state.ProviderState == "" {
		return fmt.Errorf("invalid authorization state")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.authStates[state.ProviderState]
	s.authStates[state.ProviderState] = state

	if !existed {
		s.flowsCountAtomic.Add(1)
	}

	s.logger.Debug("Saved authorization state",
		"client_id", state.ClientID,
		"provider_state_prefix", util.SafeTruncate(state.ProviderState, tokenIDLogLength))
	return nil
}

// AtomicConsumeAuthorizationState atomically retrieves and deletes a
// pending authorization by provider state. Absent and expired entries are
// indistinguishable to the caller.
func (s *Store) AtomicConsumeAuthorizationState(ctx context.Context, providerState string) (*storage.AuthorizationState, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_state")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "consume_authorization_state", err, startTime)
	}()

	s.mu.Lock() // write lock is required for atomic consume
	defer s.mu.Unlock()

	state, ok := s.authStates[providerState]
	if !ok {
		err = fmt.Errorf("%w: provider state", storage.ErrStateNotFound)
		return nil, err
	}

	delete(s.authStates, providerState)
	s.flowsCountAtomic.Add(-1)

	if security.IsTokenExpired(state.ExpiresAt) {
		err = fmt.Errorf("%w: authorization state expired", storage.ErrStateNotFound)
		return nil, err
	}

	s.logger.Debug("Consumed authorization state",
		"client_id", state.ClientID,
		"provider_state_prefix", util.SafeTruncate(providerState, tokenIDLogLength))
	return state, nil
}

// DeleteAuthorizationState removes a pending authorization, if present.
func (s *Store) DeleteAuthorizationState(ctx context.Context, providerState string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.authStates[providerState]
	delete(s.authStates, providerState)

	if existed {
		s.flowsCountAtomic.Add(-1)
	}

	s.logger.Debug("Deleted authorization state")
	return nil
}

// SaveAuthorizationCode stores an issued authorization code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime)
	}()

	if code == nil || code.Code == "" {
		err = fmt.Errorf("invalid authorization code")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.authCodes[code.Code]
	s.authCodes[code.Code] = code

	if !existed {
		s.flowsCountAtomic.Add(1)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// AtomicRedeemAuthorizationCode atomically checks and marks a code as
// used. Only one concurrent caller can succeed.
//
// The stored code is returned alongside ErrCodeUsed so the caller can
// revoke tokens minted from the first redemption. For not-found and
// expired codes nil is returned.
func (s *Store) AtomicRedeemAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "redeem_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "redeem_authorization_code", err, startTime)
	}()

	s.mu.Lock() // write lock is required for atomic check-and-mark
	defer s.mu.Unlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		err = storage.ErrCodeNotFound
		return nil, err
	}

	if security.IsTokenExpired(authCode.ExpiresAt) {
		err = fmt.Errorf("%w: authorization code expired", storage.ErrCodeExpired)
		return nil, err
	}

	if authCode.Used {
		// Reuse detected; the caller needs UserKey and ClientID for
		// revocation.
		codeCopy := *authCode
		err = storage.ErrCodeUsed
		return &codeCopy, err
	}

	authCode.Used = true
	s.logger.Debug("Redeemed authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))

	codeCopy := *authCode
	return &codeCopy, nil
}

// DeleteAuthorizationCode removes an authorization code, if present.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.authCodes[code]
	delete(s.authCodes, code)

	if existed {
		s.flowsCountAtomic.Add(-1)
	}

	s.logger.Debug("Deleted authorization code")
	return nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0

	// Tokens with no refresh token and an expired access token are
	// unrecoverable; refreshable records stay.
	for userKey, record := range s.tokens {
		if security.IsTokenExpired(record.ExpiresAt) && record.RefreshToken == "" {
			delete(s.tokens, userKey)
			s.tokensCountAtomic.Add(-1)
			cleaned++
		}
	}

	for providerState, state := range s.authStates {
		if security.IsTokenExpired(state.ExpiresAt) {
			delete(s.authStates, providerState)
			s.flowsCountAtomic.Add(-1)
			cleaned++
		}
	}

	for code, authCode := range s.authCodes {
		if security.IsTokenExpired(authCode.ExpiresAt) {
			delete(s.authCodes, code)
			s.flowsCountAtomic.Add(-1)
			cleaned++
		}
	}

	for refreshToken, expiresAt := range s.refreshTokenExpiries {
		if security.IsTokenExpired(expiresAt) {
			delete(s.refreshTokens, refreshToken)
			delete(s.refreshTokenExpiries, refreshToken)
			s.refreshTokensCountAtomic.Add(-1)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// ============================================================
// Instrumentation helpers
// ============================================================

// startStorageSpan starts a tracing span for a storage operation.
// Returns a no-op span when instrumentation is not configured.
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))

	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets
// span status.
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if span != nil {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
