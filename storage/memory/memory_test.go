package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/onimsha/airtable-mcp-server-oauth/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewWithInterval(time.Hour)
	t.Cleanup(s.Stop)
	return s
}

func testRecord(userKey string) *storage.TokenRecord {
	return &storage.TokenRecord{
		UserKey:      userKey,
		AccessToken:  "access-" + userKey,
		RefreshToken: "refresh-" + userKey,
		TokenType:    "Bearer",
		Scope:        "data.records:read",
		ExpiresAt:    time.Now().Add(time.Hour),
		UpdatedAt:    time.Now(),
	}
}

func TestTokenLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveToken(ctx, "user-1", testRecord("user-1")); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	record, err := s.GetToken(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if record.AccessToken != "access-user-1" {
		t.Errorf("AccessToken = %q, want %q", record.AccessToken, "access-user-1")
	}

	// Returned record must be a copy
	record.AccessToken = "mutated"
	again, err := s.GetToken(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if again.AccessToken == "mutated" {
		t.Error("GetToken() returned shared record")
	}

	if err := s.DeleteToken(ctx, "user-1"); err != nil {
		t.Fatalf("DeleteToken() error = %v", err)
	}
	if _, err := s.GetToken(ctx, "user-1"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("GetToken() after delete error = %v, want ErrTokenNotFound", err)
	}
}

func TestGetTokenExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expired := testRecord("user-1")
	expired.ExpiresAt = time.Now().Add(-time.Hour)
	expired.RefreshToken = ""
	if err := s.SaveToken(ctx, "user-1", expired); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	if _, err := s.GetToken(ctx, "user-1"); !errors.Is(err, storage.ErrTokenExpired) {
		t.Errorf("GetToken() error = %v, want ErrTokenExpired", err)
	}

	// Expired records keep being returned while refreshable
	refreshable := testRecord("user-2")
	refreshable.ExpiresAt = time.Now().Add(-time.Hour)
	if err := s.SaveToken(ctx, "user-2", refreshable); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}
	if _, err := s.GetToken(ctx, "user-2"); err != nil {
		t.Errorf("GetToken() refreshable error = %v, want nil", err)
	}
}

func TestSaveTokenValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveToken(ctx, "", testRecord("x")); err == nil {
		t.Error("SaveToken() with empty user key expected error")
	}
	if err := s.SaveToken(ctx, "user-1", nil); err == nil {
		t.Error("SaveToken() with nil record expected error")
	}
}

func TestAtomicGetAndDeleteRefreshToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveRefreshToken(ctx, "rt-1", "user-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	userKey, err := s.AtomicGetAndDeleteRefreshToken(ctx, "rt-1")
	if err != nil {
		t.Fatalf("AtomicGetAndDeleteRefreshToken() error = %v", err)
	}
	if userKey != "user-1" {
		t.Errorf("userKey = %q, want %q", userKey, "user-1")
	}

	if _, err := s.AtomicGetAndDeleteRefreshToken(ctx, "rt-1"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("second consume error = %v, want ErrTokenNotFound", err)
	}
}

func TestAtomicGetAndDeleteRefreshTokenExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveRefreshToken(ctx, "rt-1", "user-1", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	if _, err := s.AtomicGetAndDeleteRefreshToken(ctx, "rt-1"); !errors.Is(err, storage.ErrTokenExpired) {
		t.Errorf("error = %v, want ErrTokenExpired", err)
	}
}

func TestConcurrentRefreshTokenConsumption(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveRefreshToken(ctx, "rt-1", "user-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	const goroutines = 20
	var wg sync.WaitGroup
	var successes counter

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AtomicGetAndDeleteRefreshToken(ctx, "rt-1"); err == nil {
				successes.inc()
			}
		}()
	}
	wg.Wait()

	if got := successes.get(); got != 1 {
		t.Errorf("concurrent consumption succeeded %d times, want exactly 1", got)
	}
}

func TestClientLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	client := &storage.Client{
		ClientID:       "mcp_abc",
		ClientType:     "public",
		RedirectURIs:   []string{"http://localhost:8085/callback"},
		ClientName:     "Test Client",
		RegistrationIP: "10.0.0.1",
	}
	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, err := s.GetClient(ctx, "mcp_abc")
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.ClientName != "Test Client" {
		t.Errorf("ClientName = %q, want %q", got.ClientName, "Test Client")
	}

	clients, err := s.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients() error = %v", err)
	}
	if len(clients) != 1 {
		t.Errorf("ListClients() returned %d clients, want 1", len(clients))
	}

	if err := s.DeleteClient(ctx, "mcp_abc"); err != nil {
		t.Fatalf("DeleteClient() error = %v", err)
	}
	if err := s.DeleteClient(ctx, "mcp_abc"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("DeleteClient() twice error = %v, want ErrClientNotFound", err)
	}
	if _, err := s.GetClient(ctx, "mcp_abc"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient() after delete error = %v, want ErrClientNotFound", err)
	}
}

func TestValidateClientSecret(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("bcrypt.GenerateFromPassword() error = %v", err)
	}

	confidential := &storage.Client{
		ClientID:         "mcp_conf",
		ClientType:       "confidential",
		ClientSecretHash: string(hash),
	}
	public := &storage.Client{
		ClientID:   "mcp_pub",
		ClientType: "public",
	}
	for _, c := range []*storage.Client{confidential, public} {
		if err := s.SaveClient(ctx, c); err != nil {
			t.Fatalf("SaveClient(%s) error = %v", c.ClientID, err)
		}
	}

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  bool
	}{
		{"correct secret", "mcp_conf", "s3cret", false},
		{"wrong secret", "mcp_conf", "wrong", true},
		{"public client no secret", "mcp_pub", "", false},
		{"nonexistent client", "mcp_missing", "anything", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.ValidateClientSecret(ctx, tt.clientID, tt.secret)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateClientSecret() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCheckIPLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		client := &storage.Client{
			ClientID:       "mcp_" + string(rune('a'+i)),
			ClientType:     "public",
			RegistrationIP: "10.0.0.1",
		}
		if err := s.SaveClient(ctx, client); err != nil {
			t.Fatalf("SaveClient() error = %v", err)
		}
	}

	if err := s.CheckIPLimit(ctx, "10.0.0.1", 3); !errors.Is(err, storage.ErrRegistrationLimitExceeded) {
		t.Errorf("CheckIPLimit() at limit error = %v, want ErrRegistrationLimitExceeded", err)
	}
	if err := s.CheckIPLimit(ctx, "10.0.0.2", 3); err != nil {
		t.Errorf("CheckIPLimit() other IP error = %v, want nil", err)
	}
	if err := s.CheckIPLimit(ctx, "10.0.0.1", 0); err != nil {
		t.Errorf("CheckIPLimit() disabled error = %v, want nil", err)
	}
}

func testState(providerState string, expiresAt time.Time) *storage.AuthorizationState {
	return &storage.AuthorizationState{
		StateID:              "client-state",
		ClientID:             "mcp_abc",
		RedirectURI:          "http://localhost:8085/callback",
		Scope:                "data.records:read",
		CodeChallenge:        "challenge",
		CodeChallengeMethod:  "S256",
		ProviderState:        providerState,
		ProviderCodeVerifier: "verifier",
		CreatedAt:            time.Now(),
		ExpiresAt:            expiresAt,
	}
}

func TestAtomicConsumeAuthorizationState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveAuthorizationState(ctx, testState("ps-1", time.Now().Add(10*time.Minute))); err != nil {
		t.Fatalf("SaveAuthorizationState() error = %v", err)
	}

	state, err := s.AtomicConsumeAuthorizationState(ctx, "ps-1")
	if err != nil {
		t.Fatalf("AtomicConsumeAuthorizationState() error = %v", err)
	}
	if state.StateID != "client-state" {
		t.Errorf("StateID = %q, want %q", state.StateID, "client-state")
	}

	// Exactly-once
	if _, err := s.AtomicConsumeAuthorizationState(ctx, "ps-1"); !errors.Is(err, storage.ErrStateNotFound) {
		t.Errorf("second consume error = %v, want ErrStateNotFound", err)
	}
}

func TestConsumeExpiredAuthorizationState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveAuthorizationState(ctx, testState("ps-1", time.Now().Add(-time.Minute))); err != nil {
		t.Fatalf("SaveAuthorizationState() error = %v", err)
	}

	// Expired must be indistinguishable from absent
	if _, err := s.AtomicConsumeAuthorizationState(ctx, "ps-1"); !errors.Is(err, storage.ErrStateNotFound) {
		t.Errorf("expired consume error = %v, want ErrStateNotFound", err)
	}
}

func TestConcurrentStateConsumption(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveAuthorizationState(ctx, testState("ps-1", time.Now().Add(10*time.Minute))); err != nil {
		t.Fatalf("SaveAuthorizationState() error = %v", err)
	}

	const goroutines = 20
	var wg sync.WaitGroup
	var successes counter

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AtomicConsumeAuthorizationState(ctx, "ps-1"); err == nil {
				successes.inc()
			}
		}()
	}
	wg.Wait()

	if got := successes.get(); got != 1 {
		t.Errorf("concurrent consumption succeeded %d times, want exactly 1", got)
	}
}

func testCode(code string, expiresAt time.Time) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                code,
		ClientID:            "mcp_abc",
		RedirectURI:         "http://localhost:8085/callback",
		Scope:               "data.records:read",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		UserKey:             "user-1",
		CreatedAt:           time.Now(),
		ExpiresAt:           expiresAt,
	}
}

func TestAtomicRedeemAuthorizationCode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveAuthorizationCode(ctx, testCode("code-1", time.Now().Add(10*time.Minute))); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	code, err := s.AtomicRedeemAuthorizationCode(ctx, "code-1")
	if err != nil {
		t.Fatalf("AtomicRedeemAuthorizationCode() error = %v", err)
	}
	if code.UserKey != "user-1" {
		t.Errorf("UserKey = %q, want %q", code.UserKey, "user-1")
	}

	// Reuse returns the stored code for revocation
	reused, err := s.AtomicRedeemAuthorizationCode(ctx, "code-1")
	if !errors.Is(err, storage.ErrCodeUsed) {
		t.Fatalf("second redeem error = %v, want ErrCodeUsed", err)
	}
	if reused == nil || reused.ClientID != "mcp_abc" {
		t.Error("reuse must return the stored code for revocation")
	}
}

func TestRedeemAuthorizationCodeOutcomes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.AtomicRedeemAuthorizationCode(ctx, "missing"); !errors.Is(err, storage.ErrCodeNotFound) {
		t.Errorf("missing code error = %v, want ErrCodeNotFound", err)
	}

	if err := s.SaveAuthorizationCode(ctx, testCode("expired", time.Now().Add(-time.Minute))); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}
	code, err := s.AtomicRedeemAuthorizationCode(ctx, "expired")
	if !errors.Is(err, storage.ErrCodeExpired) {
		t.Errorf("expired code error = %v, want ErrCodeExpired", err)
	}
	if code != nil {
		t.Error("expired redemption must not return the code")
	}
}

func TestConcurrentCodeRedemption(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveAuthorizationCode(ctx, testCode("code-1", time.Now().Add(10*time.Minute))); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	const goroutines = 20
	var wg sync.WaitGroup
	var successes counter

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AtomicRedeemAuthorizationCode(ctx, "code-1"); err == nil {
				successes.inc()
			}
		}()
	}
	wg.Wait()

	if got := successes.get(); got != 1 {
		t.Errorf("concurrent redemption succeeded %d times, want exactly 1", got)
	}
}

func TestCleanupSweep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expired := testRecord("user-1")
	expired.ExpiresAt = time.Now().Add(-time.Hour)
	expired.RefreshToken = ""
	if err := s.SaveToken(ctx, "user-1", expired); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}
	if err := s.SaveAuthorizationState(ctx, testState("ps-old", time.Now().Add(-time.Hour))); err != nil {
		t.Fatalf("SaveAuthorizationState() error = %v", err)
	}
	if err := s.SaveAuthorizationCode(ctx, testCode("code-old", time.Now().Add(-time.Hour))); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}
	if err := s.SaveRefreshToken(ctx, "rt-old", "user-1", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	s.cleanup()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.tokens) != 0 {
		t.Errorf("tokens after cleanup = %d, want 0", len(s.tokens))
	}
	if len(s.authStates) != 0 {
		t.Errorf("authStates after cleanup = %d, want 0", len(s.authStates))
	}
	if len(s.authCodes) != 0 {
		t.Errorf("authCodes after cleanup = %d, want 0", len(s.authCodes))
	}
	if len(s.refreshTokens) != 0 {
		t.Errorf("refreshTokens after cleanup = %d, want 0", len(s.refreshTokens))
	}
}

// counter is a tiny mutex-guarded counter for concurrency tests.
type counter struct {
	mu sync.Mutex
	n  int
}

func (a *counter) inc() {
	a.mu.Lock()
	a.n++
	a.mu.Unlock()
}

func (a *counter) get() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}
