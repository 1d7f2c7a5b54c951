package authkit

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"google.golang.org/api/idtoken"

	"github.com/tyemirov/oauthgate/pkg/sessioncodec"
)

type controllableClock struct {
	mutex   sync.Mutex
	current time.Time
}

func (clock *controllableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

type validatorResult struct {
	payload          *idtoken.Payload
	err              error
	expectedAudience string
}

type fakeGoogleValidator struct {
	results map[string]validatorResult
}

func (validator *fakeGoogleValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	result, ok := validator.results[token]
	if !ok {
		return nil, errors.New("token_not_found")
	}
	if result.expectedAudience != "" && result.expectedAudience != audience {
		return nil, errors.New("audience_mismatch")
	}
	if result.err != nil {
		return nil, result.err
	}
	return result.payload, nil
}

func googlePayload(subject string, email string, name string) *idtoken.Payload {
	return &idtoken.Payload{
		Subject: subject,
		Claims: map[string]interface{}{
			"iss":     "https://accounts.google.com",
			"sub":     subject,
			"email":   email,
			"name":    name,
			"picture": "https://example.com/" + subject + ".png",
		},
	}
}

type fakeProviderClient struct {
	mutex        sync.Mutex
	exchange     *CodeExchange
	exchangeErr  error
	refreshGrant *TokenGrant
	refreshErr   error
	lastVerifier string
	lastRefresh  string
	refreshGate  chan struct{}

	exchangeCalls atomic.Int32
	refreshCalls  atomic.Int32
}

func (client *fakeProviderClient) AuthorizationURL(challenge PKCEChallenge) string {
	query := url.Values{}
	query.Set("state", challenge.State)
	query.Set("code_challenge", challenge.CodeChallenge)
	query.Set("code_challenge_method", pkceChallengeMethodS256)
	return "https://provider.test/authorize?" + query.Encode()
}

func (client *fakeProviderClient) ExchangeCode(ctx context.Context, code string, codeVerifier string) (*CodeExchange, error) {
	client.exchangeCalls.Add(1)
	client.mutex.Lock()
	defer client.mutex.Unlock()
	client.lastVerifier = codeVerifier
	if client.exchangeErr != nil {
		return nil, client.exchangeErr
	}
	exchange := *client.exchange
	return &exchange, nil
}

func (client *fakeProviderClient) Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error) {
	client.refreshCalls.Add(1)
	client.mutex.Lock()
	client.lastRefresh = refreshToken
	gate := client.refreshGate
	grant := client.refreshGrant
	refreshErr := client.refreshErr
	client.mutex.Unlock()
	if gate != nil {
		<-gate
	}
	if refreshErr != nil {
		return nil, refreshErr
	}
	copied := *grant
	return &copied, nil
}

func (client *fakeProviderClient) setExchange(grant TokenGrant, identity ProviderIdentity) {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	client.exchange = &CodeExchange{Grant: grant, IDToken: "id-token", Identity: identity}
	client.exchangeErr = nil
}

func (client *fakeProviderClient) setRefresh(grant *TokenGrant, refreshErr error) {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	client.refreshGrant = grant
	client.refreshErr = refreshErr
}

type authHarness struct {
	clock    *controllableClock
	accounts *MemoryAccountStore
	pkce     *MemoryPKCEStore
	provider *fakeProviderClient
	codec    *sessioncodec.Codec
	metrics  *CounterMetrics
	manager  *SessionManager
	guard    *AccessGuard
}

func newAuthHarness(t *testing.T, dedupeRefresh bool) *authHarness {
	t.Helper()
	clock := &controllableClock{current: time.Unix(1700000000, 0).UTC()}
	codec, codecErr := sessioncodec.New(sessioncodec.Config{
		SigningKey: []byte("test-signing-secret"),
		TTL:        DefaultSessionTTL,
		Clock:      clock,
	})
	if codecErr != nil {
		t.Fatalf("codec: %v", codecErr)
	}
	harness := &authHarness{
		clock:    clock,
		accounts: NewMemoryAccountStore(),
		pkce:     NewMemoryPKCEStore(DefaultPKCETTL),
		provider: &fakeProviderClient{},
		codec:    codec,
		metrics:  NewCounterMetrics(),
	}
	t.Cleanup(func() { _ = harness.pkce.Close() })

	logger := zaptest.NewLogger(t)
	manager, managerErr := NewSessionManager(SessionManagerDependencies{
		PKCEStore: harness.pkce,
		Provider:  harness.provider,
		Accounts:  harness.accounts,
		Codec:     codec,
		Clock:     clock,
		Logger:    logger,
		Metrics:   harness.metrics,
	})
	if managerErr != nil {
		t.Fatalf("session manager: %v", managerErr)
	}
	guard, guardErr := NewAccessGuard(AccessGuardDependencies{
		Codec:         codec,
		Accounts:      harness.accounts,
		Provider:      harness.provider,
		Clock:         clock,
		Logger:        logger,
		Metrics:       harness.metrics,
		RefreshSkew:   DefaultRefreshSkew,
		DedupeRefresh: dedupeRefresh,
	})
	if guardErr != nil {
		t.Fatalf("access guard: %v", guardErr)
	}
	harness.manager = manager
	harness.guard = guard
	return harness
}

func stateFromAuthorizationURL(t *testing.T, authorizationURL string) (string, string) {
	t.Helper()
	parsed, err := url.Parse(authorizationURL)
	if err != nil {
		t.Fatalf("parse authorization url: %v", err)
	}
	return parsed.Query().Get("state"), parsed.Query().Get("code_challenge")
}

// login runs a full StartLogin and HandleCallback cycle against the fake provider.
func (harness *authHarness) login(t *testing.T, grant TokenGrant, identity ProviderIdentity) (string, *UserAccount) {
	t.Helper()
	harness.provider.setExchange(grant, identity)
	authorizationURL, startErr := harness.manager.StartLogin(context.Background())
	if startErr != nil {
		t.Fatalf("start login: %v", startErr)
	}
	state, _ := stateFromAuthorizationURL(t, authorizationURL)
	credential, account, callbackErr := harness.manager.HandleCallback(context.Background(), "auth-code", state)
	if callbackErr != nil {
		t.Fatalf("handle callback: %v", callbackErr)
	}
	return credential, account
}

func testIdentity() ProviderIdentity {
	return ProviderIdentity{
		SubjectID:   "google-sub-1",
		Email:       "user@example.com",
		DisplayName: "Example User",
		PictureURL:  "https://example.com/user.png",
	}
}

func newTestServerConfig() ServerConfig {
	return ServerConfig{
		GoogleClientID:     "client-id",
		GoogleClientSecret: "client-secret",
		GoogleRedirectURI:  "http://localhost:3001/api/v1/auth/google/callback",
		ProviderScopes:     DefaultProviderScopes,
		ProviderTimeout:    2 * time.Second,
		SessionSigningKey:  []byte("test-signing-secret"),
		SessionTTL:         DefaultSessionTTL,
		ClientOrigin:       "https://client.example",
		PKCETTL:            DefaultPKCETTL,
		RefreshSkew:        DefaultRefreshSkew,
		DedupeRefresh:      true,
	}
}
