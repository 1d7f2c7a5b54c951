package authkit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"golang.org/x/oauth2"
	"google.golang.org/api/idtoken"
)

type tokenEndpoint struct {
	mutex    sync.Mutex
	status   int
	body     map[string]interface{}
	delay    time.Duration
	lastForm url.Values
}

func (endpoint *tokenEndpoint) respond(status int, body map[string]interface{}) {
	endpoint.mutex.Lock()
	defer endpoint.mutex.Unlock()
	endpoint.status = status
	endpoint.body = body
}

func (endpoint *tokenEndpoint) form() url.Values {
	endpoint.mutex.Lock()
	defer endpoint.mutex.Unlock()
	return endpoint.lastForm
}

func (endpoint *tokenEndpoint) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	_ = request.ParseForm()
	endpoint.mutex.Lock()
	endpoint.lastForm = request.PostForm
	status, body, delay := endpoint.status, endpoint.body, endpoint.delay
	endpoint.mutex.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(body)
}

func newTestProviderClient(t *testing.T, endpoint *tokenEndpoint) *GoogleProviderClient {
	t.Helper()
	server := httptest.NewServer(endpoint)
	t.Cleanup(server.Close)

	configuration := newTestServerConfig()
	configuration.ProviderAuthURL = "https://accounts.example/authorize"
	configuration.ProviderTokenURL = server.URL + "/token"
	configuration.ProviderTimeout = 500 * time.Millisecond
	validator := &fakeGoogleValidator{results: map[string]validatorResult{
		"id-valid": {
			payload:          googlePayload("google-sub-1", "user@example.com", "Example User"),
			expectedAudience: "client-id",
		},
		"id-foreign-issuer": {
			payload: &idtoken.Payload{Claims: map[string]interface{}{
				"iss":   "https://issuer.example",
				"sub":   "google-sub-1",
				"email": "user@example.com",
			}},
		},
		"id-missing-email": {
			payload: &idtoken.Payload{Claims: map[string]interface{}{
				"iss": "accounts.google.com",
				"sub": "google-sub-1",
			}},
		},
	}}
	client, err := NewGoogleProviderClient(configuration, validator, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("provider client: %v", err)
	}
	return client
}

func TestProviderAuthorizationURL(t *testing.T) {
	client := newTestProviderClient(t, &tokenEndpoint{status: http.StatusOK})
	authorizationURL := client.AuthorizationURL(PKCEChallenge{State: "state-1", CodeChallenge: "challenge-1"})

	parsed, err := url.Parse(authorizationURL)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Host != "accounts.example" || parsed.Path != "/authorize" {
		t.Fatalf("unexpected endpoint %s", authorizationURL)
	}
	expected := map[string]string{
		"client_id":             "client-id",
		"redirect_uri":          "http://localhost:3001/api/v1/auth/google/callback",
		"response_type":         "code",
		"scope":                 strings.Join(DefaultProviderScopes, " "),
		"access_type":           "offline",
		"prompt":                "consent",
		"state":                 "state-1",
		"code_challenge":        "challenge-1",
		"code_challenge_method": "S256",
	}
	query := parsed.Query()
	for name, value := range expected {
		if query.Get(name) != value {
			t.Fatalf("expected %s=%q, got %q", name, value, query.Get(name))
		}
	}
}

func TestProviderExchangeCode(t *testing.T) {
	endpoint := &tokenEndpoint{}
	endpoint.respond(http.StatusOK, map[string]interface{}{
		"access_token":  "A1",
		"refresh_token": "R1",
		"expires_in":    3600,
		"id_token":      "id-valid",
		"token_type":    "Bearer",
	})
	client := newTestProviderClient(t, endpoint)

	exchange, err := client.ExchangeCode(context.Background(), "auth-code", "verifier-1")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	form := endpoint.form()
	expectedForm := map[string]string{
		"grant_type":    "authorization_code",
		"code":          "auth-code",
		"code_verifier": "verifier-1",
		"client_id":     "client-id",
		"client_secret": "client-secret",
		"redirect_uri":  "http://localhost:3001/api/v1/auth/google/callback",
	}
	for name, value := range expectedForm {
		if form.Get(name) != value {
			t.Fatalf("expected form %s=%q, got %q", name, value, form.Get(name))
		}
	}
	if exchange.Grant.AccessToken != "A1" || exchange.Grant.ExpiresIn != time.Hour {
		t.Fatalf("unexpected grant: %+v", exchange.Grant)
	}
	if exchange.Grant.RefreshToken == nil || *exchange.Grant.RefreshToken != "R1" {
		t.Fatalf("expected refresh token R1")
	}
	expectedIdentity := ProviderIdentity{
		SubjectID:   "google-sub-1",
		Email:       "user@example.com",
		DisplayName: "Example User",
		PictureURL:  "https://example.com/google-sub-1.png",
	}
	if exchange.Identity != expectedIdentity || exchange.IDToken != "id-valid" {
		t.Fatalf("unexpected identity: %+v", exchange.Identity)
	}
}

func TestProviderExchangeFailures(t *testing.T) {
	testCases := []struct {
		name     string
		status   int
		body     map[string]interface{}
		expected error
	}{
		{
			name:     "rejected code",
			status:   http.StatusBadRequest,
			body:     map[string]interface{}{"error": "invalid_grant"},
			expected: ErrInvalidGrant,
		},
		{
			name:     "unauthorized client",
			status:   http.StatusUnauthorized,
			body:     map[string]interface{}{"error": "invalid_client"},
			expected: ErrInvalidGrant,
		},
		{
			name:     "provider outage",
			status:   http.StatusServiceUnavailable,
			body:     map[string]interface{}{"error": "temporarily_unavailable"},
			expected: ErrUpstreamUnavailable,
		},
		{
			name:     "error with success status",
			status:   http.StatusOK,
			body:     map[string]interface{}{"error": "invalid_grant"},
			expected: ErrInvalidGrant,
		},
		{
			name:     "missing access token",
			status:   http.StatusOK,
			body:     map[string]interface{}{"expires_in": 3600, "id_token": "id-valid"},
			expected: ErrIncompleteResponse,
		},
		{
			name:     "missing expires_in",
			status:   http.StatusOK,
			body:     map[string]interface{}{"access_token": "A1", "id_token": "id-valid"},
			expected: ErrIncompleteResponse,
		},
		{
			name:     "zero expires_in",
			status:   http.StatusOK,
			body:     map[string]interface{}{"access_token": "A1", "expires_in": 0, "id_token": "id-valid"},
			expected: ErrIncompleteResponse,
		},
		{
			name:     "missing id_token",
			status:   http.StatusOK,
			body:     map[string]interface{}{"access_token": "A1", "expires_in": 3600},
			expected: ErrIncompleteResponse,
		},
		{
			name:     "unverifiable id_token",
			status:   http.StatusOK,
			body:     map[string]interface{}{"access_token": "A1", "expires_in": 3600, "id_token": "id-unknown"},
			expected: ErrIncompleteResponse,
		},
		{
			name:     "foreign issuer",
			status:   http.StatusOK,
			body:     map[string]interface{}{"access_token": "A1", "expires_in": 3600, "id_token": "id-foreign-issuer"},
			expected: ErrIncompleteResponse,
		},
		{
			name:     "identity without email",
			status:   http.StatusOK,
			body:     map[string]interface{}{"access_token": "A1", "expires_in": 3600, "id_token": "id-missing-email"},
			expected: ErrIncompleteResponse,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			endpoint := &tokenEndpoint{}
			endpoint.respond(testCase.status, testCase.body)
			client := newTestProviderClient(t, endpoint)

			_, err := client.ExchangeCode(context.Background(), "auth-code", "verifier-1")
			if !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}
}

func TestProviderExchangeRejectsEmptyCode(t *testing.T) {
	endpoint := &tokenEndpoint{}
	client := newTestProviderClient(t, endpoint)
	if _, err := client.ExchangeCode(context.Background(), " ", "verifier-1"); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("expected ErrInvalidGrant, got %v", err)
	}
	if endpoint.form() != nil {
		t.Fatalf("expected no token request")
	}
}

func TestProviderRefresh(t *testing.T) {
	testCases := []struct {
		name            string
		body            map[string]interface{}
		expectedRotated *string
	}{
		{
			name:            "refresh token omitted",
			body:            map[string]interface{}{"access_token": "A2", "expires_in": 3599},
			expectedRotated: nil,
		},
		{
			name:            "refresh token echoed",
			body:            map[string]interface{}{"access_token": "A2", "expires_in": 3599, "refresh_token": "R1"},
			expectedRotated: nil,
		},
		{
			name:            "refresh token rotated",
			body:            map[string]interface{}{"access_token": "A2", "expires_in": "3599", "refresh_token": "R2"},
			expectedRotated: stringPointer("R2"),
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			endpoint := &tokenEndpoint{}
			endpoint.respond(http.StatusOK, testCase.body)
			client := newTestProviderClient(t, endpoint)

			grant, err := client.Refresh(context.Background(), "R1")
			if err != nil {
				t.Fatalf("refresh: %v", err)
			}
			form := endpoint.form()
			if form.Get("grant_type") != "refresh_token" || form.Get("refresh_token") != "R1" {
				t.Fatalf("unexpected refresh form: %v", form)
			}
			if grant.AccessToken != "A2" || grant.ExpiresIn != 3599*time.Second {
				t.Fatalf("unexpected grant: %+v", grant)
			}
			switch {
			case testCase.expectedRotated == nil && grant.RefreshToken != nil:
				t.Fatalf("expected no rotated refresh token, got %q", *grant.RefreshToken)
			case testCase.expectedRotated != nil && (grant.RefreshToken == nil || *grant.RefreshToken != *testCase.expectedRotated):
				t.Fatalf("expected rotated refresh token %q, got %v", *testCase.expectedRotated, grant.RefreshToken)
			}
		})
	}
}

func TestProviderRefreshFailures(t *testing.T) {
	endpoint := &tokenEndpoint{}
	client := newTestProviderClient(t, endpoint)

	endpoint.respond(http.StatusBadRequest, map[string]interface{}{"error": "invalid_grant", "error_description": "Token has been expired or revoked."})
	if _, err := client.Refresh(context.Background(), "R1"); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("expected ErrInvalidGrant, got %v", err)
	}

	endpoint.respond(http.StatusInternalServerError, map[string]interface{}{"error": "internal"})
	if _, err := client.Refresh(context.Background(), "R1"); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}

	endpoint.respond(http.StatusOK, map[string]interface{}{"access_token": "A2"})
	if _, err := client.Refresh(context.Background(), "R1"); !errors.Is(err, ErrIncompleteResponse) {
		t.Fatalf("expected ErrIncompleteResponse, got %v", err)
	}

	if _, err := client.Refresh(context.Background(), ""); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("expected ErrInvalidGrant for empty refresh token, got %v", err)
	}
}

func TestProviderTimeoutIsUnavailable(t *testing.T) {
	endpoint := &tokenEndpoint{delay: 2 * time.Second}
	endpoint.respond(http.StatusOK, map[string]interface{}{"access_token": "A2", "expires_in": 3600})
	client := newTestProviderClient(t, endpoint)

	started := time.Now()
	_, err := client.Refresh(context.Background(), "R1")
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > 1500*time.Millisecond {
		t.Fatalf("expected the provider timeout to bound the call, took %v", elapsed)
	}
}

func TestProviderUnreachableIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	tokenURL := server.URL + "/token"
	server.Close()

	configuration := newTestServerConfig()
	configuration.ProviderTokenURL = tokenURL
	client, err := NewGoogleProviderClient(configuration, &fakeGoogleValidator{}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("provider client: %v", err)
	}
	if _, refreshErr := client.Refresh(context.Background(), "R1"); !errors.Is(refreshErr, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", refreshErr)
	}
}

func TestNewGoogleProviderClientValidation(t *testing.T) {
	validator := &fakeGoogleValidator{}
	missingSecret := newTestServerConfig()
	missingSecret.GoogleClientSecret = ""
	missingRedirect := newTestServerConfig()
	missingRedirect.GoogleRedirectURI = ""

	testCases := map[string]struct {
		configuration ServerConfig
		validator     GoogleTokenValidator
	}{
		"missing secret":    {configuration: missingSecret, validator: validator},
		"missing redirect":  {configuration: missingRedirect, validator: validator},
		"missing validator": {configuration: newTestServerConfig(), validator: nil},
	}
	for name, testCase := range testCases {
		if _, err := NewGoogleProviderClient(testCase.configuration, testCase.validator, nil); !errors.Is(err, ErrConfiguration) {
			t.Fatalf("%s: expected ErrConfiguration, got %v", name, err)
		}
	}
}

func TestNewGoogleTokenValidatorUsesFactory(t *testing.T) {
	previous := newGoogleTokenValidator
	defer func() { newGoogleTokenValidator = previous }()
	expected := &fakeGoogleValidator{}
	newGoogleTokenValidator = func(ctx context.Context) (GoogleTokenValidator, error) {
		return expected, nil
	}

	validator, err := NewGoogleTokenValidator(context.Background())
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	if validator != expected {
		t.Fatalf("expected factory validator")
	}
}

func TestExpiresInFromToken(t *testing.T) {
	testCases := []struct {
		value    interface{}
		expected int64
		ok       bool
	}{
		{value: float64(3600), expected: 3600, ok: true},
		{value: json.Number("120"), expected: 120, ok: true},
		{value: " 60 ", expected: 60, ok: true},
		{value: "soon", ok: false},
		{value: nil, ok: false},
	}
	for _, testCase := range testCases {
		token := (&oauth2.Token{AccessToken: "A1"}).WithExtra(map[string]interface{}{"expires_in": testCase.value})
		actual, ok := expiresInFromToken(token)
		if ok != testCase.ok || actual != testCase.expected {
			t.Fatalf("value %#v: got (%d, %v)", testCase.value, actual, ok)
		}
	}
}
