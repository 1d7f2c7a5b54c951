package authkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	googleOAuth2 "golang.org/x/oauth2/google"
)

// IdentityProviderClient talks to the provider's authorization and token endpoints.
type IdentityProviderClient interface {
	// AuthorizationURL builds the redirect for a pending authorization.
	AuthorizationURL(challenge PKCEChallenge) string
	// ExchangeCode redeems an authorization code and resolves the caller's identity.
	ExchangeCode(ctx context.Context, code string, codeVerifier string) (*CodeExchange, error)
	// Refresh obtains a new access token using a stored refresh token.
	Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error)
}

// CodeExchange is the result of a successful authorization-code exchange.
type CodeExchange struct {
	Grant    TokenGrant
	IDToken  string
	Identity ProviderIdentity
}

var knownTokenResponseFields = []string{"access_token", "token_type", "expires_in", "refresh_token", "id_token", "scope"}

var grantRejectionCodes = map[string]struct{}{
	"invalid_grant":       {},
	"invalid_client":      {},
	"invalid_request":     {},
	"unauthorized_client": {},
}

// GoogleProviderClient implements IdentityProviderClient on top of golang.org/x/oauth2.
type GoogleProviderClient struct {
	oauthConfig *oauth2.Config
	httpClient  *http.Client
	validator   GoogleTokenValidator
	logger      *zap.Logger
}

// NewGoogleProviderClient validates provider credentials and builds the client.
func NewGoogleProviderClient(configuration ServerConfig, validator GoogleTokenValidator, logger *zap.Logger) (*GoogleProviderClient, error) {
	if strings.TrimSpace(configuration.GoogleClientID) == "" || strings.TrimSpace(configuration.GoogleClientSecret) == "" {
		return nil, fmt.Errorf("provider.new: missing client credentials: %w", ErrConfiguration)
	}
	if strings.TrimSpace(configuration.GoogleRedirectURI) == "" {
		return nil, fmt.Errorf("provider.new: missing redirect uri: %w", ErrConfiguration)
	}
	if validator == nil {
		return nil, fmt.Errorf("provider.new: missing id_token validator: %w", ErrConfiguration)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	endpoint := googleOAuth2.Endpoint
	if configuration.ProviderAuthURL != "" {
		endpoint.AuthURL = configuration.ProviderAuthURL
	}
	if configuration.ProviderTokenURL != "" {
		endpoint.TokenURL = configuration.ProviderTokenURL
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	scopes := configuration.ProviderScopes
	if len(scopes) == 0 {
		scopes = DefaultProviderScopes
	}
	timeout := configuration.ProviderTimeout
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	return &GoogleProviderClient{
		oauthConfig: &oauth2.Config{
			ClientID:     configuration.GoogleClientID,
			ClientSecret: configuration.GoogleClientSecret,
			RedirectURL:  configuration.GoogleRedirectURI,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		httpClient: &http.Client{Timeout: timeout},
		validator:  validator,
		logger:     logger,
	}, nil
}

// AuthorizationURL requests offline access with forced consent so a refresh token is issued.
func (client *GoogleProviderClient) AuthorizationURL(challenge PKCEChallenge) string {
	return client.oauthConfig.AuthCodeURL(challenge.State,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.SetAuthURLParam("code_challenge", challenge.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", pkceChallengeMethodS256),
	)
}

// ExchangeCode performs one token request; failures are not retried.
func (client *GoogleProviderClient) ExchangeCode(ctx context.Context, code string, codeVerifier string) (*CodeExchange, error) {
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("provider.exchange: empty code: %w", ErrInvalidGrant)
	}
	token, err := client.oauthConfig.Exchange(client.requestContext(ctx), code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, client.classify("exchange", err)
	}
	grant, grantErr := client.grantFromToken("exchange", token, "")
	if grantErr != nil {
		return nil, grantErr
	}
	idToken, _ := token.Extra("id_token").(string)
	if strings.TrimSpace(idToken) == "" {
		return nil, client.incomplete("exchange", token, "id_token")
	}
	identity, identityErr := resolveIdentity(ctx, client.validator, idToken, client.oauthConfig.ClientID)
	if identityErr != nil {
		client.logger.Warn("identity assertion rejected",
			zap.String("code", "provider.exchange.identity_rejected"),
			zap.Error(identityErr))
		return nil, identityErr
	}
	client.logger.Info("authorization code exchanged",
		zap.String("code", "provider.exchange.ok"),
		zap.Bool("has_refresh_token", grant.RefreshToken != nil),
		zap.Duration("expires_in", grant.ExpiresIn))
	return &CodeExchange{Grant: grant, IDToken: idToken, Identity: identity}, nil
}

// Refresh performs one refresh_token grant. The returned grant carries a refresh
// token only when the provider rotated it.
func (client *GoogleProviderClient) Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, fmt.Errorf("provider.refresh: empty refresh token: %w", ErrInvalidGrant)
	}
	source := client.oauthConfig.TokenSource(client.requestContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, client.classify("refresh", err)
	}
	grant, grantErr := client.grantFromToken("refresh", token, refreshToken)
	if grantErr != nil {
		return nil, grantErr
	}
	client.logger.Info("access token refreshed",
		zap.String("code", "provider.refresh.ok"),
		zap.Bool("refresh_token_rotated", grant.RefreshToken != nil),
		zap.Duration("expires_in", grant.ExpiresIn))
	return &grant, nil
}

func (client *GoogleProviderClient) requestContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, client.httpClient)
}

func (client *GoogleProviderClient) grantFromToken(operation string, token *oauth2.Token, previousRefreshToken string) (TokenGrant, error) {
	if token == nil || strings.TrimSpace(token.AccessToken) == "" {
		return TokenGrant{}, client.incomplete(operation, token, "access_token")
	}
	expiresInSeconds, ok := expiresInFromToken(token)
	if !ok || expiresInSeconds <= 0 {
		return TokenGrant{}, client.incomplete(operation, token, "expires_in")
	}
	grant := TokenGrant{
		AccessToken: token.AccessToken,
		ExpiresIn:   time.Duration(expiresInSeconds) * time.Second,
	}
	if token.RefreshToken != "" && token.RefreshToken != previousRefreshToken {
		grant.RefreshToken = stringPointer(token.RefreshToken)
	}
	return grant, nil
}

func (client *GoogleProviderClient) incomplete(operation string, token *oauth2.Token, missingField string) error {
	present := make([]string, 0, len(knownTokenResponseFields))
	if token != nil {
		for _, field := range knownTokenResponseFields {
			if token.Extra(field) != nil {
				present = append(present, field)
			}
		}
	}
	client.logger.Error("provider token response incomplete",
		zap.String("code", "provider."+operation+".incomplete_response"),
		zap.String("missing_field", missingField),
		zap.Strings("present_fields", present))
	return fmt.Errorf("provider.%s: missing %s: %w", operation, missingField, ErrIncompleteResponse)
}

func (client *GoogleProviderClient) classify(operation string, err error) error {
	kind := classifyProviderError(err)
	fields := []zap.Field{
		zap.String("code", "provider."+operation+".failed"),
		zap.String("kind", kind.Error()),
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil {
			fields = append(fields, zap.Int("status", retrieveErr.Response.StatusCode))
		}
		fields = append(fields, zap.String("error_code", retrieveErr.ErrorCode))
	} else {
		fields = append(fields, zap.Error(err))
	}
	client.logger.Warn("provider token request failed", fields...)
	return fmt.Errorf("provider.%s: %w: %w", operation, kind, err)
}

func classifyProviderError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if isGrantRejection(retrieveErr) {
			return ErrInvalidGrant
		}
		return ErrUpstreamUnavailable
	}
	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrUpstreamUnavailable
	}
	return ErrIncompleteResponse
}

func isGrantRejection(retrieveErr *oauth2.RetrieveError) bool {
	if retrieveErr.Response != nil {
		switch status := retrieveErr.Response.StatusCode; {
		case status == http.StatusBadRequest, status == http.StatusUnauthorized:
			return true
		case status < http.StatusMultipleChoices && retrieveErr.ErrorCode != "":
			// error body delivered with a success status
			return true
		}
	}
	_, rejected := grantRejectionCodes[retrieveErr.ErrorCode]
	return rejected
}

func expiresInFromToken(token *oauth2.Token) (int64, bool) {
	switch value := token.Extra("expires_in").(type) {
	case float64:
		return int64(value), true
	case int64:
		return value, true
	case int:
		return int64(value), true
	case json.Number:
		parsed, err := value.Int64()
		return parsed, err == nil
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}
