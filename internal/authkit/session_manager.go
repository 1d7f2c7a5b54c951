package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tyemirov/oauthgate/pkg/sessioncodec"
)

// SessionManagerDependencies wires the collaborators of a SessionManager.
type SessionManagerDependencies struct {
	PKCEStore PKCEChallengeStore
	Provider  IdentityProviderClient
	Accounts  AccountStore
	Codec     *sessioncodec.Codec
	Clock     Clock
	Logger    *zap.Logger
	Metrics   MetricsRecorder
}

// SessionManager drives a login attempt from redirect to an established session.
type SessionManager struct {
	pkceStore PKCEChallengeStore
	provider  IdentityProviderClient
	accounts  AccountStore
	codec     *sessioncodec.Codec
	clock     Clock
	logger    *zap.Logger
	metrics   MetricsRecorder
}

// NewSessionManager validates dependencies and constructs the manager.
func NewSessionManager(dependencies SessionManagerDependencies) (*SessionManager, error) {
	if dependencies.Codec == nil {
		return nil, fmt.Errorf("session.new: missing session codec: %w", ErrConfiguration)
	}
	if dependencies.PKCEStore == nil || dependencies.Provider == nil || dependencies.Accounts == nil {
		return nil, fmt.Errorf("session.new: missing collaborator: %w", ErrConfiguration)
	}
	manager := &SessionManager{
		pkceStore: dependencies.PKCEStore,
		provider:  dependencies.Provider,
		accounts:  dependencies.Accounts,
		codec:     dependencies.Codec,
		clock:     dependencies.Clock,
		logger:    dependencies.Logger,
		metrics:   dependencies.Metrics,
	}
	if manager.clock == nil {
		manager.clock = NewSystemClock()
	}
	if manager.logger == nil {
		manager.logger = zap.NewNop()
	}
	if manager.metrics == nil {
		manager.metrics = nopMetrics{}
	}
	return manager, nil
}

// StartLogin records a pending authorization and returns the provider URL to redirect to.
func (manager *SessionManager) StartLogin(ctx context.Context) (string, error) {
	challenge, beginErr := manager.pkceStore.Begin(ctx)
	if beginErr != nil {
		manager.logger.Error("pending authorization not recorded",
			zap.String("code", "auth.login.pkce_begin_failed"),
			zap.Error(beginErr))
		return "", fmt.Errorf("session.start_login: %w", beginErr)
	}
	manager.metrics.Increment(metricLoginStarted)
	manager.logger.Debug("login started", zap.String("code", "auth.login.started"))
	return manager.provider.AuthorizationURL(challenge), nil
}

// AbandonLogin discards the pending authorization for state, if any.
// It is used when the provider reports an error instead of a code.
func (manager *SessionManager) AbandonLogin(ctx context.Context, state string) {
	if _, redeemErr := manager.pkceStore.Redeem(ctx, state); redeemErr != nil && !errors.Is(redeemErr, ErrPendingAuthorizationNotFound) {
		manager.logger.Warn("pending authorization not discarded",
			zap.String("code", "auth.callback.discard_failed"),
			zap.Error(redeemErr))
	}
}

// HandleCallback redeems state, exchanges code, upserts the account, and mints a
// session credential bound to the internal account id.
func (manager *SessionManager) HandleCallback(ctx context.Context, code string, state string) (string, *UserAccount, error) {
	codeVerifier, redeemErr := manager.pkceStore.Redeem(ctx, state)
	if redeemErr != nil {
		if errors.Is(redeemErr, ErrPendingAuthorizationNotFound) {
			manager.metrics.Increment(metricCallbackInvalidState)
			manager.logger.Warn("callback state rejected", zap.String("code", "auth.callback.invalid_state"))
			return "", nil, fmt.Errorf("session.callback: %w", ErrInvalidState)
		}
		return "", nil, fmt.Errorf("session.callback.redeem: %w", redeemErr)
	}

	exchange, exchangeErr := manager.provider.ExchangeCode(ctx, code, codeVerifier)
	if exchangeErr != nil {
		manager.metrics.Increment(metricCallbackUpstreamError)
		manager.logger.Warn("code exchange failed",
			zap.String("code", "auth.callback.upstream_error"),
			zap.Error(exchangeErr))
		return "", nil, fmt.Errorf("session.callback.exchange: %w: %w", ErrUpstream, exchangeErr)
	}

	account, created, upsertErr := manager.accounts.FindOrCreate(ctx, newAccountFromIdentity(exchange.Identity))
	if upsertErr != nil {
		manager.logger.Error("account upsert failed",
			zap.String("code", "auth.callback.account_upsert_failed"),
			zap.Error(upsertErr))
		return "", nil, fmt.Errorf("session.callback.upsert: %w", upsertErr)
	}
	if created {
		manager.metrics.Increment(metricCallbackAccountCreated)
	}

	ApplyTokenGrant(account, exchange.Grant, manager.clock.Now())
	if saveErr := manager.accounts.Save(ctx, account); saveErr != nil {
		manager.logger.Error("account token save failed",
			zap.String("code", "auth.callback.account_save_failed"),
			zap.String("account_id", account.ID),
			zap.Error(saveErr))
		return "", nil, fmt.Errorf("session.callback.save: %w", saveErr)
	}

	credential, signErr := manager.codec.Sign(sessioncodec.Claims{sessioncodec.ClaimUserID: account.ID})
	if signErr != nil {
		if errors.Is(signErr, sessioncodec.ErrMissingSigningKey) {
			return "", nil, fmt.Errorf("session.callback.sign: %w: %w", ErrConfiguration, signErr)
		}
		return "", nil, fmt.Errorf("session.callback.sign: %w", signErr)
	}

	manager.metrics.Increment(metricCallbackEstablished)
	manager.logger.Info("session established",
		zap.String("code", "auth.callback.established"),
		zap.String("account_id", account.ID),
		zap.Bool("account_created", created),
		zap.Bool("has_refresh_token", account.HasRefreshToken()))
	return credential, account, nil
}

// GetCurrentUser resolves a session credential to the account's public profile.
func (manager *SessionManager) GetCurrentUser(ctx context.Context, credential string) (PublicProfile, error) {
	claims, verifyErr := manager.codec.Verify(strings.TrimSpace(credential))
	if verifyErr != nil {
		return PublicProfile{}, fmt.Errorf("session.current_user: %w: %w", ErrUnauthenticated, verifyErr)
	}
	accountID := claims.UserID()
	if accountID == "" {
		return PublicProfile{}, fmt.Errorf("session.current_user: missing uid: %w", ErrUnauthenticated)
	}
	account, findErr := manager.accounts.FindByID(ctx, accountID)
	if findErr != nil {
		if errors.Is(findErr, ErrAccountNotFound) {
			return PublicProfile{}, fmt.Errorf("session.current_user: %w: %w", ErrUnauthenticated, findErr)
		}
		return PublicProfile{}, fmt.Errorf("session.current_user: %w", findErr)
	}
	return account.PublicProfile(), nil
}
