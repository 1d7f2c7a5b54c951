package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tyemirov/oauthgate/pkg/sessioncodec"
)

type accountContextKey struct{}

// WithAccount returns a copy of ctx carrying the authenticated account.
func WithAccount(ctx context.Context, account *UserAccount) context.Context {
	return context.WithValue(ctx, accountContextKey{}, account)
}

// AccountFromContext returns the account attached by WithAccount.
func AccountFromContext(ctx context.Context) (*UserAccount, bool) {
	account, ok := ctx.Value(accountContextKey{}).(*UserAccount)
	return account, ok && account != nil
}

// AccessGuardDependencies wires the collaborators of an AccessGuard.
type AccessGuardDependencies struct {
	Codec         *sessioncodec.Codec
	Accounts      AccountStore
	Provider      IdentityProviderClient
	Clock         Clock
	Logger        *zap.Logger
	Metrics       MetricsRecorder
	RefreshSkew   time.Duration
	DedupeRefresh bool
}

// AccessGuard authenticates bearer credentials and keeps delegated access tokens fresh.
type AccessGuard struct {
	codec         *sessioncodec.Codec
	accounts      AccountStore
	provider      IdentityProviderClient
	clock         Clock
	logger        *zap.Logger
	metrics       MetricsRecorder
	refreshSkew   time.Duration
	dedupeRefresh bool
	refreshGroup  singleflight.Group
}

// NewAccessGuard validates dependencies and constructs the guard.
func NewAccessGuard(dependencies AccessGuardDependencies) (*AccessGuard, error) {
	if dependencies.Codec == nil {
		return nil, fmt.Errorf("guard.new: missing session codec: %w", ErrConfiguration)
	}
	if dependencies.Accounts == nil || dependencies.Provider == nil {
		return nil, fmt.Errorf("guard.new: missing collaborator: %w", ErrConfiguration)
	}
	guard := &AccessGuard{
		codec:         dependencies.Codec,
		accounts:      dependencies.Accounts,
		provider:      dependencies.Provider,
		clock:         dependencies.Clock,
		logger:        dependencies.Logger,
		metrics:       dependencies.Metrics,
		refreshSkew:   dependencies.RefreshSkew,
		dedupeRefresh: dependencies.DedupeRefresh,
	}
	if guard.clock == nil {
		guard.clock = NewSystemClock()
	}
	if guard.logger == nil {
		guard.logger = zap.NewNop()
	}
	if guard.metrics == nil {
		guard.metrics = nopMetrics{}
	}
	if guard.refreshSkew <= 0 {
		guard.refreshSkew = DefaultRefreshSkew
	}
	return guard, nil
}

// Authenticate verifies the bearer credential in authorizationHeader and loads its account.
func (guard *AccessGuard) Authenticate(ctx context.Context, authorizationHeader string) (*UserAccount, error) {
	credential, ok := BearerCredential(authorizationHeader)
	if !ok {
		return nil, guard.unauthenticated("guard.authenticate.missing_bearer", nil)
	}
	claims, verifyErr := guard.codec.Verify(credential)
	if verifyErr != nil {
		return nil, guard.unauthenticated("guard.authenticate.invalid_credential", verifyErr)
	}
	accountID := claims.UserID()
	if accountID == "" {
		return nil, guard.unauthenticated("guard.authenticate.missing_uid", nil)
	}
	account, findErr := guard.accounts.FindByID(ctx, accountID)
	if findErr != nil {
		if errors.Is(findErr, ErrAccountNotFound) {
			return nil, guard.unauthenticated("guard.authenticate.account_missing", findErr)
		}
		return nil, fmt.Errorf("guard.authenticate: %w", findErr)
	}
	return account, nil
}

// EnsureFreshAccess returns account unchanged while its access token is outside the
// refresh skew window, and otherwise refreshes and persists a new delegated grant.
// Every refresh failure is reported as ErrReauthRequired.
func (guard *AccessGuard) EnsureFreshAccess(ctx context.Context, account *UserAccount) (*UserAccount, error) {
	if account == nil || strings.TrimSpace(account.AccessToken) == "" {
		return nil, guard.reauthRequired("guard.access.missing_access_token", account)
	}
	if account.AccessTokenExpiry == nil {
		guard.metrics.Increment(metricGuardUnknownLifetime)
		return account, nil
	}
	if guard.clock.Now().Before(account.AccessTokenExpiry.Add(-guard.refreshSkew)) {
		guard.metrics.Increment(metricGuardFresh)
		return account, nil
	}
	if !account.HasRefreshToken() {
		return nil, guard.reauthRequired("guard.access.missing_refresh_token", account)
	}

	// Requests are not cancellable mid-refresh.
	refreshContext := context.WithoutCancel(ctx)
	if !guard.dedupeRefresh {
		return guard.refreshAccount(refreshContext, account)
	}
	shared, refreshErr, _ := guard.refreshGroup.Do(account.ID, func() (interface{}, error) {
		return guard.refreshAccount(refreshContext, account)
	})
	if refreshErr != nil {
		return nil, refreshErr
	}
	return shared.(*UserAccount).Clone(), nil
}

func (guard *AccessGuard) refreshAccount(ctx context.Context, account *UserAccount) (*UserAccount, error) {
	grant, refreshErr := guard.provider.Refresh(ctx, *account.RefreshToken)
	if refreshErr != nil {
		guard.metrics.Increment(metricGuardRefreshFailed)
		guard.metrics.Increment(metricGuardReauthRequired)
		guard.logger.Warn("delegated token refresh failed",
			zap.String("code", "guard.refresh_failed"),
			zap.String("account_id", account.ID),
			zap.Error(refreshErr))
		return nil, fmt.Errorf("guard.refresh: %w: %w", ErrReauthRequired, refreshErr)
	}

	updated := account.Clone()
	ApplyTokenGrant(updated, *grant, guard.clock.Now())
	if saveErr := guard.accounts.Save(ctx, updated); saveErr != nil {
		guard.logger.Error("refreshed grant not persisted",
			zap.String("code", "guard.refresh_save_failed"),
			zap.String("account_id", account.ID),
			zap.Error(saveErr))
		return nil, fmt.Errorf("guard.refresh.save: %w", saveErr)
	}

	guard.metrics.Increment(metricGuardRefreshed)
	if grant.RefreshToken != nil {
		guard.metrics.Increment(metricGuardRefreshTokenRotate)
	}
	guard.logger.Info("delegated token refreshed",
		zap.String("code", "guard.refreshed"),
		zap.String("account_id", account.ID),
		zap.Bool("refresh_token_rotated", grant.RefreshToken != nil),
		zap.Time("access_token_expiry", *updated.AccessTokenExpiry))
	return updated, nil
}

// RequireSession authenticates the request and attaches the account to its context.
func (guard *AccessGuard) RequireSession() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		account, authErr := guard.Authenticate(contextGin.Request.Context(), contextGin.GetHeader("Authorization"))
		if authErr != nil {
			AbortWithError(contextGin, authErr)
			return
		}
		attachAccount(contextGin, account)
		contextGin.Next()
	}
}

// RequireFreshAccess must run after RequireSession; it replaces the attached
// account with the refreshed one when a refresh happened.
func (guard *AccessGuard) RequireFreshAccess() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		account, ok := AccountFromContext(contextGin.Request.Context())
		if !ok {
			AbortWithError(contextGin, ErrUnauthenticated)
			return
		}
		freshAccount, freshErr := guard.EnsureFreshAccess(contextGin.Request.Context(), account)
		if freshErr != nil {
			AbortWithError(contextGin, freshErr)
			return
		}
		attachAccount(contextGin, freshAccount)
		contextGin.Next()
	}
}

func attachAccount(contextGin *gin.Context, account *UserAccount) {
	contextGin.Request = contextGin.Request.WithContext(WithAccount(contextGin.Request.Context(), account))
}

func (guard *AccessGuard) unauthenticated(code string, cause error) error {
	guard.metrics.Increment(metricGuardUnauthenticated)
	guard.logger.Debug("request not authenticated", zap.String("code", code))
	if cause != nil {
		return fmt.Errorf("%s: %w: %w", code, ErrUnauthenticated, cause)
	}
	return fmt.Errorf("%s: %w", code, ErrUnauthenticated)
}

func (guard *AccessGuard) reauthRequired(code string, account *UserAccount) error {
	guard.metrics.Increment(metricGuardReauthRequired)
	fields := []zap.Field{zap.String("code", code)}
	if account != nil {
		fields = append(fields, zap.String("account_id", account.ID))
	}
	guard.logger.Info("delegated grant requires re-authentication", fields...)
	return fmt.Errorf("%s: %w", code, ErrReauthRequired)
}

// BearerCredential extracts the credential from an "Authorization: Bearer" header.
func BearerCredential(authorizationHeader string) (string, bool) {
	scheme, credential, found := strings.Cut(strings.TrimSpace(authorizationHeader), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", false
	}
	return credential, true
}
