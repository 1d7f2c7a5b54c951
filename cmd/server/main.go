package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/oauthgate/internal/authkit"
	"github.com/tyemirov/oauthgate/internal/authkitpg"
	"github.com/tyemirov/oauthgate/internal/web"
	"github.com/tyemirov/oauthgate/pkg/sessioncodec"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
	return authkit.NewGoogleTokenValidator(ctx)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "oauthgate",
		Short:   "OAuth2 + PKCE login gateway with signed sessions and delegated token refresh",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":3001", "HTTP listen address")
	rootCmd.Flags().String("google_client_id", "", "Google OAuth client ID")
	rootCmd.Flags().String("google_client_secret", "", "Google OAuth client secret")
	rootCmd.Flags().String("google_redirect_uri", "", "Registered OAuth callback URL ending in /api/v1/auth/google/callback")
	rootCmd.Flags().String("jwt_secret", "", "HS256 signing secret for session credentials")
	rootCmd.Flags().Duration("session_ttl", authkit.DefaultSessionTTL, "Session credential lifetime")
	rootCmd.Flags().String("client_origin", "", "Client application origin that receives the session credential")
	rootCmd.Flags().StringSlice("provider_scopes", authkit.DefaultProviderScopes, "OAuth scopes requested at login")
	rootCmd.Flags().String("provider_auth_url", "", "Authorization endpoint override; empty for Google")
	rootCmd.Flags().String("provider_token_url", "", "Token endpoint override; empty for Google")
	rootCmd.Flags().Duration("provider_timeout", authkit.DefaultProviderTimeout, "Timeout for token endpoint calls")
	rootCmd.Flags().Duration("refresh_skew", authkit.DefaultRefreshSkew, "Refresh delegated access tokens this long before expiry")
	rootCmd.Flags().Duration("pkce_ttl", authkit.DefaultPKCETTL, "Lifetime of a pending login")
	rootCmd.Flags().String("redis_url", "", "Redis URL for pending logins (leave empty for in-memory store)")
	rootCmd.Flags().String("database_url", "", "Database URL for user accounts (postgres:// or sqlite://; leave empty for in-memory store)")
	rootCmd.Flags().String("database_driver", databaseDriverGORM, "Account store driver for postgres URLs: gorm or pgx")
	rootCmd.Flags().Bool("dedupe_refresh", true, "Collapse concurrent refreshes of one account into a single provider call")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for the client origin")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (defaults to client_origin)")
	rootCmd.Flags().Bool("enable_metrics", true, "Expose Prometheus metrics at /metrics")

	for _, flagName := range []string{
		"listen_addr", "google_client_id", "google_client_secret", "google_redirect_uri", "jwt_secret",
		"session_ttl", "client_origin", "provider_scopes", "provider_auth_url", "provider_token_url",
		"provider_timeout", "refresh_skew", "pkce_ttl", "redis_url", "database_url", "database_driver",
		"dedupe_refresh", "enable_cors", "cors_allowed_origins", "enable_metrics",
	} {
		_ = viper.BindPFlag(flagName, rootCmd.Flags().Lookup(flagName))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	databaseDriverGORM = "gorm"
	databaseDriverPGX  = "pgx"

	shutdownGracePeriod = 10 * time.Second

	configCodeMissingGoogleClientID     = "config.missing_google_client_id"
	configCodeMissingGoogleClientSecret = "config.missing_google_client_secret"
	configCodeMissingGoogleRedirectURI  = "config.missing_google_redirect_uri"
	configCodeMissingJWTSecret          = "config.missing_jwt_secret"
	configCodeMissingClientOrigin       = "config.missing_client_origin"
	configCodeInvalidSessionTTL         = "config.invalid_session_ttl"
	configCodeInvalidDatabaseDriver     = "config.invalid_database_driver"
	configCodeUninitializedServerConf   = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit       = "config.google_validator_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

// configurationError renders as "<code>: <message>" and matches authkit.ErrConfiguration.
type configurationError struct {
	code    string
	message string
}

func (err *configurationError) Error() string {
	return fmt.Sprintf("%s: %s", err.code, err.message)
}

func (err *configurationError) Unwrap() error {
	return authkit.ErrConfiguration
}

func configError(code, message string) error {
	return &configurationError{code: code, message: message}
}

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

// LoadServerConfig reads and validates the viper-bound settings.
func LoadServerConfig() (authkit.ServerConfig, error) {
	googleClientID := strings.TrimSpace(viper.GetString("google_client_id"))
	if googleClientID == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingGoogleClientID, "google_client_id must be provided")
	}
	googleClientSecret := viper.GetString("google_client_secret")
	if strings.TrimSpace(googleClientSecret) == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingGoogleClientSecret, "google_client_secret must be provided")
	}
	googleRedirectURI := strings.TrimSpace(viper.GetString("google_redirect_uri"))
	if googleRedirectURI == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingGoogleRedirectURI, "google_redirect_uri must be provided")
	}

	jwtSecret := viper.GetString("jwt_secret")
	if strings.TrimSpace(jwtSecret) == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingJWTSecret, "jwt_secret must be provided")
	}

	clientOrigin := strings.TrimSpace(viper.GetString("client_origin"))
	if clientOrigin == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingClientOrigin, "client_origin must be provided")
	}

	sessionTTL := authkit.DefaultSessionTTL
	if viper.IsSet("session_ttl") {
		sessionTTL = viper.GetDuration("session_ttl")
	}
	if sessionTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidSessionTTL, "session_ttl must be greater than zero")
	}

	switch driver := viper.GetString("database_driver"); driver {
	case "", databaseDriverGORM, databaseDriverPGX:
	default:
		return authkit.ServerConfig{}, configError(configCodeInvalidDatabaseDriver, fmt.Sprintf("database_driver %q must be gorm or pgx", driver))
	}

	dedupeRefresh := true
	if viper.IsSet("dedupe_refresh") {
		dedupeRefresh = viper.GetBool("dedupe_refresh")
	}

	return authkit.ServerConfig{
		GoogleClientID:     googleClientID,
		GoogleClientSecret: googleClientSecret,
		GoogleRedirectURI:  googleRedirectURI,
		ProviderAuthURL:    viper.GetString("provider_auth_url"),
		ProviderTokenURL:   viper.GetString("provider_token_url"),
		ProviderScopes:     viper.GetStringSlice("provider_scopes"),
		ProviderTimeout:    viper.GetDuration("provider_timeout"),
		SessionSigningKey:  []byte(jwtSecret),
		SessionTTL:         sessionTTL,
		ClientOrigin:       clientOrigin,
		PKCETTL:            viper.GetDuration("pkce_ttl"),
		RefreshSkew:        viper.GetDuration("refresh_skew"),
		DedupeRefresh:      dedupeRefresh,
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}
	startupCtx := commandContext

	listenAddr := viper.GetString("listen_addr")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	if len(corsAllowedOrigins) == 0 {
		corsAllowedOrigins = []string{serverConfig.ClientOrigin}
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	var closers []io.Closer
	defer func() {
		for index := len(closers) - 1; index >= 0; index-- {
			if closeErr := closers[index].Close(); closeErr != nil {
				logger.Warn("close error", zap.String("code", "server.close_error"), zap.Error(closeErr))
			}
		}
	}()

	accountStore, accountCloser, storeErr := openAccountStore(startupCtx, logger, viper.GetString("database_url"), viper.GetString("database_driver"))
	if storeErr != nil {
		return storeErr
	}
	if accountCloser != nil {
		closers = append(closers, accountCloser)
	}

	pkceStore, pkceErr := openPKCEStore(startupCtx, logger, viper.GetString("redis_url"), serverConfig.PKCETTL)
	if pkceErr != nil {
		return pkceErr
	}
	closers = append(closers, pkceStore)

	validator, validatorErr := buildGoogleTokenValidator(startupCtx)
	if validatorErr != nil {
		return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
	}

	providerClient, providerErr := authkit.NewGoogleProviderClient(serverConfig, validator, logger)
	if providerErr != nil {
		return providerErr
	}

	clock := authkit.NewSystemClock()
	codec, codecErr := sessioncodec.New(sessioncodec.Config{
		SigningKey: serverConfig.SessionSigningKey,
		TTL:        serverConfig.SessionTTL,
		Clock:      clock,
	})
	if codecErr != nil {
		return fmt.Errorf("%w: %w", authkit.ErrConfiguration, codecErr)
	}

	var metricsRecorder authkit.MetricsRecorder = authkit.NewCounterMetrics()
	if viper.GetBool("enable_metrics") {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		prometheusMetrics, metricsErr := authkit.NewPrometheusMetrics(registry)
		if metricsErr != nil {
			return metricsErr
		}
		metricsRecorder = prometheusMetrics
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	sessionManager, managerErr := authkit.NewSessionManager(authkit.SessionManagerDependencies{
		PKCEStore: pkceStore,
		Provider:  providerClient,
		Accounts:  accountStore,
		Codec:     codec,
		Clock:     clock,
		Logger:    logger,
		Metrics:   metricsRecorder,
	})
	if managerErr != nil {
		return managerErr
	}

	accessGuard, guardErr := authkit.NewAccessGuard(authkit.AccessGuardDependencies{
		Codec:         codec,
		Accounts:      accountStore,
		Provider:      providerClient,
		Clock:         clock,
		Logger:        logger,
		Metrics:       metricsRecorder,
		RefreshSkew:   serverConfig.RefreshSkew,
		DedupeRefresh: serverConfig.DedupeRefresh,
	})
	if guardErr != nil {
		return guardErr
	}

	api := router.Group("/api/v1")
	api.GET("", web.HandleServiceStatus(time.Now))
	api.GET("/auth/me", web.HandleCurrentUser(logger, sessionManager))
	authkit.MountAuthRoutes(api, serverConfig, sessionManager, accessGuard, logger)

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	stopSignals := make(chan os.Signal, 1)
	signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stopSignals)

	go func() {
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, shutdownGracePeriod)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

type closerFunc func() error

func (closer closerFunc) Close() error {
	return closer()
}

func openAccountStore(ctx context.Context, logger *zap.Logger, databaseURL string, driver string) (authkit.AccountStore, io.Closer, error) {
	if strings.TrimSpace(databaseURL) == "" {
		logger.Info("using in-memory account store")
		return authkit.NewMemoryAccountStore(), nil, nil
	}
	if driver == databaseDriverPGX {
		pool, poolErr := authkitpg.BuildPool(ctx, databaseURL)
		if poolErr != nil {
			return nil, nil, poolErr
		}
		if schemaErr := authkitpg.EnsureSchema(ctx, pool); schemaErr != nil {
			pool.Close()
			return nil, nil, schemaErr
		}
		logger.Info("using persistent account store", zap.String("driver", databaseDriverPGX))
		return authkitpg.NewPostgresAccountStore(pool), closerFunc(func() error {
			pool.Close()
			return nil
		}), nil
	}
	persistentStore, storeErr := authkit.NewDatabaseAccountStore(ctx, databaseURL)
	if storeErr != nil {
		return nil, nil, storeErr
	}
	logger.Info("using persistent account store", zap.String("driver", persistentStore.Driver()))
	return persistentStore, persistentStore, nil
}

type closablePKCEStore interface {
	authkit.PKCEChallengeStore
	io.Closer
}

func openPKCEStore(ctx context.Context, logger *zap.Logger, redisURL string, ttl time.Duration) (closablePKCEStore, error) {
	if strings.TrimSpace(redisURL) == "" {
		logger.Info("using in-memory pending login store")
		return authkit.NewMemoryPKCEStore(ttl), nil
	}
	redisStore, err := authkit.OpenRedisPKCEStore(ctx, redisURL, ttl)
	if err != nil {
		return nil, err
	}
	logger.Info("using redis pending login store")
	return redisStore, nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
